package systems

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
)

/** @brief Configuration for the shader system. */
type ShaderSystemConfig struct {
	/** @brief The maximum number of shaders held in the system. */
	MaxShaderCount uint16
}

type shaderEntry struct {
	name  string
	desc  device.ShaderDescription
	state device.PipelineState
	// pipeline is nil for compute shaders.
	shader   *resource.Handle[*device.Shader]
	pipeline *resource.Handle[*device.Pipeline]
}

func (e *shaderEntry) release() {
	resource.ReleaseAll(e.pipeline, e.shader)
	e.pipeline, e.shader = nil, nil
}

// ShaderSystem owns the named shaders of every render process and rebuilds
// them all at once on reload.
type ShaderSystem struct {
	// This system's configuration.
	Config *ShaderSystemConfig
	// A lookup table for shader name->entry
	lookup     map[string]*shaderEntry
	generation uint64
	mutex      sync.RWMutex
	// sub systems
	jobSystem *JobSystem
	device    *device.Device
}

func NewShaderSystem(config *ShaderSystemConfig, js *JobSystem, dev *device.Device) (*ShaderSystem, error) {
	if config.MaxShaderCount == 0 {
		err := fmt.Errorf("NewShaderSystem - config.MaxShaderCount must be greater than 0")
		core.LogError(err.Error())
		return nil, err
	}
	return &ShaderSystem{
		Config:    config,
		lookup:    make(map[string]*shaderEntry),
		jobSystem: js,
		device:    dev,
	}, nil
}

func (shaderSystem *ShaderSystem) compile(e *shaderEntry) error {
	shader, err := shaderSystem.device.CreateShader(e.desc)
	if err != nil {
		return err
	}
	var pipeline *resource.Handle[*device.Pipeline]
	if !e.desc.IsCompute() {
		pipeline, err = shaderSystem.device.CreatePipeline(device.PipelineDescription{Label: e.name, Shader: shader, State: e.state})
		if err != nil {
			shader.Release()
			return err
		}
	}
	e.shader, e.pipeline = shader, pipeline
	return nil
}

/**
 * @brief Compiles and registers a shader under name. Graphics shaders are
 * paired with state; state is ignored for compute shaders.
 */
func (shaderSystem *ShaderSystem) Register(name string, desc device.ShaderDescription, state device.PipelineState) error {
	shaderSystem.mutex.Lock()
	defer shaderSystem.mutex.Unlock()

	if _, ok := shaderSystem.lookup[name]; ok {
		return fmt.Errorf("shader %q already registered", name)
	}
	if len(shaderSystem.lookup) >= int(shaderSystem.Config.MaxShaderCount) {
		return fmt.Errorf("shader %q: %d shaders registered: %w", name, len(shaderSystem.lookup), core.ErrCapacityExceeded)
	}
	if desc.Label == "" {
		desc.Label = name
	}
	e := &shaderEntry{name: name, desc: desc, state: state}
	if err := shaderSystem.compile(e); err != nil {
		return err
	}
	shaderSystem.lookup[name] = e
	return nil
}

/**
 * @brief Releases the shader registered under name, if any.
 */
func (shaderSystem *ShaderSystem) Unregister(name string) {
	shaderSystem.mutex.Lock()
	defer shaderSystem.mutex.Unlock()
	if e, ok := shaderSystem.lookup[name]; ok {
		e.release()
		delete(shaderSystem.lookup, name)
	}
}

func (shaderSystem *ShaderSystem) entry(name string) (*shaderEntry, error) {
	shaderSystem.mutex.RLock()
	defer shaderSystem.mutex.RUnlock()
	e, ok := shaderSystem.lookup[name]
	if !ok {
		return nil, fmt.Errorf("shader %q is not registered: %w", name, core.ErrInvalidHandleUse)
	}
	return e, nil
}

// Pipeline returns the pipeline of a graphics shader. The handle is owned by
// the system and replaced on reload; retain it to keep it longer.
func (shaderSystem *ShaderSystem) Pipeline(name string) (*resource.Handle[*device.Pipeline], error) {
	e, err := shaderSystem.entry(name)
	if err != nil {
		return nil, err
	}
	if e.pipeline == nil {
		return nil, fmt.Errorf("shader %q is a compute shader: %w", name, core.ErrInvalidHandleUse)
	}
	return e.pipeline, nil
}

// Shader returns the shader registered under name.
func (shaderSystem *ShaderSystem) Shader(name string) (*resource.Handle[*device.Shader], error) {
	e, err := shaderSystem.entry(name)
	if err != nil {
		return nil, err
	}
	return e.shader, nil
}

// Bind binds the named shader on the device: its pipeline for graphics
// shaders, the shader itself for compute.
func (shaderSystem *ShaderSystem) Bind(name string) error {
	e, err := shaderSystem.entry(name)
	if err != nil {
		return err
	}
	if e.pipeline != nil {
		return shaderSystem.device.SetPipeline(e.pipeline)
	}
	return shaderSystem.device.SetShader(e.shader)
}

/**
 * @brief Recompiles every registered shader on the job system. The new set
 * replaces the old one only if every shader compiled; otherwise the old set
 * stays bound and the joined errors are returned.
 */
func (shaderSystem *ShaderSystem) Reload() error {
	shaderSystem.mutex.Lock()
	defer shaderSystem.mutex.Unlock()

	names := make([]string, 0, len(shaderSystem.lookup))
	for name := range shaderSystem.lookup {
		names = append(names, name)
	}
	sort.Strings(names)

	fresh := make([]*shaderEntry, len(names))
	jobs := make([]func() error, len(names))
	for i, name := range names {
		old := shaderSystem.lookup[name]
		fresh[i] = &shaderEntry{name: name, desc: old.desc, state: old.state}
		jobs[i] = func() error { return shaderSystem.compile(fresh[i]) }
	}

	var err error
	if shaderSystem.jobSystem != nil {
		err = shaderSystem.jobSystem.RunAll("shader_reload", jobs...)
	} else {
		errs := make([]error, len(jobs))
		for i, job := range jobs {
			errs[i] = job()
		}
		err = errors.Join(errs...)
	}
	if err != nil {
		for _, e := range fresh {
			e.release()
		}
		core.LogWarn("shader reload failed, keeping generation %d", shaderSystem.generation)
		return err
	}

	for _, e := range fresh {
		shaderSystem.lookup[e.name].release()
		shaderSystem.lookup[e.name] = e
	}
	shaderSystem.generation++
	core.LogInfo("reloaded %d shaders, generation %d", len(fresh), shaderSystem.generation)
	return nil
}

// Generation counts the successful reloads.
func (shaderSystem *ShaderSystem) Generation() uint64 {
	shaderSystem.mutex.RLock()
	defer shaderSystem.mutex.RUnlock()
	return shaderSystem.generation
}

func (shaderSystem *ShaderSystem) Count() int {
	shaderSystem.mutex.RLock()
	defer shaderSystem.mutex.RUnlock()
	return len(shaderSystem.lookup)
}

/**
 * @brief Shuts down the shader system, releasing every shader.
 */
func (shaderSystem *ShaderSystem) Shutdown() error {
	shaderSystem.mutex.Lock()
	defer shaderSystem.mutex.Unlock()
	for name, e := range shaderSystem.lookup {
		e.release()
		delete(shaderSystem.lookup, name)
	}
	return nil
}
