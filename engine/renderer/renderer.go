// Package renderer drives the render processes of the deferred pipeline over
// a device. A Renderer owns its processes, the shader memory pool and the
// binding cache; nothing it uses is global.
package renderer

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/spaghettifunk/anima-deferred/engine/config"
	"github.com/spaghettifunk/anima-deferred/engine/containers"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/memory"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/processes"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
	"github.com/spaghettifunk/anima-deferred/engine/systems"
)

type Option func(*Renderer)

// WithImageSource sets where the texture system decodes images from. It is
// ignored when WithSystems is given.
func WithImageSource(images systems.ImageSource) Option {
	return func(r *Renderer) { r.images = images }
}

// WithSystems makes the renderer use systems it does not own. They are not
// shut down by Destroy.
func WithSystems(sm *systems.SystemManager) Option {
	return func(r *Renderer) { r.systems = sm }
}

// WithEvents subscribes the renderer to resize and shader change events.
func WithEvents(es *core.EventSystem) Option {
	return func(r *Renderer) { r.events = es }
}

func WithLogger(l *log.Logger) Option {
	return func(r *Renderer) { r.logger = l }
}

type Renderer struct {
	config   *config.Config
	device   *device.Device
	memory   *memory.ShaderMemoryPool
	bindings *memory.BindingCache
	systems  *systems.SystemManager
	images   systems.ImageSource
	events   *core.EventSystem
	logger   *log.Logger

	ownsSystems bool
	state       processes.State

	processes [processes.TypeCount]processes.Process
	// order holds the built processes in declared order.
	order      []processes.Process
	frames     *containers.FixedArray[*processes.FrameContext]
	frameIndex uint64

	clock   *core.Clock
	metrics *core.FrameMetrics

	// Work requested through events, applied at the start of the next frame.
	mutex         sync.Mutex
	pendingWidth  uint32
	pendingHeight uint32
	pendingReload bool
}

/**
 * @brief Creates a renderer over dev. The processes are built by Init.
 * @param cfg The validated configuration. The renderer keeps a pointer to it.
 * @param dev The device. The renderer attaches its memory pool and binding
 * cache to it but never destroys it.
 */
func New(cfg *config.Config, dev *device.Device, opts ...Option) (*Renderer, error) {
	if cfg == nil || dev == nil {
		return nil, fmt.Errorf("renderer needs a configuration and a device: %w", core.ErrNotInitialized)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Renderer{
		config:  cfg,
		device:  dev,
		clock:   core.NewClock(),
		metrics: core.NewFrameMetrics(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = core.Logger()
	}
	r.logger = r.logger.With("backend", dev.BackendName())

	var err error
	r.memory, err = memory.NewShaderMemoryPool(dev, cfg.Memory, cfg.FramesInFlight)
	if err != nil {
		return nil, err
	}
	r.bindings = memory.NewBindingCache(dev.Tracker())
	dev.Attach(r.memory, r.bindings)

	if r.systems == nil {
		r.systems, err = systems.NewSystemManager(systems.DefaultSystemManagerConfig(), dev, r.images)
		if err != nil {
			r.memory.Destroy()
			return nil, err
		}
		r.ownsSystems = true
	}

	r.frames = containers.NewFixedArray[*processes.FrameContext](cfg.FramesInFlight)
	for i := 0; i < cfg.FramesInFlight; i++ {
		if err := r.frames.Append(&processes.FrameContext{Slot: i}); err != nil {
			return nil, err
		}
	}

	if r.events != nil {
		r.events.Register(core.EVENT_CODE_RESIZED, r, r.onEvent)
		r.events.Register(core.EVENT_CODE_SHADER_SOURCE_CHANGED, r, r.onEvent)
	}
	return r, nil
}

func (r *Renderer) onEvent(code core.SystemEventCode, sender, listener interface{}, data core.EventContext) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	switch code {
	case core.EVENT_CODE_RESIZED:
		r.pendingWidth, r.pendingHeight = data.Data.U32[0], data.Data.U32[1]
	case core.EVENT_CODE_SHADER_SOURCE_CHANGED:
		r.pendingReload = true
	}
	return false
}

// lookup exposes the render targets of the processes ordered before one.
type lookup struct {
	r      *Renderer
	before processes.Type
}

func (l lookup) RenderTarget(t processes.Type, index int) (*resource.Handle[*device.RenderTarget], error) {
	if t >= l.before {
		return nil, fmt.Errorf("%s does not run before %s: %w", t, l.before, core.ErrUnknownProcess)
	}
	p, err := l.r.GetRenderProcess(t)
	if err != nil {
		return nil, err
	}
	return processes.GetRenderTarget(p, index)
}

func (r *Renderer) context(p processes.Process, frame *processes.FrameContext, scene *processes.Scene) *processes.Context {
	return &processes.Context{
		Device:   r.device,
		Memory:   r.memory,
		Bindings: r.bindings,
		Shaders:  r.systems.ShaderSystem,
		Textures: r.systems.TextureSystem,
		Config:   r.config,
		Frame:    frame,
		Scene:    scene,
		Lookup:   lookup{r: r, before: p.Type()},
		Events:   r.events,
		Logger:   r.logger,
	}
}

func (r *Renderer) frame(slot int) *processes.FrameContext {
	f, err := r.frames.Get(slot)
	if err != nil {
		// The ring is filled by New.
		panic(err)
	}
	return f
}

func (r *Renderer) flushFrames() {
	r.frames.Each(func(_ int, f *processes.FrameContext) error {
		f.Flush()
		return nil
	})
}

// buildTypes returns the configured process types in pipeline order.
func (r *Renderer) buildTypes() ([]processes.Type, error) {
	var types []processes.Type
	for _, name := range r.config.Processes {
		t, err := processes.ParseType(name)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(types, t) {
			types = append(types, t)
		}
	}
	slices.Sort(types)
	return types, nil
}

/**
 * @brief Builds and initialises every configured process in pipeline order,
 * then prepares each process' data for every frame slot. On failure the processes
 * initialised so far are destroyed in reverse order.
 */
func (r *Renderer) Init() error {
	if r.state != processes.StateUninitialized {
		return fmt.Errorf("init renderer: renderer is %s", r.state)
	}
	types, err := r.buildTypes()
	if err != nil {
		return err
	}

	if err := r.device.BeginCommands(); err != nil {
		return err
	}
	if err := r.memory.BeginFrame(0); err != nil {
		return r.abortInit(err)
	}
	setup := r.frame(0)
	r.bindings.SetReleaser(setup.Defer)
	for _, t := range types {
		p, err := processes.New(t)
		if err != nil {
			return r.abortInit(err)
		}
		if err := processes.Init(p, r.context(p, setup, nil)); err != nil {
			return r.abortInit(err)
		}
		r.processes[t] = p
		r.order = append(r.order, p)
		r.logger.Debug("process initialized", "process", p.Type())
	}
	// Every process is initialized before any frame data.
	for _, p := range r.order {
		for slot := 0; slot < r.frames.Len(); slot++ {
			if err := processes.InitFrameData(p, r.context(p, r.frame(slot), nil), slot); err != nil {
				return r.abortInit(err)
			}
			r.logger.Debug("frame data initialized", "process", p.Type(), "slot", slot)
		}
	}

	value, err := r.device.Submit()
	if err != nil {
		return r.abortInit(err)
	}
	r.memory.Submit(value)
	setup.Submitted = value
	if err := r.device.WaitIdle(); err != nil {
		return r.abortInit(err)
	}
	setup.Flush()

	r.state = processes.StateInitialized
	r.clock.Start()
	r.logger.Info("renderer initialized", "processes", len(r.order), "frames", r.frames.Len())
	return nil
}

func (r *Renderer) abortInit(cause error) error {
	if r.device.Recording() {
		if value, err := r.device.Submit(); err == nil {
			r.memory.Submit(value)
		}
	}
	if err := r.device.WaitIdle(); err != nil {
		r.logger.Error("wait idle after failed init", "err", err)
	}
	r.bindings.SetReleaser(nil)
	r.flushFrames()
	r.destroyProcesses()
	r.logger.Error("renderer init failed", "err", cause)
	return cause
}

func (r *Renderer) destroyProcesses() {
	for i := len(r.order) - 1; i >= 0; i-- {
		p := r.order[i]
		if err := processes.Destroy(p, r.context(p, r.frame(0), nil)); err != nil {
			r.logger.Error("destroy process", "process", p.Type(), "err", err)
		}
		r.processes[p.Type()] = nil
	}
	r.order = nil
}

func (r *Renderer) ready() error {
	if r.state != processes.StateInitialized {
		return fmt.Errorf("renderer is %s: %w", r.state, core.ErrNotInitialized)
	}
	return nil
}

// applyPending runs the resize and reload requested through events.
func (r *Renderer) applyPending() error {
	r.mutex.Lock()
	width, height, reload := r.pendingWidth, r.pendingHeight, r.pendingReload
	r.pendingWidth, r.pendingHeight, r.pendingReload = 0, 0, false
	r.mutex.Unlock()

	if width != 0 && height != 0 && (width != r.config.Width || height != r.config.Height) {
		if err := r.Resize(width, height); err != nil {
			return err
		}
	}
	if reload {
		// A broken edit keeps the previous shaders running.
		if err := r.ReloadShaders(); err != nil && !errors.Is(err, core.ErrShaderCompileFailure) {
			return err
		}
	}
	return nil
}

/**
 * @brief Records and submits one frame of scene.
 * The frame waits for the last submission of its ring slot for at most
 * FenceTimeoutMS. A timeout is returned as ErrFenceTimeout and nothing is
 * recorded; the caller decides whether to try again.
 */
func (r *Renderer) Draw(scene *processes.Scene) error {
	if err := r.ready(); err != nil {
		return err
	}
	if err := r.applyPending(); err != nil {
		return err
	}
	if scene == nil {
		scene = &processes.Scene{}
	}

	slot := int(r.frameIndex % uint64(r.frames.Len()))
	frame := r.frame(slot)
	timeout := time.Duration(r.config.FenceTimeoutMS) * time.Millisecond
	if err := r.device.Wait(frame.Submitted, timeout); err != nil {
		r.logger.Warn("frame slot not available", "slot", slot, "frame", r.frameIndex, "err", err)
		return err
	}
	frame.Flush()
	frame.Index = r.frameIndex
	r.bindings.SetReleaser(frame.Defer)

	if err := r.device.BeginCommands(); err != nil {
		return err
	}
	if err := r.memory.BeginFrame(slot); err != nil {
		return r.endFrame(frame, err)
	}

	ctxs := make([]*processes.Context, len(r.order))
	for i, p := range r.order {
		ctxs[i] = r.context(p, frame, scene)
		if err := processes.UpdateRenderData(p, ctxs[i]); err != nil {
			return r.endFrame(frame, err)
		}
	}
	for i, p := range r.order {
		if err := processes.DebugDraw(p, ctxs[i]); err != nil {
			return r.endFrame(frame, err)
		}
	}
	for i, p := range r.order {
		if err := processes.Draw(p, ctxs[i]); err != nil {
			return r.endFrame(frame, err)
		}
	}
	if err := r.device.EndCommands(); err != nil {
		return r.endFrame(frame, err)
	}
	return r.endFrame(frame, nil)
}

// endFrame submits whatever was recorded so the slot's deferred releases and
// memory regions are tied to a fence, then advances the ring.
func (r *Renderer) endFrame(frame *processes.FrameContext, cause error) error {
	value, err := r.device.Submit()
	if err != nil {
		if cause == nil {
			cause = err
		}
		r.logger.Error("frame submit failed", "frame", r.frameIndex, "err", err)
		return cause
	}
	r.memory.Submit(value)
	frame.Submitted = value
	r.frameIndex++

	r.clock.Update()
	r.metrics.Update(r.clock.ElapsedSeconds())
	r.clock.Start()

	if cause != nil {
		r.logger.Error("frame failed", "frame", frame.Index, "err", cause)
	}
	return cause
}

// ImGuiDraw renders the debug panel of every process in pipeline order.
func (r *Renderer) ImGuiDraw(ui processes.DebugUI) error {
	if err := r.ready(); err != nil {
		return err
	}
	if ui != nil && ui.Begin("renderer") {
		fps, ms := r.metrics.Frame()
		ui.Text("frame %d: %.1f fps, %.2f ms", r.frameIndex, fps, ms)
		stats := r.memory.Stats()
		ui.Text("shader memory: %d chunks, %d regions", stats.Chunks, stats.Regions)
		ui.Text("binding sets: %d (%d hits, %d misses)", r.bindings.Len(), r.bindings.Hits(), r.bindings.Misses())
		ui.End()
	}
	for _, p := range r.order {
		if err := processes.ImGuiDraw(p, ui); err != nil {
			return err
		}
	}
	return nil
}

/**
 * @brief Waits for the GPU, destroys the processes in reverse order and
 * releases the pool and cache.
 * @returns An error naming every handle still alive afterwards.
 */
func (r *Renderer) Destroy() error {
	if r.state == processes.StateDestroyed {
		return nil
	}
	if err := r.device.WaitIdle(); err != nil {
		return err
	}
	if r.events != nil {
		r.events.Unregister(core.EVENT_CODE_RESIZED, r)
		r.events.Unregister(core.EVENT_CODE_SHADER_SOURCE_CHANGED, r)
	}
	// Idle from here on, evicted sets can go at once.
	r.bindings.SetReleaser(nil)
	r.flushFrames()
	r.destroyProcesses()
	r.bindings.Clear()
	r.memory.Destroy()
	if r.ownsSystems {
		if err := r.systems.Shutdown(); err != nil {
			r.logger.Error("systems shutdown", "err", err)
		}
	}
	r.state = processes.StateDestroyed
	r.logger.Info("renderer destroyed", "frames", r.frameIndex)
	return r.device.Tracker().LeakError()
}

// GetRenderProcess returns the process of type t. The renderer keeps ownership.
func (r *Renderer) GetRenderProcess(t processes.Type) (processes.Process, error) {
	if t < 0 || t >= processes.TypeCount || r.processes[t] == nil {
		return nil, fmt.Errorf("%s: %w", t, core.ErrUnknownProcess)
	}
	return r.processes[t], nil
}

func process[T processes.Process](r *Renderer, t processes.Type) (T, error) {
	var zero T
	p, err := r.GetRenderProcess(t)
	if err != nil {
		return zero, err
	}
	typed, ok := p.(T)
	if !ok {
		return zero, fmt.Errorf("%s is %T: %w", t, p, core.ErrUnknownProcess)
	}
	return typed, nil
}

func (r *Renderer) Preprocess() (*processes.Preprocess, error) {
	return process[*processes.Preprocess](r, processes.TypePreprocess)
}

func (r *Renderer) GBuffer() (*processes.GBuffer, error) {
	return process[*processes.GBuffer](r, processes.TypeGBuffer)
}

func (r *Renderer) ShadowMap() (*processes.ShadowMap, error) {
	return process[*processes.ShadowMap](r, processes.TypeShadowMap)
}

func (r *Renderer) SSAO() (*processes.SSAO, error) {
	return process[*processes.SSAO](r, processes.TypeSSAO)
}

func (r *Renderer) Lighting() (*processes.Lighting, error) {
	return process[*processes.Lighting](r, processes.TypeDeferredLighting)
}

func (r *Renderer) Forward() (*processes.Forward, error) {
	return process[*processes.Forward](r, processes.TypeForward)
}

// GetRenderTarget returns render target index of the process of type t.
func (r *Renderer) GetRenderTarget(t processes.Type, index int) (*resource.Handle[*device.RenderTarget], error) {
	p, err := r.GetRenderProcess(t)
	if err != nil {
		return nil, err
	}
	return processes.GetRenderTarget(p, index)
}

/**
 * @brief Recompiles every shader. When one fails the previous set stays in
 * use and the compile errors are returned.
 */
func (r *Renderer) ReloadShaders() error {
	if err := r.ready(); err != nil {
		return err
	}
	if err := r.device.WaitIdle(); err != nil {
		return err
	}
	if err := r.systems.ShaderSystem.Reload(); err != nil {
		r.logger.Warn("shader reload failed, keeping previous shaders", "err", err)
		return err
	}
	for _, p := range r.order {
		if err := processes.Reload(p, r.context(p, r.frame(0), nil)); err != nil {
			return err
		}
	}
	r.logger.Info("shaders reloaded", "generation", r.systems.ShaderSystem.Generation())
	return nil
}

// Resize recreates the screen sized targets of every process.
func (r *Renderer) Resize(width, height uint32) error {
	if err := r.ready(); err != nil {
		return err
	}
	if width == 0 || height == 0 {
		return fmt.Errorf("resize to %dx%d: %w", width, height, core.ErrResourceCreationFailure)
	}
	if err := r.device.WaitIdle(); err != nil {
		return err
	}
	r.flushFrames()
	for _, p := range r.order {
		if err := processes.Resize(p, r.context(p, r.frame(0), nil), width, height); err != nil {
			return err
		}
	}
	r.config.Width, r.config.Height = width, height
	r.logger.Debug("renderer resized", "width", width, "height", height)
	return nil
}

// PushIrradiancePreprocess queues an environment bake on the preprocess pass.
func (r *Renderer) PushIrradiancePreprocess(info processes.PreprocessIrradianceInfo) (*processes.Future, error) {
	if err := r.ready(); err != nil {
		return nil, err
	}
	p, err := r.Preprocess()
	if err != nil {
		return nil, err
	}
	return p.Push(info)
}

// FrameIndex returns the number of frames submitted so far.
func (r *Renderer) FrameIndex() uint64 {
	return r.frameIndex
}

func (r *Renderer) Metrics() *core.FrameMetrics {
	return r.metrics
}

func (r *Renderer) Device() *device.Device {
	return r.device
}

func (r *Renderer) Tracker() *resource.Tracker {
	return r.device.Tracker()
}

func (r *Renderer) Systems() *systems.SystemManager {
	return r.systems
}

func (r *Renderer) State() processes.State {
	return r.state
}

func (r *Renderer) Config() *config.Config {
	return r.config
}
