// Package device is the facade every render process goes through to create GPU
// objects and record GPU work. It is the only package that talks to a Backend.
package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
)

// RegionID names a shader memory region. Index distinguishes successive
// draws with the same shader within a frame.
type RegionID struct {
	Name  string
	Index uint32
}

// UniformRange is a block of shader memory holding one draw's properties.
type UniformRange struct {
	Buffer *resource.Handle[*Buffer]
	Offset uint64
	Size   uint64
}

// UniformAllocator hands out per-frame shader memory for property blocks.
type UniformAllocator interface {
	AllocateUniform(id RegionID, data []byte) (UniformRange, error)
}

// BindingResolver returns the binding set for desc, calling create on a miss.
// The returned handle is owned by the resolver.
type BindingResolver interface {
	Resolve(desc BindingSetDescription, create func() (*resource.Handle[*BindingSet], error)) (*resource.Handle[*BindingSet], error)
}

type Device struct {
	backend  Backend
	tracker  *resource.Tracker
	resolver SourceResolver
	uniforms UniformAllocator
	bindings BindingResolver

	cl        CommandList
	state     drawState
	counters  map[string]uint32
	stats     Stats
	submitted uint64
}

func New(backend Backend, tracker *resource.Tracker, resolver SourceResolver) *Device {
	if tracker == nil {
		tracker = resource.NewTracker()
	}
	return &Device{
		backend:  backend,
		tracker:  tracker,
		resolver: resolver,
		counters: make(map[string]uint32),
	}
}

// Attach wires the shader memory pool and binding cache used when flushing
// draw state. Both are built on top of the device so they come in later.
func (d *Device) Attach(uniforms UniformAllocator, bindings BindingResolver) {
	d.uniforms = uniforms
	d.bindings = bindings
}

func (d *Device) Tracker() *resource.Tracker {
	return d.tracker
}

func (d *Device) BackendName() string {
	return d.backend.Name()
}

func creationError(what, label string, err error) error {
	if errors.Is(err, core.ErrResourceCreationFailure) || errors.Is(err, core.ErrDeviceFailure) || errors.Is(err, core.ErrShaderCompileFailure) {
		return fmt.Errorf("create %s %q: %w", what, label, err)
	}
	return fmt.Errorf("create %s %q: %v: %w", what, label, err, core.ErrResourceCreationFailure)
}

func destroyNative[T interface{ native() Native }](obj T) {
	if n := obj.native(); n != nil {
		n.Destroy()
	}
}

func (t *Texture) native() Native     { return t.Native }
func (b *Buffer) native() Native      { return b.Native }
func (s *Shader) native() Native      { return s.Native }
func (bs *BindingSet) native() Native { return bs.Native }

// CreateTexture creates a texture. Every subresource starts out cleared to zero.
func (d *Device) CreateTexture(desc TextureDescription) (*resource.Handle[*Texture], error) {
	if err := desc.normalize(); err != nil {
		return nil, err
	}
	native, err := d.backend.CreateTexture(desc)
	if err != nil {
		return nil, creationError("texture", desc.Label, err)
	}
	tex := &Texture{Description: desc, Native: native}
	return resource.New(d.tracker, resource.KindTexture, desc.Label, desc, tex, destroyNative[*Texture]), nil
}

func (d *Device) CreateBuffer(desc BufferDescription) (*resource.Handle[*Buffer], error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("buffer %q has zero size: %w", desc.Label, core.ErrResourceCreationFailure)
	}
	native, err := d.backend.CreateBuffer(desc)
	if err != nil {
		return nil, creationError("buffer", desc.Label, err)
	}
	buf := &Buffer{Description: desc, Native: native}
	return resource.New(d.tracker, resource.KindBuffer, desc.Label, desc, buf, destroyNative[*Buffer]), nil
}

// CreateRenderTarget creates a render target from desc. The render target
// keeps a reference to every attachment texture until it is destroyed.
func (d *Device) CreateRenderTarget(desc RenderTargetDescription) (*resource.Handle[*RenderTarget], error) {
	if len(desc.Colors) == 0 && desc.DepthStencil == nil {
		return nil, fmt.Errorf("render target %q has no attachments: %w", desc.Label, core.ErrResourceCreationFailure)
	}

	var width, height uint32
	check := func(a Attachment, depth bool) (Native, error) {
		tex, err := a.Texture.Get()
		if err != nil {
			return nil, fmt.Errorf("render target %q attachment: %w", desc.Label, err)
		}
		td := tex.Description
		if !td.Contains(a.Subresource) {
			return nil, fmt.Errorf("render target %q: %q has no subresource %+v: %w", desc.Label, td.Label, a.Subresource, core.ErrResourceCreationFailure)
		}
		if td.Format.HasDepth() != depth {
			return nil, fmt.Errorf("render target %q: %q format %s in the wrong attachment: %w", desc.Label, td.Label, td.Format, core.ErrResourceCreationFailure)
		}
		if !td.Usage.Contains(gputypes.TextureUsageRenderAttachment) {
			return nil, fmt.Errorf("render target %q: %q lacks render attachment usage: %w", desc.Label, td.Label, core.ErrResourceCreationFailure)
		}
		w, h := td.MipExtent(a.Subresource.MipLevel)
		if width == 0 {
			width, height = w, h
		} else if w != width || h != height {
			return nil, fmt.Errorf("render target %q: attachment %q is %dx%d, expected %dx%d: %w", desc.Label, td.Label, w, h, width, height, core.ErrResourceCreationFailure)
		}
		return tex.Native, nil
	}

	colors := make([]Native, 0, len(desc.Colors))
	for _, a := range desc.Colors {
		n, err := check(a, false)
		if err != nil {
			return nil, err
		}
		colors = append(colors, n)
	}
	var depth Native
	if desc.DepthStencil != nil {
		n, err := check(*desc.DepthStencil, true)
		if err != nil {
			return nil, err
		}
		depth = n
	}

	native, err := d.backend.CreateRenderTarget(desc, colors, depth)
	if err != nil {
		return nil, creationError("render target", desc.Label, err)
	}

	// The render target owns its own copy of the description and of every
	// attachment reference.
	owned := RenderTargetDescription{Label: desc.Label, Colors: make([]Attachment, len(desc.Colors))}
	for i, a := range desc.Colors {
		a.Texture = a.Texture.Retain()
		owned.Colors[i] = a
	}
	if desc.DepthStencil != nil {
		a := *desc.DepthStencil
		a.Texture = a.Texture.Retain()
		owned.DepthStencil = &a
	}

	rt := &RenderTarget{Description: owned, Native: native, Width: width, Height: height}
	return resource.New(d.tracker, resource.KindRenderTarget, desc.Label, owned, rt, func(rt *RenderTarget) {
		rt.Native.Destroy()
		for _, a := range rt.Description.Colors {
			a.Texture.Release()
		}
		if rt.Description.DepthStencil != nil {
			rt.Description.DepthStencil.Texture.Release()
		}
	}), nil
}

// CreateShader resolves, preprocesses and compiles the stages named by desc.
// Compile errors wrap core.ErrShaderCompileFailure.
func (d *Device) CreateShader(desc ShaderDescription) (*resource.Handle[*Shader], error) {
	if desc.IsCompute() && (desc.Vertex != "" || desc.Fragment != "") {
		return nil, fmt.Errorf("shader %q mixes compute and graphics stages: %w", desc.Label, core.ErrShaderCompileFailure)
	}
	if !desc.IsCompute() && (desc.Vertex == "" || desc.Fragment == "") {
		return nil, fmt.Errorf("shader %q needs a vertex and a fragment stage: %w", desc.Label, core.ErrShaderCompileFailure)
	}
	layout, err := newShader(desc, nil)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, core.ErrShaderCompileFailure)
	}

	var sources ShaderSources
	for _, stage := range []struct {
		path string
		dst  *string
	}{
		{desc.Vertex, &sources.Vertex},
		{desc.Fragment, &sources.Fragment},
		{desc.Compute, &sources.Compute},
	} {
		if stage.path == "" {
			continue
		}
		src, err := Preprocess(d.resolver, stage.path, desc.Macros)
		if err != nil {
			return nil, fmt.Errorf("shader %q: %w", desc.Label, err)
		}
		*stage.dst = src
	}

	native, err := d.backend.CompileShader(desc, sources)
	if err != nil {
		if errors.Is(err, core.ErrShaderCompileFailure) {
			return nil, fmt.Errorf("shader %q: %w", desc.Label, err)
		}
		return nil, creationError("shader", desc.Label, err)
	}
	layout.Native = native
	return resource.New(d.tracker, resource.KindShader, desc.Label, desc, layout, destroyNative[*Shader]), nil
}

// CreatePipeline pairs a graphics shader with fixed function state. The
// pipeline keeps a reference to the shader.
func (d *Device) CreatePipeline(desc PipelineDescription) (*resource.Handle[*Pipeline], error) {
	shader, err := desc.Shader.Get()
	if err != nil {
		return nil, fmt.Errorf("pipeline %q: %w", desc.Label, err)
	}
	if shader.Description.IsCompute() {
		return nil, fmt.Errorf("pipeline %q: %q is a compute shader: %w", desc.Label, shader.Description.Label, core.ErrResourceCreationFailure)
	}
	if desc.Label == "" {
		desc.Label = shader.Description.Label
	}
	p := &Pipeline{Description: desc, Shader: desc.Shader.Retain()}
	return resource.New(d.tracker, resource.KindPipeline, desc.Label, desc, p, func(p *Pipeline) {
		p.Shader.Release()
	}), nil
}

// CreateBindingSet creates a native binding set for desc. It is normally only
// called by the binding cache on a miss.
func (d *Device) CreateBindingSet(shader *Shader, desc BindingSetDescription, bindings []ResolvedBinding) (*resource.Handle[*BindingSet], error) {
	native, err := d.backend.CreateBindingSet(shader.Native, bindings)
	if err != nil {
		return nil, creationError("binding set", shader.Description.Label, err)
	}
	set := &BindingSet{Description: desc, Native: native}
	return resource.New(d.tracker, resource.KindBindingSet, shader.Description.Label, desc, set, destroyNative[*BindingSet]), nil
}

// WriteBuffer copies data into a buffer from the CPU.
func (d *Device) WriteBuffer(buffer *resource.Handle[*Buffer], offset uint64, data []byte) error {
	buf, err := buffer.Get()
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > buf.Description.Size {
		return fmt.Errorf("write of %d bytes at %d overflows buffer %q (%d bytes): %w", len(data), offset, buf.Description.Label, buf.Description.Size, core.ErrCapacityExceeded)
	}
	return deviceError(d.backend.WriteBuffer(buf.Native, offset, data))
}

// WriteTexture uploads RGBA float texels into one subresource.
func (d *Device) WriteTexture(texture *resource.Handle[*Texture], sub Subresource, texels []float32) error {
	tex, err := texture.Get()
	if err != nil {
		return err
	}
	if !tex.Description.Contains(sub) {
		return fmt.Errorf("texture %q has no subresource %+v: %w", tex.Description.Label, sub, core.ErrCapacityExceeded)
	}
	w, h := tex.Description.MipExtent(sub.MipLevel)
	if len(texels) != int(w*h*4) {
		return fmt.Errorf("texture %q mip %d expects %d texels, got %d", tex.Description.Label, sub.MipLevel, w*h*4, len(texels))
	}
	return deviceError(d.backend.WriteTexture(tex.Native, sub, texels))
}

// ReadTexture reads back one subresource as RGBA floats. The caller must
// have waited for the submissions writing it.
func (d *Device) ReadTexture(texture *resource.Handle[*Texture], sub Subresource) ([]float32, error) {
	tex, err := texture.Get()
	if err != nil {
		return nil, err
	}
	if !tex.Description.Contains(sub) {
		return nil, fmt.Errorf("texture %q has no subresource %+v: %w", tex.Description.Label, sub, core.ErrCapacityExceeded)
	}
	texels, err := d.backend.ReadTexture(tex.Native, sub)
	return texels, deviceError(err)
}

// ReadPixel reads back a single texel.
func (d *Device) ReadPixel(texture *resource.Handle[*Texture], sub Subresource, x, y uint32) ([4]float32, error) {
	texels, err := d.ReadTexture(texture, sub)
	if err != nil {
		return [4]float32{}, err
	}
	tex := texture.MustGet()
	w, h := tex.Description.MipExtent(sub.MipLevel)
	if x >= w || y >= h {
		return [4]float32{}, fmt.Errorf("pixel (%d,%d) outside %dx%d", x, y, w, h)
	}
	i := (y*w + x) * 4
	return [4]float32{texels[i], texels[i+1], texels[i+2], texels[i+3]}, nil
}

// CompletedValue returns the last timeline value retired by the GPU.
func (d *Device) CompletedValue() uint64 {
	return d.backend.CompletedValue()
}

// LastSubmitted returns the timeline value of the most recent submission.
func (d *Device) LastSubmitted() uint64 {
	return d.submitted
}

// Wait blocks until the submission value retired. A timeout is returned as
// core.ErrFenceTimeout and is never retried here.
func (d *Device) Wait(value uint64, timeout time.Duration) error {
	if value == 0 || value <= d.backend.CompletedValue() {
		return nil
	}
	return deviceError(d.backend.Wait(value, timeout))
}

func (d *Device) WaitIdle() error {
	return deviceError(d.backend.WaitIdle())
}

// Destroy tears the backend down. Every handle must be released before.
func (d *Device) Destroy() {
	if d.cl != nil {
		d.state.reset()
		d.cl = nil
	}
	d.backend.Destroy()
}

func deviceError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrDeviceFailure) || errors.Is(err, core.ErrFenceTimeout) ||
		errors.Is(err, core.ErrInvalidHandleUse) || errors.Is(err, core.ErrCapacityExceeded) {
		return err
	}
	return fmt.Errorf("%v: %w", err, core.ErrDeviceFailure)
}
