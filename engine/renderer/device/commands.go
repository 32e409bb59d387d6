package device

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
)

var (
	ErrNotRecording   = errors.New("no command list is being recorded")
	ErrNoRenderTarget = errors.New("no render target bound")
	ErrNoShader       = errors.New("no shader bound")
)

// Stats counts the work recorded since the last BeginCommands.
type Stats struct {
	RenderPasses uint32
	Draws        uint32
	Dispatches   uint32
	Copies       uint32
	// Targets counts how many times each render target label was bound.
	Targets map[string]int
}

type drawState struct {
	target   *resource.Handle[*RenderTarget]
	passOpen bool
	shader   *resource.Handle[*Shader]
	pipeline PipelineState
	textures map[int]*resource.Handle[*Texture]
	buffers  map[int]*resource.Handle[*Buffer]
	block    []byte
	vertex   *resource.Handle[*Buffer]
	index    *resource.Handle[*Buffer]
}

func (s *drawState) reset() {
	*s = drawState{}
	s.resetBindings()
}

func (s *drawState) resetBindings() {
	s.textures = make(map[int]*resource.Handle[*Texture])
	s.buffers = make(map[int]*resource.Handle[*Buffer])
	s.block = nil
}

// BeginCommands starts recording a new command list.
func (d *Device) BeginCommands() error {
	if d.cl != nil {
		return fmt.Errorf("command list already open")
	}
	cl, err := d.backend.Begin()
	if err != nil {
		return deviceError(err)
	}
	d.cl = cl
	d.state.reset()
	clear(d.counters)
	d.stats = Stats{Targets: make(map[string]int)}
	return nil
}

// EndCommands closes any open render pass. Recording can still be submitted.
func (d *Device) EndCommands() error {
	if d.cl == nil {
		return ErrNotRecording
	}
	d.endPass()
	return nil
}

// Submit sends the recorded command list to the GPU and returns its timeline value.
func (d *Device) Submit() (uint64, error) {
	if d.cl == nil {
		return 0, ErrNotRecording
	}
	d.endPass()
	cl := d.cl
	d.cl = nil
	d.state.reset()
	value, err := d.backend.Submit(cl)
	if err != nil {
		return 0, deviceError(err)
	}
	d.submitted = value
	return value, nil
}

// Recording reports whether a command list is open.
func (d *Device) Recording() bool {
	return d.cl != nil
}

// Stats returns the counters of the command list being recorded, or of the
// last one if none is open.
func (d *Device) Stats() Stats {
	return d.stats
}

func (d *Device) endPass() {
	if d.state.passOpen {
		d.cl.EndRenderPass()
		d.state.passOpen = false
	}
}

// SetRenderTarget ends the open render pass, if any, and begins one on rt.
// Attachments with a clear load op are cleared. A nil rt just ends the pass.
func (d *Device) SetRenderTarget(rt *resource.Handle[*RenderTarget]) error {
	if d.cl == nil {
		return ErrNotRecording
	}
	d.endPass()
	d.state.target = nil
	d.state.shader = nil
	d.state.resetBindings()
	if rt == nil {
		return nil
	}
	target, err := rt.Get()
	if err != nil {
		return err
	}
	for _, a := range target.Description.Colors {
		if !a.Texture.Valid() {
			return fmt.Errorf("render target %q attachment released: %w", target.Description.Label, core.ErrInvalidHandleUse)
		}
	}
	vp := Viewport{Width: float32(target.Width), Height: float32(target.Height)}
	if err := d.cl.BeginRenderPass(target.Native, vp); err != nil {
		return deviceError(err)
	}
	d.state.target = rt
	d.state.passOpen = true
	d.stats.RenderPasses++
	d.stats.Targets[target.Description.Label]++
	return nil
}

// SetViewport restricts rasterization of the open render pass.
func (d *Device) SetViewport(vp Viewport) error {
	if d.cl == nil {
		return ErrNotRecording
	}
	if !d.state.passOpen {
		return ErrNoRenderTarget
	}
	return deviceError(d.cl.SetViewport(vp))
}

// SetPipeline binds a pipeline inside the open render pass.
func (d *Device) SetPipeline(p *resource.Handle[*Pipeline]) error {
	pipeline, err := p.Get()
	if err != nil {
		return err
	}
	return d.bindShader(pipeline.Shader, pipeline.Description.State)
}

// SetShader binds a shader with DefaultPipelineState. Compute shaders are
// bound outside of render passes.
func (d *Device) SetShader(s *resource.Handle[*Shader]) error {
	return d.bindShader(s, DefaultPipelineState())
}

func (d *Device) bindShader(s *resource.Handle[*Shader], state PipelineState) error {
	if d.cl == nil {
		return ErrNotRecording
	}
	shader, err := s.Get()
	if err != nil {
		return err
	}
	if shader.Description.IsCompute() {
		d.endPass()
	} else if !d.state.passOpen {
		return fmt.Errorf("bind graphics shader %q: %w", shader.Description.Label, ErrNoRenderTarget)
	}
	if err := d.cl.BindShader(shader.Native, state); err != nil {
		return deviceError(err)
	}
	d.state.shader = s
	d.state.pipeline = state
	d.state.resetBindings()
	if size := shader.PropertyBlockSize(); size > 0 {
		d.state.block = make([]byte, size)
	}
	return nil
}

func (d *Device) boundShader() (*Shader, error) {
	if d.cl == nil {
		return nil, ErrNotRecording
	}
	if d.state.shader == nil {
		return nil, ErrNoShader
	}
	return d.state.shader.Get()
}

func (d *Device) slot(name string, kinds ...SlotKind) (*Shader, int, error) {
	shader, err := d.boundShader()
	if err != nil {
		return nil, 0, err
	}
	index, slot, ok := shader.Slot(name)
	if !ok {
		return nil, 0, fmt.Errorf("shader %q has no slot %q: %w", shader.Description.Label, name, core.ErrInvalidHandleUse)
	}
	for _, k := range kinds {
		if slot.Kind == k {
			return shader, index, nil
		}
	}
	return nil, 0, fmt.Errorf("shader %q slot %q has a different kind: %w", shader.Description.Label, name, core.ErrInvalidHandleUse)
}

// SetTextureSlot binds texture to the named slot of the bound shader.
func (d *Device) SetTextureSlot(name string, texture *resource.Handle[*Texture]) error {
	_, index, err := d.slot(name, SlotTexture)
	if err != nil {
		return err
	}
	if !texture.Valid() {
		return fmt.Errorf("texture for slot %q: %w", name, core.ErrInvalidHandleUse)
	}
	d.state.textures[index] = texture
	return nil
}

// SetBufferSlot binds buffer to the named storage or uniform slot.
func (d *Device) SetBufferSlot(name string, buffer *resource.Handle[*Buffer]) error {
	_, index, err := d.slot(name, SlotStorageBuffer, SlotUniformBuffer)
	if err != nil {
		return err
	}
	if !buffer.Valid() {
		return fmt.Errorf("buffer for slot %q: %w", name, core.ErrInvalidHandleUse)
	}
	d.state.buffers[index] = buffer
	return nil
}

// SetShaderProperty copies data into the named member of the properties block.
func (d *Device) SetShaderProperty(name string, data []byte) error {
	shader, err := d.boundShader()
	if err != nil {
		return err
	}
	r, ok := shader.properties[name]
	if !ok {
		return fmt.Errorf("shader %q has no property %q", shader.Description.Label, name)
	}
	if uint32(len(data)) > r.size {
		return fmt.Errorf("property %q holds %d bytes, got %d: %w", name, r.size, len(data), core.ErrCapacityExceeded)
	}
	copy(d.state.block[r.offset:r.offset+r.size], data)
	return nil
}

func (d *Device) SetVertexBuffer(buffer *resource.Handle[*Buffer]) error {
	if d.cl == nil {
		return ErrNotRecording
	}
	buf, err := buffer.Get()
	if err != nil {
		return err
	}
	if err := d.cl.BindVertexBuffer(buf.Native, 0); err != nil {
		return deviceError(err)
	}
	d.state.vertex = buffer
	return nil
}

func (d *Device) SetIndexBuffer(buffer *resource.Handle[*Buffer]) error {
	if d.cl == nil {
		return ErrNotRecording
	}
	buf, err := buffer.Get()
	if err != nil {
		return err
	}
	if err := d.cl.BindIndexBuffer(buf.Native, 0); err != nil {
		return deviceError(err)
	}
	d.state.index = buffer
	return nil
}

// flush resolves the binding set of the bound shader and binds it.
func (d *Device) flush() error {
	shader, err := d.boundShader()
	if err != nil {
		return err
	}
	if len(shader.Description.Bindings) == 0 && shader.PropertyBlockSize() == 0 {
		return nil
	}
	if d.bindings == nil || (shader.PropertyBlockSize() > 0 && d.uniforms == nil) {
		return fmt.Errorf("device has no shader memory or binding cache attached")
	}

	desc := BindingSetDescription{Shader: d.state.shader.ID()}
	resolved := make([]ResolvedBinding, 0, len(shader.Description.Bindings)+1)

	var dynamicOffset uint32
	if size := shader.PropertyBlockSize(); size > 0 {
		label := shader.Description.Label
		id := RegionID{Name: label, Index: d.counters[label]}
		d.counters[label]++
		r, err := d.uniforms.AllocateUniform(id, d.state.block)
		if err != nil {
			return err
		}
		buf, err := r.Buffer.Get()
		if err != nil {
			return err
		}
		desc.Properties = r.Buffer.ID()
		dynamicOffset = uint32(r.Offset)
		resolved = append(resolved, ResolvedBinding{Binding: 0, Kind: SlotUniformBuffer, Buffer: buf.Native, Range: uint64(size)})
	}

	for i, slot := range shader.Description.Bindings {
		binding := i + 1
		entry := BindingEntry{Binding: binding, Kind: slot.Kind}
		rb := ResolvedBinding{Binding: binding, Kind: slot.Kind}
		var id uuid.UUID
		switch slot.Kind {
		case SlotTexture:
			h := d.state.textures[binding]
			tex, err := h.Get()
			if err != nil {
				return fmt.Errorf("shader %q slot %q: %w", shader.Description.Label, slot.Name, err)
			}
			id, rb.Texture = h.ID(), tex.Native
		default:
			h := d.state.buffers[binding]
			buf, err := h.Get()
			if err != nil {
				return fmt.Errorf("shader %q slot %q: %w", shader.Description.Label, slot.Name, err)
			}
			id, rb.Buffer = h.ID(), buf.Native
		}
		entry.Resource = id
		desc.Entries = append(desc.Entries, entry)
		resolved = append(resolved, rb)
	}

	set, err := d.bindings.Resolve(desc, func() (*resource.Handle[*BindingSet], error) {
		return d.CreateBindingSet(shader, desc, resolved)
	})
	if err != nil {
		return err
	}
	bs, err := set.Get()
	if err != nil {
		return err
	}
	return deviceError(d.cl.BindSet(bs.Native, dynamicOffset))
}

func (d *Device) requirePass() error {
	if !d.state.passOpen {
		return ErrNoRenderTarget
	}
	shader, err := d.boundShader()
	if err != nil {
		return err
	}
	if shader.Description.IsCompute() {
		return fmt.Errorf("draw with compute shader %q", shader.Description.Label)
	}
	if d.state.pipeline.Vertex == VertexLayoutMesh && !d.state.vertex.Valid() {
		return fmt.Errorf("pipeline reads vertices but no vertex buffer is bound: %w", core.ErrInvalidHandleUse)
	}
	return nil
}

// Draw issues a non indexed draw with the bound state.
func (d *Device) Draw(vertexCount, instanceCount uint32) error {
	if d.cl == nil {
		return ErrNotRecording
	}
	if err := d.requirePass(); err != nil {
		return err
	}
	if err := d.flush(); err != nil {
		return err
	}
	d.stats.Draws++
	return deviceError(d.cl.Draw(vertexCount, max(instanceCount, 1)))
}

// DrawIndexed issues an indexed draw using the bound index buffer.
func (d *Device) DrawIndexed(indexCount, instanceCount, firstIndex uint32) error {
	if d.cl == nil {
		return ErrNotRecording
	}
	if err := d.requirePass(); err != nil {
		return err
	}
	if !d.state.index.Valid() {
		return fmt.Errorf("no index buffer bound: %w", core.ErrInvalidHandleUse)
	}
	if err := d.flush(); err != nil {
		return err
	}
	d.stats.Draws++
	return deviceError(d.cl.DrawIndexed(indexCount, max(instanceCount, 1), firstIndex))
}

// Dispatch runs the bound compute shader.
func (d *Device) Dispatch(x, y, z uint32) error {
	shader, err := d.boundShader()
	if err != nil {
		return err
	}
	if !shader.Description.IsCompute() {
		return fmt.Errorf("dispatch with graphics shader %q", shader.Description.Label)
	}
	if err := d.flush(); err != nil {
		return err
	}
	d.stats.Dispatches++
	return deviceError(d.cl.Dispatch(max(x, 1), max(y, 1), max(z, 1)))
}

// CopyTextureToTexture copies one subresource into another of the same
// extent and format. It ends the open render pass.
func (d *Device) CopyTextureToTexture(src *resource.Handle[*Texture], srcSub Subresource, dst *resource.Handle[*Texture], dstSub Subresource) error {
	if d.cl == nil {
		return ErrNotRecording
	}
	s, err := src.Get()
	if err != nil {
		return err
	}
	t, err := dst.Get()
	if err != nil {
		return err
	}
	if !s.Description.Contains(srcSub) || !t.Description.Contains(dstSub) {
		return fmt.Errorf("copy %q -> %q: subresource out of range: %w", s.Description.Label, t.Description.Label, core.ErrCapacityExceeded)
	}
	sw, sh := s.Description.MipExtent(srcSub.MipLevel)
	dw, dh := t.Description.MipExtent(dstSub.MipLevel)
	if sw != dw || sh != dh || s.Description.Format != t.Description.Format {
		return fmt.Errorf("copy %q (%dx%d %s) -> %q (%dx%d %s): mismatched subresources",
			s.Description.Label, sw, sh, s.Description.Format, t.Description.Label, dw, dh, t.Description.Format)
	}
	d.endTransfer()
	return deviceError(d.cl.CopyTexture(s.Native, srcSub, t.Native, dstSub))
}

// BlitTexture copies one subresource into another, resampling to the
// destination extent. Formats may differ. It ends the open render pass.
func (d *Device) BlitTexture(src *resource.Handle[*Texture], srcSub Subresource, dst *resource.Handle[*Texture], dstSub Subresource) error {
	if d.cl == nil {
		return ErrNotRecording
	}
	s, err := src.Get()
	if err != nil {
		return err
	}
	t, err := dst.Get()
	if err != nil {
		return err
	}
	if !s.Description.Contains(srcSub) || !t.Description.Contains(dstSub) {
		return fmt.Errorf("blit %q -> %q: subresource out of range: %w", s.Description.Label, t.Description.Label, core.ErrCapacityExceeded)
	}
	if s.Description.Format.HasDepth() || t.Description.Format.HasDepth() {
		return fmt.Errorf("blit %q -> %q: depth formats cannot be blitted", s.Description.Label, t.Description.Label)
	}
	d.endTransfer()
	return deviceError(d.cl.BlitTexture(s.Native, srcSub, t.Native, dstSub))
}

func (d *Device) endTransfer() {
	d.endPass()
	d.state.target = nil
	d.state.shader = nil
	d.stats.Copies++
}
