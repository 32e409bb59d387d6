// Package software is a CPU implementation of the device backend. It keeps
// texel data in host memory, executes clears, copies and uploads exactly and
// validates draws and dispatches without rasterizing them. It backs the
// headless tests and the default configuration.
package software

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
)

type Options struct {
	// Latency is how many submissions the simulated GPU trails behind the CPU.
	// Zero retires every submission immediately.
	Latency uint64
	// MaxMemory bounds the bytes of textures and buffers. Zero is unlimited.
	MaxMemory uint64
	// MaxBindingSets bounds live binding sets, like a descriptor pool. Zero is unlimited.
	MaxBindingSets int
}

type Backend struct {
	mutex sync.Mutex
	opts  Options

	memory      uint64
	bindingSets int
	live        int

	submitted uint64
	completed uint64
	stalled   bool

	draws      uint64
	dispatches uint64
}

var _ device.Backend = (*Backend)(nil)

func New(opts Options) *Backend {
	return &Backend{opts: opts}
}

func (b *Backend) Name() string {
	return "software"
}

type texture struct {
	backend   *Backend
	desc      device.TextureDescription
	levels    [][]float32
	size      uint64
	destroyed bool
}

func (t *texture) index(sub device.Subresource) int {
	return int(sub.ArrayLayer*t.desc.MipLevels + sub.MipLevel)
}

func (t *texture) Destroy() {
	t.backend.release(&t.destroyed, t.size)
}

type buffer struct {
	backend   *Backend
	desc      device.BufferDescription
	data      []byte
	destroyed bool
}

func (buf *buffer) Destroy() {
	buf.backend.release(&buf.destroyed, buf.desc.Size)
}

type renderTarget struct {
	backend   *Backend
	desc      device.RenderTargetDescription
	colors    []*texture
	depth     *texture
	destroyed bool
}

func (rt *renderTarget) Destroy() {
	rt.backend.release(&rt.destroyed, 0)
}

type shader struct {
	backend   *Backend
	desc      device.ShaderDescription
	sources   device.ShaderSources
	destroyed bool
}

func (s *shader) Destroy() {
	s.backend.release(&s.destroyed, 0)
}

type bindingSet struct {
	backend   *Backend
	shader    *shader
	bindings  []device.ResolvedBinding
	destroyed bool
}

func (bs *bindingSet) Destroy() {
	bs.backend.mutex.Lock()
	if !bs.destroyed {
		bs.backend.bindingSets--
	}
	bs.backend.mutex.Unlock()
	bs.backend.release(&bs.destroyed, 0)
}

func (b *Backend) release(destroyed *bool, size uint64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if *destroyed {
		core.LogWarn("software backend: native object destroyed twice")
		return
	}
	*destroyed = true
	b.memory -= size
	b.live--
}

func (b *Backend) reserve(label string, size uint64) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.opts.MaxMemory > 0 && b.memory+size > b.opts.MaxMemory {
		return fmt.Errorf("%q needs %d bytes, %d of %d in use: %w", label, size, b.memory, b.opts.MaxMemory, core.ErrResourceCreationFailure)
	}
	b.memory += size
	b.live++
	return nil
}

func (b *Backend) CreateTexture(desc device.TextureDescription) (device.Native, error) {
	t := &texture{backend: b, desc: desc, levels: make([][]float32, desc.MipLevels*desc.ArrayLayers)}
	for layer := uint32(0); layer < desc.ArrayLayers; layer++ {
		for mip := uint32(0); mip < desc.MipLevels; mip++ {
			w, h := desc.MipExtent(mip)
			texels := make([]float32, w*h*4)
			zero := quantize(desc.Format, [4]float32{})
			for i := 0; i < len(texels); i += 4 {
				copy(texels[i:i+4], zero[:])
			}
			t.levels[t.index(device.Subresource{MipLevel: mip, ArrayLayer: layer})] = texels
			t.size += uint64(w*h) * bytesPerTexel(desc.Format)
		}
	}
	if err := b.reserve(desc.Label, t.size); err != nil {
		return nil, err
	}
	return t, nil
}

func (b *Backend) CreateBuffer(desc device.BufferDescription) (device.Native, error) {
	if err := b.reserve(desc.Label, desc.Size); err != nil {
		return nil, err
	}
	return &buffer{backend: b, desc: desc, data: make([]byte, desc.Size)}, nil
}

func (b *Backend) CreateRenderTarget(desc device.RenderTargetDescription, colors []device.Native, depth device.Native) (device.Native, error) {
	rt := &renderTarget{backend: b, desc: desc}
	for _, c := range colors {
		t, ok := c.(*texture)
		if !ok {
			return nil, fmt.Errorf("foreign texture native %T", c)
		}
		rt.colors = append(rt.colors, t)
	}
	if depth != nil {
		t, ok := depth.(*texture)
		if !ok {
			return nil, fmt.Errorf("foreign texture native %T", depth)
		}
		rt.depth = t
	}
	if err := b.reserve(desc.Label, 0); err != nil {
		return nil, err
	}
	return rt, nil
}

// CompileShader checks every stage has an entry point.
func (b *Backend) CompileShader(desc device.ShaderDescription, sources device.ShaderSources) (device.Native, error) {
	for stage, src := range map[string]string{"vertex": sources.Vertex, "fragment": sources.Fragment, "compute": sources.Compute} {
		if src == "" {
			continue
		}
		if !strings.Contains(src, "void main") {
			return nil, fmt.Errorf("%s stage of %q has no main: %w", stage, desc.Label, core.ErrShaderCompileFailure)
		}
	}
	if err := b.reserve(desc.Label, 0); err != nil {
		return nil, err
	}
	return &shader{backend: b, desc: desc, sources: sources}, nil
}

func (b *Backend) CreateBindingSet(native device.Native, bindings []device.ResolvedBinding) (device.Native, error) {
	s, ok := native.(*shader)
	if !ok || s.destroyed {
		return nil, fmt.Errorf("binding set for a destroyed shader: %w", core.ErrInvalidHandleUse)
	}
	b.mutex.Lock()
	if b.opts.MaxBindingSets > 0 && b.bindingSets >= b.opts.MaxBindingSets {
		b.mutex.Unlock()
		return nil, fmt.Errorf("binding set pool exhausted (%d): %w", b.opts.MaxBindingSets, core.ErrResourceCreationFailure)
	}
	b.bindingSets++
	b.mutex.Unlock()

	if err := b.reserve(s.desc.Label, 0); err != nil {
		return nil, err
	}
	return &bindingSet{backend: b, shader: s, bindings: append([]device.ResolvedBinding(nil), bindings...)}, nil
}

func (b *Backend) WriteBuffer(native device.Native, offset uint64, data []byte) error {
	buf, ok := native.(*buffer)
	if !ok || buf.destroyed {
		return fmt.Errorf("write to a destroyed buffer: %w", core.ErrInvalidHandleUse)
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	copy(buf.data[offset:], data)
	return nil
}

func (b *Backend) WriteTexture(native device.Native, sub device.Subresource, texels []float32) error {
	t, ok := native.(*texture)
	if !ok || t.destroyed {
		return fmt.Errorf("write to a destroyed texture: %w", core.ErrInvalidHandleUse)
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	dst := t.levels[t.index(sub)]
	for i := 0; i+3 < len(texels) && i+3 < len(dst); i += 4 {
		q := quantize(t.desc.Format, [4]float32{texels[i], texels[i+1], texels[i+2], texels[i+3]})
		copy(dst[i:i+4], q[:])
	}
	return nil
}

func (b *Backend) ReadTexture(native device.Native, sub device.Subresource) ([]float32, error) {
	t, ok := native.(*texture)
	if !ok || t.destroyed {
		return nil, fmt.Errorf("read from a destroyed texture: %w", core.ErrInvalidHandleUse)
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]float32(nil), t.levels[t.index(sub)]...), nil
}

// ReadBuffer returns a copy of a buffer's bytes.
func (b *Backend) ReadBuffer(native device.Native) ([]byte, error) {
	buf, ok := native.(*buffer)
	if !ok || buf.destroyed {
		return nil, fmt.Errorf("read from a destroyed buffer: %w", core.ErrInvalidHandleUse)
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return append([]byte(nil), buf.data...), nil
}

func (b *Backend) Begin() (device.CommandList, error) {
	return &commandList{backend: b}, nil
}

// Submit executes the recorded commands and queues the submission on the
// simulated timeline.
func (b *Backend) Submit(cl device.CommandList) (uint64, error) {
	list, ok := cl.(*commandList)
	if !ok {
		return 0, fmt.Errorf("foreign command list %T", cl)
	}
	b.mutex.Lock()
	defer b.mutex.Unlock()
	for _, op := range list.ops {
		if err := op(); err != nil {
			return 0, fmt.Errorf("submission %d: %v: %w", b.submitted+1, err, core.ErrDeviceFailure)
		}
	}
	b.submitted++
	if !b.stalled && b.submitted > b.opts.Latency {
		b.completed = max(b.completed, b.submitted-b.opts.Latency)
	}
	return b.submitted, nil
}

func (b *Backend) CompletedValue() uint64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.completed
}

// Wait retires submissions up to value unless the GPU is stalled, in which
// case it gives up after timeout.
func (b *Backend) Wait(value uint64, timeout time.Duration) error {
	b.mutex.Lock()
	if value <= b.completed {
		b.mutex.Unlock()
		return nil
	}
	if b.stalled {
		b.mutex.Unlock()
		time.Sleep(timeout)
		return fmt.Errorf("submission %d not retired after %s: %w", value, timeout, core.ErrFenceTimeout)
	}
	defer b.mutex.Unlock()
	b.completed = min(value, b.submitted)
	return nil
}

func (b *Backend) WaitIdle() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.stalled && b.completed < b.submitted {
		return fmt.Errorf("gpu stalled at submission %d of %d: %w", b.completed, b.submitted, core.ErrDeviceFailure)
	}
	b.completed = b.submitted
	return nil
}

func (b *Backend) Destroy() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.live > 0 {
		core.LogWarn("software backend destroyed with %d live objects", b.live)
	}
}

// Stall stops the simulated GPU from retiring submissions.
func (b *Backend) Stall() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.stalled = true
}

// Resume undoes Stall. Submissions are retired again on the next Wait.
func (b *Backend) Resume() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.stalled = false
}

// Advance retires the next pending submission.
func (b *Backend) Advance() {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.completed < b.submitted {
		b.completed++
	}
}

// LiveObjects returns how many native objects exist.
func (b *Backend) LiveObjects() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.live
}

// MemoryInUse returns the bytes held by textures and buffers.
func (b *Backend) MemoryInUse() uint64 {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.memory
}

// Counters returns the draws and dispatches executed so far.
func (b *Backend) Counters() (draws, dispatches uint64) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.draws, b.dispatches
}
