package processes

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/google/uuid"

	"github.com/spaghettifunk/anima-deferred/engine/containers"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/math"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
)

// PreprocessQueueCapacity bounds the irradiance requests waiting for a frame.
const PreprocessQueueCapacity = 8

const (
	equirectShader   = "preprocess.equirect"
	irradianceShader = "preprocess.irradiance"
	specularShader   = "preprocess.specular"
	brdfShader       = "preprocess.brdf"
)

var ErrPreprocessCancelled = errors.New("preprocess request cancelled")

// PreprocessIrradianceInfo describes an environment to bake. Sizes are the
// edge in texels of each cubemap face and must be powers of two.
type PreprocessIrradianceInfo struct {
	// Path of the equirectangular source image.
	Path           string
	CubemapSize    uint32
	IrradianceSize uint32
	SpecularSize   uint32
	// UserData is handed back untouched in the result.
	UserData any
}

func (info PreprocessIrradianceInfo) validate() error {
	if info.Path == "" {
		return errors.New("irradiance request without a source path")
	}
	for _, s := range []struct {
		name string
		size uint32
	}{
		{"cubemap", info.CubemapSize},
		{"irradiance", info.IrradianceSize},
		{"specular", info.SpecularSize},
	} {
		if s.size == 0 || !math.IsPowerOfTwo(s.size) {
			return fmt.Errorf("%s size %d is not a power of two", s.name, s.size)
		}
	}
	return nil
}

/**
 * @brief The maps baked from one environment. The receiver owns every handle
 * and must call Release once it no longer lights anything with them.
 */
type IrradianceResult struct {
	Cubemap           *resource.Handle[*device.Texture]
	IrradianceCubemap *resource.Handle[*device.Texture]
	SpecularCubemap   *resource.Handle[*device.Texture]
	BRDF              *resource.Handle[*device.Texture]
	UserData          any
}

// Valid reports whether every map is alive.
func (r *IrradianceResult) Valid() bool {
	return r.Cubemap.Valid() && r.IrradianceCubemap.Valid() && r.SpecularCubemap.Valid() && r.BRDF.Valid()
}

func (r *IrradianceResult) Release() {
	resource.ReleaseAll(r.Cubemap, r.IrradianceCubemap, r.SpecularCubemap, r.BRDF)
	r.Cubemap, r.IrradianceCubemap, r.SpecularCubemap, r.BRDF = nil, nil, nil, nil
}

// Future is the pending result of a preprocess request. It resolves exactly
// once, during the frame that processed the request.
type Future struct {
	id     uuid.UUID
	done   chan struct{}
	once   sync.Once
	result IrradianceResult
	err    error
}

func newFuture() *Future {
	return &Future{id: uuid.New(), done: make(chan struct{})}
}

func (f *Future) resolve(result IrradianceResult, err error) {
	f.once.Do(func() {
		f.result, f.err = result, err
		close(f.done)
	})
}

func (f *Future) ID() uuid.UUID {
	return f.id
}

// Done is closed once the request resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Poll returns the result without blocking. ok is false while the request is pending.
func (f *Future) Poll() (result IrradianceResult, ok bool, err error) {
	select {
	case <-f.done:
		return f.result, true, f.err
	default:
		return IrradianceResult{}, false, nil
	}
}

// Wait blocks until the request resolved or ctx is done.
func (f *Future) Wait(ctx context.Context) (IrradianceResult, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return IrradianceResult{}, ctx.Err()
	}
}

type preprocessRequest struct {
	info   PreprocessIrradianceInfo
	future *Future
}

/**
 * @brief Bakes image based lighting maps. Requests are queued from any
 * goroutine and drained by Draw: every request queued when the frame started
 * is processed in that frame.
 */
type Preprocess struct {
	base
	mutex        sync.Mutex
	queue        *containers.RingQueue[preprocessRequest]
	brdf         target
	brdfSize     uint32
	specularMips int
	baked        bool
	processed    uint64
}

func NewPreprocess() *Preprocess {
	return &Preprocess{queue: containers.NewRingQueue[preprocessRequest](PreprocessQueueCapacity)}
}

func (p *Preprocess) Type() Type { return TypePreprocess }

/**
 * @brief Queues an irradiance request.
 * @returns A future resolved by the next Draw, or ErrCapacityExceeded when
 * PreprocessQueueCapacity requests are already waiting.
 */
func (p *Preprocess) Push(info PreprocessIrradianceInfo) (*Future, error) {
	if err := info.validate(); err != nil {
		return nil, err
	}
	p.mutex.Lock()
	defer p.mutex.Unlock()
	f := newFuture()
	if err := p.queue.Enqueue(preprocessRequest{info: info, future: f}); err != nil {
		return nil, fmt.Errorf("irradiance request %q: %w", info.Path, err)
	}
	return f, nil
}

func (p *Preprocess) QueueLen() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.queue.Len()
}

// Processed counts the requests resolved so far, failed ones included.
func (p *Preprocess) Processed() uint64 {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.processed
}

// BRDF returns the shared split sum lookup table. The handle is owned by the pass.
func (p *Preprocess) BRDF() *resource.Handle[*device.Texture] {
	return p.brdf.texture
}

func (p *Preprocess) init(ctx *Context) error {
	p.brdfSize = ctx.Config.IBL.BRDFSize
	p.specularMips = ctx.Config.IBL.SpecularMips

	cube := device.ShaderDescription{
		Vertex:     "shaders/cube.vert",
		Bindings:   []device.BindingSlot{{Name: "environment", Kind: device.SlotTexture}},
		Properties: []device.Property{{Name: "view_projection", Size: 64}},
	}
	equirect := cube
	equirect.Fragment = "shaders/equirect_to_cube.frag"
	irradiance := cube
	irradiance.Fragment = "shaders/irradiance.frag"
	specular := cube
	specular.Fragment = "shaders/prefilter.frag"
	specular.Properties = []device.Property{{Name: "view_projection", Size: 64}, {Name: "params", Size: 16}}

	for _, s := range []struct {
		name string
		desc device.ShaderDescription
	}{
		{equirectShader, equirect},
		{irradianceShader, irradiance},
		{specularShader, specular},
		{brdfShader, fullscreenShader("", "shaders/brdf.frag")},
	} {
		if err := p.register(ctx, s.name, s.desc, device.DefaultPipelineState()); err != nil {
			return err
		}
	}

	var err error
	p.brdf, err = newColorTarget(ctx, "brdf_lut", p.brdfSize, p.brdfSize, gputypes.TextureFormatRGBA16Float, gputypes.LoadOpClear, [4]float32{})
	if err != nil {
		return err
	}
	if ctx.Device.Recording() {
		return p.bakeBRDF(ctx)
	}
	return nil
}

func (p *Preprocess) bakeBRDF(ctx *Context) error {
	if err := ctx.Device.SetRenderTarget(p.brdf.rt); err != nil {
		return err
	}
	if err := p.bind(ctx, brdfShader); err != nil {
		return err
	}
	if err := ctx.Device.Draw(fullscreenVertices, 1); err != nil {
		return err
	}
	p.baked = true
	return nil
}

// reload schedules a new bake of the lookup table with the reloaded shader.
func (p *Preprocess) reload() {
	p.baked = false
}

func (p *Preprocess) draw(ctx *Context) error {
	if !p.baked {
		if err := p.bakeBRDF(ctx); err != nil {
			return err
		}
	}

	// Requests queued while draining wait for the next frame.
	p.mutex.Lock()
	pending := p.queue.Len()
	p.mutex.Unlock()

	for i := 0; i < pending; i++ {
		p.mutex.Lock()
		req, err := p.queue.Dequeue()
		p.mutex.Unlock()
		if err != nil {
			return err
		}

		result, err := p.process(ctx, req.info)
		if errors.Is(err, core.ErrDeviceFailure) {
			req.future.resolve(IrradianceResult{}, err)
			return err
		}
		if err != nil {
			p.log.Error("irradiance request failed", "path", req.info.Path, "err", err)
		}
		req.future.resolve(result, err)

		p.mutex.Lock()
		p.processed++
		p.mutex.Unlock()
		if ctx.Events != nil {
			var ec core.EventContext
			ec.Data.C[0] = req.future.ID().String()
			ctx.Events.Fire(core.EVENT_CODE_PREPROCESS_COMPLETED, p, ec)
		}
	}
	return nil
}

func newCubemap(ctx *Context, label string, size, mips uint32) (*resource.Handle[*device.Texture], error) {
	return ctx.Device.CreateTexture(device.TextureDescription{
		Label:     label,
		Width:     size,
		Height:    size,
		MipLevels: mips,
		Cube:      true,
		Format:    gputypes.TextureFormatRGBA16Float,
		Usage:     targetUsage,
	})
}

/**
 * @brief Bakes one request: the source is projected onto a cubemap, which
 * is then convolved into the diffuse irradiance map and prefiltered into the
 * specular map, one roughness per mip.
 */
func (p *Preprocess) process(ctx *Context, info PreprocessIrradianceInfo) (IrradianceResult, error) {
	source, err := ctx.Textures.Acquire(info.Path)
	if err != nil {
		return IrradianceResult{}, err
	}
	// The cache entry is dropped now; the source lives on until the frame retired.
	ctx.Textures.Release(info.Path)
	if ctx.Frame != nil {
		ctx.Frame.Defer(source)
	} else {
		defer source.Release()
	}

	var result IrradianceResult
	fail := func(err error) (IrradianceResult, error) {
		// Work recorded so far may still reference the maps.
		if ctx.Frame != nil {
			ctx.Frame.Defer(result.Cubemap, result.IrradianceCubemap, result.SpecularCubemap, result.BRDF)
		} else {
			result.Release()
		}
		return IrradianceResult{}, err
	}

	result.Cubemap, err = newCubemap(ctx, "environment_cubemap", info.CubemapSize, 1)
	if err != nil {
		return fail(err)
	}
	result.IrradianceCubemap, err = newCubemap(ctx, "irradiance_cubemap", info.IrradianceSize, 1)
	if err != nil {
		return fail(err)
	}
	mips := uint32(max(p.specularMips, 1))
	mips = min(mips, math.MipCount(info.SpecularSize))
	result.SpecularCubemap, err = newCubemap(ctx, "specular_cubemap", info.SpecularSize, mips)
	if err != nil {
		return fail(err)
	}

	if err := p.renderFaces(ctx, equirectShader, source, result.Cubemap, 0, nil); err != nil {
		return fail(err)
	}
	if err := p.renderFaces(ctx, irradianceShader, result.Cubemap, result.IrradianceCubemap, 0, nil); err != nil {
		return fail(err)
	}
	for mip := uint32(0); mip < mips; mip++ {
		roughness := float32(0)
		if mips > 1 {
			roughness = float32(mip) / float32(mips-1)
		}
		params := math.PackFloats(roughness, float32(info.CubemapSize), 0, 0)
		if err := p.renderFaces(ctx, specularShader, result.Cubemap, result.SpecularCubemap, mip, params); err != nil {
			return fail(err)
		}
	}

	result.BRDF = p.brdf.texture.Retain()
	if result.BRDF == nil {
		return fail(fmt.Errorf("brdf lookup table: %w", core.ErrInvalidHandleUse))
	}
	result.UserData = info.UserData
	return result, nil
}

// renderFaces draws shader into the six faces of mip of dst, sampling src.
func (p *Preprocess) renderFaces(ctx *Context, shader string, src, dst *resource.Handle[*device.Texture], mip uint32, params []byte) error {
	projection := math.CubeFaceProjection()
	for face, view := range math.CubeFaceViews() {
		rt, err := faceTarget(ctx, dst, uint32(face), mip)
		if err != nil {
			return err
		}
		if ctx.Frame == nil {
			defer rt.Release()
		}
		if err := ctx.Device.SetRenderTarget(rt); err != nil {
			return err
		}
		if err := p.bind(ctx, shader); err != nil {
			return err
		}
		b := newBinder(ctx)
		b.texture("environment", src)
		b.matrix("view_projection", view.Mul(projection))
		if params != nil {
			b.property("params", params)
		}
		if b.err != nil {
			return b.err
		}
		if err := ctx.Device.Draw(cubeVertices, 1); err != nil {
			return err
		}
	}
	return nil
}

func (p *Preprocess) renderTarget(index int) *resource.Handle[*device.RenderTarget] {
	if index != 0 {
		return nil
	}
	return p.brdf.rt
}

// destroy cancels every queued request.
func (p *Preprocess) destroy(ctx *Context) {
	p.mutex.Lock()
	for !p.queue.IsEmpty() {
		req, err := p.queue.Dequeue()
		if err != nil {
			break
		}
		req.future.resolve(IrradianceResult{}, ErrPreprocessCancelled)
	}
	p.mutex.Unlock()
	p.brdf.release()
}
