package processes

import (
	"bytes"
	"context"
	"encoding/binary"
	"io/fs"
	stdmath "math"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-deferred/engine/assets"
	"github.com/spaghettifunk/anima-deferred/engine/config"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/math"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/memory"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/software"
	"github.com/spaghettifunk/anima-deferred/engine/systems"
)

// pipeline is a Lookup over the processes added to a fixture.
type pipeline map[Type]Process

func (p pipeline) RenderTarget(t Type, index int) (*resource.Handle[*device.RenderTarget], error) {
	proc, ok := p[t]
	if !ok {
		return nil, core.ErrUnknownProcess
	}
	return GetRenderTarget(proc, index)
}

type fixture struct {
	backend *software.Backend
	tracker *resource.Tracker
	dev     *device.Device
	pool    *memory.ShaderMemoryPool
	cache   *memory.BindingCache
	systems *systems.SystemManager
	events  *core.EventSystem
	procs   pipeline
	order   []Process
	owned   []resource.Releaser
	ctx     *Context
}

// skyPFM is a 4x2 equirectangular environment: a bright top row over a dim one.
func skyPFM() []byte {
	var buf bytes.Buffer
	buf.WriteString("PF\n4 2\n-1.0\n")
	// Bottom row first.
	for _, v := range []float32{0.1, 2} {
		for i := 0; i < 4; i++ {
			binary.Write(&buf, binary.LittleEndian, []float32{v, v, v})
		}
	}
	return buf.Bytes()
}

func assetFS(t *testing.T) fstest.MapFS {
	t.Helper()
	fsys := fstest.MapFS{"textures/sky.pfm": {Data: skyPFM()}}
	root := os.DirFS("../../../assets")
	err := fs.WalkDir(root, "shaders", func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := fs.ReadFile(root, p)
		if err != nil {
			return err
		}
		fsys[p] = &fstest.MapFile{Data: data}
		return nil
	})
	require.NoError(t, err)
	return fsys
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Width, cfg.Height = 8, 8
	cfg.SSAO.KernelSize = 4
	cfg.Shadows.MaxAttachments = 2
	cfg.Shadows.Resolution = 16
	cfg.Bloom.MipCount = 2
	cfg.IBL.BRDFSize = 8
	cfg.IBL.SpecularMips = 3
	cfg.Memory.ChunkSize = 16 * 1024
	return cfg
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	am, err := assets.NewAssetManager(assetFS(t))
	require.NoError(t, err)

	f := &fixture{
		backend: software.New(software.Options{}),
		tracker: resource.NewTracker(),
		events:  core.NewEventSystem(),
		procs:   pipeline{},
	}
	f.dev = device.New(f.backend, f.tracker, am)
	f.pool, err = memory.NewShaderMemoryPool(f.dev, cfg.Memory, 1)
	require.NoError(t, err)
	f.cache = memory.NewBindingCache(f.tracker)
	f.dev.Attach(f.pool, f.cache)
	f.systems, err = systems.NewSystemManager(systems.DefaultSystemManagerConfig(), f.dev, am)
	require.NoError(t, err)

	f.ctx = &Context{
		Device:   f.dev,
		Memory:   f.pool,
		Bindings: f.cache,
		Shaders:  f.systems.ShaderSystem,
		Textures: f.systems.TextureSystem,
		Config:   cfg,
		Frame:    &FrameContext{},
		Scene:    &Scene{},
		Lookup:   f.procs,
		Events:   f.events,
	}

	t.Cleanup(func() {
		require.NoError(t, f.dev.WaitIdle())
		for i := len(f.order) - 1; i >= 0; i-- {
			require.NoError(t, Destroy(f.order[i], f.ctx))
		}
		f.ctx.Frame.Flush()
		resource.ReleaseAll(f.owned...)
		f.cache.Clear()
		f.pool.Destroy()
		require.NoError(t, f.systems.Shutdown())
		require.NoError(t, am.Shutdown())
		assert.NoError(t, f.tracker.LeakError())
		f.dev.Destroy()
	})
	return f
}

func (f *fixture) add(t *testing.T, p Process) Process {
	t.Helper()
	require.NoError(t, Init(p, f.ctx))
	require.NoError(t, InitFrameData(p, f.ctx, 0))
	f.procs[p.Type()] = p
	f.order = append(f.order, p)
	return p
}

// frame records fn into one submission and waits for it to retire.
func (f *fixture) frame(t *testing.T, fn func()) {
	t.Helper()
	require.NoError(t, f.dev.BeginCommands())
	require.NoError(t, f.pool.BeginFrame(0))
	f.ctx.Frame.Index++
	fn()
	value, err := f.dev.Submit()
	require.NoError(t, err)
	f.pool.Submit(value)
	f.ctx.Frame.Submitted = value
	require.NoError(t, f.dev.WaitIdle())
	f.ctx.Frame.Flush()
}

func (f *fixture) drawAll(t *testing.T) {
	t.Helper()
	f.frame(t, func() {
		for _, p := range f.order {
			require.NoError(t, UpdateRenderData(p, f.ctx))
			require.NoError(t, DebugDraw(p, f.ctx))
			require.NoError(t, Draw(p, f.ctx))
		}
	})
}

// quad adds a two triangle mesh to the scene.
func (f *fixture) quad(t *testing.T, forward bool) {
	t.Helper()
	vertices, err := f.dev.CreateBuffer(device.BufferDescription{
		Label: "quad_vertices",
		Size:  4 * 48,
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	})
	require.NoError(t, err)
	indices, err := f.dev.CreateBuffer(device.BufferDescription{
		Label: "quad_indices",
		Size:  6 * 4,
		Usage: gputypes.BufferUsageIndex | gputypes.BufferUsageCopyDst,
	})
	require.NoError(t, err)
	f.owned = append(f.owned, vertices, indices)
	f.ctx.Scene.Meshes = append(f.ctx.Scene.Meshes, Mesh{
		Name:       "quad",
		Vertices:   vertices,
		Indices:    indices,
		IndexCount: 6,
		Model:      math.NewMat4Identity(),
		Material:   Material{BaseColour: math.NewVec4(1, 1, 1, 1), Roughness: 1},
		Forward:    forward,
	})
}

func TestParseType(t *testing.T) {
	for i := TypePreprocess; i < TypeCount; i++ {
		got, err := ParseType(i.String())
		require.NoError(t, err)
		assert.Equal(t, i, got)
	}
	got, err := ParseType("GBuffer")
	require.NoError(t, err)
	assert.Equal(t, TypeGBuffer, got)

	_, err = ParseType("raytracing")
	assert.ErrorIs(t, err, core.ErrUnknownProcess)
	_, err = New(TypeCount)
	assert.ErrorIs(t, err, core.ErrUnknownProcess)
	assert.Equal(t, "type(42)", Type(42).String())
}

func TestLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	p := NewSSAO()
	assert.Equal(t, StateUninitialized, p.State())

	assert.ErrorIs(t, Draw(p, f.ctx), core.ErrNotInitialized)
	_, err := GetRenderTarget(p, 0)
	assert.ErrorIs(t, err, core.ErrNotInitialized)
	assert.NoError(t, Destroy(p, f.ctx), "destroying an uninitialised process is a no-op")

	f.add(t, p)
	assert.Equal(t, StateInitialized, p.State())
	assert.Error(t, Init(p, f.ctx), "a process initialises once")
	_, err = GetRenderTarget(p, 1)
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)
	assert.ErrorIs(t, InitFrameData(p, f.ctx, config.MaxFramesInFlight), core.ErrCapacityExceeded)
	assert.ErrorIs(t, Resize(p, f.ctx, 0, 4), core.ErrResourceCreationFailure)

	require.NoError(t, Destroy(p, f.ctx))
	assert.Equal(t, StateDestroyed, p.State())
	assert.NoError(t, Destroy(p, f.ctx))
	assert.ErrorIs(t, Draw(p, f.ctx), core.ErrNotInitialized)
}

func TestInitFailureReleasesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Shadows.MaxAttachments = config.MaxShadowMapAttachments + 1
	f := newFixture(t, cfg)

	live := len(f.tracker.Live())
	p := NewShadowMap()
	assert.ErrorIs(t, Init(p, f.ctx), core.ErrCapacityExceeded)
	assert.Equal(t, StateUninitialized, p.State())
	assert.Len(t, f.tracker.Live(), live)

	cfg.Shadows.MaxAttachments = 1
	cfg.SSAO.Mode = "sideways"
	s := NewSSAO()
	assert.Error(t, Init(s, f.ctx))
	assert.Len(t, f.tracker.Live(), live)
	assert.Equal(t, 0, f.ctx.Shaders.Count())
}

func TestGBufferTargets(t *testing.T) {
	cfg := testConfig()
	cfg.ClearColor = [4]float32{0.2, 0.4, 0.6, 1}
	f := newFixture(t, cfg)
	g := f.add(t, NewGBuffer()).(*GBuffer)
	f.quad(t, false)
	f.quad(t, true)

	handle, err := GetRenderTarget(g, 0)
	require.NoError(t, err)
	rt := handle.MustGet()
	assert.True(t, rt.HasDepthStencil())
	assert.Equal(t, int(GBufferDepth), rt.ColorCount())
	assert.Same(t, g.Texture(GBufferDepth), rt.DepthTexture())
	assert.Nil(t, g.Texture(gbufferTextureCount))

	f.drawAll(t)
	stats := g.Stats(0)
	assert.Equal(t, uint32(1), stats.RenderPasses)
	assert.Equal(t, uint32(1), stats.Draws, "forward meshes stay out of the geometry buffer")
	assert.Equal(t, f.ctx.Frame.Index, stats.Frame)

	texels, err := f.dev.ReadTexture(g.Texture(GBufferAlbedo), device.Subresource{})
	require.NoError(t, err)
	require.Len(t, texels, 8*8*4)
	for i := 0; i < len(texels); i += 4 {
		assert.InDelta(t, 0.2, texels[i], 1.0/255)
		assert.InDelta(t, 0.4, texels[i+1], 1.0/255)
		assert.InDelta(t, 0.6, texels[i+2], 1.0/255)
		assert.InDelta(t, 1.0, texels[i+3], 1.0/255)
	}

	require.NoError(t, Resize(g, f.ctx, 4, 2))
	handle, err = GetRenderTarget(g, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), handle.MustGet().Width)
	assert.Equal(t, uint32(2), handle.MustGet().Height)
}

func TestShadowMapBindsEverySlot(t *testing.T) {
	f := newFixture(t, nil)
	s := f.add(t, NewShadowMap()).(*ShadowMap)
	require.Equal(t, 2, s.SlotCount())

	_, err := s.AddSlot(f.ctx)
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)
	_, err = s.Slot(2)
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)

	f.drawAll(t)
	stats := f.dev.Stats()
	assert.Equal(t, 1, stats.Targets["shadow_map_0"])
	assert.Equal(t, 1, stats.Targets["shadow_map_1"])
	assert.Equal(t, uint32(0), s.Stats(0).Draws)

	f.quad(t, false)
	f.ctx.Scene.Lights = []Light{
		{Type: LightDirectional, Direction: math.NewVec3Down(), CastsShadows: true},
		{Type: LightPoint, Position: math.Vec3{Y: 2}, Range: 10},
		{Type: LightSpot, Position: math.Vec3{Y: 3}, Direction: math.NewVec3Down(), Range: 10, CastsShadows: true},
		{Type: LightDirectional, Direction: math.Vec3{X: 1, Y: -1}, CastsShadows: true},
	}
	f.drawAll(t)
	assert.Equal(t, 1, s.ignored)
	assert.Equal(t, uint32(2), s.Stats(0).Draws)
	first, err := s.Slot(0)
	require.NoError(t, err)
	second, err := s.Slot(1)
	require.NoError(t, err)
	assert.Equal(t, 0, first.Light)
	assert.Equal(t, 2, second.Light)
	assert.NotEqual(t, math.NewMat4Identity(), first.LightSpace)
}

func TestSSAOModes(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, NewGBuffer())
	s := f.add(t, NewSSAO()).(*SSAO)
	assert.Equal(t, config.SSAOBlur, s.Mode())
	assert.Error(t, s.SetMode("sideways"))

	cases := []struct {
		mode    config.SSAOMode
		blurred int
		draws   uint32
		output  string
	}{
		{config.SSAOBlur, 1, 2, "ssao_blurred"},
		{config.SSAONoBlur, 0, 1, "ssao"},
		{config.SSAODisabled, 0, 0, "ssao"},
	}
	for _, c := range cases {
		t.Run(string(c.mode), func(t *testing.T) {
			require.NoError(t, s.SetMode(c.mode))
			f.drawAll(t)
			stats := f.dev.Stats()
			assert.Equal(t, 1, stats.Targets["ssao"])
			assert.Equal(t, c.blurred, stats.Targets["ssao_blurred"])
			assert.Equal(t, c.draws, s.Stats(0).Draws)

			rt, err := GetRenderTarget(s, 0)
			require.NoError(t, err)
			assert.Equal(t, c.output, rt.Label())
		})
	}

	// Disabled occlusion reads as fully lit.
	occlusion, err := f.dev.ReadPixel(s.raw.texture, device.Subresource{}, 3, 3)
	require.NoError(t, err)
	assert.Equal(t, float32(1), occlusion[0])
}

func TestSSAOWithoutGeometryBuffer(t *testing.T) {
	f := newFixture(t, nil)
	s := f.add(t, NewSSAO()).(*SSAO)
	f.drawAll(t)
	f.drawAll(t)
	assert.True(t, s.warned)
	assert.Equal(t, uint32(0), s.Stats(0).Draws)

	// Whatever the lighting pass samples reads as fully lit.
	rt, err := GetRenderTarget(s, 0)
	require.NoError(t, err)
	assert.Equal(t, "ssao_blurred", rt.Label())
	occlusion, err := f.dev.ReadPixel(rt.MustGet().ColorTexture(0), device.Subresource{}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, float32(1), occlusion[0])
}

func TestKernel(t *testing.T) {
	samples := Kernel(16, 7)
	require.Len(t, samples, 16)
	for _, s := range samples {
		assert.GreaterOrEqual(t, s.Z, float32(0), "samples stay in the normal hemisphere")
		assert.LessOrEqual(t, s.ToVec3().Length(), float32(1.0001))
	}
	assert.Equal(t, samples, Kernel(16, 7))
	assert.NotEqual(t, samples, Kernel(16, 8))
}

func TestDeferredChain(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, NewGBuffer())
	f.add(t, NewShadowMap())
	f.add(t, NewSSAO())
	l := f.add(t, NewLighting()).(*Lighting)
	fw := f.add(t, NewForward()).(*Forward)
	f.quad(t, false)
	f.quad(t, true)
	f.ctx.Scene.Lights = []Light{
		{Type: LightDirectional, Direction: math.Vec3{X: 0.3, Y: -1}, Colour: math.NewVec3One(), Intensity: 2, CastsShadows: true},
		{Type: LightPoint, Position: math.Vec3{Y: 1}, Colour: math.NewVec3One(), Intensity: 1, Range: 5},
	}

	f.drawAll(t)
	// shade, threshold, one downsample, one upsample, tonemap
	assert.Equal(t, uint32(5), l.Stats(0).Draws)
	assert.Equal(t, 2, l.lightCount)
	assert.Equal(t, 1, l.shadowCount)
	assert.True(t, fw.SharesDepth())
	assert.Equal(t, uint32(1), fw.Stats(0).Draws)

	for _, index := range []int{LightingOutput, LightingHDR, LightingBloom} {
		rt, err := GetRenderTarget(l, index)
		require.NoError(t, err)
		assert.True(t, rt.Valid())
	}
	_, err := GetRenderTarget(l, 3)
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)

	l.SetDebugView(DebugViewAlbedo)
	f.drawAll(t)
	assert.NotNil(t, l.debugInput)

	// Resizing in pipeline order keeps the shared depth attachment consistent.
	for _, p := range f.order {
		require.NoError(t, Resize(p, f.ctx, 4, 4))
	}
	f.drawAll(t)
	rt, err := GetRenderTarget(fw, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), rt.MustGet().Width)
}

func TestForwardWithoutGeometryBuffer(t *testing.T) {
	f := newFixture(t, nil)
	fw := f.add(t, NewForward()).(*Forward)
	f.quad(t, true)
	assert.False(t, fw.SharesDepth())
	f.drawAll(t)
	assert.Equal(t, uint32(1), fw.Stats(0).Draws)
}

func TestPassSkippedWithoutShader(t *testing.T) {
	f := newFixture(t, nil)
	g := f.add(t, NewGBuffer()).(*GBuffer)
	f.quad(t, false)

	f.ctx.Shaders.Unregister(gbufferShader)
	f.drawAll(t)
	assert.Equal(t, uint32(1), g.Stats(0).RenderPasses)
	assert.Equal(t, uint32(0), g.Stats(0).Draws)
}

func TestPreprocessQueue(t *testing.T) {
	f := newFixture(t, nil)
	p := f.add(t, NewPreprocess()).(*Preprocess)

	_, err := p.Push(PreprocessIrradianceInfo{Path: "textures/sky.pfm", CubemapSize: 30, IrradianceSize: 16, SpecularSize: 16})
	assert.Error(t, err)
	_, err = p.Push(PreprocessIrradianceInfo{CubemapSize: 32, IrradianceSize: 16, SpecularSize: 16})
	assert.Error(t, err)

	futures := make([]*Future, 0, PreprocessQueueCapacity)
	for i := 0; i < PreprocessQueueCapacity; i++ {
		fut, err := p.Push(PreprocessIrradianceInfo{Path: "textures/sky.pfm", CubemapSize: 8, IrradianceSize: 4, SpecularSize: 8})
		require.NoError(t, err)
		futures = append(futures, fut)
	}
	_, err = p.Push(PreprocessIrradianceInfo{Path: "textures/sky.pfm", CubemapSize: 8, IrradianceSize: 4, SpecularSize: 8})
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)
	assert.Equal(t, PreprocessQueueCapacity, p.QueueLen())

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	_, err = futures[0].Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, ok, err := futures[0].Poll()
	assert.False(t, ok)
	assert.NoError(t, err)

	require.NoError(t, Destroy(p, f.ctx))
	for _, fut := range futures {
		_, ok, err := fut.Poll()
		assert.True(t, ok)
		assert.ErrorIs(t, err, ErrPreprocessCancelled)
	}
}

func TestPreprocessBakesIrradiance(t *testing.T) {
	f := newFixture(t, nil)
	p := f.add(t, NewPreprocess()).(*Preprocess)

	var completed []string
	f.events.Register(core.EVENT_CODE_PREPROCESS_COMPLETED, t, func(_ core.SystemEventCode, _, _ interface{}, data core.EventContext) bool {
		completed = append(completed, data.Data.C[0])
		return true
	})

	fut, err := p.Push(PreprocessIrradianceInfo{
		Path:           "textures/sky.pfm",
		CubemapSize:    32,
		IrradianceSize: 16,
		SpecularSize:   32,
		UserData:       "sky",
	})
	require.NoError(t, err)
	missing, err := p.Push(PreprocessIrradianceInfo{Path: "textures/none.pfm", CubemapSize: 8, IrradianceSize: 8, SpecularSize: 8})
	require.NoError(t, err)

	f.drawAll(t)
	assert.Equal(t, 0, p.QueueLen())
	assert.Equal(t, uint64(2), p.Processed())
	assert.Equal(t, []string{fut.ID().String(), missing.ID().String()}, completed)

	select {
	case <-fut.Done():
	default:
		t.Fatal("request not resolved by the frame that drained it")
	}
	result, err := fut.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, result.Valid())
	assert.Equal(t, "sky", result.UserData)
	assert.Same(t, p.BRDF(), result.BRDF)

	cube := result.Cubemap.MustGet().Description
	assert.True(t, cube.Cube)
	assert.Equal(t, uint32(32), cube.Width)
	assert.Equal(t, uint32(16), result.IrradianceCubemap.MustGet().Description.Width)
	specular := result.SpecularCubemap.MustGet().Description
	assert.Equal(t, uint32(32), specular.Width)
	assert.Equal(t, uint32(3), specular.MipLevels)

	_, _, err = missing.Poll()
	assert.Error(t, err)

	result.Release()
	assert.False(t, result.Valid())
	assert.True(t, p.BRDF().Valid(), "the pass keeps its own reference to the lookup table")
}

func TestPreprocessPushDuringDrainWaitsForNextFrame(t *testing.T) {
	f := newFixture(t, nil)
	p := f.add(t, NewPreprocess()).(*Preprocess)
	info := PreprocessIrradianceInfo{Path: "textures/sky.pfm", CubemapSize: 8, IrradianceSize: 4, SpecularSize: 8}

	var late *Future
	f.events.Register(core.EVENT_CODE_PREPROCESS_COMPLETED, t, func(_ core.SystemEventCode, _, _ interface{}, _ core.EventContext) bool {
		if late == nil {
			fut, err := p.Push(info)
			require.NoError(t, err)
			late = fut
		}
		return true
	})

	first, err := p.Push(info)
	require.NoError(t, err)
	f.drawAll(t)

	require.NotNil(t, late)
	firstResult, ok, err := first.Poll()
	require.True(t, ok)
	require.NoError(t, err)
	_, ok, err = late.Poll()
	assert.False(t, ok, "a request queued while draining belongs to the next frame")
	assert.NoError(t, err)
	assert.Equal(t, 1, p.QueueLen())
	assert.Equal(t, uint64(1), p.Processed())

	f.drawAll(t)
	lateResult, ok, err := late.Poll()
	require.True(t, ok)
	require.NoError(t, err)
	assert.True(t, lateResult.Valid())
	assert.Equal(t, 0, p.QueueLen())
	assert.Equal(t, uint64(2), p.Processed())

	firstResult.Release()
	lateResult.Release()
}

func TestPreprocessRebakesAfterReload(t *testing.T) {
	f := newFixture(t, nil)
	p := f.add(t, NewPreprocess()).(*Preprocess)

	f.drawAll(t)
	assert.Equal(t, uint32(1), p.Stats(0).Draws, "lookup table baked on the first frame")
	f.drawAll(t)
	assert.Equal(t, uint32(0), p.Stats(0).Draws)

	require.NoError(t, f.ctx.Shaders.Reload())
	require.NoError(t, Reload(p, f.ctx))
	f.drawAll(t)
	assert.Equal(t, uint32(1), p.Stats(0).Draws)
}

type recordingUI struct {
	panels []string
	images []string
}

func (u *recordingUI) Begin(title string) bool {
	u.panels = append(u.panels, title)
	return true
}
func (u *recordingUI) End() {}
func (u *recordingUI) Text(string, ...any) {}
func (u *recordingUI) SliderFloat(string, *float32, float32, float32) bool { return false }
func (u *recordingUI) Combo(string, *int, []string) bool { return false }
func (u *recordingUI) Image(label string, _ *resource.Handle[*device.Texture]) {
	u.images = append(u.images, label)
}

func TestImGuiDraw(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, NewGBuffer())
	f.add(t, NewShadowMap())
	f.add(t, NewSSAO())
	f.add(t, NewLighting())
	f.drawAll(t)

	ui := &recordingUI{}
	for _, p := range f.order {
		require.NoError(t, ImGuiDraw(p, ui))
	}
	assert.Equal(t, []string{"gbuffer", "shadowmap", "ssao", "lighting"}, ui.panels)
	assert.Contains(t, ui.images, "slot 1")
	assert.Contains(t, ui.images, "occlusion")
}

func TestShadowCasters(t *testing.T) {
	lights := []Light{{CastsShadows: true}, {}, {CastsShadows: true}, {CastsShadows: true}}
	casters, ignored := shadowCasters(lights, 2)
	assert.Equal(t, []int{0, 2}, casters)
	assert.Equal(t, 1, ignored)

	casters, ignored = shadowCasters(lights, 0)
	assert.Empty(t, casters)
	assert.Equal(t, 3, ignored)
}

func TestPackLights(t *testing.T) {
	lights := make([]Light, MaxLights+3)
	lights[1] = Light{Type: LightSpot, Position: math.Vec3{X: 1, Y: 2, Z: 3}, Intensity: 4}
	data, n := packLights(lights, map[int]int{1: 0})
	assert.Equal(t, MaxLights, n)
	assert.Len(t, data, MaxLights*lightStride)

	light := data[lightStride : 2*lightStride]
	float := func(i int) float32 {
		return stdmath.Float32frombits(binary.LittleEndian.Uint32(light[i*4:]))
	}
	assert.Equal(t, float32(1), float(0))
	assert.Equal(t, float32(LightSpot), float(3))
	assert.Equal(t, float32(4), float(11))
	assert.Equal(t, float32(0), float(12), "shadow slot")
	assert.Equal(t, float32(-1), stdmath.Float32frombits(binary.LittleEndian.Uint32(data[12*4:])))
}
