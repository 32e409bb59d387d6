package renderer

import (
	"bytes"
	"context"
	"encoding/binary"
	"io/fs"
	"os"
	"slices"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-deferred/engine/assets"
	"github.com/spaghettifunk/anima-deferred/engine/config"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/math"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/processes"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/software"
)

func skyPFM() []byte {
	var buf bytes.Buffer
	buf.WriteString("PF\n4 2\n-1.0\n")
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
	root := os.DirFS("../../assets")
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

func testConfig(procs ...string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Width, cfg.Height = 4, 4
	cfg.FenceTimeoutMS = 5
	cfg.SSAO.KernelSize = 4
	cfg.Shadows.MaxAttachments = 2
	cfg.Shadows.Resolution = 8
	cfg.Bloom.MipCount = 2
	cfg.IBL.BRDFSize = 8
	cfg.IBL.SpecularMips = 2
	cfg.Memory.ChunkSize = 16 * 1024
	if len(procs) > 0 {
		cfg.Processes = procs
	}
	return cfg
}

type harness struct {
	backend *software.Backend
	dev     *device.Device
	events  *core.EventSystem
	r       *Renderer
}

func newHarness(t *testing.T, cfg *config.Config, opts software.Options) *harness {
	t.Helper()
	am, err := assets.NewAssetManager(assetFS(t))
	require.NoError(t, err)
	h := &harness{
		backend: software.New(opts),
		events:  core.NewEventSystem(),
	}
	h.dev = device.New(h.backend, resource.NewTracker(), am)
	h.r, err = New(cfg, h.dev, WithImageSource(am), WithEvents(h.events))
	require.NoError(t, err)
	t.Cleanup(func() {
		h.backend.Resume()
		assert.NoError(t, h.r.Destroy())
		require.NoError(t, am.Shutdown())
		h.dev.Destroy()
		assert.Equal(t, 0, h.backend.LiveObjects())
	})
	return h
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.FramesInFlight = config.MaxFramesInFlight + 1
	dev := device.New(software.New(software.Options{}), resource.NewTracker(), nil)
	_, err := New(cfg, dev)
	assert.Error(t, err)
	_, err = New(nil, dev)
	assert.ErrorIs(t, err, core.ErrNotInitialized)
}

func TestDrawBeforeInit(t *testing.T) {
	h := newHarness(t, testConfig(), software.Options{})
	assert.ErrorIs(t, h.r.Draw(nil), core.ErrNotInitialized)
	_, err := h.r.PushIrradiancePreprocess(processes.PreprocessIrradianceInfo{})
	assert.ErrorIs(t, err, core.ErrNotInitialized)
}

func TestFramesLeaveNoLeaks(t *testing.T) {
	h := newHarness(t, testConfig(), software.Options{Latency: 1})
	require.NoError(t, h.r.Init())
	assert.Equal(t, processes.StateInitialized, h.r.State())

	scene := &processes.Scene{
		Lights: []processes.Light{
			{Type: processes.LightDirectional, Direction: math.NewVec3Down(), Colour: math.NewVec3One(), Intensity: 1, CastsShadows: true},
			{Type: processes.LightPoint, Colour: math.NewVec3One(), Intensity: 2, Range: 5},
		},
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, h.r.Draw(scene))
	}
	assert.Equal(t, uint64(5), h.r.FrameIndex())
	assert.Equal(t, uint64(5), h.r.Metrics().TotalFrames)

	for ty := processes.TypePreprocess; ty < processes.TypeCount; ty++ {
		p, err := h.r.GetRenderProcess(ty)
		require.NoError(t, err, ty.String())
		assert.Equal(t, ty, p.Type())
	}
	lighting, err := h.r.Lighting()
	require.NoError(t, err)
	stats := lighting.Stats(0)
	assert.Equal(t, uint64(4), stats.Frame)
	assert.NotZero(t, stats.Draws)

	require.NoError(t, h.r.Destroy())
	assert.Empty(t, h.r.Tracker().Live())
	assert.ErrorIs(t, h.r.Draw(scene), core.ErrNotInitialized)
	assert.NoError(t, h.r.Destroy(), "second destroy")
}

func TestClearColorReadback(t *testing.T) {
	cfg := testConfig("gbuffer")
	cfg.ClearColor = [4]float32{1, 0, 1, 1}
	h := newHarness(t, cfg, software.Options{})
	require.NoError(t, h.r.Init())
	require.NoError(t, h.r.Draw(nil))
	require.NoError(t, h.dev.WaitIdle())

	g, err := h.r.GBuffer()
	require.NoError(t, err)
	albedo := g.Texture(processes.GBufferAlbedo)
	for y := uint32(0); y < 4; y++ {
		for x := uint32(0); x < 4; x++ {
			px, err := h.dev.ReadPixel(albedo, device.Subresource{}, x, y)
			require.NoError(t, err)
			assert.Equal(t, [4]float32{1, 0, 1, 1}, px)
		}
	}
}

func TestProcessesRunInPipelineOrder(t *testing.T) {
	h := newHarness(t, testConfig("forward", "gbuffer", "GBuffer"), software.Options{})
	require.NoError(t, h.r.Init())
	require.Len(t, h.r.order, 2)
	assert.Equal(t, processes.TypeGBuffer, h.r.order[0].Type())
	assert.Equal(t, processes.TypeForward, h.r.order[1].Type())

	forward, err := h.r.Forward()
	require.NoError(t, err)
	assert.True(t, forward.SharesDepth())

	_, err = h.r.GetRenderProcess(processes.TypeSSAO)
	assert.ErrorIs(t, err, core.ErrUnknownProcess)
	_, err = h.r.Lighting()
	assert.ErrorIs(t, err, core.ErrUnknownProcess)
	_, err = h.r.GetRenderProcess(processes.TypeCount)
	assert.ErrorIs(t, err, core.ErrUnknownProcess)
	_, err = h.r.PushIrradiancePreprocess(processes.PreprocessIrradianceInfo{Path: "textures/sky.pfm", CubemapSize: 8, IrradianceSize: 4, SpecularSize: 8})
	assert.ErrorIs(t, err, core.ErrUnknownProcess)
}

func TestEveryProcessInitsBeforeFrameData(t *testing.T) {
	h := newHarness(t, testConfig("gbuffer", "ssao"), software.Options{})
	var buf bytes.Buffer
	h.r.logger = log.NewWithOptions(&buf, log.Options{Level: log.DebugLevel})
	require.NoError(t, h.r.Init())

	out := buf.String()
	assert.Equal(t, 2, strings.Count(out, "process initialized"))
	assert.Equal(t, 2*h.r.frames.Len(), strings.Count(out, "frame data initialized"))
	lastInit := strings.LastIndex(out, "process initialized")
	firstFrameData := strings.Index(out, "frame data initialized")
	require.NotEqual(t, -1, firstFrameData)
	assert.Less(t, lastInit, firstFrameData)
	// The ssao Init line comes after gbuffer's and before any frame data.
	assert.Less(t, strings.Index(out, "process=gbuffer"), strings.Index(out, "process=ssao"))
}

func TestLookupOnlySeesEarlierProcesses(t *testing.T) {
	h := newHarness(t, testConfig("gbuffer", "forward"), software.Options{})
	require.NoError(t, h.r.Init())

	l := lookup{r: h.r, before: processes.TypeGBuffer}
	_, err := l.RenderTarget(processes.TypeForward, 0)
	assert.ErrorIs(t, err, core.ErrUnknownProcess)
	_, err = l.RenderTarget(processes.TypeGBuffer, 0)
	assert.ErrorIs(t, err, core.ErrUnknownProcess)

	l.before = processes.TypeForward
	rt, err := l.RenderTarget(processes.TypeGBuffer, 0)
	require.NoError(t, err)
	assert.Equal(t, "gbuffer", rt.Label())
}

func TestUnknownProcessName(t *testing.T) {
	h := newHarness(t, testConfig("gbuffer", "raytracing"), software.Options{})
	assert.ErrorIs(t, h.r.Init(), core.ErrUnknownProcess)
	assert.Equal(t, processes.StateUninitialized, h.r.State())
}

func TestInitFailureDestroysEarlierProcesses(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, software.Options{})
	textures := h.r.Tracker().LiveCount(resource.KindTexture)

	// The renderer keeps the configuration, so an invalid mode set after New
	// makes the ssao pass fail once the passes before it were built.
	cfg.SSAO.Mode = "sideways"
	require.Error(t, h.r.Init())

	assert.Equal(t, textures, h.r.Tracker().LiveCount(resource.KindTexture))
	assert.Zero(t, h.r.Tracker().LiveCount(resource.KindRenderTarget))
	assert.Zero(t, h.r.Systems().ShaderSystem.Count())
	for ty := processes.TypePreprocess; ty < processes.TypeCount; ty++ {
		_, err := h.r.GetRenderProcess(ty)
		assert.ErrorIs(t, err, core.ErrUnknownProcess)
	}
	assert.False(t, h.dev.Recording())
}

func TestDestroyReleasesInReverseOrder(t *testing.T) {
	h := newHarness(t, testConfig("gbuffer", "forward"), software.Options{})
	require.NoError(t, h.r.Init())
	require.NoError(t, h.r.Draw(nil))

	labels := map[uuid.UUID]string{}
	for _, info := range h.r.Tracker().Live() {
		labels[info.ID] = info.Label
	}
	var released []string
	h.r.Tracker().OnRelease(func(id uuid.UUID) {
		released = append(released, labels[id])
	})

	require.NoError(t, h.r.Destroy())
	forward := slices.Index(released, "forward")
	gbuffer := slices.Index(released, "gbuffer")
	require.NotEqual(t, -1, forward)
	require.NotEqual(t, -1, gbuffer)
	assert.Less(t, forward, gbuffer)
	// The depth buffer shared with the forward pass dies with its owner.
	assert.Greater(t, slices.Index(released, "gbuffer_depth"), forward)
}

func TestFenceTimeout(t *testing.T) {
	cfg := testConfig("gbuffer")
	cfg.FramesInFlight = 2
	h := newHarness(t, cfg, software.Options{Latency: 2})
	require.NoError(t, h.r.Init())
	require.NoError(t, h.r.Draw(nil))
	require.NoError(t, h.r.Draw(nil))

	h.backend.Stall()
	start := time.Now()
	err := h.r.Draw(nil)
	assert.ErrorIs(t, err, core.ErrFenceTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	assert.Equal(t, uint64(2), h.r.FrameIndex(), "a timed out frame is not counted")
	assert.False(t, h.dev.Recording())

	// The GPU never went idle, so the renderer stays usable.
	assert.ErrorIs(t, h.r.Destroy(), core.ErrDeviceFailure)
	assert.Equal(t, processes.StateInitialized, h.r.State())

	h.backend.Resume()
	require.NoError(t, h.r.Draw(nil))
	assert.Equal(t, uint64(3), h.r.FrameIndex())
}

func TestIrradiancePreprocess(t *testing.T) {
	h := newHarness(t, testConfig(), software.Options{})
	require.NoError(t, h.r.Init())

	fut, err := h.r.PushIrradiancePreprocess(processes.PreprocessIrradianceInfo{
		Path:           "textures/sky.pfm",
		CubemapSize:    8,
		IrradianceSize: 4,
		SpecularSize:   8,
		UserData:       "sky",
	})
	require.NoError(t, err)
	_, ok, _ := fut.Poll()
	assert.False(t, ok)

	require.NoError(t, h.r.Draw(nil))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result, err := fut.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, result.Valid())
	assert.Equal(t, "sky", result.UserData)

	// The baked maps light the next frames.
	scene := &processes.Scene{Environment: &result}
	require.NoError(t, h.r.Draw(scene))
	require.NoError(t, h.r.Draw(scene))

	require.NoError(t, h.dev.WaitIdle())
	result.Release()
}

func TestEventsApplyOnNextFrame(t *testing.T) {
	h := newHarness(t, testConfig("gbuffer", "forward"), software.Options{})
	require.NoError(t, h.r.Init())
	generation := h.r.Systems().ShaderSystem.Generation()

	var ec core.EventContext
	ec.Data.U32[0], ec.Data.U32[1] = 8, 2
	h.events.Fire(core.EVENT_CODE_RESIZED, nil, ec)
	h.events.Fire(core.EVENT_CODE_SHADER_SOURCE_CHANGED, nil, core.EventContext{})

	g, err := h.r.GBuffer()
	require.NoError(t, err)
	assert.Equal(t, uint32(4), g.Texture(processes.GBufferAlbedo).MustGet().Description.Width)

	require.NoError(t, h.r.Draw(nil))
	albedo := g.Texture(processes.GBufferAlbedo).MustGet().Description
	assert.Equal(t, uint32(8), albedo.Width)
	assert.Equal(t, uint32(2), albedo.Height)
	rt, err := h.r.GetRenderTarget(processes.TypeForward, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), rt.MustGet().Width)
	assert.Greater(t, h.r.Systems().ShaderSystem.Generation(), generation)
}

func TestResize(t *testing.T) {
	h := newHarness(t, testConfig(), software.Options{})
	require.NoError(t, h.r.Init())
	require.NoError(t, h.r.Draw(nil))

	assert.ErrorIs(t, h.r.Resize(0, 2), core.ErrResourceCreationFailure)
	require.NoError(t, h.r.Resize(2, 2))
	require.NoError(t, h.r.Draw(nil))

	rt, err := h.r.GetRenderTarget(processes.TypeGBuffer, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), rt.MustGet().Width)
}

func TestReloadShaders(t *testing.T) {
	h := newHarness(t, testConfig("preprocess", "gbuffer"), software.Options{})
	require.NoError(t, h.r.Init())
	require.NoError(t, h.r.Draw(nil))
	generation := h.r.Systems().ShaderSystem.Generation()

	require.NoError(t, h.r.ReloadShaders())
	assert.Greater(t, h.r.Systems().ShaderSystem.Generation(), generation)

	// The lookup table is baked again with the new shader.
	require.NoError(t, h.r.Draw(nil))
	pre, err := h.r.Preprocess()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), pre.Stats(1).Draws)
}

type recordingUI struct {
	panels []string
}

func (u *recordingUI) Begin(title string) bool {
	u.panels = append(u.panels, title)
	return true
}
func (u *recordingUI) End() {}
func (u *recordingUI) Text(format string, args ...any) {}
func (u *recordingUI) SliderFloat(string, *float32, float32, float32) bool { return false }
func (u *recordingUI) Combo(string, *int, []string) bool { return false }
func (u *recordingUI) Image(string, *resource.Handle[*device.Texture]) {}

func TestImGuiDraw(t *testing.T) {
	h := newHarness(t, testConfig("ssao", "gbuffer"), software.Options{})
	require.NoError(t, h.r.Init())
	ui := &recordingUI{}
	require.NoError(t, h.r.ImGuiDraw(ui))
	assert.Equal(t, []string{"renderer", "gbuffer", "ssao"}, ui.panels)
}
