package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-deferred/engine/config"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/processes"
)

type countingGame struct {
	initialized bool
	updates     int
	renders     int
	resizes     [][2]uint32
	shutdown    bool
}

func headlessConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Width, cfg.Height = 8, 8
	cfg.AssetRoot = "../assets"
	cfg.LogLevel = "error"
	cfg.Shadows.Resolution = 8
	cfg.IBL.BRDFSize = 8
	return cfg
}

func newCountingGame(cfg *config.Config, maxFrames uint64) (*Game, *countingGame) {
	c := &countingGame{}
	g := &Game{
		ApplicationConfig: &ApplicationConfig{Name: "engine-test", Config: cfg, MaxFrames: maxFrames},
		FnInitialize: func(r *renderer.Renderer) error {
			c.initialized = r != nil
			return nil
		},
		FnUpdate: func(float64) error {
			c.updates++
			return nil
		},
		FnRender: func(float64) (*processes.Scene, error) {
			c.renders++
			return &processes.Scene{}, nil
		},
		FnOnResize: func(w, h uint32) error {
			c.resizes = append(c.resizes, [2]uint32{w, h})
			return nil
		},
		FnShutdown: func() error {
			c.shutdown = true
			return nil
		},
	}
	return g, c
}

func TestNewRequiresHooks(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
	_, err = New(&Game{ApplicationConfig: &ApplicationConfig{Name: "x"}})
	assert.Error(t, err)
}

func TestRunStopsAfterMaxFrames(t *testing.T) {
	g, c := newCountingGame(headlessConfig(), 3)
	e, err := New(g)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	assert.Equal(t, EngineStageInitialized, e.Stage())
	assert.True(t, c.initialized)

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, uint64(3), e.Renderer().FrameIndex())
	assert.Equal(t, 3, c.updates)
	assert.Equal(t, 3, c.renders)

	require.NoError(t, e.Shutdown())
	assert.True(t, c.shutdown)
	assert.Equal(t, EngineStageShutdown, e.Stage())
	assert.Nil(t, e.Renderer())
	// A second call is a no-op.
	require.NoError(t, e.Shutdown())
}

func TestRunHonoursCancellation(t *testing.T) {
	g, c := newCountingGame(headlessConfig(), 0)
	e, err := New(g)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	defer e.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.Run(ctx))
	assert.Zero(t, c.updates)
}

func TestRunRequiresInitialize(t *testing.T) {
	g, _ := newCountingGame(headlessConfig(), 1)
	e, err := New(g)
	require.NoError(t, err)
	assert.ErrorIs(t, e.Run(context.Background()), core.ErrNotInitialized)
}

func TestQuitEventStopsTheLoop(t *testing.T) {
	g, c := newCountingGame(headlessConfig(), 0)
	g.FnUpdate = func(float64) error {
		c.updates++
		if c.updates == 2 {
			e := g.State.(*Engine)
			e.Events().Fire(core.EVENT_CODE_APPLICATION_QUIT, nil, core.EventContext{})
		}
		return nil
	}
	e, err := New(g)
	require.NoError(t, err)
	g.State = e
	require.NoError(t, e.Initialize())
	defer e.Shutdown()

	require.NoError(t, e.Run(context.Background()))
	assert.Equal(t, 2, c.updates)
}

func TestResizeReachesGame(t *testing.T) {
	g, c := newCountingGame(headlessConfig(), 1)
	e, err := New(g)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	defer e.Shutdown()

	var ctx core.EventContext
	ctx.Data.U32[0], ctx.Data.U32[1] = 16, 12
	e.Events().Fire(core.EVENT_CODE_RESIZED, nil, ctx)
	assert.Equal(t, [][2]uint32{{16, 12}}, c.resizes)
}

func TestAssetChangesFireForShadersOnly(t *testing.T) {
	g, _ := newCountingGame(headlessConfig(), 1)
	e, err := New(g)
	require.NoError(t, err)

	var changed []string
	e.Events().Register(core.EVENT_CODE_SHADER_SOURCE_CHANGED, t, func(_ core.SystemEventCode, _, _ interface{}, data core.EventContext) bool {
		changed = append(changed, data.Data.C[0])
		return true
	})
	e.onAssetChanged("shaders/gbuffer.frag")
	e.onAssetChanged("textures/sky.pfm")
	e.onAssetChanged("shaders/common.glsl")
	assert.Equal(t, []string{"shaders/gbuffer.frag", "shaders/common.glsl"}, changed)
}

func TestInitializeFailsCleanly(t *testing.T) {
	cfg := headlessConfig()
	cfg.AssetRoot = "does-not-exist"
	g, c := newCountingGame(cfg, 1)
	e, err := New(g)
	require.NoError(t, err)
	assert.Error(t, e.Initialize())
	assert.False(t, c.initialized)
	assert.False(t, c.shutdown)
	assert.Equal(t, EngineStageShutdown, e.Stage())
}

func TestVulkanWithoutTagFails(t *testing.T) {
	cfg := headlessConfig()
	cfg.Backend = config.BackendVulkan
	_, err := newBackend("engine-test", cfg, nil)
	if err == nil {
		t.Skip("built with the vulkan tag")
	}
	assert.Error(t, err)
}
