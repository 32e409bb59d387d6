package testbed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-deferred/engine"
	"github.com/spaghettifunk/anima-deferred/engine/config"
)

func TestTestbedRunsHeadless(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Width, cfg.Height = 16, 16
	cfg.AssetRoot = "../assets"
	cfg.LogLevel = "error"
	cfg.Shadows.Resolution = 16
	cfg.IBL.BRDFSize = 8

	tb := NewTestGame(&engine.ApplicationConfig{Config: cfg, MaxFrames: 4})
	e, err := engine.New(tb.Game)
	require.NoError(t, err)
	require.NoError(t, e.Initialize())
	assert.Equal(t, "Anima Deferred Testbed", tb.ApplicationConfig.Name)

	require.NoError(t, e.Run(context.Background()))
	state := tb.state()
	assert.Greater(t, state.time, float32(0))
	assert.Equal(t, uint32(36), state.cube.IndexCount)
	assert.Equal(t, uint32(16*6), state.floor.IndexCount)

	scene, err := tb.Render(0)
	require.NoError(t, err)
	assert.Len(t, scene.Meshes, 5)
	assert.True(t, scene.Meshes[4].Forward)
	assert.Same(t, state.worldCamera, scene.Camera)

	// Shutdown reports leaked handles, so this also checks the testbed
	// released everything it acquired.
	require.NoError(t, e.Shutdown())
}
