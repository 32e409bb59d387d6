package software

import (
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
)

func colorTexture(t *testing.T, b *Backend, w, h uint32, format gputypes.TextureFormat) device.Native {
	t.Helper()
	tex, err := b.CreateTexture(device.TextureDescription{
		Label: "color", Width: w, Height: h, MipLevels: 1, ArrayLayers: 1, Format: format,
	})
	require.NoError(t, err)
	return tex
}

func TestTimelineLatency(t *testing.T) {
	b := New(Options{Latency: 1})

	for want := uint64(1); want <= 3; want++ {
		cl, err := b.Begin()
		require.NoError(t, err)
		value, err := b.Submit(cl)
		require.NoError(t, err)
		assert.Equal(t, want, value)
		assert.Equal(t, want-1, b.CompletedValue())
	}

	require.NoError(t, b.Wait(3, time.Millisecond))
	assert.Equal(t, uint64(3), b.CompletedValue())
}

func TestStallTimesOut(t *testing.T) {
	b := New(Options{Latency: 2})
	cl, _ := b.Begin()
	value, err := b.Submit(cl)
	require.NoError(t, err)

	b.Stall()
	err = b.Wait(value, time.Millisecond)
	assert.ErrorIs(t, err, core.ErrFenceTimeout)
	assert.ErrorIs(t, b.WaitIdle(), core.ErrDeviceFailure)

	b.Advance()
	assert.Equal(t, value, b.CompletedValue())
	b.Resume()
	assert.NoError(t, b.WaitIdle())
}

func TestMemoryLimit(t *testing.T) {
	b := New(Options{MaxMemory: 64})
	tex := colorTexture(t, b, 4, 4, gputypes.TextureFormatRGBA8Unorm)
	assert.Equal(t, uint64(64), b.MemoryInUse())

	_, err := b.CreateBuffer(device.BufferDescription{Label: "extra", Size: 1})
	assert.ErrorIs(t, err, core.ErrResourceCreationFailure)

	tex.Destroy()
	assert.Equal(t, uint64(0), b.MemoryInUse())
	assert.Equal(t, 0, b.LiveObjects())
}

func TestClearQuantizesUnorm(t *testing.T) {
	b := New(Options{})
	tex := colorTexture(t, b, 2, 2, gputypes.TextureFormatRGBA8Unorm)
	rt, err := b.CreateRenderTarget(device.RenderTargetDescription{
		Label:  "target",
		Colors: []device.Attachment{{Load: gputypes.LoadOpClear, ClearColor: [4]float32{1, 0.5, 0, 1}}},
	}, []device.Native{tex}, nil)
	require.NoError(t, err)

	cl, _ := b.Begin()
	require.NoError(t, cl.BeginRenderPass(rt, device.Viewport{Width: 2, Height: 2}))
	cl.EndRenderPass()
	_, err = b.Submit(cl)
	require.NoError(t, err)

	texels, err := b.ReadTexture(tex, device.Subresource{})
	require.NoError(t, err)
	assert.Equal(t, float32(1), texels[0])
	assert.Equal(t, float32(128)/255, texels[1])
	assert.Equal(t, float32(0), texels[2])
}

func TestCopyAndBlit(t *testing.T) {
	b := New(Options{})
	src := colorTexture(t, b, 2, 2, gputypes.TextureFormatRGBA32Float)
	same := colorTexture(t, b, 2, 2, gputypes.TextureFormatRGBA32Float)
	small := colorTexture(t, b, 1, 1, gputypes.TextureFormatRGBA32Float)

	require.NoError(t, b.WriteTexture(src, device.Subresource{}, []float32{
		0, 0, 0, 1, 1, 1, 1, 1,
		1, 1, 1, 1, 2, 2, 2, 1,
	}))

	cl, _ := b.Begin()
	require.NoError(t, cl.CopyTexture(src, device.Subresource{}, same, device.Subresource{}))
	require.NoError(t, cl.BlitTexture(src, device.Subresource{}, small, device.Subresource{}))
	_, err := b.Submit(cl)
	require.NoError(t, err)

	copied, _ := b.ReadTexture(same, device.Subresource{})
	assert.Equal(t, float32(2), copied[12])
	averaged, _ := b.ReadTexture(small, device.Subresource{})
	assert.InDelta(t, 1.0, averaged[0], 1e-6)
}

func TestDrawValidation(t *testing.T) {
	b := New(Options{})
	s, err := b.CompileShader(device.ShaderDescription{Label: "fullscreen"}, device.ShaderSources{
		Vertex: "#version 450\nvoid main() {}\n", Fragment: "#version 450\nvoid main() {}\n",
	})
	require.NoError(t, err)

	_, err = b.CompileShader(device.ShaderDescription{Label: "broken"}, device.ShaderSources{Vertex: "#version 450\n"})
	assert.ErrorIs(t, err, core.ErrShaderCompileFailure)

	tex := colorTexture(t, b, 2, 2, gputypes.TextureFormatRGBA8Unorm)
	rt, err := b.CreateRenderTarget(device.RenderTargetDescription{Label: "target", Colors: []device.Attachment{{}}}, []device.Native{tex}, nil)
	require.NoError(t, err)

	cl, _ := b.Begin()
	assert.Error(t, cl.BindShader(s, device.DefaultPipelineState()), "graphics shader outside a pass")
	require.NoError(t, cl.BeginRenderPass(rt, device.Viewport{Width: 2, Height: 2}))
	assert.Error(t, cl.Draw(3, 1), "draw without a shader")
	require.NoError(t, cl.BindShader(s, device.DefaultPipelineState()))
	require.NoError(t, cl.Draw(3, 1))
	cl.EndRenderPass()
	_, err = b.Submit(cl)
	require.NoError(t, err)

	draws, dispatches := b.Counters()
	assert.Equal(t, uint64(1), draws)
	assert.Equal(t, uint64(0), dispatches)
}
