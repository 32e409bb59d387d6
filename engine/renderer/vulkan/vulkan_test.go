//go:build vulkan

package vulkan

import (
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	vk "github.com/goki/vulkan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
)

func TestHalfFloat(t *testing.T) {
	assert.Equal(t, uint16(0x3C00), floatToHalf(1))
	assert.Equal(t, uint16(0xC000), floatToHalf(-2))
	assert.Equal(t, uint16(0x7BFF), floatToHalf(65504))
	assert.Equal(t, uint16(0x7C00), floatToHalf(1e6))
	assert.Equal(t, uint16(0x0000), floatToHalf(1e-10))

	assert.Equal(t, float32(1), halfToFloat(0x3C00))
	assert.Equal(t, float32(-2), halfToFloat(0xC000))
	assert.Equal(t, float32(5.9604645e-08), halfToFloat(0x0001))

	for _, v := range []float32{0.5, 0.25, 3.140625, -1024} {
		assert.Equal(t, v, halfToFloat(floatToHalf(v)), "value %v", v)
	}
}

func TestTexelLayouts(t *testing.T) {
	bgra, err := layoutOf(gputypes.TextureFormatBGRA8Unorm, vk.FormatD24UnormS8Uint)
	require.NoError(t, err)
	data := bgra.encode([]float32{1, 0, 0, 1})
	assert.Equal(t, []byte{0, 0, 255, 255}, data)
	assert.Equal(t, []float32{1, 0, 0, 1}, bgra.decode(data))

	r16, err := layoutOf(gputypes.TextureFormatR16Float, vk.FormatD24UnormS8Uint)
	require.NoError(t, err)
	assert.Equal(t, 2, r16.stride())
	assert.Equal(t, []float32{0.5, 0, 0, 1}, r16.decode(r16.encode([]float32{0.5, 0.7, 0.7, 0.7})))

	d24, err := layoutOf(gputypes.TextureFormatDepth24PlusStencil8, vk.FormatD24UnormS8Uint)
	require.NoError(t, err)
	assert.True(t, d24.depth)
	assert.Equal(t, []float32{1, 0, 0, 1}, d24.decode(d24.encode([]float32{1, 0, 0, 0})))

	d32, err := layoutOf(gputypes.TextureFormatDepth24PlusStencil8, vk.FormatD32SfloatS8Uint)
	require.NoError(t, err)
	assert.Equal(t, vk.FormatD32SfloatS8Uint, d32.format)

	_, err = layoutOf(gputypes.TextureFormatUndefined, vk.FormatD24UnormS8Uint)
	assert.ErrorIs(t, err, core.ErrResourceCreationFailure)
}

func TestResultError(t *testing.T) {
	assert.NoError(t, resultError("op", vk.Success))
	assert.ErrorIs(t, resultError("op", vk.ErrorOutOfDeviceMemory), core.ErrResourceCreationFailure)
	assert.ErrorIs(t, resultError("op", vk.ErrorDeviceLost), core.ErrDeviceFailure)
}

// newTestBackend skips on machines without a Vulkan driver.
func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(Options{AppName: "anima-test"})
	if err != nil {
		t.Skipf("no Vulkan device: %v", err)
	}
	t.Cleanup(b.Destroy)
	return b
}

func TestTextureRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	native, err := b.CreateTexture(device.TextureDescription{
		Label: "roundtrip", Width: 2, Height: 2, MipLevels: 1, ArrayLayers: 1,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageTextureBinding | gputypes.TextureUsageCopySrc | gputypes.TextureUsageCopyDst,
	})
	require.NoError(t, err)
	defer native.Destroy()

	texels, err := b.ReadTexture(native, device.Subresource{})
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 16), texels)

	want := []float32{
		1, 0, 0, 1, 0, 1, 0, 1,
		0, 0, 1, 1, 1, 1, 1, 1,
	}
	require.NoError(t, b.WriteTexture(native, device.Subresource{}, want))
	texels, err = b.ReadTexture(native, device.Subresource{})
	require.NoError(t, err)
	assert.Equal(t, want, texels)

	_, err = b.ReadTexture(native, device.Subresource{MipLevel: 1})
	assert.ErrorIs(t, err, core.ErrInvalidHandleUse)
}

func TestRenderPassClears(t *testing.T) {
	b := newTestBackend(t)
	color, err := b.CreateTexture(device.TextureDescription{
		Label: "target", Width: 4, Height: 4, MipLevels: 1, ArrayLayers: 1,
		Format: gputypes.TextureFormatRGBA16Float,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
	})
	require.NoError(t, err)
	defer color.Destroy()

	clear := [4]float32{0.25, 0.5, 0.75, 1}
	target, err := b.CreateRenderTarget(device.RenderTargetDescription{
		Label:  "clear",
		Colors: []device.Attachment{{Load: gputypes.LoadOpClear, ClearColor: clear}},
	}, []device.Native{color}, nil)
	require.NoError(t, err)
	defer target.Destroy()

	cl, err := b.Begin()
	require.NoError(t, err)
	require.NoError(t, cl.BeginRenderPass(target, device.Viewport{Width: 4, Height: 4}))
	cl.EndRenderPass()
	value, err := b.Submit(cl)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), value)
	require.NoError(t, b.Wait(value, time.Second))
	assert.Equal(t, value, b.CompletedValue())

	texels, err := b.ReadTexture(color, device.Subresource{})
	require.NoError(t, err)
	for i := 0; i < len(texels); i += 4 {
		assert.Equal(t, clear[:], texels[i:i+4])
	}
}

func TestBindingSetLimit(t *testing.T) {
	b := newTestBackend(t)
	b.opts.MaxBindingSets = 1
	b.bindingSets = 1

	_, err := b.CreateBindingSet(&VulkanShader{backend: b}, nil)
	assert.ErrorIs(t, err, core.ErrResourceCreationFailure)

	b.bindingSets = 0
	_, err = b.CreateBindingSet(&VulkanShader{backend: b}, nil)
	assert.ErrorIs(t, err, core.ErrInvalidHandleUse)
}

func TestSubmitRejectsFailedRecording(t *testing.T) {
	b := newTestBackend(t)
	cl, err := b.Begin()
	require.NoError(t, err)
	assert.Error(t, cl.Draw(3, 1))
	_, err = b.Submit(cl)
	assert.ErrorIs(t, err, core.ErrDeviceFailure)
}
