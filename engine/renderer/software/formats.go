package software

import (
	"github.com/chewxy/math32"
	"github.com/gogpu/gputypes"
)

// channels returns how many colour channels a format stores.
func channels(f gputypes.TextureFormat) int {
	switch f {
	case gputypes.TextureFormatR8Unorm, gputypes.TextureFormatR16Float, gputypes.TextureFormatR32Float:
		return 1
	case gputypes.TextureFormatRG8Unorm, gputypes.TextureFormatRG16Float, gputypes.TextureFormatRG32Float:
		return 2
	}
	if f.HasDepth() {
		return 1
	}
	return 4
}

func bytesPerTexel(f gputypes.TextureFormat) uint64 {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return 1
	case gputypes.TextureFormatR16Float, gputypes.TextureFormatRG8Unorm, gputypes.TextureFormatDepth16Unorm:
		return 2
	case gputypes.TextureFormatRGBA16Float, gputypes.TextureFormatRG32Float, gputypes.TextureFormatDepth32FloatStencil8:
		return 8
	case gputypes.TextureFormatRGBA32Float:
		return 16
	}
	return 4
}

func isUnorm8(f gputypes.TextureFormat) bool {
	switch f {
	case gputypes.TextureFormatR8Unorm, gputypes.TextureFormatRG8Unorm,
		gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb:
		return true
	}
	return false
}

// quantize returns the value a texel of format f holds after storing c.
// Missing channels read back as 0, alpha as 1. 16-bit floats are kept at
// full precision.
func quantize(f gputypes.TextureFormat, c [4]float32) [4]float32 {
	out := [4]float32{0, 0, 0, 1}
	n := channels(f)
	for i := 0; i < n; i++ {
		v := c[i]
		if isUnorm8(f) {
			v = math32.Round(math32.Max(0, math32.Min(1, v))*255) / 255
		} else if f.HasDepth() {
			v = math32.Max(0, math32.Min(1, v))
		}
		out[i] = v
	}
	return out
}
