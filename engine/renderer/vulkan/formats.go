//go:build vulkan

package vulkan

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"github.com/gogpu/gputypes"
	vk "github.com/goki/vulkan"

	"github.com/spaghettifunk/anima-deferred/engine/core"
)

// texelLayout describes how one texel of a native format is stored in a
// staging buffer.
type texelLayout struct {
	format   vk.Format
	channels int
	// size of one channel in bytes.
	size  int
	kind  texelKind
	swap  bool
	depth bool
}

type texelKind uint8

const (
	kindUnorm texelKind = iota
	kindHalf
	kindFloat
	// kindDepth24 is the depth aspect of a D24S8 image, packed in 32 bits.
	kindDepth24
)

func (l texelLayout) stride() int {
	return l.channels * l.size
}

func (l texelLayout) aspect() vk.ImageAspectFlags {
	if l.depth {
		return vk.ImageAspectFlags(vk.ImageAspectDepthBit)
	}
	return vk.ImageAspectFlags(vk.ImageAspectColorBit)
}

// layoutOf maps an engine format to its Vulkan format and texel layout.
// depthStencil is the device's choice for Depth24PlusStencil8.
func layoutOf(f gputypes.TextureFormat, depthStencil vk.Format) (texelLayout, error) {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return texelLayout{format: vk.FormatR8Unorm, channels: 1, size: 1}, nil
	case gputypes.TextureFormatRG8Unorm:
		return texelLayout{format: vk.FormatR8g8Unorm, channels: 2, size: 1}, nil
	case gputypes.TextureFormatRGBA8Unorm:
		return texelLayout{format: vk.FormatR8g8b8a8Unorm, channels: 4, size: 1}, nil
	case gputypes.TextureFormatRGBA8UnormSrgb:
		return texelLayout{format: vk.FormatR8g8b8a8Srgb, channels: 4, size: 1}, nil
	case gputypes.TextureFormatBGRA8Unorm:
		return texelLayout{format: vk.FormatB8g8r8a8Unorm, channels: 4, size: 1, swap: true}, nil
	case gputypes.TextureFormatBGRA8UnormSrgb:
		return texelLayout{format: vk.FormatB8g8r8a8Srgb, channels: 4, size: 1, swap: true}, nil
	case gputypes.TextureFormatR16Float:
		return texelLayout{format: vk.FormatR16Sfloat, channels: 1, size: 2, kind: kindHalf}, nil
	case gputypes.TextureFormatRG16Float:
		return texelLayout{format: vk.FormatR16g16Sfloat, channels: 2, size: 2, kind: kindHalf}, nil
	case gputypes.TextureFormatRGBA16Float:
		return texelLayout{format: vk.FormatR16g16b16a16Sfloat, channels: 4, size: 2, kind: kindHalf}, nil
	case gputypes.TextureFormatR32Float:
		return texelLayout{format: vk.FormatR32Sfloat, channels: 1, size: 4, kind: kindFloat}, nil
	case gputypes.TextureFormatRG32Float:
		return texelLayout{format: vk.FormatR32g32Sfloat, channels: 2, size: 4, kind: kindFloat}, nil
	case gputypes.TextureFormatRGBA32Float:
		return texelLayout{format: vk.FormatR32g32b32a32Sfloat, channels: 4, size: 4, kind: kindFloat}, nil
	case gputypes.TextureFormatDepth16Unorm:
		return texelLayout{format: vk.FormatD16Unorm, channels: 1, size: 2, depth: true}, nil
	case gputypes.TextureFormatDepth24Plus, gputypes.TextureFormatDepth32Float:
		return texelLayout{format: vk.FormatD32Sfloat, channels: 1, size: 4, kind: kindFloat, depth: true}, nil
	case gputypes.TextureFormatDepth32FloatStencil8:
		return texelLayout{format: vk.FormatD32SfloatS8Uint, channels: 1, size: 4, kind: kindFloat, depth: true}, nil
	case gputypes.TextureFormatDepth24PlusStencil8:
		if depthStencil == vk.FormatD32SfloatS8Uint {
			return texelLayout{format: depthStencil, channels: 1, size: 4, kind: kindFloat, depth: true}, nil
		}
		return texelLayout{format: vk.FormatD24UnormS8Uint, channels: 1, size: 4, kind: kindDepth24, depth: true}, nil
	}
	return texelLayout{}, fmt.Errorf("texture format %s: %w", f, core.ErrResourceCreationFailure)
}

// encode packs RGBA float texels into the staging layout of l.
func (l texelLayout) encode(texels []float32) []byte {
	n := len(texels) / 4
	out := make([]byte, n*l.stride())
	for i := 0; i < n; i++ {
		src := texels[i*4 : i*4+4]
		if l.swap {
			src = []float32{src[2], src[1], src[0], src[3]}
		}
		dst := out[i*l.stride():]
		for c := 0; c < l.channels; c++ {
			v := src[c]
			switch {
			case l.kind == kindDepth24:
				binary.LittleEndian.PutUint32(dst, uint32(math32.Round(clamp01(v)*0xFFFFFF)))
			case l.kind == kindFloat:
				binary.LittleEndian.PutUint32(dst[c*4:], math.Float32bits(v))
			case l.kind == kindHalf:
				binary.LittleEndian.PutUint16(dst[c*2:], floatToHalf(v))
			case l.size == 2:
				binary.LittleEndian.PutUint16(dst[c*2:], uint16(math32.Round(clamp01(v)*0xFFFF)))
			default:
				dst[c] = byte(math32.Round(clamp01(v) * 0xFF))
			}
		}
	}
	return out
}

// decode unpacks staging data into RGBA float texels. Missing channels read
// as 0 and alpha as 1.
func (l texelLayout) decode(data []byte) []float32 {
	n := len(data) / l.stride()
	out := make([]float32, n*4)
	for i := 0; i < n; i++ {
		src := data[i*l.stride():]
		texel := [4]float32{0, 0, 0, 1}
		for c := 0; c < l.channels; c++ {
			switch {
			case l.kind == kindDepth24:
				texel[c] = float32(binary.LittleEndian.Uint32(src)&0xFFFFFF) / 0xFFFFFF
			case l.kind == kindFloat:
				texel[c] = math.Float32frombits(binary.LittleEndian.Uint32(src[c*4:]))
			case l.kind == kindHalf:
				texel[c] = halfToFloat(binary.LittleEndian.Uint16(src[c*2:]))
			case l.size == 2:
				texel[c] = float32(binary.LittleEndian.Uint16(src[c*2:])) / 0xFFFF
			default:
				texel[c] = float32(src[c]) / 0xFF
			}
		}
		if l.swap {
			texel[0], texel[2] = texel[2], texel[0]
		}
		copy(out[i*4:], texel[:])
	}
	return out
}

func clamp01(v float32) float32 {
	return math32.Max(0, math32.Min(1, v))
}

// floatToHalf converts to IEEE 754 binary16, rounding to nearest even.
// Out of range values saturate to infinity.
func floatToHalf(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16(bits>>16) & 0x8000
	exp := int32(bits>>23&0xFF) - 127 + 15
	mant := bits & 0x7FFFFF

	switch {
	case bits&0x7FFFFFFF > 0x7F800000:
		return sign | 0x7E00
	case exp >= 0x1F:
		return sign | 0x7C00
	case exp <= 0:
		if exp < -10 {
			return sign
		}
		mant |= 0x800000
		shift := uint32(14 - exp)
		half := mant >> shift
		rest := mant & (1<<shift - 1)
		mid := uint32(1) << (shift - 1)
		if rest > mid || (rest == mid && half&1 == 1) {
			half++
		}
		return sign | uint16(half)
	}
	half := uint32(exp)<<10 | mant>>13
	rest := mant & 0x1FFF
	if rest > 0x1000 || (rest == 0x1000 && half&1 == 1) {
		half++
	}
	return sign | uint16(half)
}

func halfToFloat(h uint16) float32 {
	sign := uint32(h&0x8000) << 16
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h & 0x3FF)

	switch exp {
	case 0:
		if mant == 0 {
			return math.Float32frombits(sign)
		}
		// Subnormal: renormalise.
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		return math.Float32frombits(sign | e<<23 | (mant&0x3FF)<<13)
	case 0x1F:
		return math.Float32frombits(sign | 0x7F800000 | mant<<13)
	}
	return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
}
