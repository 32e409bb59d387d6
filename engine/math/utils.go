package math

import (
	"math/bits"

	"github.com/chewxy/math32"
	"golang.org/x/exp/constraints"
)

const (
	Pi = math32.Pi
)

// Clamp returns the value `f` clamped to the range [low, high].
// It works for any numeric type (integers and floats).
func Clamp[T constraints.Ordered](f, low, high T) T {
	if f < low {
		return low
	}
	if f > high {
		return high
	}
	return f
}

// AlignUp rounds v up to the next multiple of alignment, which must be a power of two.
func AlignUp[T constraints.Unsigned](v, alignment T) T {
	return (v + alignment - 1) &^ (alignment - 1)
}

func IsPowerOfTwo[T constraints.Unsigned](v T) bool {
	return v != 0 && v&(v-1) == 0
}

// MipCount returns the number of mip levels of a full chain for size.
func MipCount(size uint32) uint32 {
	return uint32(bits.Len32(size))
}

func Lerp(a, b, t float32) float32 {
	return a + t*(b-a)
}

func DegToRad(degrees float32) float32 {
	return degrees * Pi / 180.0
}

func RadToDeg(radians float32) float32 {
	return radians * 180.0 / Pi
}

func math32Bits(f float32) uint32 {
	return math32.Float32bits(f)
}
