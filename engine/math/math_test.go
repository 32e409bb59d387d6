package math

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint64(0), AlignUp[uint64](0, 256))
	assert.Equal(t, uint64(256), AlignUp[uint64](1, 256))
	assert.Equal(t, uint64(256), AlignUp[uint64](256, 256))
	assert.Equal(t, uint64(512), AlignUp[uint64](257, 256))
	assert.True(t, IsPowerOfTwo[uint32](32))
	assert.False(t, IsPowerOfTwo[uint32](24))
	assert.False(t, IsPowerOfTwo[uint32](0))
}

func TestMipCount(t *testing.T) {
	assert.Equal(t, uint32(6), MipCount(32))
	assert.Equal(t, uint32(1), MipCount(1))
	assert.Equal(t, uint32(0), MipCount(0))
}

func TestInverseOfTranslation(t *testing.T) {
	m := NewMat4Translation(NewVec3(1, 2, 3)).Mul(NewMat4Scale(NewVec3(2, 2, 2)))
	id := m.Mul(m.Inverse())
	for i, v := range NewMat4Identity().Data {
		assert.InDelta(t, v, id.Data[i], 1e-5, "element %d", i)
	}
	p := NewVec3(1, 1, 1).Transform(m)
	assert.True(t, p.Compare(NewVec3(4, 6, 8), 1e-5), "got %v", p)
}

func TestLookAtMovesTargetToNegativeZ(t *testing.T) {
	view := NewMat4LookAt(NewVec3(0, 0, 5), NewVec3Zero(), NewVec3Up())
	p := NewVec3Zero().Transform(view)
	assert.True(t, p.Compare(NewVec3(0, 0, -5), 1e-5), "got %v", p)
}

func TestCubeFaceViewsLookDownTheirAxis(t *testing.T) {
	dirs := []Vec3{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}}
	for i, view := range CubeFaceViews() {
		p := dirs[i].Transform(view)
		assert.True(t, p.Compare(NewVec3(0, 0, -1), 1e-5), "face %d got %v", i, p)
	}
}

func TestGenerateCube(t *testing.T) {
	vertices, indices := GenerateCube(2, 2, 2)
	assert.Len(t, vertices, 24)
	assert.Len(t, indices, 36)
	for _, v := range vertices {
		assert.InDelta(t, 1.0, v.Normal.Length(), 1e-6)
		assert.InDelta(t, 1.0, v.Tangent.ToVec3().Length(), 1e-5)
	}
	assert.Len(t, PackVertices(vertices), 24*Vertex3DSize)
	assert.Len(t, PackIndices(indices), 36*4)
	assert.Len(t, PackFloats(1, 2, 3), 12)
}

func TestGeneratePlaneWindsTowardItsNormal(t *testing.T) {
	vertices, indices := GeneratePlane(4, 2, 2, 1, 1, 1)
	assert.Len(t, vertices, 8)
	assert.Len(t, indices, 12)
	for i := 0; i < len(indices); i += 3 {
		a, b, c := vertices[indices[i]], vertices[indices[i+1]], vertices[indices[i+2]]
		n := b.Position.Sub(a.Position).Cross(c.Position.Sub(a.Position)).Normalized()
		assert.True(t, n.Compare(a.Normal, 1e-5), "triangle %d faces %v", i/3, n)
	}
	for _, v := range vertices {
		assert.InDelta(t, 0, v.Position.Y, 1e-6)
		assert.LessOrEqual(t, v.Position.X, float32(2))
		assert.GreaterOrEqual(t, v.Position.Z, float32(-1))
	}

	vertices, _ = GeneratePlane(1, 1, 0, 0, 1, 1)
	assert.Len(t, vertices, 4)
}
