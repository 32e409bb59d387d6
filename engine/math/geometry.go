package math

import "encoding/binary"

/**
 * @brief Generates a cube of the given extents centred on the origin. Each face
 * has its own four vertices so normals, texture coordinates and tangents are flat.
 */
func GenerateCube(width, height, depth float32) ([]Vertex3D, []uint32) {
	hw, hh, hd := width*0.5, height*0.5, depth*0.5

	type face struct {
		normal  Vec3
		corners [4]Vec3
	}
	faces := [6]face{
		{Vec3{0, 0, 1}, [4]Vec3{{-hw, -hh, hd}, {hw, -hh, hd}, {hw, hh, hd}, {-hw, hh, hd}}},
		{Vec3{0, 0, -1}, [4]Vec3{{hw, -hh, -hd}, {-hw, -hh, -hd}, {-hw, hh, -hd}, {hw, hh, -hd}}},
		{Vec3{-1, 0, 0}, [4]Vec3{{-hw, -hh, -hd}, {-hw, -hh, hd}, {-hw, hh, hd}, {-hw, hh, -hd}}},
		{Vec3{1, 0, 0}, [4]Vec3{{hw, -hh, hd}, {hw, -hh, -hd}, {hw, hh, -hd}, {hw, hh, hd}}},
		{Vec3{0, -1, 0}, [4]Vec3{{-hw, -hh, -hd}, {hw, -hh, -hd}, {hw, -hh, hd}, {-hw, -hh, hd}}},
		{Vec3{0, 1, 0}, [4]Vec3{{-hw, hh, hd}, {hw, hh, hd}, {hw, hh, -hd}, {-hw, hh, -hd}}},
	}
	uvs := [4]Vec2{{0, 0}, {1, 0}, {1, 1}, {0, 1}}

	vertices := make([]Vertex3D, 0, 24)
	indices := make([]uint32, 0, 36)
	for f, fc := range faces {
		base := uint32(f * 4)
		for i, p := range fc.corners {
			vertices = append(vertices, Vertex3D{Position: p, Normal: fc.normal, Texcoord: uvs[i]})
		}
		indices = append(indices, base, base+1, base+2, base, base+2, base+3)
	}
	GeometryGenerateTangents(vertices, indices)
	return vertices, indices
}

// GeneratePlane generates a plane on XZ facing +Y, centred on the origin and
// split into xSegments by zSegments quads. Texture coordinates repeat tileX
// and tileZ times.
func GeneratePlane(width, depth float32, xSegments, zSegments uint32, tileX, tileZ float32) ([]Vertex3D, []uint32) {
	xSegments, zSegments = max(xSegments, 1), max(zSegments, 1)
	segWidth, segDepth := width/float32(xSegments), depth/float32(zSegments)
	hw, hd := width*0.5, depth*0.5

	vertices := make([]Vertex3D, 0, xSegments*zSegments*4)
	indices := make([]uint32, 0, xSegments*zSegments*6)
	up := Vec3{0, 1, 0}
	for z := uint32(0); z < zSegments; z++ {
		for x := uint32(0); x < xSegments; x++ {
			minX := float32(x)*segWidth - hw
			minZ := float32(z)*segDepth - hd
			maxX, maxZ := minX+segWidth, minZ+segDepth
			minU := float32(x) / float32(xSegments) * tileX
			minV := float32(z) / float32(zSegments) * tileZ
			maxU := float32(x+1) / float32(xSegments) * tileX
			maxV := float32(z+1) / float32(zSegments) * tileZ

			base := uint32(len(vertices))
			vertices = append(vertices,
				Vertex3D{Position: Vec3{minX, 0, minZ}, Normal: up, Texcoord: Vec2{minU, minV}},
				Vertex3D{Position: Vec3{maxX, 0, maxZ}, Normal: up, Texcoord: Vec2{maxU, maxV}},
				Vertex3D{Position: Vec3{minX, 0, maxZ}, Normal: up, Texcoord: Vec2{minU, maxV}},
				Vertex3D{Position: Vec3{maxX, 0, minZ}, Normal: up, Texcoord: Vec2{maxU, minV}},
			)
			indices = append(indices, base, base+2, base+1, base, base+1, base+3)
		}
	}
	GeometryGenerateTangents(vertices, indices)
	return vertices, indices
}

// GeometryGenerateTangents computes a per-triangle tangent from positions and texture coordinates.
func GeometryGenerateTangents(vertices []Vertex3D, indices []uint32) {
	for i := 0; i+2 < len(indices); i += 3 {
		i0, i1, i2 := indices[i], indices[i+1], indices[i+2]

		edge1 := vertices[i1].Position.Sub(vertices[i0].Position)
		edge2 := vertices[i2].Position.Sub(vertices[i0].Position)

		deltaU1 := vertices[i1].Texcoord.X - vertices[i0].Texcoord.X
		deltaV1 := vertices[i1].Texcoord.Y - vertices[i0].Texcoord.Y
		deltaU2 := vertices[i2].Texcoord.X - vertices[i0].Texcoord.X
		deltaV2 := vertices[i2].Texcoord.Y - vertices[i0].Texcoord.Y

		dividend := deltaU1*deltaV2 - deltaU2*deltaV1
		if dividend == 0 {
			continue
		}
		fc := 1.0 / dividend
		tangent := Vec3{
			X: fc * (deltaV2*edge1.X - deltaV1*edge2.X),
			Y: fc * (deltaV2*edge1.Y - deltaV1*edge2.Y),
			Z: fc * (deltaV2*edge1.Z - deltaV1*edge2.Z),
		}.Normalized()

		sx, sy := deltaU1, deltaU2
		tx, ty := deltaV1, deltaV2
		handedness := float32(1.0)
		if (tx*sx - ty*sy) < 0 {
			handedness = -1.0
		}
		t4 := tangent.ToVec4(handedness)
		vertices[i0].Tangent = t4
		vertices[i1].Tangent = t4
		vertices[i2].Tangent = t4
	}
}

// PackVertices serialises vertices into the little-endian layout the mesh pipelines expect.
func PackVertices(vertices []Vertex3D) []byte {
	out := make([]byte, 0, len(vertices)*Vertex3DSize)
	for _, v := range vertices {
		for _, f := range [...]float32{
			v.Position.X, v.Position.Y, v.Position.Z,
			v.Normal.X, v.Normal.Y, v.Normal.Z,
			v.Texcoord.X, v.Texcoord.Y,
			v.Tangent.X, v.Tangent.Y, v.Tangent.Z, v.Tangent.W,
		} {
			out = binary.LittleEndian.AppendUint32(out, math32Bits(f))
		}
	}
	return out
}

// PackIndices serialises 32-bit indices little-endian.
func PackIndices(indices []uint32) []byte {
	out := make([]byte, 0, len(indices)*4)
	for _, i := range indices {
		out = binary.LittleEndian.AppendUint32(out, i)
	}
	return out
}

// PackFloats serialises a float32 slice little-endian, the layout of shader properties.
func PackFloats(values ...float32) []byte {
	out := make([]byte, 0, len(values)*4)
	for _, f := range values {
		out = binary.LittleEndian.AppendUint32(out, math32Bits(f))
	}
	return out
}
