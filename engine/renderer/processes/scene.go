package processes

import (
	"github.com/chewxy/math32"

	"github.com/spaghettifunk/anima-deferred/engine/math"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/components"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
)

// MaxLights bounds the lights shaded per frame. Extra lights are ignored.
const MaxLights = 32

// lightStride is the packed size of one light: four vec4.
const lightStride = 64

// shadowDistance is the half extent of the orthographic volume of
// directional light shadows, centred on the camera.
const shadowDistance = 25

type LightType uint8

const (
	LightDirectional LightType = iota
	LightPoint
	LightSpot
)

type Light struct {
	Type      LightType
	Position  math.Vec3
	Direction math.Vec3
	Colour    math.Vec3
	Intensity float32
	// Range of point and spot lights.
	Range        float32
	CastsShadows bool
}

/** @brief Surface inputs of a mesh. Nil textures fall back to the defaults. */
type Material struct {
	Albedo            *resource.Handle[*device.Texture]
	Normal            *resource.Handle[*device.Texture]
	MetallicRoughness *resource.Handle[*device.Texture]
	Emissive          *resource.Handle[*device.Texture]
	BaseColour        math.Vec4
	Metallic          float32
	Roughness         float32
	EmissiveStrength  float32
}

/**
 * @brief A drawable mesh. Buffers hold packed math.Vertex3D vertices and
 * uint32 indices; the scene owner keeps the handles alive.
 */
type Mesh struct {
	Name       string
	Vertices   *resource.Handle[*device.Buffer]
	Indices    *resource.Handle[*device.Buffer]
	IndexCount uint32
	Model      math.Mat4
	Material   Material
	// Forward meshes are blended after lighting and cast no shadows.
	Forward bool
}

// Scene is the per frame input of the renderer. Nothing in it is retained.
type Scene struct {
	Camera *components.Camera
	Lights []Light
	Meshes []Mesh
	// Environment lights the scene when set.
	Environment *IrradianceResult
}

var defaultCamera = components.NewCamera()

func (s *Scene) camera() *components.Camera {
	if s.Camera != nil {
		return s.Camera
	}
	return defaultCamera
}

// shadowCasters returns the index of the lights that get a shadow slot, in
// scene order, and how many casters did not fit.
func shadowCasters(lights []Light, capacity int) ([]int, int) {
	var casters []int
	ignored := 0
	for i, l := range lights {
		if !l.CastsShadows {
			continue
		}
		if len(casters) < capacity {
			casters = append(casters, i)
		} else {
			ignored++
		}
	}
	return casters, ignored
}

// LightSpaceMatrix returns the view projection used to render the shadow map
// of light. Directional lights use an orthographic volume around focus.
func LightSpaceMatrix(light Light, focus math.Vec3) math.Mat4 {
	dir := light.Direction
	if dir.LengthSquared() == 0 {
		dir = math.NewVec3Down()
	}
	dir = dir.Normalized()
	up := math.NewVec3Up()
	if math32.Abs(dir.Dot(up)) > 0.99 {
		up = math.Vec3{Z: 1}
	}

	switch light.Type {
	case LightDirectional:
		eye := focus.Sub(dir.MulScalar(shadowDistance))
		view := math.NewMat4LookAt(eye, focus, up)
		proj := math.NewMat4Orthographic(-shadowDistance, shadowDistance, -shadowDistance, shadowDistance, 0.1, 2*shadowDistance)
		return view.Mul(proj)
	default:
		far := light.Range
		if far <= 0.1 {
			far = shadowDistance
		}
		view := math.NewMat4LookAt(light.Position, light.Position.Add(dir), up)
		proj := math.NewMat4Perspective(math.DegToRad(90), 1, 0.1, far)
		return view.Mul(proj)
	}
}

// packLights lays lights out as the lighting shader reads them. shadow maps
// a light index to its shadow slot.
func packLights(lights []Light, shadow map[int]int) ([]byte, int) {
	n := min(len(lights), MaxLights)
	out := make([]byte, 0, MaxLights*lightStride)
	for i := 0; i < n; i++ {
		l := lights[i]
		slot := float32(-1)
		if s, ok := shadow[i]; ok {
			slot = float32(s)
		}
		out = append(out, math.PackFloats(
			l.Position.X, l.Position.Y, l.Position.Z, float32(l.Type),
			l.Direction.X, l.Direction.Y, l.Direction.Z, l.Range,
			l.Colour.X, l.Colour.Y, l.Colour.Z, l.Intensity,
			slot, 0, 0, 0,
		)...)
	}
	return out, n
}
