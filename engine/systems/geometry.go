package systems

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/math"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
)

const DefaultGeometryName = "default_cube"

type GeometrySystemConfig struct {
	/**
	 * @brief NOTE: Should be significantly greater than the number of static meshes because
	 * the there can and will be more than one of these per mesh.
	 * Take other systems into account as well.
	 */
	MaxGeometryCount uint32
}

/** @brief Vertex and index data to upload as a named geometry. */
type GeometryConfig struct {
	Name     string
	Vertices []math.Vertex3D
	Indices  []uint32
}

/**
 * @brief Uploaded mesh buffers. The handles stay owned by the system; retain
 * them to keep a geometry alive past its release.
 */
type Geometry struct {
	Name       string
	Vertices   *resource.Handle[*device.Buffer]
	Indices    *resource.Handle[*device.Buffer]
	IndexCount uint32
	// Extents of the vertex positions.
	Min math.Vec3
	Max math.Vec3
}

type geometryReference struct {
	geometry       *Geometry
	referenceCount uint32
	autoRelease    bool
}

type GeometrySystem struct {
	Config          *GeometrySystemConfig
	DefaultGeometry *Geometry
	registered      map[string]*geometryReference
	mutex           sync.Mutex
	device          *device.Device
}

func NewGeometrySystem(config *GeometrySystemConfig, dev *device.Device) (*GeometrySystem, error) {
	if config.MaxGeometryCount == 0 {
		err := fmt.Errorf("func NewGeometrySystem - config.MaxGeometryCount must be > 0")
		core.LogWarn(err.Error())
		return nil, err
	}
	gs := &GeometrySystem{
		Config:     config,
		registered: make(map[string]*geometryReference),
		device:     dev,
	}
	vertices, indices := math.GenerateCube(1, 1, 1)
	g, err := gs.upload(GeometryConfig{Name: DefaultGeometryName, Vertices: vertices, Indices: indices})
	if err != nil {
		return nil, fmt.Errorf("failed to create default geometry: %w", err)
	}
	gs.DefaultGeometry = g
	return gs, nil
}

// GenerateCubeConfig builds a cube centred on the origin.
func GenerateCubeConfig(width, height, depth float32, name string) GeometryConfig {
	if width == 0 || height == 0 || depth == 0 {
		core.LogWarn("cube %q extents must be nonzero, defaulting to one", name)
		width, height, depth = max(width, 1), max(height, 1), max(depth, 1)
	}
	vertices, indices := math.GenerateCube(width, height, depth)
	return GeometryConfig{Name: name, Vertices: vertices, Indices: indices}
}

// GeneratePlaneConfig builds a plane on XZ facing up.
func GeneratePlaneConfig(width, depth float32, xSegments, zSegments uint32, tileX, tileZ float32, name string) GeometryConfig {
	if tileX == 0 || tileZ == 0 {
		core.LogWarn("plane %q tiling must be nonzero, defaulting to one", name)
		tileX, tileZ = max(tileX, 1), max(tileZ, 1)
	}
	vertices, indices := math.GeneratePlane(width, depth, xSegments, zSegments, tileX, tileZ)
	return GeometryConfig{Name: name, Vertices: vertices, Indices: indices}
}

/**
 * @brief Registers and acquires a new geometry using the given config. A name
 * already registered is acquired again without uploading.
 *
 * @param config The geometry configuration.
 * @param autoRelease Indicates if the geometry should be destroyed when its reference count reaches 0.
 */
func (gs *GeometrySystem) AcquireFromConfig(config GeometryConfig, autoRelease bool) (*Geometry, error) {
	if config.Name == "" || config.Name == DefaultGeometryName {
		return nil, fmt.Errorf("geometry needs a name other than %q", DefaultGeometryName)
	}
	gs.mutex.Lock()
	defer gs.mutex.Unlock()

	if ref, ok := gs.registered[config.Name]; ok {
		ref.referenceCount++
		return ref.geometry, nil
	}
	if uint32(len(gs.registered)) >= gs.Config.MaxGeometryCount {
		return nil, fmt.Errorf("geometry %q: adjust configuration to allow more space: %w", config.Name, core.ErrCapacityExceeded)
	}
	g, err := gs.upload(config)
	if err != nil {
		return nil, err
	}
	gs.registered[config.Name] = &geometryReference{geometry: g, referenceCount: 1, autoRelease: autoRelease}
	return g, nil
}

// Acquire returns a geometry registered earlier.
func (gs *GeometrySystem) Acquire(name string) (*Geometry, error) {
	if name == DefaultGeometryName {
		return gs.DefaultGeometry, nil
	}
	gs.mutex.Lock()
	defer gs.mutex.Unlock()
	ref, ok := gs.registered[name]
	if !ok {
		return nil, fmt.Errorf("geometry %q is not registered", name)
	}
	ref.referenceCount++
	return ref.geometry, nil
}

/**
 * @brief Releases a reference to the named geometry. Auto released geometry
 * is destroyed with its last reference, the rest lives until Shutdown.
 */
func (gs *GeometrySystem) Release(name string) {
	if name == DefaultGeometryName {
		return
	}
	gs.mutex.Lock()
	defer gs.mutex.Unlock()
	ref, ok := gs.registered[name]
	if !ok {
		core.LogWarn("geometry release cannot find %q, nothing was done", name)
		return
	}
	if ref.referenceCount > 0 {
		ref.referenceCount--
	}
	if ref.referenceCount == 0 && ref.autoRelease {
		ref.geometry.destroy()
		delete(gs.registered, name)
	}
}

func (gs *GeometrySystem) Shutdown() error {
	gs.mutex.Lock()
	defer gs.mutex.Unlock()
	for name, ref := range gs.registered {
		ref.geometry.destroy()
		delete(gs.registered, name)
	}
	if gs.DefaultGeometry != nil {
		gs.DefaultGeometry.destroy()
		gs.DefaultGeometry = nil
	}
	return nil
}

func (gs *GeometrySystem) upload(config GeometryConfig) (*Geometry, error) {
	if len(config.Vertices) == 0 || len(config.Indices) == 0 {
		return nil, fmt.Errorf("geometry %q has no vertices or indices", config.Name)
	}
	vertexData, indexData := math.PackVertices(config.Vertices), math.PackIndices(config.Indices)
	vb, err := gs.device.CreateBuffer(device.BufferDescription{
		Label: config.Name + "_vertices",
		Size:  uint64(len(vertexData)),
		Usage: gputypes.BufferUsageVertex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	ib, err := gs.device.CreateBuffer(device.BufferDescription{
		Label: config.Name + "_indices",
		Size:  uint64(len(indexData)),
		Usage: gputypes.BufferUsageIndex | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		vb.Release()
		return nil, err
	}
	g := &Geometry{Name: config.Name, Vertices: vb, Indices: ib, IndexCount: uint32(len(config.Indices))}
	if err := gs.device.WriteBuffer(vb, 0, vertexData); err != nil {
		g.destroy()
		return nil, fmt.Errorf("upload %s: %w", config.Name, err)
	}
	if err := gs.device.WriteBuffer(ib, 0, indexData); err != nil {
		g.destroy()
		return nil, fmt.Errorf("upload %s: %w", config.Name, err)
	}
	g.Min, g.Max = config.Vertices[0].Position, config.Vertices[0].Position
	for _, v := range config.Vertices[1:] {
		g.Min = math.NewVec3(min(g.Min.X, v.Position.X), min(g.Min.Y, v.Position.Y), min(g.Min.Z, v.Position.Z))
		g.Max = math.NewVec3(max(g.Max.X, v.Position.X), max(g.Max.Y, v.Position.Y), max(g.Max.Z, v.Position.Z))
	}
	core.LogDebug("geometry %q uploaded (%d vertices, %d indices)", config.Name, len(config.Vertices), len(config.Indices))
	return g, nil
}

func (g *Geometry) destroy() {
	resource.ReleaseAll(g.Vertices, g.Indices)
	g.Vertices, g.Indices = nil, nil
}
