package systems

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-deferred/engine/assets/loaders"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/math"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/components"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/software"
)

type sources struct {
	mu    sync.Mutex
	files map[string]string
}

func (s *sources) ReadShader(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.files[path]
	if !ok {
		return nil, fmt.Errorf("no shader %q", path)
	}
	return []byte(src), nil
}

func (s *sources) set(path, src string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[path] = src
}

func TestJobSystemRunAll(t *testing.T) {
	js, err := NewJobSystem(3, 2)
	require.NoError(t, err)

	var ran atomic.Int32
	boom := errors.New("boom")
	err = js.RunAll("test",
		func() error { ran.Add(1); return nil },
		func() error { ran.Add(1); return boom },
		func() error { ran.Add(1); return nil },
	)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), ran.Load())

	require.NoError(t, js.Shutdown())
	assert.ErrorIs(t, js.Submit(JobTask{OnStart: func() error { return nil }}), ErrJobSystemClosed)

	_, err = NewJobSystem(0, 1)
	assert.ErrorIs(t, err, ErrNoWorkers)
}

func TestShaderReloadIsAllOrNothing(t *testing.T) {
	src := &sources{files: map[string]string{
		"fullscreen.vert": "#version 450\nvoid main() {}\n",
		"tonemap.frag":    "#version 450\nvoid main() {}\n",
		"blur.comp":       "#version 450\nvoid main() {}\n",
	}}
	tracker := resource.NewTracker()
	dev := device.New(software.New(software.Options{}), tracker, src)
	js, err := NewJobSystem(2, 4)
	require.NoError(t, err)
	ss, err := NewShaderSystem(&ShaderSystemConfig{MaxShaderCount: 2}, js, dev)
	require.NoError(t, err)

	require.NoError(t, ss.Register("tonemap", device.ShaderDescription{Vertex: "fullscreen.vert", Fragment: "tonemap.frag"}, device.DefaultPipelineState()))
	require.NoError(t, ss.Register("blur", device.ShaderDescription{Compute: "blur.comp"}, device.PipelineState{}))
	assert.ErrorIs(t, ss.Register("extra", device.ShaderDescription{Compute: "blur.comp"}, device.PipelineState{}), core.ErrCapacityExceeded)

	before, err := ss.Pipeline("tonemap")
	require.NoError(t, err)
	_, err = ss.Pipeline("blur")
	assert.ErrorIs(t, err, core.ErrInvalidHandleUse)

	src.set("blur.comp", "#version 450\n")
	err = ss.Reload()
	assert.ErrorIs(t, err, core.ErrShaderCompileFailure)
	assert.Equal(t, uint64(0), ss.Generation())
	kept, err := ss.Pipeline("tonemap")
	require.NoError(t, err)
	assert.Same(t, before, kept)
	assert.True(t, before.Valid())

	src.set("blur.comp", "#version 450\nvoid main() {}\n")
	require.NoError(t, ss.Reload())
	assert.Equal(t, uint64(1), ss.Generation())
	after, err := ss.Pipeline("tonemap")
	require.NoError(t, err)
	assert.NotSame(t, before, after)
	assert.False(t, before.Valid())

	require.NoError(t, ss.Shutdown())
	require.NoError(t, js.Shutdown())
	assert.Empty(t, tracker.Live())
}

type images map[string]*loaders.ImageResourceData

func (m images) LoadImage(path string, _ *loaders.ImageResourceParams) (*loaders.ImageResourceData, error) {
	img, ok := m[path]
	if !ok {
		return nil, fmt.Errorf("no image %q", path)
	}
	return img, nil
}

func TestTextureSystem(t *testing.T) {
	tracker := resource.NewTracker()
	dev := device.New(software.New(software.Options{}), tracker, nil)
	ts, err := NewTextureSystem(&TextureSystemConfig{MaxTextureCount: 4}, images{
		"sky.pfm": {Width: 1, Height: 1, HDR: true, Pixels: []float32{4, 2, 1, 1}},
	}, dev)
	require.NoError(t, err)

	normal, err := dev.ReadPixel(ts.Default(DefaultTextureNormal), device.Subresource{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, float32(1), normal[2])
	assert.InDelta(t, 0.5, normal[0], 1.0/255)

	sky, err := ts.Acquire("sky.pfm")
	require.NoError(t, err)
	again, err := ts.Acquire("sky.pfm")
	require.NoError(t, err)
	assert.Same(t, sky, again)
	assert.Equal(t, gputypes.TextureFormatRGBA32Float, sky.MustGet().Description.Format)
	texel, err := dev.ReadPixel(sky, device.Subresource{}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, [4]float32{4, 2, 1, 1}, texel)

	_, err = ts.Acquire("missing.png")
	assert.Error(t, err)

	ts.Release("sky.pfm")
	assert.True(t, sky.Valid())
	sky.Release()
	again.Release()
	assert.False(t, sky.Valid())

	require.NoError(t, ts.Shutdown())
	assert.Empty(t, tracker.Live())
}

func TestGeometrySystem(t *testing.T) {
	tracker := resource.NewTracker()
	dev := device.New(software.New(software.Options{}), tracker, nil)
	gs, err := NewGeometrySystem(&GeometrySystemConfig{MaxGeometryCount: 2}, dev)
	require.NoError(t, err)
	require.NotNil(t, gs.DefaultGeometry)
	assert.Equal(t, uint32(36), gs.DefaultGeometry.IndexCount)
	assert.Equal(t, math.NewVec3(-0.5, -0.5, -0.5), gs.DefaultGeometry.Min)

	cube, err := gs.AcquireFromConfig(GenerateCubeConfig(2, 4, 2, "box"), true)
	require.NoError(t, err)
	assert.Equal(t, math.NewVec3(1, 2, 1), cube.Max)
	again, err := gs.AcquireFromConfig(GenerateCubeConfig(2, 4, 2, "box"), true)
	require.NoError(t, err)
	assert.Same(t, cube, again)

	plane, err := gs.AcquireFromConfig(GeneratePlaneConfig(4, 4, 2, 2, 1, 1, "floor"), false)
	require.NoError(t, err)
	assert.Equal(t, uint32(24), plane.IndexCount)

	_, err = gs.AcquireFromConfig(GenerateCubeConfig(1, 1, 1, "extra"), true)
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)
	_, err = gs.AcquireFromConfig(GenerateCubeConfig(1, 1, 1, DefaultGeometryName), true)
	assert.Error(t, err)

	vertices := cube.Vertices
	gs.Release("box")
	assert.True(t, vertices.Valid())
	gs.Release("box")
	assert.False(t, vertices.Valid())
	_, err = gs.Acquire("box")
	assert.Error(t, err)

	// Not auto released: survives its last reference.
	gs.Release("floor")
	assert.True(t, plane.Vertices.Valid())
	kept, err := gs.Acquire("floor")
	require.NoError(t, err)
	assert.Same(t, plane, kept)

	require.NoError(t, gs.Shutdown())
	assert.Empty(t, tracker.Live())
}

func TestCameraSystem(t *testing.T) {
	cs, err := NewCameraSystem(&CameraSystemConfig{MaxCameraCount: 1})
	require.NoError(t, err)

	def, err := cs.Acquire(components.DEFAULT_CAMERA_NAME)
	require.NoError(t, err)
	assert.Same(t, cs.GetDefault(), def)

	world, err := cs.Acquire("world")
	require.NoError(t, err)
	world.SetPosition(math.NewVec3(1, 2, 3))
	same, err := cs.Acquire("world")
	require.NoError(t, err)
	assert.Same(t, world, same)

	_, err = cs.Acquire("other")
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)

	cs.Release("world")
	assert.Equal(t, math.NewVec3(1, 2, 3), world.GetPosition())
	cs.Release("world")
	assert.Equal(t, math.NewVec3Zero(), world.GetPosition())

	other, err := cs.Acquire("other")
	require.NoError(t, err)
	assert.NotSame(t, world, other)
	require.NoError(t, cs.Shutdown())
}
