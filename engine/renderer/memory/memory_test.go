package memory

import (
	"encoding/binary"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-deferred/engine/config"
	"github.com/spaghettifunk/anima-deferred/engine/core"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/device"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/resource"
	"github.com/spaghettifunk/anima-deferred/engine/renderer/software"
)

func newPool(t *testing.T, latency uint64, frames int) (*software.Backend, *device.Device, *ShaderMemoryPool) {
	t.Helper()
	backend := software.New(software.Options{Latency: latency})
	dev := device.New(backend, resource.NewTracker(), nil)
	pool, err := NewShaderMemoryPool(dev, config.MemoryConfig{ChunkSize: 1024, Alignment: 256}, frames)
	require.NoError(t, err)
	return backend, dev, pool
}

func submit(t *testing.T, dev *device.Device, pool *ShaderMemoryPool) uint64 {
	t.Helper()
	require.NoError(t, dev.BeginCommands())
	value, err := dev.Submit()
	require.NoError(t, err)
	pool.Submit(value)
	return value
}

func TestAllocateIsStableAcrossFrames(t *testing.T) {
	_, dev, pool := newPool(t, 0, 2)
	defer dev.Destroy()
	defer pool.Destroy()
	id := device.RegionID{Name: "gbuffer", Index: 0}

	require.NoError(t, pool.BeginFrame(0))
	first, err := pool.Allocate(id, 64)
	require.NoError(t, err)
	assert.Equal(t, uint64(256), first.Size)
	submit(t, dev, pool)

	require.NoError(t, pool.BeginFrame(1))
	other, err := pool.Allocate(id, 64)
	require.NoError(t, err)
	assert.NotEqual(t, first.Chunk, other.Chunk, "frame slots own separate chunks")
	submit(t, dev, pool)

	require.NoError(t, pool.BeginFrame(0))
	again, err := pool.Allocate(id, 64)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	moved, err := pool.Allocate(id, 512)
	require.NoError(t, err)
	assert.NotEqual(t, first.Offset, moved.Offset)
	assert.Equal(t, uint64(512), moved.Size)
}

func TestRegionsUnusedForAFrameAreDropped(t *testing.T) {
	_, dev, pool := newPool(t, 0, 1)
	defer dev.Destroy()
	defer pool.Destroy()

	require.NoError(t, pool.BeginFrame(0))
	_, err := pool.Allocate(device.RegionID{Name: "a"}, 256)
	require.NoError(t, err)
	_, err = pool.Allocate(device.RegionID{Name: "b"}, 256)
	require.NoError(t, err)
	submit(t, dev, pool)
	assert.Equal(t, 2, pool.Stats().Regions)

	require.NoError(t, pool.BeginFrame(0))
	_, err = pool.Allocate(device.RegionID{Name: "a"}, 256)
	require.NoError(t, err)
	submit(t, dev, pool)

	require.NoError(t, pool.BeginFrame(0))
	assert.Equal(t, 1, pool.Stats().Regions)
}

func TestWritesNeverAliasInFlightFrames(t *testing.T) {
	backend, dev, pool := newPool(t, 2, 2)
	defer dev.Destroy()
	defer pool.Destroy()
	id := device.RegionID{Name: "lighting"}

	payload := func(v uint32) []byte {
		b := make([]byte, 16)
		binary.LittleEndian.PutUint32(b, v)
		return b
	}

	require.NoError(t, pool.BeginFrame(0))
	slot0, err := pool.AllocateUniform(id, payload(10))
	require.NoError(t, err)
	submit(t, dev, pool)

	require.NoError(t, pool.BeginFrame(1))
	slot1, err := pool.AllocateUniform(id, payload(20))
	require.NoError(t, err)
	submit(t, dev, pool)
	assert.NotEqual(t, slot0.Buffer.ID(), slot1.Buffer.ID())

	// Slot 0 is reused before its submission retired.
	require.NoError(t, pool.BeginFrame(0))
	token, err := pool.Allocate(id, 16)
	require.NoError(t, err)
	err = pool.Write(token, payload(30))
	assert.ErrorIs(t, err, ErrChunkInFlight)

	buf, err := slot0.Buffer.Get()
	require.NoError(t, err)
	data, err := backend.ReadBuffer(buf.Native)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), binary.LittleEndian.Uint32(data[slot0.Offset:]))

	backend.Advance()
	require.NoError(t, pool.Write(token, payload(30)))
	data, err = backend.ReadBuffer(buf.Native)
	require.NoError(t, err)
	assert.Equal(t, uint32(30), binary.LittleEndian.Uint32(data[token.Offset:]))
}

func TestAllocateLimits(t *testing.T) {
	_, dev, pool := newPool(t, 0, 1)
	defer dev.Destroy()
	defer pool.Destroy()
	require.NoError(t, pool.BeginFrame(0))

	_, err := pool.Allocate(device.RegionID{Name: "huge"}, 4096)
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)

	token, err := pool.Allocate(device.RegionID{Name: "small"}, 16)
	require.NoError(t, err)
	assert.ErrorIs(t, pool.Write(token, make([]byte, 512)), core.ErrCapacityExceeded)

	for i := uint32(0); i < 5; i++ {
		_, err := pool.Allocate(device.RegionID{Name: "many", Index: i}, 256)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, pool.Stats().Chunks)

	assert.ErrorIs(t, pool.BeginFrame(3), core.ErrCapacityExceeded)
}

func TestBindingCacheSharesEqualDescriptions(t *testing.T) {
	tracker := resource.NewTracker()
	dev := device.New(software.New(software.Options{}), tracker, nil)
	cache := NewBindingCache(tracker)

	tex := func(label string) *resource.Handle[*device.Texture] {
		h, err := dev.CreateTexture(device.TextureDescription{Label: label, Width: 1, Height: 1, Format: gputypes.TextureFormatRGBA8Unorm})
		require.NoError(t, err)
		return h
	}
	albedo, normal := tex("albedo"), tex("normal")
	shader := resource.New(tracker, resource.KindShader, "lighting", nil, &device.Shader{}, func(*device.Shader) {})

	created := 0
	resolve := func(texture *resource.Handle[*device.Texture]) *resource.Handle[*device.BindingSet] {
		desc := device.BindingSetDescription{
			Shader:  shader.ID(),
			Entries: []device.BindingEntry{{Binding: 1, Kind: device.SlotTexture, Resource: texture.ID()}},
		}
		set, err := cache.Resolve(desc, func() (*resource.Handle[*device.BindingSet], error) {
			created++
			return resource.New(tracker, resource.KindBindingSet, "lighting", desc, &device.BindingSet{Description: desc}, func(*device.BindingSet) {}), nil
		})
		require.NoError(t, err)
		return set
	}

	a := resolve(albedo)
	b := resolve(albedo)
	c := resolve(normal)
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, created)
	assert.Equal(t, uint64(1), cache.Hits())
	assert.Equal(t, uint64(2), cache.Misses())

	normal.Release()
	assert.Equal(t, 1, cache.Len())
	assert.False(t, c.Valid())

	cache.Clear()
	assert.False(t, a.Valid())
	albedo.Release()
	shader.Release()
	assert.Empty(t, tracker.Live())
	dev.Destroy()
}

func TestBindingCacheDefersEvictedSets(t *testing.T) {
	tracker := resource.NewTracker()
	dev := device.New(software.New(software.Options{}), tracker, nil)
	cache := NewBindingCache(tracker)

	texture, err := dev.CreateTexture(device.TextureDescription{Label: "shadow", Width: 1, Height: 1, Format: gputypes.TextureFormatRGBA8Unorm})
	require.NoError(t, err)
	shader := resource.New(tracker, resource.KindShader, "lighting", nil, &device.Shader{}, func(*device.Shader) {})
	desc := device.BindingSetDescription{
		Shader:  shader.ID(),
		Entries: []device.BindingEntry{{Binding: 1, Kind: device.SlotTexture, Resource: texture.ID()}},
	}
	set, err := cache.Resolve(desc, func() (*resource.Handle[*device.BindingSet], error) {
		return resource.New(tracker, resource.KindBindingSet, "lighting", desc, &device.BindingSet{Description: desc}, func(*device.BindingSet) {}), nil
	})
	require.NoError(t, err)

	var deferred []resource.Releaser
	cache.SetReleaser(func(rs ...resource.Releaser) { deferred = append(deferred, rs...) })

	texture.Release()
	assert.Zero(t, cache.Len())
	require.Len(t, deferred, 1)
	assert.True(t, set.Valid(), "an evicted set lives until its frame retires")

	resource.ReleaseAll(deferred...)
	assert.False(t, set.Valid())

	cache.SetReleaser(nil)
	shader.Release()
	assert.Empty(t, tracker.Live())
	dev.Destroy()
}
