package resource

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-deferred/engine/core"
)

type nativeTexture struct {
	name string
}

func TestHandleDestroysAtZero(t *testing.T) {
	tracker := NewTracker()
	destroyed := 0
	h := New(tracker, KindTexture, "albedo", "desc", &nativeTexture{name: "albedo"}, func(*nativeTexture) { destroyed++ })

	assert.Equal(t, int32(1), h.RefCount())
	other := h.Retain()
	require.Same(t, h, other)
	assert.Equal(t, int32(2), h.RefCount())

	h.Release()
	assert.Equal(t, 0, destroyed)
	obj, err := other.Get()
	require.NoError(t, err)
	assert.Equal(t, "albedo", obj.name)
	assert.Equal(t, "desc", other.Description())

	other.Release()
	assert.Equal(t, 1, destroyed)
	assert.Equal(t, int32(0), h.RefCount())
	assert.False(t, h.Valid())

	_, err = h.Get()
	assert.ErrorIs(t, err, core.ErrInvalidHandleUse)

	// releasing or retaining a dead handle is harmless
	h.Release()
	assert.Nil(t, h.Retain())
	assert.Equal(t, 1, destroyed)
	assert.Empty(t, tracker.Live())
}

func TestNilHandle(t *testing.T) {
	var h *Handle[*nativeTexture]
	_, err := h.Get()
	assert.ErrorIs(t, err, core.ErrInvalidHandleUse)
	assert.False(t, h.Valid())
	assert.Equal(t, uuid.Nil, h.ID())
	h.Release()
	assert.Nil(t, h.Retain())
}

func TestSetHasCopySemantics(t *testing.T) {
	tracker := NewTracker()
	a := New(tracker, KindBuffer, "a", nil, 1, nil)
	b := New(tracker, KindBuffer, "b", nil, 2, nil)

	var slot *Handle[int]
	Set(&slot, a)
	assert.Equal(t, int32(2), a.RefCount())
	Set(&slot, b)
	assert.Equal(t, int32(1), a.RefCount())
	assert.Equal(t, int32(2), b.RefCount())
	Set(&slot, nil)
	assert.Nil(t, slot)
	assert.Equal(t, int32(1), b.RefCount())

	ReleaseAll(a, b)
	assert.Empty(t, tracker.Live())
}

func TestTrackerHooksAndLeaks(t *testing.T) {
	tracker := NewTracker()
	var released []uuid.UUID
	tracker.OnRelease(func(id uuid.UUID) { released = append(released, id) })

	a := New(tracker, KindShader, "mrt", nil, "a", nil)
	b := New(tracker, KindPipeline, "mrt", nil, "b", nil)
	assert.Equal(t, 1, tracker.LiveCount(KindShader))
	assert.True(t, tracker.IsLive(a.ID()))

	a.Release()
	assert.Equal(t, []uuid.UUID{a.ID()}, released)
	assert.False(t, tracker.IsLive(a.ID()))

	err := tracker.LeakError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline")

	live := tracker.Live()
	require.Len(t, live, 1)
	assert.Equal(t, b.ID(), live[0].ID)
	assert.Equal(t, int32(1), live[0].RefCount)

	b.Release()
	assert.NoError(t, tracker.LeakError())
	assert.Equal(t, uint64(1), tracker.Created(KindShader))
}

func TestConcurrentRetainRelease(t *testing.T) {
	tracker := NewTracker()
	destroyed := 0
	h := New(tracker, KindTexture, "shared", nil, 0, func(int) { destroyed++ })

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Retain().Release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), h.RefCount())
	h.Release()
	assert.Equal(t, 1, destroyed)
}
