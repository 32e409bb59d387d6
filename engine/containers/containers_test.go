package containers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spaghettifunk/anima-deferred/engine/core"
)

func TestRingQueueWrapsAround(t *testing.T) {
	rq := NewRingQueue[int](3)
	require.NoError(t, rq.Enqueue(1))
	require.NoError(t, rq.Enqueue(2))
	require.NoError(t, rq.Enqueue(3))
	assert.True(t, rq.IsFull())

	err := rq.Enqueue(4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCapacityExceeded))
	assert.Equal(t, 3, rq.Len())

	v, err := rq.Dequeue()
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, rq.Enqueue(4))

	for _, want := range []int{2, 3, 4} {
		p, err := rq.Peek()
		require.NoError(t, err)
		assert.Equal(t, want, p)
		v, err := rq.Dequeue()
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	assert.True(t, rq.IsEmpty())
	_, err = rq.Dequeue()
	assert.ErrorIs(t, err, ErrQueueEmpty)
	_, err = rq.Peek()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestFixedArrayBounds(t *testing.T) {
	fa := NewFixedArray[string](2)
	require.NoError(t, fa.Append("a"))
	require.NoError(t, fa.Append("b"))
	assert.ErrorIs(t, fa.Append("c"), core.ErrCapacityExceeded)
	assert.Equal(t, 2, fa.Len())
	assert.Equal(t, 2, fa.Cap())

	_, err := fa.Get(2)
	assert.ErrorIs(t, err, core.ErrCapacityExceeded)
	assert.ErrorIs(t, fa.Set(-1, "x"), core.ErrCapacityExceeded)

	require.NoError(t, fa.Set(1, "B"))
	v, err := fa.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "B", v)

	var order []int
	fa.Reverse(func(i int, _ string) { order = append(order, i) })
	assert.Equal(t, []int{1, 0}, order)

	stop := errors.New("stop")
	seen := 0
	err = fa.Each(func(i int, _ string) error {
		seen++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, seen)

	fa.Clear()
	assert.Equal(t, 0, fa.Len())
	require.NoError(t, fa.Append("again"))
}
