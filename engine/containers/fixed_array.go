package containers

import (
	"fmt"

	"github.com/spaghettifunk/anima-deferred/engine/core"
)

// FixedArray is a bounds-checked array with a capacity chosen at construction.
// Appending past the capacity or indexing past the length returns an error
// wrapping core.ErrCapacityExceeded.
type FixedArray[T any] struct {
	data []T
}

func NewFixedArray[T any](capacity int) *FixedArray[T] {
	return &FixedArray[T]{
		data: make([]T, 0, capacity),
	}
}

// Append adds an element at the end of the array
func (fa *FixedArray[T]) Append(value T) error {
	if len(fa.data) == cap(fa.data) {
		return fmt.Errorf("fixed array holds at most %d elements: %w", cap(fa.data), core.ErrCapacityExceeded)
	}
	fa.data = append(fa.data, value)
	return nil
}

// Get returns the element at index
func (fa *FixedArray[T]) Get(index int) (T, error) {
	if index < 0 || index >= len(fa.data) {
		var zero T
		return zero, fmt.Errorf("index %d out of range [0,%d): %w", index, len(fa.data), core.ErrCapacityExceeded)
	}
	return fa.data[index], nil
}

// Set replaces the element at index
func (fa *FixedArray[T]) Set(index int, value T) error {
	if index < 0 || index >= len(fa.data) {
		return fmt.Errorf("index %d out of range [0,%d): %w", index, len(fa.data), core.ErrCapacityExceeded)
	}
	fa.data[index] = value
	return nil
}

// Each calls fn for every element in order, stopping at the first error.
func (fa *FixedArray[T]) Each(fn func(index int, value T) error) error {
	for i, v := range fa.data {
		if err := fn(i, v); err != nil {
			return err
		}
	}
	return nil
}

// Reverse calls fn for every element from last to first.
func (fa *FixedArray[T]) Reverse(fn func(index int, value T)) {
	for i := len(fa.data) - 1; i >= 0; i-- {
		fn(i, fa.data[i])
	}
}

// Clear drops every element and keeps the capacity.
func (fa *FixedArray[T]) Clear() {
	clear(fa.data)
	fa.data = fa.data[:0]
}

func (fa *FixedArray[T]) Len() int {
	return len(fa.data)
}

func (fa *FixedArray[T]) Cap() int {
	return cap(fa.data)
}
