// Package resource implements reference counted ownership of native GPU objects.
package resource

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/spaghettifunk/anima-deferred/engine/core"
)

type Kind uint8

const (
	KindTexture Kind = iota
	KindBuffer
	KindRenderTarget
	KindShader
	KindPipeline
	KindBindingSet
	kindCount
)

func (k Kind) String() string {
	switch k {
	case KindTexture:
		return "texture"
	case KindBuffer:
		return "buffer"
	case KindRenderTarget:
		return "render_target"
	case KindShader:
		return "shader"
	case KindPipeline:
		return "pipeline"
	case KindBindingSet:
		return "binding_set"
	}
	return "unknown"
}

// Handle is shared ownership of one native object. A handle starts with a
// reference count of one; Retain adds an owner and Release drops one. When the
// last owner releases it the destroy function runs exactly once and the handle
// can no longer be dereferenced.
type Handle[T any] struct {
	id          uuid.UUID
	kind        Kind
	label       string
	description any
	object      T
	refs        atomic.Int32
	destroyOnce sync.Once
	destroy     func(T)
	tracker     *Tracker
}

// New wraps object in a handle owned by the caller. destroy may be nil.
func New[T any](tracker *Tracker, kind Kind, label string, description any, object T, destroy func(T)) *Handle[T] {
	h := &Handle[T]{
		id:          uuid.New(),
		kind:        kind,
		label:       label,
		description: description,
		object:      object,
		destroy:     destroy,
		tracker:     tracker,
	}
	h.refs.Store(1)
	if tracker != nil {
		tracker.track(h.id, kind, label, h.RefCount)
	}
	return h
}

// Retain registers a new owner and returns the same handle, so that copies
// read as `other := h.Retain()`. Retaining a nil or dead handle returns nil.
func (h *Handle[T]) Retain() *Handle[T] {
	if h == nil {
		return nil
	}
	for {
		n := h.refs.Load()
		if n <= 0 {
			return nil
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return h
		}
	}
}

// Release drops one owner. Releasing a nil or already dead handle does nothing.
func (h *Handle[T]) Release() {
	if h == nil {
		return
	}
	for {
		n := h.refs.Load()
		if n <= 0 {
			return
		}
		if h.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				h.destroyOnce.Do(h.finalize)
			}
			return
		}
	}
}

func (h *Handle[T]) finalize() {
	if h.destroy != nil {
		h.destroy(h.object)
	}
	var zero T
	h.object = zero
	if h.tracker != nil {
		h.tracker.untrack(h.id)
	}
}

// Get returns the native object, or ErrInvalidHandleUse when the handle is
// nil or has been released by every owner.
func (h *Handle[T]) Get() (T, error) {
	var zero T
	if h == nil {
		return zero, fmt.Errorf("nil handle: %w", core.ErrInvalidHandleUse)
	}
	if h.refs.Load() <= 0 {
		return zero, fmt.Errorf("%s %q used after release: %w", h.kind, h.label, core.ErrInvalidHandleUse)
	}
	return h.object, nil
}

// MustGet is Get for call sites that already validated the handle.
func (h *Handle[T]) MustGet() T {
	obj, err := h.Get()
	if err != nil {
		panic(err)
	}
	return obj
}

func (h *Handle[T]) Valid() bool {
	return h != nil && h.refs.Load() > 0
}

func (h *Handle[T]) RefCount() int32 {
	if h == nil {
		return 0
	}
	return h.refs.Load()
}

func (h *Handle[T]) ID() uuid.UUID {
	if h == nil {
		return uuid.Nil
	}
	return h.id
}

func (h *Handle[T]) Kind() Kind {
	return h.kind
}

func (h *Handle[T]) Label() string {
	if h == nil {
		return "<nil>"
	}
	return h.label
}

// Description returns the immutable description the object was created from.
func (h *Handle[T]) Description() any {
	if h == nil {
		return nil
	}
	return h.description
}

// Set assigns src to *dst with copy semantics: src gains an owner, the
// previous value of *dst loses one. Set(&h, nil) is the "assign nil" idiom.
func Set[T any](dst **Handle[T], src *Handle[T]) {
	if *dst == src {
		return
	}
	retained := src.Retain()
	(*dst).Release()
	*dst = retained
}

// Releaser is anything owning a reference that can be dropped.
type Releaser interface {
	Release()
}

// ReleaseAll releases every non nil releaser in order.
func ReleaseAll(rs ...Releaser) {
	for _, r := range rs {
		if r != nil {
			r.Release()
		}
	}
}
