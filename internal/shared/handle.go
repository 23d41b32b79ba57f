// Package shared provides a reference-counted owner for values that are
// handed to more than one goroutine but must be finalized by exactly one.
package shared

import (
	"fmt"
	"sync/atomic"
)

type cell[T any] struct {
	value T
	refs  atomic.Int64
}

// Handle is one reference to a shared value.
//
// Every Handle must be released or consumed with IntoInner. A Handle is not
// safe for concurrent use by itself; clone one per goroutine instead.
type Handle[T any] struct {
	c        *cell[T]
	released bool
}

// New wraps v in a Handle holding the only reference.
func New[T any](v T) *Handle[T] {
	c := &cell[T]{value: v}
	c.refs.Store(1)
	return &Handle[T]{c: c}
}

// Clone returns a new reference to the same value.
func (h *Handle[T]) Clone() *Handle[T] {
	h.mustBeLive()
	h.c.refs.Add(1)
	return &Handle[T]{c: h.c}
}

// Get returns the shared value.
func (h *Handle[T]) Get() T {
	h.mustBeLive()
	return h.c.value
}

// Refs returns the number of live references.
func (h *Handle[T]) Refs() int64 { return h.c.refs.Load() }

// Release drops this reference. Releasing twice is a no-op.
func (h *Handle[T]) Release() {
	if h.released {
		return
	}
	h.released = true
	h.c.refs.Add(-1)
}

// IntoInner consumes the last reference and returns the value.
// It panics if any other reference is still outstanding.
func (h *Handle[T]) IntoInner() T {
	h.mustBeLive()
	if refs := h.c.refs.Load(); refs != 1 {
		panic(fmt.Sprintf("shared: IntoInner with %d outstanding references", refs-1))
	}
	h.released = true
	h.c.refs.Store(0)
	return h.c.value
}

func (h *Handle[T]) mustBeLive() {
	if h.released {
		panic("shared: use of released handle")
	}
}
