// Copyright 2019-present PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package epoch

import "sync/atomic"

// Shared is a pointer loaded under a guard. It may only be dereferenced while
// that guard stays pinned in the same epoch.
type Shared[T any] struct {
	ptr *T
	tag uint
	g   *Guard
	gen uint64
}

func newShared[T any](g *Guard, ptr *T, tag uint) Shared[T] {
	return Shared[T]{ptr: ptr, tag: tag, g: g, gen: g.gen}
}

// Deref returns the pointer. It panics if the guard that loaded it has been
// unpinned or repinned since.
func (s Shared[T]) Deref() *T {
	if s.g != nil && (s.g.unpinned || s.g.gen != s.gen) {
		panic(ErrStaleShared)
	}
	return s.ptr
}

func (s Shared[T]) IsNull() bool {
	return s.ptr == nil
}

// Tag returns the tag loaded together with the pointer.
func (s Shared[T]) Tag() uint {
	return s.tag
}

// Equal compares pointer and tag.
func (s Shared[T]) Equal(o Shared[T]) bool {
	return s.ptr == o.ptr && s.tag == o.tag
}

// Atomic is a pointer that is read under a guard.
type Atomic[T any] struct {
	p atomic.Pointer[T]
}

// NewAtomic returns an Atomic holding ptr.
func NewAtomic[T any](ptr *T) *Atomic[T] {
	a := &Atomic[T]{}
	a.p.Store(ptr)
	return a
}

func (a *Atomic[T]) Load(g *Guard) Shared[T] {
	g.assertPinned()
	return newShared(g, a.p.Load(), 0)
}

// Store publishes ptr. It does not need a guard because it never reads the
// previous value.
func (a *Atomic[T]) Store(ptr *T) {
	a.p.Store(ptr)
}

// Swap publishes ptr and returns the previous value.
func (a *Atomic[T]) Swap(g *Guard, ptr *T) Shared[T] {
	g.assertPinned()
	return newShared(g, a.p.Swap(ptr), 0)
}

// CompareAndSwap replaces old with ptr. On failure it returns the value found
// instead of old.
func (a *Atomic[T]) CompareAndSwap(g *Guard, old Shared[T], ptr *T) (Shared[T], bool) {
	g.assertPinned()
	if a.p.CompareAndSwap(old.ptr, ptr) {
		return newShared(g, ptr, 0), true
	}
	return newShared(g, a.p.Load(), 0), false
}

type tagged[T any] struct {
	ptr *T
	tag uint
}

// TaggedAtomic is an Atomic carrying a small integer next to the pointer,
// for example a logical deletion mark. Pointer and tag are published
// together in an immutable box.
type TaggedAtomic[T any] struct {
	p atomic.Pointer[tagged[T]]
}

func (a *TaggedAtomic[T]) load() (*tagged[T], *T, uint) {
	b := a.p.Load()
	if b == nil {
		return nil, nil, 0
	}
	return b, b.ptr, b.tag
}

func (a *TaggedAtomic[T]) Load(g *Guard) Shared[T] {
	g.assertPinned()
	_, ptr, tag := a.load()
	return newShared(g, ptr, tag)
}

func (a *TaggedAtomic[T]) Store(ptr *T, tag uint) {
	a.p.Store(&tagged[T]{ptr: ptr, tag: tag})
}

// CompareAndSwap replaces old with (ptr, tag) if both the pointer and the tag
// match. On failure it returns the value found instead of old.
func (a *TaggedAtomic[T]) CompareAndSwap(g *Guard, old Shared[T], ptr *T, tag uint) (Shared[T], bool) {
	g.assertPinned()
	next := &tagged[T]{ptr: ptr, tag: tag}
	for {
		box, curPtr, curTag := a.load()
		if curPtr != old.ptr || curTag != old.tag {
			return newShared(g, curPtr, curTag), false
		}
		if a.p.CompareAndSwap(box, next) {
			return newShared(g, ptr, tag), true
		}
	}
}

// Swap publishes (ptr, tag) and returns the previous value.
func (a *TaggedAtomic[T]) Swap(g *Guard, ptr *T, tag uint) Shared[T] {
	g.assertPinned()
	old := a.p.Swap(&tagged[T]{ptr: ptr, tag: tag})
	if old == nil {
		return newShared[T](g, nil, 0)
	}
	return newShared(g, old.ptr, old.tag)
}

// FetchOr sets the bits of tag, keeping the pointer, and returns the previous
// value.
func (a *TaggedAtomic[T]) FetchOr(g *Guard, tag uint) Shared[T] {
	return a.fetchTag(g, func(t uint) uint { return t | tag })
}

// FetchAnd clears the bits missing from tag and returns the previous value.
func (a *TaggedAtomic[T]) FetchAnd(g *Guard, tag uint) Shared[T] {
	return a.fetchTag(g, func(t uint) uint { return t & tag })
}

// FetchXor flips the bits of tag and returns the previous value.
func (a *TaggedAtomic[T]) FetchXor(g *Guard, tag uint) Shared[T] {
	return a.fetchTag(g, func(t uint) uint { return t ^ tag })
}

func (a *TaggedAtomic[T]) fetchTag(g *Guard, update func(uint) uint) Shared[T] {
	g.assertPinned()
	for {
		box, ptr, tag := a.load()
		next := update(tag)
		if next == tag {
			return newShared(g, ptr, tag)
		}
		if a.p.CompareAndSwap(box, &tagged[T]{ptr: ptr, tag: next}) {
			return newShared(g, ptr, tag)
		}
	}
}
