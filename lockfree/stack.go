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

package lockfree

import (
	"sync"
	"sync/atomic"

	"github.com/ngaut/epochgc/epoch"
)

type stackNode[T any] struct {
	lifecycle
	value T
	next  atomic.Pointer[stackNode[T]]
}

// Stack is a Treiber stack. Popped nodes are reused only after every guard
// that could still see them is unpinned.
type Stack[T any] struct {
	head  epoch.Atomic[stackNode[T]]
	nodes sync.Pool
	size  int64
	counters
}

func NewStack[T any]() *Stack[T] {
	s := &Stack[T]{}
	s.nodes.New = func() interface{} {
		atomic.AddInt64(&s.allocated, 1)
		return &stackNode[T]{}
	}
	return s
}

func (s *Stack[T]) Push(g *epoch.Guard, v T) {
	n := s.nodes.Get().(*stackNode[T])
	n.revive()
	s.acquired()
	n.value = v
	for {
		head := s.head.Load(g)
		n.next.Store(head.Deref())
		if _, ok := s.head.CompareAndSwap(g, head, n); ok {
			atomic.AddInt64(&s.size, 1)
			return
		}
	}
}

// Pop removes the top value. It returns false if the stack is empty.
func (s *Stack[T]) Pop(g *epoch.Guard) (T, bool) {
	for {
		head := s.head.Load(g)
		n := head.Deref()
		if n == nil {
			var zero T
			return zero, false
		}
		n.check()
		if _, ok := s.head.CompareAndSwap(g, head, n.next.Load()); ok {
			atomic.AddInt64(&s.size, -1)
			v := n.value
			n.retire()
			epoch.DeferDestroy(g, n, s.recycle)
			return v, true
		}
	}
}

// Peek returns the top value without removing it.
func (s *Stack[T]) Peek(g *epoch.Guard) (T, bool) {
	n := s.head.Load(g).Deref()
	if n == nil {
		var zero T
		return zero, false
	}
	n.check()
	return n.value, true
}

func (s *Stack[T]) recycle(n *stackNode[T]) {
	n.free()
	var zero T
	n.value = zero
	n.next.Store(nil)
	s.released()
	s.nodes.Put(n)
}

// Len returns the number of values, which may be stale under concurrency.
func (s *Stack[T]) Len() int {
	return int(atomic.LoadInt64(&s.size))
}

func (s *Stack[T]) Stats() Stats {
	return s.stats()
}
