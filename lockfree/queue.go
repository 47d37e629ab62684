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

type queueNode[T any] struct {
	lifecycle
	value T
	next  epoch.Atomic[queueNode[T]]
}

// Queue is a Michael-Scott queue. head always points to a sentinel node whose
// successor holds the first value.
type Queue[T any] struct {
	head  epoch.Atomic[queueNode[T]]
	tail  epoch.Atomic[queueNode[T]]
	nodes sync.Pool
	size  int64
	counters
}

func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.nodes.New = func() interface{} {
		atomic.AddInt64(&q.allocated, 1)
		return &queueNode[T]{}
	}
	sentinel := q.nodes.Get().(*queueNode[T])
	sentinel.revive()
	q.acquired()
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	return q
}

func (q *Queue[T]) Enqueue(g *epoch.Guard, v T) {
	n := q.nodes.Get().(*queueNode[T])
	n.revive()
	q.acquired()
	n.value = v
	n.next.Store(nil)
	for {
		tail := q.tail.Load(g)
		t := tail.Deref()
		t.check()
		next := t.next.Load(g)
		if !next.IsNull() {
			// Help a lagging enqueuer.
			q.tail.CompareAndSwap(g, tail, next.Deref())
			continue
		}
		if _, ok := t.next.CompareAndSwap(g, next, n); ok {
			q.tail.CompareAndSwap(g, tail, n)
			atomic.AddInt64(&q.size, 1)
			return
		}
	}
}

// Dequeue removes the oldest value. It returns false if the queue is empty.
func (q *Queue[T]) Dequeue(g *epoch.Guard) (T, bool) {
	for {
		head := q.head.Load(g)
		h := head.Deref()
		h.check()
		next := h.next.Load(g).Deref()
		if next == nil {
			var zero T
			return zero, false
		}
		next.check()
		if tail := q.tail.Load(g); tail.Equal(head) {
			// tail must not fall behind head.
			q.tail.CompareAndSwap(g, tail, next)
			continue
		}
		if _, ok := q.head.CompareAndSwap(g, head, next); ok {
			atomic.AddInt64(&q.size, -1)
			v := next.value
			h.retire()
			epoch.DeferDestroy(g, h, q.recycle)
			return v, true
		}
	}
}

func (q *Queue[T]) recycle(n *queueNode[T]) {
	n.free()
	var zero T
	n.value = zero
	n.next.Store(nil)
	q.released()
	q.nodes.Put(n)
}

// Len returns the number of values, which may be stale under concurrency.
func (q *Queue[T]) Len() int {
	return int(atomic.LoadInt64(&q.size))
}

func (q *Queue[T]) IsEmpty(g *epoch.Guard) bool {
	return q.head.Load(g).Deref().next.Load(g).IsNull()
}

func (q *Queue[T]) Stats() Stats {
	return q.stats()
}
