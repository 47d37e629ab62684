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

// A next pointer tagged with deleted belongs to a logically removed node.
const deleted uint = 1

type listNode struct {
	lifecycle
	key  uint64
	next epoch.TaggedAtomic[listNode]
}

// List is a Harris-Michael ordered set of uint64 keys. Removal first marks
// the node's next pointer, then unlinks it; the goroutine that unlinks a node
// retires it.
type List struct {
	head  epoch.TaggedAtomic[listNode]
	nodes sync.Pool
	size  int64
	counters
}

func NewList() *List {
	l := &List{}
	l.nodes.New = func() interface{} {
		atomic.AddInt64(&l.allocated, 1)
		return &listNode{}
	}
	return l
}

// find returns the link that points to the first node with a key not below
// key, together with that node. Marked nodes met on the way are unlinked.
func (l *List) find(g *epoch.Guard, key uint64) (*epoch.TaggedAtomic[listNode], epoch.Shared[listNode], bool) {
retry:
	for {
		prev := &l.head
		curr := prev.Load(g)
		for {
			c := curr.Deref()
			if c == nil {
				return prev, curr, false
			}
			c.check()
			next := c.next.Load(g)
			if next.Tag() == deleted {
				if _, ok := prev.CompareAndSwap(g, curr, next.Deref(), 0); !ok {
					continue retry
				}
				l.retire(g, c)
				curr = prev.Load(g)
				if curr.Tag() == deleted {
					continue retry
				}
				continue
			}
			if c.key >= key {
				return prev, curr, c.key == key
			}
			prev = &c.next
			curr = next
		}
	}
}

// Insert adds key. It returns false if key is already present.
func (l *List) Insert(g *epoch.Guard, key uint64) bool {
	var n *listNode
	for {
		prev, curr, found := l.find(g, key)
		if found {
			if n != nil {
				// Never published, no grace period needed.
				n.retire()
				l.recycle(n)
			}
			return false
		}
		if n == nil {
			n = l.nodes.Get().(*listNode)
			n.revive()
			l.acquired()
			n.key = key
		}
		n.next.Store(curr.Deref(), 0)
		if _, ok := prev.CompareAndSwap(g, curr, n, 0); ok {
			atomic.AddInt64(&l.size, 1)
			return true
		}
	}
}

// Remove deletes key. It returns false if key is absent.
func (l *List) Remove(g *epoch.Guard, key uint64) bool {
	for {
		prev, curr, found := l.find(g, key)
		if !found {
			return false
		}
		c := curr.Deref()
		next := c.next.FetchOr(g, deleted)
		if next.Tag() == deleted {
			// Lost the race to another remover.
			continue
		}
		atomic.AddInt64(&l.size, -1)
		if _, ok := prev.CompareAndSwap(g, curr, next.Deref(), 0); ok {
			l.retire(g, c)
		} else {
			l.find(g, key)
		}
		return true
	}
}

func (l *List) Contains(g *epoch.Guard, key uint64) bool {
	_, _, found := l.find(g, key)
	return found
}

// Range calls f for every key in ascending order until f returns false.
// Keys inserted or removed concurrently may or may not be visited.
func (l *List) Range(g *epoch.Guard, f func(key uint64) bool) {
	for curr := l.head.Load(g); !curr.IsNull(); {
		c := curr.Deref()
		c.check()
		next := c.next.Load(g)
		if next.Tag() != deleted && !f(c.key) {
			return
		}
		curr = next
	}
}

func (l *List) retire(g *epoch.Guard, n *listNode) {
	n.retire()
	epoch.DeferDestroy(g, n, l.recycle)
}

func (l *List) recycle(n *listNode) {
	n.free()
	n.key = 0
	n.next.Store(nil, 0)
	l.released()
	l.nodes.Put(n)
}

// Len returns the number of keys, which may be stale under concurrency.
func (l *List) Len() int {
	return int(atomic.LoadInt64(&l.size))
}

func (l *List) Stats() Stats {
	return l.stats()
}
