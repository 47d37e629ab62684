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

// Package lockfree provides containers whose nodes are recycled through the
// epoch collector.
package lockfree

import (
	"sync/atomic"

	"github.com/pingcap/errors"
)

// Reclamation errors. They are raised as panics by the node lifecycle checks.
var (
	ErrUseAfterFree = errors.New("lockfree: node used after it was freed")
	ErrDoubleRetire = errors.New("lockfree: node retired twice")
	ErrDoubleFree   = errors.New("lockfree: node freed twice")
	ErrReviveLive   = errors.New("lockfree: recycled node is still in use")
)

const (
	stateFree int32 = iota
	stateLive
	stateRetired
)

// lifecycle tracks a node through live, retired and free. A node is only
// handed out again once it is free.
type lifecycle struct {
	state int32
}

func (l *lifecycle) revive() {
	if !atomic.CompareAndSwapInt32(&l.state, stateFree, stateLive) {
		panic(ErrReviveLive)
	}
}

func (l *lifecycle) retire() {
	if !atomic.CompareAndSwapInt32(&l.state, stateLive, stateRetired) {
		panic(ErrDoubleRetire)
	}
}

func (l *lifecycle) free() {
	if !atomic.CompareAndSwapInt32(&l.state, stateRetired, stateFree) {
		panic(ErrDoubleFree)
	}
}

// check panics if the node was freed. Retired nodes may still be read.
func (l *lifecycle) check() {
	if atomic.LoadInt32(&l.state) == stateFree {
		panic(ErrUseAfterFree)
	}
}

// Stats counts node allocations of a container.
type Stats struct {
	// Allocated is the number of nodes created from scratch.
	Allocated int64
	// Recycled is the number of nodes returned to the free list.
	Recycled int64
	// Live is the number of nodes handed out and not recycled yet, retired
	// ones included.
	Live int64
}

type counters struct {
	allocated int64
	recycled  int64
	live      int64
}

func (c *counters) acquired() {
	atomic.AddInt64(&c.live, 1)
}

func (c *counters) released() {
	atomic.AddInt64(&c.recycled, 1)
	atomic.AddInt64(&c.live, -1)
}

func (c *counters) stats() Stats {
	return Stats{
		Allocated: atomic.LoadInt64(&c.allocated),
		Recycled:  atomic.LoadInt64(&c.recycled),
		Live:      atomic.LoadInt64(&c.live),
	}
}
