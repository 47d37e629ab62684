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

import (
	"runtime"
	"sync/atomic"

	"github.com/pingcap/badger/y"
	"github.com/pingcap/errors"
)

// Contract violations. They are raised as panics.
var (
	ErrNotPinned     = errors.New("epoch: guard is not pinned")
	ErrStaleShared   = errors.New("epoch: shared pointer used after its guard was unpinned or repinned")
	ErrReleased      = errors.New("epoch: handle has been released")
	ErrHandlePinned  = errors.New("epoch: handle is still pinned")
	ErrNotOutermost  = errors.New("epoch: only the outermost guard can be repinned")
	ErrPooledRelease = errors.New("epoch: pooled handle cannot be released")
)

// Handle is the registration of one goroutine with a Collector. It is not
// safe for concurrent use.
type Handle struct {
	c *Collector
	p *participant

	guardCount int
	unpins     int
	pooled     bool
	released   bool
}

// Pin marks the handle active in the current global epoch and returns a
// guard. Pins nest; only the outermost one publishes an epoch.
func (h *Handle) Pin() *Guard {
	if h.released {
		panic(ErrReleased)
	}
	if h.guardCount == 0 {
		h.p.epoch.store(h.c.global.load().activate())
	}
	h.guardCount++
	return &Guard{h: h}
}

func (h *Handle) unpin() {
	h.guardCount--
	if h.guardCount > 0 {
		return
	}
	h.p.epoch.store(h.p.epoch.load().deactivate())
	h.unpins++
	if h.pooled || h.unpins >= h.c.opts.advanceEvery {
		h.sealLocal()
	}
	if h.unpins >= h.c.opts.advanceEvery {
		h.unpins = 0
		h.c.collect()
	}
	if h.pooled {
		h.c.handles.Put(h)
	}
}

// IsPinned reports whether some guard of h is still pinned.
func (h *Handle) IsPinned() bool {
	return h.guardCount > 0
}

// Collector returns the collector h is registered with.
func (h *Handle) Collector() *Collector {
	return h.c
}

// Flush seals the local bag, even if it is not full, and runs one collection
// step.
func (h *Handle) Flush() {
	if h.released {
		panic(ErrReleased)
	}
	h.sealLocal()
	h.c.collect()
}

// Release unregisters the handle. Garbage still buffered locally is sealed
// and destroyed by later collections. Releasing twice is a no-op.
func (h *Handle) Release() {
	if h.pooled {
		panic(ErrPooledRelease)
	}
	if h.guardCount > 0 {
		panic(ErrHandlePinned)
	}
	if h.released {
		return
	}
	h.released = true
	runtime.SetFinalizer(h, nil)
	h.sealLocal()
	h.c.registry.remove(h.p)
}

func (h *Handle) finalize() {
	h.c.registry.remove(h.p)
}

func (h *Handle) sealLocal() {
	b := h.p.bag
	if b.isEmpty() {
		return
	}
	h.c.seal(b)
	h.p.bag = h.c.getBag()
	atomic.StoreInt64(&h.p.pending, 0)
}

func (h *Handle) retire(fn func()) {
	b := h.p.bag
	if !b.tryPush(fn) {
		h.c.seal(b)
		b = h.c.getBag()
		h.p.bag = b
		y.Assert(b.tryPush(fn))
	}
	atomic.StoreInt64(&h.p.pending, int64(b.len()))
}
