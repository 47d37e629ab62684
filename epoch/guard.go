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

// Guard keeps the objects loaded through it alive until Unpin. It belongs to
// the goroutine that pinned and is released with
//
//	g := h.Pin()
//	defer g.Unpin()
type Guard struct {
	h        *Handle
	unpinned bool
	// gen changes on every Repin, which invalidates loaded Shared values.
	gen uint64
}

func (g *Guard) assertPinned() {
	if g.unpinned {
		panic(ErrNotPinned)
	}
}

// Unpin releases the guard. Unpinning twice panics.
func (g *Guard) Unpin() {
	g.assertPinned()
	g.unpinned = true
	g.h.unpin()
}

// IsPinned reports whether Unpin has not been called yet.
func (g *Guard) IsPinned() bool {
	return !g.unpinned
}

// Epoch returns the epoch observed by the guard's handle.
func (g *Guard) Epoch() uint64 {
	return g.h.p.epoch.load().value()
}

// Collector returns the collector the guard is pinned in.
func (g *Guard) Collector() *Collector {
	return g.h.c
}

// Defer schedules fn to run once no goroutine pinned now can still reach
// the object it destroys. The object must already be unreachable for
// goroutines that pin later.
func (g *Guard) Defer(fn func()) {
	g.assertPinned()
	g.h.retire(fn)
}

// Flush seals the local garbage and runs one collection step.
func (g *Guard) Flush() {
	g.assertPinned()
	g.h.Flush()
}

// Repin moves the guard to the current global epoch so that a long running
// pinned loop does not hold back reclamation. Shared values loaded before
// become invalid.
func (g *Guard) Repin() {
	g.assertPinned()
	if g.h.guardCount != 1 {
		panic(ErrNotOutermost)
	}
	g.h.p.epoch.store(g.h.c.global.load().activate())
	g.gen++
}

// DeferDestroy schedules destroy(ptr) like Guard.Defer.
func DeferDestroy[T any](g *Guard, ptr *T, destroy func(*T)) {
	g.Defer(func() { destroy(ptr) })
}
