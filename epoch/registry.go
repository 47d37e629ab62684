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
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// participant is the registry entry of one Handle. The epoch word carries both
// the observed epoch and the active flag, so a scan never sees a torn state.
type participant struct {
	epoch atomicEpoch
	_     cpu.CacheLinePad

	// bag is owned by the Handle until exited is set, then by the pruner.
	bag *bag
	// pending mirrors len(bag.deferreds) for readers outside the owner.
	pending int64
	exited  uint32

	next atomic.Pointer[participant]
}

func (p *participant) isExited() bool {
	return atomic.LoadUint32(&p.exited) == 1
}

// exit deactivates the participant and hands its bag over to the pruner.
// It reports false if the participant had already exited.
func (p *participant) exit() bool {
	p.epoch.store(p.epoch.load().deactivate())
	return atomic.CompareAndSwapUint32(&p.exited, 0, 1)
}

type registry struct {
	head atomic.Pointer[participant]

	size    int64
	exited  int64
	pruning uint32
}

func (r *registry) add(p *participant) {
	for {
		head := r.head.Load()
		p.next.Store(head)
		if r.head.CompareAndSwap(head, p) {
			atomic.AddInt64(&r.size, 1)
			return
		}
	}
}

// remove marks p as exited. The node is unlinked by a later prune.
func (r *registry) remove(p *participant) {
	if p.exit() {
		atomic.AddInt64(&r.exited, 1)
	}
}

// needsPrune reports whether some exited participant may still be linked.
func (r *registry) needsPrune() bool {
	return atomic.LoadInt64(&r.exited) > 0
}

// iterate calls f for every linked participant until f returns false. It is
// safe to run concurrently with add, prune and other iterations.
func (r *registry) iterate(f func(*participant) bool) {
	for curr := r.head.Load(); curr != nil; curr = curr.next.Load() {
		if !f(curr) {
			return
		}
	}
}

// forEachActive calls f with the observed epoch of every active participant
// until f returns false.
func (r *registry) forEachActive(f func(epoch) bool) {
	r.iterate(func(p *participant) bool {
		local := p.epoch.load()
		if !local.isActive() {
			return true
		}
		return f(local)
	})
}

// prune calls f for every linked participant and unlinks those for which f
// returns true. It reports how many were removed. Only one prune runs at a
// time, a concurrent call returns 0 immediately.
func (r *registry) prune(f func(*participant) bool) int {
	if !atomic.CompareAndSwapUint32(&r.pruning, 0, 1) {
		return 0
	}
	defer atomic.StoreUint32(&r.pruning, 0)

	prev := r.head.Load()
	if prev == nil {
		return 0
	}
	// The head stays linked even if f accepts it: add may be about to CAS a
	// new node in front of it, and unlinking it would drop that node. Removed
	// nodes keep their next pointer, so a concurrent iterate standing on one
	// still reaches the tail.
	f(prev)
	removed := 0
	curr := prev.next.Load()
	for curr != nil {
		next := curr.next.Load()
		if f(curr) {
			prev.next.Store(next)
			removed++
		} else {
			prev = curr
		}
		curr = next
	}
	atomic.AddInt64(&r.size, int64(-removed))
	atomic.AddInt64(&r.exited, int64(-removed))
	return removed
}

func (r *registry) len() int {
	return int(atomic.LoadInt64(&r.size))
}
