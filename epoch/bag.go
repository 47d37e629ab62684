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

// numBuckets is the number of live global buckets. While the global epoch is
// G, participants seal into G-1 or G, so the bucket of G-2 is quiet.
const numBuckets = 3

// bag is a fixed-capacity block of deferred functions. It is filled by one
// participant and, once sealed with an epoch, owned by the garbage buckets.
type bag struct {
	deferreds []func()
	epoch     epoch

	// next links sealed bags inside a bucket.
	next *bag
}

func newBag(capacity int) *bag {
	return &bag{deferreds: make([]func(), 0, capacity)}
}

func (b *bag) tryPush(fn func()) bool {
	if len(b.deferreds) == cap(b.deferreds) {
		return false
	}
	b.deferreds = append(b.deferreds, fn)
	return true
}

func (b *bag) isEmpty() bool {
	return len(b.deferreds) == 0
}

func (b *bag) len() int {
	return len(b.deferreds)
}

// run calls every deferred function exactly once, newest first, and empties
// the bag. A function is removed before it is called, so after a panic the
// bag holds exactly the functions that did not run.
func (b *bag) run() int {
	n := 0
	for last := len(b.deferreds) - 1; last >= 0; last-- {
		fn := b.deferreds[last]
		b.deferreds[last] = nil
		b.deferreds = b.deferreds[:last]
		n++
		fn()
	}
	return n
}

type bucket struct {
	head atomic.Pointer[bag]
	_    cpu.CacheLinePad
}

// garbage holds sealed bags keyed by epoch modulo numBuckets.
type garbage struct {
	buckets [numBuckets]bucket

	bags    int64
	objects int64
}

// push hands a sealed bag over to the buckets.
func (g *garbage) push(b *bag) {
	atomic.AddInt64(&g.bags, 1)
	atomic.AddInt64(&g.objects, int64(b.len()))
	g.link(b)
}

func (g *garbage) link(b *bag) {
	bk := &g.buckets[b.epoch.value()%numBuckets]
	for {
		head := bk.head.Load()
		b.next = head
		if bk.head.CompareAndSwap(head, b) {
			return
		}
	}
}

// collect runs the bags that are at least two epochs older than global. The
// bucket is detached with a single swap, so racing collectors never share a
// bag. Bags sealed too recently are linked back. The emptied bags are passed
// to recycle. If a deferred function panics, the functions that did not run
// and the rest of the detached list are linked back before the panic goes on.
func (g *garbage) collect(global epoch, recycle func(*bag)) (objects, bags int) {
	bk := &g.buckets[(global.value()+1)%numBuckets]
	if bk.head.Load() == nil {
		return 0, 0
	}
	var cur *bag
	rest := bk.head.Swap(nil)
	defer func() {
		if cur != nil {
			if cur.isEmpty() {
				atomic.AddInt64(&g.bags, -1)
				recycle(cur)
			} else {
				g.link(cur)
			}
		}
		for rest != nil {
			b := rest
			rest = b.next
			b.next = nil
			g.link(b)
		}
	}()
	for rest != nil {
		cur = rest
		rest = cur.next
		cur.next = nil
		if global.sub(cur.epoch) >= 2 {
			n := g.run(cur)
			atomic.AddInt64(&g.bags, -1)
			objects += n
			bags++
			recycle(cur)
		} else {
			g.link(cur)
		}
		cur = nil
	}
	return objects, bags
}

func (g *garbage) run(b *bag) int {
	before := b.len()
	defer func() {
		atomic.AddInt64(&g.objects, int64(b.len()-before))
	}()
	return b.run()
}

func (g *garbage) pending() (bags, objects int) {
	return int(atomic.LoadInt64(&g.bags)), int(atomic.LoadInt64(&g.objects))
}
