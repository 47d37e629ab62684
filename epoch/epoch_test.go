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
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEpochWord(t *testing.T) {
	e := fromValue(5)
	require.False(t, e.isActive())
	require.Equal(t, uint64(5), e.value())

	a := e.activate()
	require.True(t, a.isActive())
	require.Equal(t, uint64(5), a.value())
	require.Equal(t, e, a.deactivate())
	require.Equal(t, int64(0), a.sub(e))

	require.Equal(t, int64(1), e.successor().sub(e))
	require.Equal(t, int64(-1), e.sub(e.successor()))
	require.Equal(t, int64(2), e.successor().successor().sub(a))
}

func TestEpochWraparound(t *testing.T) {
	last := epoch(math.MaxUint64).deactivate()
	next := last.successor()
	require.Equal(t, uint64(0), next.value())
	require.Equal(t, int64(1), next.sub(last))
	require.Equal(t, int64(-1), last.sub(next))
	require.Equal(t, int64(2), next.successor().sub(last.activate()))
}

func TestAtomicEpoch(t *testing.T) {
	var ae atomicEpoch
	require.Equal(t, epoch(0), ae.load())
	ae.store(fromValue(3).activate())
	require.True(t, ae.load().isActive())
	require.False(t, ae.compareAndSwap(fromValue(3), fromValue(4)))
	require.True(t, ae.compareAndSwap(fromValue(3).activate(), fromValue(4)))
	require.Equal(t, uint64(4), ae.load().value())
}

func TestRegistryConcurrentAddAndPrune(t *testing.T) {
	const (
		workers = 8
		perW    = 200
	)
	var r registry
	var wg sync.WaitGroup
	var done uint32
	pruned := make(chan int, 1)
	go func() {
		total := 0
		for atomic.LoadUint32(&done) == 0 {
			total += r.prune(func(p *participant) bool { return p.isExited() })
		}
		pruned <- total
	}()
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perW; j++ {
				p := &participant{}
				r.add(p)
				if j%2 == 0 {
					r.remove(p)
				}
			}
		}()
	}
	wg.Wait()
	atomic.StoreUint32(&done, 1)
	<-pruned
	r.prune(func(p *participant) bool { return p.isExited() })

	live, exited, linked := 0, 0, 0
	r.iterate(func(p *participant) bool {
		linked++
		if p.isExited() {
			exited++
		} else {
			live++
		}
		return true
	})
	require.Equal(t, workers*perW/2, live)
	// The head is never unlinked.
	require.LessOrEqual(t, exited, 1)
	require.Equal(t, linked, r.len())
	require.Equal(t, int64(exited), atomic.LoadInt64(&r.exited))
}

func TestRegistryForEachActive(t *testing.T) {
	var r registry
	ps := make([]*participant, 4)
	for i := range ps {
		ps[i] = &participant{}
		r.add(ps[i])
	}
	ps[1].epoch.store(fromValue(7).activate())
	ps[3].epoch.store(fromValue(8).activate())
	var seen []uint64
	r.forEachActive(func(e epoch) bool {
		seen = append(seen, e.value())
		return true
	})
	require.ElementsMatch(t, []uint64{7, 8}, seen)

	r.remove(ps[3])
	seen = seen[:0]
	r.forEachActive(func(e epoch) bool {
		seen = append(seen, e.value())
		return true
	})
	require.Equal(t, []uint64{7}, seen)
	require.True(t, r.needsPrune())
}

func TestGarbageCollectByTag(t *testing.T) {
	var g garbage
	var ran [3]int
	mk := func(i int, e uint64) *bag {
		b := newBag(4)
		require.True(t, b.tryPush(func() { ran[i]++ }))
		b.epoch = fromValue(e)
		return b
	}
	g.push(mk(0, 0))
	g.push(mk(1, 1))
	g.push(mk(2, 3))
	bags, objects := g.pending()
	require.Equal(t, 3, bags)
	require.Equal(t, 3, objects)

	var recycled []*bag
	recycle := func(b *bag) { recycled = append(recycled, b) }

	// Bucket 0 holds tags 0 and 3, only 0 is old enough.
	n, _ := g.collect(fromValue(2), recycle)
	require.Equal(t, 1, n)
	require.Equal(t, [3]int{1, 0, 0}, ran)

	// Nothing left that epoch 2 may destroy.
	n, _ = g.collect(fromValue(2), recycle)
	require.Equal(t, 0, n)

	n, _ = g.collect(fromValue(3), recycle)
	require.Equal(t, 1, n)
	n, _ = g.collect(fromValue(5), recycle)
	require.Equal(t, 1, n)
	require.Equal(t, [3]int{1, 1, 1}, ran)

	bags, objects = g.pending()
	require.Equal(t, 0, bags)
	require.Equal(t, 0, objects)
	require.Len(t, recycled, 3)
	for _, b := range recycled {
		require.True(t, b.isEmpty())
	}
}

func TestGarbageCollectRecoversFromPanic(t *testing.T) {
	var g garbage
	var ran [3]int
	boom := 0
	first := newBag(4)
	first.tryPush(func() { ran[0]++ })
	first.tryPush(func() {
		boom++
		panic("destroy failed")
	})
	first.tryPush(func() { ran[1]++ })
	second := newBag(4)
	second.tryPush(func() { ran[2]++ })
	g.push(second)
	g.push(first)

	var recycled int
	recycle := func(b *bag) { recycled++ }
	require.Panics(t, func() { g.collect(fromValue(2), recycle) })
	require.Equal(t, [3]int{0, 1, 0}, ran)
	bags, objects := g.pending()
	require.Equal(t, 2, bags)
	require.Equal(t, 2, objects)

	n, collected := g.collect(fromValue(2), recycle)
	require.Equal(t, 2, n)
	require.Equal(t, 2, collected)
	require.Equal(t, [3]int{1, 1, 1}, ran)
	require.Equal(t, 1, boom)
	require.Equal(t, 2, recycled)
	bags, objects = g.pending()
	require.Equal(t, 0, bags)
	require.Equal(t, 0, objects)
}

func TestBagCapacity(t *testing.T) {
	b := newBag(2)
	require.True(t, b.tryPush(func() {}))
	require.True(t, b.tryPush(func() {}))
	require.False(t, b.tryPush(func() {}))
	require.Equal(t, 2, b.run())
	require.True(t, b.isEmpty())
	require.True(t, b.tryPush(func() {}))
}
