package epoch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNestedPin(t *testing.T) {
	c := NewCollector(WithName("test"))
	h := c.Register()
	defer h.Release()

	outer := h.Pin()
	c.TryAdvance()
	inner := h.Pin()
	// The inner pin does not republish the epoch.
	require.Equal(t, uint64(0), inner.Epoch())
	inner.Unpin()
	require.True(t, h.IsPinned())
	outer.Unpin()
	require.False(t, h.IsPinned())
}

func TestContractViolations(t *testing.T) {
	c := NewCollector(WithName("test"))
	h := c.Register()

	g := h.Pin()
	require.PanicsWithError(t, ErrHandlePinned.Error(), func() { h.Release() })
	inner := h.Pin()
	require.PanicsWithError(t, ErrNotOutermost.Error(), func() { inner.Repin() })
	inner.Unpin()
	g.Unpin()
	require.PanicsWithError(t, ErrNotPinned.Error(), func() { g.Unpin() })
	require.PanicsWithError(t, ErrNotPinned.Error(), func() { g.Defer(func() {}) })

	h.Release()
	require.PanicsWithError(t, ErrReleased.Error(), func() { h.Pin() })
	require.PanicsWithError(t, ErrReleased.Error(), func() { h.Flush() })

	pg := c.Pin()
	require.PanicsWithError(t, ErrPooledRelease.Error(), func() { pg.h.Release() })
	pg.Unpin()
}

func TestSharedInvalidatedByUnpin(t *testing.T) {
	c := NewCollector(WithName("test"))
	h := c.Register()
	defer h.Release()

	a := NewAtomic(&object{value: 1})
	g := h.Pin()
	s := a.Load(g)
	require.Equal(t, 1, s.Deref().value)
	g.Unpin()
	require.PanicsWithError(t, ErrStaleShared.Error(), func() { s.Deref() })
	require.PanicsWithError(t, ErrNotPinned.Error(), func() { a.Load(g) })
}

func TestSharedInvalidatedByRepin(t *testing.T) {
	c := NewCollector(WithName("test"))
	h := c.Register()
	defer h.Release()

	a := NewAtomic(&object{value: 1})
	g := h.Pin()
	defer g.Unpin()
	s := a.Load(g)
	g.Repin()
	require.PanicsWithError(t, ErrStaleShared.Error(), func() { s.Deref() })
	require.Equal(t, 1, a.Load(g).Deref().value)
}

func TestAtomicCompareAndSwap(t *testing.T) {
	c := NewCollector(WithName("test"))
	h := c.Register()
	defer h.Release()

	first, second := &object{value: 1}, &object{value: 2}
	var a Atomic[object]
	g := h.Pin()
	defer g.Unpin()

	empty := a.Load(g)
	require.True(t, empty.IsNull())
	require.Nil(t, empty.Deref())

	cur, ok := a.CompareAndSwap(g, empty, first)
	require.True(t, ok)
	require.Same(t, first, cur.Deref())

	cur, ok = a.CompareAndSwap(g, empty, second)
	require.False(t, ok)
	require.Same(t, first, cur.Deref())
	require.True(t, cur.Equal(a.Load(g)))

	prev := a.Swap(g, second)
	require.Same(t, first, prev.Deref())
	require.Same(t, second, a.Load(g).Deref())
}

func TestTaggedAtomic(t *testing.T) {
	c := NewCollector(WithName("test"))
	h := c.Register()
	defer h.Release()

	o := &object{value: 7}
	var a TaggedAtomic[object]
	g := h.Pin()
	defer g.Unpin()

	s := a.Load(g)
	require.True(t, s.IsNull())
	require.Equal(t, uint(0), s.Tag())

	a.Store(o, 0)
	s = a.Load(g)
	// Same pointer, different tag.
	_, ok := a.CompareAndSwap(g, s, o, 1)
	require.True(t, ok)
	cur, ok := a.CompareAndSwap(g, s, nil, 0)
	require.False(t, ok)
	require.Equal(t, uint(1), cur.Tag())
	require.Same(t, o, cur.Deref())
	require.False(t, cur.Equal(s))
}

func TestTaggedAtomicConcurrentMark(t *testing.T) {
	c := NewCollector(WithName("test"))
	o := &object{}
	var a TaggedAtomic[object]
	a.Store(o, 0)

	var wg sync.WaitGroup
	wins := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := c.Pin()
			defer g.Unpin()
			s := a.Load(g)
			for s.Tag() == 0 {
				var ok bool
				if s, ok = a.CompareAndSwap(g, s, s.Deref(), 1); ok {
					wins <- struct{}{}
					return
				}
			}
		}()
	}
	wg.Wait()
	close(wins)
	require.Len(t, wins, 1)
}

func TestTaggedAtomicFetch(t *testing.T) {
	c := NewCollector(WithName("test"))
	h := c.Register()
	defer h.Release()

	first, second := &object{value: 1}, &object{value: 2}
	var a TaggedAtomic[object]
	g := h.Pin()
	defer g.Unpin()

	require.True(t, a.Swap(g, first, 0).IsNull())

	prev := a.FetchOr(g, 1)
	require.Equal(t, uint(0), prev.Tag())
	require.Equal(t, uint(1), a.FetchOr(g, 1).Tag())
	require.Equal(t, uint(1), a.FetchXor(g, 3).Tag())
	require.Equal(t, uint(2), a.FetchAnd(g, 1).Tag())
	cur := a.Load(g)
	require.Equal(t, uint(0), cur.Tag())
	require.Same(t, first, cur.Deref())

	prev = a.Swap(g, second, 5)
	require.Same(t, first, prev.Deref())
	require.Equal(t, uint(0), prev.Tag())
	cur = a.Load(g)
	require.Same(t, second, cur.Deref())
	require.Equal(t, uint(5), cur.Tag())
}

func TestTaggedAtomicConcurrentFetchOr(t *testing.T) {
	c := NewCollector(WithName("test"))
	o := &object{}
	var a TaggedAtomic[object]
	a.Store(o, 0)

	var wg sync.WaitGroup
	wins := make(chan struct{}, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := c.Pin()
			defer g.Unpin()
			if prev := a.FetchOr(g, 1); prev.Tag() == 0 {
				require.Same(t, o, prev.Deref())
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	require.Len(t, wins, 1)
}
