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
	"sync"
	"sync/atomic"
	"time"

	"github.com/ngaut/epochgc/metrics"
	"github.com/pingcap/badger/y"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
)

// Collector owns a global epoch, the participants pinning against it and the
// garbage they retired. Collectors are independent of each other.
type Collector struct {
	global atomicEpoch

	// cachePad make global stay in a separate cache line.
	_ cpu.CacheLinePad

	registry registry
	garbage  garbage
	opts     options
	logger   *zap.Logger

	handles sync.Pool
	bags    sync.Pool

	closer *y.Closer

	retired   int64
	reclaimed int64
	advances  int64

	m collectorMetrics
}

type collectorMetrics struct {
	epoch           prometheus.Gauge
	advanced        prometheus.Counter
	raced           prometheus.Counter
	lagging         prometheus.Counter
	collectDuration prometheus.Observer
	retired         prometheus.Counter
	reclaimed       prometheus.Counter
	pending         prometheus.Gauge
	participants    prometheus.Gauge
	pruned          prometheus.Counter
}

func newCollectorMetrics(name string) collectorMetrics {
	return collectorMetrics{
		epoch:           metrics.CollectorEpoch.WithLabelValues(name),
		advanced:        metrics.CollectorAdvanceTotal.WithLabelValues(name, metrics.AdvanceAdvanced),
		raced:           metrics.CollectorAdvanceTotal.WithLabelValues(name, metrics.AdvanceRaced),
		lagging:         metrics.CollectorAdvanceTotal.WithLabelValues(name, metrics.AdvanceLagging),
		collectDuration: metrics.CollectorCollectDuration.WithLabelValues(name),
		retired:         metrics.GarbageRetiredTotal.WithLabelValues(name),
		reclaimed:       metrics.GarbageReclaimedTotal.WithLabelValues(name),
		pending:         metrics.GarbagePendingObjects.WithLabelValues(name),
		participants:    metrics.RegistryParticipants.WithLabelValues(name),
		pruned:          metrics.RegistryPrunedTotal.WithLabelValues(name),
	}
}

// NewCollector creates a collector with the global epoch at 0.
func NewCollector(opts ...Option) *Collector {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.finish()
	c := &Collector{
		opts:   o,
		logger: o.logger,
		m:      newCollectorMetrics(o.name),
	}
	c.bags.New = func() interface{} {
		return newBag(c.opts.bagCapacity)
	}
	c.handles.New = func() interface{} {
		h := c.Register()
		h.pooled = true
		return h
	}
	if o.collectInterval > 0 {
		c.closer = y.NewCloser(1)
		go c.collectLoop(o.collectInterval)
	}
	c.logger.Debug("epoch collector created",
		zap.Int("bag capacity", o.bagCapacity),
		zap.Int("advance every", o.advanceEvery),
		zap.Duration("collect interval", o.collectInterval))
	return c
}

// Register adds a participant and returns its handle. A handle must be used
// by one goroutine at a time. Call Release when the goroutine is done with
// it; a handle that becomes unreachable is released by its finalizer.
func (c *Collector) Register() *Handle {
	p := &participant{bag: c.getBag()}
	c.registry.add(p)
	c.m.participants.Inc()
	h := &Handle{c: c, p: p}
	runtime.SetFinalizer(h, (*Handle).finalize)
	return h
}

// Pin pins a handle taken from an internal pool. The handle goes back to the
// pool on the outermost Unpin.
func (c *Collector) Pin() *Guard {
	return c.handles.Get().(*Handle).Pin()
}

// Flush seals the garbage buffered by a pooled handle and runs one
// collection step.
func (c *Collector) Flush() {
	g := c.Pin()
	g.Flush()
	g.Unpin()
}

// Collect runs one collection step and returns the number of destroyed
// objects.
func (c *Collector) Collect() int {
	return c.collect()
}

// Epoch returns the current global epoch.
func (c *Collector) Epoch() uint64 {
	return c.global.load().value()
}

// TryAdvance advances the global epoch if every pinned participant has
// observed the current one. It returns the global epoch after the attempt and
// whether the epoch moved, by this call or a racing one.
func (c *Collector) TryAdvance() (uint64, bool) {
	e, ok := c.tryAdvance()
	return e.value(), ok
}

func (c *Collector) tryAdvance() (epoch, bool) {
	global := c.global.load()
	lagging := false
	c.registry.forEachActive(func(local epoch) bool {
		if local.sub(global) != 0 {
			lagging = true
			return false
		}
		return true
	})
	if lagging {
		c.m.lagging.Inc()
		return global, false
	}
	next := global.successor()
	if !c.global.compareAndSwap(global, next) {
		c.m.raced.Inc()
		return c.global.load(), true
	}
	atomic.AddInt64(&c.advances, 1)
	c.m.advanced.Inc()
	c.m.epoch.Set(float64(next.value()))
	return next, true
}

// collect tries to advance, then destroys what the resulting epoch allows.
// Draining does not depend on the advance succeeding, so calling it again
// without progress destroys nothing twice.
func (c *Collector) collect() int {
	start := time.Now()
	global, _ := c.tryAdvance()
	objects, _ := c.garbage.collect(global, c.putBag)
	if objects > 0 {
		atomic.AddInt64(&c.reclaimed, int64(objects))
		c.m.reclaimed.Add(float64(objects))
	}
	// An exited head is never unlinked, so this keeps scanning until a
	// newer participant registers in front of it.
	if c.registry.needsPrune() {
		c.prune()
	}
	_, pending := c.garbage.pending()
	c.m.pending.Set(float64(pending))
	c.m.collectDuration.Observe(time.Since(start).Seconds())
	return objects
}

// prune seals the bags left behind by exited participants and unlinks them.
func (c *Collector) prune() {
	removed := c.registry.prune(func(p *participant) bool {
		if !p.isExited() {
			return false
		}
		if b := p.bag; b != nil {
			p.bag = nil
			atomic.StoreInt64(&p.pending, 0)
			if b.isEmpty() {
				c.putBag(b)
			} else {
				c.seal(b)
			}
		}
		return true
	})
	if removed > 0 {
		c.m.pruned.Add(float64(removed))
		c.m.participants.Sub(float64(removed))
		c.logger.Debug("pruned exited participants",
			zap.Int("removed", removed), zap.Int("participants", c.registry.len()))
	}
}

// seal tags b with the current global epoch and hands it over to the global
// buckets. The caller must have unlinked every object in b before.
func (c *Collector) seal(b *bag) {
	n := b.len()
	b.epoch = c.global.load()
	c.garbage.push(b)
	atomic.AddInt64(&c.retired, int64(n))
	c.m.retired.Add(float64(n))
}

func (c *Collector) getBag() *bag {
	return c.bags.Get().(*bag)
}

func (c *Collector) putBag(b *bag) {
	b.epoch = 0
	c.bags.Put(b)
}

func (c *Collector) collectLoop(interval time.Duration) {
	defer c.closer.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.closer.HasBeenClosed():
			return
		}
	}
}

// Close stops the background collect loop. Garbage still pending is not
// destroyed.
func (c *Collector) Close() {
	if c.closer != nil {
		c.closer.SignalAndWait()
	}
	stats := c.Stats()
	c.logger.Info("epoch collector closed",
		zap.Uint64("epoch", stats.Epoch),
		zap.Int("pending objects", stats.PendingObjects),
		zap.Uint64("retired", stats.Retired),
		zap.Uint64("reclaimed", stats.Reclaimed))
}

// Stats is a point-in-time snapshot of a Collector. Counters are read
// separately, so a snapshot taken under load is only approximately
// consistent.
type Stats struct {
	Epoch uint64
	// Participants excludes released handles.
	Participants int
	// Active is the number of participants pinned at the time of the scan.
	Active      int
	PendingBags int
	// PendingObjects counts sealed objects plus those still buffered in
	// local bags.
	PendingObjects int
	Retired        uint64
	Reclaimed      uint64
	Advances       uint64
}

func (c *Collector) Stats() Stats {
	bags, objects := c.garbage.pending()
	s := Stats{
		Epoch:       c.Epoch(),
		PendingBags: bags,
		Retired:     uint64(atomic.LoadInt64(&c.retired)),
		Reclaimed:   uint64(atomic.LoadInt64(&c.reclaimed)),
		Advances:    uint64(atomic.LoadInt64(&c.advances)),
	}
	c.registry.iterate(func(p *participant) bool {
		objects += int(atomic.LoadInt64(&p.pending))
		if p.isExited() {
			return true
		}
		if p.epoch.load().isActive() {
			s.Active++
		}
		s.Participants++
		return true
	})
	s.PendingObjects = objects
	return s
}
