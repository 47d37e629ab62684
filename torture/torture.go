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

package torture

import (
	"context"
	"encoding/binary"
	"os"
	"sync"
	"time"

	"github.com/dgryski/go-farm"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/ngaut/epochgc/config"
	"github.com/ngaut/epochgc/epoch"
	"github.com/ngaut/epochgc/lockfree"
	"github.com/ngaut/epochgc/metrics"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/process"
	"github.com/uber-go/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Violation kinds.
const (
	KindUseAfterFree = "use_after_free"
	KindDoubleFree   = "double_free"
	KindCorrupt      = "corrupt"
	KindLeak         = "leak"
	KindOther        = "other"
)

const samplePeriod = 50 * time.Millisecond

// Result is the report of a finished run.
type Result struct {
	RunID            string
	Structure        string
	Workers          int
	Ops              int64
	Elapsed          time.Duration
	Epoch            uint64
	Advances         uint64
	Retired          uint64
	Reclaimed        uint64
	PendingHighWater int64
	Violations       int64
	Nodes            lockfree.Stats
	RSS              uint64
}

// Progress is a snapshot of a running workload.
type Progress struct {
	RunID            string         `json:"run_id"`
	Structure        string         `json:"structure"`
	Ops              int64          `json:"ops"`
	Violations       int64          `json:"violations"`
	PendingHighWater int64          `json:"pending_high_water"`
	Collector        epoch.Stats    `json:"collector"`
	Nodes            lockfree.Stats `json:"nodes"`
	Done             bool           `json:"done"`
}

// Runner drives concurrent pin, retire and dereference traffic through one of
// the lockfree containers and checks that nothing is freed too early, twice
// or never.
type Runner struct {
	conf   config.Torture
	c      *epoch.Collector
	runID  string
	logger *zap.Logger

	stack *lockfree.Stack[uint64]
	queue *lockfree.Queue[uint64]
	list  *lockfree.List

	ops        atomic.Int64
	violations atomic.Int64
	highWater  atomic.Int64
	done       atomic.Bool

	mu       sync.Mutex
	firstErr error
}

// New creates a runner for conf on collector c.
func New(conf config.Torture, c *epoch.Collector) *Runner {
	r := &Runner{
		conf:  conf,
		c:     c,
		runID: uuid.New().String(),
	}
	r.logger = log.L().With(zap.String("run", r.runID), zap.String("structure", conf.Structure))
	switch conf.Structure {
	case config.StructureQueue:
		r.queue = lockfree.NewQueue[uint64]()
	case config.StructureList:
		r.list = lockfree.NewList()
	default:
		r.stack = lockfree.NewStack[uint64]()
	}
	return r
}

func (r *Runner) RunID() string {
	return r.runID
}

// Run executes the workload, drains the collector and verifies that every
// retired node was reclaimed exactly once. It returns the report together
// with the first violation found, if any.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	if r.conf.Duration != "" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.ParseDuration(r.conf.Duration))
		defer cancel()
	}
	r.logger.Info("torture started",
		zap.Int("workers", r.conf.Workers),
		zap.Int("ops", r.conf.Ops),
		zap.String("duration", r.conf.Duration),
		zap.Int("rate limit", r.conf.RateLimit),
		zap.Bool("nested pins", r.conf.NestedPins))

	stopSampler := make(chan struct{})
	samplerDone := make(chan struct{})
	go r.sampleLoop(stopSampler, samplerDone)

	var wg sync.WaitGroup
	for i := 0; i < r.conf.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := r.worker(ctx, id); err != nil {
				r.fail(err)
			}
		}(i)
	}
	wg.Wait()
	close(stopSampler)
	<-samplerDone

	if err := r.drain(); err != nil {
		r.fail(err)
	}
	r.done.Store(true)

	stats := r.c.Stats()
	res := &Result{
		RunID:            r.runID,
		Structure:        r.conf.Structure,
		Workers:          r.conf.Workers,
		Ops:              r.ops.Load(),
		Elapsed:          time.Since(start),
		Epoch:            stats.Epoch,
		Advances:         stats.Advances,
		Retired:          stats.Retired,
		Reclaimed:        stats.Reclaimed,
		PendingHighWater: r.highWater.Load(),
		Violations:       r.violations.Load(),
		Nodes:            r.nodeStats(),
		RSS:              rss(),
	}
	r.logger.Info("torture finished",
		zap.Int64("ops", res.Ops),
		zap.Duration("elapsed", res.Elapsed),
		zap.Uint64("epoch", res.Epoch),
		zap.Uint64("retired", res.Retired),
		zap.Uint64("reclaimed", res.Reclaimed),
		zap.Int64("pending high water", res.PendingHighWater),
		zap.Int64("violations", res.Violations),
		zap.String("rss", units.HumanSize(float64(res.RSS))))

	r.mu.Lock()
	defer r.mu.Unlock()
	return res, r.firstErr
}

func (r *Runner) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.firstErr == nil {
		r.firstErr = err
	}
	r.logger.Error("torture violation", zap.Error(err))
}

func (r *Runner) violation(kind string, err error) error {
	r.violations.Inc()
	metrics.TortureViolationsTotal.WithLabelValues(kind).Inc()
	return errors.Annotate(err, kind)
}

type opCounters struct {
	put, take, lookup prometheus.Counter
}

func (r *Runner) opCounters() opCounters {
	s := r.conf.Structure
	return opCounters{
		put:    metrics.TortureOpsTotal.WithLabelValues(s, "put"),
		take:   metrics.TortureOpsTotal.WithLabelValues(s, "take"),
		lookup: metrics.TortureOpsTotal.WithLabelValues(s, "lookup"),
	}
}

func (r *Runner) worker(ctx context.Context, id int) error {
	h := r.c.Register()
	defer h.Release()

	var limiter *rate.Limiter
	if r.conf.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(r.conf.RateLimit), r.conf.RateLimit)
	}
	counters := r.opCounters()
	bounded := r.conf.Duration == ""
	for i := 0; !bounded || i < r.conf.Ops; i++ {
		if ctx.Err() != nil {
			return nil
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		if err := r.step(h, counters, token(id, i)); err != nil {
			return errors.Annotatef(err, "worker %d op %d", id, i)
		}
		r.ops.Inc()
	}
	return nil
}

// token returns a non-zero value unique enough to spot a recycled slot.
func token(id, i int) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(id))
	binary.LittleEndian.PutUint64(buf[8:], uint64(i))
	return farm.Fingerprint64(buf[:]) | 1
}

func (r *Runner) step(h *epoch.Handle, counters opCounters, tok uint64) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = r.recovered(v)
		}
	}()
	g := h.Pin()
	defer g.Unpin()
	if r.conf.NestedPins {
		inner := h.Pin()
		defer inner.Unpin()
	}
	switch {
	case r.stack != nil:
		r.stack.Push(g, tok)
		counters.put.Inc()
		if v, ok := r.stack.Pop(g); ok {
			counters.take.Inc()
			if v == 0 {
				return r.violation(KindCorrupt, errors.New("popped a zeroed value"))
			}
		}
	case r.queue != nil:
		r.queue.Enqueue(g, tok)
		counters.put.Inc()
		if v, ok := r.queue.Dequeue(g); ok {
			counters.take.Inc()
			if v == 0 {
				return r.violation(KindCorrupt, errors.New("dequeued a zeroed value"))
			}
		}
	default:
		key := (tok >> 8) % uint64(r.conf.KeySpace)
		switch (tok >> 1) % 3 {
		case 0:
			r.list.Insert(g, key)
			counters.put.Inc()
		case 1:
			r.list.Remove(g, key)
			counters.take.Inc()
		default:
			r.list.Contains(g, key)
			counters.lookup.Inc()
		}
	}
	return nil
}

func (r *Runner) recovered(v interface{}) error {
	err, ok := v.(error)
	if !ok {
		return r.violation(KindOther, errors.Errorf("%v", v))
	}
	switch errors.Cause(err) {
	case lockfree.ErrUseAfterFree, epoch.ErrStaleShared:
		return r.violation(KindUseAfterFree, err)
	case lockfree.ErrDoubleFree, lockfree.ErrDoubleRetire, lockfree.ErrReviveLive:
		return r.violation(KindDoubleFree, err)
	default:
		return r.violation(KindOther, err)
	}
}

// drain empties the container and runs collection steps until nothing is
// pending, then checks the reclamation accounting.
func (r *Runner) drain() error {
	h := r.c.Register()
	g := h.Pin()
	switch {
	case r.stack != nil:
		for _, ok := r.stack.Pop(g); ok; _, ok = r.stack.Pop(g) {
		}
	case r.queue != nil:
		for _, ok := r.queue.Dequeue(g); ok; _, ok = r.queue.Dequeue(g) {
		}
	default:
		var keys []uint64
		r.list.Range(g, func(k uint64) bool {
			keys = append(keys, k)
			return true
		})
		for _, k := range keys {
			r.list.Remove(g, k)
		}
	}
	g.Unpin()
	h.Release()

	stats := r.c.Stats()
	for i := 0; i < r.conf.FlushRounds && stats.PendingObjects > 0; i++ {
		r.c.Collect()
		stats = r.c.Stats()
	}
	if stats.PendingObjects > 0 {
		return r.violation(KindLeak, errors.Errorf("%d objects still pending after %d collection steps",
			stats.PendingObjects, r.conf.FlushRounds))
	}
	if stats.Retired != stats.Reclaimed {
		return r.violation(KindLeak, errors.Errorf("retired %d objects but reclaimed %d",
			stats.Retired, stats.Reclaimed))
	}
	// The queue keeps its sentinel.
	var want int64
	if r.queue != nil {
		want = 1
	}
	if live := r.nodeStats().Live; live != want {
		return r.violation(KindLeak, errors.Errorf("%d nodes not recycled", live-want))
	}
	return nil
}

func (r *Runner) nodeStats() lockfree.Stats {
	switch {
	case r.stack != nil:
		return r.stack.Stats()
	case r.queue != nil:
		return r.queue.Stats()
	default:
		return r.list.Stats()
	}
}

func (r *Runner) sampleLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(samplePeriod)
	defer ticker.Stop()
	interval := time.Duration(0)
	if r.conf.ReportInterval != "" {
		interval = config.ParseDuration(r.conf.ReportInterval)
	}
	lastReport := time.Now()
	for {
		select {
		case <-ticker.C:
			stats := r.c.Stats()
			r.observePending(int64(stats.PendingObjects))
			if interval > 0 && time.Since(lastReport) >= interval {
				lastReport = time.Now()
				r.logger.Info("torture progress",
					zap.Int64("ops", r.ops.Load()),
					zap.Uint64("epoch", stats.Epoch),
					zap.Int("participants", stats.Participants),
					zap.Int("pending objects", stats.PendingObjects),
					zap.Int64("pending high water", r.highWater.Load()),
					zap.String("rss", units.HumanSize(float64(rss()))))
			}
		case <-stop:
			return
		}
	}
}

func (r *Runner) observePending(n int64) {
	for {
		hw := r.highWater.Load()
		if n <= hw {
			return
		}
		if r.highWater.CAS(hw, n) {
			metrics.TorturePendingHighWater.Set(float64(n))
			return
		}
	}
}

// Progress returns a snapshot for the status server.
func (r *Runner) Progress() Progress {
	return Progress{
		RunID:            r.runID,
		Structure:        r.conf.Structure,
		Ops:              r.ops.Load(),
		Violations:       r.violations.Load(),
		PendingHighWater: r.highWater.Load(),
		Collector:        r.c.Stats(),
		Nodes:            r.nodeStats(),
		Done:             r.done.Load(),
	}
}

func rss() uint64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0
	}
	return mem.RSS
}
