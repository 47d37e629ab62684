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

package config

import (
	"time"

	"github.com/ngaut/epochgc/epoch"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
)

// Config contains configuration options.
type Config struct {
	Server    Server    `toml:"server"`    // Server configs
	Collector Collector `toml:"collector"` // Collector configs
	Torture   Torture   `toml:"torture"`   // Torture workload configs
}

// Server is the config for the process and its status server.
type Server struct {
	StatusAddr  string `toml:"status-addr"`
	LogLevel    string `toml:"log-level"`
	LogfilePath string `toml:"log-file"`
	MaxProcs    int    `toml:"max-procs"`
}

// Collector is the config for the epoch collector.
type Collector struct {
	Name            string `toml:"name"`
	BagCapacity     int    `toml:"bag-capacity"`     // deferred functions per local bag
	AdvanceEvery    int    `toml:"advance-every"`    // outermost unpins between collection steps
	CollectInterval string `toml:"collect-interval"` // background collection interval, "0s" disables it
}

// Torture is the config for the torture workload.
type Torture struct {
	Structure      string `toml:"structure"`       // stack, queue or list
	Workers        int    `toml:"workers"`         // number of goroutines
	Ops            int    `toml:"ops"`             // operations per worker, ignored if duration is set
	Duration       string `toml:"duration"`        // run for a fixed time instead of a fixed op count
	RateLimit      int    `toml:"rate-limit"`      // operations per second per worker, 0 is unlimited
	NestedPins     bool   `toml:"nested-pins"`     // pin again inside every operation
	KeySpace       int    `toml:"key-space"`       // distinct keys used by the list workload
	ReportInterval string `toml:"report-interval"` // progress log interval
	FlushRounds    int    `toml:"flush-rounds"`    // collection steps allowed to drain garbage at the end
}

// Torture structures.
const (
	StructureStack = "stack"
	StructureQueue = "queue"
	StructureList  = "list"
)

// DefaultConf returns the default configuration.
var DefaultConf = Config{
	Server: Server{
		StatusAddr: "127.0.0.1:9290",
		LogLevel:   "info",
		MaxProcs:   0,
	},
	Collector: Collector{
		Name:            "torture",
		BagCapacity:     epoch.DefaultBagCapacity,
		AdvanceEvery:    epoch.DefaultAdvanceEvery,
		CollectInterval: "100ms",
	},
	Torture: Torture{
		Structure:      StructureStack,
		Workers:        8,
		Ops:            100000,
		RateLimit:      0,
		KeySpace:       1024,
		ReportInterval: "5s",
		FlushRounds:    16,
	},
}

// ParseDuration parses duration argument string.
func ParseDuration(durationStr string) time.Duration {
	dur, err := time.ParseDuration(durationStr)
	if err != nil {
		dur, err = time.ParseDuration(durationStr + "s")
	}
	if err != nil || dur < 0 {
		log.S().Fatalf("invalid duration=%v", durationStr)
	}
	return dur
}

func checkDuration(name, s string) error {
	if s == "" {
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		dur, err = time.ParseDuration(s + "s")
	}
	if err != nil {
		return errors.Annotatef(err, "invalid %s", name)
	}
	if dur < 0 {
		return errors.Errorf("invalid %s %q: negative", name, s)
	}
	return nil
}

// Validate checks the values that ParseDuration and the workload would
// otherwise reject at run time.
func (c *Config) Validate() error {
	if c.Collector.BagCapacity < 1 {
		return errors.Errorf("collector.bag-capacity must be positive, got %d", c.Collector.BagCapacity)
	}
	if c.Collector.AdvanceEvery < 1 {
		return errors.Errorf("collector.advance-every must be positive, got %d", c.Collector.AdvanceEvery)
	}
	switch c.Torture.Structure {
	case StructureStack, StructureQueue, StructureList:
	default:
		return errors.Errorf("unknown torture.structure %q", c.Torture.Structure)
	}
	if c.Torture.Workers < 1 {
		return errors.Errorf("torture.workers must be positive, got %d", c.Torture.Workers)
	}
	if c.Torture.Duration == "" && c.Torture.Ops < 1 {
		return errors.New("torture.ops must be positive when torture.duration is not set")
	}
	if c.Torture.RateLimit < 0 {
		return errors.Errorf("torture.rate-limit must not be negative, got %d", c.Torture.RateLimit)
	}
	if c.Torture.Structure == StructureList && c.Torture.KeySpace < 1 {
		return errors.Errorf("torture.key-space must be positive, got %d", c.Torture.KeySpace)
	}
	if c.Torture.FlushRounds < 3 {
		return errors.Errorf("torture.flush-rounds must be at least 3, got %d", c.Torture.FlushRounds)
	}
	for name, s := range map[string]string{
		"collector.collect-interval": c.Collector.CollectInterval,
		"torture.duration":           c.Torture.Duration,
		"torture.report-interval":    c.Torture.ReportInterval,
	} {
		if err := checkDuration(name, s); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// CollectorOptions converts the collector section to collector options.
func (c *Config) CollectorOptions() []epoch.Option {
	opts := []epoch.Option{
		epoch.WithName(c.Collector.Name),
		epoch.WithBagCapacity(c.Collector.BagCapacity),
		epoch.WithAdvanceEvery(c.Collector.AdvanceEvery),
	}
	if c.Collector.CollectInterval != "" {
		opts = append(opts, epoch.WithCollectInterval(ParseDuration(c.Collector.CollectInterval)))
	}
	return opts
}
