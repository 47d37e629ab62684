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

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "epochgc"
	collector = "collector"
	garbage   = "garbage"
	registry  = "registry"
	torture   = "torture"
)

// Advance results.
const (
	AdvanceAdvanced = "advanced"
	AdvanceRaced    = "raced"
	AdvanceLagging  = "lagging"
)

var (
	CollectorEpoch = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: collector,
			Name:      "epoch",
			Help:      "Current global epoch.",
		}, []string{"collector"})
	CollectorAdvanceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: collector,
			Name:      "advance_total",
			Help:      "Epoch advance attempts by result.",
		}, []string{"collector", "result"})
	CollectorCollectDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: collector,
			Name:      "collect_duration_seconds",
			Help:      "Bucketed histogram of collection step duration.",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 2, 20),
		}, []string{"collector"})

	GarbageRetiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: garbage,
			Name:      "retired_total",
			Help:      "Objects sealed into the global buckets.",
		}, []string{"collector"})
	GarbageReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: garbage,
			Name:      "reclaimed_total",
			Help:      "Objects whose destructor has run.",
		}, []string{"collector"})
	GarbagePendingObjects = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: garbage,
			Name:      "pending_objects",
			Help:      "Sealed objects waiting for their grace period.",
		}, []string{"collector"})

	RegistryParticipants = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: registry,
			Name:      "participants",
			Help:      "Participants linked in the registry.",
		}, []string{"collector"})
	RegistryPrunedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: registry,
			Name:      "pruned_total",
			Help:      "Exited participants unlinked from the registry.",
		}, []string{"collector"})

	TortureOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: torture,
			Name:      "ops_total",
			Help:      "Operations executed by torture workers.",
		}, []string{"structure", "op"})
	TortureViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: torture,
			Name:      "violations_total",
			Help:      "Reclamation invariant violations detected by torture workers.",
		}, []string{"kind"})
	TorturePendingHighWater = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: torture,
			Name:      "pending_high_water",
			Help:      "Highest number of pending objects observed during the run.",
		})
)

func init() {
	prometheus.MustRegister(CollectorEpoch)
	prometheus.MustRegister(CollectorAdvanceTotal)
	prometheus.MustRegister(CollectorCollectDuration)
	prometheus.MustRegister(GarbageRetiredTotal)
	prometheus.MustRegister(GarbageReclaimedTotal)
	prometheus.MustRegister(GarbagePendingObjects)
	prometheus.MustRegister(RegistryParticipants)
	prometheus.MustRegister(RegistryPrunedTotal)
	prometheus.MustRegister(TortureOpsTotal)
	prometheus.MustRegister(TortureViolationsTotal)
	prometheus.MustRegister(TorturePendingHighWater)
	http.Handle("/metrics", promhttp.Handler())
}
