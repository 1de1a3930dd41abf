// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package metrics wires per-operation counters and latency
// histograms (spec.md #9 "the admin/metrics surface is intentionally
// unspecified"): a Prometheus registry the HTTP front door's /metrics
// endpoint serves, mirroring the teacher's registry-plus-namespace
// setup. There is no grpc service in this module to hang
// grpc-ecosystem's server metrics off of, so that piece of the
// teacher's stack is dropped (see DESIGN.md).
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	opLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "metaserver",
		Subsystem: "ops",
		Name:      "latency_seconds",
		Help:      "client request handling latency by op and result, request_start to request_finish.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"op", "result"})

	opDelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "metaserver",
		Subsystem: "ops",
		Name:      "delayed_total",
		Help:      "requests that parked a retry continuation at least once before replying.",
	}, []string{"op"})

	journalDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "metaserver",
		Subsystem: "journal",
		Name:      "queue_depth",
		Help:      "entries awaiting sync in safe mode.",
	})
)

func init() {
	Registry.MustRegister(opLatency, opDelayed, journalDepth)
}

// ObserveOp records one finished request's latency, bucketed by op
// name and whether it finished successfully.
func ObserveOp(op string, ok bool, start time.Time) {
	result := "error"
	if ok {
		result = "ok"
	}
	opLatency.WithLabelValues(op, result).Observe(time.Since(start).Seconds())
}

// ObserveDelayed records that op parked a retry continuation before it
// could be replied to - the cheapest signal of lock/frag contention
// available at the request level.
func ObserveDelayed(op string) {
	opDelayed.WithLabelValues(op).Inc()
}

// SetJournalDepth reports the journal's current queue length, for the
// admin surface to poll alongside /waiters and /requests.
func SetJournalDepth(n int) {
	journalDepth.Set(float64(n))
}
