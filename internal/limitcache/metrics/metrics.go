// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics registers the Prometheus counters and histograms the
// rest of the service updates. Global by design, mirroring the teacher's
// process-level churn counters: no unbounded label cardinality.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConsumeTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "limitcache_consume_total",
		Help: "Consume attempts by source and outcome.",
	}, []string{"source", "outcome"})

	ConsumeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "limitcache_consume_duration_seconds",
		Help:    "Consume call latency by source.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limitcache_cache_hits_total",
		Help: "Consume calls that hit the fast store on the first try.",
	})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limitcache_cache_misses_total",
		Help: "Consume calls that missed the fast store and triggered a warm-and-retry.",
	})

	SyncTicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "limitcache_sync_ticks_total",
		Help: "Sync worker ticks by trigger type and status.",
	}, []string{"type", "status"})

	SyncRecordsSynced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "limitcache_sync_records_synced_total",
		Help: "Total dirty keys successfully written back to the record store.",
	})

	SyncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "limitcache_sync_duration_seconds",
		Help:    "Duration of a sync worker tick.",
		Buckets: prometheus.DefBuckets,
	})

	DirtyKeysGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "limitcache_dirty_keys",
		Help: "Current size of the dirty-set tracker.",
	})
)

func init() {
	prometheus.MustRegister(
		ConsumeTotal, ConsumeDuration, CacheHits, CacheMisses,
		SyncTicksTotal, SyncRecordsSynced, SyncDuration, DirtyKeysGauge,
	)
}

// Serve starts a dedicated HTTP server exposing /metrics on addr. It
// blocks; callers should run it in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return server.ListenAndServe()
}
