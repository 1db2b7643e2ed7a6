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

// Package syncworker periodically flushes the dirty-set's keys from the
// fast store back into the record store, in fixed-size batches, and keeps
// an append-only history of every attempt.
package syncworker

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Nafiya/limitcache/internal/limitcache/dirtyset"
	"github.com/Nafiya/limitcache/internal/limitcache/faststore"
	"github.com/Nafiya/limitcache/internal/limitcache/metrics"
	"github.com/Nafiya/limitcache/internal/limitcache/record"
)

// Config is the worker's slice of the enumerated configuration.
type Config struct {
	KeyPrefix     string
	Interval      time.Duration
	BatchSize     int
	RetryAttempts int
	FailureLimit  int // consecutive failures before Healthy reports false
}

// fastStore is the slice of *faststore.Adapter the sync worker depends on.
type fastStore interface {
	ReadEntry(ctx context.Context, date time.Time) (*faststore.Entry, error)
}

// recordStore is the slice of *record.Store the sync worker depends on.
type recordStore interface {
	SyncFromCache(ctx context.Context, date time.Time, remaining, consumed, transactionCount int64) (int64, error)
	RecordSync(ctx context.Context, row record.SyncHistoryRow) error
}

// Worker is the sync worker described in spec §4.E: a single background
// goroutine that owns the only writer of the dirty set's consumer side.
type Worker struct {
	fast  fastStore
	rec   recordStore
	dirty *dirtyset.Set
	cfg   Config
	log   *zap.Logger

	inProgress          atomic.Bool
	consecutiveFailures atomic.Int64
	lastSuccess         atomic.Int64 // unix nanos
}

// New constructs a sync worker over the engine's collaborators.
func New(fast fastStore, rec recordStore, dirty *dirtyset.Set, cfg Config, log *zap.Logger) *Worker {
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = 3
	}
	w := &Worker{fast: fast, rec: rec, dirty: dirty, cfg: cfg, log: log}
	w.lastSuccess.Store(time.Now().UnixNano())
	return w
}

// Run starts the ticker loop and blocks until ctx is canceled. On
// cancellation it fires one final SHUTDOWN-triggered sync before
// returning, so no dirty key is lost to a clean shutdown.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			w.Trigger(shutdownCtx, record.SyncShutdown)
			cancel()
			return
		case <-ticker.C:
			w.Trigger(ctx, record.SyncScheduled)
		}
	}
}

// Trigger runs one sync tick if no other tick is in progress. Manual,
// startup, and shutdown calls all funnel through this same method so the
// sync_in_progress guard and history bookkeeping are never duplicated.
func (w *Worker) Trigger(ctx context.Context, kind record.SyncType) Result {
	if !w.inProgress.CompareAndSwap(false, true) {
		return Result{Skipped: true}
	}
	defer w.inProgress.Store(false)

	start := time.Now()
	result := w.runTick(ctx)
	duration := time.Since(start)

	status := record.SyncSuccess
	switch {
	case result.Failed > 0 && result.Synced > 0:
		status = record.SyncPartial
	case result.Failed > 0 && result.Synced == 0:
		status = record.SyncFailed
	}

	historyRow := record.SyncHistoryRow{
		Type:           kind,
		Status:         status,
		RecordsSynced:  result.Synced,
		DurationMillis: duration.Milliseconds(),
		StartedAt:      start,
		CompletedAt:    start.Add(duration),
	}
	if result.Err != nil {
		historyRow.ErrorMessage = result.Err.Error()
	}
	if err := w.rec.RecordSync(ctx, historyRow); err != nil {
		w.log.Error("sync worker: failed to record history", zap.Error(err))
	}

	metrics.SyncTicksTotal.WithLabelValues(string(kind), string(status)).Inc()
	metrics.SyncDuration.Observe(duration.Seconds())
	metrics.SyncRecordsSynced.Add(float64(result.Synced))
	metrics.DirtyKeysGauge.Set(float64(w.dirty.Size()))

	if status == record.SyncFailed {
		w.consecutiveFailures.Add(1)
	} else {
		w.consecutiveFailures.Store(0)
		w.lastSuccess.Store(time.Now().UnixNano())
	}

	result.Duration = duration
	return result
}

// Result summarizes one sync tick.
type Result struct {
	Skipped bool
	Synced  int
	Failed  int
	Err     error
	Duration time.Duration
}

// runTick snapshots the dirty set, processes it in cfg.BatchSize chunks,
// and removes only the keys that synced successfully so a failed key
// stays dirty for the next tick. Once ctx is done it stops before the
// next chunk (never mid-chunk); unprocessed keys stay dirty.
func (w *Worker) runTick(ctx context.Context) Result {
	keys := w.dirty.Snapshot()
	if len(keys) == 0 {
		return Result{}
	}

	batchSize := w.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = len(keys)
	}

	var synced []string
	var failedCount int
	var lastErr error

	for start := 0; start < len(keys); start += batchSize {
		if ctx.Err() != nil {
			break
		}
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]
		for _, key := range batch {
			if err := w.syncOneKey(ctx, key); err != nil {
				failedCount++
				lastErr = err
				w.log.Warn("sync worker: failed to sync key", zap.String("key", key), zap.Error(err))
				continue
			}
			synced = append(synced, key)
		}
	}

	w.dirty.RemoveAll(synced)
	return Result{Synced: len(synced), Failed: failedCount, Err: lastErr}
}

// syncOneKey reads the current fast-store projection for a dirty key and
// blindly writes it back to the record store, making up to
// cfg.RetryAttempts write attempts (at least one) on any write error.
func (w *Worker) syncOneKey(ctx context.Context, remainingKey string) error {
	date, err := faststore.ParseDateFromRemainingKey(remainingKey)
	if err != nil {
		return err
	}

	entry, err := w.fast.ReadEntry(ctx, date)
	if err != nil {
		return err
	}
	if entry == nil {
		// Key expired out of the fast store before the sync could run; there
		// is nothing left to write back, so treat it as already synced.
		return nil
	}

	attempts := w.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		_, lastErr = w.rec.SyncFromCache(ctx, date, entry.Remaining, entry.Consumed, entry.TransactionCount)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// Healthy reports the worker's self-assessed health per spec §4.E: too
// many consecutive failures, or too long since the last success.
func (w *Worker) Healthy() bool {
	if w.consecutiveFailures.Load() >= int64(w.cfg.FailureLimit) {
		return false
	}
	last := time.Unix(0, w.lastSuccess.Load())
	return time.Since(last) <= 3*w.cfg.Interval
}

// PendingKeys reports how many keys are currently dirty, for /sync/stats.
func (w *Worker) PendingKeys() int {
	return w.dirty.Size()
}

// ConsecutiveFailures reports the current streak, for /status.
func (w *Worker) ConsecutiveFailures() int64 {
	return w.consecutiveFailures.Load()
}
