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

// Package engine is the limit engine: the public consume/query API that
// owns the cache-vs-direct decision and the warm/miss/retry protocol
// described in spec §4.D. It is the hard, interesting part of the system;
// everything else in the repository is a collaborator it exposes a
// contract to.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Nafiya/limitcache/internal/limitcache/dirtyset"
	"github.com/Nafiya/limitcache/internal/limitcache/faststore"
	"github.com/Nafiya/limitcache/internal/limitcache/metrics"
	"github.com/Nafiya/limitcache/internal/limitcache/record"
)

// Source identifies which backing path served a consume or query call.
type Source string

const (
	SourceCache    Source = "CACHE"
	SourceDatabase Source = "DATABASE"
)

// Config is the subset of the enumerated configuration the engine reads
// directly.
type Config struct {
	CacheEnabled bool
	KeyPrefix    string
	TTL          time.Duration
}

// fastStore is the slice of *faststore.Adapter the engine depends on. It
// exists so unit tests can substitute a fake for the Redis-backed
// adapter, the way the teacher's core.Worker depends on a Persister
// interface rather than a concrete persistence client.
type fastStore interface {
	Warm(ctx context.Context, date time.Time, initial, remaining, consumed, transactionCount, version int64) error
	ConsumeScript(ctx context.Context, date time.Time, amount int64) (faststore.Status, int64, error)
	ReadEntry(ctx context.Context, date time.Time) (*faststore.Entry, error)
	ClearAll(ctx context.Context, prefix string) error
	ServerStats(ctx context.Context, section string) (string, error)
}

// recordStore is the slice of *record.Store the engine depends on.
type recordStore interface {
	FindByDate(ctx context.Context, date time.Time) (*record.DailyLimit, error)
	FindByMonth(ctx context.Context, year int, month time.Month) ([]record.DailyLimit, error)
	ConsumeDirect(ctx context.Context, date time.Time, amount int64) (record.DirectConsumeResult, error)
	ResetMonth(ctx context.Context, year int, month time.Month, initialLimit int64) ([]record.DailyLimit, error)
	Seed(ctx context.Context, date time.Time, initialLimit int64) error
	FindLowLimits(ctx context.Context, threshold float64) ([]record.DailyLimit, error)
	SyncStatsSince(ctx context.Context, since time.Time) (record.SyncStatsSince, error)
}

// Engine wires the fast-store adapter, the record store, and the dirty-set
// tracker into the consume/query/admin API described in spec §4.D.
type Engine struct {
	fast  fastStore
	rec   recordStore
	dirty *dirtyset.Set
	cfg   Config
	log   *zap.Logger

	// resetMu is the engine-global exclusion from spec §5: Reset and
	// ResetForLoadTest take the write lock because they rewrite keys
	// wholesale; every other operation takes the read lock so ordinary
	// consumes are never serialized against each other.
	resetMu sync.RWMutex
}

// New constructs a limit engine.
func New(fast fastStore, rec recordStore, dirty *dirtyset.Set, cfg Config, log *zap.Logger) *Engine {
	return &Engine{fast: fast, rec: rec, dirty: dirty, cfg: cfg, log: log}
}

// FastStore, RecordStore, DirtySet, and Config expose the engine's
// collaborators to the API layer's admin endpoints, which need to reach
// the cache and record store directly rather than through consume/query.
func (e *Engine) FastStore() fastStore       { return e.fast }
func (e *Engine) RecordStore() recordStore   { return e.rec }
func (e *Engine) DirtySet() *dirtyset.Set    { return e.dirty }
func (e *Engine) Config() Config             { return e.cfg }

// ConsumeRequest is the input to Consume. TransactionID is opaque and
// caller-supplied; if empty, Consume generates one and echoes it back in
// the response so every consume attempt can be correlated end to end.
type ConsumeRequest struct {
	Date          time.Time
	Amount        int64
	ForceDirect   bool
	TransactionID string
}

// ConsumeResponse is the result of a consume attempt. It never carries a
// Go error: every failure mode spec §7 names is expressed as a message.
type ConsumeResponse struct {
	Success        bool
	TransactionID  string
	RemainingAfter int64
	Source         Source
	Message        string
	Latency        time.Duration
}

const (
	msgSuccess       = "Success"
	msgInsufficient  = "Insufficient limit"
	msgDateNotFound  = "Date not found"
	msgInvalidAmount = "Amount must be positive"
)

// Consume is the engine's single write operation: an atomic attempt to
// decrement a date's remaining limit by a positive amount.
func (e *Engine) Consume(ctx context.Context, req ConsumeRequest) ConsumeResponse {
	start := time.Now()
	txnID := req.TransactionID
	if txnID == "" {
		txnID = uuid.NewString()
	}
	if req.Amount <= 0 {
		return ConsumeResponse{Success: false, TransactionID: txnID, Message: msgInvalidAmount, Latency: time.Since(start)}
	}

	e.resetMu.RLock()
	defer e.resetMu.RUnlock()

	var resp ConsumeResponse
	if e.cfg.CacheEnabled && !req.ForceDirect {
		resp = e.consumeCached(ctx, req)
	} else {
		resp = e.consumeDirect(ctx, req)
	}
	resp.TransactionID = txnID
	resp.Latency = time.Since(start)

	outcome := "error"
	switch {
	case resp.Success:
		outcome = "success"
	case resp.Message == msgInsufficient:
		outcome = "insufficient"
	case resp.Message == msgDateNotFound:
		outcome = "not_found"
	}
	metrics.ConsumeTotal.WithLabelValues(string(resp.Source), outcome).Inc()
	metrics.ConsumeDuration.WithLabelValues(string(resp.Source)).Observe(resp.Latency.Seconds())

	return resp
}

// consumeCached implements the state machine from spec §4.D: run the
// script; on a miss, warm once from the record store and retry exactly
// once before surfacing a transient error.
func (e *Engine) consumeCached(ctx context.Context, req ConsumeRequest) ConsumeResponse {
	status, newRemaining, err := e.fast.ConsumeScript(ctx, req.Date, req.Amount)
	if err != nil {
		e.log.Error("consume script failed", zap.Time("date", req.Date), zap.Error(err))
		return ConsumeResponse{Source: SourceCache, Message: fmt.Sprintf("Error: %v", err)}
	}

	switch status {
	case faststore.StatusAdmitted:
		metrics.CacheHits.Inc()
		e.markDirty(req.Date)
		return ConsumeResponse{Success: true, RemainingAfter: newRemaining, Source: SourceCache, Message: msgSuccess}

	case faststore.StatusInsufficient:
		metrics.CacheHits.Inc()
		return ConsumeResponse{Success: false, RemainingAfter: newRemaining, Source: SourceCache, Message: msgInsufficient}

	case faststore.StatusMiss:
		metrics.CacheMisses.Inc()
		return e.consumeAfterMiss(ctx, req)

	default:
		return ConsumeResponse{Source: SourceCache, Message: fmt.Sprintf("Error: unexpected script status %d", status)}
	}
}

// consumeAfterMiss handles the bounded single retry: find_by_date, warm,
// and run the script exactly once more. A second miss is surfaced as a
// transient error rather than looped, so a lost race between warm and
// eviction cannot cause an unbounded retry storm.
func (e *Engine) consumeAfterMiss(ctx context.Context, req ConsumeRequest) ConsumeResponse {
	row, err := e.rec.FindByDate(ctx, req.Date)
	if err != nil {
		e.log.Error("find_by_date failed during miss-fill", zap.Time("date", req.Date), zap.Error(err))
		return ConsumeResponse{Source: SourceCache, Message: fmt.Sprintf("Error: %v", err)}
	}
	if row == nil {
		return ConsumeResponse{Source: SourceCache, Message: msgDateNotFound}
	}

	if err := e.fast.Warm(ctx, req.Date, row.InitialLimit, row.Remaining, row.Consumed, row.TransactionCount, row.Version); err != nil {
		e.log.Error("warm failed during miss-fill", zap.Time("date", req.Date), zap.Error(err))
		return ConsumeResponse{Source: SourceCache, Message: fmt.Sprintf("Error: %v", err)}
	}

	status, newRemaining, err := e.fast.ConsumeScript(ctx, req.Date, req.Amount)
	if err != nil {
		e.log.Error("consume script retry failed", zap.Time("date", req.Date), zap.Error(err))
		return ConsumeResponse{Source: SourceCache, Message: fmt.Sprintf("Error: %v", err)}
	}

	switch status {
	case faststore.StatusAdmitted:
		e.markDirty(req.Date)
		return ConsumeResponse{Success: true, RemainingAfter: newRemaining, Source: SourceCache, Message: msgSuccess}
	case faststore.StatusInsufficient:
		return ConsumeResponse{Success: false, RemainingAfter: newRemaining, Source: SourceCache, Message: msgInsufficient}
	default:
		// A second miss right after warm: surface as transient rather than loop.
		return ConsumeResponse{Source: SourceCache, Message: "Error: transient cache miss after warm"}
	}
}

// consumeDirect bypasses the cache entirely and mutates the record store
// under a row lock. It never touches the fast store and never marks dirty.
func (e *Engine) consumeDirect(ctx context.Context, req ConsumeRequest) ConsumeResponse {
	result, err := e.rec.ConsumeDirect(ctx, req.Date, req.Amount)
	if err != nil {
		e.log.Error("consume_direct failed", zap.Time("date", req.Date), zap.Error(err))
		return ConsumeResponse{Source: SourceDatabase, Message: fmt.Sprintf("Error: %v", err)}
	}
	if !result.Success {
		msg := msgInsufficient
		if result.Reason == "not_found" {
			msg = msgDateNotFound
		}
		return ConsumeResponse{Success: false, RemainingAfter: result.NewRemaining, Source: SourceDatabase, Message: msg}
	}
	return ConsumeResponse{Success: true, RemainingAfter: result.NewRemaining, Source: SourceDatabase, Message: msgSuccess}
}

func (e *Engine) markDirty(date time.Time) {
	e.dirty.Add(faststore.RemainingKey(e.cfg.KeyPrefix, date))
	metrics.DirtyKeysGauge.Set(float64(e.dirty.Size()))
}

// BatchConsumeResponse tallies the outcome of ConsumeBatch, per the
// original's LimitController.consumeBatch (not in spec.md's prose, not
// excluded by any Non-goal, and no new concurrency primitive).
type BatchConsumeResponse struct {
	TotalRequests int
	SuccessCount  int
	FailedCount   int
	Responses     []ConsumeResponse
}

// ConsumeBatch runs each request through Consume in order and tallies
// the outcome. It adds no new protocol: each element goes through the
// same state machine as a standalone call.
func (e *Engine) ConsumeBatch(ctx context.Context, reqs []ConsumeRequest) BatchConsumeResponse {
	out := BatchConsumeResponse{TotalRequests: len(reqs), Responses: make([]ConsumeResponse, len(reqs))}
	for i, req := range reqs {
		resp := e.Consume(ctx, req)
		out.Responses[i] = resp
		if resp.Success {
			out.SuccessCount++
		} else {
			out.FailedCount++
		}
	}
	return out
}
