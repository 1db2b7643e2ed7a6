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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/Nafiya/limitcache/internal/limitcache/dirtyset"
	"github.com/Nafiya/limitcache/internal/limitcache/engine"
	"github.com/Nafiya/limitcache/internal/limitcache/faststore"
	"github.com/Nafiya/limitcache/internal/limitcache/record"
	"github.com/Nafiya/limitcache/internal/limitcache/syncworker"
)

// fakeBackend is a minimal fake satisfying both the engine's and the sync
// worker's narrow store interfaces, letting server tests run without Redis
// or Postgres.
type fakeBackend struct {
	mu      sync.Mutex
	rows    map[string]record.DailyLimit
	entries map[string]*faststore.Entry
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{rows: map[string]record.DailyLimit{}, entries: map[string]*faststore.Entry{}}
}

func (b *fakeBackend) seed(date time.Time, initial, remaining, consumed int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[date.Format("2006-01-02")] = record.DailyLimit{DayDate: date, InitialLimit: initial, Remaining: remaining, Consumed: consumed}
}

func (b *fakeBackend) Warm(ctx context.Context, date time.Time, initial, remaining, consumed, transactionCount, version int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[date.Format("2006-01-02")] = &faststore.Entry{Date: date, Initial: initial, Remaining: remaining, Consumed: consumed, TransactionCount: transactionCount, Version: version}
	return nil
}

func (b *fakeBackend) ConsumeScript(ctx context.Context, date time.Time, amount int64) (faststore.Status, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[date.Format("2006-01-02")]
	if !ok {
		return faststore.StatusMiss, 0, nil
	}
	if entry.Remaining < amount {
		return faststore.StatusInsufficient, entry.Remaining, nil
	}
	entry.Remaining -= amount
	entry.Consumed += amount
	return faststore.StatusAdmitted, entry.Remaining, nil
}

func (b *fakeBackend) ReadEntry(ctx context.Context, date time.Time) (*faststore.Entry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[date.Format("2006-01-02")]
	if !ok {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

func (b *fakeBackend) ClearAll(ctx context.Context, prefix string) error { return nil }

func (b *fakeBackend) ServerStats(ctx context.Context, section string) (string, error) { return "ok", nil }

func (b *fakeBackend) FindByDate(ctx context.Context, date time.Time) (*record.DailyLimit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.rows[date.Format("2006-01-02")]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (b *fakeBackend) FindByMonth(ctx context.Context, year int, month time.Month) ([]record.DailyLimit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []record.DailyLimit
	for _, row := range b.rows {
		if row.DayDate.Year() == year && row.DayDate.Month() == month {
			out = append(out, row)
		}
	}
	return out, nil
}

func (b *fakeBackend) ConsumeDirect(ctx context.Context, date time.Time, amount int64) (record.DirectConsumeResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.rows[date.Format("2006-01-02")]
	if !ok {
		return record.DirectConsumeResult{Success: false, Reason: "not_found"}, nil
	}
	if row.Remaining < amount {
		return record.DirectConsumeResult{Success: false, Reason: "insufficient", NewRemaining: row.Remaining}, nil
	}
	row.Remaining -= amount
	row.Consumed += amount
	b.rows[date.Format("2006-01-02")] = row
	return record.DirectConsumeResult{Success: true, NewRemaining: row.Remaining}, nil
}

func (b *fakeBackend) ResetMonth(ctx context.Context, year int, month time.Month, initialLimit int64) ([]record.DailyLimit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []record.DailyLimit
	for key, row := range b.rows {
		if row.DayDate.Year() == year && row.DayDate.Month() == month {
			row.InitialLimit, row.Remaining, row.Consumed = initialLimit, initialLimit, 0
			b.rows[key] = row
			out = append(out, row)
		}
	}
	return out, nil
}

func (b *fakeBackend) FindLowLimits(ctx context.Context, threshold float64) ([]record.DailyLimit, error) {
	return nil, nil
}

func (b *fakeBackend) SyncStatsSince(ctx context.Context, since time.Time) (record.SyncStatsSince, error) {
	return record.SyncStatsSince{}, nil
}

func (b *fakeBackend) Seed(ctx context.Context, date time.Time, initialLimit int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rows[date.Format("2006-01-02")] = record.DailyLimit{DayDate: date, InitialLimit: initialLimit, Remaining: initialLimit, Consumed: 0}
	return nil
}

func (b *fakeBackend) SyncFromCache(ctx context.Context, date time.Time, remaining, consumed, transactionCount int64) (int64, error) {
	return 1, nil
}

func (b *fakeBackend) RecordSync(ctx context.Context, row record.SyncHistoryRow) error { return nil }

func newTestServer(t *testing.T) (*Server, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	dirty := dirtyset.New()
	eng := engine.New(backend, backend, dirty, engine.Config{CacheEnabled: true, KeyPrefix: "limits", TTL: time.Hour}, zap.NewNop())
	worker := syncworker.New(backend, backend, dirty, syncworker.Config{KeyPrefix: "limits", Interval: time.Hour, BatchSize: 10, RetryAttempts: 1}, zap.NewNop())
	return NewServer(eng, worker, zap.NewNop()), backend
}

func TestHandleConsume_SuccessAndInsufficient(t *testing.T) {
	srv, backend := newTestServer(t)
	date := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	backend.seed(date, 5, 5, 0)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	body, _ := json.Marshal(consumeRequestBody{Date: "2026-07-01", Amount: 3})
	resp, err := ts.Client().Post(ts.URL+"/consume", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post /consume: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, _ = json.Marshal(consumeRequestBody{Date: "2026-07-01", Amount: 3})
	resp, err = ts.Client().Post(ts.URL+"/consume", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post /consume again: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for insufficient limit, got %d", resp.StatusCode)
	}
}

func TestHandleConsume_InvalidDateIsBadRequest(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	body, _ := json.Marshal(consumeRequestBody{Date: "not-a-date", Amount: 1})
	resp, err := ts.Client().Post(ts.URL+"/consume", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post /consume: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestHandleLimitsPath_DayAndMonth(t *testing.T) {
	srv, backend := newTestServer(t)
	date := time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)
	backend.seed(date, 20, 12, 8)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/limits/2026/8/15")
	if err != nil {
		t.Fatalf("get day: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for day lookup, got %d", resp.StatusCode)
	}

	resp, err = ts.Client().Get(ts.URL + "/limits/2026/8")
	if err != nil {
		t.Fatalf("get month: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for month lookup, got %d", resp.StatusCode)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode month response: %v", err)
	}
	if out["month"].(float64) != 8 {
		t.Fatalf("expected month=8 in response, got %+v", out["month"])
	}
}

func TestHandleReset_RejectsInvalidMonth(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := ts.Client().Post(ts.URL+"/reset?year=2026&month=13&initial_limit=100", "application/json", nil)
	if err != nil {
		t.Fatalf("post /reset: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid month, got %d", resp.StatusCode)
	}
}

func TestHandleSeed_CreatesRowThenConsumeAdmitsFromCache(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	body, _ := json.Marshal(seedRequestBody{Date: "2026-09-01", InitialLimit: 500})
	resp, err := ts.Client().Post(ts.URL+"/admin/seed", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post /admin/seed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	body, _ = json.Marshal(consumeRequestBody{Date: "2026-09-01", Amount: 50})
	resp, err = ts.Client().Post(ts.URL+"/consume", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post /consume: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode /consume: %v", err)
	}
	if out["source"] != "CACHE" {
		t.Fatalf("expected a seeded date to be consumed straight from the cache, got %+v", out)
	}
}

func TestHandleStatus_ReportsCacheAndSyncHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := ts.Client().Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("get /status: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	if out["cacheEnabled"] != true {
		t.Fatalf("expected cacheEnabled=true, got %+v", out)
	}
	if _, ok := out["timestamp"].(string); !ok {
		t.Fatalf("expected timestamp string in /status response, got %+v", out)
	}
}
