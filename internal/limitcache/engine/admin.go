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

package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Nafiya/limitcache/internal/limitcache/faststore"
)

// LimitView is the read-side projection returned by GetLimit and GetMonth,
// preferring the fast store's authoritative scalar over the record store's
// possibly-stale row when both exist, per spec §4.D's read rule.
type LimitView struct {
	Date             time.Time
	InitialLimit     int64
	Remaining        int64
	Consumed         int64
	TransactionCount int64
	Version          int64
	Source           Source
}

// GetLimit returns the current view of a single date, reading the fast
// store first and falling back to the record store on a miss. It never
// warms: a read-only call must not have write side effects on the cache.
func (e *Engine) GetLimit(ctx context.Context, date time.Time) (*LimitView, error) {
	e.resetMu.RLock()
	defer e.resetMu.RUnlock()

	if e.cfg.CacheEnabled {
		entry, err := e.fast.ReadEntry(ctx, date)
		if err != nil {
			return nil, fmt.Errorf("get_limit %s: %w", date.Format("2006-01-02"), err)
		}
		if entry != nil {
			return &LimitView{
				Date:             date,
				InitialLimit:     entry.Initial,
				Remaining:        entry.Remaining,
				Consumed:         entry.Consumed,
				TransactionCount: entry.TransactionCount,
				Version:          entry.Version,
				Source:           SourceCache,
			}, nil
		}
	}

	row, err := e.rec.FindByDate(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("get_limit %s: %w", date.Format("2006-01-02"), err)
	}
	if row == nil {
		return nil, nil
	}
	return &LimitView{
		Date:             row.DayDate,
		InitialLimit:     row.InitialLimit,
		Remaining:        row.Remaining,
		Consumed:         row.Consumed,
		TransactionCount: row.TransactionCount,
		Version:          row.Version,
		Source:           SourceDatabase,
	}, nil
}

// GetMonth returns one LimitView per day in the record store for the
// month, preferring each day's cached projection when the fast store has
// it. Unlike GetLimit it always consults the record store first because
// it needs the full set of dates in the month, then overlays the cache.
func (e *Engine) GetMonth(ctx context.Context, year int, month time.Month) ([]LimitView, error) {
	e.resetMu.RLock()
	defer e.resetMu.RUnlock()

	rows, err := e.rec.FindByMonth(ctx, year, month)
	if err != nil {
		return nil, fmt.Errorf("get_month %04d-%02d: %w", year, month, err)
	}

	out := make([]LimitView, 0, len(rows))
	for _, row := range rows {
		view := LimitView{
			Date:             row.DayDate,
			InitialLimit:     row.InitialLimit,
			Remaining:        row.Remaining,
			Consumed:         row.Consumed,
			TransactionCount: row.TransactionCount,
			Version:          row.Version,
			Source:           SourceDatabase,
		}
		if e.cfg.CacheEnabled {
			if entry, err := e.fast.ReadEntry(ctx, row.DayDate); err == nil && entry != nil {
				view.Remaining = entry.Remaining
				view.Consumed = entry.Consumed
				view.TransactionCount = entry.TransactionCount
				view.Version = entry.Version
				view.Source = SourceCache
			}
		}
		out = append(out, view)
	}
	return out, nil
}

// WarmCurrentMonth warms every date of the current month, and of next
// month once the day-of-month reaches 24, matching the original's
// end-of-month look-ahead so a deploy early on the 1st never catches the
// cache cold for the first consume of a new month.
func (e *Engine) WarmCurrentMonth(ctx context.Context, now time.Time) error {
	if !e.cfg.CacheEnabled {
		return nil
	}
	e.resetMu.RLock()
	defer e.resetMu.RUnlock()

	if err := e.warmMonth(ctx, now.Year(), now.Month()); err != nil {
		return err
	}
	if now.Day() >= 24 {
		next := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, now.Location())
		if err := e.warmMonth(ctx, next.Year(), next.Month()); err != nil {
			return err
		}
	}
	return nil
}

// WarmMonth warms every date of an explicitly given year/month, backing
// the `/cache/warm?year=&month=` endpoint's arbitrary-month contract.
func (e *Engine) WarmMonth(ctx context.Context, year int, month time.Month) error {
	if !e.cfg.CacheEnabled {
		return nil
	}
	e.resetMu.RLock()
	defer e.resetMu.RUnlock()
	return e.warmMonth(ctx, year, month)
}

func (e *Engine) warmMonth(ctx context.Context, year int, month time.Month) error {
	rows, err := e.rec.FindByMonth(ctx, year, month)
	if err != nil {
		return fmt.Errorf("warm_current_month %04d-%02d: %w", year, month, err)
	}
	for _, row := range rows {
		if err := e.fast.Warm(ctx, row.DayDate, row.InitialLimit, row.Remaining, row.Consumed, row.TransactionCount, row.Version); err != nil {
			e.log.Warn("warm_current_month: failed to warm date", zap.Time("date", row.DayDate), zap.Error(err))
		}
	}
	return nil
}

// Seed administratively creates or replaces a single date's record-store
// row and, if caching is enabled, warms it into the fast store so the
// next consume is a cache hit rather than a miss-and-warm.
func (e *Engine) Seed(ctx context.Context, date time.Time, initialLimit int64) error {
	e.resetMu.RLock()
	defer e.resetMu.RUnlock()

	if err := e.rec.Seed(ctx, date, initialLimit); err != nil {
		return fmt.Errorf("seed %s: %w", date.Format("2006-01-02"), err)
	}
	if !e.cfg.CacheEnabled {
		return nil
	}
	if err := e.fast.Warm(ctx, date, initialLimit, initialLimit, 0, 0, 0); err != nil {
		e.log.Warn("seed: failed to warm date", zap.Time("date", date), zap.Error(err))
	}
	return nil
}

// Reset rewrites every day of the given month to initialLimit in both
// stores, re-warming the cache afterward, and clears any dirty markers
// for dates in that month since their cached state is about to be
// discarded wholesale. It takes the engine's write lock so no consume can
// observe a half-rewritten month.
func (e *Engine) Reset(ctx context.Context, year int, month time.Month, initialLimit int64) error {
	e.resetMu.Lock()
	defer e.resetMu.Unlock()
	return e.resetMonthLocked(ctx, year, month, initialLimit)
}

// ResetForLoadTest is Reset with a very large initial limit, used by the
// load-test harness to seed an effectively-unbounded month so a benchmark
// run never trips the insufficient-limit path by accident. It is
// otherwise identical: same lock, same wholesale-rewrite semantics.
func (e *Engine) ResetForLoadTest(ctx context.Context, year int, month time.Month) error {
	const loadTestLimit = 1 << 40
	e.resetMu.Lock()
	defer e.resetMu.Unlock()
	return e.resetMonthLocked(ctx, year, month, loadTestLimit)
}

func (e *Engine) resetMonthLocked(ctx context.Context, year int, month time.Month, initialLimit int64) error {
	rows, err := e.rec.ResetMonth(ctx, year, month, initialLimit)
	if err != nil {
		return fmt.Errorf("reset %04d-%02d: %w", year, month, err)
	}

	if !e.cfg.CacheEnabled {
		return nil
	}
	for _, row := range rows {
		if err := e.fast.Warm(ctx, row.DayDate, row.InitialLimit, row.Remaining, row.Consumed, row.TransactionCount, row.Version); err != nil {
			e.log.Warn("reset: failed to re-warm date", zap.Time("date", row.DayDate), zap.Error(err))
			continue
		}
		e.dirty.RemoveAll([]string{faststore.RemainingKey(e.cfg.KeyPrefix, row.DayDate)})
	}
	return nil
}
