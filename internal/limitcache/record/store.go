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

// Package record is the durable home of daily limits: the system of
// record behind the fast-store cache. It issues plain reads, a blind
// batched write-back from the cache, and a transactional direct-consume
// path that takes a row-level write lock.
package record

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DailyLimit is the record-store row for one calendar date.
type DailyLimit struct {
	DayDate          time.Time
	InitialLimit     int64
	Remaining        int64
	Consumed         int64
	TransactionCount int64
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store wraps a pgx connection pool. Every method issues a single
// round-trip or a single short transaction; none of them hold a
// connection open across a caller-controlled boundary.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const dailyLimitColumns = `day_date, initial_limit, remaining, consumed, transaction_count, version, created_at, updated_at`

func scanDailyLimit(row pgx.Row) (DailyLimit, error) {
	var d DailyLimit
	err := row.Scan(&d.DayDate, &d.InitialLimit, &d.Remaining, &d.Consumed, &d.TransactionCount, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

// FindByDate is a plain read, no lock.
func (s *Store) FindByDate(ctx context.Context, date time.Time) (*DailyLimit, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+dailyLimitColumns+` FROM daily_limits WHERE day_date = $1`, date)
	d, err := scanDailyLimit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find_by_date %s: %w", date.Format("2006-01-02"), err)
	}
	return &d, nil
}

// FindByMonth returns every row for the given year/month, ordered by date.
func (s *Store) FindByMonth(ctx context.Context, year int, month time.Month) ([]DailyLimit, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	rows, err := s.pool.Query(ctx, `SELECT `+dailyLimitColumns+` FROM daily_limits WHERE day_date >= $1 AND day_date < $2 ORDER BY day_date`, start, end)
	if err != nil {
		return nil, fmt.Errorf("find_by_month %04d-%02d: %w", year, month, err)
	}
	defer rows.Close()

	var out []DailyLimit
	for rows.Next() {
		d, err := scanDailyLimit(rows)
		if err != nil {
			return nil, fmt.Errorf("find_by_month %04d-%02d: scan: %w", year, month, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SyncFromCache is a blind write: the cache is the source of truth for a
// warmed key, so this overwrites the three mutable fields and bumps
// version without any optimistic check. Returns the number of rows
// updated (0 or 1) so the caller can tell a vanished row apart from a
// successful write.
func (s *Store) SyncFromCache(ctx context.Context, date time.Time, remaining, consumed, transactionCount int64) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE daily_limits
		SET remaining = $2, consumed = $3, transaction_count = $4, version = version + 1, updated_at = now()
		WHERE day_date = $1
	`, date, remaining, consumed, transactionCount)
	if err != nil {
		return 0, fmt.Errorf("sync_from_cache %s: %w", date.Format("2006-01-02"), err)
	}
	return tag.RowsAffected(), nil
}

// DirectConsumeResult is the outcome of ConsumeDirect.
type DirectConsumeResult struct {
	Success      bool
	NewRemaining int64
	Reason       string // "" on success; "not_found" or "insufficient" otherwise
}

// ConsumeDirect is the transactional, non-cached consume path. It takes a
// row-level write lock (SELECT ... FOR UPDATE) for the duration of the
// transaction so concurrent callers serialize on the row: this is the
// deliberate bottleneck the cache tier exists to eliminate.
func (s *Store) ConsumeDirect(ctx context.Context, date time.Time, amount int64) (DirectConsumeResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return DirectConsumeResult{}, fmt.Errorf("consume_direct %s: begin: %w", date.Format("2006-01-02"), err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+dailyLimitColumns+` FROM daily_limits WHERE day_date = $1 FOR UPDATE`, date)
	d, err := scanDailyLimit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return DirectConsumeResult{Success: false, Reason: "not_found"}, nil
	}
	if err != nil {
		return DirectConsumeResult{}, fmt.Errorf("consume_direct %s: select for update: %w", date.Format("2006-01-02"), err)
	}

	if d.Remaining < amount {
		return DirectConsumeResult{Success: false, Reason: "insufficient", NewRemaining: d.Remaining}, nil
	}

	newRemaining := d.Remaining - amount
	newConsumed := d.Consumed + amount
	_, err = tx.Exec(ctx, `
		UPDATE daily_limits
		SET remaining = $2, consumed = $3, transaction_count = transaction_count + 1, version = version + 1, updated_at = now()
		WHERE day_date = $1
	`, date, newRemaining, newConsumed)
	if err != nil {
		return DirectConsumeResult{}, fmt.Errorf("consume_direct %s: update: %w", date.Format("2006-01-02"), err)
	}

	if err := tx.Commit(ctx); err != nil {
		return DirectConsumeResult{}, fmt.Errorf("consume_direct %s: commit: %w", date.Format("2006-01-02"), err)
	}
	return DirectConsumeResult{Success: true, NewRemaining: newRemaining}, nil
}

// Seed inserts or replaces the row for a date with the given initial
// limit, used by administrative seeding. Reset uses ResetMonth instead.
func (s *Store) Seed(ctx context.Context, date time.Time, initialLimit int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO daily_limits (day_date, initial_limit, remaining, consumed, transaction_count, version, created_at, updated_at)
		VALUES ($1, $2, $2, 0, 0, 0, now(), now())
		ON CONFLICT (day_date) DO UPDATE SET
			initial_limit = EXCLUDED.initial_limit,
			remaining = EXCLUDED.remaining,
			consumed = 0,
			transaction_count = 0,
			version = daily_limits.version + 1,
			updated_at = now()
	`, date, initialLimit)
	if err != nil {
		return fmt.Errorf("seed %s: %w", date.Format("2006-01-02"), err)
	}
	return nil
}

// ResetMonth rewrites every row of the month with the given initial
// value (or a very large value for load-test resets) and returns the
// rewritten rows so the caller can re-warm the fast store.
func (s *Store) ResetMonth(ctx context.Context, year int, month time.Month, initialLimit int64) ([]DailyLimit, error) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	rows, err := s.pool.Query(ctx, `
		UPDATE daily_limits
		SET initial_limit = $3, remaining = $3, consumed = 0, transaction_count = 0, version = version + 1, updated_at = now()
		WHERE day_date >= $1 AND day_date < $2
		RETURNING `+dailyLimitColumns, start, end, initialLimit)
	if err != nil {
		return nil, fmt.Errorf("reset_month %04d-%02d: %w", year, month, err)
	}
	defer rows.Close()

	var out []DailyLimit
	for rows.Next() {
		d, err := scanDailyLimit(rows)
		if err != nil {
			return nil, fmt.Errorf("reset_month %04d-%02d: scan: %w", year, month, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// FindLowLimits returns today-or-later rows whose remaining/initial ratio
// is below threshold, ordered by date. Supplements spec.md with the
// original's low-limit alert query.
func (s *Store) FindLowLimits(ctx context.Context, threshold float64) ([]DailyLimit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+dailyLimitColumns+` FROM daily_limits
		WHERE day_date >= CURRENT_DATE AND initial_limit > 0 AND (remaining::float8 / initial_limit::float8) < $1
		ORDER BY day_date
	`, threshold)
	if err != nil {
		return nil, fmt.Errorf("find_low_limits: %w", err)
	}
	defer rows.Close()

	var out []DailyLimit
	for rows.Next() {
		d, err := scanDailyLimit(rows)
		if err != nil {
			return nil, fmt.Errorf("find_low_limits: scan: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
