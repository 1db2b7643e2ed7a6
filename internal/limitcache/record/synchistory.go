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

package record

import (
	"context"
	"fmt"
	"time"
)

// SyncType identifies what triggered a sync attempt.
type SyncType string

const (
	SyncScheduled SyncType = "SCHEDULED"
	SyncManual    SyncType = "MANUAL"
	SyncStartup   SyncType = "STARTUP"
	SyncShutdown  SyncType = "SHUTDOWN"
)

// SyncStatus is the outcome of a sync attempt.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "SUCCESS"
	SyncPartial SyncStatus = "PARTIAL"
	SyncFailed  SyncStatus = "FAILED"
)

// SyncHistoryRow is one append-only row per sync attempt.
type SyncHistoryRow struct {
	ID             int64
	Type           SyncType
	Status         SyncStatus
	RecordsSynced  int
	DurationMillis int64
	ErrorMessage   string
	StartedAt      time.Time
	CompletedAt    time.Time
}

// RecordSync appends a SyncHistory row. Append-only, never updated or
// deleted during normal operation.
func (s *Store) RecordSync(ctx context.Context, row SyncHistoryRow) error {
	var errMsg interface{}
	if row.ErrorMessage != "" {
		errMsg = row.ErrorMessage
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_history (sync_type, records_synced, duration_ms, status, error_message, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, row.Type, row.RecordsSynced, row.DurationMillis, row.Status, errMsg, row.StartedAt, row.CompletedAt)
	if err != nil {
		return fmt.Errorf("record_sync: %w", err)
	}
	return nil
}

// SyncStatsSince aggregates sync history over the given lookback window,
// backing the /sync/stats endpoint's total_syncs_last_hour /
// avg_duration_ms / total_records_synced_last_hour fields.
type SyncStatsSince struct {
	TotalSuccessful int64
	AvgDurationMs   float64
	TotalRecords    int64
}

func (s *Store) SyncStatsSince(ctx context.Context, since time.Time) (SyncStatsSince, error) {
	var out SyncStatsSince
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = $2),
			COALESCE(AVG(duration_ms), 0),
			COALESCE(SUM(records_synced), 0)
		FROM sync_history
		WHERE started_at >= $1
	`, since, SyncSuccess).Scan(&out.TotalSuccessful, &out.AvgDurationMs, &out.TotalRecords)
	if err != nil {
		return SyncStatsSince{}, fmt.Errorf("sync_stats_since: %w", err)
	}
	return out, nil
}
