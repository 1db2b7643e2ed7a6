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

// Package faststore is the typed, narrow interface to the fast key/value
// store backing the hot consume path. It is backed by Redis, but the only
// Redis-shaped thing that leaves this package is the Cmdable it wraps.
package faststore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the outcome of a ConsumeScript call.
type Status int

const (
	// StatusMiss means remaining-key was absent (cache needs warming).
	StatusMiss Status = -1
	// StatusInsufficient means remaining-key existed but amount > remaining.
	StatusInsufficient Status = 0
	// StatusAdmitted means the decrement was applied.
	StatusAdmitted Status = 1
)

// Entry is the fast-store projection of one date, read back for warm
// idempotence checks and for the sync worker's batch reads.
type Entry struct {
	Date             time.Time
	Remaining        int64
	Initial          int64
	Consumed         int64
	TransactionCount int64
	Version          int64
}

// consumeLuaScript is the server-side script behind ConsumeScript. It must
// run as a single atomic operation so that two concurrent decrements can
// never both observe a sufficient balance.
//
//	KEYS[1] = remaining-key
//	KEYS[2] = meta-key
//	ARGV[1] = amount
//
// Returns {status, newRemaining} with status in {-1, 0, 1} per the
// contract: -1 missing key, 0 insufficient, 1 admitted.
var consumeLuaScript = redis.NewScript(`
local remaining = redis.call('GET', KEYS[1])
if remaining == false then
  return {-1, 0}
end
remaining = tonumber(remaining)
local amount = tonumber(ARGV[1])
if remaining < amount then
  return {0, remaining}
end
local newRemaining = redis.call('DECRBY', KEYS[1], amount)
redis.call('HINCRBY', KEYS[2], 'consumed', amount)
redis.call('HINCRBY', KEYS[2], 'transaction_count', 1)
return {1, newRemaining}
`)

// Adapter is the fast-store adapter described in spec §4.B.
type Adapter struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// New constructs an adapter over an existing Redis client. keyPrefix and
// ttl apply to every key the adapter writes.
func New(client redis.Cmdable, keyPrefix string, ttl time.Duration) *Adapter {
	return &Adapter{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// Warm sets remaining-key to a plain integer string and writes the
// metadata fields into meta-key as a hash, applying the shared TTL to
// both keys.
func (a *Adapter) Warm(ctx context.Context, date time.Time, initial, remaining, consumed, transactionCount, version int64) error {
	remainingKey := RemainingKey(a.keyPrefix, date)
	metaKey := MetaKey(a.keyPrefix, date)

	pipe := a.client.TxPipeline()
	pipe.Set(ctx, remainingKey, strconv.FormatInt(remaining, 10), a.ttl)
	pipe.HSet(ctx, metaKey, map[string]interface{}{
		"initial_limit":     initial,
		"consumed":          consumed,
		"transaction_count": transactionCount,
		"version":           version,
		"day_date":          date.Format("2006-01-02"),
	})
	pipe.Expire(ctx, metaKey, a.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("warm %s: %w", remainingKey, err)
	}
	return nil
}

// ConsumeScript runs the atomic consume script against a date's keys.
func (a *Adapter) ConsumeScript(ctx context.Context, date time.Time, amount int64) (Status, int64, error) {
	remainingKey := RemainingKey(a.keyPrefix, date)
	metaKey := MetaKey(a.keyPrefix, date)

	res, err := consumeLuaScript.Run(ctx, a.client, []string{remainingKey, metaKey}, amount).Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("consume script %s: %w", remainingKey, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("consume script %s: unexpected result shape %v", remainingKey, res)
	}
	status, err := toInt64(res[0])
	if err != nil {
		return 0, 0, fmt.Errorf("consume script %s: status: %w", remainingKey, err)
	}
	newRemaining, err := toInt64(res[1])
	if err != nil {
		return 0, 0, fmt.Errorf("consume script %s: new remaining: %w", remainingKey, err)
	}
	return Status(status), newRemaining, nil
}

// ReadEntry reads the full projection for a date: the authoritative
// remaining scalar plus the metadata hash. Returns (nil, nil) on a miss.
func (a *Adapter) ReadEntry(ctx context.Context, date time.Time) (*Entry, error) {
	remainingKey := RemainingKey(a.keyPrefix, date)
	metaKey := MetaKey(a.keyPrefix, date)

	remainingStr, err := a.client.Get(ctx, remainingKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", remainingKey, err)
	}
	remaining, err := strconv.ParseInt(remainingStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse remaining %s: %w", remainingKey, err)
	}

	meta, err := a.client.HGetAll(ctx, metaKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read meta %s: %w", metaKey, err)
	}

	entry := &Entry{Date: date, Remaining: remaining}
	entry.Initial = metaInt64(meta, "initial_limit")
	entry.Consumed = metaInt64(meta, "consumed")
	entry.TransactionCount = metaInt64(meta, "transaction_count")
	entry.Version = metaInt64(meta, "version")
	return entry, nil
}

// ClearAll deletes every key under the given prefix. Used by the admin
// /cache/clear endpoint.
func (a *Adapter) ClearAll(ctx context.Context, prefix string) error {
	var cursor uint64
	for {
		keys, next, err := a.client.Scan(ctx, cursor, prefix+":*", 500).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", prefix, err)
		}
		if len(keys) > 0 {
			if err := a.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("del %s: %w", prefix, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// ServerStats wraps Redis INFO for the /cache/stats endpoint.
func (a *Adapter) ServerStats(ctx context.Context, section string) (string, error) {
	return a.client.Info(ctx, section).Result()
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func metaInt64(meta map[string]string, field string) int64 {
	v, ok := meta[field]
	if !ok {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}
