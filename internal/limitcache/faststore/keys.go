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

package faststore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RemainingKey returns the scalar key for a date: <prefix>:remaining:YYYY:MM:DD.
func RemainingKey(prefix string, date time.Time) string {
	return fmt.Sprintf("%s:remaining:%04d:%02d:%02d", prefix, date.Year(), date.Month(), date.Day())
}

// MetaKey returns the metadata-hash key for a date: <prefix>:meta:YYYY:MM:DD.
func MetaKey(prefix string, date time.Time) string {
	return fmt.Sprintf("%s:meta:%04d:%02d:%02d", prefix, date.Year(), date.Month(), date.Day())
}

// ParseDateFromRemainingKey recovers the date encoded in a remaining-key
// name. The sync worker relies on this to avoid carrying dates alongside
// keys in the dirty set.
func ParseDateFromRemainingKey(key string) (time.Time, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 5 || parts[1] != "remaining" {
		return time.Time{}, fmt.Errorf("malformed remaining key %q", key)
	}
	year, err := strconv.Atoi(parts[2])
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed year in key %q: %w", key, err)
	}
	month, err := strconv.Atoi(parts[3])
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed month in key %q: %w", key, err)
	}
	day, err := strconv.Atoi(parts[4])
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed day in key %q: %w", key, err)
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}
