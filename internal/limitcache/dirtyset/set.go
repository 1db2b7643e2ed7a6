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

// Package dirtyset tracks fast-store keys that have diverged from the
// record store since the last successful sync of that key.
package dirtyset

import "sync"

// Set is a concurrent set of key names, backed by sync.Map the way the
// teacher's own Store keys its managed counters by sync.Map rather than
// a mutex-guarded map. It is the single point of serialization between
// the consume path (producer) and the sync worker (consumer): many
// goroutines may Add concurrently with one goroutine running
// Snapshot+RemoveAll.
type Set struct {
	keys sync.Map // string -> struct{}
}

// New creates an empty dirty-set tracker.
func New() *Set {
	return &Set{}
}

// Add marks a key as dirty. Idempotent.
func (s *Set) Add(key string) {
	s.keys.Store(key, struct{}{})
}

// Snapshot returns a point-in-time list of dirty keys. It does not remove
// anything; callers that successfully sync a key must call RemoveAll.
func (s *Set) Snapshot() []string {
	var out []string
	s.keys.Range(func(k, _ interface{}) bool {
		out = append(out, k.(string))
		return true
	})
	return out
}

// RemoveAll clears the given keys from the set. Keys not present are
// silently ignored.
func (s *Set) RemoveAll(keys []string) {
	for _, k := range keys {
		s.keys.Delete(k)
	}
}

// Size returns the number of currently dirty keys.
func (s *Set) Size() int {
	n := 0
	s.keys.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}
