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

package buffer

import (
	"fmt"
	"sort"
	"strconv"
)

// Entry is one member of a snapshot with its accumulated delta.
type Entry struct {
	Member string `json:"member"`
	Delta  int64  `json:"delta"`
}

// FetchResult is the content of one snapshot. It is treated as immutable once built.
type FetchResult struct {
	TempKey string
	Entries map[string]int64
}

// IsEmpty reports whether the snapshot carried no entries.
func (r FetchResult) IsEmpty() bool { return len(r.Entries) == 0 }

// Size is the number of distinct members.
func (r FetchResult) Size() int { return len(r.Entries) }

// Total is the sum of all deltas.
func (r FetchResult) Total() int64 {
	var sum int64
	for _, d := range r.Entries {
		sum += d
	}
	return sum
}

// Sorted returns the entries ordered by member so chunking is deterministic.
func (r FetchResult) Sorted() []Entry {
	out := make([]Entry, 0, len(r.Entries))
	for m, d := range r.Entries {
		out = append(out, Entry{Member: m, Delta: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Member < out[j].Member })
	return out
}

// parseFlat turns a flat HGETALL reply (field, value, field, value...) into a map.
// Values that are not integers count as zero and are reported through malformed.
func parseFlat(raw interface{}) (entries map[string]int64, malformed int, err error) {
	if raw == nil {
		return map[string]int64{}, 0, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, 0, fmt.Errorf("unexpected snapshot reply type %T", raw)
	}
	if len(items)%2 != 0 {
		return nil, 0, fmt.Errorf("snapshot reply has odd length %d", len(items))
	}
	entries = make(map[string]int64, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		field := fmt.Sprint(items[i])
		n, bad := parseDelta(items[i+1])
		if bad {
			malformed++
		}
		entries[field] += n
	}
	return entries, malformed, nil
}

// parseMap is parseFlat for replies that are already a field/value map.
func parseMap(raw map[string]string) (map[string]int64, int) {
	entries := make(map[string]int64, len(raw))
	malformed := 0
	for field, v := range raw {
		n, bad := parseDelta(v)
		if bad {
			malformed++
		}
		entries[field] = n
	}
	return entries, malformed
}

func parseDelta(v interface{}) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, false
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, true
		}
		return n, false
	default:
		return 0, true
	}
}
