// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package visits keeps the visit counts of instrumentation points and turns the raw visit
// buffers sent by agents into counts.
package visits // import "go.opentelemetry.io/coverhost/visits"

import (
	"sync/atomic"

	"go.opentelemetry.io/coverhost/libpf/xsync"
)

const (
	// DefaultCapacity is the number of ids a table holds before it grows.
	DefaultCapacity = 1 << 16
	// DefaultGrowthChunk caps how many ids a single growth step adds.
	DefaultGrowthChunk = 1 << 20
)

// Table is a dense, append-only array of visit counts indexed by point id. Id 0 is never
// handed out, so a zero id in a visit buffer is always out of range.
type Table struct {
	growthChunk int
	// counts holds one entry per id including the sentinel at index 0. Entries are
	// updated atomically under the read lock; the write lock is only needed to append.
	counts xsync.RWMutex[[]uint64]
}

// NewTable returns a table with room for capacity ids before the first growth. Growth
// doubles the capacity but adds at most growthChunk ids at once.
func NewTable(capacity, growthChunk int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if growthChunk <= 0 {
		growthChunk = DefaultGrowthChunk
	}
	counts := make([]uint64, 1, capacity+1)
	return &Table{
		growthChunk: growthChunk,
		counts:      xsync.NewRWMutex(counts),
	}
}

// Register appends n ids and returns the first of them. Ids are assigned consecutively.
func (t *Table) Register(n int) uint32 {
	counts := t.counts.WLock()
	defer t.counts.WUnlock(&counts)

	first := uint32(len(*counts))
	if n <= 0 {
		return first
	}
	if need := len(*counts) + n; need > cap(*counts) {
		grown := make([]uint64, len(*counts), need+min(cap(*counts), t.growthChunk))
		copy(grown, *counts)
		*counts = grown
	}
	*counts = (*counts)[:len(*counts)+n]
	return first
}

// Add adds delta to the count of id and reports whether id is registered.
func (t *Table) Add(id uint32, delta uint64) bool {
	counts := t.counts.RLock()
	defer t.counts.RUnlock(&counts)

	if id == 0 || int(id) >= len(*counts) {
		return false
	}
	atomic.AddUint64(&(*counts)[id], delta)
	return true
}

// Count returns the count of id, zero for unknown ids.
func (t *Table) Count(id uint32) uint64 {
	counts := t.counts.RLock()
	defer t.counts.RUnlock(&counts)

	if id == 0 || int(id) >= len(*counts) {
		return 0
	}
	return atomic.LoadUint64(&(*counts)[id])
}

// Len returns the number of registered ids. The highest valid id equals Len.
func (t *Table) Len() int {
	counts := t.counts.RLock()
	defer t.counts.RUnlock(&counts)
	return len(*counts) - 1
}

// Capacity returns how many ids fit before the next growth.
func (t *Table) Capacity() int {
	counts := t.counts.RLock()
	defer t.counts.RUnlock(&counts)
	return cap(*counts) - 1
}

// Snapshot returns a copy of all counts, indexed by id.
func (t *Table) Snapshot() []uint64 {
	counts := t.counts.RLock()
	defer t.counts.RUnlock(&counts)

	snapshot := make([]uint64, len(*counts))
	for i := range *counts {
		snapshot[i] = atomic.LoadUint64(&(*counts)[i])
	}
	return snapshot
}
