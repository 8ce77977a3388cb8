// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package memorymanager owns the buffer pairs of a profiling session. Agent threads ask for
// a pair each; the manager hands out ids, tracks which pairs are still in use and tears them
// down when they are deactivated or the session ends.
package memorymanager // import "go.opentelemetry.io/coverhost/memorymanager"

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"go.opentelemetry.io/coverhost/buffer"
	"go.opentelemetry.io/coverhost/libpf/xsync"
	"go.opentelemetry.io/coverhost/metrics"
	"go.opentelemetry.io/coverhost/shm"
	"go.opentelemetry.io/coverhost/times"
)

// ErrNotInitialised is returned by allocations before Initialise.
var ErrNotInitialised = errors.New("memory manager not initialised")

// Session is the naming scope of all pairs.
type Session struct {
	Namespace  string
	Key        string
	Principals []string
}

// blocks is the state guarded by the manager's lock.
type blocks struct {
	lastID uint32
	pairs  []*buffer.Pair
}

// Manager tracks the buffer pairs of one session.
type Manager struct {
	provider  shm.Provider
	intervals times.IntervalsAndTimers

	session xsync.Once[Session]
	blocks  xsync.Mutex[blocks]
}

// New returns a manager that creates its objects through provider.
func New(provider shm.Provider, intervals times.IntervalsAndTimers) *Manager {
	return &Manager{
		provider:  provider,
		intervals: intervals,
	}
}

// Initialise sets the naming scope. Only the first call has an effect.
func (m *Manager) Initialise(namespace, key string, principals []string) {
	s, stored := m.session.Store(Session{
		Namespace:  namespace,
		Key:        key,
		Principals: principals,
	})
	if !stored {
		log.Debugf("Memory manager already initialised for %s/%s", s.Namespace, s.Key)
	}
}

// Session returns the naming scope, or false before Initialise.
func (m *Manager) Session() (Session, bool) {
	s := m.session.Get()
	if s == nil {
		return Session{}, false
	}
	return *s, true
}

// AllocateMemoryBuffer creates a pair whose results region has bufferSize bytes. Ids start
// at 1 and increase strictly for the lifetime of the manager, also across failed
// allocations.
func (m *Manager) AllocateMemoryBuffer(bufferSize int) (*buffer.Pair, error) {
	s := m.session.Get()
	if s == nil {
		return nil, ErrNotInitialised
	}

	b := m.blocks.Lock()
	defer m.blocks.Unlock(&b)

	b.lastID++
	pair, err := buffer.Allocate(m.provider, s.Namespace, s.Key, bufferSize, b.lastID,
		s.Principals)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate buffer %d: %w", b.lastID, err)
	}
	b.pairs = append(b.pairs, pair)

	metrics.Add(metrics.IDBuffersAllocated, 1)
	metrics.Add(metrics.IDBuffersActive, metrics.MetricValue(len(b.pairs)))
	log.Debugf("Allocated buffer %d with %d bytes of results", pair.ID, bufferSize)
	return pair, nil
}

// DeactivateMemoryBuffer marks the pair with bufferID inactive. Unknown ids are ignored.
func (m *Manager) DeactivateMemoryBuffer(bufferID uint32) {
	b := m.blocks.Lock()
	defer m.blocks.Unlock(&b)

	for _, pair := range b.pairs {
		if pair.ID == bufferID {
			pair.Deactivate()
			return
		}
	}
}

// RemoveDeactivatedBlock disposes and forgets pair if it is inactive. Active pairs are left
// alone, their objects may still be in use.
func (m *Manager) RemoveDeactivatedBlock(pair *buffer.Pair) error {
	if pair.Active() {
		return nil
	}

	b := m.blocks.Lock()
	defer m.blocks.Unlock(&b)

	for i, p := range b.pairs {
		if p != pair {
			continue
		}
		b.pairs = append(b.pairs[:i], b.pairs[i+1:]...)
		metrics.Add(metrics.IDBuffersRemoved, 1)
		metrics.Add(metrics.IDBuffersActive, metrics.MetricValue(len(b.pairs)))
		if err := pair.Dispose(); err != nil {
			return fmt.Errorf("failed to dispose buffer %d: %w", pair.ID, err)
		}
		return nil
	}
	return nil
}

// GetBlocks returns a point-in-time copy of the tracked pairs.
func (m *Manager) GetBlocks() []*buffer.Pair {
	b := m.blocks.Lock()
	defer m.blocks.Unlock(&b)
	return append([]*buffer.Pair(nil), b.pairs...)
}

// ActiveCount returns the number of tracked pairs that are still active.
func (m *Manager) ActiveCount() int {
	b := m.blocks.Lock()
	defer m.blocks.Unlock(&b)

	n := 0
	for _, pair := range b.pairs {
		if pair.Active() {
			n++
		}
	}
	return n
}

// WaitForBlocksToClose polls the number of active pairs up to maxIterations times and returns
// as soon as it drops to zero. It reports whether all pairs were closed.
func (m *Manager) WaitForBlocksToClose(ctx context.Context, maxIterations int) bool {
	ticker := time.NewTicker(m.intervals.BlockCloseInterval())
	defer ticker.Stop()

	for i := 0; ; i++ {
		active := m.ActiveCount()
		if active == 0 {
			return true
		}
		if i >= maxIterations {
			log.Debugf("%d buffers still active after %d polls", active, maxIterations)
			return false
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return false
		}
	}
}

// FetchRemainingBufferData hands the full results region of every still active pair to
// consumer and then disposes the pair. Each pair is consumed and disposed exactly once.
func (m *Manager) FetchRemainingBufferData(consumer func(bufferID uint32, data []byte)) error {
	b := m.blocks.Lock()
	var remaining []*buffer.Pair
	kept := b.pairs[:0]
	for _, pair := range b.pairs {
		if pair.Active() {
			remaining = append(remaining, pair)
		} else {
			kept = append(kept, pair)
		}
	}
	clear(b.pairs[len(kept):])
	b.pairs = kept
	metrics.Add(metrics.IDBuffersActive, metrics.MetricValue(len(b.pairs)))
	m.blocks.Unlock(&b)

	var err error
	for _, pair := range remaining {
		region := pair.Results.Region()
		data := make([]byte, len(region))
		copy(data, region)
		consumer(pair.ID, data)

		pair.Deactivate()
		if derr := pair.Dispose(); derr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to dispose buffer %d: %w", pair.ID, derr))
		}
		metrics.Add(metrics.IDBuffersDrained, 1)
	}
	return err
}

// Dispose disposes all tracked pairs regardless of their state.
func (m *Manager) Dispose() error {
	b := m.blocks.Lock()
	pairs := b.pairs
	b.pairs = nil
	m.blocks.Unlock(&b)

	var err error
	for _, pair := range pairs {
		pair.Deactivate()
		err = multierr.Append(err, pair.Dispose())
	}
	metrics.Add(metrics.IDBuffersActive, 0)
	return err
}
