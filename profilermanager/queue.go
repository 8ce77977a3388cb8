// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package profilermanager // import "go.opentelemetry.io/coverhost/profilermanager"

import (
	"sync"

	log "github.com/sirupsen/logrus"
)

// fifo is an unbounded first-in-first-out queue that is safe for concurrent access. Unlike
// a ring buffer it never overwrites entries: every visit buffer must be aggregated.
type fifo[T any] struct {
	sync.Mutex

	// name identifies the queue in log messages.
	name string
	data []T
	// ready has room for one notification, Append never blocks on it.
	ready  chan struct{}
	closed bool
}

func newFifo[T any](name string) *fifo[T] {
	return &fifo[T]{name: name, ready: make(chan struct{}, 1)}
}

// Append adds v and wakes the reader. Elements appended after Close are dropped.
func (q *fifo[T]) Append(v T) {
	q.Lock()
	defer q.Unlock()

	if q.closed {
		log.Errorf("Dropping element appended to closed queue %s", q.name)
		return
	}
	q.data = append(q.data, v)
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// ReadAll removes and returns all queued elements.
func (q *fifo[T]) ReadAll() []T {
	q.Lock()
	defer q.Unlock()

	data := q.data
	q.data = nil
	return data
}

// Ready is signalled after Append and after Close.
func (q *fifo[T]) Ready() <-chan struct{} {
	return q.ready
}

// Close stops accepting elements. Elements already queued remain readable.
func (q *fifo[T]) Close() {
	q.Lock()
	defer q.Unlock()

	q.closed = true
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Closed reports whether Close was called.
func (q *fifo[T]) Closed() bool {
	q.Lock()
	defer q.Unlock()
	return q.closed
}
