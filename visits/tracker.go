// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package visits // import "go.opentelemetry.io/coverhost/visits"

import (
	"slices"
	"sync"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/coverhost/wire"
)

// TestTracker attributes point visits to the tracked test method that is currently running
// on the thread that reported them. Every results buffer belongs to one agent thread, so the
// buffer id identifies the thread.
type TestTracker struct {
	mu sync.Mutex
	// running holds per buffer id the stack of entered, not yet left, tracked methods.
	running map[uint32][]uint32
	// visits maps a tracked method to the points visited while it was running.
	visits map[uint32]map[uint32]uint64
}

// NewTestTracker returns an empty tracker.
func NewTestTracker() *TestTracker {
	return &TestTracker{
		running: make(map[uint32][]uint32),
		visits:  make(map[uint32]map[uint32]uint64),
	}
}

// Mark handles a method-enter or method-leave marker for method reported through buffer.
func (t *TestTracker) Mark(buffer, marker, method uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	running := t.running[buffer]
	switch marker {
	case wire.VisitMethodEnter:
		t.running[buffer] = append(running, method)
		if _, ok := t.visits[method]; !ok {
			t.visits[method] = make(map[uint32]uint64)
		}
	case wire.VisitMethodLeave:
		// Leaving pops everything above the method, markers of unwound frames may be
		// missing.
		if i := slices.Index(running, method); i >= 0 {
			t.running[buffer] = running[:i]
		} else {
			log.Debugf("Leave marker for method %d that was not entered", method)
		}
	default:
		log.Warnf("Unknown visit marker %#x for method %d", marker, method)
	}
}

// Visit attributes a point visit reported through buffer to the test method running on
// that thread, if any.
func (t *TestTracker) Visit(buffer, point uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	running := t.running[buffer]
	if len(running) == 0 {
		return
	}
	t.visits[running[len(running)-1]][point]++
}

// Flush ends all running methods. It is called when the host stops.
func (t *TestTracker) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()

	var n int
	for _, running := range t.running {
		n += len(running)
	}
	if n > 0 {
		log.Debugf("Test tracker stopped with %d methods still running", n)
	}
	clear(t.running)
}

// Methods returns the ids of all tracked methods that were entered, in ascending order.
func (t *TestTracker) Methods() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	methods := make([]uint32, 0, len(t.visits))
	for m := range t.visits {
		methods = append(methods, m)
	}
	slices.Sort(methods)
	return methods
}

// Visits returns a copy of the point visits attributed to method.
func (t *TestTracker) Visits(method uint32) map[uint32]uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	visits := make(map[uint32]uint64, len(t.visits[method]))
	for point, n := range t.visits[method] {
		visits[point] = n
	}
	return visits
}
