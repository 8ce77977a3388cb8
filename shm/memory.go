// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package shm // import "go.opentelemetry.io/coverhost/shm"

import (
	"context"
	"fmt"
	"sync"
)

// TransitionHook observes every change of an event's signalled flag. A Pulse is reported
// as a set immediately followed by a reset.
type TransitionHook func(name string, signalled bool)

// MemoryProvider keeps named objects inside the current process. Handles created and
// opened through the same provider share state, just like handles of different processes
// share the POSIX objects.
type MemoryProvider struct {
	mu      sync.Mutex
	objects map[string]any
	hook    TransitionHook
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider returns an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{objects: make(map[string]any)}
}

// SetTransitionHook installs fn for events created after this call.
func (p *MemoryProvider) SetTransitionHook(fn TransitionHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hook = fn
}

// Names returns the names of all live objects.
func (p *MemoryProvider) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.objects))
	for name := range p.objects {
		names = append(names, name)
	}
	return names
}

func (p *MemoryProvider) create(name string, opts Options, newObj func() any) (any, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if obj, ok := p.objects[name]; ok {
		if !opts.shared() {
			return nil, false, fmt.Errorf("%s: %w", name, ErrExists)
		}
		return obj, false, nil
	}
	obj := newObj()
	p.objects[name] = obj
	return obj, true, nil
}

func (p *MemoryProvider) lookup(name string) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obj, ok := p.objects[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return obj, nil
}

func (p *MemoryProvider) unlink(name string, obj any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.objects[name] == obj {
		delete(p.objects, name)
	}
}

// CreateSegment creates a zeroed segment.
func (p *MemoryProvider) CreateSegment(name string, size int, opts Options) (Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid size %d for segment %s", size, name)
	}
	obj, owner, err := p.create(name, opts, func() any {
		return &memSegmentState{data: make([]byte, size)}
	})
	if err != nil {
		return nil, err
	}
	st, ok := obj.(*memSegmentState)
	if !ok {
		return nil, fmt.Errorf("%s is not a segment", name)
	}
	return &memSegment{provider: p, name: name, state: st, owner: owner}, nil
}

// OpenSegment opens an existing segment.
func (p *MemoryProvider) OpenSegment(name string) (Segment, error) {
	obj, err := p.lookup(name)
	if err != nil {
		return nil, err
	}
	st, ok := obj.(*memSegmentState)
	if !ok {
		return nil, fmt.Errorf("%s is not a segment", name)
	}
	return &memSegment{provider: p, name: name, state: st}, nil
}

// CreateEvent creates a non-signalled event.
func (p *MemoryProvider) CreateEvent(name string, opts Options) (Event, error) {
	obj, owner, err := p.create(name, opts, func() any {
		return &memEventState{changed: make(chan struct{}), hook: p.hook}
	})
	if err != nil {
		return nil, err
	}
	st, ok := obj.(*memEventState)
	if !ok {
		return nil, fmt.Errorf("%s is not an event", name)
	}
	return newMemEvent(p, name, st, owner), nil
}

// OpenEvent opens an existing event.
func (p *MemoryProvider) OpenEvent(name string) (Event, error) {
	obj, err := p.lookup(name)
	if err != nil {
		return nil, err
	}
	st, ok := obj.(*memEventState)
	if !ok {
		return nil, fmt.Errorf("%s is not an event", name)
	}
	return newMemEvent(p, name, st, false), nil
}

// CreateSemaphore creates a semaphore with a count of zero.
func (p *MemoryProvider) CreateSemaphore(name string, opts Options) (Semaphore, error) {
	obj, owner, err := p.create(name, opts, func() any {
		return &memEventState{changed: make(chan struct{})}
	})
	if err != nil {
		return nil, err
	}
	st, ok := obj.(*memEventState)
	if !ok {
		return nil, fmt.Errorf("%s is not a semaphore", name)
	}
	return &memSemaphore{newMemEvent(p, name, st, owner)}, nil
}

// OpenSemaphore opens an existing semaphore.
func (p *MemoryProvider) OpenSemaphore(name string) (Semaphore, error) {
	obj, err := p.lookup(name)
	if err != nil {
		return nil, err
	}
	st, ok := obj.(*memEventState)
	if !ok {
		return nil, fmt.Errorf("%s is not a semaphore", name)
	}
	return &memSemaphore{newMemEvent(p, name, st, false)}, nil
}

type memSegmentState struct {
	data []byte
}

type memSegment struct {
	provider *MemoryProvider
	name     string
	owner    bool

	mu    sync.Mutex
	state *memSegmentState
}

func (s *memSegment) Name() string { return s.name }

func (s *memSegment) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return 0
	}
	return len(s.state.data)
}

func (s *memSegment) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil
	}
	return s.state.data
}

func (s *memSegment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil
	}
	if s.owner {
		s.provider.unlink(s.name, s.state)
	}
	s.state = nil
	return nil
}

// memEventState is shared by all handles of one event or semaphore. For semaphores, value
// is the count; for events it uses the same encoding as the POSIX event word.
type memEventState struct {
	mu      sync.Mutex
	value   uint32
	changed chan struct{}
	hook    TransitionHook
}

// update applies fn and wakes all waiters. Must not be called with mu held.
func (st *memEventState) update(name string, fn func(uint32) uint32) {
	st.mu.Lock()
	defer st.mu.Unlock()
	old := st.value
	st.value = fn(old)
	if st.hook != nil {
		st.report(name, old, st.value)
	}
	close(st.changed)
	st.changed = make(chan struct{})
}

func (st *memEventState) report(name string, old, updated uint32) {
	was, is := eventSignalled(old), eventSignalled(updated)
	switch {
	case was != is:
		st.hook(name, is)
	case !was && eventGeneration(old) != eventGeneration(updated):
		// Pulse
		st.hook(name, true)
		st.hook(name, false)
	}
}

func (st *memEventState) snapshot() (uint32, <-chan struct{}) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.value, st.changed
}

type memEvent struct {
	provider *MemoryProvider
	name     string
	owner    bool
	state    *memEventState

	closeOnce sync.Once
	closed    chan struct{}
}

func newMemEvent(p *MemoryProvider, name string, st *memEventState, owner bool) *memEvent {
	return &memEvent{
		provider: p,
		name:     name,
		owner:    owner,
		state:    st,
		closed:   make(chan struct{}),
	}
}

func (e *memEvent) isClosed() bool {
	select {
	case <-e.closed:
		return true
	default:
		return false
	}
}

func (e *memEvent) apply(fn func(uint32) uint32) error {
	if e.isClosed() {
		return ErrClosed
	}
	e.state.update(e.name, fn)
	return nil
}

func (e *memEvent) Name() string { return e.name }

func (e *memEvent) Set() error { return e.apply(eventSet) }

func (e *memEvent) Reset() error { return e.apply(eventReset) }

func (e *memEvent) Pulse() error { return e.apply(eventPulse) }

func (e *memEvent) IsSet() bool {
	value, _ := e.state.snapshot()
	return eventSignalled(value)
}

func (e *memEvent) Generation() uint32 {
	value, _ := e.state.snapshot()
	return eventGeneration(value)
}

func (e *memEvent) Wait(ctx context.Context) error {
	return e.waitFor(ctx, untilSet)
}

func (e *memEvent) WaitSince(ctx context.Context, gen uint32) error {
	return e.waitFor(ctx, untilChangedSince(gen))
}

func (e *memEvent) waitFor(ctx context.Context, cond func(uint32) bool) error {
	for {
		if e.isClosed() {
			return ErrClosed
		}
		value, changed := e.state.snapshot()
		if cond(value) {
			return nil
		}
		select {
		case <-changed:
		case <-e.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *memEvent) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		if e.owner {
			e.provider.unlink(e.name, e.state)
		}
	})
	return nil
}

type memSemaphore struct {
	*memEvent
}

func (s *memSemaphore) Release(n uint32) error {
	return s.apply(func(count uint32) uint32 { return count + n })
}

func (s *memSemaphore) TryAcquire() bool {
	if s.isClosed() {
		return false
	}
	st := s.state
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.value == 0 {
		return false
	}
	st.value--
	return true
}

func (s *memSemaphore) Wait(ctx context.Context) error {
	for {
		if s.isClosed() {
			return ErrClosed
		}
		// Snapshot before trying so a concurrent Release is never missed.
		_, changed := s.state.snapshot()
		if s.TryAcquire() {
			return nil
		}
		select {
		case <-changed:
		case <-s.closed:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
