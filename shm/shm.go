// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package shm provides named, cross-process synchronization objects and shared memory
// segments. Both the host and the native agent derive the same object names from a session
// key, which is how independently started processes find each other.
//
// Two providers exist: PosixProvider backs every object with a file in a shared memory
// directory (futex words for events and semaphores), MemoryProvider keeps everything inside
// the current process and is used to exercise the protocol in tests.
package shm // import "go.opentelemetry.io/coverhost/shm"

import (
	"context"
	"errors"
	"os"
)

var (
	// ErrClosed is returned by waits and signals on an object that was closed locally.
	// Callers treat it as an abandoned connection.
	ErrClosed = errors.New("shm: object closed")
	// ErrExists is returned when exclusive creation finds an object of the same name,
	// usually a leftover from a crashed earlier run.
	ErrExists = errors.New("shm: object already exists")
	// ErrNotFound is returned when opening an object that nobody created.
	ErrNotFound = os.ErrNotExist
)

// Options controls object creation.
type Options struct {
	// Principals lists additional identities (user or group names) that need full access to
	// the created objects. A non-empty list also allows re-using existing objects, which is
	// what a service-context run needs.
	Principals []string
}

// shared reports whether objects are created for more than the current identity.
func (o Options) shared() bool {
	return len(o.Principals) > 0
}

// Segment is a named shared memory region.
type Segment interface {
	Name() string
	// Bytes returns the mapped view. It must not be used after Close.
	Bytes() []byte
	Size() int
	// Close unmaps the view and then releases the segment. The creating side also removes
	// the name. Calling Close more than once is a no-op.
	Close() error
}

// Event is a named manual-reset event.
//
// The state consists of a signalled flag and a generation counter that advances on every
// Set and Pulse. Waiting for a generation change is what lets a waiter observe a Pulse
// without a lost wake-up: observe the generation before triggering the peer, then wait
// since that generation.
type Event interface {
	Name() string
	// Set signals the event and leaves it signalled.
	Set() error
	// Reset clears the signalled flag.
	Reset() error
	// Pulse signals and resets the event in one step.
	Pulse() error
	IsSet() bool
	Generation() uint32
	// Wait blocks until the event is signalled.
	Wait(ctx context.Context) error
	// WaitSince blocks until the event is signalled or its generation differs from gen.
	WaitSince(ctx context.Context, gen uint32) error
	Close() error
}

// Semaphore is a named counting semaphore.
type Semaphore interface {
	Name() string
	Release(n uint32) error
	// TryAcquire decrements the count if it is positive.
	TryAcquire() bool
	Wait(ctx context.Context) error
	Close() error
}

// Provider creates and opens named objects.
type Provider interface {
	CreateSegment(name string, size int, opts Options) (Segment, error)
	OpenSegment(name string) (Segment, error)
	CreateEvent(name string, opts Options) (Event, error)
	OpenEvent(name string) (Event, error)
	CreateSemaphore(name string, opts Options) (Semaphore, error)
	OpenSemaphore(name string) (Semaphore, error)
}

// The event word keeps the signalled flag in bit 0 and the generation in the
// remaining bits.
const signalledBit = 1

func eventSet(state uint32) uint32   { return (state | signalledBit) + 2 }
func eventPulse(state uint32) uint32 { return (state &^ signalledBit) + 2 }
func eventReset(state uint32) uint32 { return state &^ signalledBit }

func eventSignalled(state uint32) bool { return state&signalledBit != 0 }

func eventGeneration(state uint32) uint32 { return state >> 1 }

// untilSet is the wait condition of Event.Wait.
func untilSet(state uint32) bool { return eventSignalled(state) }

// untilChangedSince is the wait condition of Event.WaitSince.
func untilChangedSince(gen uint32) func(uint32) bool {
	return func(state uint32) bool {
		return eventSignalled(state) || eventGeneration(state) != gen
	}
}
