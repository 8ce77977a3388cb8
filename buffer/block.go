// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package buffer implements the named objects of one channel between host and agent: a
// communication block for request/response exchange, a results block for visit data, and
// the pair of both that shares one buffer id.
package buffer // import "go.opentelemetry.io/coverhost/buffer"

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"go.opentelemetry.io/coverhost/shm"
	"go.opentelemetry.io/coverhost/wire"
)

// Ident names a channel.
type Ident struct {
	Namespace string
	Key       string
	BufferID  uint32
}

func (id Ident) name(role string) string {
	return Name(id.Namespace, role, id.Key, id.BufferID)
}

// disposer tears down a block's objects once.
type disposer struct {
	once sync.Once
	err  error
}

// dispose releases sem so a waiting peer wakes up, closes the synchronization handles with
// the semaphore last and finally unmaps and closes the segment.
func (d *disposer) dispose(sem shm.Semaphore, events []shm.Event, seg shm.Segment) error {
	d.once.Do(func() {
		if sem != nil {
			d.err = multierr.Append(d.err, sem.Release(1))
		}
		for _, ev := range events {
			if ev != nil {
				d.err = multierr.Append(d.err, ev.Close())
			}
		}
		if sem != nil {
			d.err = multierr.Append(d.err, sem.Close())
		}
		if seg != nil {
			d.err = multierr.Append(d.err, seg.Close())
		}
	})
	return d.err
}

// CommunicationBlock is the request/response channel. The agent writes a request into the
// region and sets RequestReady; the host answers in the same region and signals
// ResponseReady. For chunked responses the agent acknowledges every chunk through
// InformationRead.
type CommunicationBlock struct {
	Ident

	RequestReady    shm.Event
	ResponseReady   shm.Event
	InformationRead shm.Event
	Semaphore       shm.Semaphore
	Segment         shm.Segment

	disposer
}

// NewCommunicationBlock creates the named objects of a communication block with a region of
// wire.MaxMsgSize bytes.
func NewCommunicationBlock(p shm.Provider, id Ident, principals []string) (*CommunicationBlock, error) {
	opts := shm.Options{Principals: principals}
	b := &CommunicationBlock{Ident: id}
	var err error
	if b.RequestReady, err = p.CreateEvent(id.name(RoleRequestReady), opts); err != nil {
		return nil, b.abort(err)
	}
	if b.ResponseReady, err = p.CreateEvent(id.name(RoleResponseReady), opts); err != nil {
		return nil, b.abort(err)
	}
	if b.InformationRead, err = p.CreateEvent(id.name(RoleInformationRead), opts); err != nil {
		return nil, b.abort(err)
	}
	if b.Semaphore, err = p.CreateSemaphore(id.name(RoleCommSemaphore), opts); err != nil {
		return nil, b.abort(err)
	}
	if b.Segment, err = p.CreateSegment(id.name(RoleCommSegment), wire.MaxMsgSize, opts); err != nil {
		return nil, b.abort(err)
	}
	return b, nil
}

// OpenCommunicationBlock opens the objects of a communication block created by the peer.
func OpenCommunicationBlock(p shm.Provider, id Ident) (*CommunicationBlock, error) {
	b := &CommunicationBlock{Ident: id}
	var err error
	if b.RequestReady, err = p.OpenEvent(id.name(RoleRequestReady)); err != nil {
		return nil, b.abort(err)
	}
	if b.ResponseReady, err = p.OpenEvent(id.name(RoleResponseReady)); err != nil {
		return nil, b.abort(err)
	}
	if b.InformationRead, err = p.OpenEvent(id.name(RoleInformationRead)); err != nil {
		return nil, b.abort(err)
	}
	if b.Semaphore, err = p.OpenSemaphore(id.name(RoleCommSemaphore)); err != nil {
		return nil, b.abort(err)
	}
	if b.Segment, err = p.OpenSegment(id.name(RoleCommSegment)); err != nil {
		return nil, b.abort(err)
	}
	return b, nil
}

func (b *CommunicationBlock) abort(err error) error {
	return multierr.Append(
		fmt.Errorf("communication block %d: %w", b.BufferID, err), b.Dispose())
}

// Region returns the shared request/response bytes.
func (b *CommunicationBlock) Region() []byte {
	return b.Segment.Bytes()
}

// Dispose releases all objects of the block. Calling it again returns the first result.
func (b *CommunicationBlock) Dispose() error {
	return b.dispose(b.Semaphore,
		[]shm.Event{b.RequestReady, b.ResponseReady, b.InformationRead}, b.Segment)
}

// ResultsBlock carries visit data. The agent fills the region and sets ProfilerHasResults,
// the host copies the data out and signals ResultsReceived.
type ResultsBlock struct {
	Ident

	ProfilerHasResults shm.Event
	ResultsReceived    shm.Event
	Semaphore          shm.Semaphore
	Segment            shm.Segment

	disposer
}

// NewResultsBlock creates the named objects of a results block with a region of size bytes.
func NewResultsBlock(p shm.Provider, id Ident, size int, principals []string) (*ResultsBlock, error) {
	opts := shm.Options{Principals: principals}
	b := &ResultsBlock{Ident: id}
	var err error
	if b.ProfilerHasResults, err = p.CreateEvent(id.name(RoleHasResults), opts); err != nil {
		return nil, b.abort(err)
	}
	if b.ResultsReceived, err = p.CreateEvent(id.name(RoleResultsReceived), opts); err != nil {
		return nil, b.abort(err)
	}
	if b.Semaphore, err = p.CreateSemaphore(id.name(RoleResultsSemaphore), opts); err != nil {
		return nil, b.abort(err)
	}
	if b.Segment, err = p.CreateSegment(id.name(RoleResultsSegment), size, opts); err != nil {
		return nil, b.abort(err)
	}
	return b, nil
}

// OpenResultsBlock opens the objects of a results block created by the peer.
func OpenResultsBlock(p shm.Provider, id Ident) (*ResultsBlock, error) {
	b := &ResultsBlock{Ident: id}
	var err error
	if b.ProfilerHasResults, err = p.OpenEvent(id.name(RoleHasResults)); err != nil {
		return nil, b.abort(err)
	}
	if b.ResultsReceived, err = p.OpenEvent(id.name(RoleResultsReceived)); err != nil {
		return nil, b.abort(err)
	}
	if b.Semaphore, err = p.OpenSemaphore(id.name(RoleResultsSemaphore)); err != nil {
		return nil, b.abort(err)
	}
	if b.Segment, err = p.OpenSegment(id.name(RoleResultsSegment)); err != nil {
		return nil, b.abort(err)
	}
	return b, nil
}

func (b *ResultsBlock) abort(err error) error {
	return multierr.Append(
		fmt.Errorf("results block %d: %w", b.BufferID, err), b.Dispose())
}

// Region returns the shared visit data bytes.
func (b *ResultsBlock) Region() []byte {
	return b.Segment.Bytes()
}

// Dispose releases all objects of the block. Calling it again returns the first result.
func (b *ResultsBlock) Dispose() error {
	return b.dispose(b.Semaphore,
		[]shm.Event{b.ProfilerHasResults, b.ResultsReceived}, b.Segment)
}
