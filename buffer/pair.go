// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package buffer // import "go.opentelemetry.io/coverhost/buffer"

import (
	"sync/atomic"

	"go.uber.org/multierr"

	"go.opentelemetry.io/coverhost/shm"
)

// Pair is the communication block and results block of one buffer id. A pair stays active
// while the agent thread owning it runs.
type Pair struct {
	ID            uint32
	Communication *CommunicationBlock
	Results       *ResultsBlock

	deactivated atomic.Bool
	// deactivatedCh is closed on the first Deactivate.
	deactivatedCh chan struct{}
}

// Allocate creates both blocks of buffer id for the session (namespace, key). The results
// region has bufferSize bytes.
func Allocate(p shm.Provider, namespace, key string, bufferSize int, bufferID uint32,
	principals []string) (*Pair, error) {
	id := Ident{Namespace: namespace, Key: key, BufferID: bufferID}
	comm, err := NewCommunicationBlock(p, id, principals)
	if err != nil {
		return nil, err
	}
	results, err := NewResultsBlock(p, id, bufferSize, principals)
	if err != nil {
		return nil, multierr.Append(err, comm.Dispose())
	}
	return newPair(bufferID, comm, results), nil
}

// Open opens both blocks of a pair created by the peer.
func Open(p shm.Provider, namespace, key string, bufferID uint32) (*Pair, error) {
	id := Ident{Namespace: namespace, Key: key, BufferID: bufferID}
	comm, err := OpenCommunicationBlock(p, id)
	if err != nil {
		return nil, err
	}
	results, err := OpenResultsBlock(p, id)
	if err != nil {
		return nil, multierr.Append(err, comm.Dispose())
	}
	return newPair(bufferID, comm, results), nil
}

func newPair(id uint32, comm *CommunicationBlock, results *ResultsBlock) *Pair {
	return &Pair{
		ID:            id,
		Communication: comm,
		Results:       results,
		deactivatedCh: make(chan struct{}),
	}
}

// Active reports whether the pair has not been deactivated yet.
func (p *Pair) Active() bool {
	return !p.deactivated.Load()
}

// Deactivate marks the pair inactive. Repeated calls are no-ops.
func (p *Pair) Deactivate() {
	if p.deactivated.CompareAndSwap(false, true) {
		close(p.deactivatedCh)
	}
}

// Deactivated returns a channel that is closed once the pair is deactivated.
func (p *Pair) Deactivated() <-chan struct{} {
	return p.deactivatedCh
}

// Dispose releases the communication block and then the results block.
func (p *Pair) Dispose() error {
	return multierr.Combine(p.Communication.Dispose(), p.Results.Dispose())
}
