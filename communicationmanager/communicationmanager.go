// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package communicationmanager runs the host side of the exchange over one buffer pair.
//
// A communication block is strictly half-duplex: the host waits for request-ready, resets
// it, answers in the region and pulses response-ready. The agent only raises its next
// request after it saw the response, so the two signals are never up at the same time. For
// chunked answers the host additionally waits for information-read after every non-final
// frame.
package communicationmanager // import "go.opentelemetry.io/coverhost/communicationmanager"

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/coverhost/buffer"
	"go.opentelemetry.io/coverhost/messagehandler"
	"go.opentelemetry.io/coverhost/shm"
	"go.opentelemetry.io/coverhost/wire"
)

// ErrConnectionClosed is returned when the objects of a block were closed while waiting.
var ErrConnectionClosed = errors.New("connection closed")

// Manager serves communication and results blocks.
type Manager struct {
	handler *messagehandler.Handler
}

// New returns a manager answering requests with handler.
func New(handler *messagehandler.Handler) *Manager {
	return &Manager{handler: handler}
}

// closed maps a wait error to the connection state.
func closed(err error) error {
	if errors.Is(err, shm.ErrClosed) {
		return ErrConnectionClosed
	}
	return err
}

// HandleCommunicationBlock serves requests on block until ctx is done, the block is closed or
// the agent closes the channel of this block. onMemoryBufferReady is called with every newly
// allocated pair before the agent learns about it. A closed connection or a canceled ctx end
// the loop without error.
func (m *Manager) HandleCommunicationBlock(ctx context.Context, block *buffer.CommunicationBlock,
	onMemoryBufferReady func(*buffer.Pair)) error {
	send := func(ctx context.Context, size int) error {
		return m.SendChunkAndWaitForConfirmation(ctx, block, size)
	}

	for {
		if err := block.RequestReady.Wait(ctx); err != nil {
			return endOfLoop(block, err)
		}
		if err := block.RequestReady.Reset(); err != nil {
			return endOfLoop(block, err)
		}

		res := m.handler.StandardMessage(ctx, block.Region(), send)
		if res.Allocated != nil && onMemoryBufferReady != nil {
			onMemoryBufferReady(res.Allocated)
		}

		if err := block.ResponseReady.Pulse(); err != nil {
			return endOfLoop(block, err)
		}
		if res.Closed && res.ClosedID == block.BufferID {
			log.Debugf("Agent closed channel %d", block.BufferID)
			return nil
		}
	}
}

func endOfLoop(block *buffer.CommunicationBlock, err error) error {
	switch {
	case errors.Is(closed(err), ErrConnectionClosed):
		log.Debugf("Channel %d closed", block.BufferID)
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil
	default:
		return fmt.Errorf("channel %d: %w", block.BufferID, err)
	}
}

// SendChunkAndWaitForConfirmation publishes the non-final frame of size bytes in the region
// of block and waits until the agent acknowledged it through information-read.
func (m *Manager) SendChunkAndWaitForConfirmation(ctx context.Context,
	block *buffer.CommunicationBlock, size int) error {
	gen := block.InformationRead.Generation()
	if err := block.ResponseReady.Pulse(); err != nil {
		return closed(err)
	}
	if err := block.InformationRead.WaitSince(ctx, gen); err != nil {
		return closed(err)
	}
	if err := block.InformationRead.Reset(); err != nil {
		return closed(err)
	}
	log.Tracef("Channel %d: chunk of %d bytes acknowledged", block.BufferID, size)
	return nil
}

// HandleMemoryBlock waits for one batch of visit data in results and returns a copy of the
// whole region. The count word of the region is cleared before the agent is released, so the
// agent refills it from the start.
func (m *Manager) HandleMemoryBlock(ctx context.Context, results *buffer.ResultsBlock) ([]byte, error) {
	if err := results.ProfilerHasResults.Wait(ctx); err != nil {
		return nil, closed(err)
	}
	if err := results.ProfilerHasResults.Reset(); err != nil {
		return nil, closed(err)
	}

	region := results.Region()
	data := make([]byte, len(region))
	copy(data, region)
	wire.ClearVisitCount(region)

	if err := results.ResultsReceived.Pulse(); err != nil {
		return data, closed(err)
	}
	return data, nil
}

// Complete tells the coverage service that the host is stopping.
func (m *Manager) Complete() {
	m.handler.Complete()
}
