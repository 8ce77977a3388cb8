// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentsim plays the native agent's side of the protocol. It lets tests drive a
// real host without a profiled runtime.
package agentsim // import "go.opentelemetry.io/coverhost/testsupport/agentsim"

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"go.opentelemetry.io/coverhost/buffer"
	"go.opentelemetry.io/coverhost/shm"
	"go.opentelemetry.io/coverhost/wire"
)

// ErrRefused is returned when the host answers a request negatively.
var ErrRefused = errors.New("agentsim: request refused by host")

// Channel sends requests over one communication block.
type Channel struct {
	block *buffer.CommunicationBlock
}

// exchange writes a request with encode, raises request-ready and waits for the response.
func (c *Channel) exchange(ctx context.Context, encode func(region []byte) error) error {
	gen := c.block.ResponseReady.Generation()
	if err := encode(c.block.Region()); err != nil {
		return err
	}
	if err := c.block.RequestReady.Set(); err != nil {
		return err
	}
	return c.block.ResponseReady.WaitSince(ctx, gen)
}

// acknowledge confirms a non-final frame and waits for the next one.
func (c *Channel) acknowledge(ctx context.Context) error {
	gen := c.block.ResponseReady.Generation()
	if err := c.block.InformationRead.Pulse(); err != nil {
		return err
	}
	return c.block.ResponseReady.WaitSince(ctx, gen)
}

// TrackAssembly asks whether a module is instrumented.
func (c *Channel) TrackAssembly(ctx context.Context, req wire.TrackAssemblyRequest) (bool, error) {
	err := c.exchange(ctx, func(region []byte) error {
		_, err := wire.EncodeTrackAssembly(region, req)
		return err
	})
	if err != nil {
		return false, err
	}
	return wire.DecodeTrack(c.block.Region())
}

// GetSequencePoints fetches all sequence points of a method, acknowledging every chunk. It
// also returns the number of frames the answer took.
func (c *Channel) GetSequencePoints(ctx context.Context,
	req wire.PointsRequest) ([]wire.SequencePoint, int, error) {
	return getPoints(ctx, c, wire.MsgGetSequencePoints, req, wire.DecodeSequencePoints)
}

// GetBranchPoints fetches all branch points of a method, acknowledging every chunk.
func (c *Channel) GetBranchPoints(ctx context.Context,
	req wire.PointsRequest) ([]wire.BranchPoint, int, error) {
	return getPoints(ctx, c, wire.MsgGetBranchPoints, req, wire.DecodeBranchPoints)
}

func getPoints[P any](ctx context.Context, c *Channel, typ wire.MsgType, req wire.PointsRequest,
	decode func([]byte) (bool, []P, error)) ([]P, int, error) {
	err := c.exchange(ctx, func(region []byte) error {
		_, err := wire.EncodePoints(region, typ, req)
		return err
	})
	if err != nil {
		return nil, 0, err
	}

	var all []P
	for frames := 1; ; frames++ {
		more, points, err := decode(c.block.Region())
		if err != nil {
			return nil, frames, err
		}
		all = append(all, points...)
		if !more {
			return all, frames, nil
		}
		if err = c.acknowledge(ctx); err != nil {
			return nil, frames, err
		}
	}
}

// TrackMethod asks whether a method is a traced test method.
func (c *Channel) TrackMethod(ctx context.Context, req wire.TrackMethodRequest) (uint32, bool, error) {
	err := c.exchange(ctx, func(region []byte) error {
		_, err := wire.EncodeTrackMethod(region, req)
		return err
	})
	if err != nil {
		return 0, false, err
	}
	track, id, err := wire.DecodeTrackMethodResponse(c.block.Region())
	return id, track, err
}

// CloseChannel tells the host that the buffer with bufferID is no longer used.
func (c *Channel) CloseChannel(ctx context.Context, bufferID uint32) error {
	err := c.exchange(ctx, func(region []byte) error {
		_, err := wire.EncodeCloseChannel(region, bufferID)
		return err
	})
	if err != nil {
		return err
	}
	done, err := wire.DecodeCloseChannelResponse(c.block.Region())
	if err == nil && !done {
		err = ErrRefused
	}
	return err
}

// SendRaw writes region bytes verbatim as a request and returns the response region.
func (c *Channel) SendRaw(ctx context.Context, request []byte) ([]byte, error) {
	err := c.exchange(ctx, func(region []byte) error {
		copy(region, request)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c.block.Region(), nil
}

// Agent is one simulated profiled process.
type Agent struct {
	Channel

	provider  shm.Provider
	namespace string
	key       string
}

// Connect opens the root channel of the session (namespace, key).
func Connect(provider shm.Provider, namespace, key string) (*Agent, error) {
	root, err := buffer.OpenCommunicationBlock(provider, buffer.Ident{
		Namespace: namespace,
		Key:       key,
		BufferID:  buffer.RootBufferID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open root channel: %w", err)
	}
	return &Agent{
		Channel:   Channel{block: root},
		provider:  provider,
		namespace: namespace,
		key:       key,
	}, nil
}

// AllocateBuffer asks the host for a buffer pair with a results region of size bytes and
// opens it.
func (a *Agent) AllocateBuffer(ctx context.Context, size int32) (*Buffer, error) {
	err := a.exchange(ctx, func(region []byte) error {
		_, err := wire.EncodeAllocate(region, size)
		return err
	})
	if err != nil {
		return nil, err
	}
	allocated, id, err := wire.DecodeAllocateResponse(a.block.Region())
	if err != nil {
		return nil, err
	}
	if !allocated {
		return nil, ErrRefused
	}
	pair, err := buffer.Open(a.provider, a.namespace, a.key, id)
	if err != nil {
		return nil, err
	}
	return &Buffer{Channel: Channel{block: pair.Communication}, Pair: pair}, nil
}

// Close releases the agent's handles of the root channel.
func (a *Agent) Close() error {
	return a.block.Dispose()
}

// Buffer is a buffer pair owned by one simulated agent thread.
type Buffer struct {
	Channel
	Pair *buffer.Pair
}

// ID returns the buffer id.
func (b *Buffer) ID() uint32 {
	return b.Pair.ID
}

// SendVisits hands ids to the host in as many batches as the results region requires.
func (b *Buffer) SendVisits(ctx context.Context, ids []uint32) error {
	results := b.Pair.Results
	for {
		gen := results.ResultsReceived.Generation()
		n := wire.EncodeVisits(results.Region(), ids)
		if err := results.ProfilerHasResults.Set(); err != nil {
			return err
		}
		if err := results.ResultsReceived.WaitSince(ctx, gen); err != nil {
			return err
		}
		ids = ids[n:]
		if len(ids) == 0 {
			return nil
		}
	}
}

// WriteVisits leaves ids in the results region without signalling the host, like an agent
// that dies before flushing. It returns how many ids fit.
func (b *Buffer) WriteVisits(ids []uint32) int {
	return wire.EncodeVisits(b.Pair.Results.Region(), ids)
}

// Close closes the channel on the host and releases the agent's handles.
func (b *Buffer) Close(ctx context.Context) error {
	err := b.CloseChannel(ctx, b.ID())
	return multierr.Append(err, b.Pair.Dispose())
}
