// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package communicationmanager

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go.opentelemetry.io/coverhost/buffer"
	"go.opentelemetry.io/coverhost/memorymanager"
	"go.opentelemetry.io/coverhost/messagehandler"
	"go.opentelemetry.io/coverhost/shm"
	"go.opentelemetry.io/coverhost/testsupport/agentsim"
	"go.opentelemetry.io/coverhost/times"
	"go.opentelemetry.io/coverhost/wire"
)

const testKey = "CM"

type pointService struct {
	points   []wire.SequencePoint
	stopping bool
}

func (s *pointService) TrackAssembly(int32, string, string, string) bool { return true }

func (s *pointService) GetSequencePoints(int32, string, string, string,
	int32) ([]wire.SequencePoint, error) {
	return s.points, nil
}

func (s *pointService) GetBranchPoints(int32, string, string, string,
	int32) ([]wire.BranchPoint, error) {
	return nil, nil
}

func (s *pointService) TrackMethod(string, string, int32) (uint32, bool) { return 0, false }

func (s *pointService) Stopping() { s.stopping = true }

// halfDuplex watches all events of a provider and records every moment in which request-ready
// and response-ready of the same block are signalled together.
type halfDuplex struct {
	mu          sync.Mutex
	signalled   map[string]bool
	transitions int
	violations  []string
}

func (h *halfDuplex) observe(name string, signalled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signalled[name] = signalled
	h.transitions++
	if !signalled {
		return
	}

	var peer string
	switch {
	case strings.Contains(name, buffer.RoleRequestReady):
		peer = strings.Replace(name, buffer.RoleRequestReady, buffer.RoleResponseReady, 1)
	case strings.Contains(name, buffer.RoleResponseReady):
		peer = strings.Replace(name, buffer.RoleResponseReady, buffer.RoleRequestReady, 1)
	default:
		return
	}
	if h.signalled[peer] {
		h.violations = append(h.violations, name)
	}
}

type fixture struct {
	provider *shm.MemoryProvider
	harness  *halfDuplex
	memory   *memorymanager.Manager
	service  *pointService
	manager  *Manager
	root     *buffer.CommunicationBlock
	agent    *agentsim.Agent
}

func newFixture(t *testing.T, chunkCapacity int) *fixture {
	t.Helper()
	f := &fixture{
		provider: shm.NewMemoryProvider(),
		harness:  &halfDuplex{signalled: make(map[string]bool)},
		service:  &pointService{},
	}
	f.provider.SetTransitionHook(f.harness.observe)
	f.memory = memorymanager.New(f.provider, times.New(0, time.Millisecond, 0))
	f.memory.Initialise(buffer.NamespaceLocal, testKey, nil)
	f.manager = New(messagehandler.New(f.service, f.memory, chunkCapacity))

	var err error
	f.root, err = buffer.NewCommunicationBlock(f.provider, buffer.Ident{
		Namespace: buffer.NamespaceLocal,
		Key:       testKey,
	}, nil)
	require.NoError(t, err)
	f.agent, err = agentsim.Connect(f.provider, buffer.NamespaceLocal, testKey)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, f.agent.Close())
		assert.NoError(t, f.root.Dispose())
		assert.NoError(t, f.memory.Dispose())
	})
	return f
}

func (f *fixture) serve(ctx context.Context, block *buffer.CommunicationBlock,
	onPair func(*buffer.Pair)) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- f.manager.HandleCommunicationBlock(ctx, block, onPair)
	}()
	return done
}

func TestExchangeIsHalfDuplex(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, 10)
	for i := range 25 {
		f.service.points = append(f.service.points,
			wire.SequencePoint{UniqueID: uint32(i + 1), Offset: int32(i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pairs := make(chan *buffer.Pair, 1)
	rootDone := f.serve(ctx, f.root, func(p *buffer.Pair) { pairs <- p })

	track, err := f.agent.TrackAssembly(ctx, wire.TrackAssemblyRequest{ModulePath: "/a.dll"})
	require.NoError(t, err)
	assert.True(t, track)

	points, frames, err := f.agent.GetSequencePoints(ctx, wire.PointsRequest{FunctionToken: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, frames)
	assert.Empty(t, cmp.Diff(f.service.points, points))

	buf, err := f.agent.AllocateBuffer(ctx, 64)
	require.NoError(t, err)
	pair := <-pairs
	assert.Equal(t, pair.ID, buf.ID())

	pairDone := f.serve(ctx, pair.Communication, nil)
	points, frames, err = buf.GetSequencePoints(ctx, wire.PointsRequest{FunctionToken: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, frames)
	assert.Len(t, points, 25)

	require.NoError(t, buf.Close(ctx))
	require.NoError(t, <-pairDone)
	assert.False(t, pair.Active())

	require.NoError(t, f.agent.CloseChannel(ctx, buffer.RootBufferID))
	require.NoError(t, <-rootDone)

	f.harness.mu.Lock()
	defer f.harness.mu.Unlock()
	assert.Empty(t, f.harness.violations)
	assert.Greater(t, f.harness.transitions, 20)
}

func TestLoopEndsWhenBlockIsDisposed(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, 0)

	done := f.serve(context.Background(), f.root, nil)
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.root.Dispose())
	require.NoError(t, <-done)
}

func TestLoopEndsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := f.serve(ctx, f.root, nil)
	cancel()
	require.NoError(t, <-done)
}

func TestHandleMemoryBlock(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newFixture(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pairs := make(chan *buffer.Pair, 1)
	rootDone := f.serve(ctx, f.root, func(p *buffer.Pair) { pairs <- p })
	buf, err := f.agent.AllocateBuffer(ctx, 4+4*4)
	require.NoError(t, err)
	pair := <-pairs

	// Six ids need two batches of a four-id region.
	sent := make(chan error, 1)
	go func() {
		sent <- buf.SendVisits(ctx, []uint32{1, 2, 3, 4, 5, 6})
	}()

	var got []uint32
	for len(got) < 6 {
		data, err := f.manager.HandleMemoryBlock(ctx, pair.Results)
		require.NoError(t, err)
		for i := range int(wire.VisitCount(data)) {
			got = append(got, wire.VisitID(data, i))
		}
	}
	require.NoError(t, <-sent)
	assert.Equal(t, []uint32{1, 2, 3, 4, 5, 6}, got)
	assert.Zero(t, wire.VisitCount(pair.Results.Region()), "count is cleared after each batch")

	require.NoError(t, buf.Pair.Dispose())
	require.NoError(t, pair.Dispose())
	_, err = f.manager.HandleMemoryBlock(ctx, pair.Results)
	require.ErrorIs(t, err, ErrConnectionClosed)

	cancel()
	require.NoError(t, <-rootDone)
}

func TestComplete(t *testing.T) {
	f := newFixture(t, 0)
	f.manager.Complete()
	assert.True(t, f.service.stopping)
}
