// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package memorymanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/coverhost/buffer"
	"go.opentelemetry.io/coverhost/shm"
	"go.opentelemetry.io/coverhost/times"
	"go.opentelemetry.io/coverhost/wire"
)

func newManager(t *testing.T) (*Manager, *shm.MemoryProvider) {
	t.Helper()
	p := shm.NewMemoryProvider()
	m := New(p, times.New(0, 5*time.Millisecond, 0))
	t.Cleanup(func() {
		assert.NoError(t, m.Dispose())
	})
	return m, p
}

func TestAllocateBeforeInitialise(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.AllocateMemoryBuffer(1024)
	require.ErrorIs(t, err, ErrNotInitialised)
	_, ok := m.Session()
	assert.False(t, ok)
}

func TestInitialiseFirstCallWins(t *testing.T) {
	m, p := newManager(t)
	m.Initialise(buffer.NamespaceLocal, "FIRST", nil)
	m.Initialise(buffer.NamespaceGlobal, "SECOND", []string{"svc"})

	s, ok := m.Session()
	require.True(t, ok)
	assert.Equal(t, buffer.NamespaceLocal, s.Namespace)
	assert.Equal(t, "FIRST", s.Key)

	pair, err := m.AllocateMemoryBuffer(1024)
	require.NoError(t, err)
	assert.Contains(t, p.Names(),
		buffer.Name(buffer.NamespaceLocal, buffer.RoleResultsSegment, "FIRST", pair.ID))
}

func TestBufferIDsStrictlyIncrease(t *testing.T) {
	m, _ := newManager(t)
	m.Initialise(buffer.NamespaceLocal, "IDS", nil)

	var mu sync.Mutex
	var ids []uint32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 4 {
				pair, err := m.AllocateMemoryBuffer(64)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				ids = append(ids, pair.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	seen := make(map[uint32]bool)
	for _, id := range ids {
		assert.False(t, seen[id], "id %d handed out twice", id)
		assert.GreaterOrEqual(t, id, uint32(1))
		seen[id] = true
	}
	assert.Len(t, seen, 32)

	blocks := m.GetBlocks()
	for i := 1; i < len(blocks); i++ {
		assert.Greater(t, blocks[i].ID, blocks[i-1].ID)
	}
}

func TestRemoveDeactivatedBlock(t *testing.T) {
	m, p := newManager(t)
	m.Initialise(buffer.NamespaceLocal, "RM", nil)

	pair, err := m.AllocateMemoryBuffer(64)
	require.NoError(t, err)
	_, err = m.AllocateMemoryBuffer(64)
	require.NoError(t, err)
	objects := len(p.Names())

	require.NoError(t, m.RemoveDeactivatedBlock(pair))
	assert.Len(t, m.GetBlocks(), 2, "active pairs must not be removed")
	assert.Len(t, p.Names(), objects)

	m.DeactivateMemoryBuffer(pair.ID)
	m.DeactivateMemoryBuffer(pair.ID)
	m.DeactivateMemoryBuffer(99)
	assert.Equal(t, 1, m.ActiveCount())

	require.NoError(t, m.RemoveDeactivatedBlock(pair))
	assert.Len(t, m.GetBlocks(), 1)
	assert.Len(t, p.Names(), objects-9)
	assert.Nil(t, pair.Communication.Region())

	require.NoError(t, m.RemoveDeactivatedBlock(pair))
	assert.Len(t, m.GetBlocks(), 1)
}

func TestGetBlocksIsACopy(t *testing.T) {
	m, _ := newManager(t)
	m.Initialise(buffer.NamespaceLocal, "CP", nil)
	_, err := m.AllocateMemoryBuffer(64)
	require.NoError(t, err)

	blocks := m.GetBlocks()
	blocks[0] = nil
	assert.NotNil(t, m.GetBlocks()[0])
}

func TestWaitForBlocksToClose(t *testing.T) {
	m, _ := newManager(t)
	m.Initialise(buffer.NamespaceLocal, "WAIT", nil)
	pair, err := m.AllocateMemoryBuffer(64)
	require.NoError(t, err)

	assert.False(t, m.WaitForBlocksToClose(context.Background(), 2))

	go func() {
		time.Sleep(10 * time.Millisecond)
		m.DeactivateMemoryBuffer(pair.ID)
	}()
	assert.True(t, m.WaitForBlocksToClose(context.Background(), 100))
}

func TestFetchRemainingBufferData(t *testing.T) {
	m, p := newManager(t)
	m.Initialise(buffer.NamespaceLocal, "DRAIN", nil)

	withData, err := m.AllocateMemoryBuffer(16)
	require.NoError(t, err)
	empty, err := m.AllocateMemoryBuffer(16)
	require.NoError(t, err)
	closed, err := m.AllocateMemoryBuffer(16)
	require.NoError(t, err)
	m.DeactivateMemoryBuffer(closed.ID)

	wire.EncodeVisits(withData.Results.Region(), []uint32{4, 5})

	var drained [][]byte
	var ids []uint32
	require.NoError(t, m.FetchRemainingBufferData(func(id uint32, data []byte) {
		ids = append(ids, id)
		drained = append(drained, data)
	}))

	require.Len(t, drained, 2)
	assert.Equal(t, []uint32{withData.ID, empty.ID}, ids)
	assert.Equal(t, uint32(2), wire.VisitCount(drained[0]))
	assert.Zero(t, wire.VisitCount(drained[1]))
	assert.Len(t, drained[1], 16)

	assert.False(t, withData.Active())
	assert.False(t, empty.Active())
	assert.Nil(t, withData.Results.Region())
	assert.Nil(t, empty.Results.Region())

	// The deactivated pair is left for RemoveDeactivatedBlock.
	assert.Equal(t, []*buffer.Pair{closed}, m.GetBlocks())
	assert.Len(t, p.Names(), 9)

	drained = nil
	require.NoError(t, m.FetchRemainingBufferData(func(_ uint32, data []byte) {
		drained = append(drained, data)
	}))
	assert.Empty(t, drained)
}
