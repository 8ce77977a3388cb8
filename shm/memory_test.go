// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package shm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryProviderLifecycle(t *testing.T) {
	p := NewMemoryProvider()

	seg, err := p.CreateSegment("Local_Seg", 16, Options{})
	require.NoError(t, err)
	_, err = p.CreateSegment("Local_Seg", 16, Options{})
	require.ErrorIs(t, err, ErrExists)

	shared, err := p.CreateSegment("Local_Seg", 16, Options{Principals: []string{"svc"}})
	require.NoError(t, err, "shared creation re-uses the existing segment")
	seg.Bytes()[3] = 7
	assert.Equal(t, byte(7), shared.Bytes()[3])

	require.NoError(t, shared.Close())
	assert.Contains(t, p.Names(), "Local_Seg")
	require.NoError(t, seg.Close())
	assert.NotContains(t, p.Names(), "Local_Seg")

	_, err = p.OpenSegment("Local_Seg")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryEventSemantics(t *testing.T) {
	p := NewMemoryProvider()

	var mu sync.Mutex
	var transitions []bool
	p.SetTransitionHook(func(_ string, signalled bool) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, signalled)
	})

	ev, err := p.CreateEvent("Local_Ev", Options{})
	require.NoError(t, err)
	peer, err := p.OpenEvent("Local_Ev")
	require.NoError(t, err)

	gen := peer.Generation()
	require.NoError(t, ev.Pulse())
	assert.False(t, peer.IsSet())
	require.NoError(t, peer.WaitSince(context.Background(), gen))

	require.NoError(t, ev.Set())
	require.NoError(t, peer.Wait(context.Background()))
	require.NoError(t, ev.Set())
	require.NoError(t, peer.Reset())

	mu.Lock()
	assert.Equal(t, []bool{true, false, true, false}, transitions)
	mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- peer.Wait(context.Background())
	}()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, peer.Close())
	require.ErrorIs(t, <-done, ErrClosed)
	require.NoError(t, ev.Close())
}

func TestMemorySemaphore(t *testing.T) {
	p := NewMemoryProvider()

	sem, err := p.CreateSemaphore("Local_Sem", Options{})
	require.NoError(t, err)
	peer, err := p.OpenSemaphore("Local_Sem")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- peer.Wait(context.Background())
	}()
	require.NoError(t, sem.Release(1))
	require.NoError(t, <-done)
	assert.False(t, peer.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, peer.Wait(ctx), context.DeadlineExceeded)
}
