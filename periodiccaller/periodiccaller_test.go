// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package periodiccaller

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestPeriodicCaller(t *testing.T) {
	defer goleak.VerifyNone(t)

	var counter atomic.Int32
	done := make(chan struct{})
	stop := Start(context.Background(), 5*time.Millisecond, func() {
		if counter.Add(1) == 2 {
			close(done)
		}
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		assert.Fail(t, "timeout - periodiccaller not working")
	}
	stop()
	stop()

	calls := counter.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, counter.Load(), "no calls after stop")
}

func TestManualTrigger(t *testing.T) {
	defer goleak.VerifyNone(t)

	trigger := make(chan bool)
	manual := make(chan bool, 1)
	stop := StartWithManualTrigger(context.Background(), time.Hour, trigger,
		func(manualTrigger bool) {
			manual <- manualTrigger
		})
	defer stop()

	trigger <- true
	assert.True(t, <-manual)
}

func TestCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	stop := Start(ctx, time.Millisecond, func() {})
	cancel()
	stop()
}
