// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package times keeps the intervals and timeouts of a coverage run in one place.
package times // import "go.opentelemetry.io/coverhost/times"

import "time"

const (
	// HandshakeTimeout bounds the wait for the agent's first request after the target
	// was started.
	HandshakeTimeout = 10 * time.Second
	// BlockCloseInterval is the poll interval while waiting for agents to close their
	// buffers at process exit.
	BlockCloseInterval = 500 * time.Millisecond
	// BlockCloseIterations is the number of polls before buffers are drained by force.
	BlockCloseIterations = 10
	// MetricsInterval is the interval at which metric totals are logged.
	MetricsInterval = 30 * time.Second
)

// Compile time check for interface adherence
var _ IntervalsAndTimers = (*Times)(nil)

// Times hold all the intervals and timeouts used across the host and comes with getters to
// read them.
type Times struct {
	handshakeTimeout     time.Duration
	blockCloseInterval   time.Duration
	blockCloseIterations int
	metricsInterval      time.Duration
}

// IntervalsAndTimers is a meta-interface that exists purely to document its functionality.
type IntervalsAndTimers interface {
	// HandshakeTimeout defines how long to wait for the agent of a freshly started target.
	HandshakeTimeout() time.Duration
	// BlockCloseInterval defines the poll interval of the grace period at process exit.
	BlockCloseInterval() time.Duration
	// BlockCloseIterations defines how many polls the grace period lasts.
	BlockCloseIterations() int
	// MetricsInterval defines the interval at which metric totals are logged.
	MetricsInterval() time.Duration
}

func (t *Times) HandshakeTimeout() time.Duration { return t.handshakeTimeout }

func (t *Times) BlockCloseInterval() time.Duration { return t.blockCloseInterval }

func (t *Times) BlockCloseIterations() int { return t.blockCloseIterations }

func (t *Times) MetricsInterval() time.Duration { return t.metricsInterval }

// New returns a new Times instance. Zero values select the defaults.
func New(handshakeTimeout, blockCloseInterval time.Duration, blockCloseIterations int) *Times {
	t := &Times{
		handshakeTimeout:     HandshakeTimeout,
		blockCloseInterval:   BlockCloseInterval,
		blockCloseIterations: BlockCloseIterations,
		metricsInterval:      MetricsInterval,
	}
	if handshakeTimeout > 0 {
		t.handshakeTimeout = handshakeTimeout
	}
	if blockCloseInterval > 0 {
		t.blockCloseInterval = blockCloseInterval
	}
	if blockCloseIterations > 0 {
		t.blockCloseIterations = blockCloseIterations
	}
	return t
}
