// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package profilermanager runs one coverage session: it creates the root channel, starts
// the target with the environment the agent needs, serves every buffer pair the agents
// allocate and drains all visit data once the target exited.
package profilermanager // import "go.opentelemetry.io/coverhost/profilermanager"

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/coverhost/buffer"
	"go.opentelemetry.io/coverhost/communicationmanager"
	"go.opentelemetry.io/coverhost/memorymanager"
	"go.opentelemetry.io/coverhost/shm"
	"go.opentelemetry.io/coverhost/times"
	"go.opentelemetry.io/coverhost/visits"
	"go.opentelemetry.io/coverhost/wire"
)

// ErrHandshakeTimeout is returned when the agent of the target did not send its first
// request within the handshake timeout.
var ErrHandshakeTimeout = errors.New("profiler did not connect in time")

// DefaultProfilerCLSID is the class id the agent registers under.
const DefaultProfilerCLSID = "{5E3E8C1B-6F0A-4E8B-9D4C-2B7A1C0F3D92}"

// Environment variables read by the runtime and the agent.
const (
	EnvEnableProfiling     = "COR_ENABLE_PROFILING"
	EnvProfiler            = "COR_PROFILER"
	EnvProfilerPath        = "COR_PROFILER_PATH"
	EnvCoreEnableProfiling = "CORECLR_ENABLE_PROFILING"
	EnvCoreProfiler        = "CORECLR_PROFILER"
	EnvCoreProfilerPath    = "CORECLR_PROFILER_PATH"
	EnvKey                 = "COVERHOST_PROFILER_KEY"
	EnvNamespace           = "COVERHOST_PROFILER_NAMESPACE"
	EnvThreshold           = "COVERHOST_PROFILER_THRESHOLD"
	EnvTraceByTest         = "COVERHOST_PROFILER_TRACEBYTEST"
)

// Launcher starts the target and blocks until it exited. It calls inject with the
// environment of the target before starting it. Canceling ctx must terminate the target.
type Launcher func(ctx context.Context, inject func(env map[string]string)) error

// Config holds the collaborators and settings of a Manager.
type Config struct {
	Provider   shm.Provider
	Memory     *memorymanager.Manager
	Comm       *communicationmanager.Manager
	Aggregator *visits.Aggregator
	Intervals  times.IntervalsAndTimers

	// Principals are the identities besides the current one that need access to the
	// session objects. A non-empty list selects the global namespace.
	Principals []string
	// ProfilerCLSID overrides DefaultProfilerCLSID.
	ProfilerCLSID string
	// ProfilerPath is the path of the agent library for registration-free activation.
	ProfilerPath string
	// Threshold limits how often the agent reports a point. Zero means unlimited.
	Threshold   uint32
	TraceByTest bool
}

// Manager runs coverage sessions.
type Manager struct {
	cfg Config
}

// New returns a manager for cfg.
func New(cfg Config) *Manager {
	if cfg.ProfilerCLSID == "" {
		cfg.ProfilerCLSID = DefaultProfilerCLSID
	}
	return &Manager{cfg: cfg}
}

// newSessionKey returns a key that is unique among concurrent sessions on the machine.
func newSessionKey() string {
	return fmt.Sprintf("%X", uuid.New().ID())
}

// Environment adds the variables for session to env.
func (m *Manager) Environment(session memorymanager.Session, env map[string]string) {
	env[EnvEnableProfiling] = "1"
	env[EnvProfiler] = m.cfg.ProfilerCLSID
	env[EnvCoreEnableProfiling] = "1"
	env[EnvCoreProfiler] = m.cfg.ProfilerCLSID
	env[EnvKey] = session.Key
	env[EnvNamespace] = session.Namespace
	if m.cfg.ProfilerPath != "" {
		env[EnvProfilerPath] = m.cfg.ProfilerPath
		env[EnvCoreProfilerPath] = m.cfg.ProfilerPath
	}
	if m.cfg.Threshold > 0 {
		env[EnvThreshold] = strconv.FormatUint(uint64(m.cfg.Threshold), 10)
	}
	if m.cfg.TraceByTest {
		env[EnvTraceByTest] = "1"
	}
}

// visitBuffer is a copy of the results region of one pair.
type visitBuffer struct {
	bufferID uint32
	data     []byte
}

// session is the state of one RunProcess call.
type session struct {
	m *Manager

	queue *fifo[visitBuffer]

	// mu guards stopping and the use of pairs.
	mu          sync.Mutex
	stopping    bool
	pairs       errgroup.Group
	pairsCtx    context.Context
	cancelPairs context.CancelFunc
}

// RunProcess runs launch as one coverage session and returns once the target exited and all
// visit data reached the aggregator.
func (m *Manager) RunProcess(ctx context.Context, launch Launcher) (err error) {
	namespace := buffer.NamespaceLocal
	if len(m.cfg.Principals) > 0 {
		namespace = buffer.NamespaceGlobal
	}
	m.cfg.Memory.Initialise(namespace, newSessionKey(), m.cfg.Principals)
	sess, _ := m.cfg.Memory.Session()
	log.Debugf("Starting session %s in namespace %s", sess.Key, sess.Namespace)

	root, err := buffer.NewCommunicationBlock(m.cfg.Provider, buffer.Ident{
		Namespace: sess.Namespace,
		Key:       sess.Key,
		BufferID:  buffer.RootBufferID,
	}, m.cfg.Principals)
	if err != nil {
		return fmt.Errorf("failed to create root channel: %w", err)
	}

	s := &session{m: m, queue: newFifo[visitBuffer]("visits")}
	s.pairsCtx, s.cancelPairs = context.WithCancel(context.WithoutCancel(ctx))

	aggregated := make(chan struct{})
	go func() {
		defer close(aggregated)
		s.aggregate()
	}()

	// A generation change tells the first request apart, even after the root loop
	// already reset the event.
	handshakeGen := root.RequestReady.Generation()

	rootCtx, stopRoot := context.WithCancel(ctx)
	rootDone := make(chan error, 1)
	go func() {
		rootDone <- m.cfg.Comm.HandleCommunicationBlock(rootCtx, root, s.startPair)
	}()

	launchCtx, abortLaunch := context.WithCancel(ctx)
	defer abortLaunch()
	handshake := make(chan error, 1)
	go func() {
		hctx, cancel := context.WithTimeout(launchCtx, m.cfg.Intervals.HandshakeTimeout())
		defer cancel()
		if err := root.RequestReady.WaitSince(hctx, handshakeGen); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = ErrHandshakeTimeout
				abortLaunch()
			}
			handshake <- err
			return
		}
		log.Debugf("Profiler connected to session %s", sess.Key)
		handshake <- nil
	}()

	launchErr := launch(launchCtx, func(env map[string]string) {
		m.Environment(sess, env)
	})
	abortLaunch()
	if herr := <-handshake; errors.Is(herr, ErrHandshakeTimeout) {
		log.Errorf("Target did not load the profiler within %v",
			m.cfg.Intervals.HandshakeTimeout())
		err = ErrHandshakeTimeout
	}
	if launchErr != nil {
		err = multierr.Append(err, launchErr)
	}
	log.Debugf("Target exited, %d buffers still active", m.cfg.Memory.ActiveCount())

	stopRoot()
	if rerr := <-rootDone; rerr != nil {
		log.Errorf("Root channel failed: %v", rerr)
	}

	if !m.cfg.Memory.WaitForBlocksToClose(context.WithoutCancel(ctx),
		m.cfg.Intervals.BlockCloseIterations()) {
		log.Warnf("%d buffers were not closed by the profiler", m.cfg.Memory.ActiveCount())
	}
	s.stopPairs()

	if ferr := m.cfg.Memory.FetchRemainingBufferData(s.enqueue); ferr != nil {
		log.Errorf("Failed to drain buffers: %v", ferr)
	}
	s.queue.Close()
	<-aggregated

	m.cfg.Comm.Complete()

	if derr := m.cfg.Memory.Dispose(); derr != nil {
		log.Errorf("Failed to dispose buffers: %v", derr)
	}
	if derr := root.Dispose(); derr != nil {
		log.Errorf("Failed to dispose root channel: %v", derr)
	}
	return err
}

// aggregate feeds queued visit buffers to the aggregator until the queue is closed and empty.
func (s *session) aggregate() {
	for range s.queue.Ready() {
		for _, vb := range s.queue.ReadAll() {
			s.m.cfg.Aggregator.SaveVisitData(vb.bufferID, vb.data)
		}
		if s.queue.Closed() {
			for _, vb := range s.queue.ReadAll() {
				s.m.cfg.Aggregator.SaveVisitData(vb.bufferID, vb.data)
			}
			return
		}
	}
}

func (s *session) enqueue(bufferID uint32, data []byte) {
	s.queue.Append(visitBuffer{bufferID: bufferID, data: data})
}

// startPair serves a newly allocated pair. It is called by the communication loops.
func (s *session) startPair(pair *buffer.Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		// Drained by FetchRemainingBufferData.
		log.Debugf("Not serving buffer %d allocated during shutdown", pair.ID)
		return
	}
	s.pairs.Go(func() error {
		if err := s.servePair(s.pairsCtx, pair); err != nil {
			log.Errorf("Buffer %d failed: %v", pair.ID, err)
		}
		return nil
	})
}

// stopPairs ends all pair loops and waits for them.
func (s *session) stopPairs() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	s.cancelPairs()
	_ = s.pairs.Wait()
}

// servePair runs the communication and results loops of pair until the agent closes the
// pair or ctx is canceled. A closed pair is removed once both loops are gone, so its
// mapping is never released under a running copy.
func (s *session) servePair(ctx context.Context, pair *buffer.Pair) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.m.cfg.Comm.HandleCommunicationBlock(gctx, pair.Communication, s.startPair)
	})
	g.Go(func() error {
		return s.receiveResults(gctx, pair)
	})
	g.Go(func() error {
		select {
		case <-pair.Deactivated():
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	err := g.Wait()

	if pair.Active() {
		return err
	}
	// Visits the agent wrote but never signalled.
	region := pair.Results.Region()
	if wire.VisitCount(region) > 0 {
		data := make([]byte, len(region))
		copy(data, region)
		wire.ClearVisitCount(region)
		s.enqueue(pair.ID, data)
	}
	return multierr.Append(err, s.m.cfg.Memory.RemoveDeactivatedBlock(pair))
}

// receiveResults forwards every batch of visit data of pair to the queue.
func (s *session) receiveResults(ctx context.Context, pair *buffer.Pair) error {
	for {
		data, err := s.m.cfg.Comm.HandleMemoryBlock(ctx, pair.Results)
		if data != nil {
			s.enqueue(pair.ID, data)
		}
		switch {
		case err == nil:
		case errors.Is(err, communicationmanager.ErrConnectionClosed),
			errors.Is(err, context.Canceled):
			return nil
		default:
			return fmt.Errorf("results of buffer %d: %w", pair.ID, err)
		}
	}
}
