// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package profilermanager

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go.opentelemetry.io/coverhost/communicationmanager"
	"go.opentelemetry.io/coverhost/coverage"
	"go.opentelemetry.io/coverhost/memorymanager"
	"go.opentelemetry.io/coverhost/messagehandler"
	"go.opentelemetry.io/coverhost/metrics"
	"go.opentelemetry.io/coverhost/shm"
	"go.opentelemetry.io/coverhost/testsupport/agentsim"
	"go.opentelemetry.io/coverhost/times"
	"go.opentelemetry.io/coverhost/visits"
	"go.opentelemetry.io/coverhost/wire"
)

type fixture struct {
	manager *Manager
	memory  *memorymanager.Manager
	table   *visits.Table
}

func newFixture(t *testing.T, provider shm.Provider, intervals times.IntervalsAndTimers) *fixture {
	t.Helper()

	filter, err := coverage.ParseFilter("+[App]*")
	require.NoError(t, err)
	table := visits.NewTable(0, 0)
	svc, err := coverage.NewService(coverage.Config{
		Filter: filter,
		Source: coverage.NewManifestSource(&coverage.Manifest{Modules: []coverage.Module{{
			Path:     "/app/App.dll",
			Assembly: "App",
			Methods: []coverage.Method{{
				Token: 1, Class: "App.Program", Name: "Main",
				SequencePoints: []coverage.SequencePoint{
					{Offset: 0, StartLine: 1}, {Offset: 2, StartLine: 2}, {Offset: 4, StartLine: 3},
				},
			}},
		}}}),
	}, coverage.NewModel(table), nil)
	require.NoError(t, err)

	memory := memorymanager.New(provider, intervals)
	handler := messagehandler.New(svc, memory, 0)
	return &fixture{
		manager: New(Config{
			Provider:   provider,
			Memory:     memory,
			Comm:       communicationmanager.New(handler),
			Aggregator: visits.NewAggregator(table, nil),
			Intervals:  intervals,
		}),
		memory: memory,
		table:  table,
	}
}

// runTarget plays a target with one thread that closes its buffer and one that does not.
func runTarget(t *testing.T, provider shm.Provider) Launcher {
	return func(ctx context.Context, inject func(env map[string]string)) error {
		env := map[string]string{}
		inject(env)
		assert.Equal(t, "1", env[EnvEnableProfiling])
		assert.Equal(t, DefaultProfilerCLSID, env[EnvCoreProfiler])

		agent, err := agentsim.Connect(provider, env[EnvNamespace], env[EnvKey])
		if err != nil {
			return err
		}
		defer agent.Close()

		track, err := agent.TrackAssembly(ctx, wire.TrackAssemblyRequest{
			ProcessID:    7,
			ProcessName:  "app",
			ModulePath:   "/app/App.dll",
			AssemblyName: "App",
		})
		if err != nil {
			return err
		}
		assert.True(t, track)

		first, err := agent.AllocateBuffer(ctx, 64)
		if err != nil {
			return err
		}
		points, _, err := first.GetSequencePoints(ctx, wire.PointsRequest{
			FunctionToken: 1,
			ProcessID:     7,
			ProcessName:   "app",
			ModulePath:    "/app/App.dll",
			AssemblyName:  "App",
		})
		if err != nil {
			return err
		}
		if len(points) != 3 {
			return errors.New("unexpected number of points")
		}
		p0, p1, p2 := points[0].UniqueID, points[1].UniqueID, points[2].UniqueID

		if err = first.SendVisits(ctx, []uint32{p0, p1, p1}); err != nil {
			return err
		}
		// Written but never signalled before the channel is closed.
		first.WriteVisits([]uint32{p2})
		if err = first.Close(ctx); err != nil {
			return err
		}

		second, err := agent.AllocateBuffer(ctx, 64)
		if err != nil {
			return err
		}
		assert.Greater(t, second.ID(), first.ID())
		// The second thread never flushes nor closes its buffer.
		second.WriteVisits([]uint32{p0})
		return nil
	}
}

func TestRunProcess(t *testing.T) {
	defer goleak.VerifyNone(t)

	provider := shm.NewMemoryProvider()
	f := newFixture(t, provider, times.New(time.Second, 5*time.Millisecond, 3))
	drained := metrics.Total(metrics.IDBuffersDrained)

	require.NoError(t, f.manager.RunProcess(context.Background(), runTarget(t, provider)))

	assert.Equal(t, uint64(2), f.table.Count(1))
	assert.Equal(t, uint64(2), f.table.Count(2))
	assert.Equal(t, uint64(1), f.table.Count(3))
	assert.Equal(t, drained+1, metrics.Total(metrics.IDBuffersDrained))

	assert.Empty(t, f.memory.GetBlocks())
	assert.Empty(t, provider.Names())
}

func TestHandshakeTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	provider := shm.NewMemoryProvider()
	f := newFixture(t, provider, times.New(20*time.Millisecond, time.Millisecond, 1))

	err := f.manager.RunProcess(context.Background(),
		func(ctx context.Context, inject func(map[string]string)) error {
			inject(map[string]string{})
			<-ctx.Done()
			return ctx.Err()
		})
	require.ErrorIs(t, err, ErrHandshakeTimeout)
	assert.Empty(t, provider.Names())
}

func TestLaunchFailure(t *testing.T) {
	defer goleak.VerifyNone(t)

	provider := shm.NewMemoryProvider()
	f := newFixture(t, provider, times.New(time.Second, time.Millisecond, 1))
	errLaunch := errors.New("target not found")

	err := f.manager.RunProcess(context.Background(),
		func(context.Context, func(map[string]string)) error {
			return errLaunch
		})
	require.ErrorIs(t, err, errLaunch)
	assert.NotErrorIs(t, err, ErrHandshakeTimeout)
}

func TestEnvironment(t *testing.T) {
	session := memorymanager.Session{Namespace: "Global", Key: "ABCD"}

	for name, tc := range map[string]struct {
		cfg  Config
		want map[string]string
	}{
		"defaults": {
			want: map[string]string{
				EnvEnableProfiling:     "1",
				EnvProfiler:            DefaultProfilerCLSID,
				EnvCoreEnableProfiling: "1",
				EnvCoreProfiler:        DefaultProfilerCLSID,
				EnvKey:                 "ABCD",
				EnvNamespace:           "Global",
			},
		},
		"all options": {
			cfg: Config{
				ProfilerCLSID: "{0}",
				ProfilerPath:  "/opt/agent.so",
				Threshold:     100,
				TraceByTest:   true,
			},
			want: map[string]string{
				EnvEnableProfiling:     "1",
				EnvProfiler:            "{0}",
				EnvProfilerPath:        "/opt/agent.so",
				EnvCoreEnableProfiling: "1",
				EnvCoreProfiler:        "{0}",
				EnvCoreProfilerPath:    "/opt/agent.so",
				EnvKey:                 "ABCD",
				EnvNamespace:           "Global",
				EnvThreshold:           "100",
				EnvTraceByTest:         "1",
			},
		},
	} {
		t.Run(name, func(t *testing.T) {
			env := map[string]string{}
			New(tc.cfg).Environment(session, env)
			assert.Equal(t, tc.want, env)
		})
	}
}

func TestFifo(t *testing.T) {
	q := newFifo[int]("test")
	q.Append(1)
	q.Append(2)

	select {
	case <-q.Ready():
	default:
		t.Fatal("queue not ready after append")
	}
	assert.Equal(t, []int{1, 2}, q.ReadAll())
	assert.Empty(t, q.ReadAll())

	q.Close()
	q.Append(3)
	assert.True(t, q.Closed())
	assert.Empty(t, q.ReadAll())
}
