// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/coverhost/coverage"
	"go.opentelemetry.io/coverhost/profilermanager"
	"go.opentelemetry.io/coverhost/report"
	"go.opentelemetry.io/coverhost/shm"
	"go.opentelemetry.io/coverhost/testsupport/agentsim"
	"go.opentelemetry.io/coverhost/wire"
)

func writeManifest(t *testing.T) string {
	t.Helper()
	data, err := json.Marshal(coverage.Manifest{Modules: []coverage.Module{{
		Path:     "/app/App.dll",
		Assembly: "App",
		Methods: []coverage.Method{{
			Token: 1, Class: "App.Program", Name: "Main",
			SequencePoints: []coverage.SequencePoint{
				{Offset: 0, StartLine: 1}, {Offset: 2, StartLine: 2},
			},
		}},
	}}})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func testConfig(t *testing.T) *Config {
	return &Config{
		Target:               "app",
		Manifest:             writeManifest(t),
		Filters:              Filters{"+[App]*"},
		Output:               filepath.Join(t.TempDir(), "coverage.json.zst"),
		HandshakeTimeout:     time.Second,
		BlockCloseInterval:   5 * time.Millisecond,
		BlockCloseIterations: 3,
	}
}

// visitFirstPoint is a target whose agent visits the first point of Main once.
func visitFirstPoint(provider shm.Provider) profilermanager.Launcher {
	return func(ctx context.Context, inject func(map[string]string)) error {
		env := map[string]string{}
		inject(env)
		agent, err := agentsim.Connect(provider, env[profilermanager.EnvNamespace],
			env[profilermanager.EnvKey])
		if err != nil {
			return err
		}
		defer agent.Close()

		if _, err = agent.TrackAssembly(ctx, wire.TrackAssemblyRequest{
			ProcessID: 1, ProcessName: "app", ModulePath: "/app/App.dll", AssemblyName: "App",
		}); err != nil {
			return err
		}
		buf, err := agent.AllocateBuffer(ctx, 64)
		if err != nil {
			return err
		}
		points, _, err := buf.GetSequencePoints(ctx, wire.PointsRequest{
			FunctionToken: 1, ProcessID: 1, ProcessName: "app",
			ModulePath: "/app/App.dll", AssemblyName: "App",
		})
		if err != nil {
			return err
		}
		if len(points) == 0 {
			return errors.New("no points")
		}
		if err = buf.SendVisits(ctx, []uint32{points[0].UniqueID}); err != nil {
			return err
		}
		return buf.Close(ctx)
	}
}

func TestControllerRun(t *testing.T) {
	provider := shm.NewMemoryProvider()
	cfg := testConfig(t)
	ctlr := New(cfg, WithProvider(provider), WithLauncher(visitFirstPoint(provider)))

	require.NoError(t, ctlr.Run(context.Background()))

	want := report.Summary{
		SequencePoints:        2,
		VisitedSequencePoints: 1,
		Methods:               1,
		VisitedMethods:        1,
		SequenceCoverage:      50,
	}
	assert.Equal(t, want, ctlr.Report().Summary)

	f, err := os.Open(cfg.Output)
	require.NoError(t, err)
	defer f.Close()
	written, err := report.Decode(f)
	require.NoError(t, err)
	if diff := cmp.Diff(ctlr.Report(), written, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("written report differs (-want +got):\n%s", diff)
	}
	assert.Empty(t, provider.Names())
}

func TestControllerRunErrors(t *testing.T) {
	for name, tc := range map[string]struct {
		modify func(*Config)
	}{
		"missing manifest": {
			modify: func(cfg *Config) { cfg.Manifest = filepath.Join(t.TempDir(), "none") },
		},
		"bad filter": {
			modify: func(cfg *Config) { cfg.Filters = Filters{"App"} },
		},
		"unwritable output": {
			modify: func(cfg *Config) {
				cfg.Output = filepath.Join(t.TempDir(), "missing", "coverage.json")
			},
		},
	} {
		t.Run(name, func(t *testing.T) {
			provider := shm.NewMemoryProvider()
			cfg := testConfig(t)
			tc.modify(cfg)
			ctlr := New(cfg, WithProvider(provider), WithLauncher(visitFirstPoint(provider)))
			require.Error(t, ctlr.Run(context.Background()))
		})
	}
}

func TestReturnTargetCode(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	cfg := testConfig(t)
	cfg.Target = "false"
	cfg.ReturnTargetCode = true

	err := New(cfg, WithProvider(shm.NewMemoryProvider())).Run(context.Background())
	var exitErr ErrorWithExitCode
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.Code())

	cfg.ReturnTargetCode = false
	require.NoError(t, New(cfg, WithProvider(shm.NewMemoryProvider())).Run(
		context.Background()))
}

func TestLaunchMissingTarget(t *testing.T) {
	cfg := testConfig(t)
	cfg.Target = filepath.Join(t.TempDir(), "missing")

	err := New(cfg, WithProvider(shm.NewMemoryProvider())).Run(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, profilermanager.ErrHandshakeTimeout)
}

func TestTargetEnv(t *testing.T) {
	got := targetEnv([]string{"PATH=/bin", "COR_PROFILER=old", "HOME=/root"},
		map[string]string{"COR_PROFILER": "new", "CORECLR_PROFILER": "new"})
	assert.Equal(t, []string{
		"PATH=/bin", "HOME=/root", "CORECLR_PROFILER=new", "COR_PROFILER=new",
	}, got)
}

func TestVisitTableSize(t *testing.T) {
	assert.Equal(t, 4096, visitTableSize(0))
	assert.Equal(t, 4096, visitTableSize(4096))
	assert.Equal(t, 8192, visitTableSize(4097))
}

func TestValidate(t *testing.T) {
	for name, tc := range map[string]struct {
		modify  func(*Config)
		wantErr bool
	}{
		"valid":       {modify: func(*Config) {}},
		"no target":   {modify: func(cfg *Config) { cfg.Target = "" }, wantErr: true},
		"no manifest": {modify: func(cfg *Config) { cfg.Manifest = "" }, wantErr: true},
		"no filter":   {modify: func(cfg *Config) { cfg.Filters = nil }, wantErr: true},
		"no output":   {modify: func(cfg *Config) { cfg.Output = "" }, wantErr: true},
		"s3 only": {
			modify: func(cfg *Config) {
				cfg.Output = ""
				cfg.S3Bucket = "bucket"
				cfg.S3Key = "coverage.json"
			},
		},
		"s3 without key": {
			modify:  func(cfg *Config) { cfg.S3Bucket = "bucket" },
			wantErr: true,
		},
		"negative iterations": {
			modify:  func(cfg *Config) { cfg.BlockCloseIterations = -1 },
			wantErr: true,
		},
		"chunk capacity too large": {
			modify:  func(cfg *Config) { cfg.ChunkCapacity = MaxChunkCapacity + 1 },
			wantErr: true,
		},
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig(t)
			tc.modify(cfg)
			if tc.wantErr {
				require.Error(t, cfg.Validate())
			} else {
				require.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestFilters(t *testing.T) {
	var f Filters
	require.NoError(t, f.Set("+[App]*"))
	require.NoError(t, f.Set("-[App]App.Internal.*"))
	assert.Equal(t, "+[App]*,-[App]App.Internal.*", f.String())
}
