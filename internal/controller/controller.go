// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/coverhost/internal/controller"

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/coverhost/communicationmanager"
	"go.opentelemetry.io/coverhost/coverage"
	"go.opentelemetry.io/coverhost/memorymanager"
	"go.opentelemetry.io/coverhost/messagehandler"
	"go.opentelemetry.io/coverhost/metrics"
	"go.opentelemetry.io/coverhost/profilermanager"
	"go.opentelemetry.io/coverhost/report"
	"go.opentelemetry.io/coverhost/shm"
	"go.opentelemetry.io/coverhost/times"
	"go.opentelemetry.io/coverhost/util"
	"go.opentelemetry.io/coverhost/visits"
)

// Controller is an instance that runs one target under coverage and writes its report.
type Controller struct {
	config   *Config
	provider shm.Provider
	launcher profilermanager.Launcher
	sinks    []report.Sink

	// exitCode is the exit code of the target, set by the default launcher.
	exitCode int
	report   *report.Report
}

// New creates a new controller.
func New(cfg *Config, opts ...Option) *Controller {
	c := &Controller{config: cfg}
	for _, opt := range opts {
		c = opt.applyOption(c)
	}
	if c.provider == nil {
		c.provider = shm.NewPosixProvider(cfg.ShmDir)
	}
	if c.launcher == nil {
		c.launcher = c.execTarget
	}
	return c
}

// Report returns the report of the last Run.
func (c *Controller) Report() *report.Report {
	return c.report
}

// Run starts the target, serves its agents until it exited and writes the report.
// The controller should only be run once.
func (c *Controller) Run(ctx context.Context) error {
	source, err := coverage.LoadManifest(c.config.Manifest)
	if err != nil {
		return err
	}
	filter, err := coverage.ParseFilter(c.config.Filters...)
	if err != nil {
		return fmt.Errorf("failed to parse filters: %w", err)
	}

	intervals := times.New(c.config.HandshakeTimeout, c.config.BlockCloseInterval,
		c.config.BlockCloseIterations)

	table := visits.NewTable(visitTableSize(source.PointCount()), 0)
	var tracker *visits.TestTracker
	if c.config.TraceByTest != "" {
		tracker = visits.NewTestTracker()
	}
	model := coverage.NewModel(table)
	svc, err := coverage.NewService(coverage.Config{
		Filter:      filter,
		Source:      source,
		TestMethods: c.config.TraceByTest,
	}, model, tracker)
	if err != nil {
		return err
	}

	memory := memorymanager.New(c.provider, intervals)
	comm := communicationmanager.New(
		messagehandler.New(svc, memory, c.config.ChunkCapacity))
	manager := profilermanager.New(profilermanager.Config{
		Provider:      c.provider,
		Memory:        memory,
		Comm:          comm,
		Aggregator:    visits.NewAggregator(table, tracker),
		Intervals:     intervals,
		Principals:    util.SplitList(c.config.ServicePrincipal),
		ProfilerCLSID: c.config.ProfilerCLSID,
		ProfilerPath:  c.config.Register,
		Threshold:     uint32(c.config.Threshold),
		TraceByTest:   tracker != nil,
	})

	stopMetrics := metrics.Start(ctx, intervals.MetricsInterval())
	defer stopMetrics()

	start := time.Now()
	log.Infof("Starting %s", c.config.Target)
	if err = manager.RunProcess(ctx, c.launcher); err != nil {
		return fmt.Errorf("failed to run target: %w", err)
	}
	log.Infof("Target exited with code %d after %v", c.exitCode,
		time.Since(start).Round(time.Millisecond))

	c.report = report.Build(model, filter, table, tracker)
	logSummary(&c.report.Summary)

	if err = c.writeReport(ctx, c.report); err != nil {
		return err
	}

	if c.config.ReturnTargetCode && c.exitCode != 0 {
		return ErrorWithExitCode{
			error: fmt.Errorf("target exited with code %d", c.exitCode),
			code:  c.exitCode,
		}
	}
	return nil
}

func logSummary(s *report.Summary) {
	log.Infof("Visited methods: %d of %d", s.VisitedMethods, s.Methods)
	log.Infof("Sequence coverage: %.2f%% (%d of %d)", s.SequenceCoverage,
		s.VisitedSequencePoints, s.SequencePoints)
	log.Infof("Branch coverage: %.2f%% (%d of %d)", s.BranchCoverage,
		s.VisitedBranchPoints, s.BranchPoints)
}
