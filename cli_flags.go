// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"flag"
	"fmt"

	"github.com/peterbourgon/ff/v3"

	"go.opentelemetry.io/coverhost/internal/controller"
	"go.opentelemetry.io/coverhost/times"
)

const (
	// Default values for CLI flags
	defaultArgOutput        = "coverage.json"
	defaultArgChunkCapacity = 0
	defaultArgThreshold     = 0

	envVarPrefix = "COVERHOST"
)

// Help strings for command line arguments
var (
	targetHelp     = "The executable to run under coverage."
	targetArgsHelp = "Whitespace separated arguments of the target."
	targetDirHelp  = "Working directory of the target. Defaults to the current directory."
	manifestHelp   = "JSON symbol manifest describing modules, methods and their points."
	filterHelp     = "Filter of the form +[assembly]class or -[assembly]class. " +
		"Repeatable, values may also be comma separated. Exclusions win over inclusions."
	traceByTestHelp = "Pattern matched against Class.Name of methods. Matching methods " +
		"are tracked as tests and the report lists the points each of them visited."
	outputHelp   = "Path of the report. A .zst suffix compresses it."
	compressHelp = "Compress the report with zstd regardless of the output suffix."
	configHelp   = "Plain text file of flag-name value lines. Command line flags and " +
		"COVERHOST_ environment variables take precedence."
	s3BucketHelp      = "Also upload the report to this S3 bucket."
	s3KeyHelp         = "Object key of the uploaded report."
	s3RegionHelp      = "Region of the S3 bucket. Defaults to the AWS configuration chain."
	s3EndpointHelp    = "Endpoint of an S3 compatible store. Selects path style addressing."
	registerHelp      = "Path of the profiler agent library for registration-free activation."
	profilerCLSIDHelp = "Class id of the profiler agent."
	thresholdHelp     = "Maximum number of visits the agent reports per point. " +
		"0 means unlimited."
	servicePrincipalHelp = "Comma separated identities that also need access to the " +
		"session objects. Selects the global namespace."
	shmDirHelp             = "Directory backing shared memory objects."
	returnTargetCodeHelp   = "Exit with the exit code of the target."
	handshakeTimeoutHelp   = "How long to wait for the agent of the target to connect."
	blockCloseIntervalHelp = "Poll interval while waiting for agents to close their " +
		"buffers after the target exited."
	blockCloseIterationsHelp = "Number of polls before remaining buffers are drained."
	chunkCapacityHelp        = fmt.Sprintf("Maximum number of points per response chunk. "+
		"0 fits as many as the buffer holds, max is %d.", controller.MaxChunkCapacity)
	verboseModeHelp = "Enable verbose logging."
	versionHelp     = "Show version."
)

func parseArgs(args []string) (*controller.Config, error) {
	var cfg controller.Config

	fs := flag.NewFlagSet("coverhost", flag.ContinueOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.DurationVar(&cfg.BlockCloseInterval, "block-close-interval",
		times.BlockCloseInterval, blockCloseIntervalHelp)
	fs.IntVar(&cfg.BlockCloseIterations, "block-close-iterations",
		times.BlockCloseIterations, blockCloseIterationsHelp)

	fs.IntVar(&cfg.ChunkCapacity, "chunk-capacity", defaultArgChunkCapacity, chunkCapacityHelp)
	fs.BoolVar(&cfg.Compress, "compress", false, compressHelp)
	fs.String("config", "", configHelp)

	fs.Var(&cfg.Filters, "filter", filterHelp)

	fs.DurationVar(&cfg.HandshakeTimeout, "handshake-timeout", times.HandshakeTimeout,
		handshakeTimeoutHelp)

	fs.StringVar(&cfg.Manifest, "manifest", "", manifestHelp)

	fs.StringVar(&cfg.Output, "output", defaultArgOutput, outputHelp)

	fs.StringVar(&cfg.ProfilerCLSID, "profiler-clsid", "", profilerCLSIDHelp)

	fs.StringVar(&cfg.Register, "register", "", registerHelp)
	fs.BoolVar(&cfg.ReturnTargetCode, "returntargetcode", false, returnTargetCodeHelp)

	fs.StringVar(&cfg.S3Bucket, "s3-bucket", "", s3BucketHelp)
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", "", s3EndpointHelp)
	fs.StringVar(&cfg.S3Key, "s3-key", "", s3KeyHelp)
	fs.StringVar(&cfg.S3Region, "s3-region", "", s3RegionHelp)
	fs.StringVar(&cfg.ServicePrincipal, "service-principal", "", servicePrincipalHelp)
	fs.StringVar(&cfg.ShmDir, "shm-dir", "", shmDirHelp)

	fs.StringVar(&cfg.Target, "target", "", targetHelp)
	fs.StringVar(&cfg.TargetArgs, "targetargs", "", targetArgsHelp)
	fs.StringVar(&cfg.TargetDir, "targetdir", "", targetDirHelp)
	fs.UintVar(&cfg.Threshold, "threshold", defaultArgThreshold, thresholdHelp)
	fs.StringVar(&cfg.TraceByTest, "trace-by-test", "", traceByTestHelp)

	fs.BoolVar(&cfg.VerboseMode, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&cfg.VerboseMode, "verbose", false, verboseModeHelp)
	fs.BoolVar(&cfg.Version, "version", false, versionHelp)

	fs.Usage = func() {
		fs.PrintDefaults()
	}

	cfg.Fs = fs

	return &cfg, ff.Parse(fs, args,
		ff.WithEnvVarPrefix(envVarPrefix),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
		// This will ignore configuration file (only) options that the current host
		// does not recognize.
		ff.WithIgnoreUndefined(true),
		ff.WithAllowMissingConfigFile(true),
	)
}
