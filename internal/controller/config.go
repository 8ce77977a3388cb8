// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/coverhost/internal/controller"

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/coverhost/wire"
)

// MaxChunkCapacity is the largest accepted chunk-capacity, the number of branch point
// records a single response frame can hold.
const MaxChunkCapacity = (wire.MaxMsgSize - wire.PointsHeaderSize) / wire.BranchPointSize

// Filters collects the values of a repeatable flag.
type Filters []string

func (f *Filters) String() string {
	return strings.Join(*f, ",")
}

func (f *Filters) Set(value string) error {
	*f = append(*f, value)
	return nil
}

type Config struct {
	Target     string
	TargetArgs string
	TargetDir  string

	Manifest    string
	Filters     Filters
	TraceByTest string

	Output   string
	Compress bool

	S3Bucket   string
	S3Key      string
	S3Region   string
	S3Endpoint string

	Register         string
	ProfilerCLSID    string
	Threshold        uint
	ServicePrincipal string
	ShmDir           string
	ReturnTargetCode bool

	HandshakeTimeout     time.Duration
	BlockCloseInterval   time.Duration
	BlockCloseIterations int
	ChunkCapacity        int

	VerboseMode bool
	Version     bool

	Fs *flag.FlagSet
}

// Dump visits all flag sets, and dumps them all to debug
// Used for verbose mode logging.
func (cfg *Config) Dump() {
	log.Debug("Config:")
	cfg.Fs.VisitAll(func(f *flag.Flag) {
		log.Debugf("%s: %v", f.Name, f.Value)
	})
}

// Validate runs validations on the provided configuration, and returns errors
// if invalid values were provided.
func (cfg *Config) Validate() error {
	var errs []error
	if cfg.Target == "" {
		errs = append(errs, errors.New("no target given"))
	}
	if cfg.Manifest == "" {
		errs = append(errs, errors.New("no symbol manifest given"))
	}
	if len(cfg.Filters) == 0 {
		errs = append(errs, errors.New("no filter given, nothing would be instrumented"))
	}
	if cfg.Output == "" && cfg.S3Bucket == "" {
		errs = append(errs, errors.New("neither an output file nor an S3 bucket given"))
	}
	if (cfg.S3Bucket == "") != (cfg.S3Key == "") {
		errs = append(errs, errors.New("s3-bucket and s3-key must be given together"))
	}
	if cfg.HandshakeTimeout < 0 || cfg.BlockCloseInterval < 0 || cfg.BlockCloseIterations < 0 {
		errs = append(errs, errors.New("timeouts and iterations must not be negative"))
	}
	if cfg.ChunkCapacity < 0 || cfg.ChunkCapacity > MaxChunkCapacity {
		errs = append(errs, fmt.Errorf("chunk-capacity must be between 0 and %d",
			MaxChunkCapacity))
	}
	if uint64(cfg.Threshold) > uint64(^uint32(0)) {
		errs = append(errs, fmt.Errorf("threshold %d out of range", cfg.Threshold))
	}
	return errors.Join(errs...)
}
