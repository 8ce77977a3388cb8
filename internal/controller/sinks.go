// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/coverhost/internal/controller"

import (
	"context"
	"fmt"

	"go.opentelemetry.io/coverhost/report"
)

// writeReport writes r to the configured output file, the S3 bucket and the sinks added
// by options.
func (c *Controller) writeReport(ctx context.Context, r *report.Report) error {
	sinks := report.MultiSink(c.sinks)
	if c.config.Output != "" {
		sinks = append(sinks, &report.FileSink{
			Path:     c.config.Output,
			Compress: c.config.Compress,
		})
	}
	if c.config.S3Bucket != "" {
		s3Sink, err := report.NewS3Sink(ctx, report.S3Config{
			Bucket:   c.config.S3Bucket,
			Key:      c.config.S3Key,
			Region:   c.config.S3Region,
			Endpoint: c.config.S3Endpoint,
			Compress: c.config.Compress,
		})
		if err != nil {
			return fmt.Errorf("failed to create S3 sink: %w", err)
		}
		sinks = append(sinks, s3Sink)
	}
	if err := sinks.Write(ctx, r); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}
