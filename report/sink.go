// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package report // import "go.opentelemetry.io/coverhost/report"

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// zstdMagic starts every zstd frame.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// CompressedSuffix selects compression for file and object names that end in it.
const CompressedSuffix = ".zst"

// Sink stores a report.
type Sink interface {
	Write(ctx context.Context, r *Report) error
}

// Encode writes r as indented JSON, compressed with zstd if compress is set.
func Encode(w io.Writer, r *Report, compress bool) (err error) {
	if compress {
		enc, zerr := zstd.NewWriter(w)
		if zerr != nil {
			return zerr
		}
		defer func() {
			err = multierr.Append(err, enc.Close())
		}()
		w = enc
	}
	je := json.NewEncoder(w)
	je.SetIndent("", "  ")
	return je.Encode(r)
}

// Decode reads a report written by Encode, compressed or not.
func Decode(rd io.Reader) (*Report, error) {
	br := bufio.NewReader(rd)
	magic, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF {
		return nil, err
	}

	var src io.Reader = br
	if bytes.Equal(magic, zstdMagic) {
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		src = dec
	}

	var r Report
	if err := json.NewDecoder(src).Decode(&r); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &r, nil
}

// FileSink writes the report to a local file.
type FileSink struct {
	Path     string
	Compress bool
}

func (s *FileSink) compressed() bool {
	return s.Compress || strings.HasSuffix(s.Path, CompressedSuffix)
}

func (s *FileSink) Write(_ context.Context, r *Report) (err error) {
	f, err := os.Create(s.Path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	w := bufio.NewWriter(f)
	if err := Encode(w, r, s.compressed()); err != nil {
		return fmt.Errorf("failed to write report %s: %w", s.Path, err)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	log.Infof("Coverage report written to %s", s.Path)
	return nil
}

// PutObjectAPI is the part of the S3 client S3Sink needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput,
		optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config selects the upload destination.
type S3Config struct {
	Bucket string
	Key    string
	Region string
	// Endpoint overrides the service endpoint, which also switches to path style
	// addressing as S3 compatible stores expect.
	Endpoint string
	Compress bool
}

// S3Sink uploads the report as one object.
type S3Sink struct {
	client PutObjectAPI
	cfg    S3Config
}

// NewS3Sink creates a client from the default AWS configuration chain.
func NewS3Sink(ctx context.Context, cfg S3Config) (*S3Sink, error) {
	if cfg.Bucket == "" || cfg.Key == "" {
		return nil, fmt.Errorf("S3 upload needs a bucket and a key")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3SinkWithClient(client, cfg), nil
}

// NewS3SinkWithClient uploads through client.
func NewS3SinkWithClient(client PutObjectAPI, cfg S3Config) *S3Sink {
	return &S3Sink{client: client, cfg: cfg}
}

func (s *S3Sink) Write(ctx context.Context, r *Report) error {
	compress := s.cfg.Compress || strings.HasSuffix(s.cfg.Key, CompressedSuffix)
	var buf bytes.Buffer
	if err := Encode(&buf, r, compress); err != nil {
		return err
	}

	contentType := "application/json"
	if compress {
		contentType = "application/zstd"
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(s.cfg.Key),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentLength: aws.Int64(int64(buf.Len())),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload report to s3://%s/%s: %w",
			s.cfg.Bucket, s.cfg.Key, err)
	}
	log.Infof("Coverage report uploaded to s3://%s/%s", s.cfg.Bucket, s.cfg.Key)
	return nil
}

// MultiSink writes to every sink and returns the combined errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, r *Report) error {
	var err error
	for _, sink := range m {
		err = multierr.Append(err, sink.Write(ctx, r))
	}
	return err
}
