// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/coverhost/coverage"
	"go.opentelemetry.io/coverhost/visits"
	"go.opentelemetry.io/coverhost/wire"
)

func testSession(t *testing.T) (*coverage.Model, *coverage.Filter, *visits.Table,
	*visits.TestTracker) {
	t.Helper()
	manifest := &coverage.Manifest{Modules: []coverage.Module{{
		Path:     "/app/App.dll",
		Assembly: "App",
		Methods: []coverage.Method{
			{
				Token: 1, Class: "App.Calc", Name: "Add",
				SequencePoints: []coverage.SequencePoint{
					{Offset: 0, StartLine: 10, EndLine: 10},
					{Offset: 4, StartLine: 11, EndLine: 11},
				},
				BranchPoints: []coverage.BranchPoint{
					{Offset: 2, Path: 0},
					{Offset: 2, Path: 1},
				},
			},
			{
				Token: 2, Class: "App.Calc", Name: "Unused",
				SequencePoints: []coverage.SequencePoint{{Offset: 0, StartLine: 20}},
			},
			{
				Token: 3, Class: "App.Internal.Hidden", Name: "Run",
				SequencePoints: []coverage.SequencePoint{{Offset: 0, StartLine: 30}},
			},
			{
				Token: 4, Class: "App.Tests.CalcTests", Name: "TestAdd",
				SequencePoints: []coverage.SequencePoint{{Offset: 0, StartLine: 40}},
			},
		},
	}}}

	filter, err := coverage.ParseFilter("+[App]* -[App]App.Internal.*")
	require.NoError(t, err)
	table := visits.NewTable(0, 0)
	model := coverage.NewModel(table)
	tracker := visits.NewTestTracker()
	svc, err := coverage.NewService(coverage.Config{
		Filter:      filter,
		Source:      coverage.NewManifestSource(manifest),
		TestMethods: "*Tests.*",
	}, model, tracker)
	require.NoError(t, err)

	require.True(t, svc.TrackAssembly(42, "app", "/app/App.dll", "App"))
	_, err = svc.GetSequencePoints(42, "app", "/app/App.dll", "App", 1) // ids 1..4
	require.NoError(t, err)
	test, ok := svc.TrackMethod("/app/App.dll", "App", 4) // point id 5
	require.True(t, ok)

	raw := make([]byte, 64)
	n := wire.EncodeVisits(raw, []uint32{
		1, wire.VisitMethodEnter | test, 1, 2, 3, wire.VisitMethodLeave | test,
	})
	require.Equal(t, 6, n)
	visits.NewAggregator(table, tracker).SaveVisitData(1, raw)
	return model, filter, table, tracker
}

func TestBuild(t *testing.T) {
	model, filter, table, tracker := testSession(t)
	r := Build(model, filter, table, tracker)

	require.Len(t, r.Modules, 1)
	mod := r.Modules[0]
	assert.Equal(t, "App", mod.Assembly)
	assert.Equal(t, []int32{42}, mod.Processes)

	// The hidden class is filtered out and never instrumented.
	require.Len(t, mod.Methods, 3)
	add := mod.Methods[0]
	assert.True(t, add.Instrumented)
	wantSeq := []SequencePoint{
		{ID: 1, Offset: 0, StartLine: 10, EndLine: 10, Visits: 2},
		{ID: 2, Offset: 4, StartLine: 11, EndLine: 11, Visits: 1},
	}
	if diff := cmp.Diff(wantSeq, add.SequencePoints); diff != "" {
		t.Errorf("sequence points (-want +got):\n%s", diff)
	}
	wantBranches := []BranchPoint{
		{ID: 3, Offset: 2, Path: 0, Visits: 1},
		{ID: 4, Offset: 2, Path: 1},
	}
	if diff := cmp.Diff(wantBranches, add.BranchPoints); diff != "" {
		t.Errorf("branch points (-want +got):\n%s", diff)
	}

	unused := mod.Methods[1]
	assert.False(t, unused.Instrumented)
	assert.Equal(t, uint32(0), unused.SequencePoints[0].ID)

	assert.Equal(t, Summary{
		SequencePoints:        4,
		VisitedSequencePoints: 2,
		BranchPoints:          2,
		VisitedBranchPoints:   1,
		Methods:               3,
		VisitedMethods:        1,
		SequenceCoverage:      50,
		BranchCoverage:        50,
	}, r.Summary)

	require.Len(t, r.Tests, 1)
	assert.Equal(t, "App.Tests.CalcTests.TestAdd", r.Tests[0].Name)
	assert.Equal(t, []PointVisits{{ID: 1, Visits: 1}, {ID: 2, Visits: 1}, {ID: 3, Visits: 1}},
		r.Tests[0].Points)
}

func TestBuildWithoutFilterAndTracker(t *testing.T) {
	model, _, table, _ := testSession(t)
	r := Build(model, nil, table, nil)

	require.Len(t, r.Modules, 1)
	assert.Len(t, r.Modules[0].Methods, 2)
	assert.Empty(t, r.Tests)
}

func TestFileSink(t *testing.T) {
	model, filter, table, tracker := testSession(t)
	r := Build(model, filter, table, tracker)
	dir := t.TempDir()

	for name, sink := range map[string]*FileSink{
		"plain":      {Path: filepath.Join(dir, "coverage.json")},
		"compressed": {Path: filepath.Join(dir, "coverage.json"), Compress: true},
		"suffix":     {Path: filepath.Join(dir, "coverage.json.zst")},
	} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, sink.Write(context.Background(), r))

			data, err := os.ReadFile(sink.Path)
			require.NoError(t, err)
			assert.Equal(t, sink.compressed(), bytes.HasPrefix(data, zstdMagic))

			got, err := Decode(bytes.NewReader(data))
			require.NoError(t, err)
			if diff := cmp.Diff(r, got); diff != "" {
				t.Errorf("report (-want +got):\n%s", diff)
			}
		})
	}

	bad := &FileSink{Path: filepath.Join(dir, "missing", "coverage.json")}
	require.Error(t, bad.Write(context.Background(), r))
}

type fakeS3 struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput,
	_ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	return &s3.PutObjectOutput{}, f.err
}

func TestS3Sink(t *testing.T) {
	model, filter, table, tracker := testSession(t)
	r := Build(model, filter, table, tracker)

	client := &fakeS3{}
	sink := NewS3SinkWithClient(client, S3Config{Bucket: "reports", Key: "run/coverage.json.zst"})
	require.NoError(t, sink.Write(context.Background(), r))

	assert.Equal(t, "reports", aws.ToString(client.input.Bucket))
	assert.Equal(t, "run/coverage.json.zst", aws.ToString(client.input.Key))
	assert.Equal(t, "application/zstd", aws.ToString(client.input.ContentType))
	assert.Equal(t, int64(len(client.body)), aws.ToInt64(client.input.ContentLength))

	got, err := Decode(bytes.NewReader(client.body))
	require.NoError(t, err)
	assert.Equal(t, r.Summary, got.Summary)

	_, err = NewS3Sink(context.Background(), S3Config{Bucket: "reports"})
	require.Error(t, err)
}

func TestMultiSink(t *testing.T) {
	errUpload := errors.New("upload failed")
	ok := &fakeS3{}
	failing := &fakeS3{err: errUpload}

	sink := MultiSink{
		NewS3SinkWithClient(failing, S3Config{Bucket: "a", Key: "x.json"}),
		NewS3SinkWithClient(ok, S3Config{Bucket: "b", Key: "y.json"}),
	}
	err := sink.Write(context.Background(), &Report{})
	require.ErrorIs(t, err, errUpload)
	// The failing sink does not stop the others.
	assert.NotEmpty(t, ok.body)
}
