// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/coverhost/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"go.opentelemetry.io/coverhost/periodiccaller"
	"go.opentelemetry.io/coverhost/vc"
)

var (
	//go:embed metrics.json
	metricsJSON []byte

	// names and types are indexed by MetricID and never change after init.
	names       [IDMax]string
	metricTypes [IDMax]MetricType

	// totals hold the counter sums and the last gauge values.
	totals [IDMax]atomic.Int64

	// OTel metric instrumentation
	meter = otel.Meter("go.opentelemetry.io/coverhost",
		metric.WithInstrumentationVersion(vc.Version()))
	counters = map[MetricID]metric.Int64Counter{}
	gauges   = map[MetricID]metric.Int64Gauge{}
)

func init() {
	for _, md := range GetDefinitions() {
		if md.Obsolete || md.ID == IDInvalid {
			continue
		}
		if md.ID >= IDMax {
			panic(fmt.Sprintf("metric %s has id %d beyond IDMax", md.Name, md.ID))
		}
		names[md.ID] = md.Name
		metricTypes[md.ID] = md.Type

		switch typ := md.Type; typ {
		case MetricTypeCounter:
			counter, err := meter.Int64Counter(md.Field,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Counter: %v", err)
				continue
			}
			counters[md.ID] = counter
		case MetricTypeGauge:
			gauge, err := meter.Int64Gauge(md.Field,
				metric.WithDescription(md.Description),
				metric.WithUnit(md.Unit))
			if err != nil {
				log.Errorf("Creating Int64Gauge: %v", err)
				continue
			}
			gauges[md.ID] = gauge
		default:
			panic(fmt.Sprintf("Unknown metric type: %v", typ))
		}
	}
}

// Add records a single metric value. Counters add value to their total, gauges replace it.
func Add(id MetricID, value MetricValue) {
	if id <= IDInvalid || id >= IDMax {
		log.Errorf("Metric value %d out of range [%d,%d]- needs investigation",
			id, IDInvalid+1, IDMax-1)
		return
	}

	ctx := context.Background()
	switch metricTypes[id] {
	case MetricTypeCounter:
		if value == 0 {
			return
		}
		totals[id].Add(int64(value))
		if counter, ok := counters[id]; ok {
			counter.Add(ctx, int64(value))
		}
	case MetricTypeGauge:
		totals[id].Store(int64(value))
		if gauge, ok := gauges[id]; ok {
			gauge.Record(ctx, int64(value))
		}
	default:
		log.Warnf("Invalid metric id %d, skipping", id)
	}
}

// AddSlice records a slice of metrics.
func AddSlice(newMetrics []Metric) {
	for _, m := range newMetrics {
		Add(m.ID, m.Value)
	}
}

// Total returns the current total of id.
func Total(id MetricID) MetricValue {
	if id >= IDMax {
		return 0
	}
	return MetricValue(totals[id].Load())
}

// Snapshot returns all non-zero totals.
func Snapshot() Summary {
	summary := make(Summary)
	for id := MetricID(IDInvalid + 1); id < IDMax; id++ {
		if v := totals[id].Load(); v != 0 {
			summary[id] = MetricValue(v)
		}
	}
	return summary
}

// String formats the summary as name=value pairs ordered by id.
func (s Summary) String() string {
	ids := make([]MetricID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var sb strings.Builder
	for i, id := range ids {
		if i > 0 {
			sb.WriteByte(' ')
		}
		name := "unknown"
		if id < IDMax && names[id] != "" {
			name = names[id]
		}
		fmt.Fprintf(&sb, "%s=%d", name, s[id])
	}
	return sb.String()
}

// Start logs the totals at debug level every interval until ctx is done. The returned
// function stops the logging and logs the totals one last time.
func Start(ctx context.Context, interval time.Duration) func() {
	logSummary := func() {
		if summary := Snapshot(); len(summary) > 0 {
			log.Debugf("Metrics: %v", summary)
		}
	}
	stop := periodiccaller.Start(ctx, interval, logSummary)
	return func() {
		stop()
		logSummary()
	}
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() []MetricDefinition {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()

	err := dec.Decode(&defs)
	if err != nil {
		panic(fmt.Sprintf("extracting definitions from metrics.json: %v", err))
	}
	return defs
}
