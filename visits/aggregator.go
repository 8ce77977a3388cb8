// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package visits // import "go.opentelemetry.io/coverhost/visits"

import (
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/coverhost/metrics"
	"go.opentelemetry.io/coverhost/wire"
)

// Aggregator adds the contents of visit buffers to a table. SaveVisitData is not safe for
// concurrent use; buffers are aggregated one at a time.
type Aggregator struct {
	table   *Table
	tracker *TestTracker
}

// NewAggregator returns an aggregator for table. A non-nil tracker receives the method
// markers of trace-by-test mode.
func NewAggregator(table *Table, tracker *TestTracker) *Aggregator {
	return &Aggregator{table: table, tracker: tracker}
}

// SaveVisitData adds one visit buffer: a count followed by that many ids. A count larger than
// the buffer is clamped and ids outside the table are skipped; both are logged and counted.
// bufferID names the results buffer the data came from, test markers apply per buffer.
func (a *Aggregator) SaveVisitData(bufferID uint32, raw []byte) {
	metrics.Add(metrics.IDVisitBuffersReceived, 1)

	count := int(wire.VisitCount(raw))
	if capacity := wire.ResultsCapacity(len(raw)); count > capacity {
		log.Warnf("Visit buffer claims %d ids but holds only %d", count, capacity)
		metrics.Add(metrics.IDVisitCountClamped, 1)
		count = capacity
	}

	var aggregated, outOfRange, markers metrics.MetricValue
	for i := range count {
		id := wire.VisitID(raw, i)

		if marker := id &^ wire.VisitIDMask; marker != 0 {
			markers++
			if a.tracker != nil {
				a.tracker.Mark(bufferID, marker, id&wire.VisitIDMask)
			}
			continue
		}

		if !a.table.Add(id, 1) {
			log.Errorf("Visit id %d out of range (capacity %d)", id, a.table.Len())
			outOfRange++
			continue
		}
		aggregated++
		if a.tracker != nil {
			a.tracker.Visit(bufferID, id)
		}
	}

	metrics.Add(metrics.IDVisitPointsAggregated, aggregated)
	metrics.Add(metrics.IDVisitIDsOutOfRange, outOfRange)
	metrics.Add(metrics.IDTestMarkers, markers)
}
