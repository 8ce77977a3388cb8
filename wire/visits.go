// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package wire // import "go.opentelemetry.io/coverhost/wire"

// A results region starts with a count followed by that many point ids.
const (
	ResultsHeaderSize = 4
	VisitIDSize       = 4
)

// In trace-by-test mode an id can carry a marker instead of naming a point. The remaining
// bits then hold the id of a tracked method.
const (
	VisitMethodEnter uint32 = 0x40000000
	VisitMethodLeave uint32 = 0x80000000
	VisitIDMask      uint32 = 0x3FFFFFFF
)

// ResultsCapacity returns how many ids fit into a results region of regionSize bytes.
func ResultsCapacity(regionSize int) int {
	if regionSize < ResultsHeaderSize {
		return 0
	}
	return (regionSize - ResultsHeaderSize) / VisitIDSize
}

// VisitCount returns the count word of a results region, or zero if the region is too
// short to hold one.
func VisitCount(raw []byte) uint32 {
	if len(raw) < ResultsHeaderSize {
		return 0
	}
	return getUint32(raw, 0)
}

// VisitID returns the i-th id of a results region. The caller checks i against
// ResultsCapacity.
func VisitID(raw []byte, i int) uint32 {
	return getUint32(raw, ResultsHeaderSize+i*VisitIDSize)
}

// ClearVisitCount zeroes the count word so the region can be refilled.
func ClearVisitCount(raw []byte) {
	if len(raw) >= ResultsHeaderSize {
		putUint32(raw, 0, 0)
	}
}

// EncodeVisits writes ids into a results region and returns how many were written. Ids
// that do not fit are left for the next cycle.
func EncodeVisits(raw []byte, ids []uint32) int {
	n := min(len(ids), ResultsCapacity(len(raw)))
	if len(raw) < ResultsHeaderSize {
		return 0
	}
	putUint32(raw, 0, uint32(n))
	for i, id := range ids[:n] {
		putUint32(raw, ResultsHeaderSize+i*VisitIDSize, id)
	}
	return n
}
