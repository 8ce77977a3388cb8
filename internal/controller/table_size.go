// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/coverhost/internal/controller"

import (
	"math"

	"go.opentelemetry.io/coverhost/util"
)

// visitTableSize defines the initial capacity of the visit table.
//
// Every point of every method the agents ask about gets an id, so the points of the
// manifest are an upper bound for filters that include everything. Sizing to a power of
// two above that bound avoids growing the table while agents hold the read lock. A minimum
// keeps small manifests from growing on the first test helper loaded from elsewhere.
func visitTableSize(points int) int {
	const visitTableMinSize = 4096

	if points > math.MaxUint32/2 {
		points = math.MaxUint32 / 2
	}
	return int(util.NextPowerOfTwo(max(uint32(points), visitTableMinSize)))
}
