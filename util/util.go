// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package util holds small helpers shared by the command line and the controller.
package util // import "go.opentelemetry.io/coverhost/util"

import (
	"math/bits"
	"strings"
)

// NextPowerOfTwo returns the input value if it's a power of two,
// otherwise it returns the next power of two.
func NextPowerOfTwo(v uint32) uint32 {
	if v == 0 {
		return 1
	}
	return 1 << bits.Len32(v-1)
}

// SplitList splits a comma separated list and drops empty elements.
func SplitList(s string) []string {
	var list []string
	for _, elem := range strings.Split(s, ",") {
		if elem = strings.TrimSpace(elem); elem != "" {
			list = append(list, elem)
		}
	}
	return list
}
