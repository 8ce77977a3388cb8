// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// successfailurecounter reports the outcome of one operation to a pair of metrics, exactly
// once.
//
// A SuccessFailureCounter belongs to a single operation and must not be shared between
// goroutines.
package successfailurecounter // import "go.opentelemetry.io/coverhost/successfailurecounter"

import (
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/coverhost/metrics"
)

// SuccessFailureCounter increments either the success or the failure metric exactly once.
type SuccessFailureCounter struct {
	success, fail metrics.MetricID
	sealed        bool
}

// New returns a SuccessFailureCounter that can be reported exactly once.
func New(success, fail metrics.MetricID) SuccessFailureCounter {
	return SuccessFailureCounter{success: success, fail: fail}
}

// ReportSuccess increments the success metric or logs an error otherwise.
func (sfc *SuccessFailureCounter) ReportSuccess() {
	if sfc.sealed {
		log.Errorf("Attempted to report success/failure status more than once.")
		return
	}
	metrics.Add(sfc.success, 1)
	sfc.sealed = true
}

// ReportFailure increments the failure metric or logs an error otherwise.
func (sfc *SuccessFailureCounter) ReportFailure() {
	if sfc.sealed {
		log.Errorf("Attempted to report failure/success status more than once.")
		return
	}
	metrics.Add(sfc.fail, 1)
	sfc.sealed = true
}

// DefaultToSuccess increments the success metric if nothing was reported before.
func (sfc *SuccessFailureCounter) DefaultToSuccess() {
	if !sfc.sealed {
		metrics.Add(sfc.success, 1)
		sfc.sealed = true
	}
}

// DefaultToFailure increments the failure metric if nothing was reported before.
func (sfc *SuccessFailureCounter) DefaultToFailure() {
	if !sfc.sealed {
		metrics.Add(sfc.fail, 1)
		sfc.sealed = true
	}
}
