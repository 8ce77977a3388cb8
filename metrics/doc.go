// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics counts what happens on the host side of the profiler protocol.

Every metric is declared in metrics.json and gets an ID constant in the generated ids.go.
Values are forwarded to OpenTelemetry instruments obtained from the global meter provider
and are also kept as process-local totals, which are logged periodically:

	defer metrics.Start(ctx, times.MetricsInterval())()

Counters accumulate, gauges keep the last recorded value.
*/
package metrics
