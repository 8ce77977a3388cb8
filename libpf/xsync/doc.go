// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package xsync provides thin wrappers around locking primitives that keep the protected data
// next to its lock, so the data cannot be reached without taking the lock first.
package xsync // import "go.opentelemetry.io/coverhost/libpf/xsync"
