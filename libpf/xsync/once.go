// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync // import "go.opentelemetry.io/coverhost/libpf/xsync"

import (
	"sync"
	"sync/atomic"
)

// Once is a lock that ensures that some data is initialized exactly once.
//
// Does not need explicit construction: simply do Once[MyType]{}.
type Once[T any] struct {
	done atomic.Bool
	mu   sync.Mutex
	data T
}

// GetOrInit returns the data protected by this lock, initializing it first if needed.
//
// If init fails, the error is returned and the data stays uninitialized, so the next call
// runs init again. Only one goroutine runs init at a time.
func (l *Once[T]) GetOrInit(init func() (T, error)) (*T, error) {
	if l.done.Load() {
		return &l.data, nil
	}
	return l.initSlow(init)
}

func (l *Once[T]) initSlow(init func() (T, error)) (*T, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	// A contending call might have initialized while we waited for the lock.
	if l.done.Load() {
		return &l.data, nil
	}

	data, err := init()
	if err != nil {
		return nil, err
	}
	l.data = data
	l.done.Store(true)
	return &l.data, nil
}

// Store initializes the data with value unless that already happened. It returns the
// effective data and whether this call initialized it.
func (l *Once[T]) Store(value T) (*T, bool) {
	stored := false
	data, _ := l.GetOrInit(func() (T, error) {
		stored = true
		return value, nil
	})
	return data, stored
}

// Get returns the previously initialized value, or nil if the Once is not yet initialized.
func (l *Once[T]) Get() *T {
	if !l.done.Load() {
		return nil
	}
	return &l.data
}
