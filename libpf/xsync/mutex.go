// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync // import "go.opentelemetry.io/coverhost/libpf/xsync"

import "sync"

// Mutex is the exclusive counterpart of RWMutex, for data that is mutated on nearly every
// access.
type Mutex[T any] struct {
	guarded T
	mutex   sync.Mutex
}

// NewMutex creates a new mutex protecting guarded.
func NewMutex[T any](guarded T) Mutex[T] {
	return Mutex[T]{
		guarded: guarded,
	}
}

// Lock locks the mutex, returning a pointer to the protected data.
//
// The caller **must not** let the returned pointer escape the function that took the lock.
func (mtx *Mutex[T]) Lock() *T {
	mtx.mutex.Lock()
	return &mtx.guarded
}

// Unlock unlocks the mutex after previously being locked by Lock.
//
// Pass a reference to the pointer returned from Lock here to ensure it is invalidated.
func (mtx *Mutex[T]) Unlock(ref **T) {
	*ref = nil
	mtx.mutex.Unlock()
}
