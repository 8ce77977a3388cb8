// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package xsync_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"go.opentelemetry.io/coverhost/libpf/xsync"
)

func TestRWMutex(t *testing.T) {
	m := xsync.NewRWMutex(map[string]int{"a": 1})

	w := m.WLock()
	(*w)["b"] = 2
	m.WUnlock(&w)
	// WUnlock zeros the reference to make sure it can't be used after unlocking.
	assert.Nil(t, w)

	r := m.RLock()
	defer m.RUnlock(&r)
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, *r)
}

func TestMutex(t *testing.T) {
	m := xsync.NewMutex(uint32(0))
	var wg sync.WaitGroup

	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				n := m.Lock()
				*n++
				m.Unlock(&n)
			}
		}()
	}
	wg.Wait()

	n := m.Lock()
	defer m.Unlock(&n)
	assert.Equal(t, uint32(1600), *n)
}

func TestMutex_CrashOnUseAfterUnlock(t *testing.T) {
	m := xsync.NewMutex(uint64(0))
	p := m.Lock()
	m.Unlock(&p)

	assert.Panics(t, func() {
		*p = 345
	})
}
