// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package shm // import "go.opentelemetry.io/coverhost/shm"

import (
	"errors"
	"path/filepath"
	"strings"
)

// DefaultRoot is the directory holding named objects.
const DefaultRoot = ""

var errUnsupported = errors.New("shm: named objects are only implemented on linux")

// PosixProvider is unavailable on this platform; every operation fails.
type PosixProvider struct {
	root string
}

var _ Provider = (*PosixProvider)(nil)

func NewPosixProvider(root string) *PosixProvider {
	return &PosixProvider{root: root}
}

func (p *PosixProvider) Path(name string) string {
	return filepath.Join(p.root, strings.NewReplacer(`\`, ".", "/", ".").Replace(name))
}

func (p *PosixProvider) CreateSegment(string, int, Options) (Segment, error) {
	return nil, errUnsupported
}

func (p *PosixProvider) OpenSegment(string) (Segment, error) { return nil, errUnsupported }

func (p *PosixProvider) CreateEvent(string, Options) (Event, error) { return nil, errUnsupported }

func (p *PosixProvider) OpenEvent(string) (Event, error) { return nil, errUnsupported }

func (p *PosixProvider) CreateSemaphore(string, Options) (Semaphore, error) {
	return nil, errUnsupported
}

func (p *PosixProvider) OpenSemaphore(string) (Semaphore, error) { return nil, errUnsupported }
