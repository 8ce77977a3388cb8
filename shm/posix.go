// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package shm // import "go.opentelemetry.io/coverhost/shm"

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// DefaultRoot is the directory holding named objects.
const DefaultRoot = "/dev/shm"

const (
	// wordObjectSize is the file size of events and semaphores. Only the first 32-bit word
	// is used.
	wordObjectSize = 64

	// waitSlice bounds a single futex sleep so that context cancellation and local
	// closing are noticed.
	waitSlice = 50 * time.Millisecond
)

var nameReplacer = strings.NewReplacer(`\`, ".", "/", ".")

// PosixProvider maps every named object to a file below a root directory.
type PosixProvider struct {
	root string
}

var _ Provider = (*PosixProvider)(nil)

// NewPosixProvider returns a provider rooted at root, or at DefaultRoot if root is empty.
func NewPosixProvider(root string) *PosixProvider {
	if root == "" {
		root = DefaultRoot
	}
	return &PosixProvider{root: root}
}

// Path returns the file backing the named object.
func (p *PosixProvider) Path(name string) string {
	return filepath.Join(p.root, nameReplacer.Replace(name))
}

// mapping is an open, mapped object file.
type mapping struct {
	name  string
	path  string
	fd    int
	data  []byte
	owner bool
}

func (p *PosixProvider) create(name string, size int, opts Options) (*mapping, error) {
	path := p.Path(name)

	// Others never get access; principals are granted it through an access ACL.
	mode := uint32(0o600)
	if opts.shared() {
		mode = 0o660
	}

	owner := true
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, mode)
	if errors.Is(err, unix.EEXIST) {
		if !opts.shared() {
			return nil, fmt.Errorf("%s: %w", name, ErrExists)
		}
		// Service runs re-use what another identity already created.
		owner = false
		fd, err = unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", name, err)
	}

	m := &mapping{name: name, path: path, fd: fd, owner: owner}
	if err = m.prepare(size, mode, opts); err != nil {
		return nil, multierr.Combine(err, m.close())
	}
	return m, nil
}

func (m *mapping) prepare(size int, mode uint32, opts Options) error {
	var st unix.Stat_t
	if err := unix.Fstat(m.fd, &st); err != nil {
		return fmt.Errorf("failed to stat %s: %w", m.name, err)
	}
	if st.Size < int64(size) {
		if err := unix.Ftruncate(m.fd, int64(size)); err != nil {
			return fmt.Errorf("failed to size %s: %w", m.name, err)
		}
	}

	if m.owner {
		// The umask must not strip the access we hand out to the principals.
		if err := unix.Fchmod(m.fd, mode); err != nil {
			return fmt.Errorf("failed to set mode of %s: %w", m.name, err)
		}
		if opts.shared() {
			err := grantPrincipals(m.fd, m.name, opts.Principals)
			if errors.Is(err, unix.EOPNOTSUPP) && len(opts.Principals) == 1 {
				// Without ACL support a single principal still fits the owning group.
				err = m.chownGroup(opts.Principals[0])
			}
			if err != nil {
				return err
			}
		}
	}

	data, err := unix.Mmap(m.fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("failed to map %s: %w", m.name, err)
	}
	m.data = data
	return nil
}

func (p *PosixProvider) open(name string, minSize int) (*mapping, error) {
	path := p.Path(name)
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	m := &mapping{name: name, path: path, fd: fd}

	var st unix.Stat_t
	if err = unix.Fstat(fd, &st); err != nil {
		return nil, multierr.Combine(fmt.Errorf("failed to stat %s: %w", name, err), m.close())
	}
	if st.Size < int64(minSize) || st.Size > math.MaxInt32 {
		return nil, multierr.Combine(
			fmt.Errorf("%s has unexpected size %d", name, st.Size), m.close())
	}
	m.data, err = unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, multierr.Combine(fmt.Errorf("failed to map %s: %w", name, err), m.close())
	}
	return m, nil
}

// close releases the view first, then the descriptor, then the name.
func (m *mapping) close() error {
	var err error
	if m.data != nil {
		err = multierr.Append(err, unix.Munmap(m.data))
		m.data = nil
	}
	if m.fd >= 0 {
		err = multierr.Append(err, unix.Close(m.fd))
		m.fd = -1
	}
	if m.owner {
		if uerr := unix.Unlink(m.path); uerr != nil && !errors.Is(uerr, unix.ENOENT) {
			err = multierr.Append(err, uerr)
		}
	}
	return err
}

func (m *mapping) chownGroup(principal string) error {
	gid, err := principalGID(principal)
	if err != nil {
		return err
	}
	if err = unix.Fchown(m.fd, -1, gid); err != nil {
		return fmt.Errorf("failed to grant %s access to %s: %w", principal, m.name, err)
	}
	return nil
}

func principalGID(principal string) (int, error) {
	var gid string
	if g, err := user.LookupGroup(principal); err == nil {
		gid = g.Gid
	} else {
		u, err := user.Lookup(principal)
		if err != nil {
			return 0, fmt.Errorf("unknown principal %q: %w", principal, err)
		}
		gid = u.Gid
	}
	return strconv.Atoi(gid)
}

// CreateSegment creates a shared memory segment of the given size.
func (p *PosixProvider) CreateSegment(name string, size int, opts Options) (Segment, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid size %d for segment %s", size, name)
	}
	m, err := p.create(name, size, opts)
	if err != nil {
		return nil, err
	}
	return &posixSegment{m: m, size: size}, nil
}

// OpenSegment maps an existing segment in full.
func (p *PosixProvider) OpenSegment(name string) (Segment, error) {
	m, err := p.open(name, 1)
	if err != nil {
		return nil, err
	}
	return &posixSegment{m: m, size: len(m.data)}, nil
}

// CreateEvent creates a non-signalled event.
func (p *PosixProvider) CreateEvent(name string, opts Options) (Event, error) {
	m, err := p.create(name, wordObjectSize, opts)
	if err != nil {
		return nil, err
	}
	return &posixEvent{futexWord{m: m}}, nil
}

// OpenEvent opens an existing event.
func (p *PosixProvider) OpenEvent(name string) (Event, error) {
	m, err := p.open(name, wordObjectSize)
	if err != nil {
		return nil, err
	}
	return &posixEvent{futexWord{m: m}}, nil
}

// CreateSemaphore creates a semaphore with a count of zero.
func (p *PosixProvider) CreateSemaphore(name string, opts Options) (Semaphore, error) {
	m, err := p.create(name, wordObjectSize, opts)
	if err != nil {
		return nil, err
	}
	return &posixSemaphore{futexWord{m: m}}, nil
}

// OpenSemaphore opens an existing semaphore.
func (p *PosixProvider) OpenSemaphore(name string) (Semaphore, error) {
	m, err := p.open(name, wordObjectSize)
	if err != nil {
		return nil, err
	}
	return &posixSemaphore{futexWord{m: m}}, nil
}

type posixSegment struct {
	mu   sync.Mutex
	m    *mapping
	size int
}

func (s *posixSegment) Name() string { return s.m.name }

func (s *posixSegment) Size() int { return s.size }

func (s *posixSegment) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.data
}

func (s *posixSegment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m.data == nil && s.m.fd < 0 {
		return nil
	}
	return s.m.close()
}

// futexWord is the shared state of events and semaphores.
//
// Waiters hold mu for reading while they touch the mapping, close takes it for writing
// before unmapping, so no goroutine sleeps on an address that is going away.
type futexWord struct {
	mu     sync.RWMutex
	m      *mapping
	closed atomic.Bool
}

func (w *futexWord) addr() *uint32 {
	return (*uint32)(unsafe.Pointer(&w.m.data[0]))
}

func (w *futexWord) load() uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed.Load() {
		return 0
	}
	return atomic.LoadUint32(w.addr())
}

// update atomically applies fn and wakes all waiters.
func (w *futexWord) update(fn func(uint32) uint32) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed.Load() {
		return ErrClosed
	}
	addr := w.addr()
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, fn(old)) {
			break
		}
	}
	return futexWake(addr, math.MaxInt32)
}

// wait sleeps until try reports done. try returns the value it observed, which is what the
// futex sleeps on.
func (w *futexWord) wait(ctx context.Context, try func(addr *uint32) (bool, uint32)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := w.waitOnce(try)
		if done || err != nil {
			return err
		}
	}
}

func (w *futexWord) waitOnce(try func(addr *uint32) (bool, uint32)) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed.Load() {
		return false, ErrClosed
	}
	done, observed := try(w.addr())
	if done {
		return true, nil
	}
	return false, futexWait(w.addr(), observed, waitSlice)
}

func (w *futexWord) close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.mu.RLock()
	if err := futexWake(w.addr(), math.MaxInt32); err != nil {
		log.Debugf("Failed to wake waiters of %s: %v", w.m.name, err)
	}
	w.mu.RUnlock()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.m.close()
}

type posixEvent struct {
	futexWord
}

func (e *posixEvent) Name() string { return e.m.name }

func (e *posixEvent) Set() error { return e.update(eventSet) }

func (e *posixEvent) Reset() error { return e.update(eventReset) }

func (e *posixEvent) Pulse() error { return e.update(eventPulse) }

func (e *posixEvent) IsSet() bool { return eventSignalled(e.load()) }

func (e *posixEvent) Generation() uint32 { return eventGeneration(e.load()) }

func (e *posixEvent) Wait(ctx context.Context) error {
	return e.waitFor(ctx, untilSet)
}

func (e *posixEvent) WaitSince(ctx context.Context, gen uint32) error {
	return e.waitFor(ctx, untilChangedSince(gen))
}

func (e *posixEvent) waitFor(ctx context.Context, cond func(uint32) bool) error {
	return e.wait(ctx, func(addr *uint32) (bool, uint32) {
		state := atomic.LoadUint32(addr)
		return cond(state), state
	})
}

func (e *posixEvent) Close() error { return e.close() }

type posixSemaphore struct {
	futexWord
}

func (s *posixSemaphore) Name() string { return s.m.name }

func (s *posixSemaphore) Release(n uint32) error {
	return s.update(func(count uint32) uint32 { return count + n })
}

func (s *posixSemaphore) TryAcquire() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return false
	}
	acquired, _ := tryDecrement(s.addr())
	return acquired
}

func (s *posixSemaphore) Wait(ctx context.Context) error {
	return s.wait(ctx, tryDecrement)
}

func (s *posixSemaphore) Close() error { return s.close() }

func tryDecrement(addr *uint32) (bool, uint32) {
	for {
		count := atomic.LoadUint32(addr)
		if count == 0 {
			return false, 0
		}
		if atomic.CompareAndSwapUint32(addr, count, count-1) {
			return true, count - 1
		}
	}
}
