// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package coverage answers the questions agents ask about the code they load: which
// assemblies to instrument, which points a method has and which methods are tests.
package coverage // import "go.opentelemetry.io/coverhost/coverage"

import (
	"fmt"
	"strings"
	"sync/atomic"

	lru "github.com/elastic/go-freelru"
	"github.com/gobwas/glob"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/xxh3"

	"go.opentelemetry.io/coverhost/messagehandler"
	"go.opentelemetry.io/coverhost/metrics"
	"go.opentelemetry.io/coverhost/visits"
	"go.opentelemetry.io/coverhost/wire"
)

// DefaultCacheSize is the number of methods whose point sets are cached per point type.
const DefaultCacheSize = 4096

// Config configures a Service.
type Config struct {
	Filter *Filter
	Source SymbolSource
	// TestMethods is a pattern matched against Class.Name of every method an agent asks
	// about in trace-by-test mode. Empty disables test tracking.
	TestMethods string
	// CacheSize overrides DefaultCacheSize.
	CacheSize uint32
}

// methodKey identifies a method independently of the process that loaded it.
type methodKey struct {
	assembly string
	token    int32
}

func hashMethodKey(k methodKey) uint32 {
	return uint32(xxh3.HashString(k.assembly) ^ uint64(uint32(k.token))*0x9E3779B97F4A7C15)
}

// cachedPoints are the points of a method with the module that holds it. The module is nil
// for filtered assemblies.
type cachedPoints[P any] struct {
	mod    *Module
	points []P
}

// Service implements messagehandler.Service on top of a SymbolSource.
type Service struct {
	filter  *Filter
	source  SymbolSource
	model   *Model
	tests   glob.Glob
	tracker *visits.TestTracker

	sequences *lru.SyncedLRU[methodKey, cachedPoints[wire.SequencePoint]]
	branches  *lru.SyncedLRU[methodKey, cachedPoints[wire.BranchPoint]]

	stopping atomic.Bool
}

var _ messagehandler.Service = (*Service)(nil)

// NewService returns a service that registers points in model. tracker may be nil when
// test tracking is disabled.
func NewService(cfg Config, model *Model, tracker *visits.TestTracker) (*Service, error) {
	if cfg.Filter == nil || cfg.Source == nil {
		return nil, fmt.Errorf("coverage service needs a filter and a symbol source")
	}
	size := cfg.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}

	s := &Service{
		filter:  cfg.Filter,
		source:  cfg.Source,
		model:   model,
		tracker: tracker,
	}
	if cfg.TestMethods != "" {
		tests, err := glob.Compile(cfg.TestMethods)
		if err != nil {
			return nil, fmt.Errorf("invalid test method pattern %q: %w", cfg.TestMethods, err)
		}
		s.tests = tests
	}

	var err error
	if s.sequences, err = lru.NewSynced[methodKey, cachedPoints[wire.SequencePoint]](size,
		hashMethodKey); err != nil {
		return nil, err
	}
	if s.branches, err = lru.NewSynced[methodKey, cachedPoints[wire.BranchPoint]](size,
		hashMethodKey); err != nil {
		return nil, err
	}
	return s, nil
}

// Model returns the model points are registered in.
func (s *Service) Model() *Model {
	return s.model
}

// module resolves and records a module that passes the filter.
func (s *Service) module(processID int32, modulePath, assemblyName string) (*Module, error) {
	if !s.filter.IncludeAssembly(assemblyName) {
		return nil, nil
	}
	mod, err := s.source.Module(modulePath, assemblyName)
	if err != nil {
		return nil, err
	}
	s.model.AddModule(mod, processID)
	return mod, nil
}

// method resolves a method whose class passes the filter. A nil method without error
// means the method is not instrumented.
func (s *Service) method(processID int32, modulePath, assemblyName string,
	token int32) (*Module, *Method, error) {
	mod, err := s.module(processID, modulePath, assemblyName)
	if err != nil || mod == nil {
		return nil, nil, err
	}
	method, ok := mod.Method(token)
	if !ok {
		log.Debugf("No symbols for method %#x of %s", token, assemblyName)
		return mod, nil, nil
	}
	if !s.filter.IncludeClass(mod.Assembly, method.Class) {
		return mod, nil, nil
	}
	return mod, method, nil
}

// TrackAssembly reports whether the assembly passes the filter and has symbols.
func (s *Service) TrackAssembly(processID int32, processName, modulePath,
	assemblyName string) bool {
	if s.stopping.Load() {
		return false
	}
	mod, err := s.module(processID, modulePath, assemblyName)
	if err != nil {
		log.Warnf("Not tracking %s loaded by %s (%d): %v",
			assemblyName, processName, processID, err)
		return false
	}
	if mod == nil {
		log.Debugf("Assembly %s loaded by %s (%d) is filtered out",
			assemblyName, processName, processID)
		return false
	}
	log.Debugf("Tracking %s loaded by %s (%d)", assemblyName, processName, processID)
	return true
}

// GetSequencePoints returns the sequence points of a method with their ids.
func (s *Service) GetSequencePoints(processID int32, _, modulePath, assemblyName string,
	token int32) ([]wire.SequencePoint, error) {
	key := methodKey{assembly: strings.ToLower(assemblyName), token: token}
	if cached, ok := s.sequences.Get(key); ok {
		metrics.Add(metrics.IDPointCacheHit, 1)
		s.cacheHit(processID, cached.mod)
		return cached.points, nil
	}
	metrics.Add(metrics.IDPointCacheMiss, 1)

	mod, method, err := s.method(processID, modulePath, assemblyName, token)
	if err != nil {
		return nil, err
	}
	var points []wire.SequencePoint
	if method != nil {
		im := s.model.Instrument(mod, method)
		points = make([]wire.SequencePoint, len(method.SequencePoints))
		for i, sp := range method.SequencePoints {
			points[i] = wire.SequencePoint{UniqueID: im.SequenceID(i), Offset: sp.Offset}
		}
	}
	s.sequences.Add(key, cachedPoints[wire.SequencePoint]{mod: mod, points: points})
	return points, nil
}

// GetBranchPoints returns the branch points of a method with their ids.
func (s *Service) GetBranchPoints(processID int32, _, modulePath, assemblyName string,
	token int32) ([]wire.BranchPoint, error) {
	key := methodKey{assembly: strings.ToLower(assemblyName), token: token}
	if cached, ok := s.branches.Get(key); ok {
		metrics.Add(metrics.IDPointCacheHit, 1)
		s.cacheHit(processID, cached.mod)
		return cached.points, nil
	}
	metrics.Add(metrics.IDPointCacheMiss, 1)

	mod, method, err := s.method(processID, modulePath, assemblyName, token)
	if err != nil {
		return nil, err
	}
	var points []wire.BranchPoint
	if method != nil {
		im := s.model.Instrument(mod, method)
		points = make([]wire.BranchPoint, len(method.BranchPoints))
		for i, bp := range method.BranchPoints {
			points[i] = wire.BranchPoint{
				UniqueID: im.BranchID(i),
				Offset:   bp.Offset,
				Path:     bp.Path,
			}
		}
	}
	s.branches.Add(key, cachedPoints[wire.BranchPoint]{mod: mod, points: points})
	return points, nil
}

// cacheHit records that processID loaded mod, as a miss would have done.
func (s *Service) cacheHit(processID int32, mod *Module) {
	if mod != nil {
		s.model.AddModule(mod, processID)
	}
}

// TrackMethod reports whether the method is a test method to trace and its tracking id.
func (s *Service) TrackMethod(modulePath, assemblyName string, token int32) (uint32, bool) {
	if s.tests == nil {
		return 0, false
	}
	mod, method, err := s.method(0, modulePath, assemblyName, token)
	if err != nil || method == nil {
		return 0, false
	}
	if !s.tests.Match(method.FullName()) {
		return 0, false
	}
	id, ok := s.model.Track(mod, method)
	if !ok {
		log.Warnf("No tracking id left for test method %s", method.FullName())
		return 0, false
	}
	log.Debugf("Tracking test method %s as %d", method.FullName(), id)
	return id, true
}

// Stopping stops accepting new assemblies and ends all running test methods.
func (s *Service) Stopping() {
	if s.stopping.Swap(true) {
		return
	}
	if s.tracker != nil {
		s.tracker.Flush()
	}
	log.Debugf("Coverage service stopping with %d modules", len(s.model.Modules()))
}
