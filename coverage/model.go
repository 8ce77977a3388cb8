// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package coverage // import "go.opentelemetry.io/coverhost/coverage"

import (
	"cmp"
	"slices"
	"strings"

	"go.opentelemetry.io/coverhost/libpf/xsync"
	"go.opentelemetry.io/coverhost/visits"
	"go.opentelemetry.io/coverhost/wire"
)

// InstrumentedMethod is a method whose points were handed out to an agent.
type InstrumentedMethod struct {
	Method *Method
	// FirstSequenceID is the id of Method.SequencePoints[0]; the others follow in order.
	FirstSequenceID uint32
	// FirstBranchID is the id of Method.BranchPoints[0]; the others follow in order.
	FirstBranchID uint32
	// TrackedID is non-zero for test methods tracked in trace-by-test mode.
	TrackedID uint32
}

// SequenceID returns the id of the i-th sequence point.
func (m *InstrumentedMethod) SequenceID(i int) uint32 {
	return m.FirstSequenceID + uint32(i)
}

// BranchID returns the id of the i-th branch point.
func (m *InstrumentedMethod) BranchID(i int) uint32 {
	return m.FirstBranchID + uint32(i)
}

// ModuleState is a tracked module and its instrumented methods.
type ModuleState struct {
	Module *Module
	// Processes lists the ids of the processes that loaded the module.
	Processes []int32
	methods   map[int32]*InstrumentedMethod
}

type modelState struct {
	modules     map[string]*ModuleState
	tracked     map[uint32]*InstrumentedMethod
	lastTracked uint32
}

// Model assigns visit table ids to instrumentation points. A method's ids are allocated when
// the first agent asks for it and every later request, from any process, receives the same
// ids.
type Model struct {
	table *visits.Table
	state xsync.RWMutex[modelState]
}

// NewModel returns an empty model allocating ids from table.
func NewModel(table *visits.Table) *Model {
	return &Model{
		table: table,
		state: xsync.NewRWMutex(modelState{
			modules: make(map[string]*ModuleState),
			tracked: make(map[uint32]*InstrumentedMethod),
		}),
	}
}

func moduleKey(mod *Module) string {
	return strings.ToLower(mod.Assembly)
}

// AddModule records that processID loaded mod.
func (m *Model) AddModule(mod *Module, processID int32) *ModuleState {
	state := m.state.WLock()
	defer m.state.WUnlock(&state)

	ms := state.module(mod)
	if processID != 0 && !slices.Contains(ms.Processes, processID) {
		ms.Processes = append(ms.Processes, processID)
	}
	return ms
}

func (s *modelState) module(mod *Module) *ModuleState {
	key := moduleKey(mod)
	ms, ok := s.modules[key]
	if !ok {
		ms = &ModuleState{Module: mod, methods: make(map[int32]*InstrumentedMethod)}
		s.modules[key] = ms
	}
	return ms
}

// Instrument returns the ids of method in mod, allocating them on first use.
func (m *Model) Instrument(mod *Module, method *Method) *InstrumentedMethod {
	if im, ok := m.Instrumented(mod, method.Token); ok {
		return im
	}

	state := m.state.WLock()
	defer m.state.WUnlock(&state)
	return state.instrument(m.table, mod, method)
}

func (s *modelState) instrument(table *visits.Table, mod *Module,
	method *Method) *InstrumentedMethod {
	ms := s.module(mod)
	if im, ok := ms.methods[method.Token]; ok {
		return im
	}
	nseq, nbranch := len(method.SequencePoints), len(method.BranchPoints)
	first := table.Register(nseq + nbranch)
	im := &InstrumentedMethod{
		Method:          method,
		FirstSequenceID: first,
		FirstBranchID:   first + uint32(nseq),
	}
	ms.methods[method.Token] = im
	return im
}

// Instrumented returns the method with token if it was instrumented.
func (m *Model) Instrumented(mod *Module, token int32) (*InstrumentedMethod, bool) {
	state := m.state.RLock()
	defer m.state.RUnlock(&state)

	ms, ok := state.modules[moduleKey(mod)]
	if !ok {
		return nil, false
	}
	im, ok := ms.methods[token]
	return im, ok
}

// Track returns the tracking id of a test method, assigning the next free one on first use.
// It reports false once all ids that fit into a visit marker are taken.
func (m *Model) Track(mod *Module, method *Method) (uint32, bool) {
	state := m.state.WLock()
	defer m.state.WUnlock(&state)

	im := state.instrument(m.table, mod, method)
	if im.TrackedID != 0 {
		return im.TrackedID, true
	}
	if state.lastTracked >= wire.VisitIDMask {
		return 0, false
	}
	state.lastTracked++
	im.TrackedID = state.lastTracked
	state.tracked[im.TrackedID] = im
	return im.TrackedID, true
}

// TrackedMethod returns the method with tracking id.
func (m *Model) TrackedMethod(id uint32) (*InstrumentedMethod, bool) {
	state := m.state.RLock()
	defer m.state.RUnlock(&state)

	im, ok := state.tracked[id]
	return im, ok
}

// Modules returns all tracked modules ordered by assembly name. The returned states are
// only stable once no agent is connected anymore.
func (m *Model) Modules() []*ModuleState {
	state := m.state.RLock()
	defer m.state.RUnlock(&state)

	modules := make([]*ModuleState, 0, len(state.modules))
	for _, ms := range state.modules {
		modules = append(modules, ms)
	}
	slices.SortFunc(modules, func(a, b *ModuleState) int {
		return cmp.Compare(a.Module.Assembly, b.Module.Assembly)
	})
	return modules
}
