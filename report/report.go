// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package report turns the state collected during a session into a coverage report and
// writes it out.
package report // import "go.opentelemetry.io/coverhost/report"

import (
	"cmp"
	"slices"

	"go.opentelemetry.io/coverhost/coverage"
	"go.opentelemetry.io/coverhost/visits"
)

// Summary aggregates point counts.
type Summary struct {
	SequencePoints        int     `json:"sequencePoints"`
	VisitedSequencePoints int     `json:"visitedSequencePoints"`
	BranchPoints          int     `json:"branchPoints"`
	VisitedBranchPoints   int     `json:"visitedBranchPoints"`
	Methods               int     `json:"methods"`
	VisitedMethods        int     `json:"visitedMethods"`
	SequenceCoverage      float64 `json:"sequenceCoverage"`
	BranchCoverage        float64 `json:"branchCoverage"`
}

func (s *Summary) add(o *Summary) {
	s.SequencePoints += o.SequencePoints
	s.VisitedSequencePoints += o.VisitedSequencePoints
	s.BranchPoints += o.BranchPoints
	s.VisitedBranchPoints += o.VisitedBranchPoints
	s.Methods += o.Methods
	s.VisitedMethods += o.VisitedMethods
}

func percent(visited, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(visited) * 100 / float64(total)
}

func (s *Summary) finish() {
	s.SequenceCoverage = percent(s.VisitedSequencePoints, s.SequencePoints)
	s.BranchCoverage = percent(s.VisitedBranchPoints, s.BranchPoints)
}

// SequencePoint is a sequence point with its visit count. ID is zero for points of methods
// no agent asked about.
type SequencePoint struct {
	ID        uint32 `json:"id,omitempty"`
	Offset    int32  `json:"offset"`
	StartLine int    `json:"startLine"`
	EndLine   int    `json:"endLine"`
	Visits    uint64 `json:"visits"`
}

// BranchPoint is one branch path with its visit count.
type BranchPoint struct {
	ID     uint32 `json:"id,omitempty"`
	Offset int32  `json:"offset"`
	Path   int32  `json:"path"`
	Line   int    `json:"line,omitempty"`
	Visits uint64 `json:"visits"`
}

// Method is the coverage of one method.
type Method struct {
	Token          int32           `json:"token"`
	Class          string          `json:"class"`
	Name           string          `json:"name"`
	File           string          `json:"file,omitempty"`
	Instrumented   bool            `json:"instrumented"`
	Summary        Summary         `json:"summary"`
	SequencePoints []SequencePoint `json:"sequencePoints,omitempty"`
	BranchPoints   []BranchPoint   `json:"branchPoints,omitempty"`
}

// Module is the coverage of one assembly.
type Module struct {
	Assembly  string   `json:"assembly"`
	Path      string   `json:"path"`
	Processes []int32  `json:"processes,omitempty"`
	Summary   Summary  `json:"summary"`
	Methods   []Method `json:"methods"`
}

// PointVisits is the number of visits of one point.
type PointVisits struct {
	ID     uint32 `json:"id"`
	Visits uint64 `json:"visits"`
}

// Test lists the points visited while a tracked test method ran.
type Test struct {
	ID     uint32        `json:"id"`
	Name   string        `json:"name"`
	Points []PointVisits `json:"points"`
}

// Report is the complete result of a session.
type Report struct {
	Summary Summary  `json:"summary"`
	Modules []Module `json:"modules"`
	Tests   []Test   `json:"tests,omitempty"`
}

// Build creates the report of all modules in model. Methods of those modules that were never
// instrumented are included with zero visits when filter includes their class. A nil
// tracker leaves out the per-test section.
func Build(model *coverage.Model, filter *coverage.Filter, table *visits.Table,
	tracker *visits.TestTracker) *Report {
	r := &Report{Modules: []Module{}}
	for _, ms := range model.Modules() {
		mod := buildModule(model, filter, table, ms)
		r.Summary.add(&mod.Summary)
		r.Modules = append(r.Modules, mod)
	}
	r.Summary.finish()

	if tracker != nil {
		r.Tests = buildTests(model, tracker)
	}
	return r
}

func buildModule(model *coverage.Model, filter *coverage.Filter, table *visits.Table,
	ms *coverage.ModuleState) Module {
	src := ms.Module
	mod := Module{
		Assembly:  src.Assembly,
		Path:      src.Path,
		Processes: slices.Sorted(slices.Values(ms.Processes)),
		Methods:   []Method{},
	}
	for i := range src.Methods {
		method := &src.Methods[i]
		im, instrumented := model.Instrumented(src, method.Token)
		if !instrumented && (filter == nil || !filter.IncludeClass(src.Assembly, method.Class)) {
			continue
		}
		m := buildMethod(table, method, im)
		mod.Summary.add(&m.Summary)
		mod.Methods = append(mod.Methods, m)
	}
	slices.SortFunc(mod.Methods, func(a, b Method) int {
		return cmp.Compare(a.Token, b.Token)
	})
	mod.Summary.finish()
	return mod
}

// buildMethod converts one method. im is nil for methods that were never instrumented.
func buildMethod(table *visits.Table, method *coverage.Method,
	im *coverage.InstrumentedMethod) Method {
	m := Method{
		Token:        method.Token,
		Class:        method.Class,
		Name:         method.Name,
		File:         method.File,
		Instrumented: im != nil,
		Summary:      Summary{Methods: 1},
	}
	for i, sp := range method.SequencePoints {
		p := SequencePoint{Offset: sp.Offset, StartLine: sp.StartLine, EndLine: sp.EndLine}
		if im != nil {
			p.ID = im.SequenceID(i)
			p.Visits = table.Count(p.ID)
		}
		if p.Visits > 0 {
			m.Summary.VisitedSequencePoints++
		}
		m.SequencePoints = append(m.SequencePoints, p)
	}
	for i, bp := range method.BranchPoints {
		p := BranchPoint{Offset: bp.Offset, Path: bp.Path, Line: bp.Line}
		if im != nil {
			p.ID = im.BranchID(i)
			p.Visits = table.Count(p.ID)
		}
		if p.Visits > 0 {
			m.Summary.VisitedBranchPoints++
		}
		m.BranchPoints = append(m.BranchPoints, p)
	}
	m.Summary.SequencePoints = len(m.SequencePoints)
	m.Summary.BranchPoints = len(m.BranchPoints)
	if m.Summary.VisitedSequencePoints > 0 {
		m.Summary.VisitedMethods = 1
	}
	m.Summary.finish()
	return m
}

func buildTests(model *coverage.Model, tracker *visits.TestTracker) []Test {
	var tests []Test
	for _, id := range tracker.Methods() {
		test := Test{ID: id}
		if im, ok := model.TrackedMethod(id); ok {
			test.Name = im.Method.FullName()
		}
		for point, n := range tracker.Visits(id) {
			test.Points = append(test.Points, PointVisits{ID: point, Visits: n})
		}
		slices.SortFunc(test.Points, func(a, b PointVisits) int {
			return cmp.Compare(a.ID, b.ID)
		})
		tests = append(tests, test)
	}
	return tests
}
