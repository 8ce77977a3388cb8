// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package coverage // import "go.opentelemetry.io/coverhost/coverage"

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnknownModule is returned for modules the symbol source has no data for.
var ErrUnknownModule = errors.New("unknown module")

// SequencePoint is a source range that starts at an IL offset.
type SequencePoint struct {
	Offset      int32 `json:"offset"`
	StartLine   int   `json:"startLine"`
	StartColumn int   `json:"startColumn,omitempty"`
	EndLine     int   `json:"endLine"`
	EndColumn   int   `json:"endColumn,omitempty"`
}

// BranchPoint is one outgoing path of a conditional branch at an IL offset.
type BranchPoint struct {
	Offset int32 `json:"offset"`
	Path   int32 `json:"path"`
	Line   int   `json:"line,omitempty"`
}

// Method is the symbol information of one method.
type Method struct {
	Token          int32           `json:"token"`
	Class          string          `json:"class"`
	Name           string          `json:"name"`
	File           string          `json:"file,omitempty"`
	SequencePoints []SequencePoint `json:"sequencePoints,omitempty"`
	BranchPoints   []BranchPoint   `json:"branchPoints,omitempty"`
}

// FullName returns Class.Name, the string test method patterns are matched against.
func (m *Method) FullName() string {
	return m.Class + "." + m.Name
}

// Module is the symbol information of one assembly.
type Module struct {
	Path     string   `json:"path"`
	Assembly string   `json:"assembly"`
	Methods  []Method `json:"methods"`
}

// Method returns the method with token.
func (m *Module) Method(token int32) (*Method, bool) {
	for i := range m.Methods {
		if m.Methods[i].Token == token {
			return &m.Methods[i], true
		}
	}
	return nil, false
}

// Manifest is the document read by ManifestSource.
type Manifest struct {
	Modules []Module `json:"modules"`
}

// SymbolSource resolves the methods and points of a loaded module. Symbol files are read by
// an external tool that produces the data a source returns.
type SymbolSource interface {
	Module(modulePath, assemblyName string) (*Module, error)
}

// ManifestSource serves modules from a Manifest.
type ManifestSource struct {
	byAssembly map[string]*Module
	byPath     map[string]*Module
	points     int
}

var _ SymbolSource = (*ManifestSource)(nil)

// NewManifestSource indexes the modules of m.
func NewManifestSource(m *Manifest) *ManifestSource {
	s := &ManifestSource{
		byAssembly: make(map[string]*Module, len(m.Modules)),
		byPath:     make(map[string]*Module, len(m.Modules)),
	}
	for i := range m.Modules {
		mod := &m.Modules[i]
		if mod.Assembly != "" {
			s.byAssembly[strings.ToLower(mod.Assembly)] = mod
		}
		if mod.Path != "" {
			s.byPath[filepath.Clean(mod.Path)] = mod
		}
		for j := range mod.Methods {
			s.points += len(mod.Methods[j].SequencePoints) + len(mod.Methods[j].BranchPoints)
		}
	}
	return s
}

// PointCount returns the number of sequence and branch points of all modules.
func (s *ManifestSource) PointCount() int {
	return s.points
}

// LoadManifest reads a JSON manifest from path.
func LoadManifest(path string) (*ManifestSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return NewManifestSource(&m), nil
}

// Module looks the module up by its path first and by its assembly name second. Assembly
// names compare case-insensitively.
func (s *ManifestSource) Module(modulePath, assemblyName string) (*Module, error) {
	if modulePath != "" {
		if mod, ok := s.byPath[filepath.Clean(modulePath)]; ok {
			return mod, nil
		}
	}
	if mod, ok := s.byAssembly[strings.ToLower(assemblyName)]; ok {
		return mod, nil
	}
	return nil, fmt.Errorf("%s (%s): %w", assemblyName, modulePath, ErrUnknownModule)
}
