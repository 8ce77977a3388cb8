// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package coverage // import "go.opentelemetry.io/coverhost/coverage"

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Rule is one filter expression such as +[App*]App.Services.*.
type Rule struct {
	Include  bool
	Assembly string
	Class    string

	assembly glob.Glob
	class    glob.Glob
}

func (r *Rule) String() string {
	sign := "-"
	if r.Include {
		sign = "+"
	}
	return fmt.Sprintf("%s[%s]%s", sign, r.Assembly, r.Class)
}

// matchesAssembly reports whether the rule covers every class of assembly.
func (r *Rule) matchesAssembly(assembly string) bool {
	return r.assembly.Match(assembly) && r.Class == "*"
}

func (r *Rule) matches(assembly, class string) bool {
	return r.assembly.Match(assembly) && r.class.Match(class)
}

// ParseRule parses a single filter expression.
func ParseRule(expr string) (Rule, error) {
	var rule Rule
	if len(expr) < 4 {
		return rule, fmt.Errorf("filter %q is too short", expr)
	}
	switch expr[0] {
	case '+':
		rule.Include = true
	case '-':
	default:
		return rule, fmt.Errorf("filter %q must start with + or -", expr)
	}
	if expr[1] != '[' {
		return rule, fmt.Errorf("filter %q lacks an [assembly] part", expr)
	}
	end := strings.IndexByte(expr, ']')
	if end < 0 {
		return rule, fmt.Errorf("filter %q has an unterminated [assembly] part", expr)
	}
	rule.Assembly = expr[2:end]
	rule.Class = expr[end+1:]
	if rule.Assembly == "" || rule.Class == "" {
		return rule, fmt.Errorf("filter %q has an empty assembly or class pattern", expr)
	}

	// No separators: '*' in Ns.* also matches nested namespaces.
	var err error
	if rule.assembly, err = glob.Compile(rule.Assembly); err != nil {
		return rule, fmt.Errorf("filter %q: %w", expr, err)
	}
	if rule.class, err = glob.Compile(rule.Class); err != nil {
		return rule, fmt.Errorf("filter %q: %w", expr, err)
	}
	return rule, nil
}

// Filter decides which assemblies and classes are instrumented. Exclusion rules take
// precedence over inclusion rules, and without any inclusion rule nothing is tracked.
type Filter struct {
	include []Rule
	exclude []Rule
}

// ParseFilter parses expressions separated by whitespace or commas. Every argument may
// hold several expressions.
func ParseFilter(exprs ...string) (*Filter, error) {
	f := &Filter{}
	for _, arg := range exprs {
		fields := strings.FieldsFunc(arg, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t' || r == '\n'
		})
		for _, field := range fields {
			rule, err := ParseRule(field)
			if err != nil {
				return nil, err
			}
			if rule.Include {
				f.include = append(f.include, rule)
			} else {
				f.exclude = append(f.exclude, rule)
			}
		}
	}
	return f, nil
}

// Rules returns the inclusion rules followed by the exclusion rules.
func (f *Filter) Rules() []Rule {
	rules := make([]Rule, 0, len(f.include)+len(f.exclude))
	rules = append(rules, f.include...)
	return append(rules, f.exclude...)
}

// IncludeAssembly reports whether any class of assembly may be instrumented.
func (f *Filter) IncludeAssembly(assembly string) bool {
	for i := range f.exclude {
		if f.exclude[i].matchesAssembly(assembly) {
			return false
		}
	}
	for i := range f.include {
		if f.include[i].assembly.Match(assembly) {
			return true
		}
	}
	return false
}

// IncludeClass reports whether class of assembly is instrumented.
func (f *Filter) IncludeClass(assembly, class string) bool {
	for i := range f.exclude {
		if f.exclude[i].matches(assembly, class) {
			return false
		}
	}
	for i := range f.include {
		if f.include[i].matches(assembly, class) {
			return true
		}
	}
	return false
}
