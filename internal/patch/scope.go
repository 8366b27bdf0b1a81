package patch

import (
	"fmt"
	"sort"
	"strings"
)

// Scope restricts which document sections, and which fields inside them, a patch may address.
type Scope struct {
	sections map[string]map[string]struct{}
	denied   map[string]string
}

// NewScope builds a scope from section names to their allowed field names. A nil field list
// allows any field inside the section.
func NewScope(sections map[string][]string) *Scope {
	scope := &Scope{
		sections: make(map[string]map[string]struct{}, len(sections)),
		denied:   make(map[string]string),
	}
	for section, fields := range sections {
		if fields == nil {
			scope.sections[section] = nil
			continue
		}
		allowed := make(map[string]struct{}, len(fields))
		for _, field := range fields {
			allowed[field] = struct{}{}
		}
		scope.sections[section] = allowed
	}
	return scope
}

// Deny excludes a field-level pointer from the scope with a business-rule reason.
func (s *Scope) Deny(pointer, reason string) *Scope {
	s.denied[pointer] = reason
	return s
}

// Sections returns the allowed top-level section names in sorted order.
func (s *Scope) Sections() []string {
	names := make([]string, 0, len(s.sections))
	for name := range s.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Violation describes one out-of-scope pointer.
type Violation struct {
	Path   string
	Reason string
}

// ScopeError lists every violation found in a patch.
type ScopeError struct {
	Violations []Violation
}

func (e *ScopeError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, violation := range e.Violations {
		parts = append(parts, fmt.Sprintf("%s (%s)", violation.Path, violation.Reason))
	}
	return fmt.Sprintf("%v: %s", ErrOutOfScope, strings.Join(parts, ", "))
}

func (e *ScopeError) Unwrap() error {
	return ErrOutOfScope
}

// Paths returns the offending pointers.
func (e *ScopeError) Paths() []string {
	paths := make([]string, 0, len(e.Violations))
	for _, violation := range e.Violations {
		paths = append(paths, violation.Path)
	}
	return paths
}

// Validate returns a *ScopeError when any operation addresses a pointer outside the scope.
func (s *Scope) Validate(p Patch) error {
	var violations []Violation
	for _, op := range p {
		pointers := []string{op.Path}
		if op.Op == OpMove || op.Op == OpCopy {
			pointers = append(pointers, op.From)
		}
		for _, pointer := range pointers {
			if reason := s.check(pointer); reason != "" {
				violations = append(violations, Violation{Path: pointer, Reason: reason})
			}
		}
	}
	if len(violations) > 0 {
		return &ScopeError{Violations: violations}
	}
	return nil
}

func (s *Scope) check(pointer string) string {
	tokens, err := parsePointer(pointer)
	if err != nil {
		return "malformed pointer"
	}
	if len(tokens) < 2 {
		return "must address a field inside a section"
	}
	fields, ok := s.sections[tokens[0]]
	if !ok {
		return "section not editable"
	}
	if fields != nil {
		if _, ok := fields[tokens[1]]; !ok {
			return "field not editable"
		}
	}
	if reason, ok := s.denied[JoinPointer(tokens[0], tokens[1])]; ok {
		return reason
	}
	return ""
}
