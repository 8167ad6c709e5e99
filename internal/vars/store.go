// Package vars implements scoped variable resolution and {{name}} template
// expansion. A Store is a point-in-time snapshot of a team's variables,
// built once per execution; script writes land in the snapshot and are
// discarded when the execution ends. Persistent scopes are never written
// through.
package vars

import (
	"github.com/codeops/courier/internal/domain"
)

// Entry is one variable within a scope.
type Entry struct {
	Value     string
	IsSecret  bool
	IsEnabled bool
}

// Store holds the four scopes in ascending precedence:
// Global < Collection < Environment < Local.
//
// A Store is not safe for concurrent use. Each execution builds (or clones)
// its own snapshot; the script sandbox is single-threaded per execution.
type Store struct {
	scopes map[domain.VariableScope]map[string]Entry
}

// scopeOrder lists scopes from highest precedence to lowest.
var scopeOrder = []domain.VariableScope{
	domain.ScopeLocal,
	domain.ScopeEnvironment,
	domain.ScopeCollection,
	domain.ScopeGlobal,
}

// NewStore returns an empty store.
func NewStore() *Store {
	s := &Store{scopes: make(map[domain.VariableScope]map[string]Entry, 4)}
	for _, sc := range scopeOrder {
		s.scopes[sc] = map[string]Entry{}
	}
	return s
}

// LoadGlobals seeds the global scope from persisted team globals.
func (s *Store) LoadGlobals(globals []domain.GlobalVariable) {
	for _, g := range globals {
		s.scopes[domain.ScopeGlobal][g.Key] = Entry{Value: g.Value, IsSecret: g.IsSecret, IsEnabled: g.IsEnabled}
	}
}

// LoadVariables seeds a scope from persisted variables. The variable's own
// scope tag is ignored; entries land in the given scope.
func (s *Store) LoadVariables(scope domain.VariableScope, variables []domain.Variable) {
	m := s.scopes[scope]
	for _, v := range variables {
		m[v.Key] = Entry{Value: v.Value, IsSecret: v.IsSecret, IsEnabled: v.IsEnabled}
	}
}

// Resolve returns the highest-precedence enabled value for name. Disabled
// entries never shadow lower scopes. Secret-ness is the OR of all enabled
// entries matching the name, regardless of which scope won.
func (s *Store) Resolve(name string) (value string, isSecret bool, ok bool) {
	for _, sc := range scopeOrder {
		e, found := s.scopes[sc][name]
		if !found || !e.IsEnabled {
			continue
		}
		if !ok {
			value = e.Value
			ok = true
		}
		isSecret = isSecret || e.IsSecret
	}
	if !ok {
		return "", false, false
	}
	return value, isSecret, true
}

// Get returns the enabled value for name in one specific scope.
// Used by pm.environment.get / pm.globals.get, which do not cascade.
func (s *Store) Get(scope domain.VariableScope, name string) (string, bool) {
	e, found := s.scopes[scope][name]
	if !found || !e.IsEnabled {
		return "", false
	}
	return e.Value, true
}

// Set writes an enabled, non-secret entry into one scope of the snapshot.
// The backing repository is never touched.
func (s *Store) Set(scope domain.VariableScope, name, value string) {
	s.scopes[scope][name] = Entry{Value: value, IsEnabled: true}
}

// SetLocal writes into the local scope. Shorthand for the most common
// script write (pm.variables.set).
func (s *Store) SetLocal(name, value string) {
	s.Set(domain.ScopeLocal, name, value)
}

// Unset removes an entry from one scope of the snapshot.
func (s *Store) Unset(scope domain.VariableScope, name string) {
	delete(s.scopes[scope], name)
}

// Clone returns an independent copy of the snapshot. The collection runner
// clones the base snapshot once per iteration so script writes from one
// iteration never leak into the next.
func (s *Store) Clone() *Store {
	c := NewStore()
	for sc, m := range s.scopes {
		cm := make(map[string]Entry, len(m))
		for k, v := range m {
			cm[k] = v
		}
		c.scopes[sc] = cm
	}
	return c
}
