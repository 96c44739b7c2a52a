// Package scope decides which lifecycle partitions a read may observe
package scope

import (
	"strings"

	"github.com/nainya/entitystore/pkg/entity"
)

// Set is a set of entity scopes
type Set uint8

// Of builds a set from scopes
func Of(scopes ...entity.Scope) Set {
	var s Set
	for _, sc := range scopes {
		s |= 1 << uint(sc)
	}
	return s
}

// Default is the set used when a request does not name scopes
func Default() Set {
	return Of(entity.ScopeLive)
}

// ApplicableScopes returns exactly the requested scopes, or {LIVE} when none were requested
func ApplicableScopes(requested []entity.Scope) Set {
	if len(requested) == 0 {
		return Default()
	}
	return Of(requested...)
}

// Contains reports whether sc is in the set
func (s Set) Contains(sc entity.Scope) bool {
	return s&(1<<uint(sc)) != 0
}

// Admits reports whether e lives in one of the set's scopes
func (s Set) Admits(e *entity.Entity) bool {
	return e != nil && s.Contains(e.Scope)
}

// Intersect returns the scopes present in both sets
func (s Set) Intersect(other Set) Set {
	return s & other
}

// IsEmpty reports whether no scope is admitted
func (s Set) IsEmpty() bool {
	return s == 0
}

// Scopes lists members in declaration order
func (s Set) Scopes() []entity.Scope {
	var out []entity.Scope
	for _, sc := range []entity.Scope{entity.ScopeLive, entity.ScopeArchived} {
		if s.Contains(sc) {
			out = append(out, sc)
		}
	}
	return out
}

func (s Set) String() string {
	names := make([]string, 0, 2)
	for _, sc := range s.Scopes() {
		names = append(names, sc.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}
