// ABOUTME: Parent chain resolution over weak parent references
// ABOUTME: Chains are resolved by lookup at read time and truncated at dangling parents

package hierarchy

import (
	"fmt"

	"github.com/nainya/entitystore/pkg/entity"
)

// LookupFunc resolves a parent reference; ok is false when the parent is gone or out of scope
type LookupFunc func(ref entity.EntityRef) (e *entity.Entity, ok bool)

// StopCondition bounds how far a parent chain is followed
type StopCondition struct {
	maxDistance int
	bounded     bool
}

// Unbounded follows the chain up to the root
func Unbounded() StopCondition {
	return StopCondition{}
}

// MaxDistance stops after n hops even if further ancestors exist
func MaxDistance(n int) StopCondition {
	return StopCondition{maxDistance: n, bounded: true}
}

// Validate rejects non-positive distances
func (s StopCondition) Validate() error {
	if s.bounded && s.maxDistance < 1 {
		return entity.Invalid("stopAt.distance", s.maxDistance, "distance must be positive")
	}
	return nil
}

// Bounded reports whether the condition limits distance
func (s StopCondition) Bounded() bool {
	return s.bounded
}

func (s StopCondition) String() string {
	if !s.Bounded() {
		return "unbounded"
	}
	return fmt.Sprintf("distance(%d)", s.maxDistance)
}

func (s StopCondition) reached(hops int) bool {
	return s.Bounded() && hops >= s.maxDistance
}

// ParentChain returns the ancestors of e, root first. The entity itself never
// appears, cycles end the chain and a missing parent truncates it.
func ParentChain(e *entity.Entity, stop StopCondition, lookup LookupFunc) []*entity.Entity {
	if e == nil {
		return nil
	}
	visited := map[int]bool{e.PrimaryKey: true}
	var nearestFirst []*entity.Entity

	current := e
	for current.Parent != nil && !stop.reached(len(nearestFirst)) {
		ref := *current.Parent
		if visited[ref.PrimaryKey] {
			break
		}
		parent, ok := lookup(ref)
		if !ok || parent == nil {
			break
		}
		visited[ref.PrimaryKey] = true
		nearestFirst = append(nearestFirst, parent)
		current = parent
	}

	chain := make([]*entity.Entity, len(nearestFirst))
	for i, p := range nearestFirst {
		chain[len(nearestFirst)-1-i] = p
	}
	return chain
}

// IsWithin reports whether e sits under the entity with primary key root.
// Unless directOnly is set the root itself matches as well. An entity whose
// chain is broken before reaching root does not match.
func IsWithin(e *entity.Entity, root int, directOnly bool, lookup LookupFunc) bool {
	if e == nil {
		return false
	}
	if directOnly {
		return e.Parent != nil && e.Parent.PrimaryKey == root
	}
	if e.PrimaryKey == root {
		return true
	}
	visited := map[int]bool{e.PrimaryKey: true}
	current := e
	for current.Parent != nil {
		ref := *current.Parent
		if ref.PrimaryKey == root {
			return true
		}
		if visited[ref.PrimaryKey] {
			return false
		}
		visited[ref.PrimaryKey] = true
		parent, ok := lookup(ref)
		if !ok || parent == nil {
			return false
		}
		current = parent
	}
	return false
}

// Depth returns the number of resolvable ancestors of e
func Depth(e *entity.Entity, lookup LookupFunc) int {
	return len(ParentChain(e, Unbounded(), lookup))
}
