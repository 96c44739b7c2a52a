package store

import (
	"github.com/nainya/entitystore/pkg/entity"
	"github.com/nainya/entitystore/pkg/scope"
)

// View is an immutable, consistent snapshot of one collection.
// Writes committed after View was taken are never observed through it.
type View struct {
	typ    string
	schema *entity.EntitySchema
	snap   *snapshot
}

// View returns the current snapshot of a collection
func (s *Store) View(typ string) (*View, error) {
	c, err := s.collection(typ)
	if err != nil {
		return nil, err
	}
	return &View{typ: typ, schema: c.schema, snap: c.current.Load()}, nil
}

// Type returns the collection name
func (v *View) Type() string {
	return v.typ
}

// Schema returns the collection schema
func (v *View) Schema() *entity.EntitySchema {
	return v.schema
}

// Get returns the entity with pk if it is in scopes, or nil
func (v *View) Get(pk int, scopes scope.Set) *entity.Entity {
	e := v.snap.get(pk)
	if e == nil || !scopes.Admits(e) {
		return nil
	}
	return e
}

// Count returns the number of entities in scopes
func (v *View) Count(scopes scope.Set) int {
	n := 0
	if scopes.Contains(entity.ScopeLive) {
		n += v.snap.live
	}
	if scopes.Contains(entity.ScopeArchived) {
		n += v.snap.archived
	}
	return n
}

// Ascend calls fn for every entity in scopes in primary key order until fn returns false
func (v *View) Ascend(scopes scope.Set, fn func(*entity.Entity) bool) {
	v.snap.entities.Ascend(func(e *entity.Entity) bool {
		if !scopes.Admits(e) {
			return true
		}
		return fn(e)
	})
}

// Lookup resolves a reference against the view when it targets this collection
func (v *View) Lookup(ref entity.EntityRef, scopes scope.Set) (*entity.Entity, bool) {
	if ref.Type != v.typ {
		return nil, false
	}
	e := v.Get(ref.PrimaryKey, scopes)
	return e, e != nil
}
