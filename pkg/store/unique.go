package store

import (
	"github.com/nainya/entitystore/pkg/entity"
)

// globalNamespace holds globally unique attributes shared by all collections
const globalNamespace = ""

// uniqueEntry maps one unique attribute value to the entity holding it.
// Namespace is the collection name, or globalNamespace for globally unique attributes.
type uniqueEntry struct {
	Namespace string
	Attribute string
	Locale    string
	Value     string
	Owner     entity.EntityRef
}

func uniqueLess(a, b uniqueEntry) bool {
	if a.Namespace != b.Namespace {
		return a.Namespace < b.Namespace
	}
	if a.Attribute != b.Attribute {
		return a.Attribute < b.Attribute
	}
	if a.Locale != b.Locale {
		return a.Locale < b.Locale
	}
	return a.Value < b.Value
}

func namespaceOf(schema *entity.EntitySchema, def *entity.AttributeSchema) string {
	if def.GloballyUnique {
		return globalNamespace
	}
	return schema.Name
}

// uniqueEntries lists index entries an entity contributes
func uniqueEntries(schema *entity.EntitySchema, e *entity.Entity) []uniqueEntry {
	if e == nil {
		return nil
	}
	var out []uniqueEntry
	for _, def := range schema.UniqueAttributes() {
		for key, v := range e.Attributes {
			if key.Name != def.Name {
				continue
			}
			out = append(out, uniqueEntry{
				Namespace: namespaceOf(schema, def),
				Attribute: def.Name,
				Locale:    key.Locale,
				Value:     entity.ValueKey(v),
				Owner:     e.Ref(),
			})
		}
	}
	return out
}

// uniqueDiff computes entries to drop and to add for a batch of changes
func uniqueDiff(schema *entity.EntitySchema, changes []change) (removed, added []uniqueEntry) {
	if len(schema.UniqueAttributes()) == 0 {
		return nil, nil
	}
	for _, ch := range changes {
		before := uniqueEntries(schema, ch.old)
		after := uniqueEntries(schema, ch.new)
		kept := make(map[uniqueEntry]bool, len(after))
		for _, e := range after {
			kept[e] = true
		}
		was := make(map[uniqueEntry]bool, len(before))
		for _, e := range before {
			was[e] = true
			if !kept[e] {
				removed = append(removed, e)
			}
		}
		for _, e := range after {
			if !was[e] {
				added = append(added, e)
			}
		}
	}
	return removed, added
}

// checkUnique rejects entries already owned by another entity; caller holds uniqueMu
func (s *Store) checkUnique(added []uniqueEntry) error {
	idx := s.unique.Load()
	var errs entity.ValidationErrors
	seen := make(map[uniqueEntry]entity.EntityRef)
	for _, e := range added {
		probe := e
		probe.Owner = entity.EntityRef{}
		if existing, ok := idx.Get(probe); ok && existing.Owner != e.Owner {
			errs.Add(entity.Invalid("attributes."+e.Attribute, e.Value,
				"unique value already used by %s %d", existing.Owner.Type, existing.Owner.PrimaryKey))
			continue
		}
		if owner, dup := seen[probe]; dup && owner != e.Owner {
			errs.Add(entity.Invalid("attributes."+e.Attribute, e.Value, "unique value assigned twice"))
		}
		seen[probe] = e.Owner
	}
	return errs.Err()
}

// applyUnique publishes a new index; caller holds uniqueMu
func (s *Store) applyUnique(removed, added []uniqueEntry) {
	next := s.unique.Load().Clone()
	for _, e := range removed {
		if cur, ok := next.Get(e); ok && cur.Owner == e.Owner {
			next.Delete(e)
		}
	}
	for _, e := range added {
		next.ReplaceOrInsert(e)
	}
	s.unique.Store(next)
}

// LookupUnique resolves a unique attribute value to its owner. An empty
// collection searches globally unique attributes only.
func (s *Store) LookupUnique(collection, attribute, locale string, value interface{}) (entity.EntityRef, bool) {
	namespace := globalNamespace
	if collection != "" {
		schema, ok := s.Schema(collection)
		if !ok {
			return entity.EntityRef{}, false
		}
		def := schema.Attribute(attribute)
		if def == nil || !def.IsUnique() {
			return entity.EntityRef{}, false
		}
		namespace = namespaceOf(schema, def)
		if def.Type != "" {
			if coerced, err := entity.Coerce(def.Type, value); err == nil {
				value = coerced
			}
		}
	}
	probe := uniqueEntry{Namespace: namespace, Attribute: attribute, Locale: locale, Value: entity.ValueKey(value)}
	found, ok := s.unique.Load().Get(probe)
	if !ok || (collection != "" && found.Owner.Type != collection) {
		return entity.EntityRef{}, false
	}
	return found.Owner, true
}
