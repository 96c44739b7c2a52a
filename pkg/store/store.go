// ABOUTME: Snapshot-isolated entity store with per-collection writers and lock-free readers
// ABOUTME: Each write publishes a new copy-on-write B-tree snapshot; readers never block

package store

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/pkg/errors"

	"github.com/nainya/entitystore/pkg/entity"
	"github.com/nainya/entitystore/pkg/scope"
	"github.com/nainya/entitystore/pkg/wal"
)

const btreeDegree = 32

// Store holds every collection of a catalog
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection

	uniqueMu sync.Mutex
	unique   atomic.Pointer[btree.BTreeG[uniqueEntry]]

	journal *wal.WAL
}

type collection struct {
	schema  *entity.EntitySchema
	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
	// lastPK is the highest primary key ever stored; guarded by writeMu
	lastPK int
}

type snapshot struct {
	entities *btree.BTreeG[*entity.Entity]
	live     int
	archived int
}

func (s *snapshot) get(pk int) *entity.Entity {
	e, ok := s.entities.Get(&entity.Entity{PrimaryKey: pk})
	if !ok {
		return nil
	}
	return e
}

func byPrimaryKey(a, b *entity.Entity) bool {
	return a.PrimaryKey < b.PrimaryKey
}

// Option configures a Store
type Option func(*Store)

// WithJournal makes every committed write durable in w before it becomes visible
func WithJournal(w *wal.WAL) Option {
	return func(s *Store) {
		s.journal = w
	}
}

// New creates an empty store
func New(opts ...Option) *Store {
	s := &Store{collections: make(map[string]*collection)}
	s.unique.Store(btree.NewG[uniqueEntry](btreeDegree, uniqueLess))
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefineCollection registers a collection schema
func (s *Store) DefineCollection(schema *entity.EntitySchema) error {
	if schema == nil || schema.Name == "" {
		return entity.Invalid("collection", nil, "collection name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.collections[schema.Name]; exists {
		return entity.Invalid("collection", schema.Name, "collection already defined")
	}
	c := &collection{schema: schema}
	c.current.Store(&snapshot{entities: btree.NewG[*entity.Entity](btreeDegree, byPrimaryKey)})
	s.collections[schema.Name] = c
	return nil
}

// Schema returns the schema of a collection
func (s *Store) Schema(name string) (*entity.EntitySchema, bool) {
	c, err := s.collection(name)
	if err != nil {
		return nil, false
	}
	return c.schema, true
}

// Collections returns collection names in sorted order
func (s *Store) Collections() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.collections))
	for name := range s.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) collection(name string) (*collection, error) {
	s.mu.RLock()
	c, ok := s.collections[name]
	s.mu.RUnlock()
	if !ok {
		return nil, entity.Invalid("collection", name, "unknown collection")
	}
	return c, nil
}

// Get returns the entity if it exists in one of scopes
func (s *Store) Get(typ string, pk int, scopes scope.Set) (*entity.Entity, error) {
	v, err := s.View(typ)
	if err != nil {
		return nil, err
	}
	e := v.Get(pk, scopes)
	if e == nil {
		return nil, &entity.NotFoundError{Type: typ, PrimaryKey: pk}
	}
	return e, nil
}

// Count returns the number of entities in scopes
func (s *Store) Count(typ string, scopes scope.Set) (int, error) {
	v, err := s.View(typ)
	if err != nil {
		return 0, err
	}
	return v.Count(scopes), nil
}

// Upsert applies mutations atomically to the entity identified by pk, creating
// it when allowed by existence. A nil pk assigns the next free primary key.
func (s *Store) Upsert(typ string, pk *int, existence entity.Existence, mutations []entity.Mutation) (*entity.Entity, error) {
	c, err := s.collection(typ)
	if err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	snap := c.current.Load()
	var existing *entity.Entity
	var errs entity.ValidationErrors
	if pk != nil {
		if *pk <= 0 {
			return nil, entity.Invalid("primaryKey", *pk, "primary key must be positive")
		}
		existing = snap.get(*pk)
	}
	switch {
	case existence == entity.MustExist && pk == nil:
		errs.Add(entity.Invalid("primaryKey", nil, "primary key is required when the entity must exist"))
	case existence == entity.MustExist && existing == nil:
		errs.Add(entity.Invalid("primaryKey", *pk, "entity %s does not exist", typ))
	case existence == entity.MustNotExist && existing != nil:
		errs.Add(entity.Invalid("primaryKey", *pk, "entity %s already exists", typ))
	}
	if len(errs) > 0 {
		return nil, errs
	}

	var working *entity.Entity
	if existing != nil {
		working = existing.Clone()
	} else {
		id := c.lastPK + 1
		if pk != nil {
			id = *pk
		}
		working = entity.New(typ, id)
	}
	errs.Merge(entity.ApplyMutations(working, c.schema, mutations))
	errs = append(errs, c.schema.CheckMandatory(working)...)
	if len(errs) > 0 {
		return nil, errs
	}
	working.Version++

	if err := s.commit(c, snap, []change{{old: existing, new: working}}); err != nil {
		return nil, err
	}
	return working, nil
}

// Archive moves a live entity to the archived scope
func (s *Store) Archive(typ string, pk int) (*entity.Entity, error) {
	return s.transition(typ, pk, entity.ScopeLive, entity.ScopeArchived)
}

// Restore moves an archived entity back to the live scope
func (s *Store) Restore(typ string, pk int) (*entity.Entity, error) {
	return s.transition(typ, pk, entity.ScopeArchived, entity.ScopeLive)
}

func (s *Store) transition(typ string, pk int, from, to entity.Scope) (*entity.Entity, error) {
	c, err := s.collection(typ)
	if err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	snap := c.current.Load()
	existing := snap.get(pk)
	if existing == nil || existing.Scope != from {
		return nil, &entity.NotFoundError{Type: typ, PrimaryKey: pk}
	}
	working := existing.Clone()
	working.Scope = to
	working.Version++
	if err := s.commit(c, snap, []change{{old: existing, new: working}}); err != nil {
		return nil, err
	}
	return working, nil
}

// DeleteByFilter removes up to limit entities in scopes matching pred and
// returns their last snapshots in primary key order. A limit <= 0 is unbounded.
func (s *Store) DeleteByFilter(typ string, scopes scope.Set, pred func(*entity.Entity) bool, limit int) ([]*entity.Entity, error) {
	c, err := s.collection(typ)
	if err != nil {
		return nil, err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	snap := c.current.Load()
	var victims []*entity.Entity
	snap.entities.Ascend(func(e *entity.Entity) bool {
		if scopes.Admits(e) && (pred == nil || pred(e)) {
			victims = append(victims, e)
		}
		return limit <= 0 || len(victims) < limit
	})
	if len(victims) == 0 {
		return nil, nil
	}

	changes := make([]change, len(victims))
	for i, e := range victims {
		changes[i] = change{old: e}
	}
	if err := s.commit(c, snap, changes); err != nil {
		return nil, err
	}
	return victims, nil
}

// change replaces old with new; a nil new deletes old
type change struct {
	old *entity.Entity
	new *entity.Entity
}

// commit validates unique constraints, journals the changes and publishes a new snapshot.
// The caller must hold c.writeMu.
func (s *Store) commit(c *collection, snap *snapshot, changes []change) error {
	removed, added := uniqueDiff(c.schema, changes)
	if len(removed) > 0 || len(added) > 0 {
		s.uniqueMu.Lock()
		defer s.uniqueMu.Unlock()
		if err := s.checkUnique(added); err != nil {
			return err
		}
	}

	if s.journal != nil {
		records, err := journalRecords(c.schema.Name, changes)
		if err != nil {
			return &entity.InternalError{Op: "encode entity", Err: err}
		}
		if _, err := s.journal.Commit(records); err != nil {
			return &entity.InternalError{Op: "journal commit", Err: errors.Wrap(err, c.schema.Name)}
		}
	}

	if len(removed) > 0 || len(added) > 0 {
		s.applyUnique(removed, added)
	}
	c.publish(snap, changes)
	return nil
}

func (c *collection) publish(snap *snapshot, changes []change) {
	next := &snapshot{entities: snap.entities.Clone(), live: snap.live, archived: snap.archived}
	for _, ch := range changes {
		if ch.old != nil {
			next.entities.Delete(ch.old)
			next.adjust(ch.old.Scope, -1)
		}
		if ch.new != nil {
			next.entities.ReplaceOrInsert(ch.new)
			next.adjust(ch.new.Scope, 1)
			if ch.new.PrimaryKey > c.lastPK {
				c.lastPK = ch.new.PrimaryKey
			}
		}
	}
	c.current.Store(next)
}

func (s *snapshot) adjust(sc entity.Scope, delta int) {
	if sc == entity.ScopeArchived {
		s.archived += delta
	} else {
		s.live += delta
	}
}

// CollectionStats holds per-scope entity counts
type CollectionStats struct {
	Name     string
	Live     int
	Archived int
}

// Stats returns entity counts for every collection
func (s *Store) Stats() []CollectionStats {
	names := s.Collections()
	out := make([]CollectionStats, 0, len(names))
	for _, name := range names {
		c, err := s.collection(name)
		if err != nil {
			continue
		}
		snap := c.current.Load()
		out = append(out, CollectionStats{Name: name, Live: snap.live, Archived: snap.archived})
	}
	return out
}
