package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/entitystore/pkg/entity"
	"github.com/nainya/entitystore/pkg/scope"
	"github.com/nainya/entitystore/pkg/wal"
)

func productSchema() *entity.EntitySchema {
	return entity.NewSchema("Product").
		WithAttribute(entity.AttributeSchema{Name: "code", Mandatory: true, Unique: true}).
		WithAttribute(entity.AttributeSchema{Name: "url", GloballyUnique: true}).
		WithAttribute(entity.AttributeSchema{Name: "priority", Type: entity.TypeInt})
}

func categorySchema() *entity.EntitySchema {
	s := entity.NewSchema("Category").
		WithAttribute(entity.AttributeSchema{Name: "url", GloballyUnique: true})
	s.WithHierarchy = true
	return s
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(opts...)
	require.NoError(t, s.DefineCollection(productSchema()))
	require.NoError(t, s.DefineCollection(categorySchema()))
	return s
}

func pk(n int) *int { return &n }

func withCode(code string) []entity.Mutation {
	return []entity.Mutation{&entity.UpsertAttribute{Name: "code", Value: code}}
}

func TestUpsertCreatesAndVersions(t *testing.T) {
	s := newTestStore(t)

	created, err := s.Upsert("Product", pk(10), entity.MayExist, withCode("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, created.Version)

	updated, err := s.Upsert("Product", pk(10), entity.MustExist, []entity.Mutation{
		&entity.UpsertAttribute{Name: "priority", Value: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)

	v, ok := updated.Attribute("priority", "")
	require.True(t, ok)
	assert.Equal(t, int64(5), v)

	// the first version is untouched by the second write
	_, ok = created.Attribute("priority", "")
	assert.False(t, ok)

	auto, err := s.Upsert("Product", nil, entity.MayExist, withCode("b"))
	require.NoError(t, err)
	assert.Equal(t, 11, auto.PrimaryKey)
}

func TestUpsertExistencePreconditions(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Upsert("Product", pk(1), entity.MustExist, withCode("a"))
	assert.True(t, entity.IsValidation(err))

	_, err = s.Upsert("Product", pk(1), entity.MustNotExist, withCode("a"))
	require.NoError(t, err)

	_, err = s.Upsert("Product", pk(1), entity.MustNotExist, withCode("b"))
	assert.True(t, entity.IsValidation(err))

	_, err = s.Upsert("Product", pk(-1), entity.MayExist, withCode("c"))
	assert.True(t, entity.IsValidation(err))
}

func TestUpsertReportsMissingMandatoryField(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Upsert("Product", pk(1), entity.MayExist, []entity.Mutation{
		&entity.UpsertAttribute{Name: "priority", Value: 1},
	})
	var list entity.ValidationErrors
	require.True(t, errors.As(err, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "attributes.code", list[0].Field)

	_, err = s.Get("Product", 1, scope.Default())
	assert.True(t, entity.IsNotFound(err), "failed upsert must not publish")
}

func TestUpsertUnknownCollection(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Upsert("Brand", pk(1), entity.MayExist, withCode("a"))
	assert.True(t, entity.IsValidation(err))
}

func TestUniqueAttributeConflicts(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Upsert("Product", pk(1), entity.MayExist, withCode("same"))
	require.NoError(t, err)
	_, err = s.Upsert("Product", pk(2), entity.MayExist, withCode("same"))
	assert.True(t, entity.IsValidation(err))

	// re-writing the same value on the owner is fine
	_, err = s.Upsert("Product", pk(1), entity.MustExist, withCode("same"))
	require.NoError(t, err)

	ref, ok := s.LookupUnique("Product", "code", "", "same")
	require.True(t, ok)
	assert.Equal(t, entity.EntityRef{Type: "Product", PrimaryKey: 1}, ref)

	// changing the value releases the old one
	_, err = s.Upsert("Product", pk(1), entity.MustExist, withCode("renamed"))
	require.NoError(t, err)
	_, err = s.Upsert("Product", pk(2), entity.MayExist, withCode("same"))
	require.NoError(t, err)
}

func TestGloballyUniqueAcrossCollections(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Upsert("Category", pk(1), entity.MayExist, []entity.Mutation{
		&entity.UpsertAttribute{Name: "url", Value: "/shoes"},
	})
	require.NoError(t, err)

	_, err = s.Upsert("Product", pk(1), entity.MayExist, []entity.Mutation{
		&entity.UpsertAttribute{Name: "code", Value: "a"},
		&entity.UpsertAttribute{Name: "url", Value: "/shoes"},
	})
	assert.True(t, entity.IsValidation(err))

	ref, ok := s.LookupUnique("", "url", "", "/shoes")
	require.True(t, ok)
	assert.Equal(t, entity.EntityRef{Type: "Category", PrimaryKey: 1}, ref)

	_, ok = s.LookupUnique("Product", "url", "", "/shoes")
	assert.False(t, ok)
}

func TestDeleteByFilter(t *testing.T) {
	s := newTestStore(t)
	for i := 1; i <= 5; i++ {
		_, err := s.Upsert("Product", pk(i), entity.MayExist, []entity.Mutation{
			&entity.UpsertAttribute{Name: "code", Value: string(rune('a' + i))},
			&entity.UpsertAttribute{Name: "priority", Value: i % 2},
		})
		require.NoError(t, err)
	}

	odd := func(e *entity.Entity) bool {
		v, _ := e.Attribute("priority", "")
		return v == int64(1)
	}
	deleted, err := s.DeleteByFilter("Product", scope.Default(), odd, 2)
	require.NoError(t, err)
	require.Len(t, deleted, 2)
	assert.Equal(t, 1, deleted[0].PrimaryKey)
	assert.Equal(t, 3, deleted[1].PrimaryKey)

	_, err = s.Get("Product", 1, scope.Default())
	assert.True(t, entity.IsNotFound(err))
	_, err = s.Get("Product", 5, scope.Default())
	assert.NoError(t, err)

	n, err := s.Count("Product", scope.Default())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// released unique values may be reused
	_, err = s.Upsert("Product", pk(9), entity.MayExist, withCode("b"))
	assert.NoError(t, err)
}

func TestArchiveHidesFromDefaultScope(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Upsert("Product", pk(1), entity.MayExist, withCode("a"))
	require.NoError(t, err)

	archived, err := s.Archive("Product", 1)
	require.NoError(t, err)
	assert.Equal(t, entity.ScopeArchived, archived.Scope)

	_, err = s.Get("Product", 1, scope.Default())
	assert.True(t, entity.IsNotFound(err))
	_, err = s.Get("Product", 1, scope.Of(entity.ScopeArchived))
	assert.NoError(t, err)

	stats := s.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, CollectionStats{Name: "Product", Archived: 1}, stats[1])

	_, err = s.Archive("Product", 1)
	assert.True(t, entity.IsNotFound(err))

	restored, err := s.Restore("Product", 1)
	require.NoError(t, err)
	assert.Equal(t, entity.ScopeLive, restored.Scope)
}

func TestViewIsStableDuringWrites(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Upsert("Product", pk(1), entity.MayExist, withCode("a"))
	require.NoError(t, err)

	v, err := s.View("Product")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				id := 100 + w*100 + i
				_, err := s.Upsert("Product", &id, entity.MayExist, withCode(string(rune('A'+w))+string(rune('a'+i))))
				assert.NoError(t, err)
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.Equal(t, 1, v.Count(scope.Default()))
				assert.NotNil(t, v.Get(1, scope.Default()))
			}
		}()
	}
	wg.Wait()

	n, err := s.Count("Product", scope.Default())
	require.NoError(t, err)
	assert.Equal(t, 101, n)
}

func TestRecoverFromJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.wal")
	journal := &wal.WAL{Path: path}
	require.NoError(t, journal.Open())

	s := newTestStore(t, WithJournal(journal))
	_, err := s.Upsert("Product", pk(1), entity.MayExist, withCode("a"))
	require.NoError(t, err)
	_, err = s.Upsert("Product", pk(2), entity.MayExist, withCode("b"))
	require.NoError(t, err)
	require.NoError(t, s.Checkpoint())
	_, err = s.Upsert("Product", pk(2), entity.MustExist, []entity.Mutation{&entity.UpsertAttribute{Name: "priority", Value: 7}})
	require.NoError(t, err)
	_, err = s.DeleteByFilter("Product", scope.Default(), func(e *entity.Entity) bool { return e.PrimaryKey == 1 }, 0)
	require.NoError(t, err)
	require.NoError(t, journal.Close())

	reopened := &wal.WAL{Path: path}
	require.NoError(t, reopened.Open())
	defer reopened.Close()

	recovered := newTestStore(t, WithJournal(reopened))
	stats, err := recovered.Recover()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.CommittedTxns)

	_, err = recovered.Get("Product", 1, scope.Default())
	assert.True(t, entity.IsNotFound(err))
	e, err := recovered.Get("Product", 2, scope.Default())
	require.NoError(t, err)
	assert.Equal(t, 2, e.Version)
	v, _ := e.Attribute("priority", "")
	assert.Equal(t, int64(7), v)

	_, ok := recovered.LookupUnique("Product", "code", "", "b")
	assert.True(t, ok)
	_, ok = recovered.LookupUnique("Product", "code", "", "a")
	assert.False(t, ok)

	next, err := recovered.Upsert("Product", nil, entity.MayExist, withCode("c"))
	require.NoError(t, err)
	assert.Equal(t, 3, next.PrimaryKey)
}

func TestRecoverNeverReissuesDeletedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entities.wal")
	deleteKey := func(s *Store, key int) {
		t.Helper()
		deleted, err := s.DeleteByFilter("Product", scope.Default(), func(e *entity.Entity) bool { return e.PrimaryKey == key }, 0)
		require.NoError(t, err)
		require.Len(t, deleted, 1)
	}
	insert := func(s *Store, code string) int {
		t.Helper()
		e, err := s.Upsert("Product", nil, entity.MustNotExist, withCode(code))
		require.NoError(t, err)
		return e.PrimaryKey
	}
	reopen := func() (*Store, *wal.WAL) {
		t.Helper()
		journal := &wal.WAL{Path: path}
		require.NoError(t, journal.Open())
		s := newTestStore(t, WithJournal(journal))
		_, err := s.Recover()
		require.NoError(t, err)
		return s, journal
	}

	s, journal := reopen()
	assert.Equal(t, 1, insert(s, "a"))
	assert.Equal(t, 2, insert(s, "b"))
	deleteKey(s, 2)
	assert.Equal(t, 3, insert(s, "c"))
	deleteKey(s, 3)
	require.NoError(t, journal.Close())

	s, journal = reopen()
	assert.Equal(t, 4, insert(s, "d"))
	deleteKey(s, 4)
	require.NoError(t, s.Checkpoint())
	require.NoError(t, journal.Close())

	s, journal = reopen()
	defer journal.Close()
	n, err := s.Count("Product", scope.Default())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 5, insert(s, "e"))
}
