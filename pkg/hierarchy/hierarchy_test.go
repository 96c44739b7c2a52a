package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nainya/entitystore/pkg/entity"
)

// tree builds Category entities where parents[pk] is the parent primary key
func tree(parents map[int]int) (map[int]*entity.Entity, LookupFunc) {
	all := make(map[int]*entity.Entity)
	for pk := range parents {
		all[pk] = entity.New("Category", pk)
	}
	for pk, parent := range parents {
		if parent != 0 {
			all[pk].Parent = &entity.EntityRef{Type: "Category", PrimaryKey: parent}
		}
	}
	return all, func(ref entity.EntityRef) (*entity.Entity, bool) {
		e, ok := all[ref.PrimaryKey]
		return e, ok
	}
}

func pks(chain []*entity.Entity) []int {
	out := make([]int, len(chain))
	for i, e := range chain {
		out[i] = e.PrimaryKey
	}
	return out
}

func TestParentChainRootFirst(t *testing.T) {
	all, lookup := tree(map[int]int{1: 0, 2: 1, 3: 2, 4: 3})

	assert.Equal(t, []int{1, 2, 3}, pks(ParentChain(all[4], Unbounded(), lookup)))
	assert.Empty(t, ParentChain(all[1], Unbounded(), lookup))
}

func TestParentChainMaxDistance(t *testing.T) {
	all, lookup := tree(map[int]int{1: 0, 2: 1, 3: 2, 4: 3})

	assert.Equal(t, []int{3}, pks(ParentChain(all[4], MaxDistance(1), lookup)))
	assert.Equal(t, []int{2, 3}, pks(ParentChain(all[4], MaxDistance(2), lookup)))
	assert.Equal(t, []int{1, 2, 3}, pks(ParentChain(all[4], MaxDistance(10), lookup)))
}

func TestParentChainTruncatesAtDanglingParent(t *testing.T) {
	all, lookup := tree(map[int]int{2: 1, 3: 2})

	assert.Equal(t, []int{2}, pks(ParentChain(all[3], Unbounded(), lookup)))
}

func TestParentChainStopsOnCycle(t *testing.T) {
	all, lookup := tree(map[int]int{1: 3, 2: 1, 3: 2})

	chain := ParentChain(all[3], Unbounded(), lookup)
	assert.Equal(t, []int{1, 2}, pks(chain))
	assert.NotContains(t, pks(chain), 3)
}

func TestIsWithin(t *testing.T) {
	all, lookup := tree(map[int]int{1: 0, 2: 1, 3: 2, 9: 0, 7: 5})

	assert.True(t, IsWithin(all[3], 1, false, lookup))
	assert.True(t, IsWithin(all[1], 1, false, lookup))
	assert.False(t, IsWithin(all[9], 1, false, lookup))
	assert.False(t, IsWithin(all[7], 1, false, lookup))

	assert.True(t, IsWithin(all[2], 1, true, lookup))
	assert.False(t, IsWithin(all[3], 1, true, lookup))
	assert.False(t, IsWithin(all[1], 1, true, lookup))
}

func TestStopConditionValidate(t *testing.T) {
	assert.NoError(t, MaxDistance(1).Validate())
	assert.Error(t, MaxDistance(-1).Validate())
	assert.Error(t, MaxDistance(0).Validate())
	assert.NoError(t, Unbounded().Validate())
	assert.Equal(t, "distance(2)", MaxDistance(2).String())
	assert.Equal(t, "unbounded", Unbounded().String())
	assert.Equal(t, 3, Depth(&entity.Entity{PrimaryKey: 4, Parent: &entity.EntityRef{PrimaryKey: 3}}, func(ref entity.EntityRef) (*entity.Entity, bool) {
		if ref.PrimaryKey == 0 {
			return nil, false
		}
		p := &entity.Entity{PrimaryKey: ref.PrimaryKey}
		if ref.PrimaryKey > 1 {
			p.Parent = &entity.EntityRef{PrimaryKey: ref.PrimaryKey - 1}
		}
		return p, true
	}))
}
