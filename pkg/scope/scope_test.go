package scope

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nainya/entitystore/pkg/entity"
)

func TestApplicableScopesDefaultsToLive(t *testing.T) {
	s := ApplicableScopes(nil)
	assert.True(t, s.Contains(entity.ScopeLive))
	assert.False(t, s.Contains(entity.ScopeArchived))
	assert.Equal(t, "{LIVE}", s.String())
}

func TestApplicableScopesHonorsExplicitRequest(t *testing.T) {
	archived := ApplicableScopes([]entity.Scope{entity.ScopeArchived})
	assert.False(t, archived.Contains(entity.ScopeLive))
	assert.True(t, archived.Contains(entity.ScopeArchived))

	both := ApplicableScopes([]entity.Scope{entity.ScopeArchived, entity.ScopeLive})
	assert.Equal(t, []entity.Scope{entity.ScopeLive, entity.ScopeArchived}, both.Scopes())
}

func TestAdmits(t *testing.T) {
	live := entity.New("Product", 1)
	archived := entity.New("Product", 2)
	archived.Scope = entity.ScopeArchived

	s := Default()
	assert.True(t, s.Admits(live))
	assert.False(t, s.Admits(archived))
	assert.False(t, s.Admits(nil))
	assert.True(t, s.Intersect(Of(entity.ScopeArchived)).IsEmpty())
}
