package entity

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func productSchema() *EntitySchema {
	return NewSchema("Product").
		WithAttribute(AttributeSchema{Name: "code", Mandatory: true, Unique: true}).
		WithAttribute(AttributeSchema{Name: "name", Localized: true, Mandatory: true}).
		WithAttribute(AttributeSchema{Name: "quantity", Type: TypeDecimal}).
		WithAttribute(AttributeSchema{Name: "priority", Type: TypeInt}).
		WithReference(ReferenceSchema{
			Name:       "brand",
			TargetType: "Brand",
			GroupType:  "BrandGroup",
			Attributes: map[string]*AttributeSchema{
				"market": {Name: "market", Mandatory: true},
			},
		})
}

func TestApplyMutationsBuildsEntity(t *testing.T) {
	s := productSchema()
	s.WithPrice = true
	e := New("Product", 1)

	err := ApplyMutations(e, s, []Mutation{
		&UpsertAttribute{Name: "code", Value: "pwoa"},
		&UpsertAttribute{Name: "name", Locale: "cs_CZ", Value: "produkt"},
		&UpsertAttribute{Name: "quantity", Value: "1.5"},
		&UpsertAssociatedData{Name: "labels", Locale: "cs-CZ", Value: []byte(`{"a":1}`)},
		&InsertReference{Name: "brand", PrimaryKey: 7},
		&UpsertReferenceAttribute{Name: "brand", PrimaryKey: 7, Attribute: UpsertAttribute{Name: "market", Value: "EU"}},
		&SetReferenceGroup{Name: "brand", PrimaryKey: 7, GroupPrimaryKey: 3},
		&UpsertPrice{Price: Price{PriceID: 1, PriceList: "basic", Currency: "czk", PriceWithTax: decimal.RequireFromString("121"), Indexed: true}},
	})
	require.NoError(t, err)

	v, ok := e.Attribute("name", "cs-CZ")
	require.True(t, ok)
	assert.Equal(t, "produkt", v)
	assert.Equal(t, []string{"cs-CZ"}, e.Locales)
	assert.True(t, decimal.RequireFromString("1.5").Equal(e.Attributes[AttributeKey{Name: "quantity"}].(decimal.Decimal)))
	require.Len(t, e.References, 1)
	assert.Equal(t, EntityRef{Type: "BrandGroup", PrimaryKey: 3}, *e.References[0].Group)
	assert.Equal(t, "CZK", e.Prices[0].Currency)
	assert.Empty(t, s.CheckMandatory(e))
}

func TestApplyMutationsCollectsAllErrors(t *testing.T) {
	e := New("Product", 1)
	err := ApplyMutations(e, productSchema(), []Mutation{
		&UpsertAttribute{Name: "unknown", Value: "x"},
		&UpsertAttribute{Name: "name", Value: "no locale"},
		&UpsertAttribute{Name: "priority", Value: "high"},
		&SetParent{PrimaryKey: 5},
	})
	require.Error(t, err)

	var list ValidationErrors
	require.True(t, errors.As(err, &list))
	assert.Len(t, list, 4)
	assert.True(t, IsValidation(err))
}

func TestApplyMutationsRejectsEmptyList(t *testing.T) {
	err := ApplyMutations(New("Product", 1), productSchema(), nil)
	assert.True(t, IsValidation(err))
}

func TestCheckMandatoryNamesMissingFields(t *testing.T) {
	s := productSchema()
	e := New("Product", 1)
	require.NoError(t, ApplyMutations(e, s, []Mutation{
		&UpsertAttribute{Name: "name", Locale: "en", Value: "product"},
		&UpsertAttribute{Name: "name", Locale: "de", Value: "Produkt"},
		&InsertReference{Name: "brand", PrimaryKey: 1},
		&RemoveAttribute{Name: "name", Locale: "de"},
		&UpsertAssociatedData{Name: "info", Locale: "de", Value: []byte("{}")},
	}))

	errs := s.CheckMandatory(e)
	fields := make([]string, len(errs))
	for i, err := range errs {
		fields[i] = err.Field
	}
	assert.ElementsMatch(t, []string{"attributes.code", "attributes.name", "references.brand.attributes.market"}, fields)
}

func TestApplyDeltaAttribute(t *testing.T) {
	s := productSchema()
	e := New("Product", 1)
	require.NoError(t, ApplyMutations(e, s, []Mutation{
		&UpsertAttribute{Name: "priority", Value: 10},
		&ApplyDeltaAttribute{Name: "priority", Delta: decimal.NewFromInt(5)},
	}))
	assert.Equal(t, int64(15), e.Attributes[AttributeKey{Name: "priority"}])

	err := ApplyMutations(e, s, []Mutation{&ApplyDeltaAttribute{Name: "code", Delta: decimal.NewFromInt(1)}})
	assert.True(t, IsValidation(err))
}

func TestUpsertPriceRejectsUnknownCurrency(t *testing.T) {
	s := productSchema()
	s.WithPrice = true
	err := ApplyMutations(New("Product", 1), s, []Mutation{
		&UpsertPrice{Price: Price{PriceID: 1, PriceList: "basic", Currency: "AAA"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prices.currency")
}

func TestSetParentRejectsSelf(t *testing.T) {
	s := NewSchema("Category")
	s.WithHierarchy = true
	err := ApplyMutations(New("Category", 4), s, []Mutation{&SetParent{PrimaryKey: 4}})
	assert.True(t, IsValidation(err))
}

func TestCloneIsIndependent(t *testing.T) {
	s := productSchema()
	e := New("Product", 1)
	require.NoError(t, ApplyMutations(e, s, []Mutation{
		&UpsertAttribute{Name: "code", Value: "a"},
		&InsertReference{Name: "brand", PrimaryKey: 2},
	}))

	c := e.Clone()
	c.Attributes[AttributeKey{Name: "code"}] = "b"
	c.References[0].Attributes[AttributeKey{Name: "market"}] = "US"

	assert.Equal(t, "a", e.Attributes[AttributeKey{Name: "code"}])
	assert.Empty(t, e.References[0].Attributes)
}

func TestCodecPreservesTypedValues(t *testing.T) {
	s := productSchema()
	s.WithPrice = true
	s.WithHierarchy = true
	s.WithAttribute(AttributeSchema{Name: "released", Type: TypeDateTime})
	s.WithAttribute(AttributeSchema{Name: "tags", Type: TypeStrings})

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := New("Product", 9)
	e.Version = 3
	e.Scope = ScopeArchived
	require.NoError(t, ApplyMutations(e, s, []Mutation{
		&UpsertAttribute{Name: "code", Value: "x"},
		&UpsertAttribute{Name: "priority", Value: int64(2)},
		&UpsertAttribute{Name: "quantity", Value: "10.25"},
		&UpsertAttribute{Name: "released", Value: from},
		&UpsertAttribute{Name: "tags", Value: []string{"a", "b"}},
		&SetParent{PrimaryKey: 2},
		&UpsertPrice{Price: Price{PriceID: 1, PriceList: "basic", Currency: "EUR",
			PriceWithTax: decimal.RequireFromString("12.10"), Validity: &Validity{From: &from}, Indexed: true}},
		&SetPriceInnerRecordHandling{Handling: InnerRecordSum},
	}))

	data, err := Marshal(e)
	require.NoError(t, err)
	back, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, e.Version, back.Version)
	assert.Equal(t, ScopeArchived, back.Scope)
	assert.Equal(t, InnerRecordSum, back.PriceInnerRecordHandling)
	assert.Equal(t, int64(2), back.Attributes[AttributeKey{Name: "priority"}])
	assert.Equal(t, from, back.Attributes[AttributeKey{Name: "released"}])
	assert.Equal(t, []string{"a", "b"}, back.Attributes[AttributeKey{Name: "tags"}])
	assert.True(t, e.Prices[0].PriceWithTax.Equal(back.Prices[0].PriceWithTax))
	assert.Equal(t, 2, back.Parent.PrimaryKey)
}
