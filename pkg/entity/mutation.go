// ABOUTME: Local mutations applied to a working copy of an entity during upsert
// ABOUTME: Every mutation validates against the collection schema before changing state

package entity

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Mutation is a single change applied to an entity during an upsert
type Mutation interface {
	// Kind names the mutation for logs and error messages
	Kind() string
	apply(e *Entity, s *EntitySchema) error
}

// ApplyMutations applies mutations in order to e, collecting every failure.
// The caller must discard e when an error is returned.
func ApplyMutations(e *Entity, s *EntitySchema, mutations []Mutation) error {
	var errs ValidationErrors
	if len(mutations) == 0 {
		errs.Add(Invalid("mutations", nil, "at least one mutation is required"))
	}
	for i, m := range mutations {
		if m == nil {
			errs.Add(Invalid(fmt.Sprintf("mutations[%d]", i), nil, "mutation is empty"))
			continue
		}
		errs.Merge(m.apply(e, s))
	}
	e.refreshLocales()
	return errs.Err()
}

// UpsertAttribute sets an attribute value
type UpsertAttribute struct {
	Name   string
	Locale string
	Value  interface{}
}

func (m *UpsertAttribute) Kind() string { return "upsertAttribute" }

func (m *UpsertAttribute) apply(e *Entity, s *EntitySchema) error {
	key, def, err := resolveAttribute(s.Attributes, "attributes.", m.Name, m.Locale)
	if err != nil {
		return err
	}
	v, cerr := Coerce(def.Type, m.Value)
	if cerr != nil {
		return Invalid("attributes."+m.Name, m.Value, "%v", cerr)
	}
	e.Attributes[key] = v
	return nil
}

// RemoveAttribute drops an attribute value; removing an absent value is a no-op
type RemoveAttribute struct {
	Name   string
	Locale string
}

func (m *RemoveAttribute) Kind() string { return "removeAttribute" }

func (m *RemoveAttribute) apply(e *Entity, s *EntitySchema) error {
	key, _, err := resolveAttribute(s.Attributes, "attributes.", m.Name, m.Locale)
	if err != nil {
		return err
	}
	delete(e.Attributes, key)
	return nil
}

// ApplyDeltaAttribute adds Delta to a numeric attribute
type ApplyDeltaAttribute struct {
	Name   string
	Locale string
	Delta  decimal.Decimal
}

func (m *ApplyDeltaAttribute) Kind() string { return "applyDeltaAttribute" }

func (m *ApplyDeltaAttribute) apply(e *Entity, s *EntitySchema) error {
	key, def, err := resolveAttribute(s.Attributes, "attributes.", m.Name, m.Locale)
	if err != nil {
		return err
	}
	current, ok := e.Attributes[key]
	if !ok {
		return Invalid("attributes."+m.Name, nil, "cannot apply delta to a missing attribute")
	}
	switch def.Type {
	case TypeInt:
		if !m.Delta.IsInteger() {
			return Invalid("attributes."+m.Name, m.Delta.String(), "integer attribute requires an integer delta")
		}
		e.Attributes[key] = current.(int64) + m.Delta.IntPart()
	case TypeDecimal:
		e.Attributes[key] = current.(decimal.Decimal).Add(m.Delta)
	default:
		return Invalid("attributes."+m.Name, string(def.Type), "delta requires a numeric attribute")
	}
	return nil
}

// UpsertAssociatedData sets an opaque associated data payload
type UpsertAssociatedData struct {
	Name   string
	Locale string
	Value  []byte
}

func (m *UpsertAssociatedData) Kind() string { return "upsertAssociatedData" }

func (m *UpsertAssociatedData) apply(e *Entity, _ *EntitySchema) error {
	key, err := associatedDataKey(m.Name, m.Locale)
	if err != nil {
		return err
	}
	e.AssociatedData[key] = append([]byte(nil), m.Value...)
	return nil
}

// RemoveAssociatedData drops an associated data payload
type RemoveAssociatedData struct {
	Name   string
	Locale string
}

func (m *RemoveAssociatedData) Kind() string { return "removeAssociatedData" }

func (m *RemoveAssociatedData) apply(e *Entity, _ *EntitySchema) error {
	key, err := associatedDataKey(m.Name, m.Locale)
	if err != nil {
		return err
	}
	delete(e.AssociatedData, key)
	return nil
}

// SetParent places the entity under another entity of the same collection
type SetParent struct {
	PrimaryKey int
}

func (m *SetParent) Kind() string { return "setParent" }

func (m *SetParent) apply(e *Entity, s *EntitySchema) error {
	if !s.WithHierarchy {
		return Invalid("parent", s.Name, "collection is not hierarchical")
	}
	if m.PrimaryKey <= 0 {
		return Invalid("parent", m.PrimaryKey, "parent primary key must be positive")
	}
	if m.PrimaryKey == e.PrimaryKey {
		return Invalid("parent", m.PrimaryKey, "entity cannot be its own parent")
	}
	e.Parent = &EntityRef{Type: s.Name, PrimaryKey: m.PrimaryKey}
	return nil
}

// RemoveParent makes the entity a hierarchy root
type RemoveParent struct{}

func (m *RemoveParent) Kind() string { return "removeParent" }

func (m *RemoveParent) apply(e *Entity, s *EntitySchema) error {
	if !s.WithHierarchy {
		return Invalid("parent", s.Name, "collection is not hierarchical")
	}
	e.Parent = nil
	return nil
}

// UpsertPrice inserts or replaces a price identified by id, list and currency
type UpsertPrice struct {
	Price Price
}

func (m *UpsertPrice) Kind() string { return "upsertPrice" }

func (m *UpsertPrice) apply(e *Entity, s *EntitySchema) error {
	if !s.WithPrice {
		return Invalid("prices", s.Name, "collection does not hold prices")
	}
	var errs ValidationErrors
	p := m.Price
	if p.PriceList == "" {
		errs.Add(Invalid("prices.priceList", nil, "price list is required"))
	}
	code, err := NormalizeCurrency(p.Currency)
	if err != nil {
		errs.Add(Invalid("prices.currency", p.Currency, "%v", err))
	}
	p.Currency = code
	if p.PriceWithoutTax.IsNegative() || p.PriceWithTax.IsNegative() {
		errs.Add(Invalid("prices.priceWithTax", p.PriceWithTax.String(), "price must not be negative"))
	}
	if p.Validity != nil && p.Validity.From != nil && p.Validity.To != nil && p.Validity.To.Before(*p.Validity.From) {
		errs.Add(Invalid("prices.validity", nil, "validity ends before it starts"))
	}
	if len(errs) > 0 {
		return errs
	}
	for i := range e.Prices {
		if e.Prices[i].Key() == p.Key() {
			e.Prices[i] = p
			return nil
		}
	}
	e.Prices = append(e.Prices, p)
	return nil
}

// RemovePrice drops a price; removing an absent price is a no-op
type RemovePrice struct {
	PriceID   int
	PriceList string
	Currency  string
}

func (m *RemovePrice) Kind() string { return "removePrice" }

func (m *RemovePrice) apply(e *Entity, s *EntitySchema) error {
	if !s.WithPrice {
		return Invalid("prices", s.Name, "collection does not hold prices")
	}
	key := PriceKey{PriceID: m.PriceID, PriceList: m.PriceList, Currency: strings.ToUpper(m.Currency)}
	kept := e.Prices[:0:0]
	for _, p := range e.Prices {
		if p.Key() != key {
			kept = append(kept, p)
		}
	}
	e.Prices = kept
	return nil
}

// SetPriceInnerRecordHandling changes how inner record prices combine
type SetPriceInnerRecordHandling struct {
	Handling PriceInnerRecordHandling
}

func (m *SetPriceInnerRecordHandling) Kind() string { return "setPriceInnerRecordHandling" }

func (m *SetPriceInnerRecordHandling) apply(e *Entity, s *EntitySchema) error {
	if !s.WithPrice {
		return Invalid("priceInnerRecordHandling", s.Name, "collection does not hold prices")
	}
	e.PriceInnerRecordHandling = m.Handling
	return nil
}

// InsertReference adds a reference; inserting an existing reference is a no-op
type InsertReference struct {
	Name       string
	PrimaryKey int
}

func (m *InsertReference) Kind() string { return "insertReference" }

func (m *InsertReference) apply(e *Entity, s *EntitySchema) error {
	rs := s.Reference(m.Name)
	if rs == nil {
		return Invalid("references."+m.Name, nil, "unknown reference")
	}
	if m.PrimaryKey <= 0 {
		return Invalid("references."+m.Name, m.PrimaryKey, "referenced primary key must be positive")
	}
	if e.Reference(m.Name, m.PrimaryKey) != nil {
		return nil
	}
	e.References = append(e.References, Reference{
		Name:       m.Name,
		Target:     EntityRef{Type: rs.TargetType, PrimaryKey: m.PrimaryKey},
		Attributes: make(map[AttributeKey]interface{}),
	})
	return nil
}

// RemoveReference drops a reference with all its attributes
type RemoveReference struct {
	Name       string
	PrimaryKey int
}

func (m *RemoveReference) Kind() string { return "removeReference" }

func (m *RemoveReference) apply(e *Entity, s *EntitySchema) error {
	if s.Reference(m.Name) == nil {
		return Invalid("references."+m.Name, nil, "unknown reference")
	}
	kept := e.References[:0:0]
	for _, r := range e.References {
		if r.Name != m.Name || r.Target.PrimaryKey != m.PrimaryKey {
			kept = append(kept, r)
		}
	}
	e.References = kept
	return nil
}

// UpsertReferenceAttribute sets an attribute on an existing reference
type UpsertReferenceAttribute struct {
	Name       string
	PrimaryKey int
	Attribute  UpsertAttribute
}

func (m *UpsertReferenceAttribute) Kind() string { return "upsertReferenceAttribute" }

func (m *UpsertReferenceAttribute) apply(e *Entity, s *EntitySchema) error {
	ref, rs, err := existingReference(e, s, m.Name, m.PrimaryKey)
	if err != nil {
		return err
	}
	prefix := "references." + m.Name + ".attributes."
	key, def, err := resolveAttribute(rs.Attributes, prefix, m.Attribute.Name, m.Attribute.Locale)
	if err != nil {
		return err
	}
	v, cerr := Coerce(def.Type, m.Attribute.Value)
	if cerr != nil {
		return Invalid(prefix+m.Attribute.Name, m.Attribute.Value, "%v", cerr)
	}
	ref.Attributes[key] = v
	return nil
}

// RemoveReferenceAttribute drops an attribute of an existing reference
type RemoveReferenceAttribute struct {
	Name          string
	PrimaryKey    int
	AttributeName string
	Locale        string
}

func (m *RemoveReferenceAttribute) Kind() string { return "removeReferenceAttribute" }

func (m *RemoveReferenceAttribute) apply(e *Entity, s *EntitySchema) error {
	ref, rs, err := existingReference(e, s, m.Name, m.PrimaryKey)
	if err != nil {
		return err
	}
	key, _, err := resolveAttribute(rs.Attributes, "references."+m.Name+".attributes.", m.AttributeName, m.Locale)
	if err != nil {
		return err
	}
	delete(ref.Attributes, key)
	return nil
}

// SetReferenceGroup assigns a group entity to an existing reference
type SetReferenceGroup struct {
	Name            string
	PrimaryKey      int
	GroupPrimaryKey int
}

func (m *SetReferenceGroup) Kind() string { return "setReferenceGroup" }

func (m *SetReferenceGroup) apply(e *Entity, s *EntitySchema) error {
	ref, rs, err := existingReference(e, s, m.Name, m.PrimaryKey)
	if err != nil {
		return err
	}
	if rs.GroupType == "" {
		return Invalid("references."+m.Name+".group", nil, "reference does not declare a group type")
	}
	if m.GroupPrimaryKey <= 0 {
		return Invalid("references."+m.Name+".group", m.GroupPrimaryKey, "group primary key must be positive")
	}
	ref.Group = &EntityRef{Type: rs.GroupType, PrimaryKey: m.GroupPrimaryKey}
	return nil
}

// RemoveReferenceGroup clears the group of an existing reference
type RemoveReferenceGroup struct {
	Name       string
	PrimaryKey int
}

func (m *RemoveReferenceGroup) Kind() string { return "removeReferenceGroup" }

func (m *RemoveReferenceGroup) apply(e *Entity, s *EntitySchema) error {
	ref, _, err := existingReference(e, s, m.Name, m.PrimaryKey)
	if err != nil {
		return err
	}
	ref.Group = nil
	return nil
}

func resolveAttribute(defs map[string]*AttributeSchema, prefix, name, locale string) (AttributeKey, *AttributeSchema, error) {
	def := defs[name]
	if def == nil {
		return AttributeKey{}, nil, Invalid(prefix+name, nil, "unknown attribute")
	}
	if !def.Localized {
		if locale != "" {
			return AttributeKey{}, nil, Invalid(prefix+name, locale, "attribute is not localized")
		}
		return AttributeKey{Name: name}, def, nil
	}
	if locale == "" {
		return AttributeKey{}, nil, Invalid(prefix+name, nil, "localized attribute requires a locale")
	}
	normalized, err := NormalizeLocale(locale)
	if err != nil {
		return AttributeKey{}, nil, Invalid(prefix+name, locale, "%v", err)
	}
	return AttributeKey{Name: name, Locale: normalized}, def, nil
}

func associatedDataKey(name, locale string) (AttributeKey, error) {
	if name == "" {
		return AttributeKey{}, Invalid("associatedData", nil, "name is required")
	}
	if locale == "" {
		return AttributeKey{Name: name}, nil
	}
	normalized, err := NormalizeLocale(locale)
	if err != nil {
		return AttributeKey{}, Invalid("associatedData."+name, locale, "%v", err)
	}
	return AttributeKey{Name: name, Locale: normalized}, nil
}

func existingReference(e *Entity, s *EntitySchema, name string, pk int) (*Reference, *ReferenceSchema, error) {
	rs := s.Reference(name)
	if rs == nil {
		return nil, nil, Invalid("references."+name, nil, "unknown reference")
	}
	ref := e.Reference(name, pk)
	if ref == nil {
		return nil, nil, Invalid("references."+name, pk, "reference does not exist")
	}
	return ref, rs, nil
}

// NormalizeCurrency validates an ISO 4217 code and returns it upper-cased
func NormalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return "", fmt.Errorf("unknown currency %q", code)
	}
	return unit.String(), nil
}
