// ABOUTME: Entity data model: versioned entities, prices, references and hierarchy links
// ABOUTME: Entities are immutable once published; writers clone before mutating

package entity

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Scope is the lifecycle partition an entity lives in
type Scope int

const (
	ScopeLive Scope = iota
	ScopeArchived
)

func (s Scope) String() string {
	switch s {
	case ScopeLive:
		return "LIVE"
	case ScopeArchived:
		return "ARCHIVED"
	default:
		return "UNKNOWN"
	}
}

// ParseScope parses LIVE or ARCHIVED (case-insensitive)
func ParseScope(s string) (Scope, error) {
	switch strings.ToUpper(s) {
	case "LIVE":
		return ScopeLive, nil
	case "ARCHIVED":
		return ScopeArchived, nil
	}
	return 0, Invalid("scope", s, "unknown scope")
}

// Existence is the precondition an upsert places on the target entity
type Existence int

const (
	MayExist Existence = iota
	MustExist
	MustNotExist
)

func (e Existence) String() string {
	switch e {
	case MustExist:
		return "MUST_EXIST"
	case MustNotExist:
		return "MUST_NOT_EXIST"
	default:
		return "MAY_EXIST"
	}
}

// ParseExistence parses MUST_EXIST, MUST_NOT_EXIST or MAY_EXIST; empty means MAY_EXIST
func ParseExistence(s string) (Existence, error) {
	switch strings.ToUpper(s) {
	case "", "MAY_EXIST":
		return MayExist, nil
	case "MUST_EXIST":
		return MustExist, nil
	case "MUST_NOT_EXIST":
		return MustNotExist, nil
	}
	return 0, Invalid("entityExistence", s, "unknown existence precondition")
}

// PriceInnerRecordHandling controls how prices of inner records combine into a price for sale
type PriceInnerRecordHandling int

const (
	InnerRecordNone PriceInnerRecordHandling = iota
	InnerRecordLowestPrice
	InnerRecordSum
)

func (h PriceInnerRecordHandling) String() string {
	switch h {
	case InnerRecordLowestPrice:
		return "LOWEST_PRICE"
	case InnerRecordSum:
		return "SUM"
	default:
		return "NONE"
	}
}

// ParsePriceInnerRecordHandling parses NONE, LOWEST_PRICE or SUM
func ParsePriceInnerRecordHandling(s string) (PriceInnerRecordHandling, error) {
	switch strings.ToUpper(s) {
	case "", "NONE":
		return InnerRecordNone, nil
	case "LOWEST_PRICE", "FIRST_OCCURRENCE":
		return InnerRecordLowestPrice, nil
	case "SUM":
		return InnerRecordSum, nil
	}
	return 0, Invalid("priceInnerRecordHandling", s, "unknown inner record handling")
}

// AttributeKey addresses an attribute or associated data value; Locale is empty when not localized
type AttributeKey struct {
	Name   string
	Locale string
}

// EntityRef is a weak, non-owning pointer to another entity
type EntityRef struct {
	Type       string
	PrimaryKey int
}

// Validity is an optional datetime interval; nil bounds are open
type Validity struct {
	From *time.Time
	To   *time.Time
}

// Contains reports whether at falls within the interval (inclusive)
func (v *Validity) Contains(at time.Time) bool {
	if v == nil {
		return true
	}
	if v.From != nil && at.Before(*v.From) {
		return false
	}
	if v.To != nil && at.After(*v.To) {
		return false
	}
	return true
}

// Price is a single price record of an entity
type Price struct {
	PriceID         int
	PriceList       string
	Currency        string
	InnerRecordID   *int
	PriceWithoutTax decimal.Decimal
	TaxRate         decimal.Decimal
	PriceWithTax    decimal.Decimal
	Validity        *Validity
	Indexed         bool
}

// PriceKey identifies a price within its entity
type PriceKey struct {
	PriceID   int
	PriceList string
	Currency  string
}

// Key returns the identity of the price
func (p *Price) Key() PriceKey {
	return PriceKey{PriceID: p.PriceID, PriceList: p.PriceList, Currency: p.Currency}
}

// InnerRecord returns the inner record id or 0 when absent
func (p *Price) InnerRecord() int {
	if p.InnerRecordID == nil {
		return 0
	}
	return *p.InnerRecordID
}

// Reference is a named, non-owning edge to another entity
type Reference struct {
	Name       string
	Target     EntityRef
	Group      *EntityRef
	Attributes map[AttributeKey]interface{}
}

// Entity is a versioned record held by a collection
type Entity struct {
	Type                     string
	PrimaryKey               int
	Version                  int
	Scope                    Scope
	Locales                  []string
	Attributes               map[AttributeKey]interface{}
	AssociatedData           map[AttributeKey][]byte
	Prices                   []Price
	PriceInnerRecordHandling PriceInnerRecordHandling
	Parent                   *EntityRef
	References               []Reference
}

// New returns an empty entity of the given type
func New(typ string, pk int) *Entity {
	return &Entity{
		Type:           typ,
		PrimaryKey:     pk,
		Attributes:     make(map[AttributeKey]interface{}),
		AssociatedData: make(map[AttributeKey][]byte),
	}
}

// Ref returns a weak reference to e
func (e *Entity) Ref() EntityRef {
	return EntityRef{Type: e.Type, PrimaryKey: e.PrimaryKey}
}

// Attribute returns the attribute value for name and locale
func (e *Entity) Attribute(name, locale string) (interface{}, bool) {
	v, ok := e.Attributes[AttributeKey{Name: name, Locale: locale}]
	return v, ok
}

// Reference returns the reference with the given name and target, or nil
func (e *Entity) Reference(name string, pk int) *Reference {
	for i := range e.References {
		if e.References[i].Name == name && e.References[i].Target.PrimaryKey == pk {
			return &e.References[i]
		}
	}
	return nil
}

// ReferencesNamed returns references with the given name in insertion order
func (e *Entity) ReferencesNamed(name string) []Reference {
	var out []Reference
	for _, r := range e.References {
		if r.Name == name {
			out = append(out, r)
		}
	}
	return out
}

// Clone returns a deep copy; attribute values are immutable scalars and are shared
func (e *Entity) Clone() *Entity {
	c := *e
	c.Locales = append([]string(nil), e.Locales...)
	c.Attributes = cloneAttributes(e.Attributes)
	c.AssociatedData = make(map[AttributeKey][]byte, len(e.AssociatedData))
	for k, v := range e.AssociatedData {
		c.AssociatedData[k] = append([]byte(nil), v...)
	}
	c.Prices = append([]Price(nil), e.Prices...)
	if e.Parent != nil {
		p := *e.Parent
		c.Parent = &p
	}
	c.References = make([]Reference, len(e.References))
	for i, r := range e.References {
		c.References[i] = r
		c.References[i].Attributes = cloneAttributes(r.Attributes)
		if r.Group != nil {
			g := *r.Group
			c.References[i].Group = &g
		}
	}
	return &c
}

func cloneAttributes(in map[AttributeKey]interface{}) map[AttributeKey]interface{} {
	out := make(map[AttributeKey]interface{}, len(in))
	for k, v := range in {
		if s, ok := v.([]string); ok {
			v = append([]string(nil), s...)
		}
		out[k] = v
	}
	return out
}

// refreshLocales recomputes the locale set from localized attributes and associated data
func (e *Entity) refreshLocales() {
	set := make(map[string]struct{})
	for k := range e.Attributes {
		if k.Locale != "" {
			set[k.Locale] = struct{}{}
		}
	}
	for k := range e.AssociatedData {
		if k.Locale != "" {
			set[k.Locale] = struct{}{}
		}
	}
	locales := make([]string, 0, len(set))
	for l := range set {
		locales = append(locales, l)
	}
	sort.Strings(locales)
	e.Locales = locales
}

// HasLocale reports whether the entity carries data in locale
func (e *Entity) HasLocale(locale string) bool {
	for _, l := range e.Locales {
		if l == locale {
			return true
		}
	}
	return false
}
