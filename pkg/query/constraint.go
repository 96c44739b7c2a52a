// ABOUTME: Filter constraints and their compilation into entity predicates
// ABOUTME: Compilation validates every constraint against the collection schema first

package query

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nainya/entitystore/pkg/entity"
	"github.com/nainya/entitystore/pkg/hierarchy"
)

// Constraint is a node of a filter tree
type Constraint interface {
	compile(c *compiler, path string, top bool) predicate
}

type predicate func(r *resolver, e *entity.Entity) bool

func always(*resolver, *entity.Entity) bool { return true }

// And matches entities matching every child
type And []Constraint

// Or matches entities matching at least one child
type Or []Constraint

// Not inverts its child
type Not struct {
	Constraint Constraint
}

// AttributeEquals matches an attribute value; a list attribute matches when it contains Value
type AttributeEquals struct {
	Name  string
	Value interface{}
}

// AttributeInRange matches attribute values within inclusive bounds; a nil bound is open
type AttributeInRange struct {
	Name string
	From interface{}
	To   interface{}
}

// AttributeInSet matches attribute values equal to any of Values
type AttributeInSet struct {
	Name   string
	Values []interface{}
}

// PrimaryKeyInSet matches the listed primary keys
type PrimaryKeyInSet []int

// ScopeIn selects the scopes a query reads from
type ScopeIn []entity.Scope

// LocaleEquals matches entities carrying data in Locale
type LocaleEquals struct {
	Locale string
}

// HierarchyWithin matches entities under Parent; a nil Parent is the virtual root
type HierarchyWithin struct {
	Parent         *int
	DirectRelation bool
}

// PriceInCurrency sets the currency of the price for sale
type PriceInCurrency struct {
	Currency string
}

// PriceInPriceLists sets the price list priority of the price for sale
type PriceInPriceLists struct {
	PriceLists []string
}

// PriceValidIn sets the moment the price for sale must be valid at
type PriceValidIn struct {
	Moment time.Time
}

// PriceBetween matches a price for sale with tax within inclusive bounds
type PriceBetween struct {
	From *decimal.Decimal
	To   *decimal.Decimal
}

func (a And) compile(c *compiler, path string, top bool) predicate {
	preds := make([]predicate, 0, len(a))
	for i, child := range a {
		preds = append(preds, c.constraint(child, fmt.Sprintf("%s.and[%d]", path, i), top))
	}
	return func(r *resolver, e *entity.Entity) bool {
		for _, p := range preds {
			if !p(r, e) {
				return false
			}
		}
		return true
	}
}

func (o Or) compile(c *compiler, path string, _ bool) predicate {
	if len(o) == 0 {
		c.fail(path+".or", nil, "at least one constraint is required")
	}
	preds := make([]predicate, 0, len(o))
	for i, child := range o {
		preds = append(preds, c.constraint(child, fmt.Sprintf("%s.or[%d]", path, i), false))
	}
	return func(r *resolver, e *entity.Entity) bool {
		for _, p := range preds {
			if p(r, e) {
				return true
			}
		}
		return false
	}
}

func (n Not) compile(c *compiler, path string, _ bool) predicate {
	if n.Constraint == nil {
		c.fail(path+".not", nil, "constraint is required")
		return always
	}
	inner := c.constraint(n.Constraint, path+".not", false)
	return func(r *resolver, e *entity.Entity) bool {
		return !inner(r, e)
	}
}

func (a AttributeEquals) compile(c *compiler, path string, _ bool) predicate {
	key, def, ok := c.filterAttribute(a.Name, path+".attributeEquals")
	if !ok {
		return always
	}
	want, ok := c.coerceFilterValue(def, a.Value, path+".attributeEquals."+a.Name)
	if !ok {
		return always
	}
	return func(_ *resolver, e *entity.Entity) bool {
		v, found := e.Attributes[key]
		return found && entity.Equal(v, want)
	}
}

func (a AttributeInRange) compile(c *compiler, path string, _ bool) predicate {
	field := path + ".attributeInRange"
	key, def, ok := c.filterAttribute(a.Name, field)
	if !ok {
		return always
	}
	field += "." + a.Name
	switch def.Type {
	case entity.TypeBool, entity.TypeStrings:
		c.fail(field, nil, "%s attributes cannot be compared by range", def.Type)
		return always
	}
	if a.From == nil && a.To == nil {
		c.fail(field, nil, "at least one bound is required")
		return always
	}
	var from, to interface{}
	if a.From != nil {
		if from, ok = c.coerceFilterValue(def, a.From, field+".from"); !ok {
			return always
		}
	}
	if a.To != nil {
		if to, ok = c.coerceFilterValue(def, a.To, field+".to"); !ok {
			return always
		}
	}
	if from != nil && to != nil {
		if cmp, _ := entity.Compare(from, to); cmp > 0 {
			c.fail(field, nil, "range starts after it ends")
		}
	}
	return func(_ *resolver, e *entity.Entity) bool {
		v, found := e.Attributes[key]
		if !found {
			return false
		}
		if from != nil {
			if cmp, ok := entity.Compare(v, from); !ok || cmp < 0 {
				return false
			}
		}
		if to != nil {
			if cmp, ok := entity.Compare(v, to); !ok || cmp > 0 {
				return false
			}
		}
		return true
	}
}

func (a AttributeInSet) compile(c *compiler, path string, _ bool) predicate {
	field := path + ".attributeInSet"
	key, def, ok := c.filterAttribute(a.Name, field)
	if !ok {
		return always
	}
	if len(a.Values) == 0 {
		c.fail(field+"."+a.Name, nil, "at least one value is required")
		return always
	}
	wants := make([]interface{}, 0, len(a.Values))
	for i, raw := range a.Values {
		if v, ok := c.coerceFilterValue(def, raw, fmt.Sprintf("%s.%s[%d]", field, a.Name, i)); ok {
			wants = append(wants, v)
		}
	}
	return func(_ *resolver, e *entity.Entity) bool {
		v, found := e.Attributes[key]
		if !found {
			return false
		}
		for _, want := range wants {
			if entity.Equal(v, want) {
				return true
			}
		}
		return false
	}
}

func (p PrimaryKeyInSet) compile(c *compiler, path string, _ bool) predicate {
	if len(p) == 0 {
		c.fail(path+".primaryKeyInSet", nil, "at least one primary key is required")
	}
	set := make(map[int]bool, len(p))
	for _, pk := range p {
		if pk <= 0 {
			c.fail(path+".primaryKeyInSet", pk, "primary key must be positive")
		}
		set[pk] = true
	}
	return func(_ *resolver, e *entity.Entity) bool {
		return set[e.PrimaryKey]
	}
}

func (s ScopeIn) compile(c *compiler, path string, top bool) predicate {
	field := path + ".scope"
	switch {
	case !top:
		c.fail(field, nil, "scope must be part of the top-level conjunction")
	case len(s) == 0:
		c.fail(field, nil, "at least one scope is required")
	case c.scopes != nil:
		c.fail(field, nil, "scope may be specified only once")
	default:
		c.scopes = append([]entity.Scope{}, s...)
	}
	return always
}

func (l LocaleEquals) compile(c *compiler, path string, _ bool) predicate {
	locale, err := entity.NormalizeLocale(l.Locale)
	if err != nil {
		c.fail(path+".entityLocaleEquals", l.Locale, "%v", err)
		return always
	}
	return func(_ *resolver, e *entity.Entity) bool {
		return e.HasLocale(locale)
	}
}

func (h HierarchyWithin) compile(c *compiler, path string, _ bool) predicate {
	field := path + ".hierarchyWithin"
	sch := c.schema
	if sch == nil || !sch.WithHierarchy {
		c.fail(field, c.collection(), "collection is not hierarchical")
		return always
	}
	if h.Parent != nil && *h.Parent <= 0 {
		c.fail(field+".parent", *h.Parent, "parent primary key must be positive")
		return always
	}
	typ := sch.Name
	if h.Parent == nil {
		return func(r *resolver, e *entity.Entity) bool {
			if h.DirectRelation {
				return e.Parent == nil
			}
			top := e
			if chain := hierarchy.ParentChain(e, hierarchy.Unbounded(), r.lookup(typ)); len(chain) > 0 {
				top = chain[0]
			}
			return top.Parent == nil
		}
	}
	root := *h.Parent
	return func(r *resolver, e *entity.Entity) bool {
		return hierarchy.IsWithin(e, root, h.DirectRelation, r.lookup(typ))
	}
}

func (p PriceInCurrency) compile(c *compiler, path string, top bool) predicate {
	field := path + ".priceInCurrency"
	if !c.priceConstraint(field, top) {
		return always
	}
	code, err := entity.NormalizeCurrency(p.Currency)
	if err != nil {
		c.fail(field, p.Currency, "%v", err)
		return always
	}
	if c.price.Currency != "" && c.price.Currency != code {
		c.fail(field, p.Currency, "conflicting currencies")
	}
	c.price.Currency = code
	return always
}

func (p PriceInPriceLists) compile(c *compiler, path string, top bool) predicate {
	field := path + ".priceInPriceLists"
	if !c.priceConstraint(field, top) {
		return always
	}
	if len(p.PriceLists) == 0 {
		c.fail(field, nil, "at least one price list is required")
		return always
	}
	if c.price.PriceLists != nil {
		c.fail(field, nil, "price lists may be specified only once")
	}
	c.price.PriceLists = append([]string{}, p.PriceLists...)
	return always
}

func (p PriceValidIn) compile(c *compiler, path string, top bool) predicate {
	field := path + ".priceValidIn"
	if !c.priceConstraint(field, top) {
		return always
	}
	if p.Moment.IsZero() {
		c.fail(field, nil, "moment is required")
		return always
	}
	c.price.ValidAt = p.Moment
	return always
}

func (p PriceBetween) compile(c *compiler, path string, top bool) predicate {
	field := path + ".priceBetween"
	if !c.priceConstraint(field, top) {
		return always
	}
	switch {
	case p.From == nil && p.To == nil:
		c.fail(field, nil, "at least one bound is required")
	case p.From != nil && p.To != nil && p.From.GreaterThan(*p.To):
		c.fail(field, nil, "range starts after it ends")
	default:
		between := p
		c.between = &between
	}
	return always
}

func (p PriceBetween) contains(amount decimal.Decimal) bool {
	if p.From != nil && amount.LessThan(*p.From) {
		return false
	}
	if p.To != nil && amount.GreaterThan(*p.To) {
		return false
	}
	return true
}
