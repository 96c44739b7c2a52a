package query

import (
	"fmt"
	"math"

	"github.com/nainya/entitystore/pkg/entity"
	"github.com/nainya/entitystore/pkg/price"
	"github.com/nainya/entitystore/pkg/scope"
	"github.com/nainya/entitystore/pkg/store"
)

// compiler validates a request and builds its executable plan. Every problem
// is collected so a request failing several checks reports all of them.
type compiler struct {
	store  *store.Store
	schema *entity.EntitySchema
	locale string
	errs   entity.ValidationErrors

	scopes  []entity.Scope
	price   price.Request
	priced  bool
	between *PriceBetween

	defaultAccompanying []string
}

func (c *compiler) fail(field string, value interface{}, format string, args ...interface{}) {
	c.errs.Add(entity.Invalid(field, value, format, args...))
}

func (c *compiler) collection() string {
	if c.schema == nil {
		return ""
	}
	return c.schema.Name
}

func (c *compiler) constraint(con Constraint, path string, top bool) predicate {
	if con == nil {
		c.fail(path, nil, "constraint is empty")
		return always
	}
	return con.compile(c, path, top)
}

// filterAttribute resolves the storage key of an attribute used in a filter
func (c *compiler) filterAttribute(name, field string) (entity.AttributeKey, *entity.AttributeSchema, bool) {
	if c.schema == nil {
		c.fail(field, name, "attribute filters require a collection")
		return entity.AttributeKey{}, nil, false
	}
	def := c.schema.Attribute(name)
	if def == nil {
		c.fail(field+"."+name, nil, "unknown attribute of %s", c.schema.Name)
		return entity.AttributeKey{}, nil, false
	}
	key := entity.AttributeKey{Name: name}
	if def.Localized {
		if c.locale == "" {
			c.fail(field+"."+name, nil, "locale is required for localized attribute")
			return entity.AttributeKey{}, nil, false
		}
		key.Locale = c.locale
	}
	return key, def, true
}

func (c *compiler) coerceFilterValue(def *entity.AttributeSchema, raw interface{}, field string) (interface{}, bool) {
	t := def.Type
	if _, single := raw.(string); single && t == entity.TypeStrings {
		t = entity.TypeString
	}
	v, err := entity.Coerce(t, raw)
	if err != nil {
		c.fail(field, raw, "%v", err)
		return nil, false
	}
	return v, true
}

func (c *compiler) priceConstraint(field string, top bool) bool {
	if !top {
		c.fail(field, nil, "price constraints must be part of the top-level conjunction")
		return false
	}
	if c.schema == nil || !c.schema.WithPrice {
		c.fail(field, c.collection(), "collection does not hold prices")
		return false
	}
	c.priced = true
	return true
}

func (c *compiler) normalizeLocale(field, locale string) string {
	if locale == "" {
		return ""
	}
	norm, err := entity.NormalizeLocale(locale)
	if err != nil {
		c.fail(field, locale, "%v", err)
		return ""
	}
	return norm
}

// plan is a validated, executable request
type plan struct {
	spec    *Specification
	schema  *entity.EntitySchema
	locale  string
	scopes  scope.Set
	filter  predicate
	price   price.Request
	priced  bool
	between *PriceBetween
	lookup  []compiledTerm
	join    Join
	order   []compiledOrder
	fields  []compiledField
	offset  int
	limit   int
}

type compiledTerm struct {
	attribute string
	locale    string
	values    []interface{}
}

type compiledOrder struct {
	key        entity.AttributeKey
	descending bool
}

func (e *Engine) compile(spec *Specification) (*plan, error) {
	if spec == nil {
		return nil, entity.Invalid("query", nil, "query is empty")
	}
	c := &compiler{store: e.store, defaultAccompanying: spec.Require.DefaultAccompanyingPriceLists}
	c.locale = c.normalizeLocale("locale", spec.Locale)

	if spec.Collection != "" {
		sch, ok := e.store.Schema(spec.Collection)
		if !ok {
			return nil, entity.Invalid("collection", spec.Collection, "unknown collection")
		}
		c.schema = sch
	} else if spec.Lookup == nil {
		c.fail("collection", nil, "a collection is required unless looking up globally unique attributes")
	}

	p := &plan{spec: spec, schema: c.schema, locale: c.locale}
	if spec.Filter != nil {
		if spec.Collection == "" {
			c.fail("filterBy", nil, "filters require a collection")
		} else {
			p.filter = c.constraint(spec.Filter, "filterBy", true)
		}
	}
	if c.priced {
		if err := c.price.Validate("filterBy.price"); err != nil {
			c.errs.Merge(err)
		}
	} else if c.between != nil {
		c.fail("filterBy.priceBetween", nil, "price range requires a currency and price lists")
	}
	if spec.Lookup != nil {
		p.lookup = c.compileLookup(spec.Lookup)
		p.join = spec.Lookup.Join
	}
	p.order = c.compileOrder(spec.OrderBy)
	p.offset, p.limit = c.compilePaging(spec.Require, e.pageSize)
	p.fields = c.compileFields(spec.Require.Fetch, c.schema, "require.fetch")

	if err := c.errs.Err(); err != nil {
		return nil, err
	}
	p.scopes = scope.ApplicableScopes(c.scopes)
	p.price, p.priced, p.between = c.price, c.priced, c.between
	return p, nil
}

func (c *compiler) compileLookup(l *UniqueLookup) []compiledTerm {
	if len(l.Terms) == 0 {
		c.fail("lookup", nil, "at least one unique attribute is required")
		return nil
	}
	if l.Join != JoinAnd && l.Join != JoinOr {
		c.fail("lookup.join", int(l.Join), "join must be AND or OR")
	}
	terms := make([]compiledTerm, 0, len(l.Terms))
	for i, term := range l.Terms {
		field := fmt.Sprintf("lookup[%d].%s", i, term.Attribute)
		def := c.uniqueAttribute(term.Attribute, field)
		if def == nil {
			continue
		}
		if len(term.Values) == 0 {
			c.fail(field, nil, "at least one value is required")
			continue
		}
		ct := compiledTerm{attribute: term.Attribute}
		if def.Localized {
			if c.locale == "" {
				c.fail(field, nil, "locale is required for localized unique attribute")
				continue
			}
			ct.locale = c.locale
		}
		for _, raw := range term.Values {
			v, err := entity.Coerce(def.Type, raw)
			if err != nil {
				c.fail(field, raw, "%v", err)
				continue
			}
			ct.values = append(ct.values, v)
		}
		terms = append(terms, ct)
	}
	return terms
}

// uniqueAttribute finds the declaration used by a lookup; without a collection
// the attribute must be globally unique in some collection
func (c *compiler) uniqueAttribute(name, field string) *entity.AttributeSchema {
	if c.schema != nil {
		def := c.schema.Attribute(name)
		switch {
		case def == nil:
			c.fail(field, nil, "unknown attribute of %s", c.schema.Name)
			return nil
		case !def.IsUnique():
			c.fail(field, nil, "attribute is not unique")
			return nil
		}
		return def
	}
	for _, coll := range c.store.Collections() {
		sch, _ := c.store.Schema(coll)
		if def := sch.Attribute(name); def != nil && def.GloballyUnique {
			return def
		}
	}
	c.fail(field, nil, "attribute is not globally unique in any collection")
	return nil
}

func (c *compiler) compileOrder(order []OrderBy) []compiledOrder {
	out := make([]compiledOrder, 0, len(order))
	for i, o := range order {
		field := fmt.Sprintf("orderBy[%d].%s", i, o.Attribute)
		if c.schema == nil {
			c.fail(field, nil, "ordering requires a collection")
			continue
		}
		def := c.schema.Attribute(o.Attribute)
		if def == nil {
			c.fail(field, nil, "unknown attribute of %s", c.schema.Name)
			continue
		}
		if def.Type == entity.TypeStrings {
			c.fail(field, nil, "list attributes cannot be sorted")
			continue
		}
		key := entity.AttributeKey{Name: o.Attribute}
		if def.Localized {
			if c.locale == "" {
				c.fail(field, nil, "locale is required for localized attribute")
				continue
			}
			key.Locale = c.locale
		}
		out = append(out, compiledOrder{key: key, descending: o.Descending})
	}
	return out
}

func (c *compiler) compilePaging(req Require, defaultSize int) (offset, limit int) {
	switch {
	case req.Page != nil && req.Strip != nil:
		c.fail("require", nil, "page and strip cannot be combined")
	case req.Page != nil:
		if req.Page.Number < 1 {
			c.fail("require.page.number", req.Page.Number, "page number must be at least 1")
		}
		if req.Page.Size < 1 {
			c.fail("require.page.size", req.Page.Size, "page size must be at least 1")
		}
		if req.Page.Number < 1 || req.Page.Size < 1 {
			return 0, 0
		}
		if req.Page.Number-1 > math.MaxInt/req.Page.Size {
			c.fail("require.page", req.Page.Number, "page %d of size %d is out of range", req.Page.Number, req.Page.Size)
			return 0, 0
		}
		return (req.Page.Number - 1) * req.Page.Size, req.Page.Size
	case req.Strip != nil:
		if req.Strip.Offset < 0 {
			c.fail("require.strip.offset", req.Strip.Offset, "offset must not be negative")
		}
		if req.Strip.Limit < 1 {
			c.fail("require.strip.limit", req.Strip.Limit, "limit must be at least 1")
		}
		return req.Strip.Offset, req.Strip.Limit
	}
	return 0, defaultSize
}
