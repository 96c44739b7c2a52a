// ABOUTME: Projection fields and their lazy resolution per entity
// ABOUTME: Only requested content is resolved; prices and parents are computed on demand

package query

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/nainya/entitystore/pkg/entity"
	"github.com/nainya/entitystore/pkg/hierarchy"
	"github.com/nainya/entitystore/pkg/price"
)

// Field is a projection directive
type Field interface {
	compileField(c *compiler, sch *entity.EntitySchema, path string) (compiledField, bool)
}

type compiledField struct {
	key     string
	resolve func(r *resolver, e *entity.Entity) interface{}
}

// Basic is a scalar entity field
type Basic string

const (
	PrimaryKey       Basic = "primaryKey"
	Type             Basic = "type"
	Version          Basic = "version"
	EntityScope      Basic = "scope"
	Locales          Basic = "locales"
	ParentPrimaryKey Basic = "parentPrimaryKey"
)

// Attributes fetches attribute values by name
type Attributes struct {
	Names []string
	// Locale overrides the query locale
	Locale string
}

// AssociatedData fetches associated data by name
type AssociatedData struct {
	Names  []string
	Locale string
}

// Prices fetches raw price records, optionally narrowed by lists and currency
type Prices struct {
	PriceLists []string
	Currency   string
}

// AccompanyingPrice names a secondary price; empty PriceLists use the query defaults
type AccompanyingPrice struct {
	Name       string
	PriceLists []string
}

// PriceForSale fetches the selected price. Currency and PriceLists override
// the price filter of the query; Formatted renders amounts as currency text.
type PriceForSale struct {
	Alias        string
	Currency     string
	PriceLists   []string
	Locale       string
	Formatted    bool
	Accompanying []AccompanyingPrice
}

// AllPricesForSale fetches every matching price in list priority order
type AllPricesForSale struct {
	Alias      string
	Currency   string
	PriceLists []string
	Locale     string
	Formatted  bool
}

// Parents fetches the parent chain root first
type Parents struct {
	StopAt hierarchy.StopCondition
	Fields []Field
}

// References fetches references of one name with optional attributes and target entity
type References struct {
	Name       string
	Attributes []string
	Entity     []Field
}

func (b Basic) compileField(c *compiler, sch *entity.EntitySchema, path string) (compiledField, bool) {
	key := string(b)
	var resolve func(r *resolver, e *entity.Entity) interface{}
	switch b {
	case PrimaryKey:
		resolve = func(_ *resolver, e *entity.Entity) interface{} { return e.PrimaryKey }
	case Type:
		resolve = func(_ *resolver, e *entity.Entity) interface{} { return e.Type }
	case Version:
		resolve = func(_ *resolver, e *entity.Entity) interface{} { return e.Version }
	case EntityScope:
		resolve = func(_ *resolver, e *entity.Entity) interface{} { return e.Scope.String() }
	case Locales:
		resolve = func(_ *resolver, e *entity.Entity) interface{} { return append([]string{}, e.Locales...) }
	case ParentPrimaryKey:
		if sch != nil && !sch.WithHierarchy {
			c.fail(path+"."+key, sch.Name, "collection is not hierarchical")
			return compiledField{}, false
		}
		resolve = func(_ *resolver, e *entity.Entity) interface{} {
			if e.Parent == nil {
				return nil
			}
			return e.Parent.PrimaryKey
		}
	default:
		c.fail(path, key, "unknown field")
		return compiledField{}, false
	}
	return compiledField{key: key, resolve: resolve}, true
}

func (a Attributes) compileField(c *compiler, sch *entity.EntitySchema, path string) (compiledField, bool) {
	field := path + ".attributes"
	if len(a.Names) == 0 {
		c.fail(field, nil, "at least one attribute is required")
		return compiledField{}, false
	}
	locale := c.fieldLocale(field, a.Locale)
	keys, ok := c.attributeKeys(field, a.Names, locale, schemaAttributes(sch))
	if !ok {
		return compiledField{}, false
	}
	return compiledField{key: "attributes", resolve: func(_ *resolver, e *entity.Entity) interface{} {
		return projectAttributes(e.Attributes, a.Names, keys)
	}}, true
}

func (a AssociatedData) compileField(c *compiler, _ *entity.EntitySchema, path string) (compiledField, bool) {
	field := path + ".associatedData"
	if len(a.Names) == 0 {
		c.fail(field, nil, "at least one name is required")
		return compiledField{}, false
	}
	locale := c.fieldLocale(field, a.Locale)
	return compiledField{key: "associatedData", resolve: func(_ *resolver, e *entity.Entity) interface{} {
		out := NewProjection()
		for _, name := range a.Names {
			data, ok := e.AssociatedData[entity.AttributeKey{Name: name, Locale: locale}]
			if !ok {
				data, ok = e.AssociatedData[entity.AttributeKey{Name: name}]
			}
			switch {
			case !ok:
				out.Set(name, nil)
			case json.Valid(data):
				out.Set(name, json.RawMessage(data))
			default:
				out.Set(name, string(data))
			}
		}
		return out
	}}, true
}

func (p Prices) compileField(c *compiler, sch *entity.EntitySchema, path string) (compiledField, bool) {
	field := path + ".prices"
	if !c.requirePrices(field, sch) {
		return compiledField{}, false
	}
	currency := ""
	if p.Currency != "" {
		code, err := entity.NormalizeCurrency(p.Currency)
		if err != nil {
			c.fail(field+".currency", p.Currency, "%v", err)
			return compiledField{}, false
		}
		currency = code
	}
	lists := make(map[string]bool, len(p.PriceLists))
	for _, l := range p.PriceLists {
		lists[l] = true
	}
	return compiledField{key: "prices", resolve: func(r *resolver, e *entity.Entity) interface{} {
		out := make([]*Projection, 0, len(e.Prices))
		for i := range e.Prices {
			pr := &e.Prices[i]
			if (currency != "" && pr.Currency != currency) || (len(lists) > 0 && !lists[pr.PriceList]) {
				continue
			}
			out = append(out, r.projectPrice(pr, "", false))
		}
		return out
	}}, true
}

func (p PriceForSale) compileField(c *compiler, sch *entity.EntitySchema, path string) (compiledField, bool) {
	key := aliasOr(p.Alias, "priceForSale")
	field := path + "." + key
	req, locale, ok := c.priceRequest(field, sch, p.Currency, p.PriceLists, p.Locale, p.Formatted)
	if !ok {
		return compiledField{}, false
	}

	specs := make([]price.AccompanyingSpec, 0, len(p.Accompanying))
	seen := make(map[string]bool)
	for i, acc := range p.Accompanying {
		accField := fmt.Sprintf("%s.accompanyingPrice[%d]", field, i)
		lists := acc.PriceLists
		if len(lists) == 0 {
			lists = c.defaultAccompanying
		}
		switch {
		case acc.Name == "":
			c.fail(accField, nil, "accompanying price name is required")
		case seen[acc.Name] || priceFieldNames[acc.Name]:
			c.fail(accField, acc.Name, "duplicate accompanying price name")
		case len(lists) == 0:
			c.fail(accField, acc.Name, "accompanying price requires price lists or query defaults")
		default:
			specs = append(specs, price.AccompanyingSpec{Name: acc.Name, PriceLists: lists})
		}
		seen[acc.Name] = true
	}

	return compiledField{key: key, resolve: func(r *resolver, e *entity.Entity) interface{} {
		resolved := r.priceRequest(req)
		if len(specs) == 0 {
			pr := price.ForSale(e, resolved)
			if pr == nil {
				return nil
			}
			return r.projectPrice(pr, locale, p.Formatted)
		}
		res := price.ForSaleWithAccompanying(e, resolved, specs)
		if res.PriceForSale == nil {
			return nil
		}
		out := r.projectPrice(res.PriceForSale, locale, p.Formatted)
		for _, acc := range res.Accompanying {
			if acc.Price == nil {
				out.Set(acc.Name, nil)
				continue
			}
			out.Set(acc.Name, r.projectPrice(acc.Price, locale, p.Formatted))
		}
		return out
	}}, true
}

func (p AllPricesForSale) compileField(c *compiler, sch *entity.EntitySchema, path string) (compiledField, bool) {
	key := aliasOr(p.Alias, "allPricesForSale")
	req, locale, ok := c.priceRequest(path+"."+key, sch, p.Currency, p.PriceLists, p.Locale, p.Formatted)
	if !ok {
		return compiledField{}, false
	}
	return compiledField{key: key, resolve: func(r *resolver, e *entity.Entity) interface{} {
		all := price.AllForSale(e, r.priceRequest(req))
		out := make([]*Projection, len(all))
		for i := range all {
			out[i] = r.projectPrice(&all[i], locale, p.Formatted)
		}
		return out
	}}, true
}

func (p Parents) compileField(c *compiler, sch *entity.EntitySchema, path string) (compiledField, bool) {
	field := path + ".parents"
	if sch == nil || !sch.WithHierarchy {
		c.fail(field, c.collection(), "collection is not hierarchical")
		return compiledField{}, false
	}
	if err := p.StopAt.Validate(); err != nil {
		c.errs.Merge(err)
		return compiledField{}, false
	}
	fields := c.compileFields(p.Fields, sch, field)
	stop, typ := p.StopAt, sch.Name
	return compiledField{key: "parents", resolve: func(r *resolver, e *entity.Entity) interface{} {
		chain := hierarchy.ParentChain(e, stop, r.lookup(typ))
		out := make([]*Projection, len(chain))
		for i, parent := range chain {
			out[i] = r.project(parent, fields)
		}
		return out
	}}, true
}

func (ref References) compileField(c *compiler, sch *entity.EntitySchema, path string) (compiledField, bool) {
	field := path + ".references." + ref.Name
	if sch == nil {
		c.fail(field, nil, "references require a collection")
		return compiledField{}, false
	}
	rs := sch.Reference(ref.Name)
	if rs == nil {
		c.fail(field, nil, "unknown reference of %s", sch.Name)
		return compiledField{}, false
	}
	var attrKeys []entity.AttributeKey
	if len(ref.Attributes) > 0 {
		var ok bool
		if attrKeys, ok = c.attributeKeys(field+".attributes", ref.Attributes, c.locale, rs.Attributes); !ok {
			return compiledField{}, false
		}
	}
	var target []compiledField
	if len(ref.Entity) > 0 {
		targetSchema, ok := c.store.Schema(rs.TargetType)
		if !ok {
			c.fail(field+".referencedEntity", rs.TargetType, "referenced collection is not managed by this store")
			return compiledField{}, false
		}
		target = c.compileFields(ref.Entity, targetSchema, field+".referencedEntity")
	}
	targetType := rs.TargetType
	return compiledField{key: ref.Name, resolve: func(r *resolver, e *entity.Entity) interface{} {
		refs := e.ReferencesNamed(ref.Name)
		out := make([]*Projection, 0, len(refs))
		for _, rf := range refs {
			p := NewProjection()
			p.Set("referencedPrimaryKey", rf.Target.PrimaryKey)
			if rf.Group != nil {
				p.Set("groupPrimaryKey", rf.Group.PrimaryKey)
			}
			if attrKeys != nil {
				p.Set("attributes", projectAttributes(rf.Attributes, ref.Attributes, attrKeys))
			}
			if target != nil {
				if te, ok := r.lookup(targetType)(entity.EntityRef{Type: targetType, PrimaryKey: rf.Target.PrimaryKey}); ok {
					p.Set("referencedEntity", r.project(te, target))
				} else {
					p.Set("referencedEntity", nil)
				}
			}
			out = append(out, p)
		}
		return out
	}}, true
}

func (c *compiler) compileFields(fields []Field, sch *entity.EntitySchema, path string) []compiledField {
	if len(fields) == 0 {
		return []compiledField{
			{key: string(PrimaryKey), resolve: func(_ *resolver, e *entity.Entity) interface{} { return e.PrimaryKey }},
			{key: string(Type), resolve: func(_ *resolver, e *entity.Entity) interface{} { return e.Type }},
		}
	}
	out := make([]compiledField, 0, len(fields))
	seen := make(map[string]bool, len(fields))
	for i, f := range fields {
		if f == nil {
			c.fail(fmt.Sprintf("%s[%d]", path, i), nil, "field is empty")
			continue
		}
		cf, ok := f.compileField(c, sch, path)
		if !ok {
			continue
		}
		if seen[cf.key] {
			c.fail(path+"."+cf.key, nil, "field requested twice")
			continue
		}
		seen[cf.key] = true
		out = append(out, cf)
	}
	return out
}

func (c *compiler) fieldLocale(field, override string) string {
	if override != "" {
		return c.normalizeLocale(field+".locale", override)
	}
	return c.locale
}

// attributeKeys maps names to storage keys; a nil schema accepts any name
func (c *compiler) attributeKeys(field string, names []string, locale string, defs map[string]*entity.AttributeSchema) ([]entity.AttributeKey, bool) {
	ok := true
	keys := make([]entity.AttributeKey, len(names))
	for i, name := range names {
		keys[i] = entity.AttributeKey{Name: name}
		if defs == nil {
			keys[i].Locale = locale
			continue
		}
		def := defs[name]
		switch {
		case def == nil:
			c.fail(field+"."+name, nil, "unknown attribute")
			ok = false
		case def.Localized && locale == "":
			c.fail(field+"."+name, nil, "locale is required for localized attribute")
			ok = false
		case def.Localized:
			keys[i].Locale = locale
		}
	}
	return keys, ok
}

func schemaAttributes(sch *entity.EntitySchema) map[string]*entity.AttributeSchema {
	if sch == nil {
		return nil
	}
	return sch.Attributes
}

func projectAttributes(values map[entity.AttributeKey]interface{}, names []string, keys []entity.AttributeKey) *Projection {
	out := NewProjection()
	for i, key := range keys {
		v, ok := values[key]
		if !ok && key.Locale != "" {
			v, ok = values[entity.AttributeKey{Name: key.Name}]
		}
		if !ok {
			v = nil
		}
		out.Set(names[i], v)
	}
	return out
}

func (c *compiler) requirePrices(field string, sch *entity.EntitySchema) bool {
	if sch != nil && !sch.WithPrice {
		c.fail(field, sch.Name, "collection does not hold prices")
		return false
	}
	return true
}

// priceRequest merges per-field price arguments over the query's price filter.
// A zero ValidAt in the result is filled in with the query time at resolution.
func (c *compiler) priceRequest(field string, sch *entity.EntitySchema, currency string, lists []string, locale string, formatted bool) (price.Request, string, bool) {
	if !c.requirePrices(field, sch) {
		return price.Request{}, "", false
	}
	req := c.price
	if currency != "" {
		req.Currency = currency
	}
	if len(lists) > 0 {
		req.PriceLists = lists
	}
	ok := true
	if err := req.Validate(field); err != nil {
		c.errs.Merge(err)
		ok = false
	}
	req.Currency, _ = entity.NormalizeCurrency(req.Currency)
	locale = c.fieldLocale(field, locale)
	if formatted && locale == "" {
		c.fail(field+".locale", nil, "locale is required for currency formatting")
		ok = false
	}
	return req, locale, ok
}

func aliasOr(alias, name string) string {
	if alias != "" {
		return alias
	}
	return name
}
