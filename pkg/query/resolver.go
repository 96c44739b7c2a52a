package query

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nainya/entitystore/pkg/entity"
	"github.com/nainya/entitystore/pkg/hierarchy"
	"github.com/nainya/entitystore/pkg/price"
	"github.com/nainya/entitystore/pkg/scope"
	"github.com/nainya/entitystore/pkg/store"
)

var priceFieldNames = map[string]bool{
	"priceId": true, "priceList": true, "currency": true, "innerRecordId": true,
	"priceWithoutTax": true, "taxRate": true, "priceWithTax": true, "validity": true,
}

// resolver evaluates predicates and fields for one request. Every collection
// it touches is read through a single snapshot taken on first use.
type resolver struct {
	engine *Engine
	scopes scope.Set
	now    time.Time
	views  map[string]*store.View
	errs   []error
}

func (e *Engine) newResolver(scopes scope.Set, now time.Time) *resolver {
	return &resolver{engine: e, scopes: scopes, now: now, views: make(map[string]*store.View)}
}

// use pins an already taken view
func (r *resolver) use(v *store.View) {
	r.views[v.Type()] = v
}

func (r *resolver) view(typ string) *store.View {
	if v, ok := r.views[typ]; ok {
		return v
	}
	v, err := r.engine.store.View(typ)
	if err != nil {
		v = nil
	}
	r.views[typ] = v
	return v
}

func (r *resolver) lookup(typ string) hierarchy.LookupFunc {
	return func(ref entity.EntityRef) (*entity.Entity, bool) {
		if ref.Type != "" && ref.Type != typ {
			return nil, false
		}
		v := r.view(typ)
		if v == nil {
			return nil, false
		}
		return v.Lookup(entity.EntityRef{Type: typ, PrimaryKey: ref.PrimaryKey}, r.scopes)
	}
}

func (r *resolver) priceRequest(req price.Request) price.Request {
	if req.ValidAt.IsZero() {
		req.ValidAt = r.now
	}
	return req
}

func (r *resolver) project(e *entity.Entity, fields []compiledField) *Projection {
	p := NewProjection()
	for _, f := range fields {
		p.Set(f.key, f.resolve(r, e))
	}
	return p
}

func (r *resolver) projectPrice(pr *entity.Price, locale string, formatted bool) *Projection {
	p := NewProjection()
	p.Set("priceId", pr.PriceID)
	p.Set("priceList", pr.PriceList)
	p.Set("currency", pr.Currency)
	if pr.InnerRecordID != nil {
		p.Set("innerRecordId", *pr.InnerRecordID)
	}
	p.Set("priceWithoutTax", r.amount(pr.PriceWithoutTax, pr.Currency, locale, formatted))
	p.Set("taxRate", pr.TaxRate)
	p.Set("priceWithTax", r.amount(pr.PriceWithTax, pr.Currency, locale, formatted))
	if pr.Validity != nil {
		v := NewProjection()
		v.Set("from", pr.Validity.From)
		v.Set("to", pr.Validity.To)
		p.Set("validity", v)
	}
	return p
}

func (r *resolver) amount(d decimal.Decimal, currency, locale string, formatted bool) interface{} {
	if !formatted {
		return d
	}
	text, err := r.engine.formatter.Format(d, currency, locale)
	if err != nil {
		r.errs = append(r.errs, &entity.InternalError{Op: "format price", Err: err})
		return nil
	}
	return text
}
