// ABOUTME: Price-for-sale selection over priority-ordered price lists
// ABOUTME: Supports accompanying prices and inner record handling strategies

package price

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nainya/entitystore/pkg/entity"
)

// Request selects candidate prices for one resolution
type Request struct {
	Currency   string
	PriceLists []string
	// ValidAt is the moment prices must be valid at; zero ignores validity
	ValidAt time.Time
}

// Validate checks the request arguments
func (r Request) Validate(field string) error {
	var errs entity.ValidationErrors
	if r.Currency == "" {
		errs.Add(entity.Invalid(field+".currency", nil, "currency is required"))
	} else if _, err := entity.NormalizeCurrency(r.Currency); err != nil {
		errs.Add(entity.Invalid(field+".currency", r.Currency, "%v", err))
	}
	if len(r.PriceLists) == 0 {
		errs.Add(entity.Invalid(field+".priceLists", nil, "at least one price list is required"))
	}
	return errs.Err()
}

func (r Request) matches(p *entity.Price, list string) bool {
	if !p.Indexed || p.PriceList != list || !strings.EqualFold(p.Currency, r.Currency) {
		return false
	}
	return r.ValidAt.IsZero() || p.Validity.Contains(r.ValidAt)
}

// AccompanyingSpec resolves a secondary price under Name using its own price lists
type AccompanyingSpec struct {
	Name       string
	PriceLists []string
}

// Accompanying is a resolved secondary price; Price is nil when none matches
type Accompanying struct {
	Name  string
	Price *entity.Price
}

// WithAccompanying is a price for sale together with its accompanying prices
type WithAccompanying struct {
	PriceForSale *entity.Price
	Accompanying []Accompanying
}

// Get returns the accompanying price under name
func (w WithAccompanying) Get(name string) (*entity.Price, bool) {
	for _, a := range w.Accompanying {
		if a.Name == name {
			return a.Price, true
		}
	}
	return nil, false
}

// ForSale returns the price for sale of e, or nil when none of the requested lists has one
func ForSale(e *entity.Entity, req Request) *entity.Price {
	switch e.PriceInnerRecordHandling {
	case entity.InnerRecordLowestPrice:
		_, p := lowestInnerRecord(e, req)
		return p
	case entity.InnerRecordSum:
		return sumInnerRecords(e, req)
	default:
		return firstMatch(e.Prices, req)
	}
}

// AllForSale returns every matching price across the requested lists, in list
// priority order then discovery order within a list
func AllForSale(e *entity.Entity, req Request) []entity.Price {
	var out []entity.Price
	for _, list := range req.PriceLists {
		for i := range e.Prices {
			if req.matches(&e.Prices[i], list) {
				out = append(out, e.Prices[i])
			}
		}
	}
	return out
}

// ForSaleWithAccompanying resolves the price for sale and then each accompanying
// spec independently with the same algorithm. Under lowest price handling the
// accompanying prices come from the inner record that won.
func ForSaleWithAccompanying(e *entity.Entity, req Request, specs []AccompanyingSpec) WithAccompanying {
	var out WithAccompanying
	prices := e.Prices
	if e.PriceInnerRecordHandling == entity.InnerRecordLowestPrice {
		var innerRecord int
		innerRecord, out.PriceForSale = lowestInnerRecord(e, req)
		if out.PriceForSale != nil {
			prices = withInnerRecord(e.Prices, innerRecord)
		}
	} else {
		out.PriceForSale = ForSale(e, req)
	}

	out.Accompanying = make([]Accompanying, 0, len(specs))
	for _, spec := range specs {
		sub := Request{Currency: req.Currency, PriceLists: spec.PriceLists, ValidAt: req.ValidAt}
		var p *entity.Price
		switch {
		case e.PriceInnerRecordHandling == entity.InnerRecordSum:
			p = sumInnerRecords(e, sub)
		case e.PriceInnerRecordHandling == entity.InnerRecordLowestPrice && out.PriceForSale == nil:
			_, p = lowestInnerRecord(e, sub)
		default:
			p = firstMatch(prices, sub)
		}
		out.Accompanying = append(out.Accompanying, Accompanying{Name: spec.Name, Price: p})
	}
	return out
}

func firstMatch(prices []entity.Price, req Request) *entity.Price {
	for _, list := range req.PriceLists {
		for i := range prices {
			if req.matches(&prices[i], list) {
				p := prices[i]
				return &p
			}
		}
	}
	return nil
}

// innerRecords returns inner record ids in discovery order
func innerRecords(prices []entity.Price) []int {
	seen := make(map[int]bool)
	var ids []int
	for i := range prices {
		id := prices[i].InnerRecord()
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

func withInnerRecord(prices []entity.Price, id int) []entity.Price {
	var out []entity.Price
	for i := range prices {
		if prices[i].InnerRecord() == id {
			out = append(out, prices[i])
		}
	}
	return out
}

func lowestInnerRecord(e *entity.Entity, req Request) (int, *entity.Price) {
	var best *entity.Price
	bestID := 0
	for _, id := range innerRecords(e.Prices) {
		p := firstMatch(withInnerRecord(e.Prices, id), req)
		if p != nil && (best == nil || p.PriceWithTax.LessThan(best.PriceWithTax)) {
			best, bestID = p, id
		}
	}
	return bestID, best
}

func sumInnerRecords(e *entity.Entity, req Request) *entity.Price {
	var sum *entity.Price
	for _, id := range innerRecords(e.Prices) {
		p := firstMatch(withInnerRecord(e.Prices, id), req)
		if p == nil {
			continue
		}
		if sum == nil {
			sum = &entity.Price{
				PriceList:       p.PriceList,
				Currency:        p.Currency,
				TaxRate:         p.TaxRate,
				PriceWithoutTax: decimal.Zero,
				PriceWithTax:    decimal.Zero,
				Indexed:         true,
			}
		}
		sum.PriceWithoutTax = sum.PriceWithoutTax.Add(p.PriceWithoutTax)
		sum.PriceWithTax = sum.PriceWithTax.Add(p.PriceWithTax)
	}
	return sum
}
