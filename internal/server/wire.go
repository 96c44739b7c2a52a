// JSON wire format of the EntityStore service
package server

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/gqlparser/v2/gqlerror"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/nainya/entitystore/pkg/coordinator"
	"github.com/nainya/entitystore/pkg/entity"
	"github.com/nainya/entitystore/pkg/hierarchy"
	"github.com/nainya/entitystore/pkg/query"
)

// malformedError marks a payload that is not valid JSON for its envelope
type malformedError struct {
	err error
}

func (e *malformedError) Error() string { return "malformed request: " + e.err.Error() }

func (e *malformedError) Unwrap() error { return e.err }

type queryBatch struct {
	Queries []json.RawMessage `json:"queries"`
}

type specDTO struct {
	Collection string          `json:"collection"`
	Locale     string          `json:"locale"`
	Lookup     *lookupDTO      `json:"lookup"`
	FilterBy   json.RawMessage `json:"filterBy"`
	OrderBy    []orderDTO      `json:"orderBy"`
	Require    requireDTO      `json:"require"`
}

type lookupDTO struct {
	Join  string    `json:"join"`
	Terms []termDTO `json:"terms"`
}

type termDTO struct {
	Attribute string        `json:"attribute"`
	Values    []interface{} `json:"values"`
}

type orderDTO struct {
	Attribute  string `json:"attribute"`
	Descending bool   `json:"descending"`
}

type requireDTO struct {
	Page                          *pageDTO          `json:"page"`
	Strip                         *stripDTO         `json:"strip"`
	TotalCount                    bool              `json:"totalCount"`
	DefaultAccompanyingPriceLists []string          `json:"defaultAccompanyingPriceLists"`
	Fetch                         []json.RawMessage `json:"fetch"`
}

type pageDTO struct {
	Number int `json:"number"`
	Size   int `json:"size"`
}

type stripDTO struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

type mutateDTO struct {
	Collection string            `json:"collection"`
	PrimaryKey *int              `json:"primaryKey"`
	Existence  string            `json:"entityExistence"`
	Action     string            `json:"action"`
	Locale     string            `json:"locale"`
	Mutations  []json.RawMessage `json:"mutations"`
	Fetch      []json.RawMessage `json:"fetch"`
}

// decoder turns wire payloads into engine requests, collecting every problem
type decoder struct {
	errs entity.ValidationErrors
}

func (d *decoder) fail(field string, value interface{}, format string, args ...interface{}) {
	d.errs.Add(entity.Invalid(field, value, format, args...))
}

// into decodes a nested payload; a type mismatch is reported in-band
func into[T any](d *decoder, raw json.RawMessage, path string) (T, bool) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		d.fail(path, nil, "invalid value: %v", err)
		return v, false
	}
	return v, true
}

func decodeBatch(body []byte) ([]json.RawMessage, error) {
	var batch queryBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, &malformedError{err: err}
	}
	return batch.Queries, nil
}

// decodeSpec returns a malformedError for broken envelopes and a
// ValidationErrors list for unknown constraint or field shapes
func decodeSpec(raw []byte) (*query.Specification, error) {
	var dto specDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return nil, &malformedError{err: err}
	}
	d := &decoder{}
	spec := &query.Specification{
		Collection: dto.Collection,
		Locale:     dto.Locale,
		Require: query.Require{
			TotalCount:                    dto.Require.TotalCount,
			DefaultAccompanyingPriceLists: dto.Require.DefaultAccompanyingPriceLists,
		},
	}
	if dto.Lookup != nil {
		join, err := query.ParseJoin(dto.Lookup.Join)
		if err != nil {
			d.errs.Merge(err)
		}
		lookup := &query.UniqueLookup{Join: join}
		for _, t := range dto.Lookup.Terms {
			lookup.Terms = append(lookup.Terms, query.LookupTerm{Attribute: t.Attribute, Values: t.Values})
		}
		spec.Lookup = lookup
	}
	if len(dto.FilterBy) > 0 && string(dto.FilterBy) != "null" {
		spec.Filter = d.constraint(dto.FilterBy, "filterBy")
	}
	for _, o := range dto.OrderBy {
		spec.OrderBy = append(spec.OrderBy, query.OrderBy{Attribute: o.Attribute, Descending: o.Descending})
	}
	if p := dto.Require.Page; p != nil {
		spec.Require.Page = &query.Page{Number: p.Number, Size: p.Size}
	}
	if s := dto.Require.Strip; s != nil {
		spec.Require.Strip = &query.Strip{Offset: s.Offset, Limit: s.Limit}
	}
	spec.Require.Fetch = d.fields(dto.Require.Fetch, "require.fetch")
	if err := d.errs.Err(); err != nil {
		return nil, err
	}
	return spec, nil
}

func decodeMutation(raw []byte) (*query.MutateRequest, error) {
	var dto mutateDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return nil, &malformedError{err: err}
	}
	d := &decoder{}
	req := &query.MutateRequest{
		Collection: dto.Collection,
		PrimaryKey: dto.PrimaryKey,
		Locale:     dto.Locale,
	}
	existence, err := entity.ParseExistence(dto.Existence)
	if err != nil {
		d.errs.Merge(err)
	}
	req.Existence = existence
	switch strings.ToLower(dto.Action) {
	case "", "upsert":
		req.Action = query.ActionUpsert
	case "archive":
		req.Action = query.ActionArchive
	case "restore":
		req.Action = query.ActionRestore
	default:
		d.fail("action", dto.Action, "unknown action")
	}
	for i, m := range dto.Mutations {
		if mut := d.mutation(m, fmt.Sprintf("mutations[%d]", i)); mut != nil {
			req.Mutations = append(req.Mutations, mut)
		}
	}
	req.Fetch = d.fields(dto.Fetch, "fetch")
	if err := d.errs.Err(); err != nil {
		return nil, err
	}
	return req, nil
}

// single splits a one-key object into its key and payload
func (d *decoder) single(raw json.RawMessage, path, what string) (string, json.RawMessage, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		d.fail(path, nil, "%s must be an object", what)
		return "", nil, false
	}
	if len(obj) != 1 {
		d.fail(path, len(obj), "%s must have exactly one key", what)
		return "", nil, false
	}
	for k, v := range obj {
		return k, v, true
	}
	return "", nil, false
}

var constraintKeys = []string{
	"scope", "and", "or", "not",
	"attributeEquals", "attributeInRange", "attributeInSet", "primaryKeyInSet",
	"entityLocaleEquals", "hierarchyWithin",
	"priceInCurrency", "priceInPriceLists", "priceValidIn", "priceBetween",
}

var knownConstraints = func() map[string]bool {
	m := make(map[string]bool, len(constraintKeys))
	for _, k := range constraintKeys {
		m[k] = true
	}
	return m
}()

// constraint decodes a filter object; several keys in one object are combined with AND
func (d *decoder) constraint(raw json.RawMessage, path string) query.Constraint {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		d.fail(path, nil, "filter must be an object")
		return nil
	}
	var unknown []string
	for k := range obj {
		if !knownConstraints[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		d.fail(path+"."+k, nil, "unknown constraint")
	}

	var parts query.And
	for _, key := range constraintKeys {
		payload, ok := obj[key]
		if !ok {
			continue
		}
		if c := d.constraintOf(key, payload, path+"."+key); c != nil {
			parts = append(parts, c)
		}
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return parts
}

func (d *decoder) constraintList(raw json.RawMessage, path string) []query.Constraint {
	items, ok := into[[]json.RawMessage](d, raw, path)
	if !ok {
		return nil
	}
	out := make([]query.Constraint, 0, len(items))
	for i, item := range items {
		if c := d.constraint(item, fmt.Sprintf("%s[%d]", path, i)); c != nil {
			out = append(out, c)
		}
	}
	return out
}

func (d *decoder) constraintOf(key string, raw json.RawMessage, path string) query.Constraint {
	switch key {
	case "and":
		return query.And(d.constraintList(raw, path))
	case "or":
		return query.Or(d.constraintList(raw, path))
	case "not":
		if c := d.constraint(raw, path); c != nil {
			return query.Not{Constraint: c}
		}
	case "attributeEquals":
		if v, ok := into[struct {
			Name  string      `json:"name"`
			Value interface{} `json:"value"`
		}](d, raw, path); ok {
			return query.AttributeEquals{Name: v.Name, Value: v.Value}
		}
	case "attributeInRange":
		if v, ok := into[struct {
			Name string      `json:"name"`
			From interface{} `json:"from"`
			To   interface{} `json:"to"`
		}](d, raw, path); ok {
			return query.AttributeInRange{Name: v.Name, From: v.From, To: v.To}
		}
	case "attributeInSet":
		if v, ok := into[struct {
			Name   string        `json:"name"`
			Values []interface{} `json:"values"`
		}](d, raw, path); ok {
			return query.AttributeInSet{Name: v.Name, Values: v.Values}
		}
	case "primaryKeyInSet":
		if v, ok := into[[]int](d, raw, path); ok {
			return query.PrimaryKeyInSet(v)
		}
	case "scope":
		names, ok := into[[]string](d, raw, path)
		if !ok {
			return nil
		}
		scopes := make(query.ScopeIn, 0, len(names))
		for _, n := range names {
			s, err := entity.ParseScope(n)
			if err != nil {
				d.fail(path, n, "unknown scope")
				continue
			}
			scopes = append(scopes, s)
		}
		return scopes
	case "entityLocaleEquals":
		if v, ok := into[string](d, raw, path); ok {
			return query.LocaleEquals{Locale: v}
		}
	case "hierarchyWithin":
		if v, ok := into[struct {
			Parent         *int `json:"parent"`
			DirectRelation bool `json:"directRelation"`
		}](d, raw, path); ok {
			return query.HierarchyWithin{Parent: v.Parent, DirectRelation: v.DirectRelation}
		}
	case "priceInCurrency":
		if v, ok := into[string](d, raw, path); ok {
			return query.PriceInCurrency{Currency: v}
		}
	case "priceInPriceLists":
		if v, ok := into[[]string](d, raw, path); ok {
			return query.PriceInPriceLists{PriceLists: v}
		}
	case "priceValidIn":
		if v, ok := into[time.Time](d, raw, path); ok {
			return query.PriceValidIn{Moment: v}
		}
	case "priceBetween":
		if v, ok := into[struct {
			From *decimal.Decimal `json:"from"`
			To   *decimal.Decimal `json:"to"`
		}](d, raw, path); ok {
			return query.PriceBetween{From: v.From, To: v.To}
		}
	}
	return nil
}

type accompanyingDTO struct {
	Name       string   `json:"name"`
	PriceLists []string `json:"priceLists"`
}

type priceFieldDTO struct {
	Alias        string            `json:"alias"`
	Currency     string            `json:"currency"`
	PriceLists   []string          `json:"priceLists"`
	Locale       string            `json:"locale"`
	Formatted    bool              `json:"formatted"`
	Accompanying []accompanyingDTO `json:"accompanying"`
}

// fields decodes fetch directives: a bare string names a scalar field,
// an object with one key names a structured one
func (d *decoder) fields(raws []json.RawMessage, path string) []query.Field {
	out := make([]query.Field, 0, len(raws))
	for i, raw := range raws {
		if f := d.field(raw, fmt.Sprintf("%s[%d]", path, i)); f != nil {
			out = append(out, f)
		}
	}
	return out
}

func (d *decoder) field(raw json.RawMessage, path string) query.Field {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return query.Basic(name)
	}
	key, payload, ok := d.single(raw, path, "field")
	if !ok {
		return nil
	}
	path += "." + key
	switch key {
	case "attributes", "associatedData":
		v, ok := into[struct {
			Names  []string `json:"names"`
			Locale string   `json:"locale"`
		}](d, payload, path)
		if !ok {
			return nil
		}
		if key == "attributes" {
			return query.Attributes{Names: v.Names, Locale: v.Locale}
		}
		return query.AssociatedData{Names: v.Names, Locale: v.Locale}
	case "prices":
		if v, ok := into[struct {
			PriceLists []string `json:"priceLists"`
			Currency   string   `json:"currency"`
		}](d, payload, path); ok {
			return query.Prices{PriceLists: v.PriceLists, Currency: v.Currency}
		}
	case "priceForSale":
		if v, ok := into[priceFieldDTO](d, payload, path); ok {
			f := query.PriceForSale{
				Alias: v.Alias, Currency: v.Currency, PriceLists: v.PriceLists,
				Locale: v.Locale, Formatted: v.Formatted,
			}
			for _, a := range v.Accompanying {
				f.Accompanying = append(f.Accompanying, query.AccompanyingPrice{Name: a.Name, PriceLists: a.PriceLists})
			}
			return f
		}
	case "allPricesForSale":
		if v, ok := into[priceFieldDTO](d, payload, path); ok {
			if len(v.Accompanying) > 0 {
				d.fail(path+".accompanying", nil, "accompanying prices are not supported here")
			}
			return query.AllPricesForSale{
				Alias: v.Alias, Currency: v.Currency, PriceLists: v.PriceLists,
				Locale: v.Locale, Formatted: v.Formatted,
			}
		}
	case "parents":
		v, ok := into[struct {
			StopAt *struct {
				Distance int `json:"distance"`
			} `json:"stopAt"`
			Fields []json.RawMessage `json:"fields"`
		}](d, payload, path)
		if !ok {
			return nil
		}
		stop := hierarchy.Unbounded()
		if v.StopAt != nil {
			stop = hierarchy.MaxDistance(v.StopAt.Distance)
		}
		return query.Parents{StopAt: stop, Fields: d.fields(v.Fields, path+".fields")}
	case "references":
		v, ok := into[struct {
			Name       string            `json:"name"`
			Attributes []string          `json:"attributes"`
			Entity     []json.RawMessage `json:"entity"`
		}](d, payload, path)
		if !ok {
			return nil
		}
		return query.References{Name: v.Name, Attributes: v.Attributes, Entity: d.fields(v.Entity, path+".entity")}
	default:
		d.fail(path, nil, "unknown field")
	}
	return nil
}

type attributeDTO struct {
	Name   string      `json:"name"`
	Locale string      `json:"locale"`
	Value  interface{} `json:"value"`
}

type referenceDTO struct {
	Name            string       `json:"name"`
	PrimaryKey      int          `json:"primaryKey"`
	GroupPrimaryKey int          `json:"groupPrimaryKey"`
	Attribute       attributeDTO `json:"attribute"`
	AttributeName   string       `json:"attributeName"`
	Locale          string       `json:"locale"`
}

type priceDTO struct {
	PriceID         int             `json:"priceId"`
	PriceList       string          `json:"priceList"`
	Currency        string          `json:"currency"`
	InnerRecordID   *int            `json:"innerRecordId"`
	PriceWithoutTax decimal.Decimal `json:"priceWithoutTax"`
	TaxRate         decimal.Decimal `json:"taxRate"`
	PriceWithTax    decimal.Decimal `json:"priceWithTax"`
	Validity        *struct {
		From *time.Time `json:"from"`
		To   *time.Time `json:"to"`
	} `json:"validity"`
	Indexed *bool `json:"indexed"`
}

func (p priceDTO) price() entity.Price {
	out := entity.Price{
		PriceID:         p.PriceID,
		PriceList:       p.PriceList,
		Currency:        p.Currency,
		InnerRecordID:   p.InnerRecordID,
		PriceWithoutTax: p.PriceWithoutTax,
		TaxRate:         p.TaxRate,
		PriceWithTax:    p.PriceWithTax,
		Indexed:         p.Indexed == nil || *p.Indexed,
	}
	if p.Validity != nil {
		out.Validity = &entity.Validity{From: p.Validity.From, To: p.Validity.To}
	}
	return out
}

func (d *decoder) mutation(raw json.RawMessage, path string) entity.Mutation {
	key, payload, ok := d.single(raw, path, "mutation")
	if !ok {
		return nil
	}
	path += "." + key
	switch key {
	case "upsertAttribute":
		if v, ok := into[attributeDTO](d, payload, path); ok {
			return &entity.UpsertAttribute{Name: v.Name, Locale: v.Locale, Value: v.Value}
		}
	case "removeAttribute":
		if v, ok := into[attributeDTO](d, payload, path); ok {
			return &entity.RemoveAttribute{Name: v.Name, Locale: v.Locale}
		}
	case "applyDeltaAttribute":
		if v, ok := into[struct {
			Name   string          `json:"name"`
			Locale string          `json:"locale"`
			Delta  decimal.Decimal `json:"delta"`
		}](d, payload, path); ok {
			return &entity.ApplyDeltaAttribute{Name: v.Name, Locale: v.Locale, Delta: v.Delta}
		}
	case "upsertAssociatedData":
		if v, ok := into[struct {
			Name   string          `json:"name"`
			Locale string          `json:"locale"`
			Value  json.RawMessage `json:"value"`
		}](d, payload, path); ok {
			return &entity.UpsertAssociatedData{Name: v.Name, Locale: v.Locale, Value: []byte(v.Value)}
		}
	case "removeAssociatedData":
		if v, ok := into[attributeDTO](d, payload, path); ok {
			return &entity.RemoveAssociatedData{Name: v.Name, Locale: v.Locale}
		}
	case "setParent":
		if v, ok := into[referenceDTO](d, payload, path); ok {
			return &entity.SetParent{PrimaryKey: v.PrimaryKey}
		}
	case "removeParent":
		return &entity.RemoveParent{}
	case "upsertPrice":
		if v, ok := into[priceDTO](d, payload, path); ok {
			return &entity.UpsertPrice{Price: v.price()}
		}
	case "removePrice":
		if v, ok := into[priceDTO](d, payload, path); ok {
			return &entity.RemovePrice{PriceID: v.PriceID, PriceList: v.PriceList, Currency: v.Currency}
		}
	case "setPriceInnerRecordHandling":
		v, ok := into[string](d, payload, path)
		if !ok {
			return nil
		}
		h, err := entity.ParsePriceInnerRecordHandling(v)
		if err != nil {
			d.errs.Merge(err)
			return nil
		}
		return &entity.SetPriceInnerRecordHandling{Handling: h}
	case "insertReference", "removeReference", "upsertReferenceAttribute",
		"removeReferenceAttribute", "setReferenceGroup", "removeReferenceGroup":
		v, ok := into[referenceDTO](d, payload, path)
		if !ok {
			return nil
		}
		return referenceMutation(key, v)
	default:
		d.fail(path, nil, "unknown mutation")
	}
	return nil
}

func referenceMutation(key string, v referenceDTO) entity.Mutation {
	switch key {
	case "insertReference":
		return &entity.InsertReference{Name: v.Name, PrimaryKey: v.PrimaryKey}
	case "removeReference":
		return &entity.RemoveReference{Name: v.Name, PrimaryKey: v.PrimaryKey}
	case "upsertReferenceAttribute":
		return &entity.UpsertReferenceAttribute{Name: v.Name, PrimaryKey: v.PrimaryKey, Attribute: entity.UpsertAttribute{
			Name: v.Attribute.Name, Locale: v.Attribute.Locale, Value: v.Attribute.Value,
		}}
	case "removeReferenceAttribute":
		return &entity.RemoveReferenceAttribute{Name: v.Name, PrimaryKey: v.PrimaryKey, AttributeName: v.AttributeName, Locale: v.Locale}
	case "setReferenceGroup":
		return &entity.SetReferenceGroup{Name: v.Name, PrimaryKey: v.PrimaryKey, GroupPrimaryKey: v.GroupPrimaryKey}
	default:
		return &entity.RemoveReferenceGroup{Name: v.Name, PrimaryKey: v.PrimaryKey}
	}
}

type resultDTO struct {
	Data       []*query.Projection `json:"data"`
	TotalCount *int                `json:"totalCount,omitempty"`
	Errors     gqlerror.List       `json:"errors,omitempty"`
	Extensions extensionsDTO       `json:"extensions"`
}

type extensionsDTO struct {
	RequestID string           `json:"requestId,omitempty"`
	State     string           `json:"state"`
	Telemetry *query.Telemetry `json:"telemetry,omitempty"`
}

type batchResultDTO struct {
	Results []resultDTO `json:"results"`
}

func encodeResponse(resp *query.Response) resultDTO {
	return resultDTO{
		Data:       resp.Data,
		TotalCount: resp.TotalCount,
		Errors:     resp.Errors,
		Extensions: extensionsDTO{
			RequestID: resp.RequestID,
			State:     resp.State.String(),
			Telemetry: &resp.Telemetry,
		},
	}
}

func encodeResult(r coordinator.Result) resultDTO {
	if r.Err != nil {
		return resultDTO{
			Errors:     query.ErrorList(r.Err),
			Extensions: extensionsDTO{RequestID: r.RequestID, State: "ABANDONED"},
		}
	}
	return encodeResponse(r.Response)
}
