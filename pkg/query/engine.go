// ABOUTME: Query engine executing specifications against the entity store
// ABOUTME: Drives each request through parse, validation, execution and completion

package query

import (
	"context"
	"sort"
	"time"

	"github.com/nainya/entitystore/pkg/entity"
	"github.com/nainya/entitystore/pkg/price"
	"github.com/nainya/entitystore/pkg/scope"
	"github.com/nainya/entitystore/pkg/store"
)

// DefaultPageSize applies when a request selects neither a page nor a strip
const DefaultPageSize = 20

// Engine executes queries and mutations against a store
type Engine struct {
	store     *store.Store
	formatter *price.Formatter
	pageSize  int
	now       func() time.Time
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithDefaultPageSize sets the page size used when paging is not requested
func WithDefaultPageSize(size int) EngineOption {
	return func(e *Engine) {
		if size > 0 {
			e.pageSize = size
		}
	}
}

// WithFormatter sets the currency formatter
func WithFormatter(f *price.Formatter) EngineOption {
	return func(e *Engine) {
		e.formatter = f
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a new query engine
func NewEngine(s *store.Store, opts ...EngineOption) *Engine {
	e := &Engine{store: s, pageSize: DefaultPageSize, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	if e.formatter == nil {
		e.formatter, _ = price.NewFormatter(price.DefaultPrinterCacheSize)
	}
	return e
}

// Store returns the underlying store
func (e *Engine) Store() *store.Store {
	return e.store
}

func (e *Engine) begin(ctx context.Context) *Response {
	return &Response{
		RequestID: RequestID(ctx),
		Telemetry: Telemetry{Start: e.now()},
		State:     StateParsed,
	}
}

func (e *Engine) finish(resp *Response, err error) *Response {
	if err != nil {
		resp.Data = nil
		resp.TotalCount = nil
		resp.Errors = ErrorList(err)
		resp.State = StateFailed
	} else {
		resp.State = StateCompleted
	}
	resp.Telemetry.SpentTime = e.now().Sub(resp.Telemetry.Start)
	return resp
}

// Reject returns a failed response for a request that could not be decoded
func (e *Engine) Reject(ctx context.Context, err error) *Response {
	return e.finish(e.begin(ctx), err)
}

// Execute runs a read query. The response always has a stable shape: either
// data without errors or errors without data.
func (e *Engine) Execute(ctx context.Context, spec *Specification) *Response {
	resp := e.begin(ctx)
	p, err := e.compile(spec)
	if err != nil {
		return e.finish(resp, err)
	}
	resp.State = StateValidated

	resp.State = StateExecuting
	r := e.newResolver(p.scopes, resp.Telemetry.Start)
	matches := e.match(p, r)
	if spec.Require.TotalCount {
		total := len(matches)
		resp.TotalCount = &total
	}
	page := applyPagination(matches, p.limit, p.offset)
	resp.Data = make([]*Projection, len(page))
	for i, ent := range page {
		resp.Data[i] = r.project(ent, p.fields)
	}
	return e.finish(resp, resolutionError(r))
}

// DeleteByQuery removes the entities a query selects, limited by its paging,
// and returns their projections computed before deletion
func (e *Engine) DeleteByQuery(ctx context.Context, spec *Specification) *Response {
	resp := e.begin(ctx)
	if spec != nil && spec.Collection == "" {
		return e.finish(resp, entity.Invalid("collection", nil, "deletion requires a collection"))
	}
	p, err := e.compile(spec)
	if err != nil {
		return e.finish(resp, err)
	}
	resp.State = StateValidated

	resp.State = StateExecuting
	r := e.newResolver(p.scopes, resp.Telemetry.Start)
	victims := applyPagination(e.match(p, r), p.limit, p.offset)
	if len(victims) == 0 {
		resp.Data = []*Projection{}
		return e.finish(resp, nil)
	}

	// projections come from the pre-deletion snapshot
	projections := make(map[int]*Projection, len(victims))
	selected := make(map[int]bool, len(victims))
	for _, v := range victims {
		projections[v.PrimaryKey] = r.project(v, p.fields)
		selected[v.PrimaryKey] = true
	}
	deleted, err := e.store.DeleteByFilter(spec.Collection, p.scopes, func(ent *entity.Entity) bool {
		return selected[ent.PrimaryKey]
	}, 0)
	if err != nil {
		return e.finish(resp, err)
	}
	gone := make(map[int]bool, len(deleted))
	for _, d := range deleted {
		gone[d.PrimaryKey] = true
	}
	resp.Data = make([]*Projection, 0, len(deleted))
	for _, v := range victims {
		if gone[v.PrimaryKey] {
			resp.Data = append(resp.Data, projections[v.PrimaryKey])
		}
	}
	if spec.Require.TotalCount {
		total := len(resp.Data)
		resp.TotalCount = &total
	}
	return e.finish(resp, resolutionError(r))
}

// Action selects what a mutation request does
type Action int

const (
	// ActionUpsert applies mutations
	ActionUpsert Action = iota
	// ActionArchive moves a live entity to the archive
	ActionArchive
	// ActionRestore moves an archived entity back to live
	ActionRestore
)

// MutateRequest changes one entity and fetches its new state
type MutateRequest struct {
	Collection string
	PrimaryKey *int
	Existence  entity.Existence
	Action     Action
	Mutations  []entity.Mutation
	Locale     string
	Fetch      []Field
}

// Mutate applies a mutation request atomically. A missing entity for archive
// or restore is a soft miss: the response completes with no data.
func (e *Engine) Mutate(ctx context.Context, req *MutateRequest) *Response {
	resp := e.begin(ctx)
	if req == nil {
		return e.finish(resp, entity.Invalid("mutation", nil, "mutation is empty"))
	}
	sch, ok := e.store.Schema(req.Collection)
	if !ok {
		return e.finish(resp, entity.Invalid("collection", req.Collection, "unknown collection"))
	}
	c := &compiler{store: e.store, schema: sch}
	c.locale = c.normalizeLocale("locale", req.Locale)
	fields := c.compileFields(req.Fetch, sch, "require.fetch")
	if req.Action != ActionUpsert {
		if req.PrimaryKey == nil {
			c.fail("primaryKey", nil, "primary key is required")
		}
		if len(req.Mutations) > 0 {
			c.fail("mutations", nil, "scope transitions do not accept mutations")
		}
	}
	if err := c.errs.Err(); err != nil {
		return e.finish(resp, err)
	}
	resp.State = StateValidated

	resp.State = StateExecuting
	var ent *entity.Entity
	var err error
	switch req.Action {
	case ActionArchive:
		ent, err = e.store.Archive(req.Collection, *req.PrimaryKey)
	case ActionRestore:
		ent, err = e.store.Restore(req.Collection, *req.PrimaryKey)
	default:
		ent, err = e.store.Upsert(req.Collection, req.PrimaryKey, req.Existence, req.Mutations)
	}
	if entity.IsNotFound(err) {
		resp.Data = []*Projection{}
		return e.finish(resp, nil)
	}
	if err != nil {
		return e.finish(resp, err)
	}
	r := e.newResolver(scope.Of(ent.Scope), resp.Telemetry.Start)
	resp.Data = []*Projection{r.project(ent, fields)}
	return e.finish(resp, resolutionError(r))
}

// match selects entities in scope that satisfy the lookup and filter, ordered
func (e *Engine) match(p *plan, r *resolver) []*entity.Entity {
	accept := func(ent *entity.Entity) bool {
		if p.filter != nil && !p.filter(r, ent) {
			return false
		}
		if p.priced {
			pr := price.ForSale(ent, r.priceRequest(p.price))
			if pr == nil || (p.between != nil && !p.between.contains(pr.PriceWithTax)) {
				return false
			}
		}
		return true
	}

	var matches []*entity.Entity
	if p.lookup != nil {
		for _, ref := range e.resolveLookup(p) {
			v := r.view(ref.Type)
			if v == nil {
				continue
			}
			if ent := v.Get(ref.PrimaryKey, p.scopes); ent != nil && accept(ent) {
				matches = append(matches, ent)
			}
		}
	} else if v := r.view(p.spec.Collection); v != nil {
		v.Ascend(p.scopes, func(ent *entity.Entity) bool {
			if accept(ent) {
				matches = append(matches, ent)
			}
			return true
		})
	}

	if len(p.order) > 0 {
		sort.SliceStable(matches, func(i, j int) bool {
			return lessByOrder(matches[i], matches[j], p.order)
		})
	}
	return matches
}

// resolveLookup maps lookup terms to entity references. Within a term the
// order of values is kept; terms combine by intersection or union.
func (e *Engine) resolveLookup(p *plan) []entity.EntityRef {
	var result []entity.EntityRef
	for i, term := range p.lookup {
		var refs []entity.EntityRef
		seen := make(map[entity.EntityRef]bool)
		for _, v := range term.values {
			ref, ok := e.store.LookupUnique(p.spec.Collection, term.attribute, term.locale, v)
			if ok && !seen[ref] {
				seen[ref] = true
				refs = append(refs, ref)
			}
		}
		switch {
		case i == 0:
			result = refs
		case p.join == JoinOr:
			have := make(map[entity.EntityRef]bool, len(result))
			for _, ref := range result {
				have[ref] = true
			}
			for _, ref := range refs {
				if !have[ref] {
					result = append(result, ref)
				}
			}
		default:
			kept := result[:0:0]
			for _, ref := range result {
				if seen[ref] {
					kept = append(kept, ref)
				}
			}
			result = kept
		}
	}
	return result
}

func lessByOrder(a, b *entity.Entity, order []compiledOrder) bool {
	for _, o := range order {
		av, aok := a.Attributes[o.key]
		bv, bok := b.Attributes[o.key]
		switch {
		case !aok && !bok:
			continue
		case !aok:
			return false
		case !bok:
			return true
		}
		cmp, ok := entity.Compare(av, bv)
		if !ok || cmp == 0 {
			continue
		}
		if o.descending {
			return cmp > 0
		}
		return cmp < 0
	}
	return a.PrimaryKey < b.PrimaryKey
}

func resolutionError(r *resolver) error {
	if len(r.errs) == 0 {
		return nil
	}
	return append(resolutionErrors(nil), r.errs...)
}

func applyPagination[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}

	end := len(items)
	if limit < end-offset {
		end = offset + limit
	}

	return items[offset:end]
}
