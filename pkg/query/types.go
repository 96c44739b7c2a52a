// ABOUTME: Query specification, response and execution state types
// ABOUTME: A specification names a collection, a filter, a unique lookup and the fields to fetch

package query

import (
	"time"

	"github.com/dgraph-io/gqlparser/v2/gqlerror"
	"github.com/goccy/go-json"

	"github.com/nainya/entitystore/pkg/entity"
)

// Join combines the terms of a unique lookup
type Join int

const (
	// JoinAnd requires every term to resolve to the same entity
	JoinAnd Join = iota
	// JoinOr accepts entities matched by any term
	JoinOr
)

func (j Join) String() string {
	if j == JoinOr {
		return "OR"
	}
	return "AND"
}

// ParseJoin parses AND or OR; empty means AND
func ParseJoin(s string) (Join, error) {
	switch s {
	case "", "AND", "and":
		return JoinAnd, nil
	case "OR", "or":
		return JoinOr, nil
	}
	return JoinAnd, entity.Invalid("join", s, "join must be AND or OR")
}

// Specification is a structured read or delete request
type Specification struct {
	// Collection is empty for lookups by globally unique attributes
	Collection string
	Locale     string
	Lookup     *UniqueLookup
	Filter     Constraint
	OrderBy    []OrderBy
	Require    Require
}

// UniqueLookup finds entities by unique attribute values
type UniqueLookup struct {
	Terms []LookupTerm
	Join  Join
}

// LookupTerm matches any of Values of one unique attribute; result order follows Values
type LookupTerm struct {
	Attribute string
	Values    []interface{}
}

// OrderBy sorts results by an attribute; entities without the attribute sort last
type OrderBy struct {
	Attribute  string
	Descending bool
}

// Page selects a 1-based page
type Page struct {
	Number int
	Size   int
}

// Strip selects a window by offset and limit
type Strip struct {
	Offset int
	Limit  int
}

// Require holds paging and content directives
type Require struct {
	Page                          *Page
	Strip                         *Strip
	TotalCount                    bool
	Fetch                         []Field
	DefaultAccompanyingPriceLists []string
}

// State is the lifecycle state of one request
type State int

const (
	StateParsed State = iota
	StateValidated
	StateExecuting
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "PARSED"
	case StateValidated:
		return "VALIDATED"
	case StateExecuting:
		return "EXECUTING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// Telemetry records when a request started and how long it ran
type Telemetry struct {
	Start     time.Time
	SpentTime time.Duration
}

// End returns the moment the request finished
func (t Telemetry) End() time.Time {
	return t.Start.Add(t.SpentTime)
}

// Overlaps reports whether two execution windows intersect
func (t Telemetry) Overlaps(other Telemetry) bool {
	return t.Start.Before(other.End()) && other.Start.Before(t.End())
}

// MarshalJSON renders both values in nanoseconds
func (t Telemetry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Start     int64 `json:"start"`
		SpentTime int64 `json:"spentTime"`
	}{t.Start.UnixNano(), t.SpentTime.Nanoseconds()})
}

// Response is the outcome of one request. Errors are reported in-band:
// a failed request carries no data and a non-empty error list.
type Response struct {
	RequestID  string
	Data       []*Projection
	TotalCount *int
	Errors     gqlerror.List
	Telemetry  Telemetry
	State      State
}

// Failed reports whether the request ended with errors
func (r *Response) Failed() bool {
	return r.State == StateFailed
}

// QueryBuilder provides fluent interface for building specifications
type QueryBuilder struct {
	spec Specification
}

// NewQueryBuilder creates a builder for collection; empty means a global lookup
func NewQueryBuilder(collection string) *QueryBuilder {
	return &QueryBuilder{spec: Specification{Collection: collection}}
}

// Locale sets the query locale
func (qb *QueryBuilder) Locale(locale string) *QueryBuilder {
	qb.spec.Locale = locale
	return qb
}

// Where adds a filter constraint; several calls are combined with And
func (qb *QueryBuilder) Where(c Constraint) *QueryBuilder {
	switch existing := qb.spec.Filter.(type) {
	case nil:
		qb.spec.Filter = c
	case And:
		qb.spec.Filter = append(existing, c)
	default:
		qb.spec.Filter = And{existing, c}
	}
	return qb
}

// LookupBy adds a unique attribute lookup term
func (qb *QueryBuilder) LookupBy(attribute string, values ...interface{}) *QueryBuilder {
	if qb.spec.Lookup == nil {
		qb.spec.Lookup = &UniqueLookup{}
	}
	qb.spec.Lookup.Terms = append(qb.spec.Lookup.Terms, LookupTerm{Attribute: attribute, Values: values})
	return qb
}

// Join sets how lookup terms combine
func (qb *QueryBuilder) Join(j Join) *QueryBuilder {
	if qb.spec.Lookup == nil {
		qb.spec.Lookup = &UniqueLookup{}
	}
	qb.spec.Lookup.Join = j
	return qb
}

// OrderBy adds a sort attribute
func (qb *QueryBuilder) OrderBy(attribute string, descending bool) *QueryBuilder {
	qb.spec.OrderBy = append(qb.spec.OrderBy, OrderBy{Attribute: attribute, Descending: descending})
	return qb
}

// Page selects a page of results
func (qb *QueryBuilder) Page(number, size int) *QueryBuilder {
	qb.spec.Require.Page = &Page{Number: number, Size: size}
	return qb
}

// Strip selects results by offset and limit
func (qb *QueryBuilder) Strip(offset, limit int) *QueryBuilder {
	qb.spec.Require.Strip = &Strip{Offset: offset, Limit: limit}
	return qb
}

// WithTotalCount requests the number of matches before paging
func (qb *QueryBuilder) WithTotalCount() *QueryBuilder {
	qb.spec.Require.TotalCount = true
	return qb
}

// Fetch appends fields to the projection
func (qb *QueryBuilder) Fetch(fields ...Field) *QueryBuilder {
	qb.spec.Require.Fetch = append(qb.spec.Require.Fetch, fields...)
	return qb
}

// DefaultAccompanyingPriceLists sets lists used by accompanying prices without their own
func (qb *QueryBuilder) DefaultAccompanyingPriceLists(lists ...string) *QueryBuilder {
	qb.spec.Require.DefaultAccompanyingPriceLists = lists
	return qb
}

// Build returns the constructed specification
func (qb *QueryBuilder) Build() *Specification {
	spec := qb.spec
	return &spec
}
