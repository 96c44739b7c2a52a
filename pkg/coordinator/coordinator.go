// ABOUTME: Concurrent dispatch of query executions with bounded in-flight work
// ABOUTME: Each query runs independently; callers may abandon a batch without stopping it

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nainya/entitystore/pkg/entity"
	"github.com/nainya/entitystore/pkg/query"
)

// DefaultMaxInFlight bounds concurrently executing queries
const DefaultMaxInFlight = 64

// ErrAbandoned marks a query the caller stopped waiting for
var ErrAbandoned = errors.New("coordinator: query abandoned")

// Executor runs a single query
type Executor interface {
	Execute(ctx context.Context, spec *query.Specification) *query.Response
}

// Hook observes every completed query
type Hook func(spec *query.Specification, resp *query.Response)

// Result is the outcome of one query of a batch. Err is ErrAbandoned when the
// caller stopped waiting before the query completed; Response is nil then.
type Result struct {
	RequestID string
	Response  *query.Response
	Err       error
}

// Coordinator dispatches queries to an executor in parallel
type Coordinator struct {
	exec     Executor
	sem      *semaphore.Weighted
	limit    int64
	inFlight atomic.Int64
	hooks    []Hook
	newID    func() string
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithMaxInFlight bounds the number of queries executing at once
func WithMaxInFlight(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.limit = int64(n)
		}
	}
}

// WithHook registers a completion hook
func WithHook(h Hook) Option {
	return func(c *Coordinator) {
		c.hooks = append(c.hooks, h)
	}
}

// WithIDGenerator replaces the request id source
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) {
		c.newID = gen
	}
}

// New creates a coordinator around exec
func New(exec Executor, opts ...Option) *Coordinator {
	c := &Coordinator{exec: exec, limit: DefaultMaxInFlight, newID: uuid.NewString}
	for _, opt := range opts {
		opt(c)
	}
	c.sem = semaphore.NewWeighted(c.limit)
	return c
}

// MaxInFlight returns the in-flight bound
func (c *Coordinator) MaxInFlight() int {
	return int(c.limit)
}

// InFlight returns the number of queries currently executing
func (c *Coordinator) InFlight() int {
	return int(c.inFlight.Load())
}

// Execute runs one query once a slot is free. It fails with ErrAbandoned if
// ctx ends while waiting for a slot.
func (c *Coordinator) Execute(ctx context.Context, spec *query.Specification) (*query.Response, error) {
	id := query.RequestID(ctx)
	if id == "" {
		id = c.newID()
		ctx = query.WithRequestID(ctx, id)
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, ErrAbandoned
	}
	defer c.sem.Release(1)
	return c.run(context.WithoutCancel(ctx), id, spec), nil
}

// ExecuteBatch runs every query concurrently and returns results in request
// order. A failing query never affects its siblings. When ctx ends first,
// completed results are returned and the rest are marked abandoned; queries
// already running are left to finish on their own.
func (c *Coordinator) ExecuteBatch(ctx context.Context, specs []*query.Specification) []Result {
	var mu sync.Mutex
	results := make([]Result, len(specs))
	done := make([]bool, len(specs))
	for i := range specs {
		results[i].RequestID = c.newID()
	}

	var g errgroup.Group
	for i, spec := range specs {
		id := results[i].RequestID
		g.Go(func() error {
			resp, err := c.Execute(query.WithRequestID(ctx, id), spec)
			mu.Lock()
			results[i].Response, results[i].Err = resp, err
			done[i] = true
			mu.Unlock()
			return nil
		})
	}

	finished := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]Result, len(results))
	copy(out, results)
	for i := range out {
		if !done[i] {
			out[i].Response, out[i].Err = nil, ErrAbandoned
		}
	}
	return out
}

func (c *Coordinator) run(ctx context.Context, id string, spec *query.Specification) (resp *query.Response) {
	c.inFlight.Add(1)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			resp = panicResponse(id, start, r)
		}
		c.inFlight.Add(-1)
		for _, h := range c.hooks {
			h(spec, resp)
		}
	}()
	return c.exec.Execute(ctx, spec)
}

func panicResponse(id string, start time.Time, r interface{}) *query.Response {
	return &query.Response{
		RequestID: id,
		Errors:    query.ErrorList(&entity.InternalError{Op: "execute query", Err: fmt.Errorf("panic: %v", r)}),
		Telemetry: query.Telemetry{Start: start, SpentTime: time.Since(start)},
		State:     query.StateFailed,
	}
}
