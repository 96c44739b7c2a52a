// Package server implements the gRPC entitystore service
package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nainya/entitystore/internal/logger"
	"github.com/nainya/entitystore/internal/metrics"
	"github.com/nainya/entitystore/pkg/coordinator"
	"github.com/nainya/entitystore/pkg/entity"
	"github.com/nainya/entitystore/pkg/query"
	"github.com/nainya/entitystore/pkg/store"
	"github.com/nainya/entitystore/pkg/wal"
)

// DefaultBatchTimeout bounds how long a query batch is waited for
const DefaultBatchTimeout = 30 * time.Second

// Options configures a Server
type Options struct {
	Journal         *wal.WAL
	MaxInFlight     int
	BatchTimeout    time.Duration
	DefaultPageSize int
	Logger          *logger.Logger
	Metrics         *metrics.Metrics
}

// Server implements EntityStoreServer
type Server struct {
	store        *store.Store
	engine       *query.Engine
	coord        *coordinator.Coordinator
	journal      *wal.WAL
	batchTimeout time.Duration
	log          *logger.Logger
	metrics      *metrics.Metrics
	startTime    time.Time
}

// NewServer creates a service over st
func NewServer(st *store.Store, opts Options) *Server {
	s := &Server{
		store:        st,
		engine:       query.NewEngine(st, query.WithDefaultPageSize(opts.DefaultPageSize)),
		journal:      opts.Journal,
		batchTimeout: opts.BatchTimeout,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		startTime:    time.Now(),
	}
	if s.batchTimeout <= 0 {
		s.batchTimeout = DefaultBatchTimeout
	}
	if s.log == nil {
		s.log = logger.GetGlobalLogger()
	}
	if s.metrics == nil {
		s.metrics = metrics.NewMetrics()
	}
	s.coord = coordinator.New(instrumentedEngine{engine: s.engine, metrics: s.metrics},
		coordinator.WithMaxInFlight(opts.MaxInFlight),
		coordinator.WithHook(s.onQuery))
	s.refreshStats()
	return s
}

// instrumentedEngine tracks queries in flight
type instrumentedEngine struct {
	engine  *query.Engine
	metrics *metrics.Metrics
}

func (i instrumentedEngine) Execute(ctx context.Context, spec *query.Specification) *query.Response {
	i.metrics.QueriesInFlight.Inc()
	defer i.metrics.QueriesInFlight.Dec()
	return i.engine.Execute(ctx, spec)
}

func (s *Server) onQuery(spec *query.Specification, resp *query.Response) {
	if resp == nil {
		return
	}
	collection := ""
	if spec != nil {
		collection = spec.Collection
	}
	outcome := "completed"
	if resp.Failed() {
		outcome = "failed"
	}
	s.metrics.RecordQuery(collection, outcome, resp.Telemetry.SpentTime)
	s.log.LogQuery(resp.RequestID, collection, resp.Telemetry.SpentTime, len(resp.Data), len(resp.Errors))
}

// Query executes a batch of queries concurrently
func (s *Server) Query(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	raws, err := decodeBatch(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if len(raws) == 0 {
		return nil, status.Error(codes.InvalidArgument, "at least one query is required")
	}

	out := batchResultDTO{Results: make([]resultDTO, len(raws))}
	var runnable []*query.Specification
	var positions []int
	for i, raw := range raws {
		spec, err := decodeSpec(raw)
		var malformed *malformedError
		if errors.As(err, &malformed) {
			err = entity.Invalid(fmt.Sprintf("queries[%d]", i), nil, "%v", malformed)
		}
		switch {
		case err != nil:
			resp := s.engine.Reject(query.WithRequestID(ctx, uuid.NewString()), err)
			s.onQuery(nil, resp)
			out.Results[i] = encodeResponse(resp)
		default:
			runnable = append(runnable, spec)
			positions = append(positions, i)
		}
	}

	if len(runnable) > 0 {
		bctx, cancel := context.WithTimeout(ctx, s.batchTimeout)
		defer cancel()
		for j, r := range s.coord.ExecuteBatch(bctx, runnable) {
			if r.Err != nil {
				s.log.QueryLogger(r.RequestID).Warn("Query abandoned").Err(r.Err).Send()
			}
			out.Results[positions[j]] = encodeResult(r)
		}
	}
	return marshalValue(out)
}

// Mutate applies one entity mutation
func (s *Server) Mutate(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	start := time.Now()
	req, err := decodeMutation(in.GetValue())
	var malformed *malformedError
	if errors.As(err, &malformed) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ctx = query.WithRequestID(ctx, uuid.NewString())
	var resp *query.Response
	collection, op := "", "upsert"
	pk := 0
	if err != nil {
		resp = s.engine.Reject(ctx, err)
	} else {
		collection, op = req.Collection, actionName(req.Action)
		if req.PrimaryKey != nil {
			pk = *req.PrimaryKey
		}
		resp = s.engine.Mutate(ctx, req)
	}

	outcome := "ok"
	var logErr error
	switch {
	case resp.Failed():
		outcome = "failed"
		logErr = errors.New(resp.Errors.Error())
	case len(resp.Data) == 0:
		outcome = "not_found"
	}
	version := 0
	if len(resp.Data) > 0 {
		pk = intField(resp.Data[0], "primaryKey", pk)
		version = intField(resp.Data[0], "version", 0)
	}
	s.metrics.RecordMutation(collection, op, outcome)
	s.log.LogMutation(op, collection, pk, version, time.Since(start), logErr)
	s.refreshStats()
	return marshalValue(encodeResponse(resp))
}

// Delete removes the entities a query selects
func (s *Server) Delete(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	spec, err := decodeSpec(in.GetValue())
	var malformed *malformedError
	if errors.As(err, &malformed) {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ctx = query.WithRequestID(ctx, uuid.NewString())
	var resp *query.Response
	if err != nil {
		resp = s.engine.Reject(ctx, err)
	} else {
		resp = s.engine.DeleteByQuery(ctx, spec)
		if !resp.Failed() {
			s.metrics.RecordDeletion(spec.Collection, len(resp.Data))
		}
	}
	s.onQuery(spec, resp)
	s.refreshStats()
	return marshalValue(encodeResponse(resp))
}

// Stats reports collection counts, journal state and coordinator load
func (s *Server) Stats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	stats := s.store.Stats()
	collections := make([]interface{}, len(stats))
	for i, c := range stats {
		collections[i] = map[string]interface{}{
			"name":     c.Name,
			"live":     c.Live,
			"archived": c.Archived,
		}
	}
	walBytes := s.journalSize()
	fields := map[string]interface{}{
		"collections":   collections,
		"uptimeSeconds": time.Since(s.startTime).Seconds(),
		"maxInFlight":   s.coord.MaxInFlight(),
		"inFlight":      s.coord.InFlight(),
	}
	if s.journal != nil {
		fields["journal"] = map[string]interface{}{
			"path":  s.journal.Path,
			"lsn":   float64(s.journal.LSN()),
			"bytes": float64(walBytes),
			"size":  humanize.Bytes(uint64(walBytes)),
		}
	}
	s.metrics.UpdateStoreStats(stats, walBytes)

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return out, nil
}

func (s *Server) journalSize() int64 {
	if s.journal == nil {
		return 0
	}
	size, err := s.journal.Size()
	if err != nil {
		s.log.Warn("Failed to read journal size").Err(err).Send()
		return 0
	}
	return size
}

func (s *Server) refreshStats() {
	s.metrics.UpdateStoreStats(s.store.Stats(), s.journalSize())
}

func actionName(a query.Action) string {
	switch a {
	case query.ActionArchive:
		return "archive"
	case query.ActionRestore:
		return "restore"
	default:
		return "upsert"
	}
}

func intField(p *query.Projection, key string, fallback int) int {
	if v, ok := p.Get(key); ok {
		if n, ok := v.(int); ok {
			return n
		}
	}
	return fallback
}

func marshalValue(v interface{}) (*wrapperspb.BytesValue, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return wrapperspb.Bytes(body), nil
}
