// Package logger provides structured logging for entitystore
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nainya/entitystore/pkg/wal"
)

// Logger wraps zerolog with entitystore-specific functionality
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// ParseLevel maps a configured level name to a zerolog level
func ParseLevel(name string) (zerolog.Level, bool) {
	switch strings.ToLower(name) {
	case "debug":
		return zerolog.DebugLevel, true
	case "info", "":
		return zerolog.InfoLevel, true
	case "warn":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	}
	return zerolog.InfoLevel, false
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	SetLevel(cfg.Level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Pretty printing for development
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "entitystore").
		Logger()

	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// SetLevel changes the process-wide level; unknown names fall back to info
func SetLevel(name string) {
	level, _ := ParseLevel(name)
	zerolog.SetGlobalLevel(level)
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// GrpcLogger returns a logger for gRPC operations
func (l *Logger) GrpcLogger(method string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "grpc").
			Str("method", method).
			Logger(),
	}
}

// StoreLogger returns a logger for one collection of the entity store
func (l *Logger) StoreLogger(collection string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "store").
			Str("collection", collection).
			Logger(),
	}
}

// QueryLogger returns a logger bound to a request id
func (l *Logger) QueryLogger(requestID string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "query").
			Str("request_id", requestID).
			Logger(),
	}
}

// LogGrpcRequest logs a gRPC request with structured fields
func (l *Logger) LogGrpcRequest(method string, duration time.Duration, err error) {
	event := l.zlog.Info()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}
	event.
		Str("component", "grpc").
		Str("method", method).
		Dur("duration_ms", duration).
		Msg("gRPC request completed")
}

// LogQuery logs a completed query; errs is the number of in-band errors
func (l *Logger) LogQuery(requestID, collection string, duration time.Duration, count, errs int) {
	event := l.zlog.Debug()
	if errs > 0 {
		event = l.zlog.Warn().Int("error_count", errs)
	}
	event.
		Str("component", "query").
		Str("request_id", requestID).
		Str("collection", collection).
		Dur("duration_ms", duration).
		Int("result_count", count).
		Msg("Query completed")
}

// LogMutation logs a mutation of one entity
func (l *Logger) LogMutation(op, collection string, pk, version int, duration time.Duration, err error) {
	event := l.zlog.Debug()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}
	event.
		Str("component", "store").
		Str("operation", op).
		Str("collection", collection).
		Int("primary_key", pk).
		Int("version", version).
		Dur("duration_ms", duration).
		Msg("Mutation completed")
}

// LogRecovery logs the outcome of journal replay
func (l *Logger) LogRecovery(stats *wal.RecoveryStats, journalSize int64) {
	if stats == nil {
		return
	}
	l.zlog.Info().
		Str("event", "recovery").
		Int("entries", stats.TotalEntries).
		Int("committed_txns", stats.CommittedTxns).
		Int("uncommitted_txns", stats.UncommittedTxns).
		Int("replayed_operations", stats.ReplayedOperations).
		Uint64("redo_lsn", stats.RedoLSN).
		Str("journal_size", humanize.Bytes(uint64(journalSize))).
		Msg("Journal recovery completed")
}

// LogServerStart logs server startup
func (l *Logger) LogServerStart(port int, journalPath string) {
	if journalPath == "" {
		journalPath = "in-memory"
	}
	l.zlog.Info().
		Str("event", "server_start").
		Int("port", port).
		Str("journal", journalPath).
		Msg("entitystore server starting")
}

// LogServerReady logs when server is ready
func (l *Logger) LogServerReady(port int) {
	l.zlog.Info().
		Str("event", "server_ready").
		Int("port", port).
		Msg("entitystore server ready to accept connections")
}

// LogServerShutdown logs server shutdown
func (l *Logger) LogServerShutdown() {
	l.zlog.Info().
		Str("event", "server_shutdown").
		Msg("entitystore server shutting down")
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
