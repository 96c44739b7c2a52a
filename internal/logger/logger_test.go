package logger

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/nainya/entitystore/pkg/wal"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid log line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestComponentLoggers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf})
	defer SetLevel("info")

	l.StoreLogger("Product").Info("stored").Send()
	l.QueryLogger("req-1").Debug("compiled").Send()
	l.GrpcLogger("/entitystore.v1.EntityStore/Query").Warn("slow").Send()

	lines := decodeLines(t, &buf)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if lines[0]["component"] != "store" || lines[0]["collection"] != "Product" {
		t.Errorf("unexpected store fields: %v", lines[0])
	}
	if lines[1]["request_id"] != "req-1" {
		t.Errorf("unexpected query fields: %v", lines[1])
	}
	if lines[2]["method"] != "/entitystore.v1.EntityStore/Query" {
		t.Errorf("unexpected grpc fields: %v", lines[2])
	}
	for _, line := range lines {
		if line["service"] != "entitystore" {
			t.Errorf("missing service field: %v", line)
		}
	}
}

func TestStructuredHelpers(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "debug", Output: &buf})
	defer SetLevel("info")

	l.LogQuery("req-2", "Product", 3*time.Millisecond, 4, 0)
	l.LogQuery("req-3", "Product", time.Millisecond, 0, 2)
	l.LogMutation("upsert", "Product", 7, 2, time.Millisecond, errors.New("conflict"))
	l.LogRecovery(&wal.RecoveryStats{TotalEntries: 10, CommittedTxns: 3, ReplayedOperations: 5}, 2048)

	lines := decodeLines(t, &buf)
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d", len(lines))
	}
	if lines[0]["level"] != "debug" || lines[0]["result_count"] != float64(4) {
		t.Errorf("unexpected query line: %v", lines[0])
	}
	if lines[1]["level"] != "warn" || lines[1]["error_count"] != float64(2) {
		t.Errorf("unexpected failed query line: %v", lines[1])
	}
	if lines[2]["level"] != "error" || lines[2]["primary_key"] != float64(7) {
		t.Errorf("unexpected mutation line: %v", lines[2])
	}
	if lines[3]["journal_size"] != "2.0 kB" || lines[3]["committed_txns"] != float64(3) {
		t.Errorf("unexpected recovery line: %v", lines[3])
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: "warn", Output: &buf})
	defer SetLevel("info")

	l.Info("hidden").Send()
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %s", buf.String())
	}

	SetLevel("debug")
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", zerolog.GlobalLevel())
	}
	l.Info("visible").Send()
	if buf.Len() == 0 {
		t.Fatal("info should be written at debug level")
	}

	if _, ok := ParseLevel("verbose"); ok {
		t.Error("unknown level should not parse")
	}
}
