package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestWAL(t *testing.T) *WAL {
	t.Helper()
	w := &WAL{Path: filepath.Join(t.TempDir(), "entities.wal")}
	if err := w.Open(); err != nil {
		t.Fatal(err)
	}
	return w
}

func upsert(collection string, pk int, payload string) Record {
	return Record{Op: OpUpsert, Collection: collection, PrimaryKey: pk, Payload: []byte(payload)}
}

func TestEntryEncodeDecode(t *testing.T) {
	entry := &Entry{
		LSN:        42,
		TxnID:      100,
		Op:         OpUpsert,
		Collection: "Product",
		PrimaryKey: 1001,
		Payload:    []byte(`{"primaryKey":1001}`),
		Timestamp:  time.Unix(0, 1700000000123456789),
	}

	decoded, err := DecodeEntry(entry.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded.LSN != entry.LSN || decoded.TxnID != entry.TxnID {
		t.Errorf("sequence mismatch: got LSN=%d TxnID=%d", decoded.LSN, decoded.TxnID)
	}
	if decoded.Op != OpUpsert {
		t.Errorf("Op mismatch: got %s", decoded.Op)
	}
	if decoded.Collection != "Product" || decoded.PrimaryKey != 1001 {
		t.Errorf("identity mismatch: got %s/%d", decoded.Collection, decoded.PrimaryKey)
	}
	if string(decoded.Payload) != string(entry.Payload) {
		t.Errorf("Payload mismatch: got %s", decoded.Payload)
	}
	if !decoded.Timestamp.Equal(entry.Timestamp) {
		t.Errorf("Timestamp mismatch: got %v", decoded.Timestamp)
	}
}

func TestDecodeDetectsCorruption(t *testing.T) {
	entry := &Entry{LSN: 1, TxnID: 1, Op: OpDelete, Collection: "Category", PrimaryKey: 5}
	data := entry.Encode()
	data[EntryHeaderSize] ^= 0xFF

	if _, err := DecodeEntry(data); err != ErrCorrupted {
		t.Errorf("expected ErrCorrupted, got %v", err)
	}
	if _, err := DecodeEntry(data[:EntryHeaderSize]); err != ErrTruncated {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}

func TestCommitWritesTransactionWithMarker(t *testing.T) {
	w := openTestWAL(t)

	start, err := w.Commit([]Record{upsert("Product", 1, "a"), upsert("Product", 2, "b")})
	if err != nil {
		t.Fatal(err)
	}
	if start != 1 {
		t.Errorf("expected first LSN 1, got %d", start)
	}
	w.Close()

	files, _ := w.findLogFiles()
	entries, err := ReadAll(files)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[2].Op != OpCommit {
		t.Errorf("expected commit marker last, got %s", entries[2].Op)
	}
	for _, e := range entries {
		if e.TxnID != entries[0].TxnID {
			t.Errorf("entry %s belongs to another transaction", e)
		}
	}
}

func TestCommitRejectsEmptyTransaction(t *testing.T) {
	w := openTestWAL(t)
	defer w.Close()

	if _, err := w.Commit(nil); err != ErrEmptyTransaction {
		t.Errorf("expected ErrEmptyTransaction, got %v", err)
	}
}

func TestCommitAfterCloseFails(t *testing.T) {
	w := openTestWAL(t)
	w.Close()

	if _, err := w.Commit([]Record{upsert("Product", 1, "a")}); err != ErrLogClosed {
		t.Errorf("expected ErrLogClosed, got %v", err)
	}
}

func TestReopenContinuesSequences(t *testing.T) {
	w := openTestWAL(t)
	for i := 1; i <= 5; i++ {
		if _, err := w.Commit([]Record{upsert("Product", i, fmt.Sprintf("v%d", i))}); err != nil {
			t.Fatal(err)
		}
	}
	lastLSN := w.LSN()
	w.Close()

	reopened := &WAL{Path: w.Path}
	if err := reopened.Open(); err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	if reopened.LSN() != lastLSN {
		t.Errorf("expected LSN %d after reopen, got %d", lastLSN, reopened.LSN())
	}
	start, err := reopened.Commit([]Record{upsert("Product", 6, "v6")})
	if err != nil {
		t.Fatal(err)
	}
	if start != lastLSN+1 {
		t.Errorf("expected LSN %d, got %d", lastLSN+1, start)
	}
}

func TestReopenAfterTornTailStartsNewFile(t *testing.T) {
	w := openTestWAL(t)
	if _, err := w.Commit([]Record{upsert("Product", 1, "a")}); err != nil {
		t.Fatal(err)
	}
	w.Close()

	// simulate a crash in the middle of a write
	f, err := os.OpenFile(w.logFilePath(0), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{1, 2, 3, 4, 5})
	f.Close()

	reopened := &WAL{Path: w.Path}
	if err := reopened.Open(); err != nil {
		t.Fatal(err)
	}
	if _, err := reopened.Commit([]Record{upsert("Product", 2, "b")}); err != nil {
		t.Fatal(err)
	}
	reopened.Close()

	files, _ := reopened.findLogFiles()
	if len(files) != 2 {
		t.Fatalf("expected 2 log files, got %d", len(files))
	}
	entries, err := ReadAll(files)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Errorf("expected 4 readable entries, got %d", len(entries))
	}
}

func TestWALSize(t *testing.T) {
	w := openTestWAL(t)
	defer w.Close()

	if _, err := w.Commit([]Record{upsert("Product", 1, "payload")}); err != nil {
		t.Fatal(err)
	}
	size, err := w.Size()
	if err != nil {
		t.Fatal(err)
	}
	expected := int64((&Entry{Collection: "Product", Payload: []byte("payload")}).Size() + (&Entry{}).Size())
	if size != expected {
		t.Errorf("expected %d bytes, got %d", expected, size)
	}
}
