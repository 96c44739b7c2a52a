package wal

import (
	"errors"
	"os"
	"testing"
	"time"
)

func collect(t *testing.T, w *WAL) ([]*Entry, *RecoveryStats) {
	t.Helper()
	var replayed []*Entry
	stats, err := NewRecovery(w).Recover(func(e *Entry) error {
		replayed = append(replayed, e)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return replayed, stats
}

func TestRecoverReplaysCommittedTransactions(t *testing.T) {
	w := openTestWAL(t)
	w.Commit([]Record{upsert("Product", 1, "a")})
	w.Commit([]Record{upsert("Product", 2, "b"), {Op: OpDelete, Collection: "Product", PrimaryKey: 1}})
	w.Close()

	replayed, stats := collect(t, w)

	if len(replayed) != 3 {
		t.Fatalf("expected 3 replayed operations, got %d", len(replayed))
	}
	if replayed[2].Op != OpDelete || replayed[2].PrimaryKey != 1 {
		t.Errorf("unexpected last operation %s", replayed[2])
	}
	if stats.CommittedTxns != 2 || stats.UncommittedTxns != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRecoverSkipsUncommittedTransaction(t *testing.T) {
	w := openTestWAL(t)
	w.Commit([]Record{upsert("Product", 1, "a")})

	// an entry without its commit marker, as left by a crash mid-transaction
	w.mu.Lock()
	dangling := Entry{LSN: w.LSN() + 1, TxnID: 99, Op: OpUpsert, Collection: "Product", PrimaryKey: 2, Timestamp: time.Now()}
	w.writeEntryNoLock(&dangling)
	w.mu.Unlock()
	w.Close()

	replayed, stats := collect(t, w)
	if len(replayed) != 1 {
		t.Errorf("expected 1 replayed operation, got %d", len(replayed))
	}
	if stats.UncommittedTxns != 1 {
		t.Errorf("expected 1 uncommitted transaction, got %d", stats.UncommittedTxns)
	}
}

func TestRecoverEmptyLog(t *testing.T) {
	w := openTestWAL(t)
	w.Close()

	replayed, stats := collect(t, w)
	if len(replayed) != 0 || stats.TotalEntries != 0 {
		t.Errorf("expected nothing to replay, got %d entries", stats.TotalEntries)
	}
}

func TestRecoverStopsOnReplayError(t *testing.T) {
	w := openTestWAL(t)
	w.Commit([]Record{upsert("Product", 1, "a")})
	w.Close()

	boom := errors.New("boom")
	_, err := NewRecovery(w).Recover(func(*Entry) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("expected replay error to propagate, got %v", err)
	}
}

func TestRecoverFromMissingDirectory(t *testing.T) {
	dir := t.TempDir()
	w := &WAL{Path: dir + "/missing/entities.wal"}
	stats, err := NewRecovery(w).Recover(func(*Entry) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalEntries != 0 {
		t.Errorf("expected empty stats, got %+v", stats)
	}
	if _, err := os.Stat(dir + "/missing"); !os.IsNotExist(err) {
		t.Errorf("recovery must not create directories")
	}
}
