package wal

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const (
	// MaxLogFileSize is the maximum size of a single WAL file (100MB)
	MaxLogFileSize = 100 << 20
)

// Record is one entity change inside a committed transaction
type Record struct {
	Op         OpType
	Collection string
	PrimaryKey int
	Payload    []byte
}

// WAL is an append-only journal of committed entity transactions
type WAL struct {
	// Path is the base path for WAL files (e.g., "/data/entities.wal")
	Path string

	// SyncOnCommit fsyncs after every committed transaction
	SyncOnCommit bool

	fd        *os.File
	mu        sync.Mutex
	lsn       uint64
	txnID     uint64
	fileSize  int64
	fileIndex int
	closed    bool
}

// Open opens or creates the WAL
func (w *WAL) Open() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.Path), 0755); err != nil {
		return errors.Wrap(err, "create wal directory")
	}
	files, err := w.findLogFiles()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		w.fileIndex = 0
		return w.openFileNoLock(w.logFilePath(0))
	}

	latest := files[len(files)-1]
	if w.fileIndex, err = w.indexOf(latest); err != nil {
		return err
	}
	maxLSN, maxTxn, torn, err := scanHighWaterMarks(files)
	if err != nil {
		return err
	}
	atomic.StoreUint64(&w.lsn, maxLSN)
	atomic.StoreUint64(&w.txnID, maxTxn)
	if torn > 0 {
		// appending after a torn entry would hide new entries from readers
		w.fileIndex++
		return w.openFileNoLock(w.logFilePath(w.fileIndex))
	}
	return w.openFileNoLock(latest)
}

func (w *WAL) openFileNoLock(path string) error {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "open wal file %s", path)
	}
	stat, err := fd.Stat()
	if err != nil {
		fd.Close()
		return err
	}
	w.fd = fd
	w.fileSize = stat.Size()
	w.closed = false
	return nil
}

// Commit appends records as one transaction followed by a commit marker
// and returns the LSN of the first record.
func (w *WAL) Commit(records []Record) (uint64, error) {
	if len(records) == 0 {
		return 0, ErrEmptyTransaction
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrLogClosed
	}
	start, err := w.writeTxnNoLock(records)
	if err != nil {
		return 0, err
	}
	if w.SyncOnCommit {
		if err := w.fd.Sync(); err != nil {
			return 0, errors.Wrap(err, "fsync wal")
		}
	}
	return start, nil
}

func (w *WAL) writeTxnNoLock(records []Record) (uint64, error) {
	txn := atomic.AddUint64(&w.txnID, 1)
	now := time.Now()
	var start uint64
	for i, r := range records {
		lsn := atomic.AddUint64(&w.lsn, 1)
		if i == 0 {
			start = lsn
		}
		entry := Entry{
			LSN:        lsn,
			TxnID:      txn,
			Op:         r.Op,
			Collection: r.Collection,
			PrimaryKey: int64(r.PrimaryKey),
			Payload:    r.Payload,
			Timestamp:  now,
		}
		if err := w.writeEntryNoLock(&entry); err != nil {
			return 0, err
		}
	}
	commit := Entry{LSN: atomic.AddUint64(&w.lsn, 1), TxnID: txn, Op: OpCommit, Timestamp: now}
	if err := w.writeEntryNoLock(&commit); err != nil {
		return 0, err
	}
	return start, nil
}

func (w *WAL) writeEntryNoLock(entry *Entry) error {
	data := entry.Encode()
	if w.fileSize > 0 && w.fileSize+int64(len(data)) > MaxLogFileSize {
		if err := w.rotateNoLock(); err != nil {
			return err
		}
	}
	n, err := w.fd.Write(data)
	w.fileSize += int64(n)
	if err != nil {
		return errors.Wrapf(err, "write wal entry %d", entry.LSN)
	}
	return nil
}

// Fsync ensures all written data is persisted to disk
func (w *WAL) Fsync() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrLogClosed
	}
	return w.fd.Sync()
}

// LSN returns the last assigned log sequence number
func (w *WAL) LSN() uint64 {
	return atomic.LoadUint64(&w.lsn)
}

// Size returns the total size of all WAL files in bytes
func (w *WAL) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	files, err := w.findLogFiles()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, f := range files {
		stat, err := os.Stat(f)
		if err != nil {
			return 0, err
		}
		total += stat.Size()
	}
	return total, nil
}

// Close closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed || w.fd == nil {
		return nil
	}
	if err := w.fd.Sync(); err != nil {
		return err
	}
	err := w.fd.Close()
	w.closed = true
	return err
}

// rotateNoLock switches to a new log file (caller must hold mu)
func (w *WAL) rotateNoLock() error {
	if err := w.fd.Sync(); err != nil {
		return err
	}
	if err := w.fd.Close(); err != nil {
		return err
	}
	w.fileIndex++
	return w.openFileNoLock(w.logFilePath(w.fileIndex))
}

func (w *WAL) baseName() string {
	return filepath.Base(w.Path)
}

func (w *WAL) logFilePath(index int) string {
	return filepath.Join(filepath.Dir(w.Path), fmt.Sprintf("%s.%03d", w.baseName(), index))
}

func (w *WAL) indexOf(path string) (int, error) {
	var index int
	if _, err := fmt.Sscanf(filepath.Base(path), w.baseName()+".%d", &index); err != nil {
		return 0, errors.Wrapf(err, "parse wal file index %s", path)
	}
	return index, nil
}

// findLogFiles returns all WAL files sorted by index
func (w *WAL) findLogFiles() ([]string, error) {
	dir := filepath.Dir(w.Path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []string
	indexes := make(map[string]int)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		index, err := w.indexOf(path)
		if err != nil {
			continue
		}
		indexes[path] = index
		files = append(files, path)
	}
	sort.Slice(files, func(i, j int) bool { return indexes[files[i]] < indexes[files[j]] })
	return files, nil
}

// scanHighWaterMarks returns the highest LSN and transaction id across files
// together with the number of torn file tails found
func scanHighWaterMarks(files []string) (maxLSN, maxTxn uint64, torn int, err error) {
	r := NewReader(files)
	if err := r.Open(); err != nil {
		return 0, 0, 0, err
	}
	defer r.Close()

	for {
		entry, err := r.Next()
		if err == io.EOF {
			return maxLSN, maxTxn, r.TornEntries, nil
		}
		if err != nil {
			return 0, 0, 0, err
		}
		if entry.LSN > maxLSN {
			maxLSN = entry.LSN
		}
		if entry.TxnID > maxTxn {
			maxTxn = entry.TxnID
		}
	}
}
