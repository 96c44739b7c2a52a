package wal

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultCheckpointInterval is how often checkpoints are created
	DefaultCheckpointInterval = 10 * time.Minute
)

// Checkpoint starts a fresh log file, writes dump as one committed transaction,
// marks it with a checkpoint entry and removes every older log file.
// The caller must keep writers out until Checkpoint returns.
func (w *WAL) Checkpoint(dump []Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrLogClosed
	}
	if w.fileSize > 0 {
		if err := w.rotateNoLock(); err != nil {
			return errors.Wrap(err, "rotate before checkpoint")
		}
	}

	redo := atomic.LoadUint64(&w.lsn) + 1
	if len(dump) > 0 {
		start, err := w.writeTxnNoLock(dump)
		if err != nil {
			return errors.Wrap(err, "write checkpoint dump")
		}
		redo = start
	}

	marker := Entry{
		LSN:       atomic.AddUint64(&w.lsn, 1),
		Op:        OpCheckpoint,
		Payload:   checkpointPayload(redo),
		Timestamp: time.Now(),
	}
	if err := w.writeEntryNoLock(&marker); err != nil {
		return errors.Wrap(err, "write checkpoint entry")
	}
	if err := w.fd.Sync(); err != nil {
		return errors.Wrap(err, "fsync checkpoint")
	}
	return w.removeBeforeNoLock(w.fileIndex)
}

// removeBeforeNoLock deletes log files older than index (caller must hold mu)
func (w *WAL) removeBeforeNoLock(index int) error {
	files, err := w.findLogFiles()
	if err != nil {
		return err
	}
	for _, f := range files {
		i, err := w.indexOf(f)
		if err != nil || i >= index {
			continue
		}
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove old wal file %s", f)
		}
	}
	return nil
}

// Checkpointer runs checkpoints periodically
type Checkpointer struct {
	interval time.Duration
	flushFn  func() error
	onError  func(error)
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCheckpointer creates a checkpointer; flushFn performs one checkpoint and
// onError (optional) receives failures without stopping the loop
func NewCheckpointer(flushFn func() error, onError func(error)) *Checkpointer {
	return &Checkpointer{
		interval: DefaultCheckpointInterval,
		flushFn:  flushFn,
		onError:  onError,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// SetInterval changes the checkpoint interval; call before Start
func (c *Checkpointer) SetInterval(interval time.Duration) {
	if interval > 0 {
		c.interval = interval
	}
}

// Start starts the background checkpointing process
func (c *Checkpointer) Start() {
	go c.run()
}

// Stop stops the checkpointer and waits for the loop to exit
func (c *Checkpointer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Checkpointer) run() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.flushFn(); err != nil && c.onError != nil {
				c.onError(err)
			}
		case <-c.stopCh:
			return
		}
	}
}
