package persistence

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// WriterConfig bounds a Writer's batching.
type WriterConfig struct {
	// BatchSize rows wake the flusher before the interval elapses.
	BatchSize int
	Interval  time.Duration
	// MaxPending caps rows held while the database keeps failing; the
	// oldest are dropped beyond it.
	MaxPending int
}

// Stats counts a Writer's activity.
type Stats struct {
	Committed uint64    `json:"committed"`
	Batches   uint64    `json:"batches"`
	Failures  uint64    `json:"failures"`
	Dropped   uint64    `json:"dropped"`
	LastFlush time.Time `json:"last_flush"`
}

type row struct {
	stmt string
	args []any
}

// Writer commits journal rows to SQLite from a background goroutine so the
// trading loop never waits on the database. A failed batch stays queued
// and is retried on the next flush.
type Writer struct {
	db  *sql.DB
	log *zap.Logger
	cfg WriterConfig

	mu      sync.Mutex
	pending []row
	stats   Stats

	flushMu sync.Mutex // one batch in flight

	kick      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewWriter(db *sql.DB, cfg WriterConfig, log *zap.Logger) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = cfg.BatchSize * 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	w := &Writer{
		db:   db,
		log:  log.With(zap.String("component", "journal_db")),
		cfg:  cfg,
		kick: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

func (w *Writer) enqueue(stmt string, args []any) {
	w.mu.Lock()
	w.pending = append(w.pending, row{stmt: stmt, args: args})
	w.trimLocked()
	full := len(w.pending) >= w.cfg.BatchSize
	w.mu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

func (w *Writer) trimLocked() {
	if over := len(w.pending) - w.cfg.MaxPending; over > 0 {
		w.pending = append([]row(nil), w.pending[over:]...)
		w.stats.Dropped += uint64(over)
		w.log.Warn("journal rows dropped", zap.Int("rows", over))
	}
}

// Flush commits everything queued in one transaction. On failure the rows
// are queued again ahead of anything added meanwhile.
func (w *Writer) Flush() error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	batch := w.pending
	w.pending = nil
	w.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	err := w.commit(batch)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.LastFlush = time.Now()
	if err != nil {
		w.stats.Failures++
		w.pending = append(batch, w.pending...)
		w.trimLocked()
		return err
	}
	w.stats.Committed += uint64(len(batch))
	w.stats.Batches++
	return nil
}

func (w *Writer) commit(batch []row) (err error) {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stmts := make(map[string]*sql.Stmt)
	for _, r := range batch {
		st, ok := stmts[r.stmt]
		if !ok {
			if st, err = tx.Prepare(r.stmt); err != nil {
				return fmt.Errorf("prepare: %w", err)
			}
			defer st.Close()
			stmts[r.stmt] = st
		}
		if _, err = st.Exec(r.args...); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	w.log.Debug("journal rows committed", zap.Int("rows", len(batch)))
	return nil
}

func (w *Writer) loop() {
	defer w.wg.Done()
	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
		case <-w.kick:
		case <-w.done:
			if err := w.Flush(); err != nil {
				w.log.Error("final journal flush failed", zap.Int("rows", w.Pending()), zap.Error(err))
			}
			return
		}
		if err := w.Flush(); err != nil {
			w.log.Warn("journal flush failed; will retry", zap.Int("rows", w.Pending()), zap.Error(err))
		}
	}
}

// Pending returns the number of rows not yet committed.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close stops the flusher after a last attempt. Rows that still could not
// be written are reported as an error.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
	})
	if n := w.Pending(); n > 0 {
		return fmt.Errorf("journal database: %d rows not written", n)
	}
	return nil
}
