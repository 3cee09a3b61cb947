package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tablecast/tablecast/telemetry"
)

// ErrWriterStopped is returned for operations enqueued after Stop.
var ErrWriterStopped = errors.New("batch writer stopped")

// Op is one mutation executed inside a batch transaction.
type Op func(tx *sql.Tx) error

type queuedOp struct {
	op      Op
	promise *future.Promise[error]
	err     error
}

// BatchWriter serializes all mutations through one connection, committing
// them in batches: one transaction (and one fsync) per flush window instead
// of one per operation. Callers receive a future resolved after the commit
// that contains their operation.
type BatchWriter struct {
	dbPath string
	db     *sql.DB

	mu      sync.Mutex
	pending []*queuedOp

	maxBatchSize int
	maxWait      time.Duration

	kick    chan struct{}
	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
	logger  zerolog.Logger
}

// NewBatchWriter creates a writer for the database at dbPath.
func NewBatchWriter(dbPath string, maxBatchSize int, maxWait time.Duration) *BatchWriter {
	if maxBatchSize <= 0 {
		maxBatchSize = 256
	}
	if maxWait <= 0 {
		maxWait = 25 * time.Millisecond
	}
	return &BatchWriter{
		dbPath:       dbPath,
		maxBatchSize: maxBatchSize,
		maxWait:      maxWait,
		kick:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		logger:       log.With().Str("component", "batch_writer").Logger(),
	}
}

// Start opens the dedicated write connection and begins the flush loop.
func (bw *BatchWriter) Start() error {
	db, err := bw.openOptimizedConnection()
	if err != nil {
		return fmt.Errorf("failed to open batch writer connection: %w", err)
	}
	bw.db = db

	bw.wg.Add(1)
	go bw.flushLoop()
	return nil
}

func (bw *BatchWriter) openOptimizedConnection() (*sql.DB, error) {
	// WAL mode for compatibility with the read pool,
	// _txlock=immediate to acquire the write lock at BEGIN
	dsn := bw.dbPath
	if !strings.Contains(dsn, ":memory:") {
		if strings.Contains(dsn, "?") {
			dsn += "&_journal_mode=WAL&_txlock=immediate"
		} else {
			dsn += "?_journal_mode=WAL&_txlock=immediate"
		}
	}

	db, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, err
	}

	// Single connection for batch writes
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Batch-optimized PRAGMAs: the batch commit amortizes the crash window
	// a relaxed synchronous setting opens
	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA journal_mode = WAL",
		"PRAGMA wal_autocheckpoint = 10000",
		"PRAGMA journal_size_limit = 67108864",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}

	return db, nil
}

// Enqueue queues one operation for the next batch. The returned future
// resolves after the transaction containing the operation commits, carrying
// the operation's own error (nil on success) in its error slot.
func (bw *BatchWriter) Enqueue(op Op) *future.Future[error] {
	p := future.NewPromise[error]()

	if bw.stopped.Load() {
		p.Set(nil, ErrWriterStopped)
		return p.Future()
	}

	bw.mu.Lock()
	bw.pending = append(bw.pending, &queuedOp{op: op, promise: p})
	full := len(bw.pending) >= bw.maxBatchSize
	bw.mu.Unlock()

	if full {
		select {
		case bw.kick <- struct{}{}:
		default:
		}
	}

	return p.Future()
}

// Stop flushes outstanding operations and closes the write connection.
func (bw *BatchWriter) Stop() {
	if !bw.stopped.CompareAndSwap(false, true) {
		return
	}
	close(bw.stopCh)
	bw.wg.Wait()

	// Resolve anything enqueued during shutdown without executing it
	bw.mu.Lock()
	leftover := bw.pending
	bw.pending = nil
	bw.mu.Unlock()
	for _, qo := range leftover {
		qo.promise.Set(nil, ErrWriterStopped)
	}

	if bw.db != nil {
		bw.db.Close()
	}
}

func (bw *BatchWriter) flushLoop() {
	defer bw.wg.Done()

	ticker := time.NewTicker(bw.maxWait)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bw.tryFlush()
		case <-bw.kick:
			bw.tryFlush()
		case <-bw.stopCh:
			bw.tryFlush()
			return
		}
	}
}

func (bw *BatchWriter) tryFlush() {
	bw.mu.Lock()
	if len(bw.pending) == 0 {
		bw.mu.Unlock()
		return
	}
	batch := bw.pending
	bw.pending = nil
	bw.mu.Unlock()

	bw.flush(batch)
}

func (bw *BatchWriter) flush(batch []*queuedOp) {
	start := time.Now()

	tx, err := bw.db.Begin()
	if err != nil {
		for _, qo := range batch {
			qo.promise.Set(nil, err)
		}
		return
	}

	// A failing operation does not abort the batch: SQLite statement errors
	// leave the transaction usable, and each caller gets its own result.
	for _, qo := range batch {
		qo.err = qo.op(tx)
	}

	// Commit (single fsync for the entire batch)
	if err := tx.Commit(); err != nil {
		tx.Rollback()
		bw.logger.Error().Err(err).Int("ops", len(batch)).Msg("Batch commit failed")
		for _, qo := range batch {
			qo.promise.Set(nil, err)
		}
		return
	}

	telemetry.WriterFlushes.Inc()
	telemetry.WriterQueuedOps.Observe(float64(len(batch)))
	telemetry.WriterFlushSeconds.Observe(time.Since(start).Seconds())

	for _, qo := range batch {
		qo.promise.Set(nil, qo.err)
	}
}
