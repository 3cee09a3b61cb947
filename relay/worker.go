package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tablecast/tablecast/common"
	"github.com/tablecast/tablecast/db"
	"github.com/tablecast/tablecast/telemetry"
)

const (
	// Default batch size for reading changelog rows per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of retry attempts before giving up on a publish operation
	DefaultMaxRetries = 100
)

// WorkerConfig configures one relay worker.
type WorkerConfig struct {
	Name            string        // Sink name (for cursor tracking)
	Store           *db.Store     // Changelog to read from
	Checkpoint      *Checkpoint   // Durable cursor store
	Sink            Sink          // Destination sink
	Transformer     Transformer   // Event transformer
	Filter          Filter        // Table filter
	Codec           *Codec        // Optional payload compression
	TopicPrefix     string        // Topic prefix (e.g. "tablecast")
	TopicSeparator  string        // Joins prefix and table, "." when empty
	BatchSize       int           // Rows per poll cycle
	PollInterval    time.Duration // Poll interval
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum retry attempts (0 = unlimited)
}

// Worker polls the changelog behind a durable cursor and publishes each
// entry to its sink. Cursor advances only after a successful publish, so
// delivery is at-least-once across restarts.
type Worker struct {
	config      WorkerConfig
	cursor      atomic.Uint64
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker creates a relay worker, resuming from its persisted cursor.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config.Checkpoint == nil {
		return nil, fmt.Errorf("checkpoint is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}

	if config.TopicSeparator == "" {
		config.TopicSeparator = "."
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	cursor, err := config.Checkpoint.Get(config.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get cursor: %w", err)
	}

	w := &Worker{
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	w.cursor.Store(cursor)

	return w, nil
}

// Name returns the configured sink name.
func (w *Worker) Name() string {
	return w.config.Name
}

// Cursor returns the last changelog sequence this worker has processed.
func (w *Worker) Cursor() uint64 {
	return w.cursor.Load()
}

// Start starts the worker goroutine.
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return // Already running
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Str("worker", w.config.Name).
		Uint64("cursor", w.cursor.Load()).
		Msg("Starting relay worker")

	go w.pollLoop()
}

// Stop stops the worker gracefully.
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return // Not running
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping relay worker")

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Relay worker stopped")
}

// pollLoop is the main worker loop.
func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		default:
			rows, err := w.config.Store.ChangesSince(context.Background(), w.cursor.Load(), w.config.BatchSize)
			if err != nil {
				log.Error().
					Err(err).
					Str("worker", w.config.Name).
					Uint64("cursor", w.cursor.Load()).
					Msg("Failed to read changelog")
				w.sleep(w.config.PollInterval)
				continue
			}

			if len(rows) == 0 {
				w.sleep(w.config.PollInterval)
				continue
			}

			for _, row := range rows {
				if err := w.processRow(row); err != nil {
					log.Error().
						Err(err).
						Str("worker", w.config.Name).
						Uint64("seq", row.Seq).
						Msg("Failed to relay change")
					// processRow already handles retries - this shouldn't happen
					return
				}
				w.advance(row.Seq)
			}
		}
	}
}

// processRow relays a single changelog entry.
// Delivery semantics: at-least-once with cursor tracking.
// - The entry is published first, then the cursor is advanced.
// - If cursor persistence fails, the entry may be redelivered on restart.
// - Filtered entries advance the cursor without publishing.
func (w *Worker) processRow(row db.ChangeRow) error {
	if !w.config.Filter.Match(row.Table) {
		return nil
	}

	event, err := eventFromRow(row)
	if err != nil {
		// A malformed image never repairs itself, so skip rather than wedge
		// the sink behind it.
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", row.Seq).
			Msg("Skipping undecodable changelog entry")
		return nil
	}

	schema, err := w.config.Store.TableSchema(context.Background(), event.Table)
	if err != nil {
		return fmt.Errorf("failed to get schema for %s: %w", event.Table, err)
	}

	data, err := w.config.Transformer.Transform(event, schema)
	if err != nil {
		return fmt.Errorf("failed to transform event: %w", err)
	}
	if w.config.Codec != nil {
		data = w.config.Codec.Compress(data)
	}

	topic := w.buildTopic(event.Table)

	if err := w.publishWithRetry(topic, event.Key, data); err != nil {
		return err
	}

	// DELETE also emits a tombstone so log-compacted brokers drop the key.
	if event.Op == common.OpDelete {
		tombstone := w.config.Transformer.Tombstone(event.Key)
		if err := w.publishWithRetry(topic, event.Key, tombstone); err != nil {
			return err
		}
	}

	return nil
}

// advance moves the in-memory cursor and persists it. Persistence failure
// is non-fatal: the entry may be redelivered on restart.
func (w *Worker) advance(seq uint64) {
	w.cursor.Store(seq)
	if err := w.config.Checkpoint.Set(w.config.Name, seq); err != nil {
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Uint64("seq", seq).
			Msg("Failed to persist cursor - entry may be redelivered")
	}
}

// buildTopic builds the topic name for a table.
func (w *Worker) buildTopic(table string) string {
	if w.config.TopicPrefix == "" {
		return table
	}
	return w.config.TopicPrefix + w.config.TopicSeparator + table
}

// publishWithRetry publishes data with exponential backoff retry.
// Returns error if max retries exhausted or worker stopped.
func (w *Worker) publishWithRetry(topic, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(topic, key, data)
		if err == nil {
			telemetry.RelayPublished.With(w.config.Name).Inc()
			return nil
		}

		attempts++
		telemetry.RelayRetries.With(w.config.Name).Inc()

		if w.config.MaxRetries > 0 && attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, topic, err)
		}

		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("topic", topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish event, retrying")

		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh.
// Returns true if sleep completed, false if stopped.
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
