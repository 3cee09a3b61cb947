// Package watch turns changelog rows into change events. A single poll
// goroutine reads the capture log in sequence order, decodes the row images,
// applies the configured field mapping, and hands each event to the change
// callback one at a time.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tablecast/tablecast/cfg"
	"github.com/tablecast/tablecast/common"
	"github.com/tablecast/tablecast/db"
	"github.com/tablecast/tablecast/telemetry"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultBatchSize    = 512
	// Consecutive poll failures tolerated before the watcher halts.
	DefaultMaxFailures = 5
)

// ObservationError reports a fatal observation failure. After one is
// delivered the watcher has stopped polling; Stop then Start begins a
// fresh observation from the store's current end.
type ObservationError struct {
	Cursor   uint64
	Failures int
	Err      error
}

func (e *ObservationError) Error() string {
	return fmt.Sprintf("change observation halted at seq %d after %d consecutive poll failures: %v",
		e.Cursor, e.Failures, e.Err)
}

func (e *ObservationError) Unwrap() error {
	return e.Err
}

// ChangeHandler receives each observed change event. It is called
// sequentially from the poll goroutine, so a slow handler delays
// observation but events never arrive concurrently or out of order.
type ChangeHandler func(common.ChangeEvent)

// ErrorHandler receives the fatal error when observation halts.
type ErrorHandler func(*ObservationError)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxFailures  int
}

// Watcher polls the capture log and emits change events.
type Watcher struct {
	store    *db.Store
	conf     Config
	tables   map[string]*cfg.TableConfiguration
	onChange ChangeHandler
	onError  ErrorHandler

	cursor atomic.Uint64

	lifecycleMu sync.Mutex
	running     atomic.Bool
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New creates a watcher for the store's watched tables. The cursor is not
// positioned until Start.
func New(store *db.Store, conf Config, onChange ChangeHandler, onError ErrorHandler) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if onChange == nil {
		return nil, fmt.Errorf("change handler is required")
	}

	if conf.PollInterval <= 0 {
		conf.PollInterval = DefaultPollInterval
	}
	if conf.BatchSize <= 0 {
		conf.BatchSize = DefaultBatchSize
	}
	if conf.MaxFailures <= 0 {
		conf.MaxFailures = DefaultMaxFailures
	}

	tabs := store.Tables()
	tables := make(map[string]*cfg.TableConfiguration, len(tabs))
	for i := range tabs {
		tables[tabs[i].Name] = &tabs[i]
	}

	return &Watcher{
		store:    store,
		conf:     conf,
		tables:   tables,
		onChange: onChange,
		onError:  onError,
	}, nil
}

// Cursor returns the sequence of the last observed changelog entry.
func (w *Watcher) Cursor() uint64 {
	return w.cursor.Load()
}

// Start positions the cursor at the current end of the capture log and
// launches the poll goroutine, returning immediately. Only mutations
// committed after Start are emitted; earlier rows are covered by snapshots,
// and mutations during a stopped window are likewise skipped on restart.
// Calling Start on a running watcher is a no-op.
func (w *Watcher) Start() error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return nil
	}

	seq, err := w.store.MaxSeq(context.Background())
	if err != nil {
		return fmt.Errorf("failed to position watcher: %w", err)
	}
	w.cursor.Store(seq)

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().
		Uint64("cursor", seq).
		Dur("poll_interval", w.conf.PollInterval).
		Msg("Starting change watcher")

	go w.pollLoop()
	return nil
}

// Stop halts observation and waits for the poll goroutine to exit. No
// events are delivered after Stop returns. Stopping a watcher that was
// never started is a no-op.
func (w *Watcher) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	<-w.doneCh
	w.running.Store(false)

	log.Info().Uint64("cursor", w.cursor.Load()).Msg("Change watcher stopped")
}

func (w *Watcher) pollLoop() {
	defer close(w.doneCh)

	failures := 0
	for {
		select {
		case <-w.stopCh:
			return
		default:
			start := time.Now()
			rows, err := w.store.ChangesSince(context.Background(), w.cursor.Load(), w.conf.BatchSize)
			telemetry.PollSeconds.Observe(time.Since(start).Seconds())

			if err != nil {
				failures++
				telemetry.PollFailures.Inc()
				log.Error().
					Err(err).
					Uint64("cursor", w.cursor.Load()).
					Int("failures", failures).
					Msg("Failed to poll capture log")

				if failures >= w.conf.MaxFailures {
					w.halt(failures, err)
					return
				}
				w.sleep(w.conf.PollInterval)
				continue
			}
			failures = 0

			if len(rows) == 0 {
				w.sleep(w.conf.PollInterval)
				continue
			}

			for _, row := range rows {
				select {
				case <-w.stopCh:
					return
				default:
				}

				ev, err := w.normalize(row)
				if err != nil {
					// A malformed entry cannot be retried into shape;
					// skip it and keep the stream moving.
					log.Warn().
						Err(err).
						Uint64("seq", row.Seq).
						Str("table", row.Table).
						Msg("Skipping malformed changelog entry")
					telemetry.EventsSkipped.Inc()
					w.cursor.Store(row.Seq)
					continue
				}

				telemetry.EventsObserved.With(ev.Table).Inc()
				w.onChange(ev)
				w.cursor.Store(row.Seq)
			}
		}
	}
}

// halt reports a fatal observation error. The poll goroutine exits but the
// watcher still counts as running until Stop is called; a later Start
// begins a fresh observation.
func (w *Watcher) halt(failures int, err error) {
	oerr := &ObservationError{
		Cursor:   w.cursor.Load(),
		Failures: failures,
		Err:      err,
	}

	telemetry.ObservationHalts.Inc()
	log.Error().
		Err(err).
		Uint64("cursor", oerr.Cursor).
		Int("failures", failures).
		Msg("Change observation halted")

	if w.onError != nil {
		w.onError(oerr)
	}
}

// normalize decodes one changelog row into a change event with mapped field
// names. Updates whose images are identical come back as OpNone.
func (w *Watcher) normalize(row db.ChangeRow) (common.ChangeEvent, error) {
	t, ok := w.tables[row.Table]
	if !ok {
		return common.ChangeEvent{}, fmt.Errorf("entry for unwatched table %s", row.Table)
	}

	rawRow, err := decodeImage(row.RowImage)
	if err != nil {
		return common.ChangeEvent{}, fmt.Errorf("bad row image: %w", err)
	}
	rawPrior, err := decodeImage(row.PriorImage)
	if err != nil {
		return common.ChangeEvent{}, fmt.Errorf("bad prior image: %w", err)
	}

	op := common.OperationFromCode(row.Op)
	if op == common.OpUpdate && reflect.DeepEqual(rawRow, rawPrior) {
		op = common.OpNone
	}

	return common.ChangeEvent{
		Seq:       row.Seq,
		Table:     row.Table,
		Op:        op,
		Key:       row.Key,
		Row:       mapAttributes(t, rawRow),
		Prior:     mapAttributes(t, rawPrior),
		Timestamp: row.CreatedAt,
	}, nil
}

// sleep waits for d unless the watcher is stopped first. Returns false when
// interrupted by Stop.
func (w *Watcher) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

func decodeImage(image []byte) (map[string]any, error) {
	if len(image) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(image, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// mapAttributes renames source columns to their configured attribute names.
// Columns without a mapping keep the source name.
func mapAttributes(t *cfg.TableConfiguration, raw map[string]any) map[string]any {
	if raw == nil {
		return nil
	}
	out := make(map[string]any, len(raw))
	for col, v := range raw {
		out[t.Attribute(col)] = v
	}
	return out
}
