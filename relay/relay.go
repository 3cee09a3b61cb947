package relay

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tablecast/tablecast/cfg"
	"github.com/tablecast/tablecast/db"
)

// Relay manages the lifecycle of all sink workers.
type Relay struct {
	checkpoint *Checkpoint
	workers    []*Worker
	store      *db.Store
	running    atomic.Bool
	mu         sync.Mutex
}

// New creates a relay with one worker per configured sink. The cursor store
// lives under {dataDir}/relay.
func New(store *db.Store, dataDir string, sinks []cfg.SinkConfiguration) (*Relay, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	checkpoint, err := OpenCheckpoint(filepath.Join(dataDir, "relay"))
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	r := &Relay{
		checkpoint: checkpoint,
		workers:    make([]*Worker, 0, len(sinks)),
		store:      store,
	}

	for _, sinkCfg := range sinks {
		if err := r.AddSink(sinkCfg); err != nil {
			// Cleanup on error: close all worker sinks and the checkpoint store
			for _, worker := range r.workers {
				if worker.config.Sink != nil {
					worker.config.Sink.Close()
				}
			}
			checkpoint.Close()
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(r.workers)).
		Msg("Relay initialized")

	return r, nil
}

// AddSink creates and adds a new worker for the given sink configuration.
func (r *Relay) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	if config.Format == "" {
		config.Format = "json"
	}
	trans, err := createTransformer(config.Format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	filter, err := NewGlobFilter(config.Tables)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	var codec *Codec
	switch strings.ToLower(config.Compression) {
	case "", "none":
	case "zstd":
		codec = NewCodec()
	default:
		snk.Close()
		return fmt.Errorf("unknown compression: %s", config.Compression)
	}

	// Kafka topic names conventionally avoid dots; NATS subjects are
	// dot-hierarchical.
	separator := "."
	if strings.EqualFold(config.Type, "kafka") {
		separator = "-"
	}

	workerConfig := WorkerConfig{
		Name:            config.Name,
		Store:           r.store,
		Checkpoint:      r.checkpoint,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		Codec:           codec,
		TopicPrefix:     config.TopicPrefix,
		TopicSeparator:  separator,
		BatchSize:       config.BatchSize,
		PollInterval:    time.Duration(config.PollIntervalMS) * time.Millisecond,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
		MaxRetries:      config.MaxRetries,
	}

	worker, err := NewWorker(workerConfig)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	r.workers = append(r.workers, worker)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Msg("Added relay sink")

	return nil
}

// Start starts all workers.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("relay already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting relay")

	for _, worker := range r.workers {
		worker.Start()
	}

	r.running.Store(true)

	return nil
}

// Stop stops all workers, closes their sinks, and closes the cursor store.
func (r *Relay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return // Already stopped
	}

	log.Info().Msg("Stopping relay")

	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().Err(err).Str("sink", worker.config.Name).Msg("Failed to close sink")
		}
	}

	if err := r.checkpoint.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close checkpoint store")
	}

	log.Info().Msg("Relay stopped")
}

// MinCursor returns the lowest cursor across all workers: every changelog
// entry at or below it has reached every sink. Zero workers means no
// constraint, reported as MaxUint64.
func (r *Relay) MinCursor() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	min := uint64(1<<64 - 1)
	for _, worker := range r.workers {
		if c := worker.Cursor(); c < min {
			min = c
		}
	}
	return min
}

// Workers returns the number of configured sink workers.
func (r *Relay) Workers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Cursors returns the durable cursor of each sink worker by name.
func (r *Relay) Cursors() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	cursors := make(map[string]uint64, len(r.workers))
	for _, worker := range r.workers {
		cursors[worker.Name()] = worker.Cursor()
	}
	return cursors
}

// SinkFactory is a function that creates a Sink from a configuration.
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer.
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type.
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format.
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createSink creates a sink based on the configuration.
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// createTransformer creates a transformer based on the format.
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}
