package db

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tablecast/tablecast/telemetry"
)

// Janitor periodically deletes changelog entries that every consumer has
// moved past. The watermark callback reports the lowest sequence still
// needed; entries below it are removed once older than the retention window.
type Janitor struct {
	store     *Store
	interval  time.Duration
	retention time.Duration
	watermark func() uint64

	lifecycleMu sync.Mutex
	running     atomic.Bool
	stopCh      chan struct{}
	doneCh      chan struct{}
}

func NewJanitor(store *Store, interval, retention time.Duration, watermark func() uint64) *Janitor {
	return &Janitor{
		store:     store,
		interval:  interval,
		retention: retention,
		watermark: watermark,
	}
}

// Start launches the cleanup loop. Calling Start on a running janitor is a
// no-op.
func (j *Janitor) Start() {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()

	if j.running.Load() {
		return
	}

	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.running.Store(true)

	go j.run()
}

// Stop halts the cleanup loop and waits for it to exit.
func (j *Janitor) Stop() {
	j.lifecycleMu.Lock()
	defer j.lifecycleMu.Unlock()

	if !j.running.Load() {
		return
	}

	close(j.stopCh)
	<-j.doneCh
	j.running.Store(false)
}

func (j *Janitor) run() {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			return
		case <-ticker.C:
			j.prune()
		}
	}
}

func (j *Janitor) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), j.interval)
	defer cancel()

	below := j.watermark()
	if below == 0 {
		return
	}

	pruned, err := j.store.PruneBelow(ctx, below, j.retention)
	if err != nil {
		log.Warn().Err(err).Msg("Changelog cleanup failed")
		return
	}
	if pruned > 0 {
		telemetry.ChangelogPruned.Add(float64(pruned))
		log.Debug().
			Int64("rows", pruned).
			Uint64("below", below).
			Msg("Pruned changelog entries")
	}
}
