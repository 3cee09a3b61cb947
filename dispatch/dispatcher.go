// Package dispatch fans observed change events out to registered
// subscribers. Delivery is at-most-once: a subscriber that keeps up sees
// every event exactly once and in order, a subscriber that falls behind has
// events dropped, and nobody is retried.
package dispatch

import (
	"github.com/rs/zerolog/log"

	"github.com/tablecast/tablecast/common"
	"github.com/tablecast/tablecast/telemetry"
	"github.com/tablecast/tablecast/watch"
)

// Dispatcher routes watcher callbacks into the registry. Its methods match
// the watcher's handler signatures so a dispatcher can be wired directly
// into one.
type Dispatcher struct {
	registry *Registry
	onError  func(*watch.ObservationError)
}

// NewDispatcher creates a dispatcher delivering into registry. The error
// handler receives the fatal observation error when the change source
// halts; nil means halt is only logged.
func NewDispatcher(registry *Registry, onError func(*watch.ObservationError)) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		onError:  onError,
	}
}

// Registry returns the subscriber registry this dispatcher delivers into.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// OnChange dispatches one change event. Events carrying no operation are
// dropped without touching the registry.
func (d *Dispatcher) OnChange(ev common.ChangeEvent) {
	if ev.Op == common.OpNone {
		telemetry.EventsSkipped.Inc()
		log.Debug().
			Str("table", ev.Table).
			Str("key", ev.Key).
			Uint64("seq", ev.Seq).
			Msg("Ignoring no-op change event")
		return
	}

	offered, dropped := d.registry.Broadcast(ev)
	telemetry.EventsDispatched.With(ev.Table).Inc()

	if dropped > 0 {
		log.Debug().
			Str("table", ev.Table).
			Uint64("seq", ev.Seq).
			Int("offered", offered).
			Int("dropped", dropped).
			Msg("Dispatched change event with drops")
	}
}

// OnSourceError surfaces a fatal observation failure to the registered
// handler. The change source has already halted by the time this runs.
func (d *Dispatcher) OnSourceError(oerr *watch.ObservationError) {
	log.Error().Err(oerr).Uint64("cursor", oerr.Cursor).Msg("Change source halted")
	if d.onError != nil {
		d.onError(oerr)
	}
}
