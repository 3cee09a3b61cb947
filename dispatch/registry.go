package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tablecast/tablecast/common"
	"github.com/tablecast/tablecast/telemetry"
)

const (
	// DefaultBufferSize is the per-subscriber event channel buffer. Sized to
	// absorb typical bursts; subscribers that fall further behind get events
	// dropped rather than stalling the broadcast.
	DefaultBufferSize = 64
	// DefaultSendTimeout bounds how long a full subscriber is waited on
	// before the event is dropped.
	DefaultSendTimeout = 250 * time.Millisecond
)

// DeliveryError describes one failed delivery to one subscriber. It is
// logged and counted where it happens and never propagates; a lost event
// for one consumer must not disturb the others.
type DeliveryError struct {
	Subscription uint64
	Table        string
	Seq          uint64
	Reason       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to subscription %d failed (%s): %s seq %d",
		e.Subscription, e.Reason, e.Table, e.Seq)
}

// Subscription is one registered change consumer. Events arrive on the
// channel returned by Events until Cancel is called; the channel is never
// closed, so receivers must also select on Done.
type Subscription struct {
	id       uint64
	tables   []string
	ch       chan common.ChangeEvent
	done     chan struct{}
	registry *Registry

	cancelled atomic.Bool
	// pending marks an in-flight timed send. While set, further events for
	// this subscriber are dropped so delivery order is preserved.
	pending atomic.Bool
	dropped atomic.Uint64
}

// Events returns the subscriber's event channel.
func (s *Subscription) Events() <-chan common.ChangeEvent {
	return s.ch
}

// Done is closed when the subscription is released.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// ID returns the registry-assigned subscription id.
func (s *Subscription) ID() uint64 {
	return s.id
}

// Dropped returns how many events were dropped for this subscriber.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Cancel releases the subscription. After Cancel returns no new broadcast
// will target this subscriber; events already buffered remain readable.
// Cancel is idempotent and safe to call concurrently with broadcasts.
func (s *Subscription) Cancel() {
	if !s.cancelled.CompareAndSwap(false, true) {
		return
	}
	s.registry.remove(s.id)
	close(s.done)
}

// matches checks the subscription's table filter. Empty filter means all
// tables.
func (s *Subscription) matches(table string) bool {
	if len(s.tables) == 0 {
		return true
	}
	for _, t := range s.tables {
		if t == table {
			return true
		}
	}
	return false
}

// offer attempts delivery without blocking the caller. A full buffer hands
// the event to a timed send goroutine; while that send is pending every
// further event is dropped immediately.
func (s *Subscription) offer(ev common.ChangeEvent, timeout time.Duration) bool {
	if s.cancelled.Load() {
		return false
	}
	if s.pending.Load() {
		s.markDropped("lagging")
		return false
	}

	select {
	case s.ch <- ev:
		telemetry.DeliveriesTotal.Inc()
		return true
	default:
	}

	if !s.pending.CompareAndSwap(false, true) {
		s.markDropped("lagging")
		return false
	}
	go s.slowSend(ev, timeout)
	return true
}

// slowSend waits up to timeout for buffer room, then gives up on the event.
func (s *Subscription) slowSend(ev common.ChangeEvent, timeout time.Duration) {
	defer s.pending.Store(false)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case s.ch <- ev:
		telemetry.DeliveriesTotal.Inc()
	case <-timer.C:
		s.markDropped("timeout")
		derr := &DeliveryError{Subscription: s.id, Table: ev.Table, Seq: ev.Seq, Reason: "timeout"}
		log.Warn().
			Err(derr).
			Uint64("subscription", s.id).
			Dur("timeout", timeout).
			Msg("Dropped change event for lagging subscriber")
	case <-s.done:
	}
}

func (s *Subscription) markDropped(reason string) {
	s.dropped.Add(1)
	telemetry.DropsTotal.With(reason).Inc()
}

// Registry tracks change subscribers and fans events out to them.
type Registry struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID atomic.Uint64

	bufferSize  int
	sendTimeout time.Duration
}

func NewRegistry(bufferSize int, sendTimeout time.Duration) *Registry {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Registry{
		subs:        make(map[uint64]*Subscription),
		bufferSize:  bufferSize,
		sendTimeout: sendTimeout,
	}
}

// Subscribe registers a new consumer. With no tables given the subscriber
// receives events for every table; otherwise only for the named ones.
func (r *Registry) Subscribe(tables ...string) *Subscription {
	sub := &Subscription{
		id:       r.nextID.Add(1),
		tables:   tables,
		ch:       make(chan common.ChangeEvent, r.bufferSize),
		done:     make(chan struct{}),
		registry: r,
	}

	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()

	telemetry.Subscribers.Inc()
	return sub
}

func (r *Registry) remove(id uint64) {
	r.mu.Lock()
	_, ok := r.subs[id]
	if ok {
		delete(r.subs, id)
	}
	r.mu.Unlock()

	if ok {
		telemetry.Subscribers.Dec()
	}
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Broadcast fans one event out to the subscribers registered at the moment
// the broadcast starts. Subscribers added afterwards do not receive the
// event; subscribers cancelled afterwards may still receive it. Returns how
// many subscribers the event was offered to and how many dropped it
// immediately.
func (r *Registry) Broadcast(ev common.ChangeEvent) (offered, dropped int) {
	r.mu.RLock()
	snapshot := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		snapshot = append(snapshot, sub)
	}
	r.mu.RUnlock()

	start := time.Now()
	for _, sub := range snapshot {
		if !sub.matches(ev.Table) {
			continue
		}
		if sub.offer(ev, r.sendTimeout) {
			offered++
		} else {
			dropped++
		}
	}
	telemetry.BroadcastSeconds.Observe(time.Since(start).Seconds())

	return offered, dropped
}

// Shutdown cancels every live subscription.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	snapshot := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		snapshot = append(snapshot, sub)
	}
	r.mu.RUnlock()

	for _, sub := range snapshot {
		sub.Cancel()
	}
}
