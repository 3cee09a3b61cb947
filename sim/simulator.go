// Package sim generates demo market activity: random-walk price updates
// over the quotes table with occasional listings and delistings. All writes
// go through the batch writer, so simulated traffic exercises the same
// capture path as real clients.
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tablecast/tablecast/cfg"
	"github.com/tablecast/tablecast/db"
)

const (
	DefaultInterval = 500 * time.Millisecond
	DefaultSymbols  = 12
	DefaultJitter   = 0.02

	simTable = "quotes"
)

// Extra listings used when the simulator grows the universe beyond the
// seeded rows. Exhausting the pool switches to synthesized codes.
var listingPool = []struct {
	Code string
	Name string
}{
	{"ORCL", "Oracle"},
	{"META", "Meta Platforms"},
	{"NFLX", "Netflix"},
	{"AMD", "Advanced Micro Devices"},
	{"INTC", "Intel"},
	{"IBM", "IBM"},
	{"CRM", "Salesforce"},
	{"ADBE", "Adobe"},
	{"AVGO", "Broadcom"},
	{"QCOM", "Qualcomm"},
	{"TXN", "Texas Instruments"},
	{"SHOP", "Shopify"},
	{"UBER", "Uber"},
	{"ABNB", "Airbnb"},
	{"PLTR", "Palantir"},
	{"SNOW", "Snowflake"},
}

type quote struct {
	name  string
	price float64
}

// Simulator drives the demo workload. One goroutine applies one mutation
// per tick: mostly price updates, with inserts and deletes drifting the
// symbol count toward the configured target.
type Simulator struct {
	store  *db.Store
	writer *db.BatchWriter
	table  *cfg.TableConfiguration

	interval time.Duration
	jitter   float64
	target   int

	rng       *rand.Rand
	quotes    map[string]quote
	nextIdx   int
	synthetic int

	lifecycleMu sync.Mutex
	running     atomic.Bool
	stopCh      chan struct{}
	doneCh      chan struct{}
}

// New creates a simulator over the quotes table. The table must be watched;
// a configuration without it disables the demo workload.
func New(store *db.Store, writer *db.BatchWriter, conf cfg.SimConfiguration) (*Simulator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if writer == nil {
		return nil, fmt.Errorf("writer is required")
	}

	var table *cfg.TableConfiguration
	tables := store.Tables()
	for i := range tables {
		if tables[i].Name == simTable {
			table = &tables[i]
			break
		}
	}
	if table == nil {
		return nil, fmt.Errorf("simulator requires the %s table to be watched", simTable)
	}

	interval := time.Duration(conf.IntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = DefaultInterval
	}
	target := conf.Symbols
	if target <= 0 {
		target = DefaultSymbols
	}
	jitter := conf.Jitter
	if jitter <= 0 {
		jitter = DefaultJitter
	}

	return &Simulator{
		store:    store,
		writer:   writer,
		table:    table,
		interval: interval,
		jitter:   jitter,
		target:   target,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		quotes:   make(map[string]quote),
	}, nil
}

// Start loads the current symbol universe and launches the tick loop.
// Calling Start on a running simulator is a no-op.
func (s *Simulator) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running.Load() {
		return nil
	}

	if err := s.loadUniverse(context.Background()); err != nil {
		return fmt.Errorf("failed to load symbol universe: %w", err)
	}

	s.running.Store(true)
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	log.Info().
		Dur("interval", s.interval).
		Int("symbols", len(s.quotes)).
		Int("target", s.target).
		Float64("jitter", s.jitter).
		Msg("Starting simulator")

	go s.tickLoop()
	return nil
}

// Stop halts the tick loop and waits for it to exit. Stopping a simulator
// that was never started is a no-op.
func (s *Simulator) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running.Load() {
		return
	}

	close(s.stopCh)
	<-s.doneCh
	s.running.Store(false)

	log.Info().Int("symbols", len(s.quotes)).Msg("Simulator stopped")
}

// loadUniverse reads the table so restarts continue walking existing prices
// instead of resetting them.
func (s *Simulator) loadUniverse(ctx context.Context) error {
	records, err := s.store.ReadAll(ctx, s.table.Name)
	if err != nil {
		return err
	}

	nameAttr := s.table.Attribute("name")
	priceAttr := s.table.Attribute("price")
	for _, rec := range records {
		price, ok := rec.Fields[priceAttr].(float64)
		if !ok {
			continue
		}
		name, _ := rec.Fields[nameAttr].(string)
		s.quotes[rec.Key] = quote{name: name, price: price}
	}
	return nil
}

func (s *Simulator) tickLoop() {
	defer close(s.doneCh)

	for {
		if !s.sleep(s.interval) {
			return
		}
		if err := s.step(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Simulated write failed")
		}
	}
}

// step applies one mutation. Updates dominate; inserts and deletes fire
// only while the universe is off its target size.
func (s *Simulator) step(ctx context.Context) error {
	roll := s.rng.Intn(100)

	switch {
	case len(s.quotes) == 0 || (len(s.quotes) < s.target && roll < 15):
		return s.list(ctx)
	case len(s.quotes) > s.target && roll < 15:
		return s.delist()
	default:
		return s.walk(ctx)
	}
}

// walk nudges one symbol's price by at most jitter in either direction. The
// full row is written so a symbol deleted out from under the simulator is
// relisted instead of tripping a constraint.
func (s *Simulator) walk(ctx context.Context) error {
	code := s.randomSymbol()
	if code == "" {
		return nil
	}

	q := s.quotes[code]
	move := (s.rng.Float64()*2 - 1) * s.jitter
	q.price = math.Round(q.price*(1+move)*100) / 100
	if q.price < 0.01 {
		q.price = 0.01
	}

	if err := s.upsert(ctx, code, q); err != nil {
		return err
	}

	s.quotes[code] = q
	log.Debug().Str("code", code).Float64("price", q.price).Msg("Simulated tick")
	return nil
}

// list inserts a new symbol from the pool, synthesizing codes once the pool
// runs dry.
func (s *Simulator) list(ctx context.Context) error {
	var code string
	var q quote
	for s.nextIdx < len(listingPool) {
		candidate := listingPool[s.nextIdx]
		s.nextIdx++
		if _, exists := s.quotes[candidate.Code]; !exists {
			code = candidate.Code
			q.name = candidate.Name
			break
		}
	}
	if code == "" {
		s.synthetic++
		code = fmt.Sprintf("SYM%02d", s.synthetic)
		q.name = fmt.Sprintf("Synthetic Listing %d", s.synthetic)
	}
	q.price = math.Round((20+s.rng.Float64()*480)*100) / 100

	if err := s.upsert(ctx, code, q); err != nil {
		return err
	}

	s.quotes[code] = q
	log.Debug().Str("code", code).Float64("price", q.price).Msg("Simulated listing")
	return nil
}

func (s *Simulator) delist() error {
	code := s.randomSymbol()
	if code == "" {
		return nil
	}

	op, err := s.store.DeleteOp(s.table.Name, code)
	if err != nil {
		return err
	}
	if _, err := s.writer.Enqueue(op).Get(); err != nil {
		return err
	}

	delete(s.quotes, code)
	log.Debug().Str("code", code).Msg("Simulated delisting")
	return nil
}

func (s *Simulator) upsert(ctx context.Context, code string, q quote) error {
	op, err := s.store.UpsertOp(ctx, s.table.Name, map[string]any{
		s.table.Key: code,
		"name":      q.name,
		"price":     q.price,
	})
	if err != nil {
		return err
	}
	_, err = s.writer.Enqueue(op).Get()
	return err
}

func (s *Simulator) randomSymbol() string {
	if len(s.quotes) == 0 {
		return ""
	}
	n := s.rng.Intn(len(s.quotes))
	for code := range s.quotes {
		if n == 0 {
			return code
		}
		n--
	}
	return ""
}

// sleep waits for d unless stop is requested first. Returns false when the
// simulator is stopping.
func (s *Simulator) sleep(d time.Duration) bool {
	select {
	case <-s.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
