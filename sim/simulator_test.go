package sim

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/tablecast/tablecast/cfg"
	"github.com/tablecast/tablecast/db"
)

func testStore(t *testing.T, tables []cfg.TableConfiguration) *db.Store {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"), tables)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.Ensure(context.Background()); err != nil {
		store.Close()
		t.Fatalf("failed to ensure schema: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func quotesTables() []cfg.TableConfiguration {
	return []cfg.TableConfiguration{
		{
			Name:   "quotes",
			Key:    "code",
			Schema: `CREATE TABLE IF NOT EXISTS quotes (code TEXT PRIMARY KEY, name TEXT NOT NULL, price REAL NOT NULL)`,
			Fields: map[string]string{"code": "Symbol", "name": "Name", "price": "Price"},
		},
	}
}

func testSimulator(t *testing.T) (*Simulator, *db.Store) {
	t.Helper()

	store := testStore(t, quotesTables())

	writer := db.NewBatchWriter(store.Path(), 16, 5*time.Millisecond)
	if err := writer.Start(); err != nil {
		t.Fatalf("failed to start batch writer: %v", err)
	}
	t.Cleanup(writer.Stop)

	sim, err := New(store, writer, cfg.SimConfiguration{IntervalMS: 10, Symbols: 4})
	if err != nil {
		t.Fatalf("failed to create simulator: %v", err)
	}
	return sim, store
}

func seedQuote(t *testing.T, store *db.Store, code, name string, price float64) {
	t.Helper()
	if _, err := store.DB().Exec(
		"INSERT INTO quotes (code, name, price) VALUES (?, ?, ?)", code, name, price); err != nil {
		t.Fatalf("failed to seed quote: %v", err)
	}
}

func rowCount(t *testing.T, store *db.Store) int64 {
	t.Helper()
	count, err := store.RowCount(context.Background(), "quotes")
	if err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func TestNewRequiresQuotesTable(t *testing.T) {
	store := testStore(t, []cfg.TableConfiguration{
		{
			Name:   "orders",
			Key:    "id",
			Schema: `CREATE TABLE IF NOT EXISTS orders (id TEXT PRIMARY KEY, qty INTEGER)`,
		},
	})

	writer := db.NewBatchWriter(store.Path(), 16, 5*time.Millisecond)
	if err := writer.Start(); err != nil {
		t.Fatalf("failed to start batch writer: %v", err)
	}
	t.Cleanup(writer.Stop)

	if _, err := New(store, writer, cfg.SimConfiguration{}); err == nil {
		t.Fatal("expected an error without a quotes table")
	}
}

func TestLoadUniverse(t *testing.T) {
	sim, store := testSimulator(t)
	seedQuote(t, store, "MSFT", "Microsoft", 504.26)
	seedQuote(t, store, "AAPL", "Apple", 227.16)

	if err := sim.loadUniverse(context.Background()); err != nil {
		t.Fatalf("failed to load universe: %v", err)
	}

	if len(sim.quotes) != 2 {
		t.Fatalf("expected 2 symbols, got %d", len(sim.quotes))
	}
	if q := sim.quotes["MSFT"]; q.price != 504.26 || q.name != "Microsoft" {
		t.Errorf("unexpected MSFT state: %+v", q)
	}
}

func TestWalkMovesPriceWithinJitter(t *testing.T) {
	sim, store := testSimulator(t)
	seedQuote(t, store, "MSFT", "Microsoft", 100)
	if err := sim.loadUniverse(context.Background()); err != nil {
		t.Fatalf("failed to load universe: %v", err)
	}

	if err := sim.walk(context.Background()); err != nil {
		t.Fatalf("walk failed: %v", err)
	}

	var price float64
	if err := store.DB().QueryRow("SELECT price FROM quotes WHERE code = ?", "MSFT").Scan(&price); err != nil {
		t.Fatalf("failed to read price: %v", err)
	}

	// Bounded by jitter plus cent rounding
	if math.Abs(price-100) > 100*sim.jitter+0.01 {
		t.Errorf("price %v moved more than jitter allows", price)
	}
	if sim.quotes["MSFT"].price != price {
		t.Errorf("tracked price %v does not match stored %v", sim.quotes["MSFT"].price, price)
	}
}

func TestWalkRelistsDeletedSymbol(t *testing.T) {
	sim, store := testSimulator(t)
	seedQuote(t, store, "MSFT", "Microsoft", 100)
	if err := sim.loadUniverse(context.Background()); err != nil {
		t.Fatalf("failed to load universe: %v", err)
	}

	if _, err := store.DB().Exec("DELETE FROM quotes WHERE code = ?", "MSFT"); err != nil {
		t.Fatalf("failed to delete row: %v", err)
	}

	if err := sim.walk(context.Background()); err != nil {
		t.Fatalf("walk failed: %v", err)
	}
	if count := rowCount(t, store); count != 1 {
		t.Errorf("expected the symbol to be relisted, got %d rows", count)
	}
}

func TestListAddsSymbolFromPool(t *testing.T) {
	sim, store := testSimulator(t)

	if err := sim.list(context.Background()); err != nil {
		t.Fatalf("list failed: %v", err)
	}

	if count := rowCount(t, store); count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
	first := listingPool[0].Code
	if _, ok := sim.quotes[first]; !ok {
		t.Errorf("expected %s to be listed, universe: %v", first, sim.quotes)
	}
}

func TestListSynthesizesAfterPoolExhausted(t *testing.T) {
	sim, store := testSimulator(t)
	sim.nextIdx = len(listingPool)

	if err := sim.list(context.Background()); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if count := rowCount(t, store); count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
	if _, ok := sim.quotes["SYM01"]; !ok {
		t.Errorf("expected a synthesized code, universe: %v", sim.quotes)
	}
}

func TestDelistRemovesSymbol(t *testing.T) {
	sim, store := testSimulator(t)
	seedQuote(t, store, "MSFT", "Microsoft", 504.26)
	seedQuote(t, store, "AAPL", "Apple", 227.16)
	if err := sim.loadUniverse(context.Background()); err != nil {
		t.Fatalf("failed to load universe: %v", err)
	}

	if err := sim.delist(); err != nil {
		t.Fatalf("delist failed: %v", err)
	}

	if count := rowCount(t, store); count != 1 {
		t.Errorf("expected 1 row after delist, got %d", count)
	}
	if len(sim.quotes) != 1 {
		t.Errorf("expected 1 tracked symbol, got %d", len(sim.quotes))
	}
}

func TestStepListsIntoEmptyUniverse(t *testing.T) {
	sim, store := testSimulator(t)

	if err := sim.step(context.Background()); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	if count := rowCount(t, store); count != 1 {
		t.Errorf("expected the first step to list a symbol, got %d rows", count)
	}
}

func TestStartStop(t *testing.T) {
	sim, store := testSimulator(t)
	seedQuote(t, store, "MSFT", "Microsoft", 504.26)

	base, err := store.MaxSeq(context.Background())
	if err != nil {
		t.Fatalf("failed to read max seq: %v", err)
	}

	if err := sim.Start(); err != nil {
		t.Fatalf("failed to start simulator: %v", err)
	}
	// Second start is a no-op
	if err := sim.Start(); err != nil {
		t.Fatalf("second start errored: %v", err)
	}

	// Let a few ticks land
	deadline := time.Now().Add(2 * time.Second)
	for {
		seq, err := store.MaxSeq(context.Background())
		if err != nil {
			t.Fatalf("failed to read max seq: %v", err)
		}
		if seq > base {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("simulator produced no changes")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sim.Stop()
	sim.Stop() // idempotent

	if sim.running.Load() {
		t.Error("expected the simulator to be stopped")
	}
}
