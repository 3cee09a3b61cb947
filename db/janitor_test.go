package db

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func backlogOf(t *testing.T, store *Store) int64 {
	t.Helper()
	backlog, err := store.Backlog(context.Background())
	if err != nil {
		t.Fatalf("backlog failed: %v", err)
	}
	return backlog
}

func TestJanitorPrunesConsumedEntries(t *testing.T) {
	store := setupTestStore(t)

	mustExec(t, store, "INSERT INTO quotes (code, name, price) VALUES ('A', 'Alpha', 1)")
	mustExec(t, store, "INSERT INTO quotes (code, name, price) VALUES ('B', 'Beta', 2)")
	mustExec(t, store, "INSERT INTO quotes (code, name, price) VALUES ('C', 'Gamma', 3)")

	var watermark atomic.Uint64
	watermark.Store(3)

	j := NewJanitor(store, 10*time.Millisecond, 0, watermark.Load)
	j.Start()
	defer j.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for backlogOf(t, store) > 1 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor never pruned, backlog still %d", backlogOf(t, store))
		}
		time.Sleep(5 * time.Millisecond)
	}

	remaining, err := store.ChangesSince(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("failed to read changes: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Seq != 3 {
		t.Errorf("expected only seq 3 to survive, got %v", remaining)
	}
}

func TestJanitorZeroWatermarkSkipsPrune(t *testing.T) {
	store := setupTestStore(t)

	mustExec(t, store, "INSERT INTO quotes (code, name, price) VALUES ('A', 'Alpha', 1)")

	// A zero watermark means no consumer has confirmed anything yet.
	j := NewJanitor(store, 10*time.Millisecond, 0, func() uint64 { return 0 })
	j.Start()
	defer j.Stop()

	time.Sleep(50 * time.Millisecond)

	if backlog := backlogOf(t, store); backlog != 1 {
		t.Errorf("expected entry to survive zero watermark, backlog %d", backlog)
	}
}

func TestJanitorRetentionDelaysPrune(t *testing.T) {
	store := setupTestStore(t)

	mustExec(t, store, "INSERT INTO quotes (code, name, price) VALUES ('A', 'Alpha', 1)")

	j := NewJanitor(store, 10*time.Millisecond, time.Hour, func() uint64 { return 100 })
	j.Start()
	defer j.Stop()

	time.Sleep(50 * time.Millisecond)

	if backlog := backlogOf(t, store); backlog != 1 {
		t.Errorf("expected retention window to keep fresh entry, backlog %d", backlog)
	}
}

func TestJanitorStartStopIdempotent(t *testing.T) {
	store := setupTestStore(t)

	j := NewJanitor(store, 10*time.Millisecond, 0, func() uint64 { return 0 })
	j.Start()
	j.Start()
	j.Stop()
	j.Stop()

	// Restart works after a full stop.
	j.Start()
	j.Stop()
}
