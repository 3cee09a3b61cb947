package db

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jizhuozhi/go-future"
)

func setupTestWriter(t *testing.T, maxBatchSize int, maxWait time.Duration) (*BatchWriter, *sql.DB) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open(SQLiteDriverName, dbPath)
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE test_rows (id INTEGER PRIMARY KEY, name TEXT)`); err != nil {
		db.Close()
		t.Fatalf("failed to create table: %v", err)
	}

	w := NewBatchWriter(dbPath, maxBatchSize, maxWait)
	if err := w.Start(); err != nil {
		db.Close()
		t.Fatalf("failed to start writer: %v", err)
	}

	t.Cleanup(func() {
		w.Stop()
		db.Close()
	})
	return w, db
}

func insertOp(id int, name string) Op {
	return func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO test_rows (id, name) VALUES (?, ?)", id, name)
		return err
	}
}

func countRows(t *testing.T, db *sql.DB) int {
	t.Helper()
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM test_rows").Scan(&count); err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func TestBatchWriterSingleOp(t *testing.T) {
	w, db := setupTestWriter(t, 1, 50*time.Millisecond)

	fut := w.Enqueue(insertOp(1, "first"))
	if _, err := fut.Get(); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if count := countRows(t, db); count != 1 {
		t.Errorf("expected 1 row, got %d", count)
	}
}

func TestBatchWriterConcurrentOps(t *testing.T) {
	w, db := setupTestWriter(t, 10, 50*time.Millisecond)

	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			fut := w.Enqueue(insertOp(id, fmt.Sprintf("row%d", id)))
			if _, err := fut.Get(); err != nil {
				t.Errorf("op %d failed: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if count := countRows(t, db); count != 5 {
		t.Errorf("expected 5 rows, got %d", count)
	}
}

func TestBatchWriterOpErrorIsolated(t *testing.T) {
	w, db := setupTestWriter(t, 10, 50*time.Millisecond)

	bad := w.Enqueue(func(tx *sql.Tx) error {
		_, err := tx.Exec("INSERT INTO missing_table (id) VALUES (1)")
		return err
	})
	good := w.Enqueue(insertOp(1, "survivor"))

	if _, err := bad.Get(); err == nil {
		t.Error("expected error for bad op")
	}
	if _, err := good.Get(); err != nil {
		t.Errorf("good op should not be affected by bad op: %v", err)
	}

	if count := countRows(t, db); count != 1 {
		t.Errorf("expected 1 row from good op, got %d", count)
	}
}

func TestBatchWriterStopFlushesPending(t *testing.T) {
	w, db := setupTestWriter(t, 100, 10*time.Second)

	fut := w.Enqueue(insertOp(1, "pending"))
	w.Stop()

	if _, err := fut.Get(); err != nil {
		t.Fatalf("expected pending op flushed on stop, got: %v", err)
	}
	if count := countRows(t, db); count != 1 {
		t.Errorf("expected 1 row after stop flush, got %d", count)
	}
}

func TestBatchWriterEnqueueAfterStop(t *testing.T) {
	w, _ := setupTestWriter(t, 10, 50*time.Millisecond)
	w.Stop()

	fut := w.Enqueue(insertOp(1, "late"))
	if _, err := fut.Get(); !errors.Is(err, ErrWriterStopped) {
		t.Errorf("expected ErrWriterStopped, got: %v", err)
	}
}

func TestBatchWriterBatchSizeFlush(t *testing.T) {
	w, db := setupTestWriter(t, 3, 10*time.Second)

	var futs []*future.Future[error]
	for i := 1; i <= 3; i++ {
		futs = append(futs, w.Enqueue(insertOp(i, fmt.Sprintf("row%d", i))))
	}
	for _, fut := range futs {
		if _, err := fut.Get(); err != nil {
			t.Fatalf("expected no error, got: %v", err)
		}
	}

	if count := countRows(t, db); count != 3 {
		t.Errorf("expected 3 rows, got %d", count)
	}
}
