package db

import (
	"context"
	"testing"
)

func TestTableSchemaReadsColumns(t *testing.T) {
	store := setupTestStore(t)

	schema, err := store.TableSchema(context.Background(), "quotes")
	if err != nil {
		t.Fatalf("failed to read schema: %v", err)
	}
	if len(schema.Columns) != 3 {
		t.Fatalf("expected 3 columns, got %d", len(schema.Columns))
	}

	code := schema.Column("code")
	if code == nil {
		t.Fatal("expected code column")
	}
	if !code.PK {
		t.Error("expected code to be primary key")
	}

	price := schema.Column("price")
	if price == nil {
		t.Fatal("expected price column")
	}
	if price.Type != "REAL" {
		t.Errorf("expected price type REAL, got %s", price.Type)
	}
}

func TestTableSchemaCachesUntilInvalidated(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	before, err := store.TableSchema(ctx, "quotes")
	if err != nil {
		t.Fatalf("failed to read schema: %v", err)
	}

	mustExec(t, store, "ALTER TABLE quotes ADD COLUMN volume INTEGER")

	cached, err := store.TableSchema(ctx, "quotes")
	if err != nil {
		t.Fatalf("failed to read cached schema: %v", err)
	}
	if len(cached.Columns) != len(before.Columns) {
		t.Errorf("expected cached schema with %d columns, got %d", len(before.Columns), len(cached.Columns))
	}

	store.InvalidateSchema("quotes")

	fresh, err := store.TableSchema(ctx, "quotes")
	if err != nil {
		t.Fatalf("failed to re-read schema: %v", err)
	}
	if len(fresh.Columns) != len(before.Columns)+1 {
		t.Errorf("expected refreshed schema to see new column, got %d columns", len(fresh.Columns))
	}
	if fresh.Column("volume") == nil {
		t.Error("expected volume column after invalidation")
	}
}

func TestTableSchemaUnknownTable(t *testing.T) {
	store := setupTestStore(t)

	if _, err := store.TableSchema(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing table")
	}
}
