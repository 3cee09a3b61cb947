package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ColumnInfo represents metadata for a single column
type ColumnInfo struct {
	Name    string
	Type    string // SQLite type affinity (TEXT, INTEGER, REAL, BLOB, NUMERIC)
	NotNull bool
	PK      bool
}

// TableSchema holds column metadata for a watched table
type TableSchema struct {
	Table   string
	Columns []ColumnInfo
}

// Column returns the metadata for a named column, nil if absent.
func (ts *TableSchema) Column(name string) *ColumnInfo {
	for i := range ts.Columns {
		if ts.Columns[i].Name == name {
			return &ts.Columns[i]
		}
	}
	return nil
}

const schemaCacheSize = 128

// schemaCache caches table schemas keyed by table-name hash. Schemas only
// change through DDL, which tablecast never issues after Ensure, so entries
// are invalidated explicitly rather than aged out.
type schemaCache struct {
	cache *lru.Cache[uint64, *TableSchema]
}

func newSchemaCache() *schemaCache {
	cache, err := lru.New[uint64, *TableSchema](schemaCacheSize)
	if err != nil {
		// lru.New only fails on a non-positive size
		panic(err)
	}
	return &schemaCache{cache: cache}
}

func schemaKey(table string) uint64 {
	return xxhash.Sum64String(table)
}

func (c *schemaCache) get(table string) (*TableSchema, bool) {
	return c.cache.Get(schemaKey(table))
}

func (c *schemaCache) put(table string, schema *TableSchema) {
	c.cache.Add(schemaKey(table), schema)
}

func (c *schemaCache) invalidate(table string) {
	c.cache.Remove(schemaKey(table))
}

// TableSchema returns the cached schema for a table, reading it through
// PRAGMA table_info on first use.
func (s *Store) TableSchema(ctx context.Context, table string) (*TableSchema, error) {
	if schema, ok := s.schemas.get(table); ok {
		return schema, nil
	}

	schema, err := s.readTableSchema(ctx, table)
	if err != nil {
		return nil, err
	}
	s.schemas.put(table, schema)
	return schema, nil
}

// InvalidateSchema drops the cached schema for a table.
func (s *Store) InvalidateSchema(table string) {
	s.schemas.invalidate(table)
}

func (s *Store) readTableSchema(ctx context.Context, table string) (*TableSchema, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to read schema for %s: %w", table, err)
	}
	defer rows.Close()

	schema := &TableSchema{Table: table}
	for rows.Next() {
		var (
			cid     int
			name    string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan schema row for %s: %w", table, err)
		}
		schema.Columns = append(schema.Columns, ColumnInfo{
			Name:    name,
			Type:    colType,
			NotNull: notNull != 0,
			PK:      pk > 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}
	return schema, nil
}
