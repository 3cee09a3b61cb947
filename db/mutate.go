package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v9"
)

// UpsertOp builds a batch operation inserting or replacing one row. The
// values map is keyed by source column names and must include the table's
// key column. Unknown columns are rejected before the operation is queued.
func (s *Store) UpsertOp(ctx context.Context, table string, values map[string]any) (Op, error) {
	t := s.tableConfig(table)
	if t == nil {
		return nil, fmt.Errorf("table %s is not watched", table)
	}
	if _, ok := values[t.Key]; !ok {
		return nil, fmt.Errorf("upsert into %s requires key column %s", table, t.Key)
	}

	schema, err := s.TableSchema(ctx, table)
	if err != nil {
		return nil, err
	}
	for col := range values {
		if schema.Column(col) == nil {
			return nil, fmt.Errorf("table %s has no column %s", table, col)
		}
	}

	rec := goqu.Record(values)
	query, args, err := s.dialect.Insert(table).
		Prepared(true).
		Rows(rec).
		OnConflict(goqu.DoUpdate(t.Key, rec)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build upsert for %s: %w", table, err)
	}

	return func(tx *sql.Tx) error {
		_, err := tx.Exec(query, args...)
		return err
	}, nil
}

// DeleteOp builds a batch operation deleting one row by key. Deleting an
// absent key succeeds and produces no change event.
func (s *Store) DeleteOp(table, key string) (Op, error) {
	t := s.tableConfig(table)
	if t == nil {
		return nil, fmt.Errorf("table %s is not watched", table)
	}

	query, args, err := s.dialect.Delete(table).
		Prepared(true).
		Where(goqu.C(t.Key).Eq(key)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build delete for %s: %w", table, err)
	}

	return func(tx *sql.Tx) error {
		_, err := tx.Exec(query, args...)
		return err
	}, nil
}
