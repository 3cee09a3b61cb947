package db

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/tablecast/tablecast/common"
	"github.com/tablecast/tablecast/telemetry"
)

// SnapshotError wraps a failed snapshot read. It is surfaced to the
// requesting caller only and never affects the change feed.
type SnapshotError struct {
	Table string
	Err   error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot of %s: %v", e.Table, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// ReadAll executes a point-in-time read of a full watched table. Fields are
// surfaced under their mapped attribute names. Used once per new stream
// subscriber before incremental events flow; no transactional consistency
// with the change feed is claimed beyond the subscribe-then-snapshot
// ordering at the call site.
func (s *Store) ReadAll(ctx context.Context, table string) ([]common.Record, error) {
	start := time.Now()

	t := s.tableConfig(table)
	if t == nil {
		return nil, &SnapshotError{Table: table, Err: fmt.Errorf("table is not watched")}
	}

	schema, err := s.TableSchema(ctx, table)
	if err != nil {
		return nil, &SnapshotError{Table: table, Err: err}
	}

	cols := make([]any, 0, len(schema.Columns))
	for _, col := range schema.Columns {
		cols = append(cols, goqu.C(col.Name))
	}

	query, args, err := s.dialect.From(table).Select(cols...).ToSQL()
	if err != nil {
		return nil, &SnapshotError{Table: table, Err: fmt.Errorf("failed to build query: %w", err)}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &SnapshotError{Table: table, Err: err}
	}
	defer rows.Close()

	var records []common.Record
	values := make([]any, len(schema.Columns))
	ptrs := make([]any, len(schema.Columns))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, &SnapshotError{Table: table, Err: err}
		}

		rec := common.Record{Fields: make(map[string]any, len(schema.Columns))}
		for i, col := range schema.Columns {
			v := normalizeValue(values[i])
			rec.Fields[t.Attribute(col.Name)] = v
			if col.Name == t.Key {
				rec.Key = keyString(v)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &SnapshotError{Table: table, Err: err}
	}

	telemetry.SnapshotsTotal.With(table).Inc()
	telemetry.SnapshotSeconds.Observe(time.Since(start).Seconds())

	return records, nil
}

// normalizeValue converts driver-specific scan results into the value set
// shared with JSON-decoded row images: string, float64, int64, bool, nil.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UnixMilli()
	default:
		return v
	}
}

func keyString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
