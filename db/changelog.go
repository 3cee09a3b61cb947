package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tablecast/tablecast/cfg"
	"github.com/tablecast/tablecast/common"
)

// The changelog is the single source of observed mutations. Capture triggers
// on every watched table append one row per committed INSERT/UPDATE/DELETE
// with full JSON row images. Triggers fire inside the writing transaction,
// so changelog order matches commit order per table.
const changelogTable = "__tablecast_log"

const createChangelogSQL = `
CREATE TABLE IF NOT EXISTS ` + changelogTable + ` (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	tbl         TEXT NOT NULL,
	op          INTEGER NOT NULL,
	key         TEXT NOT NULL,
	row_image   TEXT,
	prior_image TEXT,
	created_at  INTEGER NOT NULL
)`

const createChangelogIndexSQL = `
CREATE INDEX IF NOT EXISTS ` + changelogTable + `_tbl_seq ON ` + changelogTable + ` (tbl, seq)`

// unix milliseconds inside trigger bodies
const nowMillisExpr = `CAST((julianday('now') - 2440587.5) * 86400000 AS INTEGER)`

// ChangeRow is one raw changelog entry, images still JSON-encoded.
type ChangeRow struct {
	Seq        uint64
	Table      string
	Op         int
	Key        string
	RowImage   []byte
	PriorImage []byte
	CreatedAt  int64
}

func (s *Store) ensureChangelog(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createChangelogSQL); err != nil {
		return fmt.Errorf("failed to create changelog table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createChangelogIndexSQL); err != nil {
		return fmt.Errorf("failed to create changelog index: %w", err)
	}
	return nil
}

// installTriggers rebuilds the three capture triggers for a watched table.
// Column lists are read from the live schema, not the configuration, so the
// images always carry the full row.
func (s *Store) installTriggers(ctx context.Context, t *cfg.TableConfiguration) error {
	schema, err := s.readTableSchema(ctx, t.Name)
	if err != nil {
		return err
	}

	hasKey := false
	for _, col := range schema.Columns {
		if col.Name == t.Key {
			hasKey = true
			break
		}
	}
	if !hasKey {
		return fmt.Errorf("table %s has no configured key column %q", t.Name, t.Key)
	}

	newImage := jsonObjectExpr(schema.Columns, "NEW")
	oldImage := jsonObjectExpr(schema.Columns, "OLD")

	triggers := []struct {
		suffix string
		body   string
	}{
		{"i", fmt.Sprintf(
			`AFTER INSERT ON %q BEGIN
	INSERT INTO %s (tbl, op, key, row_image, prior_image, created_at)
	VALUES ('%s', %d, CAST(NEW.%q AS TEXT), %s, NULL, %s);
END`,
			t.Name, changelogTable, t.Name, common.CodeInsert, t.Key, newImage, nowMillisExpr)},
		{"u", fmt.Sprintf(
			`AFTER UPDATE ON %q BEGIN
	INSERT INTO %s (tbl, op, key, row_image, prior_image, created_at)
	VALUES ('%s', %d, CAST(NEW.%q AS TEXT), %s, %s, %s);
END`,
			t.Name, changelogTable, t.Name, common.CodeUpdate, t.Key, newImage, oldImage, nowMillisExpr)},
		{"d", fmt.Sprintf(
			`AFTER DELETE ON %q BEGIN
	INSERT INTO %s (tbl, op, key, row_image, prior_image, created_at)
	VALUES ('%s', %d, CAST(OLD.%q AS TEXT), NULL, %s, %s);
END`,
			t.Name, changelogTable, t.Name, common.CodeDelete, t.Key, oldImage, nowMillisExpr)},
	}

	for _, trg := range triggers {
		name := fmt.Sprintf("%s_cap_%s_%s", changelogTable, t.Name, trg.suffix)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %q", name)); err != nil {
			return fmt.Errorf("failed to drop trigger %s: %w", name, err)
		}
		stmt := fmt.Sprintf("CREATE TRIGGER %q %s", name, trg.body)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create trigger %s: %w", name, err)
		}
	}

	s.logger.Debug().Str("table", t.Name).Int("columns", len(schema.Columns)).Msg("Installed capture triggers")
	return nil
}

// Teardown removes everything Ensure installed: every capture trigger,
// stale ones included, and the changelog table. Watched tables and their
// data are left untouched.
func (s *Store) Teardown(ctx context.Context) error {
	// GLOB instead of LIKE: the trigger prefix is full of underscores.
	rows, err := s.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'trigger' AND name GLOB ?",
		changelogTable+"_cap_*")
	if err != nil {
		return fmt.Errorf("failed to list capture triggers: %w", err)
	}
	defer rows.Close()

	var triggers []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("failed to scan trigger name: %w", err)
		}
		triggers = append(triggers, name)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to list capture triggers: %w", err)
	}

	for _, name := range triggers {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %q", name)); err != nil {
			return fmt.Errorf("failed to drop trigger %s: %w", name, err)
		}
	}

	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+changelogTable); err != nil {
		return fmt.Errorf("failed to drop changelog table: %w", err)
	}

	s.logger.Info().Int("triggers", len(triggers)).Msg("Removed capture triggers and changelog")
	return nil
}

// jsonObjectExpr builds a json_object(...) expression over all columns of a
// table, referencing the NEW or OLD trigger row.
func jsonObjectExpr(columns []ColumnInfo, ref string) string {
	var b strings.Builder
	b.WriteString("json_object(")
	for i, col := range columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "'%s', %s.%q", col.Name, ref, col.Name)
	}
	b.WriteString(")")
	return b.String()
}

// ChangesSince returns up to limit changelog entries with seq > after, in
// sequence order.
func (s *Store) ChangesSince(ctx context.Context, after uint64, limit int) ([]ChangeRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, tbl, op, key, row_image, prior_image, created_at FROM "+changelogTable+
			" WHERE seq > ? ORDER BY seq LIMIT ?", after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read changelog after %d: %w", after, err)
	}
	defer rows.Close()

	var out []ChangeRow
	for rows.Next() {
		var (
			cr    ChangeRow
			img   sql.NullString
			prior sql.NullString
		)
		if err := rows.Scan(&cr.Seq, &cr.Table, &cr.Op, &cr.Key, &img, &prior, &cr.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan changelog row: %w", err)
		}
		if img.Valid {
			cr.RowImage = []byte(img.String)
		}
		if prior.Valid {
			cr.PriorImage = []byte(prior.String)
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}

// MaxSeq returns the highest changelog sequence, 0 when empty.
func (s *Store) MaxSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM "+changelogTable).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read changelog head: %w", err)
	}
	return seq, nil
}

// MaxSeqForTable returns the highest changelog sequence for one table.
// Snapshot caching keys off this value.
func (s *Store) MaxSeqForTable(ctx context.Context, table string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM "+changelogTable+" WHERE tbl = ?", table).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read changelog head for %s: %w", table, err)
	}
	return seq, nil
}

// Backlog returns the number of unpruned changelog entries.
func (s *Store) Backlog(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+changelogTable).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count changelog backlog: %w", err)
	}
	return n, nil
}

// PruneBelow deletes consumed changelog entries with seq < below that are
// older than the retention window. Returns the number of deleted entries.
func (s *Store) PruneBelow(ctx context.Context, below uint64, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM "+changelogTable+" WHERE seq < ? AND created_at <= ?", below, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune changelog below %d: %w", below, err)
	}
	return res.RowsAffected()
}
