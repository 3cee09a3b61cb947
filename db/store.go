package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tablecast/tablecast/cfg"
)

// Store owns the SQLite database holding the watched tables and the
// changelog they feed. All reads go through the shared pool; writes go
// through the BatchWriter's dedicated connection.
type Store struct {
	db      *sql.DB
	path    string
	tables  []cfg.TableConfiguration
	schemas *schemaCache
	dialect goqu.DialectWrapper
	logger  zerolog.Logger
}

// Open opens (creating if necessary) the store at path. Ensure must be
// called before the changelog is read or snapshots are served.
func Open(path string, tables []cfg.TableConfiguration) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, ":memory:") {
		if strings.Contains(dsn, "?") {
			dsn += "&_journal_mode=WAL"
		} else {
			dsn += "?_journal_mode=WAL"
		}
	}

	db, err := sql.Open(SQLiteDriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping store at %s: %w", path, err)
	}

	return &Store{
		db:      db,
		path:    path,
		tables:  tables,
		schemas: newSchemaCache(),
		dialect: goqu.Dialect("sqlite3"),
		logger:  log.With().Str("component", "store").Logger(),
	}, nil
}

// DB exposes the underlying pool for the batch writer and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// Tables returns the watched table configurations.
func (s *Store) Tables() []cfg.TableConfiguration {
	return s.tables
}

func (s *Store) tableConfig(name string) *cfg.TableConfiguration {
	for i := range s.tables {
		if s.tables[i].Name == name {
			return &s.tables[i]
		}
	}
	return nil
}

// Ensure creates missing watched tables from their configured DDL, creates
// the changelog table, and (re)installs the capture triggers. Triggers are
// rebuilt on every start so column additions are picked up.
func (s *Store) Ensure(ctx context.Context) error {
	for i := range s.tables {
		t := &s.tables[i]

		exists, err := s.tableExists(ctx, t.Name)
		if err != nil {
			return err
		}
		if !exists {
			if t.Schema == "" {
				return fmt.Errorf("table %s does not exist and no schema is configured", t.Name)
			}
			if _, err := s.db.ExecContext(ctx, t.Schema); err != nil {
				return fmt.Errorf("failed to create table %s: %w", t.Name, err)
			}
			s.logger.Info().Str("table", t.Name).Msg("Created watched table")
		}
	}

	if err := s.ensureChangelog(ctx); err != nil {
		return err
	}

	for i := range s.tables {
		if err := s.installTriggers(ctx, &s.tables[i]); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) tableExists(ctx context.Context, name string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return count > 0, nil
}

// RowCount returns the number of rows in a watched table.
func (s *Store) RowCount(ctx context.Context, table string) (int64, error) {
	if s.tableConfig(table) == nil {
		return 0, fmt.Errorf("table %s is not watched", table)
	}

	query, args, err := s.dialect.From(table).Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return 0, fmt.Errorf("failed to build count query: %w", err)
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return count, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
