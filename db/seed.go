package db

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
)

var demoQuotes = []struct {
	Code  string
	Name  string
	Price float64
}{
	{"AAPL", "Apple", 227.16},
	{"AMZN", "Amazon", 228.68},
	{"GOOG", "Alphabet", 207.71},
	{"MSFT", "Microsoft", 504.26},
	{"NVDA", "NVIDIA", 177.99},
	{"TSLA", "Tesla", 340.01},
}

// SeedDemo populates an empty quotes table with a small set of starter
// rows so the stream has something to show out of the box. Tables that
// already contain data are left alone.
func (s *Store) SeedDemo(ctx context.Context) error {
	t := s.tableConfig("quotes")
	if t == nil {
		return nil
	}

	count, err := s.RowCount(ctx, t.Name)
	if err != nil {
		return fmt.Errorf("failed to check %s before seeding: %w", t.Name, err)
	}
	if count > 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, q := range demoQuotes {
		query, args, err := s.dialect.Insert(t.Name).
			Prepared(true).
			Cols("code", "name", "price").
			Vals([]any{q.Code, q.Name, q.Price}).
			ToSQL()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to seed %s: %w", t.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	log.Info().Int("rows", len(demoQuotes)).Str("table", t.Name).Msg("Seeded demo quotes")
	return nil
}
