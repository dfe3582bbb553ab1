package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS price_records (
		collection     TEXT NOT NULL,
		id             TEXT NOT NULL,
		commodity_name TEXT NOT NULL DEFAULT '',
		price          NUMERIC NOT NULL DEFAULT 0,
		lat            DOUBLE PRECISION NOT NULL DEFAULT 0,
		lon            DOUBLE PRECISION NOT NULL DEFAULT 0,
		captured_at    TIMESTAMPTZ,
		market         TEXT NOT NULL DEFAULT '',
		unit           TEXT NOT NULL DEFAULT '',
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (collection, id)
	)`,
	`CREATE INDEX IF NOT EXISTS price_records_captured_idx
		ON price_records (collection, captured_at)`,
	`CREATE TABLE IF NOT EXISTS cache_entries (
		key        TEXT PRIMARY KEY,
		envelope   BYTEA NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate creates the tables this service owns. Safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
