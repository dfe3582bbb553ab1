package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CacheRepo stores opaque cache envelopes in cache_entries.
type CacheRepo struct {
	pool *pgxpool.Pool
}

func NewCacheRepo(pool *pgxpool.Pool) *CacheRepo {
	return &CacheRepo{pool: pool}
}

// Load returns nil, nil for a missing key.
func (r *CacheRepo) Load(ctx context.Context, key string) ([]byte, error) {
	var env []byte
	err := r.pool.QueryRow(ctx,
		`SELECT envelope FROM cache_entries WHERE key = $1`, key,
	).Scan(&env)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return env, err
}

func (r *CacheRepo) Save(ctx context.Context, key string, envelope []byte) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO cache_entries (key, envelope, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET envelope = EXCLUDED.envelope, updated_at = NOW()`,
		key, envelope,
	)
	return err
}

func (r *CacheRepo) Delete(ctx context.Context, key string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key)
	return err
}

func (r *CacheRepo) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM cache_entries`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
