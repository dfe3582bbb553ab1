package cache

import (
	"context"
	"fmt"

	"github.com/kjannette/pricesync/internal/repository"
)

// PostgresBackend keeps entries in the cache_entries table, for
// deployments where several processes share one cache.
type PostgresBackend struct {
	repo *repository.CacheRepo
}

func NewPostgresBackend(repo *repository.CacheRepo) *PostgresBackend {
	return &PostgresBackend{repo: repo}
}

func (p *PostgresBackend) Load(ctx context.Context, key string) ([]byte, error) {
	v, err := p.repo.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("postgres load: %w", err)
	}
	if v == nil {
		return nil, ErrNotFound
	}
	return v, nil
}

func (p *PostgresBackend) Save(ctx context.Context, key string, value []byte) error {
	return p.repo.Save(ctx, key, value)
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	return p.repo.Delete(ctx, key)
}

func (p *PostgresBackend) Clear(ctx context.Context) error {
	_, err := p.repo.DeleteAll(ctx)
	return err
}
