package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/kjannette/pricesync/internal/logging"
	"github.com/kjannette/pricesync/internal/models"
	"github.com/kjannette/pricesync/internal/repository"
)

// Postgres serves collections from the price_records table and pushes
// changes announced through LISTEN/NOTIFY.
type Postgres struct {
	repo *repository.RecordRepo
	log  *slog.Logger
}

func NewPostgres(repo *repository.RecordRepo, log *slog.Logger) *Postgres {
	return &Postgres{repo: repo, log: logging.Component(log, "source.postgres")}
}

func (p *Postgres) FetchCollection(ctx context.Context, path string) ([]models.Record, error) {
	recs, err := p.repo.GetByCollection(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("query collection %q: %w", path, err)
	}
	return recs, nil
}

func (p *Postgres) FetchRecord(ctx context.Context, path, id string) (*models.Record, error) {
	return p.repo.Get(ctx, path, id)
}

// Subscribe holds a dedicated connection in LISTEN for the life of the
// subscription. The snapshot is read after LISTEN so no change between
// the two is lost.
func (p *Postgres) Subscribe(ctx context.Context, path string, onChange func(Change), onError func(error)) (func(), error) {
	conn, err := p.repo.Pool().Acquire(ctx)
	if err != nil {
		return nil, &models.SubscriptionError{Path: path, Err: err}
	}
	// the connection never goes back to the pool still listening
	lconn := conn.Hijack()

	if _, err := lconn.Exec(ctx, "LISTEN "+pgx.Identifier{p.repo.Channel()}.Sanitize()); err != nil {
		lconn.Close(context.Background())
		return nil, &models.SubscriptionError{Path: path, Err: err}
	}
	snapshot, err := p.repo.GetByCollection(ctx, path)
	if err != nil {
		lconn.Close(context.Background())
		return nil, &models.SubscriptionError{Path: path, Err: err}
	}

	lctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer lconn.Close(context.Background())

		onChange(Change{Kind: Snapshot, Records: snapshot})
		for {
			n, err := lconn.WaitForNotification(lctx)
			if err != nil {
				if lctx.Err() == nil {
					onError(&models.SubscriptionError{Path: path, Err: err})
				}
				return
			}

			var msg repository.Notification
			if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
				p.log.Warn("bad notification payload", "payload", n.Payload, "error", err)
				continue
			}
			if msg.Collection != path {
				continue
			}

			change, err := p.changeFor(lctx, msg)
			if err != nil {
				if lctx.Err() == nil {
					onError(&models.SubscriptionError{Path: path, Err: err})
				}
				return
			}
			if lctx.Err() != nil {
				return
			}
			onChange(change)
		}
	}()

	p.log.Debug("listening", "path", path, "channel", p.repo.Channel())
	return cancel, nil
}

func (p *Postgres) changeFor(ctx context.Context, msg repository.Notification) (Change, error) {
	if msg.Op == repository.OpDelete {
		return Change{Kind: Remove, IDs: []string{msg.ID}}, nil
	}
	rec, err := p.repo.Get(ctx, msg.Collection, msg.ID)
	if err != nil {
		return Change{}, err
	}
	if rec == nil {
		// deleted again before we read it
		return Change{Kind: Remove, IDs: []string{msg.ID}}, nil
	}
	return Change{Kind: Upsert, Records: []models.Record{*rec}}, nil
}
