package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kjannette/pricesync/internal/models"
	"github.com/shopspring/decimal"
)

// DefaultChannel is the NOTIFY channel record changes are announced on.
const DefaultChannel = "price_records_changed"

const (
	OpUpsert = "upsert"
	OpDelete = "delete"
)

// Notification is the JSON payload sent on the change channel.
type Notification struct {
	Collection string `json:"collection"`
	Op         string `json:"op"`
	ID         string `json:"id"`
}

type RecordRepo struct {
	pool    *pgxpool.Pool
	channel string
}

func NewRecordRepo(pool *pgxpool.Pool, channel string) *RecordRepo {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RecordRepo{pool: pool, channel: channel}
}

func (r *RecordRepo) Pool() *pgxpool.Pool { return r.pool }
func (r *RecordRepo) Channel() string     { return r.channel }

const recordColumns = `collection, id, commodity_name, price::text, lat, lon, captured_at, market, unit`

func (r *RecordRepo) GetByCollection(ctx context.Context, collection string) ([]models.Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM price_records
		 WHERE collection = $1
		 ORDER BY captured_at ASC NULLS LAST, id ASC`,
		collection,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Get returns nil, nil when the record does not exist.
func (r *RecordRepo) Get(ctx context.Context, collection, id string) (*models.Record, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM price_records WHERE collection = $1 AND id = $2`,
		collection, id,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Upsert writes rec and announces the change in the same transaction, so
// listeners never hear about a row they cannot read yet.
func (r *RecordRepo) Upsert(ctx context.Context, rec models.Record) error {
	if rec.Collection == "" || rec.ID == "" {
		return models.Invalid("record needs collection and id")
	}
	var captured *time.Time
	if !rec.CapturedAt.IsZero() {
		t := rec.CapturedAt.UTC()
		captured = &t
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO price_records
		 (collection, id, commodity_name, price, lat, lon, captured_at, market, unit, updated_at)
		 VALUES ($1,$2,$3,$4::numeric,$5,$6,$7,$8,$9,NOW())
		 ON CONFLICT (collection, id) DO UPDATE SET
		   commodity_name = EXCLUDED.commodity_name,
		   price          = EXCLUDED.price,
		   lat            = EXCLUDED.lat,
		   lon            = EXCLUDED.lon,
		   captured_at    = EXCLUDED.captured_at,
		   market         = EXCLUDED.market,
		   unit           = EXCLUDED.unit,
		   updated_at     = NOW()`,
		rec.Collection, rec.ID, rec.CommodityName, rec.Price.String(),
		rec.Coordinates.Lat, rec.Coordinates.Lon, captured, rec.Market, rec.Unit,
	)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	if err := r.notify(ctx, tx, Notification{Collection: rec.Collection, Op: OpUpsert, ID: rec.ID}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *RecordRepo) Delete(ctx context.Context, collection, id string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`DELETE FROM price_records WHERE collection = $1 AND id = $2`,
		collection, id,
	)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	if err := r.notify(ctx, tx, Notification{Collection: collection, Op: OpDelete, ID: id}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *RecordRepo) notify(ctx context.Context, tx pgx.Tx, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.channel, string(payload)); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// --- scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*models.Record, error) {
	var (
		rec      models.Record
		price    string
		captured *time.Time
	)
	err := row.Scan(&rec.Collection, &rec.ID, &rec.CommodityName, &price,
		&rec.Coordinates.Lat, &rec.Coordinates.Lon, &captured, &rec.Market, &rec.Unit)
	if err != nil {
		return nil, err
	}
	rec.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("record %s/%s price %q: %w", rec.Collection, rec.ID, price, err)
	}
	if captured != nil {
		rec.CapturedAt = captured.UTC()
	}
	return &rec, nil
}

type rowsIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectRecords(rows rowsIter) ([]models.Record, error) {
	out := []models.Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
