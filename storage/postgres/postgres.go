// Package postgres implements the Store on a pgx connection pool.
package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fundingflow/config"
	"fundingflow/logger"
	"fundingflow/models"
	"fundingflow/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS contract (
	id UUID PRIMARY KEY,
	exchange TEXT NOT NULL,
	base_asset TEXT NOT NULL,
	quote_asset TEXT NOT NULL,
	funding_interval_hours INT NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	UNIQUE (exchange, base_asset, quote_asset)
);

CREATE TABLE IF NOT EXISTS funding_rate_point (
	contract_id UUID NOT NULL REFERENCES contract(id),
	ts TIMESTAMPTZ NOT NULL,
	rate NUMERIC NOT NULL,
	source TEXT NOT NULL,
	PRIMARY KEY (contract_id, ts)
);

CREATE TABLE IF NOT EXISTS collection_state (
	contract_id UUID PRIMARY KEY REFERENCES contract(id),
	watermark TIMESTAMPTZ NOT NULL
);
`

type Store struct {
	pool *pgxpool.Pool
	log  *logger.Log
}

var _ storage.Store = (*Store)(nil)

func New(ctx context.Context, cfg config.PostgresConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, &storage.StoreError{Op: "parse_dsn", Err: err}
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	connectCtx := ctx
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, &storage.StoreError{Op: "connect", Err: err}
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, &storage.StoreError{Op: "ping", Err: err}
	}

	s := &Store{pool: pool, log: logger.GetLogger()}

	if cfg.CreateSchema {
		if _, err := pool.Exec(connectCtx, schema); err != nil {
			pool.Close()
			return nil, &storage.StoreError{Op: "create_schema", Err: err}
		}
		s.log.WithComponent("postgres_store").Info("schema ensured")
	}

	s.log.WithComponent("postgres_store").WithFields(logger.Fields{
		"max_conns": poolCfg.MaxConns,
	}).Info("postgres store connected")

	return s, nil
}

func (s *Store) UpsertContract(ctx context.Context, c models.Contract) (models.Contract, error) {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}

	const q = `
		INSERT INTO contract (id, exchange, base_asset, quote_asset, funding_interval_hours, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (exchange, base_asset, quote_asset) DO UPDATE SET
			funding_interval_hours = EXCLUDED.funding_interval_hours,
			active = EXCLUDED.active
		RETURNING id`

	var id uuid.UUID
	err := s.pool.QueryRow(ctx, q,
		c.ID, c.Exchange, c.BaseAsset, c.QuoteAsset, c.FundingIntervalHours, c.Active,
	).Scan(&id)
	if err != nil {
		return models.Contract{}, &storage.StoreError{Op: "upsert_contract", Err: err}
	}
	c.ID = id
	return c, nil
}

func (s *Store) ListContracts(ctx context.Context, exchange string) ([]models.Contract, error) {
	const q = `
		SELECT id, exchange, base_asset, quote_asset, funding_interval_hours, active
		FROM contract
		WHERE exchange = $1
		ORDER BY base_asset, quote_asset`

	rows, err := s.pool.Query(ctx, q, exchange)
	if err != nil {
		return nil, &storage.StoreError{Op: "list_contracts", Err: err}
	}
	defer rows.Close()

	var out []models.Contract
	for rows.Next() {
		var c models.Contract
		if err := rows.Scan(&c.ID, &c.Exchange, &c.BaseAsset, &c.QuoteAsset, &c.FundingIntervalHours, &c.Active); err != nil {
			return nil, &storage.StoreError{Op: "list_contracts", Err: err}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &storage.StoreError{Op: "list_contracts", Err: err}
	}
	return out, nil
}

func (s *Store) SetContractsInactive(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	const q = `UPDATE contract SET active = FALSE WHERE id = ANY($1)`
	if _, err := s.pool.Exec(ctx, q, ids); err != nil {
		return &storage.StoreError{Op: "set_contracts_inactive", Err: err}
	}
	return nil
}

func (s *Store) UpsertPoints(ctx context.Context, points []models.FundingRatePoint) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	const q = `
		INSERT INTO funding_rate_point (contract_id, ts, rate, source)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (contract_id, ts) DO NOTHING`

	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(q, p.ContractID, p.Timestamp, p.Rate.String(), string(p.Source))
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range points {
		tag, err := results.Exec()
		if err != nil {
			return inserted, &storage.StoreError{Op: "upsert_points", Err: err}
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (s *Store) ReadWatermark(ctx context.Context, contractID uuid.UUID) (time.Time, bool, error) {
	const q = `SELECT watermark FROM collection_state WHERE contract_id = $1`

	var wm time.Time
	err := s.pool.QueryRow(ctx, q, contractID).Scan(&wm)
	if err == pgx.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, &storage.StoreError{Op: "read_watermark", Err: err}
	}
	return wm.UTC(), true, nil
}

func (s *Store) WriteWatermark(ctx context.Context, contractID uuid.UUID, ts time.Time) error {
	const q = `
		INSERT INTO collection_state (contract_id, watermark)
		VALUES ($1, $2)
		ON CONFLICT (contract_id) DO UPDATE SET
			watermark = GREATEST(collection_state.watermark, EXCLUDED.watermark)`

	if _, err := s.pool.Exec(ctx, q, contractID, ts); err != nil {
		return &storage.StoreError{Op: "write_watermark", Err: err}
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}
