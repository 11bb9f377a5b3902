package store

import (
	"context"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const connectTimeout = 5 * time.Second

// Store wraps the connection pool and exposes the persistence surface for
// posts, products, currency rates, payments and dynamic settings.
type Store struct {
	pool *pgxpool.Pool

	logger  log.Logger
	svcTags metrics.Tags
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse database URL")
	}
	poolCfg.ConnConfig.ConnectTimeout = connectTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create connection pool")
	}

	s := &Store{
		pool: pool,

		logger: log.WithField("svc", "store"),
		svcTags: metrics.Tags{
			"svc": "store",
		},
	}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.Wrap(err, "database ping failed")
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS posts (
		id BIGSERIAL PRIMARY KEY,
		broadcast_message_id BIGINT,
		mirror_post_id TEXT,
		products_json JSONB NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id BIGSERIAL PRIMARY KEY,
		source_id TEXT NOT NULL UNIQUE,
		source TEXT NOT NULL,
		title TEXT NOT NULL,
		price_native NUMERIC NOT NULL,
		image_url TEXT NOT NULL,
		rating DOUBLE PRECISION NOT NULL,
		discount INT NOT NULL,
		sales_count BIGINT NOT NULL,
		category TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS products_category_idx ON products (category, updated_at)`,
	`CREATE TABLE IF NOT EXISTS currency_rates (
		id BIGSERIAL PRIMARY KEY,
		from_currency TEXT NOT NULL,
		to_currency TEXT NOT NULL,
		rate NUMERIC NOT NULL,
		fetched_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS currency_rates_pair_idx ON currency_rates (from_currency, to_currency, fetched_at DESC)`,
	`CREATE TABLE IF NOT EXISTS payments (
		id BIGSERIAL PRIMARY KEY,
		payment_id TEXT NOT NULL UNIQUE,
		client_ref TEXT NOT NULL,
		user_channel_id TEXT NOT NULL,
		amount NUMERIC NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		qr_payload TEXT,
		message_id BIGINT,
		paid_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		value_type TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS settings_history (
		id BIGSERIAL PRIMARY KEY,
		key TEXT NOT NULL,
		old_value TEXT,
		new_value TEXT NOT NULL,
		changed_by TEXT NOT NULL,
		changed_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates missing tables. Safe to call on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return errors.Wrap(err, "failed to apply schema DDL")
		}
	}

	s.logger.Infoln("database schema ensured")
	return nil
}
