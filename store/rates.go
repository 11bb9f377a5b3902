package store

import (
	"context"

	"github.com/InjectiveLabs/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// InsertRate appends a fetched exchange rate to the history table.
func (s *Store) InsertRate(ctx context.Context, from, to string, rate decimal.Decimal) error {
	metrics.ReportFuncCall(s.svcTags)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO currency_rates (from_currency, to_currency, rate)
		VALUES ($1, $2, $3)`,
		from, to, rate,
	)
	if err != nil {
		metrics.ReportFuncError(s.svcTags)
		return errors.Wrap(err, "failed to insert currency rate")
	}

	return nil
}

// LatestRate returns the most recently fetched rate for the pair. Used as
// the fallback when the external feed is down.
func (s *Store) LatestRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	metrics.ReportFuncCall(s.svcTags)

	var rate decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		SELECT rate FROM currency_rates
		WHERE from_currency = $1 AND to_currency = $2
		ORDER BY fetched_at DESC
		LIMIT 1`,
		from, to,
	).Scan(&rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, errors.Errorf("no stored rate for %s/%s", from, to)
	}
	if err != nil {
		metrics.ReportFuncError(s.svcTags)
		return decimal.Zero, errors.Wrap(err, "failed to query latest rate")
	}

	return rate, nil
}
