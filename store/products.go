package store

import (
	"context"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/pkg/errors"
)

const productCacheMaxAge = 7 * 24 * time.Hour

// UpsertProducts refreshes the product cache after a successful marketplace
// fetch. The second upsert of a source_id updates every mutable field and
// keeps created_at from the first write.
func (s *Store) UpsertProducts(ctx context.Context, products []*ProductRow) error {
	metrics.ReportFuncCall(s.svcTags)
	doneFn := metrics.ReportFuncTiming(s.svcTags)
	defer doneFn()

	for _, p := range products {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO products (source_id, source, title, price_native, image_url, rating, discount, sales_count, category, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
			ON CONFLICT (source_id) DO UPDATE SET
				source = EXCLUDED.source,
				title = EXCLUDED.title,
				price_native = EXCLUDED.price_native,
				image_url = EXCLUDED.image_url,
				rating = EXCLUDED.rating,
				discount = EXCLUDED.discount,
				sales_count = EXCLUDED.sales_count,
				category = EXCLUDED.category,
				updated_at = now()`,
			p.SourceID, p.Source, p.Title, p.PriceNative, p.ImageURL,
			p.Rating, p.Discount, p.SalesCount, p.Category,
		)
		if err != nil {
			metrics.ReportFuncError(s.svcTags)
			return errors.Wrapf(err, "failed to upsert product %s", p.SourceID)
		}
	}

	return nil
}

// CachedByCategory serves the marketplace-outage fallback: recent products
// for the category, freshest first.
func (s *Store) CachedByCategory(ctx context.Context, category string, limit int) ([]*ProductRow, error) {
	metrics.ReportFuncCall(s.svcTags)
	doneFn := metrics.ReportFuncTiming(s.svcTags)
	defer doneFn()

	rows, err := s.pool.Query(ctx, `
		SELECT id, source_id, source, title, price_native, image_url, rating, discount, sales_count, category, created_at, updated_at
		FROM products
		WHERE category = $1 AND updated_at > $2
		ORDER BY updated_at DESC
		LIMIT $3`,
		category, time.Now().UTC().Add(-productCacheMaxAge), limit,
	)
	if err != nil {
		metrics.ReportFuncError(s.svcTags)
		return nil, errors.Wrap(err, "failed to query cached products")
	}
	defer rows.Close()

	var products []*ProductRow
	for rows.Next() {
		p := new(ProductRow)
		if err := rows.Scan(
			&p.ID, &p.SourceID, &p.Source, &p.Title, &p.PriceNative, &p.ImageURL,
			&p.Rating, &p.Discount, &p.SalesCount, &p.Category, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			metrics.ReportFuncError(s.svcTags)
			return nil, errors.Wrap(err, "failed to scan product row")
		}
		products = append(products, p)
	}

	return products, rows.Err()
}

// DeleteStaleProducts is periodic maintenance: drop cache entries older than
// a week.
func (s *Store) DeleteStaleProducts(ctx context.Context) (int64, error) {
	metrics.ReportFuncCall(s.svcTags)

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM products WHERE updated_at < $1`,
		time.Now().UTC().Add(-productCacheMaxAge),
	)
	if err != nil {
		metrics.ReportFuncError(s.svcTags)
		return 0, errors.Wrap(err, "failed to delete stale products")
	}

	if n := tag.RowsAffected(); n > 0 {
		s.logger.WithFields(log.Fields{
			"deleted": n,
		}).Infoln("stale product cache entries removed")
		return n, nil
	}

	return 0, nil
}
