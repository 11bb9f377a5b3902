package autopost

import (
	"sort"

	"github.com/TulparLabs/tulpar-autopost/marketplace"
)

// FilterConfig holds the operator-tunable selection thresholds.
type FilterConfig struct {
	MinDiscount int
	MinRating   float64
	TopLimit    int
}

func checkFilterConfig(cfg *FilterConfig) *FilterConfig {
	if cfg == nil {
		cfg = &FilterConfig{}
	}

	if cfg.TopLimit <= 0 {
		cfg.TopLimit = 10
	}

	return cfg
}

// FilterRank selects the day's top products. Products are filtered per
// source (the discount floor is waived for a source that reported no
// positive discounts at all), each source gets an equal share of the cap,
// and the merged result is re-ranked globally and truncated.
func FilterRank(products []*Product, cfg *FilterConfig) []*Product {
	cfg = checkFilterConfig(cfg)

	if len(products) == 0 {
		return nil
	}

	bySource := make(map[marketplace.Source][]*Product)
	var sources []marketplace.Source
	for _, p := range products {
		if _, seen := bySource[p.Source]; !seen {
			sources = append(sources, p.Source)
		}
		bySource[p.Source] = append(bySource[p.Source], p)
	}

	share := cfg.TopLimit / len(sources)
	if share < 1 {
		share = 1
	}

	var merged []*Product
	for _, source := range sources {
		partition := filterPartition(bySource[source], cfg)
		rankProducts(partition)

		if len(partition) > share {
			partition = partition[:share]
		}
		merged = append(merged, partition...)
	}

	rankProducts(merged)
	if len(merged) > cfg.TopLimit {
		merged = merged[:cfg.TopLimit]
	}

	return merged
}

// filterPartition applies the rating floor always and the discount floor
// only when the source produced at least one positive discount.
func filterPartition(products []*Product, cfg *FilterConfig) []*Product {
	var hasDiscounts bool
	for _, p := range products {
		if p.DiscountPct > 0 {
			hasDiscounts = true
			break
		}
	}

	kept := make([]*Product, 0, len(products))
	for _, p := range products {
		if p.Rating < cfg.MinRating {
			continue
		}
		if hasDiscounts && p.DiscountPct < cfg.MinDiscount {
			continue
		}
		kept = append(kept, p)
	}

	return kept
}

// rankProducts sorts best-first by discount-weighted sales, falling back to
// raw sales when an item carries no discount. Stable, so insertion order
// breaks ties.
func rankProducts(products []*Product) {
	sort.SliceStable(products, func(i, j int) bool {
		return rankKey(products[i]) > rankKey(products[j])
	})
}

func rankKey(p *Product) int64 {
	if p.DiscountPct > 0 {
		return int64(p.DiscountPct) * int64(p.SalesCount)
	}
	return int64(p.SalesCount)
}
