package pricing

import (
	"hash/fnv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// prettyPrices is the ordered list of psychologically attractive price points
// in som. RoundPretty picks the smallest entry that covers the raw value.
var prettyPrices = []int64{
	29, 49, 59, 79, 99,
	149, 199, 249, 299, 349, 399, 449, 499,
	599, 699, 799, 899, 999,
	1199, 1299, 1499, 1699, 1999,
	2499, 2999, 3499, 3999, 4499, 4999,
	5999, 6999, 7999, 8999, 9999,
	11999, 12999, 14999, 16999, 19999,
	24999, 29999, 34999, 39999, 49999,
}

const (
	markupMin = 1.30
	markupMax = 1.50
)

// RoundPretty rounds a raw local price up to the nearest pretty value.
// Values above the table are rounded up to the next thousand minus one.
// The operation is idempotent.
func RoundPretty(raw decimal.Decimal) int64 {
	value := raw.Ceil().IntPart()
	if value <= 0 {
		return prettyPrices[0]
	}

	for _, p := range prettyPrices {
		if value <= p {
			return p
		}
	}

	return (value/1000+1)*1000 - 1
}

// Localize converts a native price through the given rate and rounds
// the result up to a pretty value.
func Localize(native, rate decimal.Decimal) int64 {
	return RoundPretty(native.Mul(rate))
}

// OldPrice synthesises the marketing "was" price for a product: the local
// price times a markup drawn uniformly from [1.30, 1.50], rounded to the
// nearest ten. The markup is seeded from (productID, UTC date) so the same
// product keeps the same "was" price for the whole day.
func OldPrice(productID string, day time.Time, price int64) int64 {
	markup := markupFor(productID, day)

	old := int64(float64(price)*markup/10+0.5) * 10
	if old <= price {
		old = price + 10
	}

	return old
}

// DiscountPct is the displayed discount consistent with the two prices.
func DiscountPct(price, oldPrice int64) int {
	if oldPrice <= 0 || price >= oldPrice {
		return 0
	}

	return int((1 - float64(price)/float64(oldPrice)) * 100)
}

func markupFor(productID string, day time.Time) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(productID))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write([]byte(day.UTC().Format("2006-01-02")))

	dist := distuv.Uniform{
		Min: markupMin,
		Max: markupMax,
		Src: rand.NewSource(h.Sum64()),
	}

	return dist.Rand()
}
