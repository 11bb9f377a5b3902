package pricing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestRoundPretty(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		expected int64
	}{
		{name: "low boundary", raw: "12.12", expected: 29},
		{name: "exact pretty stays", raw: "499", expected: 499},
		{name: "just above pretty", raw: "499.01", expected: 599},
		{name: "mid table", raw: "2400", expected: 2499},
		{name: "table max", raw: "49999", expected: 49999},
		{name: "above table", raw: "120000", expected: 120999},
		{name: "zero", raw: "0", expected: 29},
		{name: "negative", raw: "-5", expected: 29},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoundPretty(decimal.RequireFromString(tt.raw))
			if got != tt.expected {
				t.Errorf("RoundPretty(%s) = %d; want %d", tt.raw, got, tt.expected)
			}
		})
	}
}

func TestRoundPrettyIdempotent(t *testing.T) {
	for _, raw := range []string{"12.12", "2400", "49999", "120000", "1"} {
		once := RoundPretty(decimal.RequireFromString(raw))
		twice := RoundPretty(decimal.NewFromInt(once))
		if once != twice {
			t.Errorf("RoundPretty not idempotent for %s: %d != %d", raw, once, twice)
		}
	}
}

func TestLocalize(t *testing.T) {
	rate := decimal.RequireFromString("12.0")

	tests := []struct {
		native   string
		expected int64
	}{
		{native: "1.01", expected: 29},
		{native: "200", expected: 2499},
		{native: "10000", expected: 120999},
	}

	for _, tt := range tests {
		got := Localize(decimal.RequireFromString(tt.native), rate)
		if got != tt.expected {
			t.Errorf("Localize(%s, 12.0) = %d; want %d", tt.native, got, tt.expected)
		}
	}
}

func TestOldPrice(t *testing.T) {
	day := time.Date(2026, 8, 24, 19, 0, 0, 0, time.UTC)

	for _, price := range []int64{29, 499, 2999, 49999} {
		old := OldPrice("goods-1", day, price)

		if old <= price {
			t.Errorf("OldPrice(%d) = %d; want > price", price, old)
		}
		if old%10 != 0 {
			t.Errorf("OldPrice(%d) = %d; want multiple of ten", price, old)
		}

		lo := int64(float64(price)*markupMin) - 10
		hi := int64(float64(price)*markupMax) + 10
		if old < lo || old > hi {
			t.Errorf("OldPrice(%d) = %d; want within [%d, %d]", price, old, lo, hi)
		}
	}
}

func TestOldPriceDeterministicPerDay(t *testing.T) {
	day := time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC)
	sameDay := time.Date(2026, 8, 24, 23, 59, 0, 0, time.UTC)
	nextDay := day.AddDate(0, 0, 1)

	a := OldPrice("goods-42", day, 1999)
	b := OldPrice("goods-42", sameDay, 1999)
	if a != b {
		t.Errorf("OldPrice changed within the same day: %d != %d", a, b)
	}

	// different products must not share one markup stream
	other := OldPrice("goods-43", day, 1999)
	next := OldPrice("goods-42", nextDay, 1999)
	if a == other && a == next {
		t.Errorf("OldPrice looks constant across products and days: %d", a)
	}
}

func TestDiscountPct(t *testing.T) {
	tests := []struct {
		price    int64
		old      int64
		expected int
	}{
		{price: 999, old: 1400, expected: 28},
		{price: 100, old: 200, expected: 50},
		{price: 100, old: 100, expected: 0},
		{price: 100, old: 0, expected: 0},
		{price: 130, old: 170, expected: 23},
	}

	for _, tt := range tests {
		got := DiscountPct(tt.price, tt.old)
		if got != tt.expected {
			t.Errorf("DiscountPct(%d, %d) = %d; want %d", tt.price, tt.old, got, tt.expected)
		}
	}
}
