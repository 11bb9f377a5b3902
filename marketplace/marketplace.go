package marketplace

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Source identifies the upstream marketplace a product came from.
type Source string

const (
	SourcePinduoduo Source = "pinduoduo"
	SourceTaobao    Source = "taobao"
)

// RawProduct is a normalised marketplace search result. Immutable after
// creation; prices are in the marketplace's native currency.
type RawProduct struct {
	ID          string
	Title       string
	PriceNative decimal.Decimal
	ImageURL    string
	Rating      float64
	DiscountPct int
	SalesCount  int
	Source      Source
}

// Client is the shared marketplace contract. Implementations enforce their
// own per-day soft rate limit and fail fast with *RateLimitError once the
// daily budget is exhausted.
type Client interface {
	Source() Source
	Fetch(ctx context.Context, keyword string, pageSize int) ([]RawProduct, error)
	RequestsRemaining() int
}

// DailyRateLimit is the per-client request budget per UTC calendar day.
const DailyRateLimit = 100

// RateLimitError reports an exhausted daily budget. Callers treat it like an
// upstream outage and fall back to cached products.
type RateLimitError struct {
	Count int
	Limit int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("daily rate limit exceeded: %d/%d", e.Count, e.Limit)
}

// IsRateLimited reports whether err is a marketplace daily-budget failure.
func IsRateLimited(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// dailyLimiter counts requests per UTC date. The counter resets when the
// date changes; acquire fails once the limit is reached.
type dailyLimiter struct {
	mu    sync.Mutex
	limit int
	count int
	day   string
}

func newDailyLimiter(limit int) *dailyLimiter {
	return &dailyLimiter{
		limit: limit,
		day:   utcDay(),
	}
}

func (l *dailyLimiter) acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if today := utcDay(); today != l.day {
		l.count = 0
		l.day = today
	}

	if l.count >= l.limit {
		return &RateLimitError{Count: l.count, Limit: l.limit}
	}

	return nil
}

func (l *dailyLimiter) hit() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if today := utcDay(); today != l.day {
		l.count = 0
		l.day = today
	}

	l.count++
}

func (l *dailyLimiter) remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if today := utcDay(); today != l.day {
		return l.limit
	}
	if l.count >= l.limit {
		return 0
	}

	return l.limit - l.count
}

func utcDay() string {
	return time.Now().UTC().Format("2006-01-02")
}
