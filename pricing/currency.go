package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/TulparLabs/tulpar-autopost/internal/httputil"
)

// ErrRateUnavailable is returned when the cache, the external feed and the
// database history all failed to produce a rate. Fatal for a pipeline run.
var ErrRateUnavailable = errors.New("exchange rate unavailable from all sources")

// RateSource tells the caller where a rate came from, so the pipeline can
// record the database fallback.
type RateSource string

const (
	RateSourceCache RateSource = "cache"
	RateSourceAPI   RateSource = "api"
	RateSourceDB    RateSource = "db"
)

const (
	rateCacheSize = 10
	rateCacheTTL  = time.Hour
	rateHTTPTime  = 30 * time.Second
)

// RateStore persists fetched rates and serves the latest known pair
// when the external feed is down.
type RateStore interface {
	LatestRate(ctx context.Context, from, to string) (decimal.Decimal, error)
	InsertRate(ctx context.Context, from, to string, rate decimal.Decimal) error
}

type ConverterConfig struct {
	BaseURL string
}

func checkConverterConfig(cfg *ConverterConfig) *ConverterConfig {
	if cfg == nil {
		cfg = &ConverterConfig{}
	}

	if len(cfg.BaseURL) == 0 {
		cfg.BaseURL = "https://api.exchangerate-api.com"
	}

	return cfg
}

// Converter resolves exchange rates with a TTL cache in front of the external
// feed and the rate history table behind it.
type Converter struct {
	client *http.Client
	config *ConverterConfig
	cache  *expirable.LRU[string, decimal.Decimal]
	store  RateStore

	logger  log.Logger
	svcTags metrics.Tags
}

func NewConverter(cfg *ConverterConfig, store RateStore) *Converter {
	return &Converter{
		client: httputil.NewClient(rateHTTPTime),
		config: checkConverterConfig(cfg),
		cache:  expirable.NewLRU[string, decimal.Decimal](rateCacheSize, nil, rateCacheTTL),
		store:  store,

		logger: log.WithField("svc", "currency"),
		svcTags: metrics.Tags{
			"svc": "currency",
		},
	}
}

// Rate looks up from→to in cache, then the external feed, then the latest
// database row. External hits are written through to cache and storage.
func (c *Converter) Rate(ctx context.Context, from, to string) (decimal.Decimal, RateSource, error) {
	metrics.ReportFuncCall(c.svcTags)
	doneFn := metrics.ReportFuncTiming(c.svcTags)
	defer doneFn()

	from = strings.ToUpper(from)
	to = strings.ToUpper(to)
	key := from + ":" + to

	if rate, ok := c.cache.Get(key); ok {
		return rate, RateSourceCache, nil
	}

	rate, err := c.fetchRate(ctx, from, to)
	if err == nil {
		c.cache.Add(key, rate)

		if c.store != nil {
			if insertErr := c.store.InsertRate(ctx, from, to, rate); insertErr != nil {
				c.logger.WithError(insertErr).Warningln("failed to persist fetched rate")
			}
		}

		return rate, RateSourceAPI, nil
	}

	metrics.ReportFuncError(c.svcTags)
	c.logger.WithError(err).WithFields(log.Fields{
		"pair": key,
	}).Warningln("external rate fetch failed, trying rate history")

	if c.store != nil {
		rate, dbErr := c.store.LatestRate(ctx, from, to)
		if dbErr == nil && rate.IsPositive() {
			c.cache.Add(key, rate)
			return rate, RateSourceDB, nil
		}
		if dbErr != nil {
			c.logger.WithError(dbErr).Warningln("rate history lookup failed")
		}
	}

	return decimal.Zero, "", errors.Wrapf(ErrRateUnavailable, "pair %s", key)
}

type latestRatesResp struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (c *Converter) fetchRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	reqURL := fmt.Sprintf("%s/v4/latest/%s", strings.TrimRight(c.config.BaseURL, "/"), from)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to create HTTP request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, errors.Wrapf(err, "failed to fetch rates from %s", reqURL)
	}

	respBody, err := httputil.ReadBody(resp)
	if err != nil {
		return decimal.Zero, err
	}

	if resp.StatusCode >= 400 {
		return decimal.Zero, errors.Errorf("rates endpoint returned status %d", resp.StatusCode)
	}

	var ratesResp latestRatesResp
	if err := json.Unmarshal(respBody, &ratesResp); err != nil {
		return decimal.Zero, errors.Wrap(err, "failed to unmarshal rates response")
	}

	rate, ok := ratesResp.Rates[to]
	if !ok || !rate.IsPositive() {
		return decimal.Zero, errors.Errorf("no usable rate for %s in response", to)
	}

	return rate, nil
}
