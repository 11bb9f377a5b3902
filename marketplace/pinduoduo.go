package marketplace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/TulparLabs/tulpar-autopost/internal/httputil"
)

var _ Client = &pinduoduoClient{}

type PinduoduoConfig struct {
	BaseURL string
	APIKey  string
}

func checkPinduoduoConfig(cfg *PinduoduoConfig) *PinduoduoConfig {
	if cfg == nil {
		cfg = &PinduoduoConfig{}
	}

	if len(cfg.BaseURL) == 0 {
		cfg.BaseURL = "https://pinduoduo1.p.rapidapi.com"
	}

	return cfg
}

// NewPinduoduoClient returns the primary marketplace gateway. Responses carry
// prices in fen (minor units) and CJK-suffixed sales counters, both of which
// are normalised here.
func NewPinduoduoClient(cfg *PinduoduoConfig) Client {
	cfg = checkPinduoduoConfig(cfg)

	return &pinduoduoClient{
		client:  httputil.NewClient(0),
		config:  cfg,
		limiter: newDailyLimiter(DailyRateLimit),

		logger: log.WithFields(log.Fields{
			"svc":    "marketplace",
			"source": SourcePinduoduo,
		}),
		svcTags: metrics.Tags{
			"svc":    "marketplace",
			"source": string(SourcePinduoduo),
		},
	}
}

type pinduoduoClient struct {
	client  *http.Client
	config  *PinduoduoConfig
	limiter *dailyLimiter

	logger  log.Logger
	svcTags metrics.Tags
}

func (c *pinduoduoClient) Source() Source {
	return SourcePinduoduo
}

func (c *pinduoduoClient) RequestsRemaining() int {
	return c.limiter.remaining()
}

func (c *pinduoduoClient) Fetch(ctx context.Context, keyword string, pageSize int) ([]RawProduct, error) {
	metrics.ReportFuncCall(c.svcTags)
	doneFn := metrics.ReportFuncTiming(c.svcTags)
	defer doneFn()

	if err := c.limiter.acquire(); err != nil {
		metrics.ReportFuncError(c.svcTags)
		return nil, err
	}

	u, err := url.ParseRequestURI(c.config.BaseURL + "/pinduoduo/search")
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return nil, errors.Wrap(err, "failed to parse search URL")
	}

	q := make(url.Values)
	q.Set("keyword", keyword)
	q.Set("page", "1")
	u.RawQuery = q.Encode()
	reqURL := u.String()

	respBody, err := c.doWithRetries(ctx, reqURL)
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return nil, err
	}

	var searchResp pinduoduoSearchResp
	if err := json.Unmarshal(respBody, &searchResp); err != nil {
		metrics.ReportFuncError(c.svcTags)
		return nil, errors.Wrapf(err, "failed to unmarshal search response for %q", keyword)
	}

	products := make([]RawProduct, 0, len(searchResp.Data.Items))
	for _, item := range searchResp.Data.Items {
		product, ok := parsePinduoduoItem(item)
		if !ok {
			// schema mismatch skips the item, not the batch
			c.logger.WithField("goods_id", item.GoodsID).Debugln("skipping unparseable item")
			continue
		}
		if len(products) >= pageSize {
			break
		}
		products = append(products, product)
	}

	c.logger.WithFields(log.Fields{
		"keyword":   keyword,
		"total":     len(products),
		"remaining": c.limiter.remaining(),
	}).Infoln("fetched products")

	return products, nil
}

func (c *pinduoduoClient) doWithRetries(ctx context.Context, reqURL string) ([]byte, error) {
	b := &backoff.Backoff{
		Min:    2 * time.Second,
		Max:    30 * time.Second,
		Factor: 2,
	}

	var lastErr error
	for attempt := 0; attempt < maxFetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.Duration()):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, errors.Wrap(err, "failed to create HTTP request")
		}
		req.Header.Set("X-RapidAPI-Key", c.config.APIKey)
		req.Header.Set("X-RapidAPI-Host", hostOf(c.config.BaseURL))

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = errors.Wrapf(err, "failed to fetch from %s", reqURL)
			continue
		}
		c.limiter.hit()

		respBody, err := httputil.ReadBody(resp)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 400 {
			err = errors.Errorf("got status %d from %s: %s",
				resp.StatusCode, reqURL, httputil.BestEffortExtractError(respBody))
			if !httputil.IsRetriable(resp.StatusCode) {
				return nil, err
			}
			lastErr = err
			continue
		}

		return respBody, nil
	}

	return nil, errors.Wrapf(lastErr, "giving up after %d attempts", maxFetchAttempts)
}

const maxFetchAttempts = 3

type pinduoduoSearchResp struct {
	Data struct {
		Items []pinduoduoItem `json:"items"`
	} `json:"data"`
}

type pinduoduoItem struct {
	GoodsID      json.Number `json:"goods_id"`
	GoodsName    string      `json:"goods_name"`
	DefaultPrice json.Number `json:"default_price"`
	MarketPrice  json.Number `json:"market_price"`
	HDThumbURL   string      `json:"hd_thumb_url"`
	ThumbURL     string      `json:"thumb_url"`
	SideSalesTip string      `json:"side_sales_tip"`
	Rating       json.Number `json:"goods_score"`
}

const defaultRating = 4.5

func parsePinduoduoItem(item pinduoduoItem) (RawProduct, bool) {
	id := item.GoodsID.String()
	if id == "" || item.GoodsName == "" {
		return RawProduct{}, false
	}

	// prices come in fen
	defaultFen, err := item.DefaultPrice.Float64()
	if err != nil || defaultFen <= 0 {
		return RawProduct{}, false
	}
	price := decimal.NewFromFloat(defaultFen).Div(decimal.NewFromInt(100))

	imageURL := item.HDThumbURL
	if imageURL == "" {
		imageURL = item.ThumbURL
	}
	if imageURL == "" {
		return RawProduct{}, false
	}
	imageURL = UpgradeThumbURL(imageURL)

	discount := 0
	if marketFen, err := item.MarketPrice.Float64(); err == nil && marketFen > defaultFen {
		discount = int((1 - defaultFen/marketFen) * 100)
	}

	rating := defaultRating
	if r, err := item.Rating.Float64(); err == nil && r > 0 && r <= 5 {
		rating = r
	}

	return RawProduct{
		ID:          id,
		Title:       item.GoodsName,
		PriceNative: price,
		ImageURL:    imageURL,
		Rating:      rating,
		DiscountPct: discount,
		SalesCount:  ParseSalesCount(item.SideSalesTip),
		Source:      SourcePinduoduo,
	}, true
}

var salesCleanup = strings.NewReplacer("件", "", "已抢", "", "总售", "", "+", "", " ", "")

// ParseSalesCount normalises CJK sales strings such as "1.5万+" or "已抢2000件".
func ParseSalesCount(tip string) int {
	s := salesCleanup.Replace(strings.TrimSpace(tip))
	if s == "" {
		return 0
	}

	multiplier := 1.0
	if strings.Contains(s, "万") {
		multiplier = 10000
		s = strings.ReplaceAll(s, "万", "")
	}

	value, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}

	return int(value * multiplier)
}

var (
	mogrThumbRe   = regexp.MustCompile(`imageMogr2/thumbnail/!?\d+x\d*`)
	sizeSuffixRe  = regexp.MustCompile(`_\d+x\d+`)
	dimensionRe   = regexp.MustCompile(`[@?&][wh]=\d+`)
	qualityRe     = regexp.MustCompile(`_q\d+`)
	pddpicHostRe  = regexp.MustCompile(`(^|\.)pddpic\.com$`)
	mogrHighRes   = "imageMogr2/thumbnail/!800x"
	mogrAppendArg = "?imageMogr2/thumbnail/!800x"
)

// UpgradeThumbURL rewrites known thumbnail size parameters to request a
// higher-resolution variant of the same image.
func UpgradeThumbURL(raw string) string {
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}

	if mogrThumbRe.MatchString(raw) {
		return mogrThumbRe.ReplaceAllString(raw, mogrHighRes)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	if pddpicHostRe.MatchString(u.Host) && !strings.Contains(raw, "imageMogr2") {
		return raw + mogrAppendArg
	}

	raw = sizeSuffixRe.ReplaceAllString(raw, "")
	raw = dimensionRe.ReplaceAllString(raw, "")
	raw = qualityRe.ReplaceAllString(raw, "")

	return raw
}

func hostOf(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.Host
}
