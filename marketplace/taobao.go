package marketplace

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
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

var _ Client = &taobaoClient{}

type TaobaoConfig struct {
	BaseURL string
	APIKey  string
}

func checkTaobaoConfig(cfg *TaobaoConfig) *TaobaoConfig {
	if cfg == nil {
		cfg = &TaobaoConfig{}
	}

	if len(cfg.BaseURL) == 0 {
		cfg.BaseURL = "https://taobao-tmall1.p.rapidapi.com"
	}

	return cfg
}

// NewTaobaoClient returns the secondary marketplace gateway (Otapi frame
// search). VendorScore arrives on a 0-20 scale and is rescaled to [0,5].
func NewTaobaoClient(cfg *TaobaoConfig) Client {
	cfg = checkTaobaoConfig(cfg)

	return &taobaoClient{
		client:  httputil.NewClient(0),
		config:  cfg,
		limiter: newDailyLimiter(DailyRateLimit),

		logger: log.WithFields(log.Fields{
			"svc":    "marketplace",
			"source": SourceTaobao,
		}),
		svcTags: metrics.Tags{
			"svc":    "marketplace",
			"source": string(SourceTaobao),
		},
	}
}

type taobaoClient struct {
	client  *http.Client
	config  *TaobaoConfig
	limiter *dailyLimiter

	logger  log.Logger
	svcTags metrics.Tags
}

func (c *taobaoClient) Source() Source {
	return SourceTaobao
}

func (c *taobaoClient) RequestsRemaining() int {
	return c.limiter.remaining()
}

func (c *taobaoClient) Fetch(ctx context.Context, keyword string, pageSize int) ([]RawProduct, error) {
	metrics.ReportFuncCall(c.svcTags)
	doneFn := metrics.ReportFuncTiming(c.svcTags)
	defer doneFn()

	if err := c.limiter.acquire(); err != nil {
		metrics.ReportFuncError(c.svcTags)
		return nil, err
	}

	u, err := url.ParseRequestURI(c.config.BaseURL + "/BatchSearchItemsFrame")
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return nil, errors.Wrap(err, "failed to parse search URL")
	}

	q := make(url.Values)
	q.Set("frame", "Taobao")
	q.Set("framePosition", "1")
	q.Set("frameSize", strconv.Itoa(pageSize))
	q.Set("language", "en")
	q.Set("ItemTitle", keyword)
	u.RawQuery = q.Encode()
	reqURL := u.String()

	respBody, err := c.doWithRetries(ctx, reqURL)
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return nil, err
	}

	var searchResp taobaoSearchResp
	if err := json.Unmarshal(respBody, &searchResp); err != nil {
		metrics.ReportFuncError(c.svcTags)
		return nil, errors.Wrapf(err, "failed to unmarshal search response for %q", keyword)
	}

	if searchResp.ErrorCode != "" && searchResp.ErrorCode != "Ok" {
		metrics.ReportFuncError(c.svcTags)
		return nil, errors.Errorf("upstream error %s: %s", searchResp.ErrorCode, searchResp.ErrorDescription)
	}

	items := searchResp.Result.Items.Items.Content

	products := make([]RawProduct, 0, len(items))
	for _, item := range items {
		product, ok := parseTaobaoItem(item)
		if !ok {
			c.logger.WithField("item_id", item.ID.String()).Debugln("skipping unparseable item")
			continue
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

func (c *taobaoClient) doWithRetries(ctx context.Context, reqURL string) ([]byte, error) {
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

type taobaoSearchResp struct {
	ErrorCode        string `json:"ErrorCode"`
	ErrorDescription string `json:"ErrorDescription"`
	Result           struct {
		Items struct {
			Items struct {
				Content []taobaoItem `json:"Content"`
			} `json:"Items"`
		} `json:"Items"`
	} `json:"Result"`
}

type taobaoItem struct {
	ID             json.Number     `json:"Id"`
	Title          string          `json:"Title"`
	OriginalTitle  string          `json:"OriginalTitle"`
	Price          taobaoItemPrice `json:"Price"`
	MainPictureURL string          `json:"MainPictureUrl"`
	VendorScore    json.Number     `json:"VendorScore"`
	Volume         json.Number     `json:"Volume"`
}

type taobaoItemPrice struct {
	OriginalPrice json.Number `json:"OriginalPrice"`
	MarginPrice   json.Number `json:"MarginPrice"`
}

const defaultVendorScore = 15.0

func parseTaobaoItem(item taobaoItem) (RawProduct, bool) {
	id := item.ID.String()
	if id == "" {
		return RawProduct{}, false
	}

	title := item.Title
	if title == "" {
		title = item.OriginalTitle
	}
	if title == "" {
		return RawProduct{}, false
	}

	original, err := item.Price.OriginalPrice.Float64()
	if err != nil || original <= 0 {
		return RawProduct{}, false
	}

	imageURL := item.MainPictureURL
	if strings.HasPrefix(imageURL, "//") {
		imageURL = "https:" + imageURL
	}
	if imageURL == "" {
		return RawProduct{}, false
	}

	score := defaultVendorScore
	if v, err := item.VendorScore.Float64(); err == nil && v > 0 {
		score = v
	}
	rating := score / 4
	if rating > 5 {
		rating = 5
	} else if rating < 0 {
		rating = 0
	}

	sales := 0
	if v, err := item.Volume.Int64(); err == nil && v > 0 {
		sales = int(v)
	}

	discount := 0
	if margin, err := item.Price.MarginPrice.Float64(); err == nil && margin > original {
		discount = int((1 - original/margin) * 100)
	}

	return RawProduct{
		ID:          id,
		Title:       title,
		PriceNative: decimal.NewFromFloat(original),
		ImageURL:    imageURL,
		Rating:      rating,
		DiscountPct: discount,
		SalesCount:  sales,
		Source:      SourceTaobao,
	}, true
}
