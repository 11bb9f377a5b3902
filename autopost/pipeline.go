package autopost

import (
	"context"
	"encoding/json"
	"math/rand"
	"runtime/debug"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	null "gopkg.in/guregu/null.v4"

	"github.com/TulparLabs/tulpar-autopost/content"
	"github.com/TulparLabs/tulpar-autopost/marketplace"
	"github.com/TulparLabs/tulpar-autopost/pricing"
	"github.com/TulparLabs/tulpar-autopost/store"
	"github.com/TulparLabs/tulpar-autopost/telegram"
)

// CurrencyFeed resolves exchange rates with layered fallbacks.
type CurrencyFeed interface {
	Rate(ctx context.Context, from, to string) (decimal.Decimal, pricing.RateSource, error)
}

// CaptionGenerator produces marketing copy, reporting whether the template
// fallback was used for any item.
type CaptionGenerator interface {
	GenerateBatch(ctx context.Context, inputs []content.GeneratorInput) ([]string, bool)
}

// ImageFetcher downloads product images into temp storage.
type ImageFetcher interface {
	DownloadAll(ctx context.Context, urls []string) ([]string, error)
	Purge()
}

// CardRenderer composes the final product card image.
type CardRenderer interface {
	Compose(srcPath string, price, oldPrice int64, discountPct int) (string, error)
}

// Broadcaster publishes to the main channel.
type Broadcaster interface {
	SendMessage(ctx context.Context, chatID, text string) (int64, error)
	SendMediaGroup(ctx context.Context, chatID string, photoPaths, captions []string) (int64, error)
}

// MirrorPublisher publishes the optional carousel mirror.
type MirrorPublisher interface {
	PublishCarousel(ctx context.Context, imageURLs []string, caption string) (string, error)
}

// PipelineStore is the persistence surface the pipeline needs.
type PipelineStore interface {
	UpsertProducts(ctx context.Context, products []*store.ProductRow) error
	CachedByCategory(ctx context.Context, category string, limit int) ([]*store.ProductRow, error)
	CreatePost(ctx context.Context, post *store.PostRow) (int64, error)
}

type PipelineConfig struct {
	ChannelID      string
	MaxProducts    int
	NativeCurrency string
	LocalCurrency  string
	Filter         *FilterConfig
}

func checkPipelineConfig(cfg *PipelineConfig) *PipelineConfig {
	if cfg == nil {
		cfg = &PipelineConfig{}
	}

	if cfg.MaxProducts <= 0 {
		cfg.MaxProducts = 30
	}
	if len(cfg.NativeCurrency) == 0 {
		cfg.NativeCurrency = "CNY"
	}
	if len(cfg.LocalCurrency) == 0 {
		cfg.LocalCurrency = "KGS"
	}
	cfg.Filter = checkFilterConfig(cfg.Filter)

	return cfg
}

// Pipeline executes the daily ten-stage publish flow. Stages up to the
// broadcast are fatal; the mirror downgrades the post status on failure;
// persistence and notification are best-effort.
type Pipeline struct {
	config   *PipelineConfig
	rotation *Rotation

	primary   marketplace.Client
	secondary marketplace.Client

	feed       CurrencyFeed
	generator  CaptionGenerator
	downloader ImageFetcher
	compositor CardRenderer

	broadcaster Broadcaster
	mirror      MirrorPublisher

	store    PipelineStore
	notifier *Notifier

	logger  log.Logger
	svcTags metrics.Tags
}

type PipelineDeps struct {
	Rotation   *Rotation
	Primary    marketplace.Client
	Secondary  marketplace.Client
	Feed       CurrencyFeed
	Generator  CaptionGenerator
	Downloader ImageFetcher
	Compositor CardRenderer

	Broadcaster Broadcaster
	Mirror      MirrorPublisher

	Store    PipelineStore
	Notifier *Notifier
}

func NewPipeline(cfg *PipelineConfig, deps *PipelineDeps) *Pipeline {
	rotation := deps.Rotation
	if rotation == nil {
		rotation = NewRotation()
	}

	return &Pipeline{
		config:   checkPipelineConfig(cfg),
		rotation: rotation,

		primary:   deps.Primary,
		secondary: deps.Secondary,

		feed:       deps.Feed,
		generator:  deps.Generator,
		downloader: deps.Downloader,
		compositor: deps.Compositor,

		broadcaster: deps.Broadcaster,
		mirror:      deps.Mirror,

		store:    deps.Store,
		notifier: deps.Notifier,

		logger: log.WithField("svc", "pipeline"),
		svcTags: metrics.Tags{
			"svc": "pipeline",
		},
	}
}

// Run executes one full pipeline pass. categoryHint overrides the daily
// rotation when an operator wants a specific category.
func (p *Pipeline) Run(ctx context.Context, categoryHint string) (report *PipelineReport) {
	metrics.ReportFuncCall(p.svcTags)
	doneFn := metrics.ReportFuncTiming(p.svcTags)
	defer doneFn()

	report = &PipelineReport{StartedAt: time.Now()}
	defer func() {
		report.Elapsed = time.Since(report.StartedAt)

		if r := recover(); r != nil {
			metrics.ReportFuncError(p.svcTags)
			p.logger.WithFields(log.Fields{
				"stack": string(debug.Stack()),
			}).Errorf("pipeline panic: %v", r)

			report.Success = false
			report.Err = errors.Errorf("pipeline panic: %v", r)
		}

		p.notify(report)
	}()

	if p.downloader != nil {
		defer p.downloader.Purge()
	}

	// Stage 1: fetch
	start := time.Now()
	raw, err := p.fetchProducts(ctx, categoryHint, report)
	report.recordStage(StageFetch, start, err)
	if err != nil {
		return p.fail(report, StageFetch, err)
	}

	// Stage 2: price conversion
	start = time.Now()
	products, err := p.convertPrices(ctx, raw, report)
	report.recordStage(StageConvert, start, err)
	if err != nil {
		return p.fail(report, StageConvert, err)
	}

	// Stage 3: filter and rank
	start = time.Now()
	products = FilterRank(products, p.config.Filter)
	if len(products) == 0 {
		err = errors.New("no products survived filtering")
	}
	report.recordStage(StageFilter, start, err)
	if err != nil {
		return p.fail(report, StageFilter, err)
	}

	// Stage 4: text generation
	start = time.Now()
	p.generateDescriptions(ctx, products, report)
	report.recordStage(StageGenerate, start, nil)

	// Stage 5: image download
	start = time.Now()
	products, err = p.downloadImages(ctx, products)
	report.recordStage(StageDownload, start, err)
	if err != nil {
		return p.fail(report, StageDownload, err)
	}

	// Stage 6: card composition
	start = time.Now()
	products, err = p.composeCards(products)
	report.recordStage(StageCompose, start, err)
	if err != nil {
		return p.fail(report, StageCompose, err)
	}

	report.ProductCount = len(products)

	// Stage 7: broadcast publish
	start = time.Now()
	broadcastID, err := p.broadcast(ctx, products)
	report.recordStage(StageBroadcast, start, err)
	if err != nil {
		return p.fail(report, StageBroadcast, err)
	}
	report.BroadcastMessageID = broadcastID

	// Stage 8: mirror publish, non-fatal
	mirrorAttempted := p.mirror != nil
	if mirrorAttempted {
		start = time.Now()
		mirrorID, mirrorErr := p.publishMirror(ctx, products, report.Category)
		report.recordStage(StageMirror, start, mirrorErr)
		if mirrorErr != nil {
			p.logger.WithError(mirrorErr).Warningln("mirror publish failed, post downgraded")
		} else {
			report.MirrorPostID = mirrorID
		}
	} else {
		report.addFallback(FallbackMirrorSkipped)
	}

	// Stage 9: persist, best-effort
	start = time.Now()
	postID, persistErr := p.persist(ctx, products, report, mirrorAttempted)
	report.recordStage(StagePersist, start, persistErr)
	if persistErr != nil {
		p.logger.WithError(persistErr).Errorln("failed to persist post record")
	} else {
		report.PostID = postID
	}

	report.Success = true
	return report
}

func (p *Pipeline) fail(report *PipelineReport, stage string, err error) *PipelineReport {
	metrics.ReportFuncError(p.svcTags)

	report.Success = false
	report.FailedStage = stage
	report.Err = err

	p.logger.WithError(err).WithFields(log.Fields{
		"stage": stage,
	}).Errorln("pipeline aborted")

	return report
}

// notify is Stage 10: report delivery is best-effort.
func (p *Pipeline) notify(report *PipelineReport) {
	if p.notifier == nil {
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.notifier.Report(ctx, report)
	report.recordStage(StageNotify, start, err)
	if err != nil {
		p.logger.WithError(err).Warningln("failed to deliver operator report")
	}
}

func (p *Pipeline) fetchProducts(ctx context.Context, categoryHint string, report *PipelineReport) ([]marketplace.RawProduct, error) {
	categories := p.rotation.GroupFor(time.Now())
	if len(categoryHint) > 0 {
		categories = []string{categoryHint}
	}
	// the lead category tags the mirror caption
	report.Category = categories[0]

	budget := p.rotation.PerKeyBudget(p.config.MaxProducts, len(categories))

	var merged []marketplace.RawProduct
	for _, category := range categories {
		items, err := p.primary.Fetch(ctx, p.rotation.Keyword(category), budget)
		if err != nil {
			p.logger.WithError(err).WithFields(log.Fields{
				"category": category,
			}).Warningln("primary fetch failed, trying product cache")

			cached := p.cachedProducts(ctx, category, budget)
			if len(cached) > 0 {
				report.addFallback(FallbackCached)
				merged = append(merged, cached...)
			}
			continue
		}

		p.refreshCache(ctx, category, items)
		merged = append(merged, items...)
	}

	if p.secondary != nil && len(categories) > 0 {
		category := categories[rand.Intn(len(categories))]

		items, err := p.secondary.Fetch(ctx, p.rotation.Keyword(category), budget)
		if err != nil {
			p.logger.WithError(err).WithFields(log.Fields{
				"category": category,
			}).Warningln("secondary fetch failed, continuing with primary only")
		} else {
			p.refreshCache(ctx, category, items)
			merged = append(merged, items...)
		}
	}

	if len(merged) == 0 {
		return nil, errors.New("no products from any marketplace or cache")
	}

	// interleave sources
	rand.Shuffle(len(merged), func(i, j int) {
		merged[i], merged[j] = merged[j], merged[i]
	})

	return merged, nil
}

func (p *Pipeline) cachedProducts(ctx context.Context, category string, limit int) []marketplace.RawProduct {
	if p.store == nil {
		return nil
	}

	rows, err := p.store.CachedByCategory(ctx, category, limit)
	if err != nil {
		p.logger.WithError(err).Warningln("product cache lookup failed")
		return nil
	}

	products := make([]marketplace.RawProduct, 0, len(rows))
	for _, row := range rows {
		products = append(products, marketplace.RawProduct{
			ID:          row.SourceID,
			Title:       row.Title,
			PriceNative: row.PriceNative,
			ImageURL:    row.ImageURL,
			Rating:      row.Rating,
			DiscountPct: row.Discount,
			SalesCount:  int(row.SalesCount),
			Source:      marketplace.Source(row.Source),
		})
	}

	return products
}

func (p *Pipeline) refreshCache(ctx context.Context, category string, items []marketplace.RawProduct) {
	if p.store == nil || len(items) == 0 {
		return
	}

	rows := make([]*store.ProductRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, &store.ProductRow{
			SourceID:    item.ID,
			Source:      string(item.Source),
			Title:       item.Title,
			PriceNative: item.PriceNative,
			ImageURL:    item.ImageURL,
			Rating:      item.Rating,
			Discount:    item.DiscountPct,
			SalesCount:  int64(item.SalesCount),
			Category:    category,
		})
	}

	if err := p.store.UpsertProducts(ctx, rows); err != nil {
		p.logger.WithError(err).Warningln("failed to refresh product cache")
	}
}

func (p *Pipeline) convertPrices(ctx context.Context, raw []marketplace.RawProduct, report *PipelineReport) ([]*Product, error) {
	rate, source, err := p.feed.Rate(ctx, p.config.NativeCurrency, p.config.LocalCurrency)
	if err != nil {
		return nil, err
	}
	if source == pricing.RateSourceDB {
		report.addFallback(FallbackCurrencyDB)
	}

	now := time.Now()
	products := make([]*Product, 0, len(raw))
	for _, item := range raw {
		price := pricing.Localize(item.PriceNative, rate)
		oldPrice := pricing.OldPrice(item.ID, now, price)

		product := &Product{
			RawProduct:    item,
			PriceLocal:    price,
			OldPriceLocal: oldPrice,
		}
		product.DiscountPct = pricing.DiscountPct(price, oldPrice)

		products = append(products, product)
	}

	return products, nil
}

func (p *Pipeline) generateDescriptions(ctx context.Context, products []*Product, report *PipelineReport) {
	inputs := make([]content.GeneratorInput, 0, len(products))
	for _, product := range products {
		inputs = append(inputs, content.GeneratorInput{
			ProductID: product.ID,
			Title:     product.Title,
			Price:     product.PriceLocal,
			OldPrice:  product.OldPriceLocal,
		})
	}

	texts, degraded := p.generator.GenerateBatch(ctx, inputs)
	if degraded {
		report.addFallback(FallbackTemplate)
	}

	for i, product := range products {
		product.Description = texts[i]
	}
}

// downloadImages fetches every product image and drops products whose image
// could not be retrieved.
func (p *Pipeline) downloadImages(ctx context.Context, products []*Product) ([]*Product, error) {
	urls := make([]string, 0, len(products))
	for _, product := range products {
		urls = append(urls, product.ImageURL)
	}

	paths, err := p.downloader.DownloadAll(ctx, urls)
	if err != nil {
		return nil, err
	}

	kept := make([]*Product, 0, len(products))
	for i, product := range products {
		if len(paths[i]) == 0 {
			p.logger.WithFields(log.Fields{
				"product_id": product.ID,
			}).Warningln("dropping product without image")
			continue
		}
		product.ImagePath = paths[i]
		kept = append(kept, product)
	}

	if len(kept) == 0 {
		return nil, errors.New("no product images downloaded")
	}

	return kept, nil
}

func (p *Pipeline) composeCards(products []*Product) ([]*Product, error) {
	kept := make([]*Product, 0, len(products))
	for _, product := range products {
		cardPath, err := p.compositor.Compose(
			product.ImagePath, product.PriceLocal, product.OldPriceLocal, product.DiscountPct)
		if err != nil {
			p.logger.WithError(err).WithFields(log.Fields{
				"product_id": product.ID,
			}).Warningln("card composition failed, dropping product")
			continue
		}

		product.CardPath = cardPath
		kept = append(kept, product)
	}

	if len(kept) == 0 {
		return nil, errors.New("no product cards composed")
	}

	return kept, nil
}

func (p *Pipeline) broadcast(ctx context.Context, products []*Product) (int64, error) {
	if _, err := p.broadcaster.SendMessage(ctx, p.config.ChannelID, content.IntroText); err != nil {
		return 0, errors.Wrap(err, "failed to send intro message")
	}

	if len(products) > telegram.MaxGroupSize {
		products = products[:telegram.MaxGroupSize]
	}

	paths := make([]string, 0, len(products))
	captions := make([]string, 0, len(products))
	for _, product := range products {
		paths = append(paths, product.CardPath)
		captions = append(captions, content.BuildCaption(
			product.Description, product.PriceLocal, product.OldPriceLocal))
	}

	msgID, err := p.broadcaster.SendMediaGroup(ctx, p.config.ChannelID, paths, captions)
	if err != nil {
		return 0, errors.Wrap(err, "failed to send media group")
	}

	return msgID, nil
}

func (p *Pipeline) publishMirror(ctx context.Context, products []*Product, category string) (string, error) {
	urls := make([]string, 0, len(products))
	items := make([]content.MirrorProduct, 0, len(products))
	for _, product := range products {
		urls = append(urls, product.ImageURL)
		items = append(items, content.MirrorProduct{
			Title:       product.Title,
			Price:       product.PriceLocal,
			OldPrice:    product.OldPriceLocal,
			DiscountPct: product.DiscountPct,
		})
	}

	caption := content.BuildMirrorCaption(
		content.BuildMirrorPost(items),
		content.Hashtags(category, products[0].Title),
	)

	return p.mirror.PublishCarousel(ctx, urls, caption)
}

func (p *Pipeline) persist(ctx context.Context, products []*Product, report *PipelineReport, mirrorAttempted bool) (int64, error) {
	if p.store == nil {
		return 0, nil
	}

	snapshot, err := json.Marshal(products)
	if err != nil {
		return 0, errors.Wrap(err, "failed to marshal products snapshot")
	}

	post := &store.PostRow{
		ProductsJSON: snapshot,
		Status:       derivePostStatus(report, mirrorAttempted),
	}
	if report.BroadcastMessageID > 0 {
		post.BroadcastMessageID = null.IntFrom(report.BroadcastMessageID)
	}
	if len(report.MirrorPostID) > 0 {
		post.MirrorPostID = null.StringFrom(report.MirrorPostID)
	}

	return p.store.CreatePost(ctx, post)
}

func derivePostStatus(report *PipelineReport, mirrorAttempted bool) store.PostStatus {
	switch {
	case !mirrorAttempted:
		return store.PostStatusBroadcastOnly
	case len(report.MirrorPostID) > 0:
		return store.PostStatusPublished
	default:
		return store.PostStatusMirrorFailed
	}
}
