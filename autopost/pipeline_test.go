package autopost

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/TulparLabs/tulpar-autopost/content"
	"github.com/TulparLabs/tulpar-autopost/marketplace"
	"github.com/TulparLabs/tulpar-autopost/pricing"
	"github.com/TulparLabs/tulpar-autopost/store"
)

type fakeMarketplace struct {
	source   marketplace.Source
	products []marketplace.RawProduct
	err      error

	mux   sync.Mutex
	calls int
}

func (f *fakeMarketplace) Source() marketplace.Source { return f.source }
func (f *fakeMarketplace) RequestsRemaining() int     { return 100 }

func (f *fakeMarketplace) Fetch(_ context.Context, _ string, _ int) ([]marketplace.RawProduct, error) {
	f.mux.Lock()
	f.calls++
	f.mux.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	return f.products, nil
}

type fakeFeed struct {
	rate   decimal.Decimal
	source pricing.RateSource
	err    error
}

func (f *fakeFeed) Rate(_ context.Context, _, _ string) (decimal.Decimal, pricing.RateSource, error) {
	if f.err != nil {
		return decimal.Zero, "", f.err
	}
	return f.rate, f.source, nil
}

type fakeGenerator struct {
	degraded bool
}

func (f *fakeGenerator) GenerateBatch(_ context.Context, inputs []content.GeneratorInput) ([]string, bool) {
	texts := make([]string, 0, len(inputs))
	for _, in := range inputs {
		texts = append(texts, "Описание: "+in.Title)
	}
	return texts, f.degraded
}

type fakeDownloader struct {
	err    error
	purged int
}

func (f *fakeDownloader) DownloadAll(_ context.Context, urls []string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	paths := make([]string, 0, len(urls))
	for i := range urls {
		paths = append(paths, fmt.Sprintf("/tmp/img-%d.jpeg", i))
	}
	return paths, nil
}

func (f *fakeDownloader) Purge() { f.purged++ }

type fakeCompositor struct {
	err error
}

func (f *fakeCompositor) Compose(srcPath string, _, _ int64, _ int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return srcPath + ".card.jpeg", nil
}

type fakeBroadcaster struct {
	introTexts []string
	groupPaths [][]string
	captions   [][]string
	groupErr   error
}

func (f *fakeBroadcaster) SendMessage(_ context.Context, _ string, text string) (int64, error) {
	f.introTexts = append(f.introTexts, text)
	return 1, nil
}

func (f *fakeBroadcaster) SendMediaGroup(_ context.Context, _ string, photoPaths, captions []string) (int64, error) {
	if f.groupErr != nil {
		return 0, f.groupErr
	}
	f.groupPaths = append(f.groupPaths, photoPaths)
	f.captions = append(f.captions, captions)
	return 4242, nil
}

type fakeMirror struct {
	mediaID string
	err     error

	urls     []string
	captions []string
}

func (f *fakeMirror) PublishCarousel(_ context.Context, imageURLs []string, caption string) (string, error) {
	f.urls = imageURLs
	f.captions = append(f.captions, caption)

	if f.err != nil {
		return "", f.err
	}
	return f.mediaID, nil
}

type fakePipelineStore struct {
	cached    []*store.ProductRow
	cachedErr error

	upserted [][]*store.ProductRow
	posts    []*store.PostRow
	postErr  error
}

func (f *fakePipelineStore) UpsertProducts(_ context.Context, products []*store.ProductRow) error {
	f.upserted = append(f.upserted, products)
	return nil
}

func (f *fakePipelineStore) CachedByCategory(_ context.Context, _ string, _ int) ([]*store.ProductRow, error) {
	if f.cachedErr != nil {
		return nil, f.cachedErr
	}
	return f.cached, nil
}

func (f *fakePipelineStore) CreatePost(_ context.Context, post *store.PostRow) (int64, error) {
	if f.postErr != nil {
		return 0, f.postErr
	}
	f.posts = append(f.posts, post)
	return int64(len(f.posts)), nil
}

func rawProducts(source marketplace.Source, n int) []marketplace.RawProduct {
	products := make([]marketplace.RawProduct, 0, n)
	for i := 0; i < n; i++ {
		products = append(products, marketplace.RawProduct{
			ID:          fmt.Sprintf("%s-%d", source, i),
			Title:       fmt.Sprintf("Товар %d", i),
			PriceNative: decimal.NewFromInt(int64(50 + i)),
			ImageURL:    fmt.Sprintf("https://img.example.com/%s/%d.jpg", source, i),
			Rating:      4.5,
			SalesCount:  1000 + i,
			Source:      source,
		})
	}
	return products
}

type pipelineFixture struct {
	primary     *fakeMarketplace
	secondary   *fakeMarketplace
	feed        *fakeFeed
	downloader  *fakeDownloader
	broadcaster *fakeBroadcaster
	mirror      *fakeMirror
	store       *fakePipelineStore

	pipeline *Pipeline
}

func newPipelineFixture(cfg *PipelineConfig) *pipelineFixture {
	f := &pipelineFixture{
		primary: &fakeMarketplace{
			source:   marketplace.SourcePinduoduo,
			products: rawProducts(marketplace.SourcePinduoduo, 5),
		},
		feed:        &fakeFeed{rate: decimal.RequireFromString("12.5"), source: pricing.RateSourceAPI},
		downloader:  &fakeDownloader{},
		broadcaster: &fakeBroadcaster{},
		mirror:      &fakeMirror{mediaID: "ig-777"},
		store:       &fakePipelineStore{},
	}

	if cfg == nil {
		cfg = &PipelineConfig{ChannelID: "@tulpar_deals"}
	}

	f.pipeline = NewPipeline(cfg, &PipelineDeps{
		Primary:     f.primary,
		Feed:        f.feed,
		Generator:   &fakeGenerator{},
		Downloader:  f.downloader,
		Compositor:  &fakeCompositor{},
		Broadcaster: f.broadcaster,
		Mirror:      f.mirror,
		Store:       f.store,
	})

	return f
}

func TestRunHappyPath(t *testing.T) {
	f := newPipelineFixture(nil)

	report := f.pipeline.Run(context.Background(), "headphones")

	if !report.Success {
		t.Fatalf("run failed at %s: %v", report.FailedStage, report.Err)
	}
	if report.ProductCount != 5 {
		t.Errorf("product count = %d; want 5", report.ProductCount)
	}
	if report.BroadcastMessageID != 4242 {
		t.Errorf("broadcast message id = %d; want 4242", report.BroadcastMessageID)
	}
	if report.MirrorPostID != "ig-777" {
		t.Errorf("mirror post id = %q; want ig-777", report.MirrorPostID)
	}
	if len(f.broadcaster.introTexts) != 1 {
		t.Errorf("intro sent %d times; want 1", len(f.broadcaster.introTexts))
	}
	if f.downloader.purged != 1 {
		t.Errorf("temp images purged %d times; want 1", f.downloader.purged)
	}

	// mirror uses original CDN URLs, not local card paths
	if len(f.mirror.urls) != 5 {
		t.Fatalf("mirror got %d urls; want 5", len(f.mirror.urls))
	}
	for _, u := range f.mirror.urls {
		if !strings.HasPrefix(u, "https://img.example.com/") {
			t.Errorf("mirror url %q is not an original image URL", u)
		}
	}

	if len(f.store.posts) != 1 {
		t.Fatalf("persisted %d posts; want 1", len(f.store.posts))
	}
	post := f.store.posts[0]
	if post.Status != store.PostStatusPublished {
		t.Errorf("post status = %s; want %s", post.Status, store.PostStatusPublished)
	}
	if post.BroadcastMessageID.ValueOrZero() != 4242 {
		t.Errorf("persisted broadcast id = %d", post.BroadcastMessageID.ValueOrZero())
	}
	if post.MirrorPostID.ValueOrZero() != "ig-777" {
		t.Errorf("persisted mirror id = %q", post.MirrorPostID.ValueOrZero())
	}
}

func TestRunMirrorCaption(t *testing.T) {
	f := newPipelineFixture(nil)

	report := f.pipeline.Run(context.Background(), "kitchen")

	if !report.Success {
		t.Fatalf("run failed at %s: %v", report.FailedStage, report.Err)
	}
	if report.Category != "kitchen" {
		t.Errorf("report category = %q; want kitchen", report.Category)
	}
	if len(f.mirror.captions) != 1 {
		t.Fatalf("mirror published %d captions; want 1", len(f.mirror.captions))
	}

	caption := f.mirror.captions[0]

	// category tags make it into the carousel caption
	if !strings.Contains(caption, "#кухня") {
		t.Errorf("caption lacks the category hashtag:\n%s", caption)
	}

	// plain text only, the mirror platform renders markup literally
	if strings.ContainsAny(caption, "<>") {
		t.Errorf("caption carries HTML markup:\n%s", caption)
	}

	// every selected product is enumerated
	for i := 0; i < 5; i++ {
		if !strings.Contains(caption, fmt.Sprintf("Товар %d", i)) {
			t.Errorf("caption missing product %d:\n%s", i, caption)
		}
	}
	if !strings.Contains(caption, "1️⃣") {
		t.Errorf("caption lines are not emoji-numbered:\n%s", caption)
	}
}

func TestRunMirrorFailureDowngradesPost(t *testing.T) {
	f := newPipelineFixture(nil)
	f.mirror.err = errors.New("container stuck in ERROR")

	report := f.pipeline.Run(context.Background(), "headphones")

	if !report.Success {
		t.Fatalf("mirror failure must not fail the run: %v", report.Err)
	}
	if len(report.MirrorPostID) != 0 {
		t.Errorf("mirror post id = %q; want empty", report.MirrorPostID)
	}

	if len(f.store.posts) != 1 {
		t.Fatalf("persisted %d posts; want 1", len(f.store.posts))
	}
	if got := f.store.posts[0].Status; got != store.PostStatusMirrorFailed {
		t.Errorf("post status = %s; want %s", got, store.PostStatusMirrorFailed)
	}
}

func TestRunWithoutMirrorIsBroadcastOnly(t *testing.T) {
	f := newPipelineFixture(nil)
	f.pipeline.mirror = nil

	report := f.pipeline.Run(context.Background(), "headphones")

	if !report.Success {
		t.Fatalf("run failed: %v", report.Err)
	}
	if !report.HasFallback(FallbackMirrorSkipped) {
		t.Errorf("expected %s to be recorded", FallbackMirrorSkipped)
	}
	if got := f.store.posts[0].Status; got != store.PostStatusBroadcastOnly {
		t.Errorf("post status = %s; want %s", got, store.PostStatusBroadcastOnly)
	}
}

func TestRunFallsBackToProductCache(t *testing.T) {
	f := newPipelineFixture(nil)
	f.primary.err = errors.New("rapidapi: quota exceeded")
	f.store.cached = []*store.ProductRow{
		{
			SourceID:    "cached-1",
			Source:      string(marketplace.SourcePinduoduo),
			Title:       "Кешированный товар",
			PriceNative: decimal.NewFromInt(80),
			ImageURL:    "https://img.example.com/cached/1.jpg",
			Rating:      4.7,
			SalesCount:  500,
			Category:    "headphones",
		},
	}

	report := f.pipeline.Run(context.Background(), "headphones")

	if !report.Success {
		t.Fatalf("run failed at %s: %v", report.FailedStage, report.Err)
	}
	if !report.HasFallback(FallbackCached) {
		t.Errorf("expected %s to be recorded", FallbackCached)
	}
	if report.ProductCount != 1 {
		t.Errorf("product count = %d; want 1 cached product", report.ProductCount)
	}
}

func TestRunFailsWhenNothingFetched(t *testing.T) {
	f := newPipelineFixture(nil)
	f.primary.err = errors.New("rapidapi: quota exceeded")
	f.store.cachedErr = errors.New("db down")

	report := f.pipeline.Run(context.Background(), "headphones")

	if report.Success {
		t.Fatal("run must fail without products")
	}
	if report.FailedStage != StageFetch {
		t.Errorf("failed stage = %s; want %s", report.FailedStage, StageFetch)
	}
	if report.Err == nil {
		t.Error("report must carry the failure error")
	}
	if f.downloader.purged != 1 {
		t.Errorf("temp images purged %d times; want 1 even on failure", f.downloader.purged)
	}
}

func TestRunRecordsCurrencyFallback(t *testing.T) {
	f := newPipelineFixture(nil)
	f.feed.source = pricing.RateSourceDB

	report := f.pipeline.Run(context.Background(), "headphones")

	if !report.Success {
		t.Fatalf("run failed: %v", report.Err)
	}
	if !report.HasFallback(FallbackCurrencyDB) {
		t.Errorf("expected %s to be recorded", FallbackCurrencyDB)
	}
}

func TestRunAbortsWhenRateUnavailable(t *testing.T) {
	f := newPipelineFixture(nil)
	f.feed.err = pricing.ErrRateUnavailable

	report := f.pipeline.Run(context.Background(), "headphones")

	if report.Success {
		t.Fatal("run must fail without an exchange rate")
	}
	if report.FailedStage != StageConvert {
		t.Errorf("failed stage = %s; want %s", report.FailedStage, StageConvert)
	}
	if len(f.broadcaster.introTexts) != 0 {
		t.Error("nothing may be broadcast after an aborted stage")
	}
}

func TestRunAbortsOnBroadcastError(t *testing.T) {
	f := newPipelineFixture(nil)
	f.broadcaster.groupErr = errors.New("telegram: chat not found")

	report := f.pipeline.Run(context.Background(), "headphones")

	if report.Success {
		t.Fatal("run must fail when broadcast fails")
	}
	if report.FailedStage != StageBroadcast {
		t.Errorf("failed stage = %s; want %s", report.FailedStage, StageBroadcast)
	}
	if len(f.mirror.captions) != 0 {
		t.Error("mirror must not publish after a failed broadcast")
	}
	if len(f.store.posts) != 0 {
		t.Error("no post record may be written after a failed broadcast")
	}
}

func TestRunRecordsTemplateFallback(t *testing.T) {
	f := newPipelineFixture(nil)
	f.pipeline.generator = &fakeGenerator{degraded: true}

	report := f.pipeline.Run(context.Background(), "headphones")

	if !report.Success {
		t.Fatalf("run failed: %v", report.Err)
	}
	if !report.HasFallback(FallbackTemplate) {
		t.Errorf("expected %s to be recorded", FallbackTemplate)
	}
}

func TestRunRefreshesProductCache(t *testing.T) {
	f := newPipelineFixture(nil)

	report := f.pipeline.Run(context.Background(), "headphones")

	if !report.Success {
		t.Fatalf("run failed: %v", report.Err)
	}
	if len(f.store.upserted) != 1 {
		t.Fatalf("cache refreshed %d times; want 1", len(f.store.upserted))
	}
	if len(f.store.upserted[0]) != 5 {
		t.Errorf("cached %d rows; want 5", len(f.store.upserted[0]))
	}
	if got := f.store.upserted[0][0].Category; got != "headphones" {
		t.Errorf("cached category = %q; want headphones", got)
	}
}

func TestRunRecoversFromPanic(t *testing.T) {
	f := newPipelineFixture(nil)
	f.pipeline.compositor = nil // nil interface dereference inside composeCards

	report := f.pipeline.Run(context.Background(), "headphones")

	if report.Success {
		t.Fatal("run must fail after a panic")
	}
	if report.Err == nil {
		t.Fatal("report must carry the panic as an error")
	}
}

func TestDerivePostStatus(t *testing.T) {
	tests := []struct {
		name            string
		mirrorAttempted bool
		mirrorPostID    string
		expected        store.PostStatus
	}{
		{name: "no mirror configured", mirrorAttempted: false, expected: store.PostStatusBroadcastOnly},
		{name: "mirror published", mirrorAttempted: true, mirrorPostID: "ig-1", expected: store.PostStatusPublished},
		{name: "mirror failed", mirrorAttempted: true, expected: store.PostStatusMirrorFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := &PipelineReport{MirrorPostID: tt.mirrorPostID}
			if got := derivePostStatus(report, tt.mirrorAttempted); got != tt.expected {
				t.Errorf("derivePostStatus() = %s; want %s", got, tt.expected)
			}
		})
	}
}
