package media

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/sync/errgroup"

	"github.com/TulparLabs/tulpar-autopost/internal/httputil"
)

const (
	maxDownloadWorkers  = 5
	maxDownloadAttempts = 3
	downloadStagger     = 500 * time.Millisecond
	downloadTimeout     = 15 * time.Second
	minImageBytes       = 1024
)

// alicdnHostRe matches the CDN family whose hosts can be substituted for
// each other when one mirror refuses the request.
var alicdnHostRe = regexp.MustCompile(`^(gd\d+|img|gw|cbu\d+)\.alicdn\.com$`)

var alicdnAlternatives = []string{"img.alicdn.com", "gw.alicdn.com", "cbu01.alicdn.com"}

// tempDirRegistry tracks every temp dir handed out, so leftovers from
// crashed runs can be purged at startup or shutdown.
var tempDirRegistry = struct {
	mu   sync.Mutex
	dirs map[string]struct{}
}{dirs: make(map[string]struct{})}

func registerTempDir(dir string) {
	tempDirRegistry.mu.Lock()
	defer tempDirRegistry.mu.Unlock()
	tempDirRegistry.dirs[dir] = struct{}{}
}

// PurgeTempDirs removes every registered temp directory.
func PurgeTempDirs() {
	tempDirRegistry.mu.Lock()
	defer tempDirRegistry.mu.Unlock()

	for dir := range tempDirRegistry.dirs {
		_ = os.RemoveAll(dir)
		delete(tempDirRegistry.dirs, dir)
	}
}

// Downloader fetches product images into a per-instance temp directory with
// bounded parallelism and CDN-host substitution between retries.
type Downloader struct {
	client  *http.Client
	tempDir string

	logger  log.Logger
	svcTags metrics.Tags
}

func NewDownloader() (*Downloader, error) {
	tempDir, err := os.MkdirTemp("", "autopost-images-")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create image temp dir")
	}
	registerTempDir(tempDir)

	return &Downloader{
		client:  httputil.NewClient(downloadTimeout),
		tempDir: tempDir,

		logger: log.WithField("svc", "media"),
		svcTags: metrics.Tags{
			"svc": "media",
		},
	}, nil
}

// TempDir exposes the directory holding downloaded files.
func (d *Downloader) TempDir() string {
	return d.tempDir
}

// Purge drops all files downloaded so far, keeping the directory.
func (d *Downloader) Purge() {
	entries, err := os.ReadDir(d.tempDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		_ = os.Remove(filepath.Join(d.tempDir, entry.Name()))
	}
}

// DownloadAll fetches the given URLs with at most maxDownloadWorkers in
// flight. The result is parallel to the input; a failed URL leaves an empty
// path. An error is returned only when every download failed.
func (d *Downloader) DownloadAll(ctx context.Context, urls []string) ([]string, error) {
	metrics.ReportFuncCall(d.svcTags)
	doneFn := metrics.ReportFuncTiming(d.svcTags)
	defer doneFn()

	paths := make([]string, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxDownloadWorkers)

	for i, rawURL := range urls {
		i, rawURL := i, rawURL

		g.Go(func() error {
			// spread the load a little
			time.Sleep(downloadStagger)

			path, err := d.Download(gctx, rawURL)
			if err != nil {
				d.logger.WithError(err).WithFields(log.Fields{
					"url": rawURL,
				}).Warningln("image download failed")
				return nil
			}

			paths[i] = path
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var ok int
	for _, p := range paths {
		if p != "" {
			ok++
		}
	}
	if ok == 0 && len(urls) > 0 {
		metrics.ReportFuncError(d.svcTags)
		return nil, errors.New("all image downloads failed")
	}

	return paths, nil
}

// Download fetches one image, trying CDN sibling hosts between attempts.
func (d *Downloader) Download(ctx context.Context, rawURL string) (string, error) {
	candidates, err := candidateURLs(rawURL)
	if err != nil {
		return "", err
	}

	b := &backoff.Backoff{
		Min:    2 * time.Second,
		Max:    30 * time.Second,
		Factor: 2,
	}

	var lastErr error
	for attempt := 0; attempt < maxDownloadAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(b.Duration()):
			}
		}

		candidate := candidates[attempt%len(candidates)]

		path, err := d.fetchOne(ctx, candidate)
		if err == nil {
			return path, nil
		}
		lastErr = err
	}

	return "", errors.Wrapf(lastErr, "giving up on %s after %d attempts", rawURL, maxDownloadAttempts)
}

func (d *Downloader) fetchOne(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to create HTTP request")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "failed to fetch %s", rawURL)
	}

	body, err := httputil.ReadBody(resp)
	if err != nil {
		return "", err
	}

	if resp.StatusCode >= 400 {
		return "", errors.Errorf("got status %d for %s", resp.StatusCode, rawURL)
	}

	if len(body) < minImageBytes {
		return "", errors.Errorf("image too small: %d bytes from %s", len(body), rawURL)
	}

	format := SniffFormat(resp.Header.Get("Content-Type"), body, rawURL)

	filename := strings.ReplaceAll(uuid.NewV4().String(), "-", "") + "." + format
	path := filepath.Join(d.tempDir, filename)

	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write image file")
	}

	return path, nil
}

// candidateURLs validates the scheme and expands a known CDN host into its
// sibling mirrors, the original first.
func candidateURLs(rawURL string) ([]string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid image URL %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	candidates := []string{rawURL}
	if alicdnHostRe.MatchString(u.Host) {
		for _, alt := range alicdnAlternatives {
			if alt == u.Host {
				continue
			}
			altURL := *u
			altURL.Host = alt
			candidates = append(candidates, altURL.String())
		}
	}

	return candidates, nil
}

var contentTypeFormats = map[string]string{
	"image/jpeg": "jpeg",
	"image/jpg":  "jpeg",
	"image/png":  "png",
	"image/webp": "webp",
}

var urlExtFormats = map[string]string{
	".jpg":  "jpeg",
	".jpeg": "jpeg",
	".png":  "png",
	".webp": "webp",
}

// SniffFormat determines the image format: Content-Type header first, then
// magic bytes, then the URL extension, defaulting to JPEG.
func SniffFormat(contentType string, body []byte, rawURL string) string {
	ct := strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	if format, ok := contentTypeFormats[ct]; ok {
		return format
	}

	switch {
	case len(body) >= 3 && body[0] == 0xff && body[1] == 0xd8 && body[2] == 0xff:
		return "jpeg"
	case len(body) >= 8 && string(body[:8]) == "\x89PNG\r\n\x1a\n":
		return "png"
	case len(body) >= 12 && string(body[:4]) == "RIFF" && string(body[8:12]) == "WEBP":
		return "webp"
	}

	if u, err := url.Parse(rawURL); err == nil {
		if format, ok := urlExtFormats[strings.ToLower(filepath.Ext(u.Path))]; ok {
			return format
		}
	}

	return "jpeg"
}
