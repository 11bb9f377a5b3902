package instagram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/TulparLabs/tulpar-autopost/internal/httputil"
)

const (
	// Carousel containers accept between 2 and 10 children.
	MinCarouselSize = 2
	MaxCarouselSize = 10

	requestTimeout = 30 * time.Second

	// processing poll budget for a carousel container
	pollMaxWait = 60 * time.Second

	tokenExpiryWarnWindow = 7 * 24 * time.Hour
)

type Config struct {
	BaseURL     string
	AccessToken string
	AccountID   string
}

func checkClientConfig(cfg *Config) *Config {
	if cfg == nil {
		cfg = &Config{}
	}

	if len(cfg.BaseURL) == 0 {
		cfg.BaseURL = "https://graph.facebook.com/v18.0"
	}

	return cfg
}

// BusinessRuleError marks a publish rejected by platform constraints rather
// than a transport failure. Callers treat it as non-retriable.
type BusinessRuleError struct {
	Reason string
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("business rule violated: %s", e.Reason)
}

func IsBusinessRule(err error) bool {
	var bre *BusinessRuleError
	return errors.As(err, &bre)
}

// Client publishes photo carousels through the Instagram Graph API.
type Client struct {
	config *Config
	client *http.Client

	logger  log.Logger
	svcTags metrics.Tags
}

func NewClient(cfg *Config) *Client {
	return &Client{
		config: checkClientConfig(cfg),
		client: httputil.NewClient(requestTimeout),

		logger: log.WithField("svc", "instagram"),
		svcTags: metrics.Tags{
			"svc": "instagram",
		},
	}
}

type containerResponse struct {
	ID    string      `json:"id"`
	Error *graphError `json:"error"`
}

type graphError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

func (e *graphError) Error() string {
	return fmt.Sprintf("graph API error %d (%s): %s", e.Code, e.Type, e.Message)
}

// PublishCarousel runs the three-phase carousel flow: upload child
// containers, assemble the carousel container, wait for processing and
// publish. Returns the published media id.
func (c *Client) PublishCarousel(ctx context.Context, imageURLs []string, caption string) (string, error) {
	metrics.ReportFuncCall(c.svcTags)
	doneFn := metrics.ReportFuncTiming(c.svcTags)
	defer doneFn()

	if len(imageURLs) < MinCarouselSize || len(imageURLs) > MaxCarouselSize {
		metrics.ReportFuncError(c.svcTags)
		return "", &BusinessRuleError{
			Reason: fmt.Sprintf("carousel requires %d..%d images, got %d", MinCarouselSize, MaxCarouselSize, len(imageURLs)),
		}
	}

	children := make([]string, 0, len(imageURLs))
	for _, imageURL := range imageURLs {
		childID, err := c.createChildContainer(ctx, imageURL)
		if err != nil {
			metrics.ReportFuncError(c.svcTags)
			return "", errors.Wrapf(err, "failed to create child container for %s", imageURL)
		}
		children = append(children, childID)
	}

	containerID, err := c.createCarouselContainer(ctx, children, caption)
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return "", errors.Wrap(err, "failed to create carousel container")
	}

	if err := c.waitForContainer(ctx, containerID); err != nil {
		metrics.ReportFuncError(c.svcTags)
		return "", err
	}

	mediaID, err := c.publishContainer(ctx, containerID)
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return "", errors.Wrap(err, "failed to publish carousel")
	}

	c.logger.WithFields(log.Fields{
		"media_id": mediaID,
		"images":   len(imageURLs),
	}).Infoln("carousel published")

	return mediaID, nil
}

func (c *Client) createChildContainer(ctx context.Context, imageURL string) (string, error) {
	return c.postContainer(ctx, fmt.Sprintf("%s/%s/media", c.config.BaseURL, c.config.AccountID), map[string]interface{}{
		"image_url":        imageURL,
		"is_carousel_item": true,
		"access_token":     c.config.AccessToken,
	})
}

func (c *Client) createCarouselContainer(ctx context.Context, children []string, caption string) (string, error) {
	return c.postContainer(ctx, fmt.Sprintf("%s/%s/media", c.config.BaseURL, c.config.AccountID), map[string]interface{}{
		"media_type":   "CAROUSEL",
		"children":     strings.Join(children, ","),
		"caption":      caption,
		"access_token": c.config.AccessToken,
	})
}

func (c *Client) publishContainer(ctx context.Context, containerID string) (string, error) {
	return c.postContainer(ctx, fmt.Sprintf("%s/%s/media_publish", c.config.BaseURL, c.config.AccountID), map[string]interface{}{
		"creation_id":  containerID,
		"access_token": c.config.AccessToken,
	})
}

func (c *Client) postContainer(ctx context.Context, reqURL string, payload map[string]interface{}) (string, error) {
	body, _, err := httputil.DoJSON(ctx, c.client, c.logger, http.MethodPost, reqURL, payload, nil)
	if graphErr := extractGraphError(body); graphErr != nil {
		return "", graphErr
	}
	if err != nil {
		return "", err
	}

	var resp containerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errors.Wrap(err, "failed to unmarshal container response")
	} else if len(resp.ID) == 0 {
		return "", errors.New("container response has no id")
	}

	return resp.ID, nil
}

type containerStatus struct {
	StatusCode string      `json:"status_code"`
	Error      *graphError `json:"error"`
}

// waitForContainer polls status_code until the container is FINISHED,
// giving up after pollMaxWait.
func (c *Client) waitForContainer(ctx context.Context, containerID string) error {
	statusURL := fmt.Sprintf("%s/%s?fields=status_code&access_token=%s",
		c.config.BaseURL, containerID, c.config.AccessToken)

	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    4 * time.Second,
		Factor: 2,
	}

	deadline := time.Now().Add(pollMaxWait)
	for {
		body, _, err := httputil.DoJSON(ctx, c.client, c.logger, http.MethodGet, statusURL, nil, nil)
		if graphErr := extractGraphError(body); graphErr != nil {
			return graphErr
		}
		if err != nil {
			return err
		}

		var status containerStatus
		if err := json.Unmarshal(body, &status); err != nil {
			return errors.Wrap(err, "failed to unmarshal container status")
		}

		switch status.StatusCode {
		case "FINISHED":
			return nil
		case "ERROR", "EXPIRED":
			return errors.Errorf("container %s processing failed with status %s", containerID, status.StatusCode)
		}

		if time.Now().After(deadline) {
			return errors.Errorf("container %s still %s after %s", containerID, status.StatusCode, pollMaxWait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}

type debugTokenResponse struct {
	Data struct {
		IsValid   bool  `json:"is_valid"`
		ExpiresAt int64 `json:"expires_at"`
	} `json:"data"`
	Error *graphError `json:"error"`
}

// CheckToken inspects the access token and returns its expiry time. A token
// expiring within a week is logged loudly so operators can rotate it in
// advance. Zero expiry means a non-expiring token.
func (c *Client) CheckToken(ctx context.Context) (time.Time, error) {
	metrics.ReportFuncCall(c.svcTags)

	reqURL := fmt.Sprintf("%s/debug_token?input_token=%s&access_token=%s",
		c.config.BaseURL, c.config.AccessToken, c.config.AccessToken)

	body, _, err := httputil.DoJSON(ctx, c.client, c.logger, http.MethodGet, reqURL, nil, nil)
	if graphErr := extractGraphError(body); graphErr != nil {
		metrics.ReportFuncError(c.svcTags)
		return time.Time{}, graphErr
	}
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return time.Time{}, err
	}

	var resp debugTokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		metrics.ReportFuncError(c.svcTags)
		return time.Time{}, errors.Wrap(err, "failed to unmarshal debug_token response")
	}

	if !resp.Data.IsValid {
		return time.Time{}, errors.New("access token is not valid")
	}
	if resp.Data.ExpiresAt == 0 {
		return time.Time{}, nil
	}

	expiresAt := time.Unix(resp.Data.ExpiresAt, 0)
	if until := time.Until(expiresAt); until < tokenExpiryWarnWindow {
		c.logger.WithFields(log.Fields{
			"expires_at": expiresAt.Format(time.RFC3339),
			"in":         until.Round(time.Hour).String(),
		}).Warningln("Instagram access token expires soon, rotate it")
	}

	return expiresAt, nil
}

func extractGraphError(body []byte) error {
	if len(body) == 0 {
		return nil
	}

	var resp struct {
		Error *graphError `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Error == nil {
		return nil
	}

	return resp.Error
}
