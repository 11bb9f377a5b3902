package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/TulparLabs/tulpar-autopost/internal/httputil"
)

const (
	// Bot API limits.
	MaxTextLen     = 4096
	MaxCaptionLen  = 1024
	MaxGroupSize   = 10
	maxSendRetries = 3

	requestTimeout = 60 * time.Second
)

type Config struct {
	Token   string
	BaseURL string
}

func checkClientConfig(cfg *Config) *Config {
	if cfg == nil {
		cfg = &Config{}
	}

	if len(cfg.BaseURL) == 0 {
		cfg.BaseURL = "https://api.telegram.org"
	}

	return cfg
}

// Client is a Telegram Bot API gateway. All text goes out with HTML parse
// mode; captions and messages are clipped to the API limits before sending.
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

		logger: log.WithField("svc", "telegram"),
		svcTags: metrics.Tags{
			"svc": "telegram",
		},
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

type message struct {
	MessageID int64 `json:"message_id"`
}

// SendMessage posts an HTML text message and returns the message id.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) (int64, error) {
	metrics.ReportFuncCall(c.svcTags)
	doneFn := metrics.ReportFuncTiming(c.svcTags)
	defer doneFn()

	result, err := c.call(ctx, "sendMessage", map[string]string{
		"chat_id":                  chatID,
		"text":                     truncateRunes(text, MaxTextLen),
		"parse_mode":               "HTML",
		"disable_web_page_preview": "true",
	}, nil)
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return 0, err
	}

	var msg message
	if err := json.Unmarshal(result, &msg); err != nil {
		metrics.ReportFuncError(c.svcTags)
		return 0, errors.Wrap(err, "failed to unmarshal sendMessage result")
	}

	return msg.MessageID, nil
}

// SendPhoto uploads a single photo with an HTML caption.
func (c *Client) SendPhoto(ctx context.Context, chatID, photoPath, caption string) (int64, error) {
	metrics.ReportFuncCall(c.svcTags)
	doneFn := metrics.ReportFuncTiming(c.svcTags)
	defer doneFn()

	result, err := c.call(ctx, "sendPhoto", map[string]string{
		"chat_id":    chatID,
		"caption":    truncateRunes(caption, MaxCaptionLen),
		"parse_mode": "HTML",
	}, map[string]string{
		"photo": photoPath,
	})
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return 0, err
	}

	var msg message
	if err := json.Unmarshal(result, &msg); err != nil {
		metrics.ReportFuncError(c.svcTags)
		return 0, errors.Wrap(err, "failed to unmarshal sendPhoto result")
	}

	return msg.MessageID, nil
}

// SendMediaGroup uploads 1..10 photos as an album. Captions are applied
// per-item by index; a missing caption leaves the item bare. Returns the
// message id of the first album item.
func (c *Client) SendMediaGroup(ctx context.Context, chatID string, photoPaths, captions []string) (int64, error) {
	metrics.ReportFuncCall(c.svcTags)
	doneFn := metrics.ReportFuncTiming(c.svcTags)
	defer doneFn()

	if len(photoPaths) == 0 || len(photoPaths) > MaxGroupSize {
		metrics.ReportFuncError(c.svcTags)
		return 0, errors.Errorf("media group must hold 1..%d photos, got %d", MaxGroupSize, len(photoPaths))
	}

	type inputMedia struct {
		Type      string `json:"type"`
		Media     string `json:"media"`
		Caption   string `json:"caption,omitempty"`
		ParseMode string `json:"parse_mode,omitempty"`
	}

	media := make([]inputMedia, 0, len(photoPaths))
	files := make(map[string]string, len(photoPaths))

	for i, path := range photoPaths {
		field := fmt.Sprintf("photo%d", i)
		files[field] = path

		item := inputMedia{
			Type:  "photo",
			Media: "attach://" + field,
		}
		if i < len(captions) && len(captions[i]) > 0 {
			item.Caption = truncateRunes(captions[i], MaxCaptionLen)
			item.ParseMode = "HTML"
		}

		media = append(media, item)
	}

	mediaJSON, err := json.Marshal(media)
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return 0, errors.Wrap(err, "failed to marshal media group")
	}

	result, err := c.call(ctx, "sendMediaGroup", map[string]string{
		"chat_id": chatID,
		"media":   string(mediaJSON),
	}, files)
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return 0, err
	}

	var msgs []message
	if err := json.Unmarshal(result, &msgs); err != nil {
		metrics.ReportFuncError(c.svcTags)
		return 0, errors.Wrap(err, "failed to unmarshal sendMediaGroup result")
	} else if len(msgs) == 0 {
		metrics.ReportFuncError(c.svcTags)
		return 0, errors.New("sendMediaGroup returned no messages")
	}

	return msgs[0].MessageID, nil
}

// DeleteMessage removes a previously sent message, e.g. a stale QR code.
func (c *Client) DeleteMessage(ctx context.Context, chatID string, messageID int64) error {
	metrics.ReportFuncCall(c.svcTags)

	_, err := c.call(ctx, "deleteMessage", map[string]string{
		"chat_id":    chatID,
		"message_id": fmt.Sprintf("%d", messageID),
	}, nil)
	if err != nil {
		metrics.ReportFuncError(c.svcTags)
		return err
	}

	return nil
}

// NotifyOperators fans the text out to every operator chat. Delivery to at
// least one chat counts as success; the combined error is returned only when
// all sends failed.
func (c *Client) NotifyOperators(ctx context.Context, chatIDs []string, text string) error {
	metrics.ReportFuncCall(c.svcTags)

	var errs error
	var delivered int

	for _, chatID := range chatIDs {
		if _, err := c.SendMessage(ctx, chatID, text); err != nil {
			c.logger.WithError(err).WithFields(log.Fields{
				"chat_id": chatID,
			}).Warningln("failed to notify operator chat")
			errs = multierr.Append(errs, err)
			continue
		}
		delivered++
	}

	if delivered == 0 && len(chatIDs) > 0 {
		metrics.ReportFuncError(c.svcTags)
		return errors.Wrap(errs, "failed to reach any operator chat")
	}

	return nil
}

// call issues one Bot API method with retries. HTTP 429 waits for the
// retry_after hint from the response before the next attempt.
func (c *Client) call(ctx context.Context, method string, fields, files map[string]string) (json.RawMessage, error) {
	reqURL := fmt.Sprintf("%s/bot%s/%s", c.config.BaseURL, c.config.Token, method)

	b := &backoff.Backoff{
		Min:    2 * time.Second,
		Max:    30 * time.Second,
		Factor: 2,
	}

	var lastErr error
	for attempt := 0; attempt < maxSendRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(b.Duration()):
			}
		}

		result, retryAfter, err := c.doCall(ctx, reqURL, fields, files)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if retryAfter > 0 {
			c.logger.WithFields(log.Fields{
				"method":      method,
				"retry_after": retryAfter,
			}).Warningln("rate limited by Bot API")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(retryAfter) * time.Second):
			}
			b.Reset()
			continue
		}

		if !isRetriableCallErr(err) {
			break
		}
	}

	return nil, errors.Wrapf(lastErr, "bot API %s failed", method)
}

type apiError struct {
	code        int
	description string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("bot API error %d: %s", e.code, e.description)
}

func isRetriableCallErr(err error) bool {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return httputil.IsRetriable(apiErr.code)
	}

	// transport-level failures are worth another try
	return true
}

func (c *Client) doCall(ctx context.Context, reqURL string, fields, files map[string]string) (json.RawMessage, int, error) {
	var (
		body        io.Reader
		contentType string
	)

	if len(files) == 0 {
		form, err := json.Marshal(fields)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to marshal request fields")
		}
		body = bytes.NewReader(form)
		contentType = "application/json"
	} else {
		buf := new(bytes.Buffer)
		w := multipart.NewWriter(buf)

		for name, value := range fields {
			if err := w.WriteField(name, value); err != nil {
				return nil, 0, errors.Wrap(err, "failed to write form field")
			}
		}
		for name, path := range files {
			if err := writeFilePart(w, name, path); err != nil {
				return nil, 0, err
			}
		}
		if err := w.Close(); err != nil {
			return nil, 0, errors.Wrap(err, "failed to finalize multipart body")
		}

		body = buf
		contentType = w.FormDataContentType()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, body)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to create HTTP request")
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to send HTTP request")
	}

	respBody, err := httputil.ReadBody(resp)
	if err != nil {
		return nil, 0, err
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, 0, errors.Wrapf(err, "unexpected bot API response (HTTP %d)", resp.StatusCode)
	}

	if !apiResp.OK {
		retryAfter := 0
		if apiResp.Parameters != nil {
			retryAfter = apiResp.Parameters.RetryAfter
		}

		return nil, retryAfter, &apiError{
			code:        apiResp.ErrorCode,
			description: apiResp.Description,
		}
	}

	return apiResp.Result, 0, nil
}

func writeFilePart(w *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open upload %s", path)
	}
	defer f.Close()

	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return errors.Wrap(err, "failed to create form file")
	}

	if _, err := io.Copy(part, f); err != nil {
		return errors.Wrap(err, "failed to copy upload body")
	}

	return nil
}

// BuildPostLink composes a public t.me link to a channel post. Public
// channels are addressed by username, private ones through the /c/ form with
// the -100 prefix stripped.
func BuildPostLink(chatID string, messageID int64) string {
	switch {
	case strings.HasPrefix(chatID, "@"):
		return fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(chatID, "@"), messageID)
	case strings.HasPrefix(chatID, "-100"):
		return fmt.Sprintf("https://t.me/c/%s/%d", strings.TrimPrefix(chatID, "-100"), messageID)
	default:
		return fmt.Sprintf("https://t.me/%s/%d", chatID, messageID)
	}
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}
