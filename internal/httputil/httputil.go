package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	log "github.com/InjectiveLabs/suplog"
	"github.com/pkg/errors"
)

const (
	maxRespTime        = 15 * time.Second
	maxRespHeadersTime = 15 * time.Second
	maxRespBytes       = 10 * 1024 * 1024
)

// NewClient returns an HTTP client with sane upstream deadlines,
// matching the limits used by every outbound gateway.
func NewClient(timeout time.Duration) *http.Client {
	if timeout == 0 {
		timeout = maxRespTime
	}

	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: maxRespHeadersTime,
		},
		Timeout: timeout,
	}
}

// ReadBody drains a capped response body and closes it.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxRespBytes))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}

	return respBody, nil
}

// DoJSON sends a JSON request body and returns the raw response bytes with status code.
// Responses with status >= 400 are converted into errors carrying the best-effort
// extracted upstream message.
func DoJSON(
	ctx context.Context,
	client *http.Client,
	lggr log.Logger,
	method, reqURL string,
	requestData interface{},
	headers map[string]string,
) ([]byte, int, error) {
	var bodyReader io.Reader
	if requestData != nil {
		bodyBytes, err := json.Marshal(requestData)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to encode request body as JSON")
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	request, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to create http.Request")
	}
	request.Header.Set("Content-Type", "application/json")

	for key, value := range headers {
		if http.CanonicalHeaderKey(key) == "Content-Type" {
			// skip Content-Type override attempts
			continue
		}

		request.Header.Set(key, value)
	}

	start := time.Now()
	resp, err := client.Do(request)
	if ctx.Err() != nil {
		return nil, 0, errors.New("http request timed out or interrupted")
	}
	if err != nil {
		return nil, 0, errors.Wrapf(err, "error making http request to %s", reqURL)
	}

	responseBytes, err := ReadBody(resp)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	lggr.WithFields(log.Fields{
		"status":  resp.StatusCode,
		"elapsed": time.Since(start).String(),
	}).Debugf("%s %s", method, reqURL)

	if resp.StatusCode >= 400 {
		maybeErr := BestEffortExtractError(responseBytes)
		return responseBytes, resp.StatusCode, errors.Errorf(
			"got error from %s: (status code %v) %s", reqURL, resp.StatusCode, maybeErr)
	}

	return responseBytes, resp.StatusCode, nil
}

type possibleErrorResponses struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"errorMessage"`
	Description  string `json:"description"`
}

// BestEffortExtractError tries common error body shapes before
// falling back to the raw payload.
func BestEffortExtractError(responseBytes []byte) string {
	var resp possibleErrorResponses
	err := json.Unmarshal(responseBytes, &resp)
	if err != nil {
		return ""
	}
	if resp.Error != "" {
		return resp.Error
	} else if resp.ErrorMessage != "" {
		return resp.ErrorMessage
	} else if resp.Description != "" {
		return resp.Description
	}
	return string(responseBytes)
}

// IsRetriable reports whether a status code warrants another attempt.
// Only 5xx and explicit throttling are retried, 4xx are permanent.
func IsRetriable(statusCode int) bool {
	return statusCode >= 500 || statusCode == http.StatusTooManyRequests
}
