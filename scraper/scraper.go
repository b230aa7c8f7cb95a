// Package scraper issues the outbound HTTP request configured on a watch item.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"changewatch/pkg/watch"
)

const (
	// DefaultTimeout bounds a whole fetch, redirects and body read included.
	DefaultTimeout = 30 * time.Second

	// MaxBodySize caps how much of a response body is kept.
	MaxBodySize = 5 << 20

	maxRedirects  = 10
	fetchAttempts = 3
	userAgent    = "changewatch/1.0 (+https://github.com/changewatch)"
)

// FetchError indicates the target could not be reached or its response read.
type FetchError struct {
	Err error
	URL string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError checks if an error is a FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// Response is a fetched target.
type Response struct {
	Body       []byte
	StatusCode int
	Duration   time.Duration
	// Truncated is set when the body was cut at MaxBodySize.
	Truncated bool
}

// Scraper fetches watch item targets.
type Scraper struct {
	client     *http.Client
	logger     *slog.Logger
	timeout    time.Duration
	retryDelay time.Duration
}

// New creates a new scraper. A nil client gets a pooled default that follows redirects.
func New(client *http.Client, logger *slog.Logger) *Scraper {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     60 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		}
	}
	return &Scraper{
		client:     client,
		logger:     logger,
		timeout:    DefaultTimeout,
		retryDelay: 500 * time.Millisecond,
	}
}

// WithTimeout overrides the per-fetch timeout.
func (s *Scraper) WithTimeout(d time.Duration) *Scraper {
	if d > 0 {
		s.timeout = d
	}
	return s
}

// Fetch requests the item's URL with its configured method, headers and body.
// Any non-transport outcome, including 4xx and 5xx statuses, is a Response.
// Transport failures of idempotent requests are retried within the timeout.
func (s *Scraper) Fetch(ctx context.Context, item *watch.Item) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	attempts := uint(1)
	switch item.HTTPMethod() {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		attempts = fetchAttempts
	}

	var resp *Response
	err := retry.Do(
		func() error {
			r, err := s.fetchOnce(ctx, item)
			if err != nil {
				return err
			}
			resp = r
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(s.retryDelay),
		retry.MaxDelay(5*time.Second),
		retry.MaxJitter(250*time.Millisecond),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying fetch after error", "item_id", item.ID, "attempt", n, "error", err)
		}),
		retry.RetryIf(func(error) bool {
			return ctx.Err() == nil
		}),
	)
	if err != nil {
		if !IsFetchError(err) {
			err = &FetchError{URL: item.URL, Err: err}
		}
		return nil, err
	}
	return resp, nil
}

// fetchOnce performs a single request.
func (s *Scraper) fetchOnce(ctx context.Context, item *watch.Item) (*Response, error) {
	var body io.Reader = http.NoBody
	if item.Body != "" {
		body = strings.NewReader(item.Body)
	}

	req, err := http.NewRequestWithContext(ctx, item.HTTPMethod(), item.URL, body)
	if err != nil {
		return nil, retry.Unrecoverable(&FetchError{URL: item.URL, Err: fmt.Errorf("create request: %w", err)})
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range item.Headers {
		req.Header.Set(k, v)
	}

	s.logger.Debug("HTTP request starting",
		"item_id", item.ID,
		"method", req.Method,
		"url", item.URL)

	startTime := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("HTTP request failed",
			"item_id", item.ID,
			"url", item.URL,
			"duration_ms", time.Since(startTime).Milliseconds(),
			"error", err)
		return nil, &FetchError{URL: item.URL, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	duration := time.Since(startTime)
	if err != nil {
		return nil, &FetchError{URL: item.URL, Err: fmt.Errorf("read body: %w", err)}
	}
	truncated := len(data) > MaxBodySize
	if truncated {
		data = data[:MaxBodySize]
		s.logger.Warn("Response body truncated",
			"item_id", item.ID,
			"url", item.URL,
			"limit_bytes", MaxBodySize)
	}

	s.logger.Debug("HTTP request completed",
		"item_id", item.ID,
		"url", item.URL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", len(data))

	return &Response{
		Body:       data,
		StatusCode: resp.StatusCode,
		Duration:   duration,
		Truncated:  truncated,
	}, nil
}
