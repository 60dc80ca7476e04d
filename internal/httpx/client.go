// Package httpx is the shared resilient outbound HTTP transport. Every
// service-specific client (rules engine, lore database, LLM gateway) embeds
// a Client; all retry and circuit-breaker logic lives here, the wrappers
// only build URLs and parse responses.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bodybroker/backend/internal/circuitbreaker"
)

// StatusError is a non-retryable 4xx response. It never trips the breaker.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// ErrCircuitOpen mirrors the breaker sentinel so callers need not import
// the circuitbreaker package.
var ErrCircuitOpen = circuitbreaker.ErrCircuitOpen

// Options configures a Client.
type Options struct {
	// Timeout bounds each individual attempt. Default 5s; LLM clients
	// raise this to 60s.
	Timeout time.Duration

	// MaxAttempts is the total number of attempts per call. Default 3.
	MaxAttempts int

	// BackoffBase is the first retry delay; it doubles per retry.
	// Default 2s.
	BackoffBase time.Duration

	// Breaker overrides the default breaker (5 failures, 60s open).
	Breaker *circuitbreaker.CircuitBreaker
}

// Client is the shared base HTTP client: one connection pool per base URL,
// a circuit breaker per instance, and exponential-backoff retries on 5xx,
// transport error, or timeout. 404 is a successful "not found" and yields
// empty data.
type Client struct {
	baseURL     string
	hc          *http.Client
	breaker     *circuitbreaker.CircuitBreaker
	maxAttempts int
	backoffBase time.Duration

	// sleep is injectable so tests can skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a client for one base URL.
func New(baseURL string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 2 * time.Second
	}
	breaker := opts.Breaker
	if breaker == nil {
		breaker = circuitbreaker.New(circuitbreaker.DefaultConfig(baseURL))
	}
	return &Client{
		baseURL:     baseURL,
		hc:          &http.Client{Timeout: opts.Timeout},
		breaker:     breaker,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Breaker exposes the client's circuit breaker for health reporting.
func (c *Client) Breaker() *circuitbreaker.CircuitBreaker { return c.breaker }

// GetJSON performs a GET and decodes the response into out. A 404 leaves
// out untouched and returns nil.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	body, err := c.Do(ctx, http.MethodGet, path, nil)
	if err != nil || body == nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// PostJSON performs a POST with a JSON body and decodes the response.
func (c *Client) PostJSON(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	body, err := c.Do(ctx, http.MethodPost, path, payload)
	if err != nil || body == nil || out == nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// Do runs one logical call: breaker check, up to maxAttempts attempts with
// exponential backoff, one breaker outcome recorded for the whole call.
// Returns (nil, nil) on 404.
func (c *Client) Do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if err := c.breaker.Allow(); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.backoffBase << (attempt - 2)
			if err := c.sleep(ctx, delay); err != nil {
				c.breaker.RecordFailure()
				return nil, err
			}
		}

		data, retryable, err := c.attempt(ctx, method, path, body)
		if err == nil {
			c.breaker.RecordSuccess()
			return data, nil
		}
		var se *StatusError
		if errors.As(err, &se) {
			// 4xx is a client error, not a service failure.
			c.breaker.RecordSuccess()
			return nil, err
		}
		lastErr = err
		if !retryable {
			break
		}
		slog.Warn("[HTTPClient] Attempt failed, retrying",
			"base", c.baseURL, "path", path, "attempt", attempt, "error", err)
	}

	c.breaker.RecordFailure()
	return nil, lastErr
}

// attempt performs a single HTTP round trip. The bool reports whether the
// failure is retryable.
func (c *Client) attempt(ctx context.Context, method, path string, body []byte) ([]byte, bool, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		// Transport error or timeout.
		return nil, true, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("%s %s: server error %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, false, &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	return data, false, nil
}
