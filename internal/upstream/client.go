package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// Retry and backoff constants.
const (
	maxRetries     = 5
	baseBackoff    = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "cadsync/0.1"

	// DefaultRateLimit is the global upstream call budget in requests
	// per second.
	DefaultRateLimit = 10
)

// Client is the HTTP transport for the upstream catalog API. It handles
// request construction, retry with exponential backoff, global rate
// limiting, and error classification. Session state (token, cursors) lives
// in Session; the Client itself is stateless and shared.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	// sleepFunc is called to wait between retries. Defaults to timeSleep.
	// Tests override this to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// ClientOption customizes a Client at construction.
type ClientOption func(*Client)

// WithSleepFunc replaces the inter-retry sleep. Tests use it to make
// backoff instant.
func WithSleepFunc(fn func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		c.sleepFunc = fn
	}
}

// NewClient creates an upstream transport. rps caps the global request
// rate; zero or negative means DefaultRateLimit.
func NewClient(baseURL string, httpClient *http.Client, rps float64, logger *slog.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if rps <= 0 {
		rps = DefaultRateLimit
	}

	c := &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(rps), int(math.Ceil(rps))),
		logger:     logger,
		sleepFunc:  timeSleep,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// do executes an HTTP request against the upstream API with retry. The path
// is appended to the client's base URL; token is sent as a bearer header
// when non-empty. The caller closes the response body on success. body is a
// byte slice, not a reader, so every retry attempt resends the full payload.
//
// Retry policy: connection failures and retryable 5xx responses back off
// exponentially (base 1s, factor 2, max 5 attempts, capped at 60s, ±25%
// jitter). 401 fails fast — a corrupt session never heals by retrying.
func (c *Client) do(ctx context.Context, method, path, token string, body []byte) (*http.Response, error) {
	url := c.baseURL + path
	start := time.Now()

	var attempt int
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("upstream: rate limit wait: %w", err)
		}

		resp, err := c.doOnce(ctx, method, url, token, body)
		if err != nil {
			// Context cancellation is not retryable.
			if ctx.Err() != nil {
				return nil, fmt.Errorf("upstream: request canceled: %w", ctx.Err())
			}

			if attempt < maxRetries {
				backoff := calcBackoff(attempt)
				c.logger.Warn("retrying after network error",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempt", attempt+1),
					slog.Duration("backoff", backoff),
					slog.String("category", string(Categorize(err))),
					slog.String("error", err.Error()),
				)

				if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("upstream: request canceled: %w", sleepErr)
				}

				attempt++

				continue
			}

			return nil, fmt.Errorf("upstream: %s %s failed after %d retries: %w", method, path, maxRetries, err)
		}

		// 2xx — success.
		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			c.logger.Debug("upstream call succeeded",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Duration("duration", time.Since(start)),
			)

			return resp, nil
		}

		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		reqID := resp.Header.Get("X-Request-Id")

		if isRetryableStatus(resp.StatusCode) && attempt < maxRetries {
			backoff := calcBackoff(attempt)
			c.logger.Warn("retrying after HTTP error",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("status", resp.StatusCode),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)

			if err := c.sleepFunc(ctx, backoff); err != nil {
				return nil, fmt.Errorf("upstream: request canceled: %w", err)
			}

			attempt++

			continue
		}

		sentinel := classifyStatus(resp.StatusCode)
		callErr := &CallError{
			StatusCode: resp.StatusCode,
			RequestID:  reqID,
			Message:    string(errBody),
			Err:        sentinel,
		}

		c.logger.Warn("upstream call failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("status", resp.StatusCode),
			slog.Int("attempts", attempt+1),
			slog.Duration("duration", time.Since(start)),
			slog.String("category", string(Categorize(callErr))),
		)

		return nil, callErr
	}
}

// doOnce executes a single HTTP request (no retry).
func (c *Client) doOnce(ctx context.Context, method, url, token string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand
	backoff += jitter

	return time.Duration(backoff)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
