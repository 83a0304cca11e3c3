package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient builds a client pointed at srvURL with an instant sleep
// function and an effectively unlimited rate budget.
func newTestClient(t *testing.T, srvURL string) *Client {
	t.Helper()

	c := NewClient(srvURL, &http.Client{Timeout: 5 * time.Second}, 10000, slog.New(slog.DiscardHandler))
	c.sleepFunc = func(_ context.Context, _ time.Duration) error { return nil }

	return c
}

func TestDo_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	resp, err := c.do(context.Background(), http.MethodGet, "/api/projects", "tok", nil)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, int32(3), calls.Load())
}

func TestDo_UnauthorizedFailsFast(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.do(context.Background(), http.MethodGet, "/api/projects", "tok", nil)
	require.ErrorIs(t, err, ErrSessionCorrupt)
	assert.Equal(t, int32(1), calls.Load(), "401 must not be retried")
}

func TestDo_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Request-Id", "req-42")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"no such project"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.do(context.Background(), http.MethodGet, "/api/projects", "tok", nil)
	require.ErrorIs(t, err, ErrNotFound)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, http.StatusNotFound, callErr.StatusCode)
	assert.Equal(t, "req-42", callErr.RequestID)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.do(context.Background(), http.MethodGet, "/api/projects", "tok", nil)
	require.ErrorIs(t, err, ErrServerError)
	assert.Equal(t, int32(maxRetries+1), calls.Load())
}

func TestDo_SendsBearerAndUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sesame", r.Header.Get("Authorization"))
		assert.Equal(t, userAgent, r.Header.Get("User-Agent"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	resp, err := c.do(context.Background(), http.MethodGet, "/api/directories", "sesame", nil)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestDo_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())

	c.sleepFunc = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := c.do(ctx, http.MethodGet, "/api/projects", "tok", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCalcBackoff_Bounds(t *testing.T) {
	for attempt := range 10 {
		b := calcBackoff(attempt)
		assert.Positive(t, b)
		// Cap plus full jitter headroom.
		assert.LessOrEqual(t, b, maxBackoff+maxBackoff/4)
	}
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"not found", ErrNotFound, CategoryNotFound},
		{"corrupt session", ErrSessionCorrupt, CategoryAuth},
		{"auth failed", ErrAuthFailed, CategoryAuth},
		{"server", ErrServerError, CategoryServer},
		{"throttled", ErrThrottled, CategoryServer},
		{"empty blob", ErrEmptyBlob, CategoryValidation},
		{"cursor unset", ErrCursorUnset, CategoryValidation},
		{"deadline", context.DeadlineExceeded, CategoryTimeout},
		{"wrapped not found", fmt.Errorf("outer: %w", ErrNotFound), CategoryNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.err))
		})
	}
}

func TestCategory_Retriable(t *testing.T) {
	assert.True(t, CategoryTransport.Retriable())
	assert.True(t, CategoryTimeout.Retriable())
	assert.True(t, CategoryServer.Retriable())
	assert.False(t, CategoryAuth.Retriable())
	assert.False(t, CategoryNotFound.Retriable())
	assert.False(t, CategoryValidation.Retriable())
}
