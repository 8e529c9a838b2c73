package external

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"marketpulse/internal/types"
)

func noopSleep(context.Context, time.Duration) error { return nil }

func newTestClient(policy RetryPolicy) *BaseClient {
	return NewBaseClient(&http.Client{Timeout: 5 * time.Second}, "test-breaker", policy,
		"MarketPulse-Test/1.0", WithSleepFunc(noopSleep))
}

func get(t *testing.T, c *BaseClient, ctx context.Context, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	return c.Do(req)
}

func TestDo_InjectsHeaders(t *testing.T) {
	var trace, agent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trace = r.Header.Get("X-B3-TraceId")
		agent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx := types.WithRequestID(context.Background(), "run-42")
	resp, err := get(t, newTestClient(DefaultRetryPolicy()), ctx, server.URL)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	resp.Body.Close()

	if trace != "run-42" {
		t.Errorf("expected trace id run-42, got %q", trace)
	}
	if agent != "MarketPulse-Test/1.0" {
		t.Errorf("unexpected user agent %q", agent)
	}
}

func TestDo_RetriesServerErrorsAndReplaysBody(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"prompt":"hi"}` {
			t.Errorf("attempt %d saw body %q", calls.Load()+1, body)
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"prompt":"hi"}`))
	resp, err := newTestClient(RetryPolicy{MaxRetries: 2, MinWait: time.Millisecond, MaxWait: time.Millisecond}).Do(req)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	resp.Body.Close()
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestDo_ExhaustedRetriesMapToTransientErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   types.ErrorCode
	}{
		{"server error", http.StatusBadGateway, types.ErrCodeUpstreamUnavailable},
		{"rate limited", http.StatusTooManyRequests, types.ErrCodeUpstreamRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := get(t, newTestClient(RetryPolicy{MaxRetries: 1}), context.Background(), server.URL)
			if !types.IsCode(err, tt.code) {
				t.Fatalf("expected %s, got %v", tt.code, err)
			}
			if types.CodeOf(err).Category() != types.CategoryTransient {
				t.Errorf("expected transient category for %s", tt.code)
			}
			if calls.Load() != 2 {
				t.Errorf("expected 2 attempts, got %d", calls.Load())
			}
		})
	}
}

func TestDo_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	resp, err := get(t, newTestClient(DefaultRetryPolicy()), context.Background(), server.URL)
	if err != nil {
		t.Fatalf("4xx should be returned to the caller, got %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || calls.Load() != 1 {
		t.Errorf("expected a single 400, got status %d after %d calls", resp.StatusCode, calls.Load())
	}
}

func TestDo_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(RetryPolicy{})
	for range 6 {
		_, _ = get(t, client, context.Background(), server.URL)
	}
	_, err := get(t, client, context.Background(), server.URL)
	if !types.IsCode(err, types.ErrCodeUpstreamUnavailable) || !strings.Contains(err.Error(), "circuit breaker open") {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if calls.Load() != 6 {
		t.Errorf("open breaker should not reach the server, got %d calls", calls.Load())
	}
}

func TestDo_CancelledContextStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := NewBaseClient(http.DefaultClient, "cancel", RetryPolicy{MaxRetries: 5}, "",
		WithSleepFunc(func(context.Context, time.Duration) error {
			cancel()
			return context.Canceled
		}))

	_, err := get(t, client, ctx, server.URL)
	if err == nil {
		t.Fatal("expected an error")
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 attempt, got %d", calls.Load())
	}
}

func TestBackoff(t *testing.T) {
	c := newTestClient(RetryPolicy{MaxRetries: 3, MinWait: 100 * time.Millisecond, MaxWait: 2 * time.Second})

	resp := &http.Response{Header: http.Header{"Retry-After": []string{"1"}}}
	if got := c.backoff(0, resp); got != time.Second {
		t.Errorf("expected Retry-After of 1s, got %v", got)
	}
	resp.Header.Set("Retry-After", "60")
	if got := c.backoff(0, resp); got != 2*time.Second {
		t.Errorf("expected Retry-After capped at 2s, got %v", got)
	}

	for attempt := range 6 {
		got := c.backoff(attempt, nil)
		if got < 100*time.Millisecond || got > 2*time.Second {
			t.Errorf("attempt %d: backoff %v out of range", attempt, got)
		}
	}
}
