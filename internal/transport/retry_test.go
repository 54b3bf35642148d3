package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

var fastPolicy = Policy{MaxRetries: 2, BaseDelay: time.Millisecond}

func statusSequence(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1)) - 1
		status := statuses[len(statuses)-1]
		if n < len(statuses) {
			status = statuses[n]
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func doGet(t *testing.T, rt http.RoundTripper, ctx context.Context, url string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	return rt.RoundTrip(req)
}

func TestRetryTransportRecoversAfterRateLimit(t *testing.T) {
	srv, calls := statusSequence(t, http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusOK)

	var retries []int
	rt := NewRetryTransport(nil, fastPolicy, nil)
	rt.OnRetry = func(_ *http.Request, attempt, status int, _ error) {
		retries = append(retries, status)
	}

	ctx, sig := WithSignal(context.Background())
	resp, err := doGet(t, rt, ctx, srv.URL)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	if !sig.Throttled() || sig.Hits() != 2 {
		t.Fatalf("signal hits = %d, want 2", sig.Hits())
	}
	if len(retries) != 2 || retries[0] != http.StatusTooManyRequests || retries[1] != http.StatusServiceUnavailable {
		t.Fatalf("retries = %v", retries)
	}
}

func TestRetryTransportReturnsLastResponseWhenExhausted(t *testing.T) {
	srv, calls := statusSequence(t, http.StatusTooManyRequests)

	rt := NewRetryTransport(nil, fastPolicy, nil)
	resp, err := doGet(t, rt, context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 1 + 2 retries", got)
	}
}

func TestRetryTransportDoesNotRetryClientErrors(t *testing.T) {
	srv, calls := statusSequence(t, http.StatusNotFound)

	rt := NewRetryTransport(nil, fastPolicy, nil)
	ctx, sig := WithSignal(context.Background())
	resp, err := doGet(t, rt, ctx, srv.URL)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
	if sig.Throttled() {
		t.Fatal("404 must not count as a rate limit")
	}
}

func TestRetryTransportStopsOnCancel(t *testing.T) {
	srv, _ := statusSequence(t, http.StatusTooManyRequests)

	rt := NewRetryTransport(nil, Policy{MaxRetries: 5, BaseDelay: 10 * time.Second}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := doGet(t, rt, ctx, srv.URL)
	if err == nil {
		t.Fatal("expected error after cancellation")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("retry sleep ignored cancellation")
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tests := []struct {
		name  string
		value string
		limit time.Duration
		want  time.Duration
	}{
		{name: "empty", value: "", want: 0},
		{name: "seconds", value: "3", want: 3 * time.Second},
		{name: "capped", value: "120", limit: 10 * time.Second, want: 10 * time.Second},
		{name: "http date", value: now.Add(4 * time.Second).Format(http.TimeFormat), want: 4 * time.Second},
		{name: "past date", value: now.Add(-time.Minute).Format(http.TimeFormat), want: 0},
		{name: "garbage", value: "soon", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RetryAfter(tt.value, now, tt.limit); got != tt.want {
				t.Fatalf("RetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
