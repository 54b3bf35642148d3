package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// maxRetryAfter bounds a server-supplied Retry-After when the policy has no cap.
const maxRetryAfter = time.Minute

// RetryFunc observes each scheduled retry. status is zero for network errors.
type RetryFunc func(req *http.Request, attempt int, status int, err error)

// RetryTransport retries rate-limited (429), unavailable (503) and failed
// requests according to Policy. Once retries are exhausted the last response
// is returned unchanged so callers can inspect the status themselves.
type RetryTransport struct {
	RoundTripper http.RoundTripper
	Policy       Policy
	Logger       *slog.Logger
	OnRetry      RetryFunc
}

// NewRetryTransport wraps rt with retry behaviour.
func NewRetryTransport(rt http.RoundTripper, policy Policy, logger *slog.Logger) *RetryTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryTransport{RoundTripper: rt, Policy: policy, Logger: logger}
}

// Retryable reports whether a status code signals a transient rate limit.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

type statusError struct {
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("retryable status %d", e.status)
}

func (t *RetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		// body cannot be replayed
		return t.attempt(req)
	}

	ctx := req.Context()
	sig := SignalFrom(ctx)
	maxTries := t.Policy.maxTries()
	attempt := 0
	lastStatus := 0

	op := func() (*http.Response, error) {
		attempt++
		lastStatus = 0

		resp, err := t.attempt(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, backoff.Permanent(ctxErr)
			}
			return nil, err
		}
		if !Retryable(resp.StatusCode) {
			return resp, nil
		}

		sig.record()
		lastStatus = resp.StatusCode
		if uint(attempt) >= maxTries {
			return resp, nil
		}

		wait := RetryAfter(resp.Header.Get("Retry-After"), time.Now(), t.retryAfterCap())
		drain(resp)
		if wait > 0 {
			return nil, backoff.RetryAfter(int(math.Ceil(wait.Seconds())))
		}
		return nil, &statusError{status: resp.StatusCode}
	}

	notify := func(err error, delay time.Duration) {
		t.logger().Warn("retrying catalog request",
			"attempt", attempt,
			"max_retries", t.Policy.MaxRetries,
			"status", lastStatus,
			"delay", delay,
			"url", req.URL.Redacted(),
			"error", err,
		)
		if t.OnRetry != nil {
			t.OnRetry(req, attempt, lastStatus, err)
		}
	}

	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(t.Policy.backOff()),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(notify),
	)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			return nil, fmt.Errorf("catalog request: %w", err)
		}
		return nil, err
	}
	return resp, nil
}

// attempt performs one round trip with the per-attempt timeout applied.
func (t *RetryTransport) attempt(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	cancel := context.CancelFunc(func() {})
	if t.Policy.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, t.Policy.Timeout)
	}

	r := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		r.Body = body
	}

	resp, err := next(t.RoundTripper).RoundTrip(r)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

func (t *RetryTransport) retryAfterCap() time.Duration {
	if t.Policy.MaxDelay > 0 {
		return t.Policy.MaxDelay
	}
	return maxRetryAfter
}

func (t *RetryTransport) logger() *slog.Logger {
	if t.Logger == nil {
		return slog.Default()
	}
	return t.Logger
}

// RetryAfter parses a Retry-After header value, either delta-seconds or an
// HTTP date, capped at limit. It returns zero when absent or unparseable.
func RetryAfter(value string, now time.Time, limit time.Duration) time.Duration {
	if value == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		d = at.Sub(now)
	}
	if d < 0 {
		return 0
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// Chain assembles the outbound transport: retries wrap the throttle so every
// attempt, retries included, is paced.
func Chain(base http.RoundTripper, policy Policy, throttle Throttle, logger *slog.Logger, onRetry RetryFunc) *RetryTransport {
	throttle.RoundTripper = next(base)
	rt := NewRetryTransport(throttle, policy, logger)
	rt.OnRetry = onRetry
	return rt
}
