package transport

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy controls how a call site retries rate-limited and failed requests.
type Policy struct {
	MaxRetries  int           // retries after the first attempt
	BaseDelay   time.Duration // first delay; fixed delay when Exponential is false
	MaxDelay    time.Duration // cap for exponential delays and Retry-After
	Exponential bool          // base*2^attempt with jitter instead of a fixed delay
	Timeout     time.Duration // hard timeout per attempt, zero for none
}

// Presets per call site.
var (
	// InteractivePolicy fails fast for request/response paths.
	InteractivePolicy = Policy{
		MaxRetries:  3,
		BaseDelay:   time.Second,
		MaxDelay:    8 * time.Second,
		Exponential: true,
		Timeout:     5 * time.Second,
	}

	// BackgroundPolicy is the patient fixed-delay policy of the refresh worker.
	BackgroundPolicy = Policy{
		MaxRetries: 3,
		BaseDelay:  3 * time.Second,
		MaxDelay:   30 * time.Second,
		Timeout:    10 * time.Second,
	}

	// SyncPolicy is for heavy bulk paths that must eventually get through.
	SyncPolicy = Policy{
		MaxRetries:  8,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Exponential: true,
		Timeout:     10 * time.Second,
	}
)

func (p Policy) backOff() backoff.BackOff {
	if !p.Exponential {
		return backoff.NewConstantBackOff(p.BaseDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	if p.MaxDelay > 0 {
		b.MaxInterval = p.MaxDelay
	}
	return b
}

func (p Policy) maxTries() uint {
	if p.MaxRetries < 0 {
		return 1
	}
	return uint(p.MaxRetries) + 1
}
