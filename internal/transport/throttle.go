package transport

import (
	"net/http"

	"golang.org/x/time/rate"
)

// Throttle paces outbound requests through a token bucket shared by every
// caller of the transport.
type Throttle struct {
	Limiter      *rate.Limiter
	RoundTripper http.RoundTripper
}

func (t Throttle) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Limiter != nil {
		if err := t.Limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	return next(t.RoundTripper).RoundTrip(req)
}

// NewLimiter returns a limiter allowing perSecond requests with a burst of
// one, or nil when perSecond is not positive.
func NewLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(perSecond), 1)
}

func next(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		return http.DefaultTransport
	}
	return rt
}
