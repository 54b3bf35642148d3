package transport

import (
	"context"
	"sync/atomic"
)

type signalKey struct{}

// Signal records rate-limit responses seen while serving one logical
// operation, such as counting a single combination across several pages.
type Signal struct {
	hits atomic.Int64
}

// WithSignal attaches a fresh Signal to ctx.
func WithSignal(ctx context.Context) (context.Context, *Signal) {
	s := &Signal{}
	return context.WithValue(ctx, signalKey{}, s), s
}

// SignalFrom returns the Signal attached to ctx, or nil.
func SignalFrom(ctx context.Context) *Signal {
	s, _ := ctx.Value(signalKey{}).(*Signal)
	return s
}

func (s *Signal) record() {
	if s != nil {
		s.hits.Add(1)
	}
}

// Throttled reports whether any 429/503 was observed.
func (s *Signal) Throttled() bool {
	return s != nil && s.hits.Load() > 0
}

// Hits returns how many 429/503 responses were observed.
func (s *Signal) Hits() int {
	if s == nil {
		return 0
	}
	return int(s.hits.Load())
}
