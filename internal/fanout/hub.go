// Package fanout pushes filtered count snapshots to live subscribers as the
// count cache changes.
package fanout

import (
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/growthops/countsync/internal/domain"
)

var (
	// ErrUnavailable is reported when no change feed exists.
	ErrUnavailable = errors.New("live count updates are unavailable")
	// ErrDropped is reported when the hub closed under a subscriber.
	ErrDropped = errors.New("subscription dropped")
)

// Filter selects the pairs a subscriber watches.
type Filter struct {
	Categories []string `json:"categories"`
	Substores  []string `json:"substores"`
}

// NewFilter normalizes identifiers and requires both lists to be non-empty.
func NewFilter(categories, substores []string) (Filter, error) {
	f := Filter{Categories: domain.Normalize(categories), Substores: domain.Normalize(substores)}
	if len(f.Categories) == 0 || len(f.Substores) == 0 {
		return Filter{}, domain.ErrInvalidFilter
	}
	return f, nil
}

// Matches reports whether a mutation concerns the filter. Only the category
// is considered; resets match everyone.
func (f Filter) Matches(e domain.ChangeEvent) bool {
	if e.Op == domain.ChangeReset {
		return true
	}
	return slices.Contains(f.Categories, e.Record.Category)
}

// Subscription receives the change events matching its filter.
type Subscription struct {
	filter Filter
	events chan domain.ChangeEvent
	once   sync.Once
}

// Events is closed when the subscription is dropped or the hub closes.
func (s *Subscription) Events() <-chan domain.ChangeEvent {
	return s.events
}

func (s *Subscription) Filter() Filter {
	return s.filter
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.events) })
}

// Hub fans cache mutations out to subscribers. It implements
// domain.ChangeNotifier and never blocks the writer; bursts larger than a
// subscriber's buffer are coalesced.
type Hub struct {
	buffer int
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewHub creates a hub with the given per-subscriber buffer.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{buffer: buffer, logger: logger, subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber.
func (h *Hub) Subscribe(f Filter) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrUnavailable
	}
	s := &Subscription{filter: f, events: make(chan domain.ChangeEvent, h.buffer)}
	h.subs[s] = struct{}{}
	h.logger.Debug("subscriber added", "categories", f.Categories, "substores", f.Substores, "subscribers", len(h.subs))
	return s, nil
}

// Unsubscribe removes a subscriber and closes its channel. It is safe to call
// more than once.
func (h *Hub) Unsubscribe(s *Subscription) {
	h.mu.Lock()
	delete(h.subs, s)
	n := len(h.subs)
	h.mu.Unlock()
	s.close()
	h.logger.Debug("subscriber removed", "subscribers", n)
}

// Notify delivers e to every matching subscriber. When a subscriber's buffer
// is full the oldest queued event is discarded to make room: sessions
// re-read the full matrix on every event, so only the wake-up matters.
func (h *Hub) Notify(e domain.ChangeEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.filter.Matches(e) {
			s.offer(e)
		}
	}
}

// offer enqueues e without blocking, evicting queued events while full.
// The channel is never closed while the hub read lock is held.
func (s *Subscription) offer(e domain.ChangeEvent) {
	for {
		select {
		case s.events <- e:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close drops every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[*Subscription]struct{})
	h.closed = true
	h.mu.Unlock()

	for s := range subs {
		s.close()
	}
}

var _ domain.ChangeNotifier = (*Hub)(nil)
