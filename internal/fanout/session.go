package fanout

import (
	"context"
	"log/slog"
	"time"

	"github.com/growthops/countsync/internal/domain"
)

// EventType names the messages a Session emits.
type EventType string

const (
	EventSnapshot  EventType = "snapshot"
	EventUpdate    EventType = "update"
	EventHeartbeat EventType = "heartbeat"
	EventError     EventType = "error"
)

// Event is one message to a subscriber. Snapshot and update events carry the
// full filtered matrix, never a delta.
type Event struct {
	Type      EventType          `json:"type"`
	Counts    domain.CountMatrix `json:"counts,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Error     string             `json:"error,omitempty"`
}

// Sink delivers events to one connection. A Send error ends the session.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader reads the current records for a filter.
type Reader interface {
	ReadMany(ctx context.Context, categories, substores []string) ([]domain.CountRecord, error)
}

// Session serves one subscriber connection.
type Session struct {
	hub       *Hub
	reader    Reader
	filter    Filter
	heartbeat time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewSession creates a session. A nil hub yields a session that reports
// ErrUnavailable to its subscriber.
func NewSession(hub *Hub, reader Reader, filter Filter, heartbeat time.Duration, logger *slog.Logger) *Session {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{hub: hub, reader: reader, filter: filter, heartbeat: heartbeat, logger: logger, now: time.Now}
}

// Serve sends the initial snapshot, then a snapshot after matching mutations
// and a heartbeat on idle, until ctx ends or the sink fails.
func (s *Session) Serve(ctx context.Context, sink Sink) error {
	if s.hub == nil {
		s.sendError(ctx, sink, ErrUnavailable)
		return ErrUnavailable
	}

	// subscribe before reading so no mutation falls between snapshot and feed
	sub, err := s.hub.Subscribe(s.filter)
	if err != nil {
		s.sendError(ctx, sink, err)
		return err
	}
	defer s.hub.Unsubscribe(sub)

	if err := s.push(ctx, sink, EventSnapshot); err != nil {
		return err
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-sub.Events():
			if !ok || !drain(sub.Events()) {
				s.sendError(ctx, sink, ErrDropped)
				return ErrDropped
			}
			if err := s.push(ctx, sink, EventUpdate); err != nil {
				return err
			}
		case <-ticker.C:
			if err := sink.Send(ctx, Event{Type: EventHeartbeat, Timestamp: s.now()}); err != nil {
				return err
			}
		}
	}
}

// drain discards events already queued so a burst yields one snapshot. It
// returns false if the channel was closed.
func drain(events <-chan domain.ChangeEvent) bool {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}

func (s *Session) push(ctx context.Context, sink Sink, typ EventType) error {
	recs, err := s.reader.ReadMany(ctx, s.filter.Categories, s.filter.Substores)
	if err != nil {
		s.logger.Error("failed to read counts for subscriber", "error", err)
		s.sendError(ctx, sink, err)
		return err
	}
	return sink.Send(ctx, Event{
		Type:      typ,
		Counts:    domain.BuildMatrix(s.filter.Categories, s.filter.Substores, recs),
		Timestamp: s.now(),
	})
}

func (s *Session) sendError(ctx context.Context, sink Sink, err error) {
	_ = sink.Send(ctx, Event{Type: EventError, Error: err.Error(), Timestamp: s.now()})
}
