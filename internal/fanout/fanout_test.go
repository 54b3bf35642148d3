package fanout

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/growthops/countsync/internal/domain"
	"github.com/growthops/countsync/internal/store"
)

type chanSink struct {
	events chan Event
	err    error
}

func newChanSink() *chanSink {
	return &chanSink{events: make(chan Event, 16)}
}

func (s *chanSink) Send(_ context.Context, e Event) error {
	if s.err != nil {
		return s.err
	}
	s.events <- e
	return nil
}

func (s *chanSink) next(t *testing.T) Event {
	t.Helper()
	select {
	case e := <-s.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func (s *chanSink) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case e := <-s.events:
		t.Fatalf("unexpected event: %+v", e)
	case <-time.After(d):
	}
}

func setup(t *testing.T) (*Hub, *store.CountStore) {
	t.Helper()
	hub := NewHub(8, nil)
	st, err := store.Open("", hub, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		st.Close()
		hub.Close()
	})
	return hub, st
}

func serve(t *testing.T, s *Session, sink Sink) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, sink) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestSessionFiltersUpdates(t *testing.T) {
	ctx := context.Background()
	hub, st := setup(t)

	f, err := NewFilter([]string{"plants"}, []string{"noi"})
	if err != nil {
		t.Fatal(err)
	}
	sink := newChanSink()
	cancel, done := serve(t, NewSession(hub, st, f, time.Hour, nil), sink)

	snap := sink.next(t)
	if snap.Type != EventSnapshot {
		t.Fatalf("first event = %s, want snapshot", snap.Type)
	}
	if diff := cmp.Diff(domain.CountMatrix{"plants": {"noi": 0}}, snap.Counts); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	st.Upsert(ctx, "plants", "noi", 5)
	upd := sink.next(t)
	if upd.Type != EventUpdate {
		t.Fatalf("event = %s, want update", upd.Type)
	}
	if diff := cmp.Diff(domain.CountMatrix{"plants": {"noi": 5}}, upd.Counts); diff != "" {
		t.Errorf("update mismatch (-want +got):\n%s", diff)
	}

	st.Upsert(ctx, "seeds", "noi", 9)
	st.MarkStale(ctx, []string{"seeds"}, []string{"noi"})
	sink.expectNone(t, 50*time.Millisecond)

	st.Upsert(ctx, "plants", "blr", 3)
	if e := sink.next(t); e.Type != EventUpdate || e.Counts.Get("plants", "noi") != 5 {
		t.Fatalf("event = %+v", e)
	}
	sink.expectNone(t, 50*time.Millisecond)

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if hub.Subscribers() != 0 {
		t.Fatalf("subscribers = %d after disconnect", hub.Subscribers())
	}
}

func TestSessionHeartbeat(t *testing.T) {
	hub, st := setup(t)
	f, _ := NewFilter([]string{"plants"}, []string{"noi"})
	sink := newChanSink()
	serve(t, NewSession(hub, st, f, 10*time.Millisecond, nil), sink)

	sink.next(t) // snapshot
	if e := sink.next(t); e.Type != EventHeartbeat {
		t.Fatalf("event = %s, want heartbeat", e.Type)
	}
}

func TestSessionWithoutHubReportsError(t *testing.T) {
	_, st := setup(t)
	f, _ := NewFilter([]string{"plants"}, []string{"noi"})
	sink := newChanSink()

	err := NewSession(nil, st, f, time.Hour, nil).Serve(context.Background(), sink)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if e := sink.next(t); e.Type != EventError || e.Error == "" {
		t.Fatalf("event = %+v, want error event", e)
	}
}

func TestSessionEndsOnSinkFailure(t *testing.T) {
	hub, st := setup(t)
	f, _ := NewFilter([]string{"plants"}, []string{"noi"})
	sinkErr := errors.New("client gone")

	err := NewSession(hub, st, f, time.Hour, nil).Serve(context.Background(), &chanSink{err: sinkErr})
	if !errors.Is(err, sinkErr) {
		t.Fatalf("err = %v", err)
	}
	if hub.Subscribers() != 0 {
		t.Fatal("subscription leaked")
	}
}

func TestHubCoalescesOverflow(t *testing.T) {
	hub := NewHub(2, nil)
	f, _ := NewFilter([]string{"plants"}, []string{"noi"})
	sub, err := hub.Subscribe(f)
	if err != nil {
		t.Fatal(err)
	}

	for i := range 10 {
		hub.Notify(domain.ChangeEvent{Op: domain.ChangeUpsert, Record: domain.CountRecord{Category: "plants", Substore: "noi", Count: i}})
	}

	if hub.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", hub.Subscribers())
	}
	var got []int
	for range 2 {
		got = append(got, (<-sub.Events()).Record.Count)
	}
	if diff := cmp.Diff([]int{8, 9}, got); diff != "" {
		t.Errorf("queued events (-want +got):\n%s", diff)
	}
}

func TestSessionSurvivesMutationBurst(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(4, nil)
	st, err := store.Open("", hub, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		st.Close()
		hub.Close()
	})

	categories := make([]string, 100)
	for i := range categories {
		categories[i] = fmt.Sprintf("plants-%03d", i)
		if _, err := st.Upsert(ctx, categories[i], "noi", i); err != nil {
			t.Fatal(err)
		}
	}

	f, _ := NewFilter(categories, []string{"noi"})
	sink := newChanSink()
	serve(t, NewSession(hub, st, f, time.Hour, nil), sink)
	if e := sink.next(t); e.Type != EventSnapshot {
		t.Fatalf("first event = %s, want snapshot", e.Type)
	}

	n, err := st.MarkStale(ctx, categories, []string{"noi"})
	if err != nil || n != 100 {
		t.Fatalf("MarkStale = %d, %v", n, err)
	}
	if _, err := st.Upsert(ctx, "plants-000", "noi", 777); err != nil {
		t.Fatal(err)
	}

	for {
		e := sink.next(t)
		if e.Type == EventError {
			t.Fatalf("session reported %q", e.Error)
		}
		if e.Type == EventUpdate && e.Counts.Get("plants-000", "noi") == 777 {
			break
		}
	}
	if hub.Subscribers() != 1 {
		t.Fatalf("subscribers = %d, want 1", hub.Subscribers())
	}
}

func TestFilterMatches(t *testing.T) {
	f, _ := NewFilter([]string{" plants ", "plants"}, []string{"noi"})
	if diff := cmp.Diff([]string{"plants"}, f.Categories); diff != "" {
		t.Errorf("categories (-want +got):\n%s", diff)
	}

	tests := []struct {
		name  string
		event domain.ChangeEvent
		want  bool
	}{
		{"same category", domain.ChangeEvent{Op: domain.ChangeUpsert, Record: domain.CountRecord{Category: "plants", Substore: "hyd"}}, true},
		{"other category", domain.ChangeEvent{Op: domain.ChangeStale, Record: domain.CountRecord{Category: "seeds", Substore: "noi"}}, false},
		{"reset", domain.ChangeEvent{Op: domain.ChangeReset}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Matches(tt.event); got != tt.want {
				t.Errorf("Matches = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := NewFilter(nil, []string{"noi"}); !errors.Is(err, domain.ErrInvalidFilter) {
		t.Fatalf("err = %v, want ErrInvalidFilter", err)
	}
}
