package refresh

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestControllerGrowsAfterSuccessStreak(t *testing.T) {
	c := NewController(Bounds{Min: 1, Max: 3, SuccessThreshold: 20})
	ok := BatchOutcome{Total: 1, Succeeded: 1}

	for i := 0; i < 19; i++ {
		if got := c.Observe(ok); got != 1 {
			t.Fatalf("grew early after %d batches: %d", i+1, got)
		}
	}
	if got := c.Observe(ok); got != 2 {
		t.Fatalf("size after 20 successes = %d, want 2", got)
	}
	if s := c.State(); s.ConsecutiveSuccesses != 0 {
		t.Fatalf("streak not reset: %+v", s)
	}
}

func TestControllerCapsAtMax(t *testing.T) {
	c := NewController(Bounds{Min: 1, Max: 2, SuccessThreshold: 1})
	for range 5 {
		c.Observe(BatchOutcome{Total: 2, Succeeded: 2})
	}
	if got := c.Size(); got != 2 {
		t.Fatalf("size = %d, want ceiling 2", got)
	}
}

func TestControllerBacksOffOnRateLimit(t *testing.T) {
	c := NewController(Bounds{Min: 10, Max: 50, SuccessThreshold: 1})
	for range 5 {
		c.Observe(BatchOutcome{Total: 10, Succeeded: 10})
	}
	if got := c.Size(); got != 15 {
		t.Fatalf("size = %d, want 15", got)
	}

	got := c.Observe(BatchOutcome{Total: 15, Succeeded: 14, RateLimited: true})
	if got != 14 {
		t.Fatalf("size after rate limit = %d, want 14", got)
	}
	want := ControllerState{BatchSize: 14, ConsecutiveFailures: 1}
	if diff := cmp.Diff(want, c.State()); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func TestControllerFloorsAtMin(t *testing.T) {
	c := NewController(WorkerBounds)
	for range 3 {
		c.Observe(BatchOutcome{Total: 1, RateLimited: true})
	}
	if s := c.State(); s.BatchSize != 1 || s.ConsecutiveFailures != 3 {
		t.Fatalf("state = %+v", s)
	}
}

func TestControllerIgnoresPlainFailures(t *testing.T) {
	c := NewController(Bounds{Min: 1, Max: 5, SuccessThreshold: 3})
	c.Observe(BatchOutcome{Total: 1, Succeeded: 1})
	c.Observe(BatchOutcome{Total: 1, Succeeded: 1})
	before := c.State()

	c.Observe(BatchOutcome{Total: 2, Succeeded: 1})
	if diff := cmp.Diff(before, c.State()); diff != "" {
		t.Errorf("partial failure changed state (-before +after):\n%s", diff)
	}
}

func TestControllerReset(t *testing.T) {
	c := NewController(Bounds{Min: 2, Max: 4, SuccessThreshold: 1})
	c.Observe(BatchOutcome{Total: 2, Succeeded: 2})
	c.Reset()
	if diff := cmp.Diff(ControllerState{BatchSize: 2}, c.State()); diff != "" {
		t.Errorf("state after reset (-want +got):\n%s", diff)
	}
}
