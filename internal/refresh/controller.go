// Package refresh keeps the count cache fresh with a perpetual, self-healing
// background worker whose batch size adapts to the catalog's rate limits.
package refresh

import "sync"

// Bounds constrain the adaptive batch size.
type Bounds struct {
	Min              int
	Max              int
	SuccessThreshold int // all-success batches needed before growing by one
}

var (
	// WorkerBounds suit the steady-state worker.
	WorkerBounds = Bounds{Min: 1, Max: 2, SuccessThreshold: 20}
	// BulkBounds suit user-triggered bulk computes.
	BulkBounds = Bounds{Min: 10, Max: 50, SuccessThreshold: 20}
)

func (b Bounds) normalized() Bounds {
	if b.Min < 1 {
		b.Min = 1
	}
	if b.Max < b.Min {
		b.Max = b.Min
	}
	if b.SuccessThreshold < 1 {
		b.SuccessThreshold = 1
	}
	return b
}

// BatchOutcome summarizes one processed batch.
type BatchOutcome struct {
	Total       int
	Succeeded   int
	RateLimited bool // any item saw a 429/503
}

// ControllerState is a snapshot of the controller.
type ControllerState struct {
	BatchSize            int `json:"batchSize"`
	ConsecutiveSuccesses int `json:"consecutiveSuccesses"`
	ConsecutiveFailures  int `json:"consecutiveFailures"`
}

// Controller adjusts batch size additively up and immediately down.
type Controller struct {
	mu     sync.Mutex
	bounds Bounds
	state  ControllerState
}

// NewController creates a controller starting at the lower bound.
func NewController(b Bounds) *Controller {
	c := &Controller{bounds: b.normalized()}
	c.Reset()
	return c
}

// Size returns the current batch size.
func (c *Controller) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.BatchSize
}

// State returns a copy of the controller state.
func (c *Controller) State() ControllerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Bounds returns the configured bounds.
func (c *Controller) Bounds() Bounds {
	return c.bounds
}

// Reset returns to the lower bound with empty streaks.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = ControllerState{BatchSize: c.bounds.Min}
}

// Observe feeds one batch outcome and returns the batch size to use next.
// A batch with failures but no rate limit leaves the state untouched.
func (c *Controller) Observe(o BatchOutcome) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case o.RateLimited:
		c.state.ConsecutiveFailures++
		c.state.ConsecutiveSuccesses = 0
		c.state.BatchSize = max(c.state.BatchSize-1, c.bounds.Min)
	case o.Total > 0 && o.Succeeded == o.Total:
		c.state.ConsecutiveSuccesses++
		c.state.ConsecutiveFailures = 0
		if c.state.ConsecutiveSuccesses >= c.bounds.SuccessThreshold {
			c.state.BatchSize = min(c.state.BatchSize+1, c.bounds.Max)
			c.state.ConsecutiveSuccesses = 0
		}
	}
	return c.state.BatchSize
}
