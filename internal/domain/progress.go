package domain

import "time"

// CycleProgress reports how far a refresh cycle has got.
type CycleProgress struct {
	Cycle     int64
	Processed int
	Total     int
	BatchSize int
	Elapsed   time.Duration
	Remaining time.Duration // estimated, zero until something was processed
	Done      bool
}

// Percent returns processed/total as a percentage.
func (p CycleProgress) Percent() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Processed) * 100 / float64(p.Total)
}

// CycleObserver receives progress updates during refresh cycles.
type CycleObserver interface {
	OnProgress(progress CycleProgress)
}

// NoOpObserver discards progress updates (for testing/batch operations).
type NoOpObserver struct{}

func (NoOpObserver) OnProgress(CycleProgress) {}
