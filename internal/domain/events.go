package domain

import "time"

// ChangeOp names the kind of cache mutation.
type ChangeOp string

const (
	ChangeUpsert ChangeOp = "upsert"
	ChangeStale  ChangeOp = "stale"
	ChangeReset  ChangeOp = "reset"
)

// ChangeEvent describes one mutation of the count cache. Reset events carry
// no pair and match every subscriber.
type ChangeEvent struct {
	Op     ChangeOp
	Record CountRecord
	At     time.Time
}

// ChangeNotifier receives cache mutations as they are committed.
type ChangeNotifier interface {
	Notify(event ChangeEvent)
}
