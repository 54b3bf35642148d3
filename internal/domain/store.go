package domain

import "context"

// CountStore is the durable count cache keyed by (category, substore).
// Upserts are atomic per key; readers never observe partial records.
type CountStore interface {
	// Upsert writes count for the pair, stamping LastUpdated=now and clearing IsStale.
	Upsert(ctx context.Context, category, substore string, count int) (CountRecord, error)

	// ReadMany returns the existing records among the requested pairs.
	// Missing pairs are simply absent; callers synthesize zeros.
	ReadMany(ctx context.Context, categories, substores []string) ([]CountRecord, error)

	// MarkStale flags every existing record among the requested pairs and
	// returns how many were flagged.
	MarkStale(ctx context.Context, categories, substores []string) (int, error)

	// Stats aggregates the whole cache.
	Stats(ctx context.Context) (Stats, error)

	// Reset deletes every record.
	Reset(ctx context.Context) error

	Close() error
}
