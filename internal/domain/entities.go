package domain

import (
	"strings"
	"time"
)

// CountRecord is the cached number of published, in-stock products for one
// (category, substore) pair.
type CountRecord struct {
	Category    string    `json:"category"`
	Substore    string    `json:"substore"`
	Count       int       `json:"count"`
	LastUpdated time.Time `json:"lastUpdated"`
	IsStale     bool      `json:"isStale"`
}

// Key returns the storage key for the record's pair.
func (r CountRecord) Key() string {
	return PairKey(r.Category, r.Substore)
}

// Combination is one unit of refresh work: a category paired with a substore.
type Combination struct {
	Category string
	Substore string
}

// Key returns the storage key for the combination.
func (c Combination) Key() string {
	return PairKey(c.Category, c.Substore)
}

func (c Combination) String() string {
	return c.Category + "/" + c.Substore
}

// keySep separates category and substore in storage keys. Aliases and
// substore codes never contain NUL.
const keySep = "\x00"

// PairKey builds the unique storage key for a (category, substore) pair.
func PairKey(category, substore string) string {
	return category + keySep + substore
}

// SplitPairKey reverses PairKey.
func SplitPairKey(key string) (category, substore string, ok bool) {
	category, substore, ok = strings.Cut(key, keySep)
	return category, substore, ok
}

// Combinations returns the Cartesian product of categories and substores,
// category-major. Blank and duplicate identifiers are dropped.
func Combinations(categories, substores []string) []Combination {
	cats := Normalize(categories)
	subs := Normalize(substores)
	combos := make([]Combination, 0, len(cats)*len(subs))
	for _, cat := range cats {
		for _, sub := range subs {
			combos = append(combos, Combination{Category: cat, Substore: sub})
		}
	}
	return combos
}

// Normalize trims identifiers and removes blanks and duplicates, keeping
// first-seen order.
func Normalize(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// CountMatrix is the nested category -> substore -> count mapping handed to
// the UI layer.
type CountMatrix map[string]map[string]int

// Set stores a count, allocating the inner map on demand.
func (m CountMatrix) Set(category, substore string, count int) {
	inner, ok := m[category]
	if !ok {
		inner = make(map[string]int)
		m[category] = inner
	}
	inner[substore] = count
}

// Get returns the count for a pair, zero when absent.
func (m CountMatrix) Get(category, substore string) int {
	return m[category][substore]
}

// ZeroMatrix returns a matrix with every requested pair set to zero.
func ZeroMatrix(categories, substores []string) CountMatrix {
	m := make(CountMatrix)
	for _, c := range Combinations(categories, substores) {
		m.Set(c.Category, c.Substore, 0)
	}
	return m
}

// BuildMatrix lays records over a zero matrix so that requested pairs with no
// record read as zero. Records outside the request are ignored.
func BuildMatrix(categories, substores []string, records []CountRecord) CountMatrix {
	m := ZeroMatrix(categories, substores)
	for _, r := range records {
		if _, ok := m[r.Category][r.Substore]; ok {
			m[r.Category][r.Substore] = r.Count
		}
	}
	return m
}

// Snapshot summarizes a cache read for the requested pairs.
type Snapshot struct {
	Counts       CountMatrix `json:"counts"`
	Found        int         `json:"found"`
	Expected     int         `json:"expected"`
	HasStaleData bool        `json:"hasStaleData"`
	OldestUpdate *time.Time  `json:"oldestUpdate,omitempty"`
}

// NewSnapshot builds a Snapshot from the records a store returned for the
// requested categories and substores.
func NewSnapshot(categories, substores []string, records []CountRecord) Snapshot {
	snap := Snapshot{
		Counts:   BuildMatrix(categories, substores, records),
		Expected: len(Normalize(categories)) * len(Normalize(substores)),
	}
	for _, r := range records {
		if _, ok := snap.Counts[r.Category][r.Substore]; !ok {
			continue
		}
		snap.Found++
		if r.IsStale {
			snap.HasStaleData = true
		}
		if snap.OldestUpdate == nil || r.LastUpdated.Before(*snap.OldestUpdate) {
			ts := r.LastUpdated
			snap.OldestUpdate = &ts
		}
	}
	return snap
}

// Health is the coarse cache health signal.
type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthNeedsUpdate Health = "needs_update"
)

// Stats aggregates the whole count cache.
type Stats struct {
	Total  int        `json:"total"`
	Stale  int        `json:"stale"`
	Oldest *time.Time `json:"oldest,omitempty"`
	Newest *time.Time `json:"newest,omitempty"`
}

// Health reports needs_update when the cache is empty, holds stale records,
// or its oldest record is older than maxAge. A zero maxAge disables the age check.
func (s Stats) Health(now time.Time, maxAge time.Duration) Health {
	if s.Total == 0 || s.Stale > 0 {
		return HealthNeedsUpdate
	}
	if maxAge > 0 && s.Oldest != nil && now.Sub(*s.Oldest) > maxAge {
		return HealthNeedsUpdate
	}
	return HealthHealthy
}
