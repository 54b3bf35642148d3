// Package bulk computes counts for caller-supplied category and substore
// sets on demand, optionally persisting them as a forced refresh.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/creativecreature/sturdyc"
	"github.com/growthops/countsync/internal/domain"
	"github.com/growthops/countsync/internal/refresh"
)

// maxReportedErrors caps Report.Errors.
const maxReportedErrors = 20

// Options configure a Service.
type Options struct {
	Bounds    refresh.Bounds
	LookupTTL time.Duration // zero disables lookup caching
}

// Report summarizes one bulk invocation.
type Report struct {
	Processed   int           `json:"processed"`
	Updated     int           `json:"updated"`
	Failed      int           `json:"failed"`
	RateLimited int           `json:"rateLimited"`
	SuccessRate float64       `json:"successRate"` // percent of processed that did not fail
	Errors      []string      `json:"errors,omitempty"`
	Duration    time.Duration `json:"duration"`
}

func (r *Report) fail(msg string) {
	r.Failed++
	if len(r.Errors) < maxReportedErrors {
		r.Errors = append(r.Errors, msg)
	}
}

func (r *Report) finish(start time.Time) {
	r.Duration = time.Since(start)
	if r.Processed > 0 {
		r.SuccessRate = float64(r.Processed-r.Failed) * 100 / float64(r.Processed)
	}
}

// Service runs bulk computes and interactive lookups.
type Service struct {
	counter refresh.Counter
	store   domain.CountStore
	bounds  refresh.Bounds
	lookups *sturdyc.Client[int]
	logger  *slog.Logger
}

// NewService creates a Service. store may be nil when only Compute and
// Lookup are used.
func NewService(c refresh.Counter, store domain.CountStore, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Bounds == (refresh.Bounds{}) {
		opts.Bounds = refresh.BulkBounds
	}
	s := &Service{counter: c, store: store, bounds: opts.Bounds, logger: logger}
	if opts.LookupTTL > 0 {
		s.lookups = sturdyc.New[int](10000, 10, opts.LookupTTL, 10)
	}
	return s
}

// Compute counts every pair and returns the matrix without touching the store.
func (s *Service) Compute(ctx context.Context, categories, substores []string) (domain.CountMatrix, Report, error) {
	return s.run(ctx, categories, substores, false)
}

// Refresh counts every pair, persists each result and returns the matrix.
func (s *Service) Refresh(ctx context.Context, categories, substores []string) (domain.CountMatrix, Report, error) {
	if s.store == nil {
		return nil, Report{}, fmt.Errorf("bulk refresh: no count store configured")
	}
	return s.run(ctx, categories, substores, true)
}

// run processes the product in batches sized by a controller private to this
// call. Per-pair failures are reported, not returned; only cancellation
// stops the run early, returning the partial matrix.
func (s *Service) run(ctx context.Context, categories, substores []string, persist bool) (domain.CountMatrix, Report, error) {
	start := time.Now()
	combos := domain.Combinations(categories, substores)
	if len(combos) == 0 {
		return nil, Report{}, domain.ErrInvalidFilter
	}

	matrix := domain.ZeroMatrix(categories, substores)
	var report Report
	ctrl := refresh.NewController(s.bounds)

	rest := combos
	for len(rest) > 0 {
		if err := ctx.Err(); err != nil {
			report.finish(start)
			return matrix, report, err
		}

		var batch []domain.Combination
		batch, rest = refresh.NextBatch(rest, ctrl.Size())
		results, outcome := refresh.Dispatch(ctx, s.counter, batch)
		if err := ctx.Err(); err != nil {
			report.finish(start)
			return matrix, report, err
		}

		for _, r := range results {
			report.Processed++
			matrix.Set(r.Combination.Category, r.Combination.Substore, r.Count)
			if r.RateLimited {
				report.RateLimited++
			}
			if !r.OK() {
				report.fail(fmt.Sprintf("%s: %v", r.Combination, r.Err))
			}

			if !persist || errors.Is(r.Err, refresh.ErrCountPanicked) {
				if r.OK() {
					report.Updated++
				}
				continue
			}
			if _, err := s.store.Upsert(ctx, r.Combination.Category, r.Combination.Substore, r.Count); err != nil {
				s.logger.Error("failed to save count", "error", err, "category", r.Combination.Category, "substore", r.Combination.Substore)
				if r.OK() {
					report.fail(fmt.Sprintf("%s: save: %v", r.Combination, err))
				}
				continue
			}
			report.Updated++
			s.forget(r.Combination)
		}
		ctrl.Observe(outcome)
	}

	report.finish(start)
	s.logger.Info("bulk count completed",
		"persist", persist,
		"processed", report.Processed,
		"updated", report.Updated,
		"failed", report.Failed,
		"success_rate", fmt.Sprintf("%.1f", report.SuccessRate),
		"duration", report.Duration,
	)
	return matrix, report, nil
}

// Lookup counts a single pair interactively. Successful counts are cached for
// the lookup TTL and concurrent lookups of one pair share a single fetch.
func (s *Service) Lookup(ctx context.Context, category, substore string) (int, error) {
	if category == "" || substore == "" {
		return 0, domain.ErrInvalidFilter
	}
	combo := domain.Combination{Category: category, Substore: substore}
	fetch := func(ctx context.Context) (int, error) {
		r := s.counter.Count(ctx, combo)
		if r.Err != nil {
			return 0, r.Err
		}
		return r.Count, nil
	}
	if s.lookups == nil {
		return fetch(ctx)
	}
	return s.lookups.GetOrFetch(ctx, combo.Key(), fetch)
}

func (s *Service) forget(c domain.Combination) {
	if s.lookups != nil {
		s.lookups.Delete(c.Key())
	}
}
