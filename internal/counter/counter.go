// Package counter counts catalog items for one (category, substore) pair by
// walking fixed-size pages of the remote product search.
package counter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/growthops/countsync/internal/domain"
	"github.com/growthops/countsync/internal/transport"
)

const (
	// DefaultPageSize is the stable per-page item cap of the catalog API.
	DefaultPageSize = 500
	// DefaultMaxPages bounds remote load per combination (10,000 items).
	DefaultMaxPages = 20
)

// Options tune the counting algorithm.
type Options struct {
	PageSize       int
	MaxPages       int
	InStockOnly    bool
	UsePagingTotal bool // trust paging.total from a single limit=1 request when reported
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.MaxPages <= 0 {
		o.MaxPages = DefaultMaxPages
	}
	return o
}

// Result is the outcome of counting one combination. Count holds the
// accumulated total even when Err is set.
type Result struct {
	Combination domain.Combination
	Count       int
	Pages       int // page requests issued
	Capped      bool
	RateLimited bool // a 429/503 was seen, even if a retry later succeeded
	Err         error
	Duration    time.Duration
}

// OK reports whether every page request succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Counter implements the paginated counting algorithm over a ProductSearcher.
type Counter struct {
	searcher domain.ProductSearcher
	opts     Options
	logger   *slog.Logger
}

// New creates a Counter.
func New(searcher domain.ProductSearcher, opts Options, logger *slog.Logger) *Counter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Counter{searcher: searcher, opts: opts.withDefaults(), logger: logger}
}

// Count requests pages of PageSize starting at offset 0 until a short page or
// the MaxPages cap. Errors stop the walk and the partial total is returned.
func (c *Counter) Count(ctx context.Context, combo domain.Combination) Result {
	start := time.Now()
	ctx, sig := transport.WithSignal(ctx)
	res := Result{Combination: combo}

	if c.opts.UsePagingTotal && c.countByTotal(ctx, combo, &res) {
		return c.finish(res, sig, start)
	}

	offset := 0
	for res.Pages < c.opts.MaxPages {
		page, err := c.searcher.SearchProducts(ctx, domain.ProductQuery{
			Category:    combo.Category,
			Substore:    combo.Substore,
			InStockOnly: c.opts.InStockOnly,
			Offset:      offset,
			Limit:       c.opts.PageSize,
		})
		res.Pages++
		if err != nil {
			res.Err = err
			break
		}

		res.Count += page.Items
		if page.Items < c.opts.PageSize {
			return c.finish(res, sig, start)
		}
		offset += c.opts.PageSize
	}

	if res.Err == nil {
		res.Capped = true
		c.logger.Debug("page cap reached", "category", combo.Category, "substore", combo.Substore, "count", res.Count)
	}
	return c.finish(res, sig, start)
}

// countByTotal asks for a single item and uses paging.total. It reports false
// when the API did not return a total, leaving res untouched.
func (c *Counter) countByTotal(ctx context.Context, combo domain.Combination, res *Result) bool {
	page, err := c.searcher.SearchProducts(ctx, domain.ProductQuery{
		Category:    combo.Category,
		Substore:    combo.Substore,
		InStockOnly: c.opts.InStockOnly,
		Limit:       1,
	})
	res.Pages++
	if err != nil {
		res.Err = err
		return true
	}
	if page.Total < 0 {
		res.Pages = 0
		return false
	}
	res.Count = page.Total
	return true
}

func (c *Counter) finish(res Result, sig *transport.Signal, start time.Time) Result {
	res.Duration = time.Since(start)
	res.RateLimited = sig.Throttled() || errors.Is(res.Err, domain.ErrRateLimited)

	if res.Err != nil && !errors.Is(res.Err, context.Canceled) {
		c.logger.Warn("count incomplete, keeping partial total",
			"category", res.Combination.Category,
			"substore", res.Combination.Substore,
			"count", res.Count,
			"pages", res.Pages,
			"rate_limited", res.RateLimited,
			"error", res.Err,
		)
	}
	return res
}
