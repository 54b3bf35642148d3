package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/growthops/countsync/internal/adapter"
	"github.com/growthops/countsync/internal/adapter/source/storehippo"
	"github.com/growthops/countsync/internal/domain"
	"github.com/growthops/countsync/internal/transport"
	"golang.org/x/time/rate"
)

// Catalog combines the remote operations the count engine consumes.
type Catalog interface {
	domain.ProductSearcher // Paginated product search: SearchProducts
	domain.CategorySource  // Published categories: PublishedCategories
}

// SourceConfig contains the configuration needed to create a Catalog
type SourceConfig struct {
	URL       string
	AccessKey string
	Policy    transport.Policy
	Limiter   *rate.Limiter // shared pacing across call sites, nil for none
	OnRetry   transport.RetryFunc
	Base      http.RoundTripper // nil uses http.DefaultTransport
}

// NewClient creates a Catalog whose every request goes through the
// rate-limit-aware transport.
func NewClient(cfg *SourceConfig, logger *slog.Logger) (Catalog, error) {
	if cfg == nil {
		return nil, fmt.Errorf("source config is nil")
	}

	if cfg.URL == "" {
		return nil, fmt.Errorf("catalog URL is required")
	}

	if cfg.AccessKey == "" {
		return nil, fmt.Errorf("catalog access key is required")
	}

	if logger == nil {
		logger = slog.Default()
	}

	rt := transport.Chain(cfg.Base, cfg.Policy, transport.Throttle{Limiter: cfg.Limiter}, logger, cfg.OnRetry)
	return storehippo.NewClient(cfg.URL, cfg.AccessKey, rt, logger), nil
}

// NewClientFromConfig creates a Catalog from the application config using
// the given call-site policy.
func NewClientFromConfig(cfg *adapter.Config, policy transport.Policy, limiter *rate.Limiter, onRetry transport.RetryFunc, logger *slog.Logger) (Catalog, error) {
	return NewClient(&SourceConfig{
		URL:       cfg.Remote.BaseURL,
		AccessKey: cfg.Remote.AccessKey,
		Policy:    policy,
		Limiter:   limiter,
		OnRetry:   onRetry,
	}, logger)
}

// StaticCategories is a CategorySource backed by a fixed alias list.
type StaticCategories []string

func (s StaticCategories) PublishedCategories(context.Context) ([]string, error) {
	return domain.Normalize(s), nil
}

// CategorySource picks the configured static list when present, falling back
// to the catalog's published categories.
func CategorySource(cfg *adapter.Config, catalog Catalog) domain.CategorySource {
	if len(domain.Normalize(cfg.Catalog.Categories)) > 0 {
		return StaticCategories(cfg.Catalog.Categories)
	}
	return catalog
}
