package storehippo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/growthops/countsync/internal/domain"
	"github.com/growthops/countsync/internal/transport"
)

const (
	userAgent  = "countsync/1.0"
	apiVersion = "1.1"

	productsEntity   = "ms.products"
	categoriesEntity = "ms.categories"

	categoryPageSize = 250
	maxCategoryPages = 200
)

// Client implements domain.ProductSearcher and domain.CategorySource for the
// StoreHippo entity API.
type Client struct {
	baseURL    string
	accessKey  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new StoreHippo API client. rt is normally a
// transport.RetryTransport; nil uses http.DefaultTransport.
func NewClient(baseURL, accessKey string, rt http.RoundTripper, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	// no client-wide timeout: it would also bound retry sleeps, so
	// per-attempt timeouts live in the transport
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		accessKey:  accessKey,
		httpClient: &http.Client{Transport: rt},
		logger:     logger,
	}
}

// doRequest performs an authenticated GET against an entity endpoint
func (c *Client) doRequest(ctx context.Context, entity string, query url.Values) ([]byte, error) {
	reqURL := fmt.Sprintf("%s/api/%s/entity/%s", c.baseURL, apiVersion, entity)
	if query != nil {
		reqURL = fmt.Sprintf("%s?%s", reqURL, query.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("access-key", c.accessKey)
	req.Header.Set("User-Agent", userAgent)

	c.logger.Debug("catalog request", "entity", entity, "start", query.Get("start"), "limit", query.Get("limit"))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Error("catalog request failed", "entity", entity, "error", err)
		return nil, fmt.Errorf("%w: %v", domain.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if transport.Retryable(resp.StatusCode) {
		return nil, fmt.Errorf("%w: status %d", domain.ErrRateLimited, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("catalog request error", "entity", entity, "status", resp.StatusCode, "body", truncate(string(body), 512))
		return nil, &domain.APIError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	return body, nil
}

// parseResponse parses a JSON list envelope
func (c *Client) parseResponse(body []byte) (*listResponse, error) {
	var resp listResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Error("JSON parse error", "error", err, "bodyLen", len(body))
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

// SearchProducts returns one page of published products matching the query.
func (c *Client) SearchProducts(ctx context.Context, q domain.ProductQuery) (domain.ProductPage, error) {
	filters := []filter{
		{Field: "categories", Operator: opEqual, Value: q.Category},
		{Field: "substore", Operator: opEqual, Value: q.Substore},
		{Field: "publish", Operator: opEqual, Value: "1"},
	}
	if q.InStockOnly {
		filters = append(filters, filter{Field: "inventory_quantity", Operator: opGreaterThan, Value: 0})
	}

	query, err := listQuery(filters, []string{"_id"}, q.Offset, q.Limit)
	if err != nil {
		return domain.ProductPage{}, err
	}

	body, err := c.doRequest(ctx, productsEntity, query)
	if err != nil {
		return domain.ProductPage{}, err
	}

	resp, err := c.parseResponse(body)
	if err != nil {
		return domain.ProductPage{}, err
	}

	page := domain.ProductPage{Items: len(resp.Data), Total: -1}
	if resp.Paging != nil && resp.Paging.Total != nil {
		page.Total = *resp.Paging.Total
	}
	return page, nil
}

// PublishedCategories returns the aliases of every published category,
// handling pagination internally.
func (c *Client) PublishedCategories(ctx context.Context) ([]string, error) {
	filters := []filter{{Field: "publish", Operator: opEqual, Value: "1"}}

	var aliases []string
	offset := 0
	for page := 0; page < maxCategoryPages; page++ {
		query, err := listQuery(filters, []string{"alias", "publish"}, offset, categoryPageSize)
		if err != nil {
			return nil, err
		}

		body, err := c.doRequest(ctx, categoriesEntity, query)
		if err != nil {
			return nil, fmt.Errorf("list categories: %w", err)
		}
		resp, err := c.parseResponse(body)
		if err != nil {
			return nil, fmt.Errorf("list categories: %w", err)
		}

		for _, raw := range resp.Data {
			var cat categoryDTO
			if err := json.Unmarshal(raw, &cat); err != nil {
				c.logger.Warn("skipping malformed category", "error", err)
				continue
			}
			if cat.Alias != "" && cat.published() {
				aliases = append(aliases, cat.Alias)
			}
		}

		if len(resp.Data) < categoryPageSize {
			break
		}
		offset += categoryPageSize
	}

	c.logger.Debug("fetched published categories", "count", len(aliases))
	return domain.Normalize(aliases), nil
}

func listQuery(filters []filter, fields []string, offset, limit int) (url.Values, error) {
	rawFilters, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("encode filters: %w", err)
	}
	rawFields, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}

	query := url.Values{}
	query.Set("filters", string(rawFilters))
	query.Set("fields", string(rawFields))
	query.Set("start", strconv.Itoa(offset))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	return query, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var (
	_ domain.ProductSearcher = (*Client)(nil)
	_ domain.CategorySource  = (*Client)(nil)
)
