package domain

import "context"

// ProductQuery selects one page of products for a (category, substore) pair.
type ProductQuery struct {
	Category    string
	Substore    string
	InStockOnly bool // adds inventory_quantity > 0
	Offset      int
	Limit       int
}

// ProductPage is one page of a paginated product search.
type ProductPage struct {
	Items int // number of items the page carried
	Total int // paging.total when the API reports it, -1 otherwise
}

// ProductSearcher runs paginated product searches against the catalog API.
type ProductSearcher interface {
	SearchProducts(ctx context.Context, q ProductQuery) (ProductPage, error)
}

// CategorySource lists the aliases of published categories.
type CategorySource interface {
	PublishedCategories(ctx context.Context) ([]string, error)
}
