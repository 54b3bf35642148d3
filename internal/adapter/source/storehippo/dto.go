package storehippo

import "encoding/json"

// Filter operators understood by the entity API.
const (
	opEqual       = "equal"
	opGreaterThan = "greater_than"
)

// filter is one clause of the entity API "filters" parameter.
type filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// listResponse is the envelope returned by entity list endpoints.
type listResponse struct {
	Data   []json.RawMessage `json:"data"`
	Paging *paging           `json:"paging,omitempty"`
}

type paging struct {
	Total *int `json:"total,omitempty"`
}

// categoryDTO is the projection requested for ms.categories.
type categoryDTO struct {
	Alias   string `json:"alias"`
	Publish any    `json:"publish"`
}

// published accepts the API's mixed encodings of the publish flag.
func (c categoryDTO) published() bool {
	switch v := c.Publish.(type) {
	case nil:
		return true // not projected; the filter already selected published rows
	case string:
		return v == "1" || v == "true"
	case bool:
		return v
	case float64:
		return v == 1
	default:
		return false
	}
}
