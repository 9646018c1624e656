package knowledge

import "github.com/cain76/finderskeepers-v2-sub003/internal/retrieval"

// SearchOption configures a search using the functional options pattern.
type SearchOption func(*searchConfig)

type searchConfig struct {
	limit     int
	threshold float64
	filters   map[string]string
}

// WithLimit sets the maximum number of matches. Default is 5.
func WithLimit(n int) SearchOption {
	return func(c *searchConfig) {
		c.limit = n
	}
}

// WithThreshold sets the minimum similarity in [0,1]. Default is 0.
func WithThreshold(t float64) SearchOption {
	return func(c *searchConfig) {
		c.threshold = t
	}
}

// WithFilter adds a metadata filter. Multiple calls combine with AND logic;
// records missing the key are excluded.
//
// Example: WithFilter("project", "alpha")
func WithFilter(key, value string) SearchOption {
	return func(c *searchConfig) {
		if c.filters == nil {
			c.filters = make(map[string]string)
		}
		c.filters[key] = value
	}
}

func buildSearchConfig(opts []SearchOption) *searchConfig {
	cfg := &searchConfig{
		limit: 5,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

func (c *searchConfig) spec(vector []float32) retrieval.QuerySpec {
	return retrieval.QuerySpec{
		Vector:    vector,
		Limit:     c.limit,
		Threshold: c.threshold,
		Filters:   c.filters,
	}
}
