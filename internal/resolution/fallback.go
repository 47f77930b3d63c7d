package resolution

import (
	"context"
	"realiser/internal/derivation"
	"realiser/internal/outputs"
	"realiser/internal/storepath"
	"sync"
)

// FallbackCache remembers complete output maps of input recipes queried from
// the store, so that each input is re-queried at most once per run however
// many recipes depend on it. A nil cache queries every time.
type FallbackCache struct {
	mu      sync.Mutex
	entries map[string]map[string]storepath.Path
	queries int
}

// NewFallbackCache returns an empty cache.
func NewFallbackCache() *FallbackCache {
	return &FallbackCache{entries: make(map[string]map[string]storepath.Path)}
}

// Outputs returns the output map of the recipe ref refers to. Maps with
// unknown outputs are not cached.
func (c *FallbackCache) Outputs(ctx context.Context, r *outputs.Resolver, ref derivation.DerivedRef) (map[string]storepath.Path, error) {
	if c == nil {
		return query(ctx, r, ref)
	}

	key := ref.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.entries[key]; ok {
		return m, nil
	}
	c.queries++
	m, err := query(ctx, r, ref)
	if err != nil {
		return nil, err
	}
	for _, p := range m {
		if p.IsZero() {
			return m, nil
		}
	}
	c.entries[key] = m
	return m, nil
}

// Queries is the number of store queries made through the cache.
func (c *FallbackCache) Queries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries
}

// Len is the number of cached output maps.
func (c *FallbackCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func query(ctx context.Context, r *outputs.Resolver, ref derivation.DerivedRef) (map[string]storepath.Path, error) {
	drvPath, err := r.RefPath(ctx, ref)
	if err != nil {
		return nil, err
	}
	return r.QueryOutputMap(ctx, drvPath)
}
