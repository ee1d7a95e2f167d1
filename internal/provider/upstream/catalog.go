package upstream

import (
	"context"
	"sync"
	"time"

	"modelgate/internal/models"
)

// Catalog caches a backend's model list for a fixed duration.
type Catalog struct {
	ttl   time.Duration
	fetch func(context.Context) ([]models.Model, error)

	mu      sync.Mutex
	models  []models.Model
	fetched time.Time
}

// NewCatalog wraps fetch with a ttl-bounded cache.
func NewCatalog(ttl time.Duration, fetch func(context.Context) ([]models.Model, error)) *Catalog {
	return &Catalog{ttl: ttl, fetch: fetch}
}

// Get returns the cached list or refreshes it. On a failed refresh the stale
// list is returned along with the error.
func (c *Catalog) Get(ctx context.Context) ([]models.Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.fetched.IsZero() && time.Since(c.fetched) < c.ttl {
		return cloneModels(c.models), nil
	}

	fresh, err := c.fetch(ctx)
	if err != nil {
		return cloneModels(c.models), err
	}
	c.models = fresh
	c.fetched = time.Now()
	return cloneModels(fresh), nil
}

func cloneModels(in []models.Model) []models.Model {
	if in == nil {
		return nil
	}
	out := make([]models.Model, len(in))
	copy(out, in)
	return out
}
