package catalogue

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/openjobspec/ojs-tape-scheduler/internal/core"
)

const poolsKey = "pools"

// Cached fronts a Catalogue with a short-lived cache of pool definitions,
// which the scheduler reads on every poll.
type Cached struct {
	Catalogue
	pools *ttlcache.Cache[string, []Pool]
}

// NewCached wraps inner. Call Start to begin evicting expired entries.
func NewCached(inner Catalogue, ttl time.Duration) *Cached {
	return &Cached{
		Catalogue: inner,
		pools:     ttlcache.New[string, []Pool](ttlcache.WithTTL[string, []Pool](ttl)),
	}
}

// Start runs the eviction loop until Stop.
func (c *Cached) Start() { go c.pools.Start() }

// Stop ends the eviction loop.
func (c *Cached) Stop() { c.pools.Stop() }

// Invalidate drops cached pool definitions.
func (c *Cached) Invalidate() { c.pools.DeleteAll() }

func (c *Cached) Pools(ctx context.Context) ([]Pool, error) {
	if item := c.pools.Get(poolsKey); item != nil && !item.IsExpired() {
		return item.Value(), nil
	}
	pools, err := c.Catalogue.Pools(ctx)
	if err != nil {
		return nil, err
	}
	c.pools.Set(poolsKey, pools, ttlcache.DefaultTTL)
	return pools, nil
}

func (c *Cached) Pool(ctx context.Context, name string) (Pool, error) {
	pools, err := c.Pools(ctx)
	if err != nil {
		return Pool{}, err
	}
	for _, p := range pools {
		if p.Name == name {
			return p, nil
		}
	}
	return Pool{}, core.NewNotFoundError("pool", name)
}
