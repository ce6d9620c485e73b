package oracle

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

const cacheKey = "oracle:spot_price"

// Cached wraps a primary PriceSource with a Redis read-through cache.
// Reads check Redis first and fall back to the primary; a fresh quote is
// written back with a TTL. Cache failures degrade to the primary source,
// never to an error of their own.
type Cached struct {
	primary PriceSource
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCached creates a cached wrapper around a primary price source.
func NewCached(primary PriceSource, rdb *redis.Client, ttl time.Duration) *Cached {
	return &Cached{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (c *Cached) Price(ctx context.Context) (decimal.Decimal, error) {
	// Try cache.
	if raw, err := c.rdb.Get(ctx, cacheKey).Result(); err == nil {
		if price, perr := decimal.NewFromString(raw); perr == nil && price.IsPositive() {
			return price, nil
		}
	}

	// Cache miss: ask the primary.
	price, err := c.primary.Price(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	c.rdb.Set(ctx, cacheKey, price.String(), c.ttl)
	return price, nil
}
