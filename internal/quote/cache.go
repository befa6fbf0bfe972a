package quote

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Cache stores recent quotes keyed by symbol.
type Cache interface {
	GetMany(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
	SetMany(ctx context.Context, quotes map[string]decimal.Decimal) error
}

// MemoryCache is a per-process quote cache.
type MemoryCache struct {
	store *gocache.Cache
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &MemoryCache{store: gocache.New(ttl, 2*ttl)}
}

func (m *MemoryCache) GetMany(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, s := range symbols {
		if v, ok := m.store.Get(s); ok {
			out[s] = v.(decimal.Decimal)
		}
	}
	return out, nil
}

func (m *MemoryCache) SetMany(_ context.Context, quotes map[string]decimal.Decimal) error {
	for s, v := range quotes {
		m.store.SetDefault(s, v)
	}
	return nil
}

// RedisCache shares quotes between processes.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &RedisCache{client: client, ttl: ttl, prefix: "tradewatch:quote:"}
}

func (r *RedisCache) key(symbol string) string {
	return r.prefix + symbol
}

func (r *RedisCache) GetMany(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = r.key(s)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		out[symbols[i]] = d
	}
	return out, nil
}

func (r *RedisCache) SetMany(ctx context.Context, quotes map[string]decimal.Decimal) error {
	if len(quotes) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for s, v := range quotes {
		pipe.Set(ctx, r.key(s), v.String(), r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis set quotes: %w", err)
	}
	return nil
}

// Cached serves fresh quotes from a cache and only asks the upstream client for misses.
// A failing cache degrades to direct upstream reads; a failing upstream still
// returns the cache hits alongside its error.
type Cached struct {
	upstream Client
	cache    Cache
	logger   zerolog.Logger
}

func NewCached(upstream Client, cache Cache, logger zerolog.Logger) *Cached {
	return &Cached{upstream: upstream, cache: cache, logger: logger.With().Str("component", "quote_cache").Logger()}
}

func (c *Cached) GetObservations(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		normalized = append(normalized, strings.ToUpper(s))
	}

	hits, err := c.cache.GetMany(ctx, normalized)
	if err != nil {
		c.logger.Warn().Err(err).Msg("quote cache read failed")
		hits = map[string]decimal.Decimal{}
	}

	missing := make([]string, 0, len(normalized))
	for _, s := range normalized {
		if _, ok := hits[s]; !ok {
			missing = append(missing, s)
		}
	}
	if len(missing) == 0 {
		return hits, nil
	}

	fresh, fetchErr := c.upstream.GetObservations(ctx, missing)
	if len(fresh) > 0 {
		if err := c.cache.SetMany(ctx, fresh); err != nil {
			c.logger.Warn().Err(err).Msg("quote cache write failed")
		}
	}
	for s, v := range fresh {
		hits[s] = v
	}
	return hits, fetchErr
}

// GetPositions is never cached.
func (c *Cached) GetPositions(ctx context.Context, account string) ([]Position, error) {
	return c.upstream.GetPositions(ctx, account)
}

var (
	_ Cache  = (*MemoryCache)(nil)
	_ Cache  = (*RedisCache)(nil)
	_ Client = (*Cached)(nil)
)
