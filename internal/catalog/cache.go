// Package catalog caches the engine's node catalog in Redis.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"genstudio/internal/engine"
)

// Source fetches a fresh catalog from the engine.
type Source interface {
	Catalog(ctx context.Context) (engine.Catalog, error)
}

// Cache stores catalogs per engine base URL. A nil Redis client disables
// caching and every call goes to the source.
type Cache struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger zerolog.Logger
}

// New builds a catalog cache.
func New(rdb redis.Cmdable, ttl time.Duration, logger zerolog.Logger) *Cache {
	return &Cache{rdb: rdb, ttl: ttl, logger: logger.With().Str("component", "catalog").Logger()}
}

func key(baseURL string) string {
	return "genstudio:catalog:" + baseURL
}

// Get returns the catalog of the engine at baseURL. Redis failures are logged
// and fall through to the source.
func (c *Cache) Get(ctx context.Context, baseURL string, src Source) (engine.Catalog, error) {
	if c != nil && c.rdb != nil {
		raw, err := c.rdb.Get(ctx, key(baseURL)).Bytes()
		switch {
		case err == nil:
			var cat engine.Catalog
			if jerr := json.Unmarshal(raw, &cat); jerr == nil {
				return cat, nil
			}
			c.logger.Warn().Str("engine", baseURL).Msg("discarding corrupt cached catalog")
		case !errors.Is(err, redis.Nil):
			c.logger.Warn().Err(err).Msg("catalog cache read failed")
		}
	}

	cat, err := src.Catalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}

	if c != nil && c.rdb != nil && c.ttl > 0 {
		if raw, err := json.Marshal(cat); err == nil {
			if err := c.rdb.Set(ctx, key(baseURL), raw, c.ttl).Err(); err != nil {
				c.logger.Warn().Err(err).Msg("catalog cache write failed")
			}
		}
	}
	return cat, nil
}

// Checkpoints returns the checkpoint filenames offered by the engine at baseURL.
func (c *Cache) Checkpoints(ctx context.Context, baseURL string, src Source) ([]string, error) {
	cat, err := c.Get(ctx, baseURL, src)
	if err != nil {
		return nil, err
	}
	return cat.Checkpoints(), nil
}

// Invalidate drops the cached catalog of baseURL.
func (c *Cache) Invalidate(ctx context.Context, baseURL string) error {
	if c == nil || c.rdb == nil {
		return nil
	}
	if err := c.rdb.Del(ctx, key(baseURL)).Err(); err != nil {
		return fmt.Errorf("invalidate catalog: %w", err)
	}
	return nil
}
