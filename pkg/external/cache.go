package external

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/medical-coding-server/internal/domain"
)

// ResultCache stores complete pipeline results in redis, keyed by the
// request parameters. The pipeline is deterministic for a fixed KB and
// provider, so a cached result is as good as a recomputed one until the
// TTL expires or the KB is reloaded.
type ResultCache struct {
	redis      *redis.Client
	defaultTTL time.Duration
}

// NewResultCache creates a redis-backed result cache and verifies the
// connection before returning.
func NewResultCache(cfg domain.CacheConfig) (*ResultCache, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResultCache{redis: client, defaultTTL: ttl}, nil
}

type cachedResult struct {
	Result   *domain.PipelineResult `json:"result"`
	CachedAt time.Time              `json:"cached_at"`
}

// HashKey derives the cache key from every parameter that changes the
// result. The query is hashed so arbitrary clinical text never appears in
// redis key space.
func HashKey(query string, retrieveK, rerankK int, provider domain.ProviderMode) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%d|%s", query, retrieveK, rerankK, provider)))
	return fmt.Sprintf("medcode:result:%x", sum)
}

// Get returns the cached result for a key, reporting a miss rather than an
// error when the key is absent. Corrupted entries are evicted and count as
// misses.
func (c *ResultCache) Get(ctx context.Context, key string) (*domain.PipelineResult, bool, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached result: %w", err)
	}

	var cached cachedResult
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	return cached.Result, true, nil
}

// Set stores a result under the key for the default TTL.
func (c *ResultCache) Set(ctx context.Context, key string, result *domain.PipelineResult) error {
	payload, err := json.Marshal(cachedResult{Result: result, CachedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal cached result: %w", err)
	}
	if err := c.redis.Set(ctx, key, payload, c.defaultTTL).Err(); err != nil {
		return fmt.Errorf("failed to set cached result: %w", err)
	}
	return nil
}

// Flush removes every cached result. The KB reload endpoint calls this
// after a swap, since prior results were computed against the old artifact.
func (c *ResultCache) Flush(ctx context.Context) error {
	iter := c.redis.Scan(ctx, 0, "medcode:result:*", 0).Iterator()
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete cached result: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan cached results: %w", err)
	}
	return nil
}

// Close releases the redis connection.
func (c *ResultCache) Close() error {
	return c.redis.Close()
}
