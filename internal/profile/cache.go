package profile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/leadscan/internal/model"
)

// Cache stores derived profiles. A miss returns (nil, nil).
type Cache interface {
	Get(ctx context.Context, key string) (*model.BusinessProfile, error)
	Set(ctx context.Context, key string, p model.BusinessProfile) error
}

// CacheKey identifies a profile derivation input.
func CacheKey(rawURL, description string) string {
	sum := sha256.Sum256([]byte(rawURL + "|" + description))
	return "leadscan:profile:" + hex.EncodeToString(sum[:])
}

// RedisCache is a Cache backed by go-redis.
type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisClient parses url, connects and pings.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, eris.Wrap(err, "profile: parse redis url")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "profile: redis ping")
	}
	return rdb, nil
}

// NewRedisCache wraps rdb with a TTL (24h when unset).
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{rdb: rdb, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*model.BusinessProfile, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "profile: cache get")
	}
	var p model.BusinessProfile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, eris.Wrap(err, "profile: cache decode")
	}
	return &p, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, p model.BusinessProfile) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return eris.Wrap(err, "profile: cache encode")
	}
	return eris.Wrap(c.rdb.Set(ctx, key, raw, c.ttl).Err(), "profile: cache set")
}
