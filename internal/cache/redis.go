package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// redisCache is the durable Cache backend, grounded on the teacher's
// RedisSkillsCache: a redis.UniversalClient, tenant-prefixed keys, and
// every error logged at debug and swallowed rather than propagated.
type redisCache struct {
	client redis.UniversalClient
	log    zerolog.Logger
}

// RedisConfig configures the Redis-backed Cache.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisCache builds a Cache backed by Redis.
func NewRedisCache(cfg RedisConfig, log zerolog.Logger) Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &redisCache{client: client, log: log}
}

func (c *redisCache) Get(ctx context.Context, tenant string, kind Kind, fingerprint string) (Entry, bool) {
	k := key(tenant, kind, fingerprint)
	val, err := c.client.Get(ctx, k).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug().Err(err).Str("key", k).Msg("cache_get_error")
		}
		return Entry{}, false
	}
	if len(val) == 0 {
		return Entry{}, false
	}
	return Entry{Format: Format(val[0]), Value: val[1:]}, true
}

func (c *redisCache) Set(ctx context.Context, tenant string, kind Kind, fingerprint string, value Entry, ttl time.Duration) {
	k := key(tenant, kind, fingerprint)
	if ttl <= 0 {
		ttl = DefaultTTL(kind)
	}
	wire := make([]byte, 0, len(value.Value)+1)
	wire = append(wire, byte(value.Format))
	wire = append(wire, value.Value...)
	if err := c.client.Set(ctx, k, wire, ttl).Err(); err != nil {
		c.log.Debug().Err(err).Str("key", k).Msg("cache_set_error")
	}
}
