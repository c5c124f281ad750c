// Package redis backs the refresh and access token revocation list with Redis.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"qazna.org/authd/internal/auth"
	"qazna.org/authd/internal/obs"
)

const defaultPrefix = "authd:revoked:"

var _ auth.RotationManager = (*RotationCache)(nil)

// Dial parses url, applies connection timeouts and pings the server.
func Dial(ctx context.Context, url string, poolSize int) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if poolSize > 0 {
		opts.PoolSize = poolSize
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RotationCache records revoked keys with a TTL and keeps a sorted-set index
// of expiry times so Sweep can trim the index.
type RotationCache struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
	logger *zap.Logger
}

// Option configures a RotationCache.
type Option func(*RotationCache)

// WithPrefix namespaces every key written by the cache.
func WithPrefix(prefix string) Option {
	return func(c *RotationCache) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// WithClock overrides the time source used for the expiry index.
func WithClock(fn func() time.Time) Option {
	return func(c *RotationCache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *RotationCache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New wraps an existing client.
func New(client goredis.UniversalClient, opts ...Option) *RotationCache {
	c := &RotationCache{
		client: client,
		prefix: defaultPrefix,
		now:    time.Now,
		logger: obs.Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *RotationCache) key(k string) string { return c.prefix + k }

func (c *RotationCache) indexKey() string { return c.prefix + "index" }

// Revoke marks key as revoked for ttl. Non-positive TTLs are ignored.
func (c *RotationCache) Revoke(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	expires := c.now().Add(ttl)
	_, err := c.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, c.key(key), strconv.FormatInt(expires.Unix(), 10), ttl)
		p.ZAdd(ctx, c.indexKey(), &goredis.Z{Score: float64(expires.Unix()), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis revoke %s: %w", key, err)
	}
	return nil
}

// IsRevoked reports whether key is still on the revocation list.
func (c *RotationCache) IsRevoked(ctx context.Context, key string) (bool, error) {
	n, err := c.client.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Sweep trims index entries whose TTL has passed. Redis expires the marker
// keys on its own.
func (c *RotationCache) Sweep(ctx context.Context) (int, error) {
	max := strconv.FormatInt(c.now().Unix(), 10)
	n, err := c.client.ZRemRangeByScore(ctx, c.indexKey(), "-inf", max).Result()
	if err != nil {
		return 0, fmt.Errorf("redis sweep: %w", err)
	}
	if n > 0 {
		c.logger.Debug("revocation index swept", zap.Int64("removed", n))
	}
	return int(n), nil
}

// Size returns the number of tracked revocations, expired ones included
// until the next Sweep.
func (c *RotationCache) Size(ctx context.Context) (int64, error) {
	return c.client.ZCard(ctx, c.indexKey()).Result()
}

// Ping checks connectivity.
func (c *RotationCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
