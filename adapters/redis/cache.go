// Package redis stores compiled template artifacts in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/deicod/asyncjinja/internal/logging"
	"github.com/deicod/asyncjinja/runtime"
)

// DefaultPrefix is prepended to every bucket key.
const DefaultPrefix = "asyncjinja:"

// scanCount is the COUNT hint used while clearing.
const scanCount = 100

// Cache implements runtime.BytecodeCache on top of Redis. Values are the
// CBOR records written by runtime.MarshalBucket.
type Cache struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
	owned  bool
}

type Option func(*Cache)

// WithTTL sets the expiration of stored artifacts. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(c *Cache) {
		c.prefix = prefix
	}
}

// WithLogger sets the logger used for absorbed backend failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func newCache(client *backend.Client, owned bool, opts []Option) *Cache {
	c := &Cache{
		client: client,
		prefix: DefaultPrefix,
		logger: logging.NewNop(),
		owned:  owned,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// New connects to address. The cache owns the client and Close closes it.
func New(address, password string, db int, opts ...Option) *Cache {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return newCache(rdb, true, opts)
}

// NewFromURL is New for a redis:// URL.
func NewFromURL(url string, opts ...Option) (*Cache, error) {
	parsed, err := backend.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return newCache(backend.NewClient(parsed), true, opts), nil
}

// NewFromClient wraps an existing client. Close leaves the client open.
func NewFromClient(client *backend.Client, opts ...Option) *Cache {
	return newCache(client, false, opts)
}

func (c *Cache) key(bucketKey string) string {
	return c.prefix + bucketKey
}

// Prefix returns the key prefix in use.
func (c *Cache) Prefix() string {
	return c.prefix
}

// unavailable wraps err as runtime.ErrBackendUnavailable.
func (c *Cache) unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", runtime.ErrBackendUnavailable, op, err)
}

// absorb logs a connectivity failure of a load or store. Callers see a miss
// or a dropped write.
func (c *Cache) absorb(op, key string, err error) {
	c.logger.Warn("redis bytecode cache unavailable", "op", op, "key", key, "error", c.unavailable(op, err))
}

// Load fills bucket.Artifact on a hit. Missing keys, records stored for a
// different checksum and an unreachable server are misses.
func (c *Cache) Load(ctx context.Context, bucket *runtime.Bucket) error {
	data, err := c.client.Get(ctx, c.key(bucket.Key)).Bytes()
	if err != nil {
		bucket.Reset()
		if !errors.Is(err, backend.Nil) {
			c.absorb("load", bucket.Key, err)
		}
		return nil
	}
	if !runtime.UnmarshalBucket(data, bucket) {
		c.logger.Debug("redis bytecode cache miss", "key", bucket.Key, "reason", "checksum")
	}
	return nil
}

// Store writes the bucket with the configured TTL. Connectivity failures
// drop the write.
func (c *Cache) Store(ctx context.Context, bucket *runtime.Bucket) error {
	data, err := runtime.MarshalBucket(bucket)
	if err != nil {
		return fmt.Errorf("redis cache: %w", err)
	}
	if err := c.client.Set(ctx, c.key(bucket.Key), data, c.ttl).Err(); err != nil {
		c.absorb("store", bucket.Key, err)
	}
	return nil
}

// Clear deletes every key under the prefix, one SCAN page at a time. Unlike
// Load and Store it reports runtime.ErrBackendUnavailable to the caller.
func (c *Cache) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+"*", scanCount).Result()
		if err != nil {
			return c.unavailable("scan", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return c.unavailable("del", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close closes the client when the cache created it.
func (c *Cache) Close() error {
	if !c.owned {
		return nil
	}
	return c.client.Close()
}
