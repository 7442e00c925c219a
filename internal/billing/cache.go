package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gan-shmuel/gan-shmuel/internal/shared"
	"github.com/gan-shmuel/gan-shmuel/internal/weighing"
)

const (
	cacheVersionKey = "billing:version"
	bumpChannel     = "billing.bump"
)

// CacheObserver is told about every cache lookup.
type CacheObserver interface {
	ObserveBillCache(hit bool)
}

// Cache stores computed bills in Redis under a global version that every weighing write bumps.
type Cache struct {
	client   *redis.Client
	ttl      time.Duration
	observer CacheObserver
}

// NewCache instantiates the cache helper.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// WithObserver attaches a lookup observer and returns c.
func (c *Cache) WithObserver(o CacheObserver) *Cache {
	if c != nil {
		c.observer = o
	}
	return c
}

func (c *Cache) observe(hit bool) {
	if c.observer != nil {
		c.observer.ObserveBillCache(hit)
	}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		// SetNX never resets a version bumped concurrently.
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// BuildKey composes the cache key with the current version.
func (c *Cache) BuildKey(ctx context.Context, parts ...string) (string, error) {
	joined := strings.Join(parts, ":")
	if c == nil || c.client == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", joined, ver), nil
}

// FetchJSON loads a cached value or populates it using the loader.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("cache: loader required")
	}
	if c == nil || c.client == nil {
		value, err := loader(ctx)
		if err != nil {
			return err
		}
		return roundTrip(value, dest)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		c.observe(true)
		return json.Unmarshal(payload, dest)
	}
	if !errors.Is(err, redis.Nil) {
		return err
	}
	c.observe(false)
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func roundTrip(value, dest any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// Bump invalidates cached bills by incrementing the version and publishing it.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// WeighingRecorded bumps the version so bills never outlive the weighings they summarise.
func (c *Cache) WeighingRecorded(ctx context.Context, _ weighing.Record) error {
	return c.Bump(ctx)
}

func billKey(providerID int64, r Range) []string {
	return []string{"billing", "bill", formatID(providerID), shared.FormatTimestamp(r.From), shared.FormatTimestamp(r.To)}
}
