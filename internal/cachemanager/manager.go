// Package cachemanager provides a typed TTL cache over go-cache.
// The communicator uses it to remember correlation ids it already handled.
package cachemanager

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/procctl/internal/log"
)

const DefaultExpiration = 10 * time.Minute
const DefaultCleanupInterval = 30 * time.Minute

// ErrKeyExists is returned by Add when the key is already cached.
var ErrKeyExists = errors.New("cache key already exists")

// CacheManager is a typed key/value cache with per-entry TTL.
type CacheManager[K ~string, V any] interface {
	Get(ctx context.Context, key K) (V, bool)
	Set(ctx context.Context, key K, value V, ttl time.Duration)
	Add(ctx context.Context, key K, value V, ttl time.Duration) error
	Delete(ctx context.Context, keys ...K)
	Flush(ctx context.Context)
	Len() int
}

// NewInMemoryCacheManager creates an in-memory cache. useCase labels log lines.
func NewInMemoryCacheManager[K ~string, V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *InMemoryCacheManager[K, V] {
	return &InMemoryCacheManager[K, V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// InMemoryCacheManager is the go-cache backed CacheManager.
type InMemoryCacheManager[K ~string, V any] struct {
	useCase string
	cache   *gocache.Cache
}

var _ CacheManager[string, struct{}] = (*InMemoryCacheManager[string, struct{}])(nil)

// Get retrieves an unexpired item by key.
func (c *InMemoryCacheManager[K, V]) Get(_ context.Context, key K) (V, bool) {
	var zeroValue V

	value, found := c.cache.Get(string(key))
	if !found {
		return zeroValue, false
	}

	v, ok := value.(V)
	if !ok {
		log.Error(log.CatComms, "wrong type assertion when getting cached value",
			"cache", c.useCase, "key", key)
		return zeroValue, false
	}

	return v, true
}

// Set stores value under key, replacing any existing entry.
func (c *InMemoryCacheManager[K, V]) Set(_ context.Context, key K, value V, ttl time.Duration) {
	c.cache.Set(string(key), value, ttl)
}

// Add stores value only if key is absent or expired. The check and the
// store are atomic, so exactly one of several concurrent Adds wins.
func (c *InMemoryCacheManager[K, V]) Add(_ context.Context, key K, value V, ttl time.Duration) error {
	if err := c.cache.Add(string(key), value, ttl); err != nil {
		log.Debug(log.CatComms, "cache add rejected", "cache", c.useCase, "key", key)
		return ErrKeyExists
	}
	return nil
}

// Delete removes the given keys.
func (c *InMemoryCacheManager[K, V]) Delete(_ context.Context, keys ...K) {
	for _, key := range keys {
		c.cache.Delete(string(key))
	}
}

// Flush removes every entry.
func (c *InMemoryCacheManager[K, V]) Flush(_ context.Context) {
	c.cache.Flush()
}

// Len returns the number of entries, including expired ones not yet cleaned.
func (c *InMemoryCacheManager[K, V]) Len() int {
	return c.cache.ItemCount()
}
