// Package cache wraps go-cache behind a typed, explicitly constructed cache.
// Callers own the lifetime of every Manager; there is no process-wide instance.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

const (
	DefaultExpiration      = 10 * time.Minute
	DefaultCleanupInterval = 30 * time.Minute

	// NoExpiration keeps an entry until it is deleted.
	NoExpiration = gocache.NoExpiration
	// UseDefault applies the manager's default expiration.
	UseDefault = gocache.DefaultExpiration
)

// Manager is a typed in-memory cache keyed by string.
type Manager[V any] struct {
	useCase string
	cache   *gocache.Cache
	log     zerolog.Logger
}

// New builds a cache for one use case. A zero defaultExpiration keeps entries forever.
func New[V any](useCase string, defaultExpiration, cleanupInterval time.Duration, log zerolog.Logger) *Manager[V] {
	if defaultExpiration == 0 {
		defaultExpiration = NoExpiration
	}
	return &Manager[V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
		log:     log.With().Str("cache", useCase).Logger(),
	}
}

func (c *Manager[V]) Get(_ context.Context, key string) (V, bool) {
	var zero V
	value, found := c.cache.Get(key)
	if !found {
		return zero, false
	}
	v, ok := value.(V)
	if !ok {
		c.log.Error().Str("key", key).Msg("wrong type in cache")
		return zero, false
	}
	c.log.Debug().Str("key", key).Msg("cache hit")
	return v, true
}

// Set stores value under key. ttl may be UseDefault or NoExpiration.
func (c *Manager[V]) Set(_ context.Context, key string, value V, ttl time.Duration) {
	c.cache.Set(key, value, ttl)
}

func (c *Manager[V]) Delete(_ context.Context, keys ...string) {
	for _, key := range keys {
		c.cache.Delete(key)
	}
}

func (c *Manager[V]) Flush(context.Context) {
	c.cache.Flush()
}

func (c *Manager[V]) Len() int {
	return c.cache.ItemCount()
}
