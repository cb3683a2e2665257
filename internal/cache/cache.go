package cache

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/wppdesk/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache results reported to metrics.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultStale = "stale"
	ResultError = "error"
)

// LoaderError is returned by Get when the loader failed and there was no
// entry to fall back to.
type LoaderError struct {
	Key string
	Err error
}

func (e *LoaderError) Error() string {
	return fmt.Sprintf("load %q: %v", e.Key, e.Err)
}

func (e *LoaderError) Unwrap() error { return e.Err }

type entry struct {
	payload   any
	createdAt time.Time
	ttl       time.Duration
}

func (e entry) valid(now time.Time) bool {
	return now.Before(e.createdAt.Add(e.ttl))
}

// Cache is a keyed TTL cache that serves expired entries when a refresh fails.
// Concurrent loads of the same key are collapsed into one loader call.
// Every key has a generation that Invalidate bumps: loads started before the
// bump are neither joined by later callers nor stored.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	gens    map[string]uint64
	group   singleflight.Group
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMetrics records hit/miss/stale/error counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithLogger sets the logger used for stale fallbacks.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// New creates an empty cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		gens:    make(map[string]uint64),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the value for key. A valid entry is returned as is. Otherwise
// loader runs; its result is stored with a fresh creation time. If loader
// fails the previous entry, even an expired one, is returned instead; the
// error only reaches the caller when there is nothing to fall back to.
func Get[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, loader func(context.Context) (T, error)) (T, error) {
	if v, ok := lookup[T](c, key, true); ok {
		c.metrics.CacheResult(ResultHit)
		return v, nil
	}

	gen := c.generation(key)
	res, err, _ := c.group.Do(key+"#"+strconv.FormatUint(gen, 10), func() (any, error) {
		v, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, gen, v, ttl)
		return v, nil
	})
	if err == nil {
		c.metrics.CacheResult(ResultMiss)
		return res.(T), nil
	}

	if v, ok := lookup[T](c, key, false); ok {
		c.metrics.CacheResult(ResultStale)
		c.logger.Warn("serving stale cache entry", zap.String("key", key), zap.Error(err))
		return v, nil
	}
	c.metrics.CacheResult(ResultError)
	var zero T
	return zero, &LoaderError{Key: key, Err: err}
}

func lookup[T any](c *Cache, key string, requireValid bool) (T, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	now := c.now()
	c.mu.Unlock()

	var zero T
	if !ok || (requireValid && !e.valid(now)) {
		return zero, false
	}
	v, ok := e.payload.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// generation registers key and returns its current generation.
func (c *Cache) generation(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.gens[key]
	if !ok {
		c.gens[key] = 0
	}
	return g
}

// store keeps a loaded value unless the key was invalidated while loading.
func (c *Cache) store(key string, gen uint64, payload any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[key] != gen {
		return
	}
	c.entries[key] = entry{payload: payload, createdAt: c.now(), ttl: ttl}
}

// Invalidate removes every entry whose key starts with prefix and returns how
// many were removed. Loads of matching keys that are still running are
// abandoned: the next Get calls its loader. An empty prefix matches
// everything.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.gens {
		if strings.HasPrefix(k, prefix) {
			c.gens[k]++
		}
	}
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear drops all entries and abandons running loads. Used on logout.
func (c *Cache) Clear() {
	c.Invalidate("")
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
