// Package cache keeps search results in Redis. Keys embed the store's
// commit generation, so a commit makes every earlier entry unreachable
// without an explicit purge; stale entries age out through their TTL.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/notesearch/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/notesearch/pkg/resilience"
)

const (
	keyPrefix = "search:"
	// opTimeout bounds every Redis round trip so a slow cache never slows
	// searches down by more than this.
	opTimeout = 250 * time.Millisecond
)

// Backend is the subset of the Redis client the cache uses.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

// Hit is one cached search result.
type Hit struct {
	ID    uint64  `json:"id"`
	Body  string  `json:"body"`
	Score float64 `json:"score"`
}

type Result struct {
	Hits []Hit `json:"hits"`
}

type QueryCache struct {
	client  Backend
	ttl     time.Duration
	breaker *resilience.CircuitBreaker
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// New returns a cache storing entries for ttl. m may be nil.
func New(client Backend, ttl time.Duration, m *metrics.Metrics) *QueryCache {
	breaker := resilience.NewCircuitBreaker("search-cache", resilience.CircuitBreakerConfig{})
	if m != nil {
		breaker.OnStateChange(func(_ string, _, to resilience.State) {
			m.CacheCircuitState.Set(float64(to))
		})
	}
	return &QueryCache{
		client:  client,
		ttl:     ttl,
		breaker: breaker,
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
}

func (c *QueryCache) call(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return c.breaker.Execute(func() error {
		err := resilience.WithTimeout(ctx, opTimeout, name, fn)
		if pkgredis.IsNilError(err) {
			return nil
		}
		return err
	})
}

// Get returns the cached result for query at generation.
func (c *QueryCache) Get(ctx context.Context, generation uint64, query string, limit int) (*Result, bool) {
	key := buildKey(generation, query, limit)
	var data string
	err := c.call(ctx, "cache-get", func(ctx context.Context) error {
		var err error
		data, err = c.client.Get(ctx, key)
		return err
	})
	if err != nil || data == "" {
		if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}
	var result Result
	if err := json.Unmarshal([]byte(data), &result); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
	c.logger.Debug("cache hit", "query", query, "key", key)
	return &result, true
}

func (c *QueryCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

func (c *QueryCache) Set(ctx context.Context, generation uint64, query string, limit int, result *Result) {
	key := buildKey(generation, query, limit)
	data, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	err = c.call(ctx, "cache-set", func(ctx context.Context) error {
		return c.client.Set(ctx, key, data, c.ttl)
	})
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached result, or runs computeFn once for all
// concurrent callers asking for the same key and caches its result. The
// boolean reports a cache hit.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	generation uint64,
	query string,
	limit int,
	computeFn func() (*Result, error),
) (*Result, bool, error) {
	if result, ok := c.Get(ctx, generation, query, limit); ok {
		return result, true, nil
	}
	key := buildKey(generation, query, limit)
	val, err, _ := c.group.Do(key, func() (any, error) {
		result, err := computeFn()
		if err != nil {
			return nil, err
		}
		c.Set(ctx, generation, query, limit, result)
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.(*Result), false, nil
}

// Invalidate drops every cached search result.
func (c *QueryCache) Invalidate(ctx context.Context) error {
	var deleted int64
	err := c.call(ctx, "cache-invalidate", func(ctx context.Context) error {
		var err error
		deleted, err = c.client.FlushByPattern(ctx, keyPrefix+"*")
		return err
	})
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidate", "keys_deleted", deleted)
	return nil
}

// Check fails while the circuit around the backend is open, that is while
// searches bypass the cache.
func (c *QueryCache) Check(context.Context) error {
	if state := c.breaker.GetState(); state == resilience.StateOpen {
		return fmt.Errorf("search cache bypassed: circuit %s", state)
	}
	return nil
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// buildKey hashes the whitespace-normalised query. Case is kept: AND and
// and mean different things.
func buildKey(generation uint64, query string, limit int) string {
	normalized := strings.Join(strings.Fields(query), " ")
	raw := fmt.Sprintf("%s:limit=%d", normalized, limit)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%d:%x", keyPrefix, generation, hash[:16])
}
