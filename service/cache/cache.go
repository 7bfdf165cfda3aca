package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/agentpay/service/metrics"
	"golang.org/x/sync/singleflight"
)

// Backend stores encoded values with a TTL.
// Get reports found=false for missing or expired keys.
type Backend interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// LoadTimeout bounds one shared load. Loads run detached from the caller that
// started them, so one caller giving up does not fail the others.
const LoadTimeout = 10 * time.Second

// TTL is a read-through cache for values that go stale within seconds.
// Concurrent misses for the same key share one load. There is no invalidation:
// entries simply expire, and the last writer within a TTL window wins.
type TTL[T any] struct {
	name    string
	backend Backend
	ttl     time.Duration
	group   singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewTTL creates a cache named name (used as key prefix and metric label).
func NewTTL[T any](name string, backend Backend, ttl time.Duration, m *metrics.Metrics, logger *slog.Logger) *TTL[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &TTL[T]{name: name, backend: backend, ttl: ttl, metrics: m, logger: logger}
}

// Get returns the cached value for key or calls load and caches its result.
// Backend failures are logged and fall through to load.
func (c *TTL[T]) Get(ctx context.Context, key string, load func(ctx context.Context) (T, error)) (T, error) {
	fullKey := c.name + ":" + key

	if raw, found, err := c.backend.Get(ctx, fullKey); err != nil {
		c.logger.WarnContext(ctx, "cache backend read failed", "cache", c.name, "error", err)
	} else if found {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			c.metrics.RecordCacheLookup(c.name, true)
			return v, nil
		}
	}
	c.metrics.RecordCacheLookup(c.name, false)

	ch := c.group.DoChan(fullKey, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), LoadTimeout)
		defer cancel()

		v, err := load(loadCtx)
		if err != nil {
			return v, err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return v, fmt.Errorf("failed to encode %s cache entry: %w", c.name, err)
		}
		if err := c.backend.Set(loadCtx, fullKey, raw, c.ttl); err != nil {
			c.logger.WarnContext(ctx, "cache backend write failed", "cache", c.name, "error", err)
		}
		return v, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// MemoryBackend is an in-process Backend.
type MemoryBackend struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	now   func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryBackend creates an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: make(map[string]memoryEntry), now: time.Now}
}

func (b *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.items[key]
	if !ok {
		return nil, false, nil
	}
	if !b.now().Before(e.expiresAt) {
		delete(b.items, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (b *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[key] = memoryEntry{value: value, expiresAt: b.now().Add(ttl)}
	return nil
}
