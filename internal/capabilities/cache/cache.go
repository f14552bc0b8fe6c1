// Package cache memoises successful capability results in Redis.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/opentalon/relay/internal/capability"
	"github.com/opentalon/relay/internal/logging"
	"github.com/opentalon/relay/internal/metrics"
)

const (
	DefaultTTL    = 10 * time.Minute
	DefaultPrefix = "relay:capability:"
)

type Cache struct {
	client  redis.Cmdable
	ttl     time.Duration
	prefix  string
	logger  *zap.Logger
	metrics *metrics.Recorder
}

type Option func(*Cache)

func WithPrefix(p string) Option {
	return func(c *Cache) { c.prefix = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = logging.OrNop(l) }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Cache) { c.metrics = m }
}

func New(client redis.Cmdable, ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		client: client,
		ttl:    ttl,
		prefix: DefaultPrefix,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Wrap returns a capability with the same descriptor whose successful
// results are served from the cache for the TTL. Failures always run the
// underlying capability again.
func (c *Cache) Wrap(inner capability.Capability) capability.Capability {
	return &cached{cache: c, inner: inner}
}

type entry struct {
	Payload map[string]any `json:"payload"`
	Summary string         `json:"summary,omitempty"`
}

type cached struct {
	cache *Cache
	inner capability.Capability
}

func (w *cached) Descriptor() capability.Descriptor { return w.inner.Descriptor() }

func (w *cached) Execute(ctx context.Context, params capability.Params) capability.Result {
	name := w.inner.Descriptor().Name
	key, err := w.cache.key(name, params)
	if err != nil {
		return w.inner.Execute(ctx, params)
	}

	if res, ok := w.cache.get(ctx, name, key); ok {
		w.cache.metrics.Cache(name, true)
		return res
	}
	w.cache.metrics.Cache(name, false)

	res := w.inner.Execute(ctx, params)
	if res.OK() {
		w.cache.set(ctx, name, key, res)
	}
	return res
}

func (c *Cache) key(name string, params capability.Params) (string, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(b)
	return c.prefix + name + ":" + hex.EncodeToString(h.Sum(nil)), nil
}

func (c *Cache) get(ctx context.Context, name, key string) (capability.Result, bool) {
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return capability.Result{}, false
	}
	if err != nil {
		c.logger.Warn("capability cache read failed", zap.String("capability", name), zap.Error(err))
		return capability.Result{}, false
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn("discarding corrupt cache entry", zap.String("capability", name), zap.Error(err))
		return capability.Result{}, false
	}
	return capability.Success(e.Payload, e.Summary), true
}

func (c *Cache) set(ctx context.Context, name, key string, res capability.Result) {
	raw, err := json.Marshal(entry{Payload: res.Payload, Summary: res.Summary})
	if err != nil {
		c.logger.Warn("capability result not cacheable", zap.String("capability", name), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("capability cache write failed", zap.String("capability", name), zap.Error(err))
	}
}
