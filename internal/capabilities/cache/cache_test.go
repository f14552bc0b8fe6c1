package cache

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/opentalon/relay/internal/capability"
	"github.com/opentalon/relay/internal/metrics"
)

type counting struct {
	calls atomic.Int32
	fail  bool
}

func (c *counting) Descriptor() capability.Descriptor {
	return capability.Descriptor{Name: "get_weather"}
}

func (c *counting) Execute(_ context.Context, params capability.Params) capability.Result {
	n := c.calls.Add(1)
	if c.fail {
		return capability.Fail(capability.ExecutionError, "upstream down")
	}
	city, _ := params.String("city")
	return capability.Success(map[string]any{"city": city, "call": int(n)}, "sunny in "+city)
}

func setup(t *testing.T, opts ...Option) (*miniredis.Miniredis, *Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, New(client, time.Minute, opts...)
}

func TestCacheHitAfterMiss(t *testing.T) {
	_, c := setup(t)
	inner := &counting{}
	wrapped := c.Wrap(inner)
	ctx := context.Background()

	first := wrapped.Execute(ctx, capability.Params{"city": "Rome"})
	second := wrapped.Execute(ctx, capability.Params{"city": "Rome"})
	if !first.OK() || !second.OK() {
		t.Fatal("unexpected failure")
	}
	if inner.calls.Load() != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls.Load())
	}
	if second.Summary != "sunny in Rome" || second.Payload["city"] != "Rome" {
		t.Errorf("cached result = %+v", second)
	}

	wrapped.Execute(ctx, capability.Params{"city": "Oslo"})
	if inner.calls.Load() != 2 {
		t.Error("different params must not share an entry")
	}
	if wrapped.Descriptor().Name != "get_weather" {
		t.Error("descriptor should pass through")
	}
}

func TestCacheExpires(t *testing.T) {
	mr, c := setup(t)
	inner := &counting{}
	wrapped := c.Wrap(inner)

	wrapped.Execute(context.Background(), capability.Params{"city": "Rome"})
	mr.FastForward(2 * time.Minute)
	wrapped.Execute(context.Background(), capability.Params{"city": "Rome"})
	if inner.calls.Load() != 2 {
		t.Errorf("inner calls = %d, want 2 after expiry", inner.calls.Load())
	}
}

func TestCacheSkipsFailures(t *testing.T) {
	mr, c := setup(t)
	inner := &counting{fail: true}
	wrapped := c.Wrap(inner)

	for i := 0; i < 2; i++ {
		if res := wrapped.Execute(context.Background(), capability.Params{"city": "Rome"}); res.OK() {
			t.Fatal("expected failure")
		}
	}
	if inner.calls.Load() != 2 {
		t.Errorf("inner calls = %d, failures must not be cached", inner.calls.Load())
	}
	if keys := mr.Keys(); len(keys) != 0 {
		t.Errorf("keys = %v", keys)
	}
}

func TestCacheKeyLayout(t *testing.T) {
	mr, c := setup(t, WithPrefix("test:"))
	c.Wrap(&counting{}).Execute(context.Background(), capability.Params{"city": "Rome"})
	keys := mr.Keys()
	if len(keys) != 1 || !strings.HasPrefix(keys[0], "test:get_weather:") {
		t.Errorf("keys = %v", keys)
	}
	if ttl := mr.TTL(keys[0]); ttl != time.Minute {
		t.Errorf("ttl = %s", ttl)
	}
}

func TestCacheUnavailableFallsThrough(t *testing.T) {
	mr, c := setup(t)
	mr.Close()
	inner := &counting{}
	res := c.Wrap(inner).Execute(context.Background(), capability.Params{"city": "Rome"})
	if !res.OK() || inner.calls.Load() != 1 {
		t.Errorf("res = %+v, calls = %d", res, inner.calls.Load())
	}
}

func TestCacheMetrics(t *testing.T) {
	m := metrics.New()
	_, c := setup(t, WithMetrics(m))
	wrapped := c.Wrap(&counting{})
	wrapped.Execute(context.Background(), capability.Params{"city": "Rome"})
	wrapped.Execute(context.Background(), capability.Params{"city": "Rome"})

	exp := `
# HELP relay_capability_cache_total Capability result cache lookups by capability and result.
# TYPE relay_capability_cache_total counter
relay_capability_cache_total{capability="get_weather",result="hit"} 1
relay_capability_cache_total{capability="get_weather",result="miss"} 1
`
	if err := testutil.GatherAndCompare(m.Gatherer(), strings.NewReader(exp), "relay_capability_cache_total"); err != nil {
		t.Error(err)
	}
}
