package metrics_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deicod/asyncjinja/internal/metrics"
	"github.com/deicod/asyncjinja/runtime"
)

type failingCache struct{}

func (failingCache) Load(context.Context, *runtime.Bucket) error {
	return runtime.ErrBackendUnavailable
}

func (failingCache) Store(context.Context, *runtime.Bucket) error {
	return runtime.ErrBackendUnavailable
}

type closingCache struct {
	*runtime.MemoryBytecodeCache
	closed bool
}

func (c *closingCache) Close() error {
	c.closed = true
	return nil
}

func operations(t *testing.T, reg *prometheus.Registry, backend, op, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "asyncjinja_bytecode_cache_operations_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["backend"] == backend && labels["op"] == op && labels["result"] == result {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestInstrumentedCache_CountsHitsAndMisses(t *testing.T) {
	reg := prometheus.NewRegistry()
	collectors, err := metrics.New(reg)
	require.NoError(t, err)
	cache := collectors.Wrap("memory", runtime.NewMemoryBytecodeCache())
	ctx := context.Background()

	miss := runtime.NewBucket("page", "", "v1")
	require.NoError(t, cache.Load(ctx, miss))

	miss.Artifact = []byte("artifact")
	require.NoError(t, cache.Store(ctx, miss))

	hit := runtime.NewBucket("page", "", "v1")
	require.NoError(t, cache.Load(ctx, hit))
	assert.Equal(t, []byte("artifact"), hit.Artifact)

	assert.Equal(t, 1.0, operations(t, reg, "memory", "load", "miss"))
	assert.Equal(t, 1.0, operations(t, reg, "memory", "load", "hit"))
	assert.Equal(t, 1.0, operations(t, reg, "memory", "store", "ok"))
	assert.Equal(t, 2, testutil.CollectAndCount(reg, "asyncjinja_bytecode_cache_duration_seconds"))
}

func TestInstrumentedCache_CountsErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	collectors, err := metrics.New(reg)
	require.NoError(t, err)
	cache := collectors.Wrap("redis", failingCache{})
	ctx := context.Background()

	bucket := runtime.NewBucket("page", "", "v1")
	assert.ErrorIs(t, cache.Load(ctx, bucket), runtime.ErrBackendUnavailable)
	assert.ErrorIs(t, cache.Store(ctx, bucket), runtime.ErrBackendUnavailable)
	assert.Equal(t, 1.0, operations(t, reg, "redis", "load", "error"))
	assert.Equal(t, 1.0, operations(t, reg, "redis", "store", "error"))

	var cfgErr *runtime.ConfigurationError
	assert.ErrorAs(t, cache.Clear(ctx), &cfgErr)
}

func TestInstrumentedCache_ForwardsClearAndClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	collectors, err := metrics.New(reg)
	require.NoError(t, err)
	inner := &closingCache{MemoryBytecodeCache: runtime.NewMemoryBytecodeCache()}
	cache := collectors.Wrap("memory", inner)
	ctx := context.Background()

	bucket := runtime.NewBucket("page", "", "v1")
	bucket.Artifact = []byte("artifact")
	require.NoError(t, cache.Store(ctx, bucket))
	require.NoError(t, cache.Clear(ctx))
	assert.Equal(t, 0, inner.Len())
	assert.Equal(t, 1.0, operations(t, reg, "memory", "clear", "ok"))

	env := runtime.NewEnvironment(runtime.WithOwnedBytecodeCache(cache))
	require.NoError(t, env.Close())
	assert.True(t, inner.closed)
	assert.Same(t, inner, cache.Unwrap())
}

func TestInstrumentedCache_ObservesEnvironment(t *testing.T) {
	reg := prometheus.NewRegistry()
	collectors, err := metrics.New(reg)
	require.NoError(t, err)
	cache := collectors.Wrap("memory", runtime.NewMemoryBytecodeCache())
	loader := runtime.NewMapLoader(map[string]string{"page": "{{ 1 + 1 }}"})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		env := runtime.NewEnvironment(runtime.WithLoader(loader), runtime.WithBytecodeCache(cache))
		tmpl, err := env.GetTemplate(ctx, "page", "", nil)
		require.NoError(t, err)
		out, err := tmpl.Render(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, "2", out)
	}

	assert.Equal(t, 1.0, operations(t, reg, "memory", "load", "miss"))
	assert.Equal(t, 1.0, operations(t, reg, "memory", "load", "hit"))
	assert.Equal(t, 1.0, operations(t, reg, "memory", "store", "ok"))
}

func TestNew_RejectsDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.New(reg)
	require.NoError(t, err)
	_, err = metrics.New(reg)
	var already prometheus.AlreadyRegisteredError
	assert.True(t, errors.As(err, &already))
}
