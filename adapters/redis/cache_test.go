package redis_test

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deicod/asyncjinja/adapters/redis"
	"github.com/deicod/asyncjinja/runtime"
)

func newClient(t *testing.T) (*miniredis.Miniredis, *backend.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func bucketFor(name, source string) *runtime.Bucket {
	return runtime.NewBucket(name, "", source)
}

func TestCache_RoundTrip(t *testing.T) {
	mr, client := newClient(t)
	cache := redis.NewFromClient(client)
	ctx := context.Background()

	stored := bucketFor("page", "v1")
	stored.Artifact = []byte("artifact")
	require.NoError(t, cache.Store(ctx, stored))
	assert.True(t, mr.Exists(redis.DefaultPrefix+stored.Key))

	hit := bucketFor("page", "v1")
	require.NoError(t, cache.Load(ctx, hit))
	assert.Equal(t, []byte("artifact"), hit.Artifact)

	miss := bucketFor("absent", "v1")
	require.NoError(t, cache.Load(ctx, miss))
	assert.Nil(t, miss.Artifact)
}

func TestCache_ChecksumChangeIsMiss(t *testing.T) {
	_, client := newClient(t)
	cache := redis.NewFromClient(client)
	ctx := context.Background()

	stored := bucketFor("page", "v1")
	stored.Artifact = []byte("artifact")
	require.NoError(t, cache.Store(ctx, stored))

	changed := bucketFor("page", "v2")
	require.NoError(t, cache.Load(ctx, changed))
	assert.Nil(t, changed.Artifact)
}

func TestCache_CorruptValueIsMiss(t *testing.T) {
	mr, client := newClient(t)
	cache := redis.NewFromClient(client)

	bucket := bucketFor("page", "v1")
	require.NoError(t, mr.Set(redis.DefaultPrefix+bucket.Key, "not cbor"))
	require.NoError(t, cache.Load(context.Background(), bucket))
	assert.Nil(t, bucket.Artifact)
}

func TestCache_PrefixAndTTL(t *testing.T) {
	mr, client := newClient(t)
	cache := redis.NewFromClient(client, redis.WithPrefix("tpl:"), redis.WithTTL(time.Minute))
	ctx := context.Background()
	assert.Equal(t, "tpl:", cache.Prefix())

	stored := bucketFor("page", "v1")
	stored.Artifact = []byte("artifact")
	require.NoError(t, cache.Store(ctx, stored))

	key := "tpl:" + stored.Key
	require.True(t, mr.Exists(key))
	assert.Equal(t, time.Minute, mr.TTL(key))

	mr.FastForward(2 * time.Minute)
	expired := bucketFor("page", "v1")
	require.NoError(t, cache.Load(ctx, expired))
	assert.Nil(t, expired.Artifact)
}

func TestCache_ClearOnlyRemovesPrefixedKeys(t *testing.T) {
	mr, client := newClient(t)
	cache := redis.NewFromClient(client)
	ctx := context.Background()

	// More keys than one SCAN page.
	for i := 0; i < 250; i++ {
		b := bucketFor(fmt.Sprintf("page-%d", i), "v")
		b.Artifact = []byte("x")
		require.NoError(t, cache.Store(ctx, b))
	}
	require.NoError(t, mr.Set("other:key", "keep"))

	require.NoError(t, cache.Clear(ctx))
	assert.Equal(t, []string{"other:key"}, mr.Keys())
}

func TestCache_BackendDownIsAbsorbed(t *testing.T) {
	mr, client := newClient(t)
	var logs bytes.Buffer
	cache := redis.NewFromClient(client, redis.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	ctx := context.Background()
	mr.Close()

	bucket := bucketFor("page", "v1")
	bucket.Artifact = []byte("stale")
	require.NoError(t, cache.Load(ctx, bucket))
	assert.Nil(t, bucket.Artifact)

	stored := bucketFor("page", "v1")
	stored.Artifact = []byte("artifact")
	require.NoError(t, cache.Store(ctx, stored))
	assert.Contains(t, logs.String(), "op=load")
	assert.Contains(t, logs.String(), "op=store")
	assert.Contains(t, logs.String(), runtime.ErrBackendUnavailable.Error())
	require.ErrorIs(t, cache.Clear(ctx), runtime.ErrBackendUnavailable)

	env := runtime.NewEnvironment(
		runtime.WithLoader(runtime.NewMapLoader(map[string]string{"page": "hello {{ name }}"})),
		runtime.WithBytecodeCache(cache),
	)
	tmpl, err := env.GetTemplate(ctx, "page", "", nil)
	require.NoError(t, err)
	out, err := tmpl.Render(ctx, map[string]interface{}{"name": "redis"})
	require.NoError(t, err)
	assert.Equal(t, "hello redis", out)
}

func TestCache_SharedBetweenEnvironments(t *testing.T) {
	mr, client := newClient(t)
	cache := redis.NewFromClient(client)
	ctx := context.Background()
	templates := map[string]string{"page": "{% for i in range(3) %}{{ i }}{% endfor %}"}

	render := func() string {
		env := runtime.NewEnvironment(
			runtime.WithLoader(runtime.NewMapLoader(templates)),
			runtime.WithBytecodeCache(cache),
		)
		tmpl, err := env.GetTemplate(ctx, "page", "", nil)
		require.NoError(t, err)
		out, err := tmpl.Render(ctx, nil)
		require.NoError(t, err)
		return out
	}

	assert.Equal(t, "012", render())
	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], redis.DefaultPrefix))

	assert.Equal(t, "012", render())
	assert.Len(t, mr.Keys(), 1)
}

func TestCache_CloseOwnership(t *testing.T) {
	mr, client := newClient(t)
	ctx := context.Background()

	borrowed := redis.NewFromClient(client)
	require.NoError(t, borrowed.Close())
	require.NoError(t, client.Ping(ctx).Err(), "borrowed client must stay open")

	owned := redis.New(mr.Addr(), "", 0)
	require.NoError(t, owned.Close())
	bucket := bucketFor("page", "v1")
	assert.ErrorIs(t, owned.Load(ctx, bucket), runtime.ErrBackendUnavailable)
}

func TestNewFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	cache, err := redis.NewFromURL("redis://" + mr.Addr() + "/0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	stored := bucketFor("page", "v1")
	stored.Artifact = []byte("artifact")
	require.NoError(t, cache.Store(context.Background(), stored))
	assert.True(t, mr.Exists(redis.DefaultPrefix+stored.Key))

	_, err = redis.NewFromURL("://bad")
	assert.Error(t, err)
}
