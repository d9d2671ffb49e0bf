package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/job-dispatch/internal/errs"
)

func exerciseKeys(t *testing.T, k Keys) {
	t.Helper()
	ctx := context.Background()

	id, ok, err := k.Reserve(ctx, "k1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, id)

	id, ok, err = k.Reserve(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, id, "in flight")

	require.NoError(t, k.Bind(ctx, "k1", "job-1"))
	id, ok, err = k.Reserve(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "job-1", id)

	require.NoError(t, k.Release(ctx, "k1"))
	id, _, err = k.Reserve(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", id, "bound keys survive release")

	_, ok, err = k.Reserve(ctx, "k2")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, k.Release(ctx, "k2"))
	_, ok, err = k.Reserve(ctx, "k2")
	require.NoError(t, err)
	assert.True(t, ok, "released keys can be reserved again")

	var winners atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, err := k.Reserve(ctx, "race"); err == nil && ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), winners.Load())
}

func TestMemoryKeys(t *testing.T) {
	exerciseKeys(t, NewMemoryKeys(time.Hour))
}

func TestMemoryKeysExpire(t *testing.T) {
	k := NewMemoryKeys(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	k.now = func() time.Time { return now }
	ctx := context.Background()

	_, ok, err := k.Reserve(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, k.Bind(ctx, "k", "job"))

	now = now.Add(2 * time.Minute)
	_, ok, err = k.Reserve(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryKeysSweepAtMostOncePerInterval(t *testing.T) {
	k := NewMemoryKeys(10 * time.Second)
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := t0
	k.now = func() time.Time { return now }
	ctx := context.Background()
	reserve := func(key string) {
		_, ok, err := k.Reserve(ctx, key)
		require.NoError(t, err)
		require.True(t, ok, key)
	}

	reserve("a")
	reserve("b")

	now = t0.Add(20 * time.Second)
	reserve("c")
	assert.Len(t, k.keys, 3, "expired keys stay until the next sweep")

	now = t0.Add(sweepEvery + time.Second)
	reserve("d")
	assert.Len(t, k.keys, 1)
	assert.Contains(t, k.keys, "d")
}

func TestValidKey(t *testing.T) {
	assert.NoError(t, ValidKey("abc"))
	assert.ErrorIs(t, ValidKey(" "), errs.ErrValidation)
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	assert.ErrorIs(t, ValidKey(string(long)), errs.ErrValidation)
}

func TestRedisKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { _ = client.Close() })

	exerciseKeys(t, NewRedisKeys(client, time.Hour))
}
