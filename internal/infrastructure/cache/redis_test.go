package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/matterdock/matterdock-backend/internal/infrastructure/config"
	"github.com/matterdock/matterdock-backend/internal/ports"
)

func setupKV(t *testing.T) (*RedisKV, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	cfg := &config.RedisConfig{
		URL:          mr.Addr(),
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}

	kv, err := NewRedisKV(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		kv.Close()
		mr.Close()
	})

	return kv, mr
}

func TestRedisKV_New(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		kv, err := NewRedisKV(nil, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, kv)
	})

	t.Run("nil logger", func(t *testing.T) {
		kv, err := NewRedisKV(&config.RedisConfig{}, nil)
		assert.Error(t, err)
		assert.Nil(t, kv)
	})

	t.Run("unreachable server", func(t *testing.T) {
		cfg := &config.RedisConfig{
			URL:         "127.0.0.1:1",
			DialTimeout: 100 * time.Millisecond,
		}
		kv, err := NewRedisKV(cfg, zaptest.NewLogger(t))
		assert.Error(t, err)
		assert.Nil(t, kv)
	})
}

func TestRedisKV_GetSet(t *testing.T) {
	kv, _ := setupKV(t)
	ctx := context.Background()

	_, err := kv.Get(ctx, "missing")
	var notFound ports.ErrKeyNotFound
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.Key)

	require.NoError(t, kv.Set(ctx, "k", "v"))

	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestRedisKV_SetExExpires(t *testing.T) {
	kv, mr := setupKV(t)
	ctx := context.Background()

	require.NoError(t, kv.SetEx(ctx, "k", "v", time.Hour))

	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	mr.FastForward(time.Hour + time.Second)

	_, err = kv.Get(ctx, "k")
	var notFound ports.ErrKeyNotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestRedisKV_Delete(t *testing.T) {
	kv, _ := setupKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "a", "1"))
	require.NoError(t, kv.Set(ctx, "b", "2"))

	deleted, err := kv.Delete(ctx, "a", "b", "ghost")
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	deleted, err = kv.Delete(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestRedisKV_ScanPages(t *testing.T) {
	kv, _ := setupKV(t)
	ctx := context.Background()

	for _, k := range []string{"scoped:x:1", "scoped:x:2", "scoped:y:1"} {
		require.NoError(t, kv.Set(ctx, k, "v"))
	}

	var collected []string
	var cursor uint64
	for {
		keys, next, err := kv.Scan(ctx, cursor, "scoped:x:*", 1)
		require.NoError(t, err)
		collected = append(collected, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	assert.ElementsMatch(t, []string{"scoped:x:1", "scoped:x:2"}, collected)
}
