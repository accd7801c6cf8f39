package redis

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wc_sign/internal/storage"
)

// Runs against a live server when WC_TEST_REDIS is set, e.g. localhost:6379.
func newTestService(t *testing.T) *RedisService {
	addr := os.Getenv("WC_TEST_REDIS")
	if addr == "" {
		t.Skip("WC_TEST_REDIS not set")
	}
	return NewRedis(redis.NewClient(&redis.Options{Addr: addr}))
}

func TestStorage(t *testing.T) {
	ctx := context.Background()
	s := NewStorage(newTestService(t), "wc-test:"+t.Name()+":")
	require.NoError(t, s.Init(ctx))
	defer s.Close()
	require.NoError(t, s.Clear(ctx))

	_, err := s.GetItem(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, storage.Set(ctx, s, "a", map[string]int{"n": 1}))
	got, err := storage.Get[map[string]int](ctx, s, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, got["n"])

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, keys)

	require.NoError(t, s.Clear(ctx))
	keys, err = s.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestDrain(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	key := "wc-test:drain"
	require.NoError(t, svc.Del(ctx, key))
	require.NoError(t, svc.RPush(ctx, key, "a", "b"))

	vals, err := svc.Drain(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, vals)

	vals, err = svc.LRange(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, vals)
}
