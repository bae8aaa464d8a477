package memory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortTermBackends(t *testing.T, capacity int, fn func(t *testing.T, s ShortTermStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewInMemoryShortTerm(capacity))
	})
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		fn(t, NewRedisShortTerm(client, RedisShortTermConfig{Cap: capacity}))
	})
}

func TestShortTerm_AppendLoadClear(t *testing.T) {
	shortTermBackends(t, 0, func(t *testing.T, s ShortTermStore) {
		ctx := context.Background()
		for _, text := range []string{"one", "two", "three"} {
			require.NoError(t, s.Append(ctx, "inst-1", text))
		}
		require.NoError(t, s.Append(ctx, "inst-2", "other"))

		got, err := s.Load(ctx, "inst-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two", "three"}, got)

		require.NoError(t, s.Clear(ctx, "inst-1"))
		got, err = s.Load(ctx, "inst-1")
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = s.Load(ctx, "inst-2")
		require.NoError(t, err)
		assert.Equal(t, []string{"other"}, got)
	})
}

func TestShortTerm_CapDropsOldest(t *testing.T) {
	shortTermBackends(t, 2, func(t *testing.T, s ShortTermStore) {
		ctx := context.Background()
		for _, text := range []string{"a", "b", "c"} {
			require.NoError(t, s.Append(ctx, "inst", text))
		}
		got, err := s.Load(ctx, "inst")
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c"}, got)
	})
}

func TestInMemoryShortTerm_LoadReturnsCopy(t *testing.T) {
	s := NewInMemoryShortTerm(0)
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "inst", "a"))

	got, err := s.Load(ctx, "inst")
	require.NoError(t, err)
	got[0] = "mutated"

	again, err := s.Load(ctx, "inst")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, again)
}

func TestRedisShortTerm_TTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisShortTerm(client, RedisShortTermConfig{Prefix: "test:", TTL: time.Minute})
	ctx := context.Background()
	require.NoError(t, s.Append(ctx, "inst", "hello"))

	assert.True(t, mr.Exists("test:inst"))
	assert.Equal(t, time.Minute, mr.TTL("test:inst"))

	mr.FastForward(2 * time.Minute)
	got, err := s.Load(ctx, "inst")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisShortTerm_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	s := NewRedisShortTerm(client, RedisShortTermConfig{})
	require.Error(t, s.Append(context.Background(), "inst", "hello"))
}
