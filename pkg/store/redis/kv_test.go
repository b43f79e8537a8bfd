package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mycosoft/mascore/pkg/config"
	"github.com/mycosoft/mascore/pkg/store"
)

func testKV(t *testing.T) (*KV, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	kv := NewKVFromClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = kv.Close() })
	return kv, mr
}

func TestNewKVConnects(t *testing.T) {
	mr := miniredis.RunT(t)

	kv, err := NewKV(context.Background(), &config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer kv.Close()

	assert.NoError(t, kv.Ready(context.Background()))
}

func TestNewKVUnreachable(t *testing.T) {
	_, err := NewKV(context.Background(), &config.RedisConfig{Addr: "localhost:1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestKVPutGetDelete(t *testing.T) {
	kv, _ := testKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Put(ctx, "session:abc", []byte(`{"turn":1}`), 0))

	got, err := kv.Get(ctx, "session:abc")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"turn":1}`), got)

	require.NoError(t, kv.Delete(ctx, "session:abc"))
	_, err = kv.Get(ctx, "session:abc")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestKVTTLExpiry(t *testing.T) {
	kv, mr := testKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Put(ctx, "working:t1", []byte("x"), time.Minute))

	_, err := kv.Get(ctx, "working:t1")
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = kv.Get(ctx, "working:t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestKVDeletePrefix(t *testing.T) {
	kv, _ := testKV(t)
	ctx := context.Background()

	require.NoError(t, kv.Put(ctx, "session:a:1", []byte("1"), 0))
	require.NoError(t, kv.Put(ctx, "session:a:2", []byte("2"), 0))
	require.NoError(t, kv.Put(ctx, "profile:u1", []byte("3"), 0))

	count, err := kv.DeletePrefix(ctx, "session:a:")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = kv.Get(ctx, "profile:u1")
	assert.NoError(t, err)
}

func TestKVCounter(t *testing.T) {
	kv, mr := testKV(t)
	ctx := context.Background()

	n, err := kv.Incr(ctx, "ratelimit:agent-1", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = kv.Incr(ctx, "ratelimit:agent-1", 2, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = kv.Decr(ctx, "ratelimit:agent-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// The TTL set on creation expires the counter.
	mr.FastForward(2 * time.Minute)
	n, err = kv.Incr(ctx, "ratelimit:agent-1", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestKVReadyAfterServerStop(t *testing.T) {
	kv, mr := testKV(t)
	mr.Close()

	err := kv.Ready(context.Background())
	assert.ErrorIs(t, err, store.ErrUnavailable)
}
