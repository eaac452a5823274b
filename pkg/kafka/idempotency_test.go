package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestMemoryIdempotencyStore_AddAndContains(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	ctx := context.Background()

	got, err := store.Contains(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, store.Add(ctx, "evt-1"))
	got, err = store.Contains(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, got)
}

func TestMemoryIdempotencyStore_Expiry(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "evt-expire"))
	clock = clock.Add(59 * time.Second)
	got, _ := store.Contains(ctx, "evt-expire")
	assert.True(t, got)

	clock = clock.Add(time.Second)
	got, err := store.Contains(ctx, "evt-expire")
	require.NoError(t, err)
	assert.False(t, got)
	assert.Equal(t, 0, store.Len(), "expired entry is removed on lookup")
}

func TestMemoryIdempotencyStore_SweepsOnGrowth(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }
	ctx := context.Background()

	for i := 0; i < minSweep-1; i++ {
		require.NoError(t, store.Add(ctx, fmt.Sprintf("old-%d", i)))
	}
	clock = clock.Add(2 * time.Minute)
	require.NoError(t, store.Add(ctx, "fresh"))

	assert.Equal(t, 1, store.Len())
	got, _ := store.Contains(ctx, "fresh")
	assert.True(t, got)
}

func TestMemoryIdempotencyStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.Add(ctx, "evt-concurrent")
			_, _ = store.Contains(ctx, "evt-concurrent")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, store.Len())
}

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisIdempotencyStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisIdempotencyStore(client, "audit:seen:", ttl), mr
}

func TestRedisIdempotencyStore_AddAndContains(t *testing.T) {
	store, mr := newRedisStore(t, time.Hour)
	ctx := context.Background()

	got, err := store.Contains(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, store.Add(ctx, "evt-1"))
	got, err = store.Contains(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, got)

	assert.True(t, mr.Exists("audit:seen:evt-1"))
	assert.Equal(t, time.Hour, mr.TTL("audit:seen:evt-1"))
}

func TestRedisIdempotencyStore_Expiry(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Add(ctx, "evt-1"))
	mr.FastForward(2 * time.Minute)

	got, err := store.Contains(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, got)
}

func TestRedisIdempotencyStore_ServerDown(t *testing.T) {
	store, mr := newRedisStore(t, time.Minute)
	mr.Close()

	_, err := store.Contains(context.Background(), "evt-1")
	assert.Error(t, err)
}

func countingHandler(calls *int32, err error) Handler {
	return func(context.Context, *Message) error {
		atomic.AddInt32(calls, 1)
		return err
	}
}

func TestIdempotentHandler_SkipsDuplicates(t *testing.T) {
	var calls int32
	handler := IdempotentHandler(NewMemoryIdempotencyStore(time.Minute), countingHandler(&calls, nil), testLogger())

	msg := &Message{ID: "evt-dup", Type: "booking.created"}
	require.NoError(t, handler(context.Background(), msg))
	require.NoError(t, handler(context.Background(), msg))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestIdempotentHandler_EmptyIDPassesThrough(t *testing.T) {
	var calls int32
	handler := IdempotentHandler(NewMemoryIdempotencyStore(time.Minute), countingHandler(&calls, nil), testLogger())

	msg := &Message{}
	require.NoError(t, handler(context.Background(), msg))
	require.NoError(t, handler(context.Background(), msg))

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestIdempotentHandler_FailureNotRecorded(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	var calls int32
	handler := IdempotentHandler(store, countingHandler(&calls, errors.New("insert failed")), testLogger())

	msg := &Message{ID: "evt-fail"}
	assert.Error(t, handler(context.Background(), msg))
	assert.Error(t, handler(context.Background(), msg))

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, store.Len())
}

type brokenStore struct{}

func (brokenStore) Contains(context.Context, string) (bool, error) {
	return false, errors.New("redis: connection refused")
}
func (brokenStore) Add(context.Context, string) error { return errors.New("redis: connection refused") }

func TestIdempotentHandler_StoreFailureStillProcesses(t *testing.T) {
	var calls int32
	handler := IdempotentHandler(brokenStore{}, countingHandler(&calls, nil), testLogger())

	require.NoError(t, handler(context.Background(), &Message{ID: "evt-1"}))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
