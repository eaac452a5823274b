package database

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"

	"github.com/MidhunGopi/AeroLux/pkg/logger"
)

func miniredisConfig(t *testing.T, mr *miniredis.Miniredis) RedisConfig {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	cfg := DefaultRedisConfig()
	cfg.Host = mr.Host()
	cfg.Port = port
	return cfg
}

func TestRedisConfig_Addr(t *testing.T) {
	assert.Equal(t, "localhost:6379", DefaultRedisConfig().Addr())
	assert.Equal(t, "[::1]:6380", RedisConfig{Host: "::1", Port: 6380}.Addr())
}

func TestNewRedisClient_Connects(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), miniredisConfig(t, mr))
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "lock:booking:1", "owner", time.Minute).Err())
	got, err := mr.Get("lock:booking:1")
	require.NoError(t, err)
	assert.Equal(t, "owner", got)
}

func TestNewRedisClient_PingFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := miniredisConfig(t, mr)
	mr.Close()

	_, err := NewRedisClient(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "ping redis "+cfg.Addr())
}

func TestRedisTracing_CommandSpans(t *testing.T) {
	exporter := setupTestTracer(t)
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), miniredisConfig(t, mr))
	require.NoError(t, err)
	defer client.Close()
	exporter.Reset()

	ctx := logger.WithSagaID(context.Background(), "saga-42")
	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	_, err = client.Get(ctx, "missing").Result()
	require.ErrorIs(t, err, redis.Nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)

	assert.Equal(t, "redis.set", spans[0].Name)
	attrs := spanAttrs(spans[0])
	assert.Equal(t, "redis", attrs["db.system"])
	assert.Equal(t, "set", attrs["db.operation"])
	assert.Equal(t, "saga-42", attrs["saga.id"])

	assert.Equal(t, "redis.get", spans[1].Name)
	assert.NotEqual(t, codes.Error, spans[1].Status.Code, "a miss is not an error")
}

func TestRedisTracing_PipelineSpan(t *testing.T) {
	exporter := setupTestTracer(t)
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), miniredisConfig(t, mr))
	require.NoError(t, err)
	defer client.Close()
	exporter.Reset()

	_, err = client.Pipelined(context.Background(), func(p redis.Pipeliner) error {
		p.Set(context.Background(), "a", "1", 0)
		p.Set(context.Background(), "b", "2", 0)
		return nil
	})
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "redis.pipeline", spans[0].Name)
	assert.Equal(t, "2", spanAttrs(spans[0])["db.redis.pipeline_length"])
}

func TestRedisTracing_ServerErrorMarksSpan(t *testing.T) {
	exporter := setupTestTracer(t)
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), miniredisConfig(t, mr))
	require.NoError(t, err)
	defer client.Close()
	exporter.Reset()

	mr.SetError("ERR injected failure")
	require.Error(t, client.Get(context.Background(), "k").Err())

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}
