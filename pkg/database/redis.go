package database

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MidhunGopi/AeroLux/pkg/logger"
	"github.com/MidhunGopi/AeroLux/pkg/tracing"
)

// RedisConfig holds Redis connection settings. Zero durations and pool
// sizes fall back to go-redis defaults.
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig targets a local Redis with short timeouts. The lock and
// idempotency paths would rather fail fast than stall a saga step.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Host:         "localhost",
		Port:         6379,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	}
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c RedisConfig) options() *redis.Options {
	return &redis.Options{
		Addr:         c.Addr(),
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
	}
}

// NewRedisClient opens a traced client and pings it. The client is closed
// if the ping fails.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(cfg.options())
	client.AddHook(redisTracingHook{addr: cfg.Addr()})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr(), err)
	}
	return client, nil
}

// redisTracingHook opens a client span per command or pipeline. A nil
// reply is a cache miss, not a failure.
type redisTracingHook struct {
	addr string
}

func (h redisTracingHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h redisTracingHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		ctx, span := h.start(ctx, "redis."+cmd.Name(), attribute.String("db.operation", cmd.Name()))
		defer span.End()

		err := next(ctx, cmd)
		h.finish(span, err)
		return err
	}
}

func (h redisTracingHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		ctx, span := h.start(ctx, "redis.pipeline", attribute.Int("db.redis.pipeline_length", len(cmds)))
		defer span.End()

		err := next(ctx, cmds)
		h.finish(span, err)
		return err
	}
}

func (h redisTracingHook) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("db.system", "redis"),
		attribute.String("server.address", h.addr),
	)
	if sagaID := logger.SagaIDFromContext(ctx); sagaID != "" {
		attrs = append(attrs, tracing.SagaID.String(sagaID))
	}
	return tracing.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

func (redisTracingHook) finish(span trace.Span, err error) {
	if errors.Is(err, redis.Nil) {
		return
	}
	tracing.Fail(span, err)
}
