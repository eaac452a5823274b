package database

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MidhunGopi/AeroLux/pkg/logger"
	"github.com/MidhunGopi/AeroLux/pkg/tracing"
)

const tracerName = "github.com/MidhunGopi/AeroLux/pkg/database"

var queryDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of traced repository queries",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	},
	[]string{"operation", "outcome"},
)

type slowQueryPolicy struct {
	threshold time.Duration
	logger    *slog.Logger
}

var slowQueries atomic.Pointer[slowQueryPolicy]

// SetSlowQueryLogging warns through logger about every traced query slower
// than threshold. A zero threshold or nil logger turns it off.
func SetSlowQueryLogging(threshold time.Duration, logger *slog.Logger) {
	if threshold <= 0 || logger == nil {
		slowQueries.Store(nil)
		return
	}
	slowQueries.Store(&slowQueryPolicy{threshold: threshold, logger: logger})
}

// TraceQuery opens a client span for one repository statement and returns
// the function that closes it:
//
//	ctx, end := database.TraceQuery(ctx, "GetSaga", query)
//	defer func() { end(err) }()
//
// pgx.ErrNoRows is reported as a miss, not a failure.
func TraceQuery(ctx context.Context, operation, statement string) (context.Context, func(error)) {
	start := time.Now()
	sagaID := logger.SagaIDFromContext(ctx)

	attrs := []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", operation),
		attribute.String("db.statement", statement),
	}
	if sagaID != "" {
		attrs = append(attrs, tracing.SagaID.String(sagaID))
	}
	ctx, span := tracing.Tracer(tracerName).Start(ctx, "db."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	return ctx, func(err error) {
		elapsed := time.Since(start)
		outcome := "ok"
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			outcome = "no_rows"
		case err != nil:
			outcome = "error"
			tracing.Fail(span, err)
		}
		span.End()
		queryDuration.WithLabelValues(operation, outcome).Observe(elapsed.Seconds())

		if p := slowQueries.Load(); p != nil && elapsed >= p.threshold {
			logSlowQuery(ctx, p.logger, operation, statement, sagaID, elapsed, err)
		}
	}
}

func logSlowQuery(ctx context.Context, l *slog.Logger, operation, statement, sagaID string, elapsed time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("operation", operation),
		slog.String("statement", statement),
		slog.Duration("duration", elapsed),
	}
	if sagaID != "" {
		attrs = append(attrs, slog.String("saga_id", sagaID))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	l.LogAttrs(ctx, slog.LevelWarn, "slow query", attrs...)
}
