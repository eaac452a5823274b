// Package outbox relays committed outbox rows to the message bus.
//
// Delivery is at-least-once: a message is published first and marked
// processed afterwards, so a crash or failed mark between the two leads to a
// re-publish once the claim lease expires. Consumers de-duplicate on the
// message id.
//
// A dispatcher stops publishing a batch shortly before its lease runs out and
// only records outcomes for rows it still holds, so a slow batch cannot race
// a second dispatcher that reclaimed the same rows. Failed rows are held back
// with an exponential delay before they are due again.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
	"github.com/MidhunGopi/AeroLux/pkg/tracing"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

var tracer = tracing.Tracer("github.com/MidhunGopi/AeroLux/services/booking/internal/outbox")

// Store is the subset of the outbox repository the dispatcher needs.
type Store interface {
	ClaimUnprocessed(ctx context.Context, owner string, batchSize int, lease time.Duration) ([]domain.OutboxMessage, error)
	MarkProcessed(ctx context.Context, id, owner string) error
	MarkFailed(ctx context.Context, id, owner, cause string, retryIn time.Duration) (int, error)
}

// Publisher sends one message to the bus.
type Publisher interface {
	Publish(ctx context.Context, msg *domain.OutboxMessage) error
}

// Config tunes the dispatch loop.
type Config struct {
	PollInterval time.Duration
	// Lease is how long a claimed row stays invisible to other dispatchers.
	// It must exceed the time to publish and mark a whole batch.
	Lease     time.Duration
	BatchSize int
	// MaxRetries must match the store's ceiling; it only decides whether a
	// failure is reported as parked.
	MaxRetries int
	// Concurrency bounds parallel publishes. 1 keeps FIFO order.
	Concurrency int
	Owner       string
	MarkTimeout time.Duration
	// RetryBackoff is the delay before a failed message is due again. It
	// doubles per retry up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		Lease:        30 * time.Second,
		BatchSize:    100,
		MaxRetries:   5,
		Concurrency:  1,
		MarkTimeout:  5 * time.Second,

		RetryBackoff:    2 * time.Second,
		MaxRetryBackoff: time.Minute,
	}
}

// DefaultOwner names this process in claim leases.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "dispatcher"
	}
	return host + "-" + uuid.New().String()[:8]
}

// Result counts what one dispatch cycle did.
type Result struct {
	Claimed           int
	Published         int
	Failed            int
	Parked            int
	StateUpdateFailed int
	// Expired counts messages left alone because the lease ran out.
	Expired int
}

// Dispatcher polls the outbox and publishes claimed messages.
type Dispatcher struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	cfg       Config
}

// NewDispatcher fills unset config fields from DefaultConfig.
func NewDispatcher(store Store, publisher Publisher, logger *slog.Logger, cfg Config) *Dispatcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MarkTimeout <= 0 {
		cfg.MarkTimeout = def.MarkTimeout
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.MaxRetryBackoff < cfg.RetryBackoff {
		cfg.MaxRetryBackoff = max(def.MaxRetryBackoff, cfg.RetryBackoff)
	}
	if cfg.Owner == "" {
		cfg.Owner = DefaultOwner()
	}
	return &Dispatcher{
		store:     store,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run dispatches every PollInterval until ctx is cancelled. A full batch
// that went through cleanly is followed immediately by another cycle.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "outbox dispatcher started",
		slog.String("owner", d.cfg.Owner),
		slog.Duration("poll_interval", d.cfg.PollInterval),
		slog.Int("batch_size", d.cfg.BatchSize),
	)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.drain(ctx)

		select {
		case <-ctx.Done():
			d.logger.InfoContext(context.WithoutCancel(ctx), "outbox dispatcher stopped", slog.String("owner", d.cfg.Owner))
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for ctx.Err() == nil {
		res, err := d.DispatchOnce(ctx)
		if err != nil {
			d.logger.ErrorContext(ctx, "outbox dispatch cycle failed", slog.String("error", err.Error()))
			return
		}
		if !res.clean() || res.Claimed < d.cfg.BatchSize {
			return
		}
	}
}

// DispatchOnce claims one batch and publishes it. One message's failure
// never aborts the others; the error is reserved for a failed claim.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (Result, error) {
	ctx, span := tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	start := time.Now()
	leaseEnd := start.Add(d.cfg.Lease - min(d.cfg.MarkTimeout, d.cfg.Lease/5))
	msgs, err := d.store.ClaimUnprocessed(ctx, d.cfg.Owner, d.cfg.BatchSize, d.cfg.Lease)
	if err != nil {
		tracing.Fail(span, err)
		return Result{}, fmt.Errorf("claim outbox batch: %w", err)
	}

	res := Result{Claimed: len(msgs)}
	if len(msgs) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(d.cfg.Concurrency)
	for i := range msgs {
		msg := &msgs[i]
		g.Go(func() error {
			o := d.dispatch(ctx, msg, leaseEnd)
			mu.Lock()
			res.record(o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	BatchDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("outbox.claimed", res.Claimed),
		attribute.Int("outbox.published", res.Published),
		attribute.Int("outbox.failed", res.Failed),
		attribute.Int("outbox.expired", res.Expired),
	)
	if !res.clean() {
		d.logger.WarnContext(ctx, "outbox batch had failures",
			slog.Int("claimed", res.Claimed),
			slog.Int("published", res.Published),
			slog.Int("failed", res.Failed),
			slog.Int("parked", res.Parked),
			slog.Int("state_update_failed", res.StateUpdateFailed),
			slog.Int("expired", res.Expired),
		)
	}
	return res, nil
}

type outcome struct {
	published   bool
	failed      bool
	parked      bool
	stateFailed bool
	expired     bool
}

// clean reports whether every claimed message reached a recorded outcome
// without failing.
func (r *Result) clean() bool {
	return r.Failed == 0 && r.StateUpdateFailed == 0 && r.Expired == 0
}

func (r *Result) record(o outcome) {
	if o.published {
		r.Published++
	}
	if o.failed {
		r.Failed++
	}
	if o.parked {
		r.Parked++
	}
	if o.stateFailed {
		r.StateUpdateFailed++
	}
	if o.expired {
		r.Expired++
	}
}

// retryDelay is how long a message waits after its attempt'th failure.
func (d *Dispatcher) retryDelay(attempt int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     d.cfg.RetryBackoff,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         d.cfg.MaxRetryBackoff,
	}
	b.Reset()
	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *domain.OutboxMessage, leaseEnd time.Time) outcome {
	// Shutting down: leave the row to its lease rather than burn a retry.
	if ctx.Err() != nil {
		return outcome{}
	}
	// Another dispatcher may already have reclaimed the row.
	if !time.Now().Before(leaseEnd) {
		LeaseExpirations.Inc()
		return outcome{expired: true}
	}

	pctx, cancelPublish := context.WithDeadline(ctx, leaseEnd)
	pctx, span := tracer.Start(pctx, "outbox.publish", trace.WithAttributes(
		tracing.MessageID.String(msg.ID),
		tracing.EventType.String(msg.EventType),
	))
	pubErr := d.publisher.Publish(pctx, msg)
	tracing.Fail(span, pubErr)
	span.End()
	cancelPublish()

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.MarkTimeout)
	defer cancel()

	if pubErr == nil {
		MessagesPublished.WithLabelValues(msg.EventType).Inc()
		PublishLag.Observe(time.Since(msg.CreatedAt).Seconds())
		err := d.store.MarkProcessed(markCtx, msg.ID, d.cfg.Owner)
		switch {
		case err == nil:
			return outcome{published: true}
		case errors.Is(err, apperrors.ErrConflict):
			LeaseExpirations.Inc()
			d.logger.WarnContext(ctx, "outbox lease lost before the publish was recorded, another dispatcher owns the message",
				slog.String("message_id", msg.ID),
				slog.String("event_type", msg.EventType),
			)
			return outcome{published: true, expired: true}
		default:
			StateUpdateFailures.Inc()
			d.logger.WarnContext(ctx, "published outbox message could not be marked, it will be redelivered",
				slog.String("message_id", msg.ID),
				slog.String("event_type", msg.EventType),
				slog.String("error", err.Error()),
			)
			return outcome{published: true, stateFailed: true}
		}
	}

	PublishFailures.WithLabelValues(msg.EventType).Inc()
	retryIn := d.retryDelay(msg.RetryCount + 1)
	retries, err := d.store.MarkFailed(markCtx, msg.ID, d.cfg.Owner, pubErr.Error(), retryIn)
	if errors.Is(err, apperrors.ErrConflict) {
		LeaseExpirations.Inc()
		d.logger.WarnContext(ctx, "outbox lease lost before the failure was recorded, another dispatcher owns the message",
			slog.String("message_id", msg.ID),
			slog.String("publish_error", pubErr.Error()),
		)
		return outcome{failed: true, expired: true}
	}
	if err != nil {
		StateUpdateFailures.Inc()
		d.logger.ErrorContext(ctx, "failed outbox message could not be marked",
			slog.String("message_id", msg.ID),
			slog.String("publish_error", pubErr.Error()),
			slog.String("error", err.Error()),
		)
		return outcome{failed: true, stateFailed: true}
	}

	if retries >= d.cfg.MaxRetries {
		MessagesParked.WithLabelValues(msg.EventType).Inc()
		d.logger.ErrorContext(ctx, "outbox message parked after exhausting retries",
			slog.String("message_id", msg.ID),
			slog.String("event_type", msg.EventType),
			slog.String("aggregate_id", msg.AggregateID),
			slog.Int("retry_count", retries),
			slog.String("error", pubErr.Error()),
		)
		return outcome{failed: true, parked: true}
	}

	d.logger.WarnContext(ctx, "outbox publish failed, will retry",
		slog.String("message_id", msg.ID),
		slog.String("event_type", msg.EventType),
		slog.Int("retry_count", retries),
		slog.Duration("retry_in", retryIn),
		slog.String("error", pubErr.Error()),
	)
	return outcome{failed: true}
}
