package service

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

// StaleSagaLister finds sagas nobody is driving.
type StaleSagaLister interface {
	ListStale(ctx context.Context, before time.Time, limit int) ([]domain.SagaInstance, error)
}

// SagaResumer continues one saga.
type SagaResumer interface {
	ResumeSaga(ctx context.Context, sagaID string) (*SagaResult, error)
}

// RecoveryConfig tunes the recovery sweeper.
type RecoveryConfig struct {
	Interval time.Duration
	// StaleAfter must exceed the saga deadline plus compensation time, or
	// live drives get resumed concurrently and lose on the version check.
	StaleAfter  time.Duration
	BatchSize   int
	Parallelism int
}

// RecoverySweeper resumes sagas left running or compensating by a crashed
// or restarted process.
type RecoverySweeper struct {
	sagas   StaleSagaLister
	resumer SagaResumer
	logger  *slog.Logger
	cfg     RecoveryConfig
}

// NewRecoverySweeper creates a sweeper. Unset config fields get defaults.
func NewRecoverySweeper(sagas StaleSagaLister, resumer SagaResumer, logger *slog.Logger, cfg RecoveryConfig) *RecoverySweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &RecoverySweeper{sagas: sagas, resumer: resumer, logger: logger, cfg: cfg}
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (r *RecoverySweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "saga recovery sweep failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce resumes one batch of stale sagas and returns how many reached a
// terminal state. A saga that cannot be resumed is logged and skipped.
func (r *RecoverySweeper) SweepOnce(ctx context.Context) (int, error) {
	stale, err := r.sagas.ListStale(ctx, time.Now().UTC().Add(-r.cfg.StaleAfter), r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	r.logger.InfoContext(ctx, "resuming stale sagas", slog.Int("count", len(stale)))

	var finished atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for _, inst := range stale {
		g.Go(func() error {
			res, err := r.resumer.ResumeSaga(gctx, inst.ID)
			switch {
			case errors.Is(err, apperrors.ErrConflict):
				// Locked or advanced by a live request.
				r.logger.InfoContext(gctx, "stale saga is busy, skipping",
					slog.String("saga_id", inst.ID),
					slog.String("error", err.Error()),
				)
			case errors.Is(err, apperrors.ErrInvalidInput):
				// Another workflow type; not ours to drive.
			case err != nil:
				r.logger.ErrorContext(gctx, "failed to resume saga",
					slog.String("saga_id", inst.ID),
					slog.String("workflow", inst.WorkflowType),
					slog.String("error", err.Error()),
				)
			case res.Status.IsTerminal():
				finished.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(finished.Load()), nil
}
