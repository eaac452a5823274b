package service

import (
	"context"
	"log/slog"

	"github.com/MidhunGopi/AeroLux/pkg/pagination"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/repository"
)

const maxPendingLimit = 500

// OutboxService exposes the outbox to operators.
type OutboxService struct {
	repo   repository.OutboxRepository
	logger *slog.Logger
}

// NewOutboxService creates an outbox admin service.
func NewOutboxService(repo repository.OutboxRepository, logger *slog.Logger) *OutboxService {
	return &OutboxService{repo: repo, logger: logger}
}

// ListPending returns up to limit messages still waiting to be published,
// oldest first.
func (s *OutboxService) ListPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 || limit > maxPendingLimit {
		limit = maxPendingLimit
	}
	return s.repo.GetUnprocessed(ctx, limit)
}

// ListParked pages through messages that exhausted their retries.
func (s *OutboxService) ListParked(ctx context.Context, eventType string, params pagination.Params) (pagination.Result[domain.OutboxMessage], error) {
	msgs, total, err := s.repo.ListParked(ctx, domain.ParkedFilter{
		EventType: eventType,
		Limit:     params.PerPage,
		Offset:    params.Offset,
	})
	if err != nil {
		return pagination.Result[domain.OutboxMessage]{}, err
	}
	return pagination.NewResult(msgs, total, params), nil
}

// Requeue makes a parked message due again.
func (s *OutboxService) Requeue(ctx context.Context, id string) error {
	if err := s.repo.Requeue(ctx, id); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "outbox message requeued", slog.String("message_id", id))
	return nil
}
