package service

import (
	"context"
	"strings"

	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

// AuditTrailReader reads consumed integration events back by aggregate.
type AuditTrailReader interface {
	ListByAggregate(ctx context.Context, aggregateID string) ([]domain.AuditEntry, error)
}

// AuditService serves the audit trail recorded by the event consumer.
type AuditService struct {
	repo AuditTrailReader
}

// NewAuditService creates an audit read service.
func NewAuditService(repo AuditTrailReader) *AuditService {
	return &AuditService{repo: repo}
}

// Trail returns the events recorded for one booking, oldest first.
func (s *AuditService) Trail(ctx context.Context, bookingID string) ([]domain.AuditEntry, error) {
	bookingID = strings.TrimSpace(bookingID)
	if bookingID == "" {
		return nil, apperrors.InvalidInput("booking id is required")
	}
	entries, err := s.repo.ListByAggregate(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	return entries, nil
}
