package repository

import (
	"context"
	"time"

	"github.com/MidhunGopi/AeroLux/pkg/database"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

// Writes take an explicit database.Executor so they join the caller's
// transaction. Reads may use any executor, typically the pool.

// BookingRepository defines booking persistence with optimistic versioning.
type BookingRepository interface {
	// Create inserts a new booking. A duplicate id returns ErrAlreadyExists.
	Create(ctx context.Context, q database.Executor, b *domain.Booking) error

	// GetByID retrieves a booking by id.
	GetByID(ctx context.Context, q database.Executor, id string) (*domain.Booking, error)

	// Update writes b if its version still matches and bumps the version.
	// A stale version returns ErrConflict.
	Update(ctx context.Context, q database.Executor, b *domain.Booking) error
}

// SagaRepository persists saga instances.
type SagaRepository interface {
	// Create inserts a new instance. A second instance for the same
	// workflow type and business key returns ErrAlreadyExists.
	Create(ctx context.Context, q database.Executor, s *domain.SagaInstance) error

	// GetByID retrieves an instance by id.
	GetByID(ctx context.Context, q database.Executor, id string) (*domain.SagaInstance, error)

	// GetByBusinessKey retrieves the instance driving businessKey.
	GetByBusinessKey(ctx context.Context, q database.Executor, workflowType, businessKey string) (*domain.SagaInstance, error)

	// Update writes s if its version still matches and bumps the version.
	// A stale version returns ErrConflict.
	Update(ctx context.Context, q database.Executor, s *domain.SagaInstance) error

	// ListStale returns non-terminal instances not updated since before.
	ListStale(ctx context.Context, before time.Time, limit int) ([]domain.SagaInstance, error)
}

// OutboxRepository is the transactional outbox store.
type OutboxRepository interface {
	// Add inserts msg using the caller's executor. It never commits.
	Add(ctx context.Context, q database.Executor, msg *domain.OutboxMessage) error

	// GetUnprocessed returns up to batchSize unprocessed, unparked messages,
	// oldest first.
	GetUnprocessed(ctx context.Context, batchSize int) ([]domain.OutboxMessage, error)

	// ClaimUnprocessed behaves like GetUnprocessed and also leases the rows
	// to owner until now+lease. Rows under a live lease are skipped.
	ClaimUnprocessed(ctx context.Context, owner string, batchSize int, lease time.Duration) ([]domain.OutboxMessage, error)

	// MarkProcessed sets processed_at if unset and releases the lease. It
	// returns a conflict when the pending message is leased to someone other
	// than owner.
	MarkProcessed(ctx context.Context, id, owner string) error

	// MarkFailed increments the retry count, records cause and holds the
	// message back for retryIn. Only owner's lease is updated. It returns
	// the new retry count.
	MarkFailed(ctx context.Context, id, owner, cause string, retryIn time.Duration) (int, error)

	// ListParked returns messages that exhausted their retries.
	ListParked(ctx context.Context, filter domain.ParkedFilter) ([]domain.OutboxMessage, int, error)

	// Requeue resets a parked message so the dispatcher picks it up again.
	Requeue(ctx context.Context, id string) error
}

// AuditRepository records consumed integration events.
type AuditRepository interface {
	// Record inserts entry. A duplicate event id is silently ignored; the
	// returned bool reports whether a row was written.
	Record(ctx context.Context, entry *domain.AuditEntry) (bool, error)

	// ListByAggregate returns the audit trail of one aggregate, oldest first.
	ListByAggregate(ctx context.Context, aggregateID string) ([]domain.AuditEntry, error)
}
