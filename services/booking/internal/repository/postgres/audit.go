package postgres

import (
	"context"
	"fmt"

	"github.com/MidhunGopi/AeroLux/pkg/database"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

// AuditRepository implements repository.AuditRepository using PostgreSQL.
type AuditRepository struct {
	db database.Executor
}

// NewAuditRepository creates a new PostgreSQL-backed audit repository.
func NewAuditRepository(db database.Executor) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record inserts entry unless its event id was already recorded.
func (r *AuditRepository) Record(ctx context.Context, entry *domain.AuditEntry) (written bool, err error) {
	query := `
		INSERT INTO audit_entries (id, event_id, event_type, aggregate_id, payload, occurred_on, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING`

	ctx, end := database.TraceQuery(ctx, "RecordAudit", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.EventID,
		entry.EventType,
		nullableString(entry.AggregateID),
		[]byte(entry.Payload),
		entry.OccurredOn,
		entry.RecordedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert audit entry: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// ListByAggregate returns the audit trail for one aggregate.
func (r *AuditRepository) ListByAggregate(ctx context.Context, aggregateID string) (out []domain.AuditEntry, err error) {
	query := `
		SELECT id, event_id, event_type, aggregate_id, payload, occurred_on, recorded_at
		FROM audit_entries
		WHERE aggregate_id = $1
		ORDER BY occurred_on ASC, recorded_at ASC`

	ctx, end := database.TraceQuery(ctx, "ListAuditByAggregate", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []domain.AuditEntry{}
	for rows.Next() {
		var (
			e       domain.AuditEntry
			aggID   *string
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &aggID, &payload, &e.OccurredOn, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.AggregateID = derefString(aggID)
		e.Payload = payload
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit rows: %w", err)
	}
	return entries, nil
}
