package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/MidhunGopi/AeroLux/pkg/database"
	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

const (
	outboxTable = "outbox_messages"

	outboxColumns = `id, event_type, aggregate_id, payload, created_at, processed_at,
	error, retry_count, locked_by, locked_until`
)

// DefaultOutboxMaxRetries is the publish attempt ceiling after which a
// message is parked.
const DefaultOutboxMaxRetries = 5

// defaultOutboxBatch is the batch size used when a caller passes none.
const defaultOutboxBatch = 100

func batchLimit(n int) int {
	if n <= 0 {
		return defaultOutboxBatch
	}
	return n
}

// OutboxRepository implements repository.OutboxRepository using PostgreSQL.
// Add joins the caller's transaction; every other method runs on db.
type OutboxRepository struct {
	db         database.Executor
	maxRetries int
}

// NewOutboxRepository creates an outbox repository. maxRetries <= 0 uses
// DefaultOutboxMaxRetries.
func NewOutboxRepository(db database.Executor, maxRetries int) *OutboxRepository {
	if maxRetries <= 0 {
		maxRetries = DefaultOutboxMaxRetries
	}
	return &OutboxRepository{db: db, maxRetries: maxRetries}
}

// MaxRetries returns the parking ceiling.
func (r *OutboxRepository) MaxRetries() int {
	return r.maxRetries
}

// Add inserts msg with the caller's executor.
func (r *OutboxRepository) Add(ctx context.Context, q database.Executor, msg *domain.OutboxMessage) (err error) {
	query := `
		INSERT INTO outbox_messages (id, event_type, aggregate_id, payload, created_at, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6)`

	ctx, end := database.TraceQuery(ctx, "AddOutboxMessage", query)
	defer func() { end(err) }()

	_, err = q.Exec(ctx, query,
		msg.ID,
		msg.EventType,
		msg.AggregateID,
		msg.Payload,
		msg.CreatedAt,
		msg.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// GetUnprocessed returns the oldest unprocessed messages below the retry
// ceiling. It takes no lease; ClaimUnprocessed is the dispatcher's entry point.
func (r *OutboxRepository) GetUnprocessed(ctx context.Context, batchSize int) (out []domain.OutboxMessage, err error) {
	query, args, err := psql.
		Select(outboxColumns).
		From(outboxTable).
		Where(sq.And{
			sq.Eq{"processed_at": nil},
			sq.Lt{"retry_count": r.maxRetries},
		}).
		OrderBy("created_at ASC").
		Limit(uint64(batchLimit(batchSize))).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build unprocessed query: %w", err)
	}

	ctx, end := database.TraceQuery(ctx, "GetUnprocessedOutbox", query)
	defer func() { end(err) }()

	return r.queryMessages(ctx, query, args...)
}

// ClaimUnprocessed leases up to batchSize due messages to owner. Row locks
// taken with SKIP LOCKED keep concurrent claimers off the same rows while
// the claim commits; the lease keeps them off until it expires.
func (r *OutboxRepository) ClaimUnprocessed(ctx context.Context, owner string, batchSize int, lease time.Duration) (out []domain.OutboxMessage, err error) {
	query := `
		UPDATE outbox_messages AS o
		SET locked_by = $1, locked_until = NOW() + make_interval(secs => $2)
		FROM (
			SELECT id FROM outbox_messages
			WHERE processed_at IS NULL
				AND retry_count < $3
				AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY created_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		) AS due
		WHERE o.id = due.id
		RETURNING o.id, o.event_type, o.aggregate_id, o.payload, o.created_at, o.processed_at,
			o.error, o.retry_count, o.locked_by, o.locked_until`

	ctx, end := database.TraceQuery(ctx, "ClaimOutbox", query)
	defer func() { end(err) }()

	msgs, err := r.queryMessages(ctx, query, owner, lease.Seconds(), r.maxRetries, batchLimit(batchSize))
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}

	// RETURNING order is unspecified.
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
	return msgs, nil
}

// MarkProcessed records a successful publish by owner. Calling it again
// leaves the original processed_at in place. A pending message leased to
// another dispatcher is left alone and reported as a conflict.
func (r *OutboxRepository) MarkProcessed(ctx context.Context, id, owner string) (err error) {
	query := `
		WITH marked AS (
			UPDATE outbox_messages
			SET processed_at = COALESCE(processed_at, $2), locked_by = NULL, locked_until = NULL
			WHERE id = $1 AND (processed_at IS NOT NULL OR locked_by = $3)
			RETURNING id
		)
		SELECT EXISTS (SELECT 1 FROM marked),
			EXISTS (SELECT 1 FROM outbox_messages WHERE id = $1)`

	ctx, end := database.TraceQuery(ctx, "MarkOutboxProcessed", query)
	defer func() { end(err) }()

	var marked, exists bool
	if err = r.db.QueryRow(ctx, query, id, time.Now().UTC(), owner).Scan(&marked, &exists); err != nil {
		return fmt.Errorf("mark outbox message processed: %w", err)
	}
	switch {
	case marked:
		return nil
	case !exists:
		return apperrors.NotFound("outbox_message", id)
	default:
		return apperrors.Conflict(fmt.Sprintf("outbox message %s is not leased to %s", id, owner))
	}
}

// MarkFailed records a failed publish attempt by owner and returns the new
// retry count. The message is held back for retryIn before it is due again.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id, owner, cause string, retryIn time.Duration) (retries int, err error) {
	query := `
		WITH failed AS (
			UPDATE outbox_messages
			SET retry_count = retry_count + 1, error = $2, locked_by = NULL,
				locked_until = NOW() + make_interval(secs => $4)
			WHERE id = $1 AND processed_at IS NULL AND locked_by = $3
			RETURNING retry_count
		)
		SELECT COALESCE((SELECT retry_count FROM failed), -1),
			EXISTS (SELECT 1 FROM outbox_messages WHERE id = $1 AND processed_at IS NULL)`

	ctx, end := database.TraceQuery(ctx, "MarkOutboxFailed", query)
	defer func() { end(err) }()

	var pending bool
	if err = r.db.QueryRow(ctx, query, id, cause, owner, max(retryIn, 0).Seconds()).Scan(&retries, &pending); err != nil {
		return 0, fmt.Errorf("mark outbox message failed: %w", err)
	}
	switch {
	case retries >= 0:
		return retries, nil
	case !pending:
		return 0, apperrors.NotFound("outbox_message", id)
	default:
		return 0, apperrors.Conflict(fmt.Sprintf("outbox message %s is not leased to %s", id, owner))
	}
}

// ListParked returns parked messages, oldest first, and the total count
// matching the filter.
func (r *OutboxRepository) ListParked(ctx context.Context, filter domain.ParkedFilter) (out []domain.OutboxMessage, total int, err error) {
	where := sq.And{
		sq.Eq{"processed_at": nil},
		sq.GtOrEq{"retry_count": r.maxRetries},
	}
	if filter.EventType != "" {
		where = append(where, sq.Eq{"event_type": filter.EventType})
	}

	countQuery, countArgs, err := psql.Select("COUNT(*)").From(outboxTable).Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build parked count query: %w", err)
	}

	ctx, end := database.TraceQuery(ctx, "ListParkedOutbox", countQuery)
	defer func() { end(err) }()

	if err = r.db.QueryRow(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count parked outbox messages: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	query, args, err := psql.
		Select(outboxColumns).
		From(outboxTable).
		Where(where).
		OrderBy("created_at ASC").
		Limit(uint64(limit)).
		Offset(uint64(max(filter.Offset, 0))).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build parked query: %w", err)
	}

	out, err = r.queryMessages(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Requeue resets a parked or failing message so it becomes due again.
func (r *OutboxRepository) Requeue(ctx context.Context, id string) (err error) {
	query := `
		UPDATE outbox_messages
		SET retry_count = 0, error = NULL, locked_by = NULL, locked_until = NULL
		WHERE id = $1 AND processed_at IS NULL`

	ctx, end := database.TraceQuery(ctx, "RequeueOutbox", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("requeue outbox message: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("unprocessed outbox_message", id)
	}
	return nil
}

func (r *OutboxRepository) queryMessages(ctx context.Context, query string, args ...any) ([]domain.OutboxMessage, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox messages: %w", err)
	}
	defer rows.Close()

	msgs := []domain.OutboxMessage{}
	for rows.Next() {
		var (
			m        domain.OutboxMessage
			errText  *string
			lockedBy *string
		)
		if err := rows.Scan(
			&m.ID,
			&m.EventType,
			&m.AggregateID,
			&m.Payload,
			&m.CreatedAt,
			&m.ProcessedAt,
			&errText,
			&m.RetryCount,
			&lockedBy,
			&m.LockedUntil,
		); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		m.Error = derefString(errText)
		m.LockedBy = derefString(lockedBy)
		msgs = append(msgs, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox rows: %w", err)
	}
	return msgs, nil
}
