package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MidhunGopi/AeroLux/pkg/database"
	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

const sagaColumns = `id, workflow_type, business_key, status, steps, failed_step,
	failure_reason, payload, version, created_at, updated_at`

// SagaRepository implements repository.SagaRepository using PostgreSQL.
// Step records are stored as a JSONB array.
type SagaRepository struct {
	db database.Executor
}

// NewSagaRepository creates a saga repository. db serves ListStale, which
// runs outside any saga transaction.
func NewSagaRepository(db database.Executor) *SagaRepository {
	return &SagaRepository{db: db}
}

// Create inserts a new saga instance.
func (r *SagaRepository) Create(ctx context.Context, q database.Executor, s *domain.SagaInstance) (err error) {
	stepsJSON, err := json.Marshal(s.Steps)
	if err != nil {
		return fmt.Errorf("marshal saga steps: %w", err)
	}

	query := `
		INSERT INTO saga_instances (` + sagaColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	ctx, end := database.TraceQuery(ctx, "CreateSaga", query)
	defer func() { end(err) }()

	_, err = q.Exec(ctx, query,
		s.ID,
		s.WorkflowType,
		s.BusinessKey,
		s.Status,
		stepsJSON,
		nullableString(s.FailedStep),
		nullableString(s.FailureReason),
		[]byte(s.Payload),
		s.Version,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.AlreadyExists("saga", "business_key", s.BusinessKey)
		}
		return fmt.Errorf("insert saga instance: %w", err)
	}
	return nil
}

// GetByID retrieves a saga instance by id.
func (r *SagaRepository) GetByID(ctx context.Context, q database.Executor, id string) (s *domain.SagaInstance, err error) {
	query := `SELECT ` + sagaColumns + ` FROM saga_instances WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "GetSaga", query)
	defer func() { end(err) }()

	s, err = scanSaga(q.QueryRow(ctx, query, id))
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.NotFound("saga", id)
	}
	return s, err
}

// GetByBusinessKey retrieves the instance for a workflow type and business key.
func (r *SagaRepository) GetByBusinessKey(ctx context.Context, q database.Executor, workflowType, businessKey string) (s *domain.SagaInstance, err error) {
	query := `SELECT ` + sagaColumns + ` FROM saga_instances WHERE workflow_type = $1 AND business_key = $2`

	ctx, end := database.TraceQuery(ctx, "GetSagaByBusinessKey", query)
	defer func() { end(err) }()

	s, err = scanSaga(q.QueryRow(ctx, query, workflowType, businessKey))
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, apperrors.NotFound(workflowType+" saga", businessKey)
	}
	return s, err
}

// Update writes the instance under an optimistic version check.
func (r *SagaRepository) Update(ctx context.Context, q database.Executor, s *domain.SagaInstance) (err error) {
	stepsJSON, err := json.Marshal(s.Steps)
	if err != nil {
		return fmt.Errorf("marshal saga steps: %w", err)
	}

	query := `
		UPDATE saga_instances
		SET status = $1, steps = $2, failed_step = $3, failure_reason = $4,
			payload = $5, updated_at = $6, version = version + 1
		WHERE id = $7 AND version = $8`

	ctx, end := database.TraceQuery(ctx, "UpdateSaga", query)
	defer func() { end(err) }()

	ct, err := q.Exec(ctx, query,
		s.Status,
		stepsJSON,
		nullableString(s.FailedStep),
		nullableString(s.FailureReason),
		[]byte(s.Payload),
		s.UpdatedAt,
		s.ID,
		s.Version,
	)
	if err != nil {
		return fmt.Errorf("update saga instance: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.Conflict(fmt.Sprintf("saga %s version %d is stale", s.ID, s.Version))
	}

	s.Version++
	return nil
}

// ListStale returns running or compensating instances last touched before
// the cutoff, oldest first.
func (r *SagaRepository) ListStale(ctx context.Context, before time.Time, limit int) (out []domain.SagaInstance, err error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM saga_instances
		WHERE status IN ('running', 'compensating') AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`

	ctx, end := database.TraceQuery(ctx, "ListStaleSagas", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale sagas: %w", err)
	}
	defer rows.Close()

	sagas := []domain.SagaInstance{}
	for rows.Next() {
		s, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale saga row: %w", err)
		}
		sagas = append(sagas, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale saga rows: %w", err)
	}

	return sagas, nil
}

func scanSaga(row pgx.Row) (*domain.SagaInstance, error) {
	var (
		s             domain.SagaInstance
		stepsJSON     []byte
		payload       []byte
		failedStep    *string
		failureReason *string
	)

	err := row.Scan(
		&s.ID,
		&s.WorkflowType,
		&s.BusinessKey,
		&s.Status,
		&stepsJSON,
		&failedStep,
		&failureReason,
		&payload,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan saga instance: %w", err)
	}

	if err := json.Unmarshal(stepsJSON, &s.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal saga steps: %w", err)
	}
	s.FailedStep = derefString(failedStep)
	s.FailureReason = derefString(failureReason)
	if len(payload) > 0 {
		s.Payload = payload
	}

	return &s, nil
}
