package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/MidhunGopi/AeroLux/pkg/database"
	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
	"github.com/MidhunGopi/AeroLux/pkg/pagination"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

// --- Mock Outbox Repository ---

type mockOutboxRepository struct {
	mock.Mock
}

func (m *mockOutboxRepository) Add(ctx context.Context, q database.Executor, msg *domain.OutboxMessage) error {
	return m.Called(ctx, q, msg).Error(0)
}

func (m *mockOutboxRepository) GetUnprocessed(ctx context.Context, batchSize int) ([]domain.OutboxMessage, error) {
	args := m.Called(ctx, batchSize)
	return args.Get(0).([]domain.OutboxMessage), args.Error(1)
}

func (m *mockOutboxRepository) ClaimUnprocessed(ctx context.Context, owner string, batchSize int, lease time.Duration) ([]domain.OutboxMessage, error) {
	args := m.Called(ctx, owner, batchSize, lease)
	return args.Get(0).([]domain.OutboxMessage), args.Error(1)
}

func (m *mockOutboxRepository) MarkProcessed(ctx context.Context, id, owner string) error {
	return m.Called(ctx, id, owner).Error(0)
}

func (m *mockOutboxRepository) MarkFailed(ctx context.Context, id, owner, cause string, retryIn time.Duration) (int, error) {
	args := m.Called(ctx, id, owner, cause, retryIn)
	return args.Int(0), args.Error(1)
}

func (m *mockOutboxRepository) ListParked(ctx context.Context, filter domain.ParkedFilter) ([]domain.OutboxMessage, int, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]domain.OutboxMessage), args.Int(1), args.Error(2)
}

func (m *mockOutboxRepository) Requeue(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

// --- Tests ---

func TestOutboxService_ListPending_ClampsLimit(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		want  int
	}{
		{name: "explicit", limit: 25, want: 25},
		{name: "zero", limit: 0, want: maxPendingLimit},
		{name: "too large", limit: 10_000, want: maxPendingLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(mockOutboxRepository)
			svc := NewOutboxService(repo, newTestLogger())
			repo.On("GetUnprocessed", mock.Anything, tt.want).
				Return([]domain.OutboxMessage{{ID: "m-1", EventType: domain.EventBookingCreated}}, nil).Once()

			msgs, err := svc.ListPending(context.Background(), tt.limit)

			require.NoError(t, err)
			assert.Len(t, msgs, 1)
			repo.AssertExpectations(t)
		})
	}
}

func TestOutboxService_ListParked_Paginates(t *testing.T) {
	repo := new(mockOutboxRepository)
	svc := NewOutboxService(repo, newTestLogger())

	params := pagination.Params{Page: 2, PerPage: 10, Offset: 10}
	repo.On("ListParked", mock.Anything, domain.ParkedFilter{
		EventType: domain.EventBookingConfirmed,
		Limit:     10,
		Offset:    10,
	}).Return([]domain.OutboxMessage{{ID: "m-11", RetryCount: 5}}, 11, nil).Once()

	res, err := svc.ListParked(context.Background(), domain.EventBookingConfirmed, params)

	require.NoError(t, err)
	assert.Equal(t, 11, res.TotalCount)
	assert.Equal(t, 2, res.TotalPages)
	assert.False(t, res.HasNext)
	assert.True(t, res.HasPrev)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "m-11", res.Data[0].ID)
}

func TestOutboxService_ListParked_EmptyIsNotNil(t *testing.T) {
	repo := new(mockOutboxRepository)
	svc := NewOutboxService(repo, newTestLogger())
	repo.On("ListParked", mock.Anything, mock.Anything).Return(nil, 0, nil).Once()

	res, err := svc.ListParked(context.Background(), "", pagination.DefaultParams())

	require.NoError(t, err)
	assert.NotNil(t, res.Data)
	assert.Empty(t, res.Data)
}

func TestOutboxService_Requeue(t *testing.T) {
	repo := new(mockOutboxRepository)
	svc := NewOutboxService(repo, newTestLogger())

	repo.On("Requeue", mock.Anything, "m-1").Return(nil).Once()
	repo.On("Requeue", mock.Anything, "m-2").Return(apperrors.NotFound("unprocessed outbox_message", "m-2")).Once()

	assert.NoError(t, svc.Requeue(context.Background(), "m-1"))
	assert.ErrorIs(t, svc.Requeue(context.Background(), "m-2"), apperrors.ErrNotFound)
	repo.AssertExpectations(t)
}
