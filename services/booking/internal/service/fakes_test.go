package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/MidhunGopi/AeroLux/pkg/database"
	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/client"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/lock"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/saga"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/uow"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- In-memory booking repository ---

type memBookings struct {
	mu   sync.Mutex
	rows map[string]domain.Booking
}

func newMemBookings() *memBookings {
	return &memBookings{rows: map[string]domain.Booking{}}
}

func (m *memBookings) Create(_ context.Context, _ database.Executor, b *domain.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[b.ID]; ok {
		return apperrors.AlreadyExists("booking", "id", b.ID)
	}
	m.rows[b.ID] = *b
	return nil
}

func (m *memBookings) GetByID(_ context.Context, _ database.Executor, id string) (*domain.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.rows[id]
	if !ok {
		return nil, apperrors.NotFound("booking", id)
	}
	return &b, nil
}

func (m *memBookings) Update(_ context.Context, _ database.Executor, b *domain.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[b.ID]
	if !ok || cur.Version != b.Version {
		return apperrors.Conflict("booking " + b.ID + " was modified concurrently or does not exist")
	}
	b.Version++
	m.rows[b.ID] = *b
	return nil
}

func (m *memBookings) get(id string) domain.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

// --- In-memory saga repository ---

type memSagas struct {
	mu   sync.Mutex
	rows map[string][]byte
}

func newMemSagas() *memSagas {
	return &memSagas{rows: map[string][]byte{}}
}

func (m *memSagas) load(raw []byte) *domain.SagaInstance {
	var s domain.SagaInstance
	if err := json.Unmarshal(raw, &s); err != nil {
		panic(err)
	}
	return &s
}

func (m *memSagas) Create(_ context.Context, _ database.Executor, s *domain.SagaInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, raw := range m.rows {
		cur := m.load(raw)
		if cur.WorkflowType == s.WorkflowType && cur.BusinessKey == s.BusinessKey {
			return apperrors.AlreadyExists("saga_instance", "business_key", s.BusinessKey)
		}
	}
	s.Version = 1
	raw, _ := json.Marshal(s)
	m.rows[s.ID] = raw
	return nil
}

func (m *memSagas) GetByID(_ context.Context, _ database.Executor, id string) (*domain.SagaInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.rows[id]
	if !ok {
		return nil, apperrors.NotFound("saga_instance", id)
	}
	return m.load(raw), nil
}

func (m *memSagas) GetByBusinessKey(_ context.Context, _ database.Executor, workflowType, businessKey string) (*domain.SagaInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, raw := range m.rows {
		s := m.load(raw)
		if s.WorkflowType == workflowType && s.BusinessKey == businessKey {
			return s, nil
		}
	}
	return nil, apperrors.NotFound("saga_instance", businessKey)
}

func (m *memSagas) Update(_ context.Context, _ database.Executor, s *domain.SagaInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.rows[s.ID]
	if !ok || m.load(raw).Version != s.Version {
		return apperrors.Conflict("saga " + s.ID + " was modified concurrently")
	}
	s.Version++
	raw, _ = json.Marshal(s)
	m.rows[s.ID] = raw
	return nil
}

func (m *memSagas) ListStale(_ context.Context, before time.Time, limit int) ([]domain.SagaInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SagaInstance
	for _, raw := range m.rows {
		s := m.load(raw)
		if !s.Status.IsTerminal() && s.UpdatedAt.Before(before) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// put stores s as is, for seeding interrupted sagas.
func (m *memSagas) put(s *domain.SagaInstance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, _ := json.Marshal(s)
	m.rows[s.ID] = raw
}

// --- Transactor that records committed outbox event types ---

type memTx struct {
	mu        sync.Mutex
	committed []string
}

func (t *memTx) Do(ctx context.Context, fn func(ctx context.Context, s *uow.Scope) error) error {
	s := uow.NewScope(nil)
	if err := fn(ctx, s); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range s.Messages() {
		t.committed = append(t.committed, m.EventType)
	}
	return nil
}

func (t *memTx) events() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.committed...)
}

// --- Collaborator mocks ---

type mockAircraft struct {
	mock.Mock
}

func (m *mockAircraft) Reserve(ctx context.Context, bookingID, flightID string) (*client.Reservation, error) {
	args := m.Called(ctx, bookingID, flightID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*client.Reservation), args.Error(1)
}

func (m *mockAircraft) Release(ctx context.Context, bookingID string) error {
	args := m.Called(ctx, bookingID)
	return args.Error(0)
}

type mockPayment struct {
	mock.Mock
}

func (m *mockPayment) Charge(ctx context.Context, bookingID string, amount decimal.Decimal, key string) (*client.Charge, error) {
	args := m.Called(ctx, bookingID, amount, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*client.Charge), args.Error(1)
}

func (m *mockPayment) Refund(ctx context.Context, bookingID, key string) error {
	args := m.Called(ctx, bookingID, key)
	return args.Error(0)
}

type mockLocker struct {
	mock.Mock
}

func (m *mockLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (lock.UnlockFunc, error) {
	args := m.Called(ctx, key, ttl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(lock.UnlockFunc), args.Error(1)
}

// --- Fixture ---

type fixture struct {
	svc      *BookingService
	bookings *memBookings
	sagas    *memSagas
	tx       *memTx
	aircraft *mockAircraft
	payment  *mockPayment
}

func newFixture(cfg BookingConfig, locker lock.Locker) *fixture {
	f := &fixture{
		bookings: newMemBookings(),
		sagas:    newMemSagas(),
		tx:       &memTx{},
		aircraft: new(mockAircraft),
		payment:  new(mockPayment),
	}
	if cfg.Saga.MaxAttempts == 0 {
		cfg.Saga.MaxAttempts = 3
	}
	svc, err := NewBookingService(f.bookings, f.sagas, nil, f.tx, f.aircraft, f.payment, locker,
		newTestLogger(), cfg,
		saga.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	if err != nil {
		panic(err)
	}
	f.svc = svc
	return f
}

func validInput() *ExecuteSagaInput {
	return &ExecuteSagaInput{
		BookingID:  "6f1c2d8e-4b7a-4e0e-9a55-0d2f7c9b1a11",
		CustomerID: "cust-42",
		FlightID:   "LHR-NCE-0815",
		Amount:     decimal.RequireFromString("48250.00"),
	}
}
