// Package uow runs aggregate mutations, domain event dispatch and outbox
// writes in a single database transaction.
package uow

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MidhunGopi/AeroLux/pkg/database"
	"github.com/MidhunGopi/AeroLux/pkg/tracing"
	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

var tracer = tracing.Tracer("github.com/MidhunGopi/AeroLux/services/booking/internal/uow")

// OutboxWriter appends messages inside the caller's transaction.
type OutboxWriter interface {
	Add(ctx context.Context, q database.Executor, msg *domain.OutboxMessage) error
}

// EventDispatcher runs in-process handlers for domain events.
type EventDispatcher interface {
	Dispatch(ctx context.Context, events []domain.Event) error
}

// Scope collects what a transaction produced. Work functions write through
// Executor and hand their events to the scope; nothing escapes until the
// transaction commits.
type Scope struct {
	q        database.Executor
	events   []domain.Event
	messages []*domain.OutboxMessage
}

// NewScope returns a scope bound to q. UnitOfWork builds one per transaction;
// tests use it directly.
func NewScope(q database.Executor) *Scope {
	return &Scope{q: q}
}

// Executor returns the transaction writes must go through.
func (s *Scope) Executor() database.Executor {
	return s.q
}

// Raise queues events for in-process dispatch only.
func (s *Scope) Raise(events ...domain.Event) {
	s.events = append(s.events, events...)
}

// Publish queues events as integration events only.
func (s *Scope) Publish(events ...domain.Event) error {
	for _, e := range events {
		msg, err := domain.OutboxMessageFromEvent(e)
		if err != nil {
			return err
		}
		s.messages = append(s.messages, msg)
	}
	return nil
}

// Record raises events in-process and publishes them through the outbox.
func (s *Scope) Record(events ...domain.Event) error {
	s.Raise(events...)
	return s.Publish(events...)
}

// Emit queues prebuilt outbox messages.
func (s *Scope) Emit(msgs ...*domain.OutboxMessage) {
	s.messages = append(s.messages, msgs...)
}

// Events returns the queued domain events.
func (s *Scope) Events() []domain.Event {
	return s.events
}

// Messages returns the queued outbox messages.
func (s *Scope) Messages() []*domain.OutboxMessage {
	return s.messages
}

// UnitOfWork opens a transaction per Do call.
type UnitOfWork struct {
	db         database.DBTX
	outbox     OutboxWriter
	dispatcher EventDispatcher
}

// New creates a UnitOfWork. dispatcher may be nil.
func New(db database.DBTX, outbox OutboxWriter, dispatcher EventDispatcher) *UnitOfWork {
	return &UnitOfWork{db: db, outbox: outbox, dispatcher: dispatcher}
}

// Do runs fn in a transaction. After fn succeeds the queued domain events
// are dispatched and the queued outbox messages inserted, then the
// transaction commits. Any error rolls everything back.
func (u *UnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, s *Scope) error) error {
	ctx, span := tracer.Start(ctx, "uow.Do")
	defer span.End()

	err := database.WithinTransaction(ctx, u.db, func(ctx context.Context, tx pgx.Tx) error {
		scope := NewScope(tx)
		if err := fn(ctx, scope); err != nil {
			return err
		}

		if u.dispatcher != nil && len(scope.events) > 0 {
			if err := u.dispatcher.Dispatch(ctx, scope.events); err != nil {
				return fmt.Errorf("dispatch domain events: %w", err)
			}
		}

		for _, msg := range scope.messages {
			if err := u.outbox.Add(ctx, tx, msg); err != nil {
				return fmt.Errorf("append %s to outbox: %w", msg.EventType, err)
			}
		}

		span.SetAttributes(
			attribute.Int("uow.domain_events", len(scope.events)),
			attribute.Int("uow.outbox_messages", len(scope.messages)),
		)
		return nil
	})
	tracing.Fail(span, err)
	return err
}
