// Package event holds the in-process domain event dispatcher, the message
// bus drivers the outbox publishes through, and the audit consumer.
package event

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MidhunGopi/AeroLux/services/booking/internal/domain"
)

// HandlerFunc reacts to one domain event inside the producing transaction.
// An error rolls that transaction back.
type HandlerFunc func(ctx context.Context, e domain.Event) error

// Registration binds a handler to an event name. A name ending in ".*"
// matches every event with that prefix.
type Registration struct {
	EventName string
	Handler   HandlerFunc
}

// Dispatcher is a registry fixed at construction.
type Dispatcher struct {
	exact    map[string][]HandlerFunc
	prefixes []prefixHandler
	logger   *slog.Logger
}

type prefixHandler struct {
	prefix  string
	handler HandlerFunc
}

// NewDispatcher builds the registry. Registrations with an empty name or a
// nil handler are ignored.
func NewDispatcher(logger *slog.Logger, regs ...Registration) *Dispatcher {
	d := &Dispatcher{
		exact:  make(map[string][]HandlerFunc),
		logger: logger,
	}
	for _, r := range regs {
		if r.EventName == "" || r.Handler == nil {
			continue
		}
		if prefix, ok := strings.CutSuffix(r.EventName, "*"); ok {
			d.prefixes = append(d.prefixes, prefixHandler{prefix: prefix, handler: r.Handler})
			continue
		}
		d.exact[r.EventName] = append(d.exact[r.EventName], r.Handler)
	}
	return d
}

// Dispatch runs the handlers of each event in registration order, exact
// matches first, and stops at the first error.
func (d *Dispatcher) Dispatch(ctx context.Context, events []domain.Event) error {
	for _, e := range events {
		for _, h := range d.handlersFor(e.Name) {
			if err := h(ctx, e); err != nil {
				d.logger.ErrorContext(ctx, "domain event handler failed",
					slog.String("event", e.Name),
					slog.String("aggregate_id", e.AggregateID),
					slog.String("error", err.Error()),
				)
				return fmt.Errorf("handle %s: %w", e.Name, err)
			}
		}
	}
	return nil
}

// HandlerCount reports how many handlers name resolves to.
func (d *Dispatcher) HandlerCount(name string) int {
	return len(d.handlersFor(name))
}

func (d *Dispatcher) handlersFor(name string) []HandlerFunc {
	hs := d.exact[name]
	for _, p := range d.prefixes {
		if strings.HasPrefix(name, p.prefix) {
			hs = append(hs[:len(hs):len(hs)], p.handler)
		}
	}
	return hs
}
