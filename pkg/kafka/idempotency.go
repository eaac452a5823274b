package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// IdempotencyStore remembers which message IDs were handled successfully.
// Implementations must be safe for concurrent use.
type IdempotencyStore interface {
	Contains(ctx context.Context, id string) (bool, error)
	// Add is called only after the handler succeeded.
	Add(ctx context.Context, id string) error
}

// minSweep is the store size below which Add never sweeps.
const minSweep = 1024

// MemoryIdempotencyStore keeps IDs in process memory for ttl. It only
// dedupes within one instance, which suits development and single-replica
// consumers. Expired IDs are dropped on lookup and swept in bulk whenever
// the map doubles, so memory stays proportional to the live window.
type MemoryIdempotencyStore struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	expiresAt map[string]time.Time
	nextSweep int
}

func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		ttl:       ttl,
		now:       time.Now,
		expiresAt: make(map[string]time.Time),
		nextSweep: minSweep,
	}
}

func (s *MemoryIdempotencyStore) Contains(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.expiresAt[id]
	if ok && !s.now().Before(exp) {
		delete(s.expiresAt, id)
		ok = false
	}
	return ok, nil
}

func (s *MemoryIdempotencyStore) Add(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.expiresAt[id] = now.Add(s.ttl)
	if len(s.expiresAt) >= s.nextSweep {
		for k, exp := range s.expiresAt {
			if !now.Before(exp) {
				delete(s.expiresAt, k)
			}
		}
		s.nextSweep = max(minSweep, 2*len(s.expiresAt))
	}
	return nil
}

// Len returns the number of IDs held, expired ones not yet dropped included.
func (s *MemoryIdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.expiresAt)
}

// RedisIdempotencyStore keeps processed IDs in Redis so that every consumer
// in a group shares one view.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisIdempotencyStore creates a store keyed as prefix + id.
func NewRedisIdempotencyStore(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{client: client, prefix: prefix, ttl: ttl}
}

// Contains reports whether id was recorded and has not expired.
func (s *RedisIdempotencyStore) Contains(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency lookup %s: %w", id, err)
	}
	return n > 0, nil
}

// Add records id with the store TTL.
func (s *RedisIdempotencyStore) Add(ctx context.Context, id string) error {
	if err := s.client.Set(ctx, s.prefix+id, 1, s.ttl).Err(); err != nil {
		return fmt.Errorf("idempotency record %s: %w", id, err)
	}
	return nil
}

// IdempotentHandler skips messages whose ID the store has already seen and
// records the ID once inner succeeds. Messages without an ID always run, as
// do all messages while the store is unreachable.
func IdempotentHandler(store IdempotencyStore, inner Handler, logger *slog.Logger) Handler {
	return func(ctx context.Context, msg *Message) error {
		if msg.ID == "" {
			return inner(ctx, msg)
		}

		exists, err := store.Contains(ctx, msg.ID)
		if err != nil {
			logger.WarnContext(ctx, "idempotency lookup failed, handling anyway",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()),
			)
			return inner(ctx, msg)
		}

		if exists {
			consumerDuplicates.WithLabelValues(msg.Topic).Inc()
			logger.DebugContext(ctx, "duplicate message skipped",
				slog.String("message_id", msg.ID),
				slog.String("event_type", msg.Type),
			)
			return nil
		}

		if err := inner(ctx, msg); err != nil {
			return err
		}

		if addErr := store.Add(ctx, msg.ID); addErr != nil {
			logger.WarnContext(ctx, "message handled but not recorded as seen",
				slog.String("message_id", msg.ID),
				slog.String("error", addErr.Error()),
			)
		}

		return nil
	}
}
