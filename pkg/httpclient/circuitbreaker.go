package httpclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"

	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
)

// CircuitBreakerConfig configures the breaker in front of one collaborator.
type CircuitBreakerConfig struct {
	// Name is the collaborator name used in metrics and logs.
	Name string
	// MaxRequests is how many probes are let through while half-open.
	MaxRequests uint32
	// Interval clears the closed-state counts. 0 never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// FailureRatio trips the breaker once MinRequests have been seen.
	FailureRatio float64
	MinRequests  uint32
}

// DefaultCircuitBreakerConfig returns the defaults used for saga collaborators.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:         name,
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig(c.Name)
	if c.MaxRequests == 0 {
		c.MaxRequests = def.MaxRequests
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = def.FailureRatio
	}
	if c.MinRequests == 0 {
		c.MinRequests = def.MinRequests
	}
	return c
}

// FallbackFunc replaces the rejection when the breaker is open or the
// half-open probe budget is used up.
type FallbackFunc func(ctx context.Context, err error) (*http.Response, error)

// Call outcomes.
const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeRejected = "rejected"
	outcomeCanceled = "canceled"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "collaborator_circuit_state",
			Help: "Circuit breaker state per collaborator (0=closed, 1=half-open, 2=open)",
		},
		[]string{"collaborator"},
	)

	breakerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collaborator_calls_total",
			Help: "Collaborator calls through the circuit breaker by outcome",
		},
		[]string{"collaborator", "outcome"},
	)

	breakerFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collaborator_circuit_fallback_total",
			Help: "Rejected collaborator calls answered by the fallback",
		},
		[]string{"collaborator"},
	)
)

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// CircuitBreakerClient guards a Client with a gobreaker circuit. 5xx and 429
// responses count as failures. Calls abandoned because the caller's context
// was cancelled do not count against the collaborator.
type CircuitBreakerClient struct {
	client   *Client
	breaker  *gobreaker.CircuitBreaker[*http.Response]
	logger   *slog.Logger
	fallback FallbackFunc
	name     string
}

// NewCircuitBreakerClient wraps client. Zero config fields take
// DefaultCircuitBreakerConfig values.
func NewCircuitBreakerClient(client *Client, cfg CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerClient {
	cfg = cfg.withDefaults()

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("collaborator", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			breakerState.WithLabelValues(name).Set(stateValue(to))
		},
	}
	breakerState.WithLabelValues(cfg.Name).Set(stateValue(gobreaker.StateClosed))

	return &CircuitBreakerClient{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker[*http.Response](settings),
		logger:  logger,
		name:    cfg.Name,
	}
}

// WithFallback returns a copy that answers rejected calls with fn.
func (c *CircuitBreakerClient) WithFallback(fn FallbackFunc) *CircuitBreakerClient {
	cpy := *c
	cpy.fallback = fn
	return &cpy
}

// ErrCircuitOpen matches calls rejected by an open breaker.
var ErrCircuitOpen = gobreaker.ErrOpenState

// Do sends req through the breaker. Failing responses come back as
// classified AppErrors from ParseResponseError. Rejections go to the
// fallback when set, otherwise they are returned as transient errors that
// still match ErrCircuitOpen or gobreaker.ErrTooManyRequests.
func (c *CircuitBreakerClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		resp, err := c.client.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		if retryableStatus(resp.StatusCode) {
			return nil, ParseResponseError(resp, c.name)
		}
		return resp, nil
	})

	switch {
	case err == nil:
		breakerCalls.WithLabelValues(c.name, outcomeSuccess).Inc()
		return resp, nil
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, gobreaker.ErrTooManyRequests):
		breakerCalls.WithLabelValues(c.name, outcomeRejected).Inc()
		if c.fallback != nil {
			breakerFallbacks.WithLabelValues(c.name).Inc()
			c.logger.WarnContext(ctx, "circuit breaker rejected call, using fallback",
				slog.String("collaborator", c.name),
				slog.String("state", c.breaker.State().String()),
			)
			return c.fallback(ctx, err)
		}
		return nil, apperrors.Transient(fmt.Sprintf("%s circuit open", c.name), err)
	case errors.Is(err, context.Canceled):
		breakerCalls.WithLabelValues(c.name, outcomeCanceled).Inc()
		return nil, err
	default:
		breakerCalls.WithLabelValues(c.name, outcomeFailure).Inc()
		return nil, err
	}
}

// State returns the current breaker state.
func (c *CircuitBreakerClient) State() gobreaker.State {
	return c.breaker.State()
}
