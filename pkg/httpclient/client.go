package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/MidhunGopi/AeroLux/pkg/logger"
)

// Headers stamped on every outbound call.
const (
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderSagaID        = "X-Saga-ID"
)

// Config holds HTTP client configuration.
type Config struct {
	Timeout         time.Duration
	MaxRetries      int
	RetryWaitMin    time.Duration
	RetryWaitMax    time.Duration
	MaxConnsPerHost int
	UserAgent       string
}

// DefaultConfig returns defaults for callers that want transport-level retries.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		MaxRetries:      3,
		RetryWaitMin:    time.Second,
		RetryWaitMax:    5 * time.Second,
		MaxConnsPerHost: 100,
		UserAgent:       "aerolux-booking",
	}
}

// Client wraps http.Client with connection pooling, header propagation and
// optional retries. Saga collaborators use MaxRetries 0 and leave retrying
// to the orchestrator, which knows the step's retry budget.
type Client struct {
	httpClient *http.Client
	config     Config
}

// New creates a client. Zero pool and backoff settings take DefaultConfig values.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.MaxConnsPerHost <= 0 {
		cfg.MaxConnsPerHost = def.MaxConnsPerHost
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = def.RetryWaitMin
	}
	if cfg.RetryWaitMax < cfg.RetryWaitMin {
		cfg.RetryWaitMax = max(def.RetryWaitMax, cfg.RetryWaitMin)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   cfg.MaxConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return &Client{
		httpClient: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		config:     cfg,
	}
}

// Do sends req with trace context, correlation id and saga id taken from ctx.
// Network errors and 5xx responses other than 501 are retried up to
// MaxRetries times, honouring Retry-After on 429 and 503. A request whose
// body cannot be rewound is sent once.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	req = req.WithContext(ctx)
	c.stampHeaders(ctx, req.Header)

	maxTries := c.config.MaxRetries + 1
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		maxTries = 1
	}

	attempts := 0
	resp, err := backoff.Retry(ctx, func() (*http.Response, error) {
		attempts++
		if attempts > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, backoff.Permanent(fmt.Errorf("rewind request body: %w", err))
			}
			req.Body = body
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if isRetryableError(err) {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		if attempts >= maxTries || !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		wait := retryAfter(resp)
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if wait > 0 {
			return nil, backoff.RetryAfter(wait)
		}
		return nil, fmt.Errorf("server returned %d", resp.StatusCode)
	},
		backoff.WithBackOff(c.retryBackOff()),
		backoff.WithMaxTries(uint(maxTries)),
	)
	if err != nil {
		return nil, fmt.Errorf("%s %s failed after %d attempts: %w", req.Method, req.URL.Redacted(), attempts, err)
	}
	return resp, nil
}

func (c *Client) stampHeaders(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
	if id := logger.CorrelationIDFromContext(ctx); id != "" && h.Get(HeaderCorrelationID) == "" {
		h.Set(HeaderCorrelationID, id)
	}
	if id := logger.SagaIDFromContext(ctx); id != "" && h.Get(HeaderSagaID) == "" {
		h.Set(HeaderSagaID, id)
	}
	if c.config.UserAgent != "" && h.Get("User-Agent") == "" {
		h.Set("User-Agent", c.config.UserAgent)
	}
}

func (c *Client) retryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryWaitMin
	b.MaxInterval = c.config.RetryWaitMax
	b.Multiplier = 2
	return b
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		(status >= 500 && status != http.StatusNotImplemented)
}

// retryAfter returns the Retry-After delay in whole seconds, or 0 when the
// header is absent or not a delay in seconds.
func retryAfter(resp *http.Response) int {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0
	}
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	return secs
}

// isRetryableError reports whether a transport error is worth another attempt.
// Context cancellation and deadline expiry are final.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
