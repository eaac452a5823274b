// Package client calls the collaborators of the booking workflow over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	apperrors "github.com/MidhunGopi/AeroLux/pkg/errors"
	"github.com/MidhunGopi/AeroLux/pkg/httpclient"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both httpclient.Client and httpclient.CircuitBreakerClient satisfy this.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// CircuitOpenFallback builds the breaker fallback for a collaborator. The
// returned error stays transient so saga steps back off and retry instead of
// compensating on the first rejected call.
func CircuitOpenFallback(service string) httpclient.FallbackFunc {
	return func(_ context.Context, err error) (*http.Response, error) {
		return nil, apperrors.Transient(service+" is temporarily unavailable", err)
	}
}

type caller struct {
	http    HTTPDoer
	baseURL string
	service string
	logger  *slog.Logger
}

// call sends body as JSON and decodes a 2xx response into out when out is
// non-nil. Non-2xx responses are mapped by httpclient.ParseResponseError.
func (c *caller) call(ctx context.Context, method, path string, body any, header http.Header, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", c.service, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", c.service, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return c.transportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpclient.ParseResponseError(resp, c.service)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.service, err)
	}
	return nil
}

// transportError keeps already classified errors and marks everything else
// transient: the request never produced a response.
func (c *caller) transportError(err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Transient(fmt.Sprintf("call %s service", c.service), err)
}

// ignoreNotFound makes undo calls idempotent: the collaborator has nothing
// left to undo.
func ignoreNotFound(err error) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil
	}
	return err
}
