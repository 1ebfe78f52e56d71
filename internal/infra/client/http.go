// Package client implements the outbound collaborators of the improvement
// loop: test harness, deployment system, trace context service, text
// generation and the metric snapshot source.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/infra/resilience"
)

var tracer = otel.Tracer("client")

// StatusError is a non-2xx answer from a collaborator.
type StatusError struct {
	Service string
	Code    int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API returned status %d: %s", e.Service, e.Code, e.Body)
}

// retryable skips client errors; the request will not get better.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

// endpoint bundles what every HTTP collaborator needs.
type endpoint struct {
	service    string
	httpClient *http.Client
	baseURL    string
	cb         *gobreaker.CircuitBreaker
	cfg        resilience.Config
}

// call runs one JSON exchange through the breaker with retries. A nil out
// discards the response body. Non-2xx codes listed in accept are treated as
// success.
func (e *endpoint) call(ctx context.Context, method, path string, header http.Header, in, out any, accept ...int) error {
	_, err := e.cb.Execute(func() (any, error) {
		return nil, resilience.RetryIf(ctx, e.cfg, retryable, func() error {
			var body io.Reader
			if in != nil {
				b, err := json.Marshal(in)
				if err != nil {
					return err
				}
				body = bytes.NewReader(b)
			}

			req, err := http.NewRequestWithContext(ctx, method, e.baseURL+path, body)
			if err != nil {
				return err
			}
			for k, vs := range header {
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}
			if in != nil {
				req.Header.Set("Content-Type", "application/json")
			}
			req.Header.Set("Accept", "application/json")

			resp, err := e.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode/100 != 2 && !contains(accept, resp.StatusCode) {
				snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				return &StatusError{Service: e.service, Code: resp.StatusCode, Body: string(snippet)}
			}
			if out == nil || resp.StatusCode == http.StatusNoContent {
				return nil
			}
			return json.NewDecoder(resp.Body).Decode(out)
		})
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.ErrExternalService{Service: e.service, Err: &domain.ErrCircuitOpen{Service: e.service}}
	}
	if err != nil {
		return &domain.ErrExternalService{Service: e.service, Err: err}
	}
	return nil
}

func contains(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
