package client

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/infra/resilience"
)

// TraceClient fetches recent changes and error samples for a component.
type TraceClient struct {
	ep endpoint
}

// NewTraceClient creates a new TraceClient.
func NewTraceClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *TraceClient {
	return &TraceClient{ep: endpoint{
		service:    "trace",
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		cfg:        cfg,
	}}
}

func (c *TraceClient) Context(ctx context.Context, alert *domain.Alert) (*domain.TraceContext, error) {
	ctx, span := tracer.Start(ctx, "TraceClient.Context")
	defer span.End()
	span.SetAttributes(
		attribute.String("alert.id", alert.AlertID),
		attribute.String("component", alert.AffectedComponent),
	)

	q := url.Values{}
	q.Set("alert_id", alert.AlertID)
	q.Set("at", alert.TriggeredAt.UTC().Format(time.RFC3339))
	path := "/v1/context/" + url.PathEscape(alert.AffectedComponent) + "?" + q.Encode()

	var tc domain.TraceContext
	if err := c.ep.call(ctx, http.MethodGet, path, nil, nil, &tc); err != nil {
		return nil, err
	}
	if tc.Component == "" {
		tc.Component = alert.AffectedComponent
	}
	return &tc, nil
}
