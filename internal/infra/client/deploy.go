package client

import (
	"context"
	"net/http"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/infra/resilience"
)

// IdempotencyHeader carries the decision ID so a retried emit is applied once.
const IdempotencyHeader = "Idempotency-Key"

// DeployClient sends implement events to the deployment system.
type DeployClient struct {
	ep endpoint
}

// NewDeployClient creates a new DeployClient.
func NewDeployClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *DeployClient {
	return &DeployClient{ep: endpoint{
		service:    "deploy",
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		cfg:        cfg,
	}}
}

// Emit posts the event. 409 means the deployment system already has it.
func (c *DeployClient) Emit(ctx context.Context, event *domain.DeploymentEvent) error {
	ctx, span := tracer.Start(ctx, "DeployClient.Emit")
	defer span.End()
	span.SetAttributes(
		attribute.String("proposal.id", event.ProposalID),
		attribute.String("decision.id", event.DecisionID),
	)

	h := http.Header{}
	h.Set(IdempotencyHeader, event.IdempotencyKey)
	return c.ep.call(ctx, http.MethodPost, "/v1/deployments", h, event, nil, http.StatusConflict)
}
