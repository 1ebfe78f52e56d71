package client

import (
	"context"
	"net/http"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/infra/resilience"
)

// HarnessClient asks the external test harness to replay a proposal against
// held-out data. The call blocks until the run completes; the caller bounds
// it with the validation timeout.
type HarnessClient struct {
	ep endpoint
}

// NewHarnessClient creates a new HarnessClient.
func NewHarnessClient(httpClient *http.Client, baseURL string, cb *gobreaker.CircuitBreaker, cfg resilience.Config) *HarnessClient {
	return &HarnessClient{ep: endpoint{
		service:    "harness",
		httpClient: httpClient,
		baseURL:    baseURL,
		cb:         cb,
		cfg:        cfg,
	}}
}

type harnessRequest struct {
	ProposalID      string              `json:"proposal_id"`
	ProposalType    domain.ProposalType `json:"proposal_type"`
	Component       string              `json:"component,omitempty"`
	TargetMetric    string              `json:"target_metric,omitempty"`
	ProposedChanges map[string]any      `json:"proposed_changes"`
	TestPlan        string              `json:"test_plan"`
}

func (c *HarnessClient) Run(ctx context.Context, p *domain.ImprovementProposal) (*domain.ValidationResult, error) {
	ctx, span := tracer.Start(ctx, "HarnessClient.Run")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", p.ProposalID))

	req := harnessRequest{
		ProposalID:      p.ProposalID,
		ProposalType:    p.ProposalType,
		Component:       p.Component,
		TargetMetric:    p.TargetMetric,
		ProposedChanges: p.ProposedChanges,
		TestPlan:        p.TestPlan,
	}
	var result domain.ValidationResult
	if err := c.ep.call(ctx, http.MethodPost, "/v1/validations", nil, req, &result); err != nil {
		return nil, err
	}
	if result.ProposalID == "" {
		result.ProposalID = p.ProposalID
	}
	return &result, nil
}
