package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/infra/observability"
	"github.com/boddenberg/quality-loop-go/internal/infra/resilience"
	"github.com/boddenberg/quality-loop-go/internal/port"
)

// ValidationRunner runs proposals through the external test harness, or
// accepts results posted by it, and hands the evaluation to the gate.
type ValidationRunner struct {
	proposals *ProposalService
	harness   port.TestHarness
	locker    port.DedupLocker
	evaluator *Evaluator
	gate      *Gate
	timeout   time.Duration
	bulkhead  *resilience.Bulkhead
	clock     port.Clock
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewValidationRunner creates a runner. At most maxConcurrent harness runs
// are in flight; each is bounded by timeout on the injected clock. The locker
// keeps a proposal from being validated twice at once.
func NewValidationRunner(
	proposals *ProposalService,
	harness port.TestHarness,
	locker port.DedupLocker,
	evaluator *Evaluator,
	gate *Gate,
	timeout time.Duration,
	maxConcurrent int,
	clock port.Clock,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *ValidationRunner {
	return &ValidationRunner{
		proposals: proposals,
		harness:   harness,
		locker:    locker,
		evaluator: evaluator,
		gate:      gate,
		timeout:   timeout,
		bulkhead:  resilience.NewBulkhead(maxConcurrent),
		clock:     clock,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run validates a pending proposal through the harness. A harness that does
// not answer within the timeout yields a NEEDS_REVIEW decision.
func (v *ValidationRunner) Run(ctx context.Context, proposalID string) (*domain.DeploymentDecision, error) {
	ctx, span := tracer.Start(ctx, "ValidationRunner.Run")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", proposalID))

	unlock, err := v.locker.Lock(ctx, proposalLockKey(proposalID))
	if err != nil {
		return nil, fmt.Errorf("proposal lock: %w", err)
	}
	defer unlock()

	p, err := v.pending(ctx, proposalID)
	if err != nil {
		return nil, err
	}

	if err := v.bulkhead.Acquire(ctx); err != nil {
		return nil, err
	}
	start := v.clock.Now()
	result, err := v.runHarness(ctx, p)
	v.bulkhead.Release()
	v.metrics.RecordRequestDuration("validation", v.clock.Now().Sub(start))

	var timeout *domain.ErrValidationTimeout
	switch {
	case errors.As(err, &timeout):
		v.logger.Warn("validation timed out",
			zap.String("proposal_id", proposalID),
			zap.Duration("timeout", v.timeout),
		)
		return v.apply(ctx, v.timeoutDecision(p))
	case err != nil:
		v.metrics.IncrExternalError("harness")
		return nil, &domain.ErrExternalService{Service: "harness", Err: err}
	}
	return v.evaluate(ctx, p, result)
}

// Submit evaluates a result produced out of band for a pending proposal.
func (v *ValidationRunner) Submit(ctx context.Context, proposalID string, result *domain.ValidationResult) (*domain.DeploymentDecision, error) {
	ctx, span := tracer.Start(ctx, "ValidationRunner.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", proposalID))

	if result == nil {
		return nil, &domain.ErrValidation{Field: "body", Message: "validation result is required"}
	}
	if result.ProposalID != "" && result.ProposalID != proposalID {
		return nil, &domain.ErrValidation{Field: "proposal_id", Message: "does not match the proposal in the path"}
	}
	result.ProposalID = proposalID

	unlock, err := v.locker.Lock(ctx, proposalLockKey(proposalID))
	if err != nil {
		return nil, fmt.Errorf("proposal lock: %w", err)
	}
	defer unlock()

	p, err := v.pending(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	return v.evaluate(ctx, p, result)
}

func (v *ValidationRunner) pending(ctx context.Context, proposalID string) (*domain.ImprovementProposal, error) {
	p, err := v.proposals.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.ProposalPendingApproval {
		return nil, &domain.ErrInvalidTransition{
			Entity: domain.EntityProposal, ID: proposalID,
			From: string(p.Status), To: "validating",
		}
	}
	return p, nil
}

// runHarness bounds the harness call by the runner timeout measured on the
// injected clock and cancels the call when the bound is hit.
func (v *ValidationRunner) runHarness(ctx context.Context, p *domain.ImprovementProposal) (*domain.ValidationResult, error) {
	if v.harness == nil {
		return nil, errors.New("no test harness configured")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result *domain.ValidationResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := v.harness.Run(runCtx, p)
		done <- outcome{r, err}
	}()

	select {
	case o := <-done:
		if o.err == nil && o.result == nil {
			return nil, errors.New("harness returned no result")
		}
		return o.result, o.err
	case <-v.clock.After(v.timeout):
		return nil, &domain.ErrValidationTimeout{ProposalID: p.ProposalID}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (v *ValidationRunner) evaluate(ctx context.Context, p *domain.ImprovementProposal, r *domain.ValidationResult) (*domain.DeploymentDecision, error) {
	r.ProposalID = p.ProposalID
	if r.ValidationID == "" {
		r.ValidationID = newID()
	}
	if r.CompletedAt.IsZero() {
		r.CompletedAt = v.clock.Now()
	}
	deltas, anomalies := v.evaluator.Deltas(r)
	r.ImprovementDelta = deltas
	r.Anomalies = appendUnique(r.Anomalies, anomalies...)

	if err := v.proposals.recordValidation(ctx, r); err != nil {
		return nil, err
	}
	return v.apply(ctx, v.evaluator.Evaluate(p, r))
}

func (v *ValidationRunner) apply(ctx context.Context, d *domain.DeploymentDecision) (*domain.DeploymentDecision, error) {
	if _, err := v.gate.Apply(ctx, d); err != nil {
		return nil, fmt.Errorf("apply decision: %w", err)
	}
	return d, nil
}

func (v *ValidationRunner) timeoutDecision(p *domain.ImprovementProposal) *domain.DeploymentDecision {
	return &domain.DeploymentDecision{
		DecisionID:            newID(),
		ProposalID:            p.ProposalID,
		Recommendation:        domain.RecommendNeedsReview,
		Confidence:            0,
		Summary:               fmt.Sprintf("NEEDS_REVIEW for proposal %s: validation timeout after %s", p.ProposalID, v.timeout),
		ReviewRequiredBecause: []string{"validation timeout"},
		DetailedAnalysis: domain.DetailedAnalysis{
			ImprovementAchieved: domain.ImprovementAchieved{Estimated: p.EstimatedImprovementPct, KeyImprovements: []string{}},
			Regressions:         domain.RegressionAnalysis{CriticalRegressions: []string{}, AcceptableTradeoffs: []string{}},
			TestQuality:         domain.TestQuality{AnomaliesDetected: []string{}},
			StatisticalSignificance: domain.StatisticalSignificance{
				Reasoning: "not evaluated: validation timeout",
			},
		},
		Origin:    domain.OriginAutomated,
		Actor:     domain.ActorValidation,
		CreatedAt: v.clock.Now(),
	}
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, s := range existing {
		seen[s] = struct{}{}
	}
	for _, s := range additions {
		if _, ok := seen[s]; ok {
			continue
		}
		existing = append(existing, s)
		seen[s] = struct{}{}
	}
	return existing
}
