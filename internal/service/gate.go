package service

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/infra/observability"
	"github.com/boddenberg/quality-loop-go/internal/port"
)

// Gate applies deployment decisions to proposals and emits implement events.
type Gate struct {
	proposals    *ProposalService
	sink         port.DeploymentSink
	locker       port.DedupLocker
	requireHuman bool
	clock        port.Clock
	metrics      *observability.Metrics
	logger       *zap.Logger
}

// NewGate creates the deployment gate. With requireHuman set, automated
// approvals stop at approved and wait for an operator. locker must be the
// one the ValidationRunner uses.
func NewGate(
	proposals *ProposalService,
	sink port.DeploymentSink,
	locker port.DedupLocker,
	requireHuman bool,
	clock port.Clock,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Gate {
	return &Gate{
		proposals:    proposals,
		sink:         sink,
		locker:       locker,
		requireHuman: requireHuman,
		clock:        clock,
		metrics:      metrics,
		logger:       logger,
	}
}

// Apply records an automated decision and moves the pending proposal
// accordingly. The caller holds the proposal lock. A failed implement
// emission leaves the proposal approved for Reconcile to retry.
func (g *Gate) Apply(ctx context.Context, d *domain.DeploymentDecision) (*domain.ImprovementProposal, error) {
	ctx, span := tracer.Start(ctx, "Gate.Apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("proposal.id", d.ProposalID),
		attribute.String("decision.recommendation", string(d.Recommendation)),
	)

	p, err := g.proposals.Get(ctx, d.ProposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != domain.ProposalPendingApproval {
		return nil, &domain.ErrInvalidTransition{
			Entity: domain.EntityProposal, ID: p.ProposalID,
			From: string(p.Status), To: "decided",
		}
	}
	if err := g.proposals.recordDecision(ctx, d); err != nil {
		return nil, err
	}

	reason := strings.Join(d.Reasons(), "; ")
	switch d.Recommendation {
	case domain.RecommendApprove:
		p, err = g.proposals.Transition(ctx, p.ProposalID, domain.ProposalApproved, domain.ActorGate, d.Summary)
		if err != nil {
			return nil, err
		}
		if g.requireHuman {
			g.logger.Info("approval awaits human confirmation",
				zap.String("proposal_id", p.ProposalID),
				zap.String("decision_id", d.DecisionID),
			)
			return p, nil
		}
		return g.implementOrKeep(ctx, p, d), nil
	case domain.RecommendReject:
		return g.proposals.Transition(ctx, p.ProposalID, domain.ProposalRejected, domain.ActorGate, reason)
	default:
		return g.proposals.Transition(ctx, p.ProposalID, domain.ProposalNeedsReview, domain.ActorGate, reason)
	}
}

// Override records a human APPROVE or REJECT that supersedes the latest
// decision. A proposal under review is resubmitted first. It waits for any
// validation of the proposal in flight.
func (g *Gate) Override(ctx context.Context, proposalID string, rec domain.Recommendation, actor, reason string) (*domain.DeploymentDecision, *domain.ImprovementProposal, error) {
	ctx, span := tracer.Start(ctx, "Gate.Override")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", proposalID), attribute.String("decision.recommendation", string(rec)))

	if rec != domain.RecommendApprove && rec != domain.RecommendReject {
		return nil, nil, &domain.ErrValidation{Field: "recommendation", Message: "override must be APPROVE or REJECT"}
	}
	if actor == "" {
		return nil, nil, &domain.ErrValidation{Field: "actor", Message: "is required"}
	}

	unlock, err := g.locker.Lock(ctx, proposalLockKey(proposalID))
	if err != nil {
		return nil, nil, fmt.Errorf("proposal lock: %w", err)
	}
	defer unlock()

	p, err := g.proposals.Get(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	allowed := p.Status == domain.ProposalPendingApproval || p.Status == domain.ProposalNeedsReview ||
		(rec == domain.RecommendApprove && p.Status == domain.ProposalApproved)
	if !allowed {
		to := domain.ProposalApproved
		if rec == domain.RecommendReject {
			to = domain.ProposalRejected
		}
		return nil, nil, &domain.ErrInvalidTransition{
			Entity: domain.EntityProposal, ID: proposalID,
			From: string(p.Status), To: string(to),
		}
	}

	history, err := g.proposals.Decisions(ctx, proposalID)
	if err != nil {
		return nil, nil, err
	}
	d := g.humanDecision(p, rec, actor, reason, history)
	if err := g.proposals.recordDecision(ctx, d); err != nil {
		return nil, nil, err
	}

	if p.Status == domain.ProposalNeedsReview {
		if p, err = g.proposals.Resubmit(ctx, proposalID, actor, "human override"); err != nil {
			return nil, nil, err
		}
	}

	if rec == domain.RecommendReject {
		p, err = g.proposals.Transition(ctx, proposalID, domain.ProposalRejected, actor, reasonOr(reason, "rejected by "+actor))
		return d, p, err
	}
	if p.Status == domain.ProposalPendingApproval {
		if p, err = g.proposals.Transition(ctx, proposalID, domain.ProposalApproved, actor, reasonOr(reason, "approved by "+actor)); err != nil {
			return nil, nil, err
		}
	}
	return d, g.implementOrKeep(ctx, p, d), nil
}

func (g *Gate) humanDecision(p *domain.ImprovementProposal, rec domain.Recommendation, actor, reason string, history []domain.DeploymentDecision) *domain.DeploymentDecision {
	verb := "approved"
	if rec == domain.RecommendReject {
		verb = "rejected"
	}
	d := &domain.DeploymentDecision{
		DecisionID:     newID(),
		ProposalID:     p.ProposalID,
		Recommendation: rec,
		Confidence:     1.0,
		Summary:        fmt.Sprintf("[human] %s %s proposal %s", actor, verb, p.ProposalID),
		Origin:         domain.OriginHuman,
		Actor:          actor,
		CreatedAt:      g.clock.Now(),
	}
	if reason != "" {
		d.Summary += ": " + reason
	}
	if n := len(history); n > 0 {
		latest := history[n-1]
		d.SupersedesID = latest.DecisionID
		d.ValidationID = latest.ValidationID
		d.DetailedAnalysis = latest.DetailedAnalysis
	}
	explanation := []string{reasonOr(reason, verb+" by "+actor)}
	if rec == domain.RecommendApprove {
		d.Conditions = explanation
	} else {
		d.RejectionReasons = explanation
	}
	return d
}

// Reconcile emits implement events for approved proposals whose latest
// decision authorizes deployment. It returns how many were implemented.
func (g *Gate) Reconcile(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Gate.Reconcile")
	defer span.End()

	approved, err := g.proposals.List(ctx, domain.ProposalFilter{Status: domain.ProposalApproved})
	if err != nil {
		return 0, err
	}

	done := 0
	for i := range approved {
		ok, err := g.reconcileOne(ctx, approved[i].ProposalID)
		if err != nil {
			return done, err
		}
		if ok {
			done++
		}
	}
	return done, nil
}

// reconcileOne re-reads the proposal under its lock so an override that
// implemented it meanwhile is not emitted twice.
func (g *Gate) reconcileOne(ctx context.Context, proposalID string) (bool, error) {
	unlock, err := g.locker.Lock(ctx, proposalLockKey(proposalID))
	if err != nil {
		return false, fmt.Errorf("proposal lock: %w", err)
	}
	defer unlock()

	p, err := g.proposals.Get(ctx, proposalID)
	if err != nil {
		return false, err
	}
	if p.Status != domain.ProposalApproved {
		return false, nil
	}
	decisions, err := g.proposals.Decisions(ctx, proposalID)
	if err != nil {
		return false, err
	}
	if len(decisions) == 0 {
		return false, nil
	}
	latest := decisions[len(decisions)-1]
	if latest.Recommendation != domain.RecommendApprove {
		return false, nil
	}
	if latest.Origin == domain.OriginAutomated && g.requireHuman {
		return false, nil
	}
	if err := g.implement(ctx, p, &latest); err != nil {
		g.logger.Warn("reconcile: implement failed",
			zap.String("proposal_id", proposalID),
			zap.Error(err),
		)
		return false, nil
	}
	return true, nil
}

func (g *Gate) implementOrKeep(ctx context.Context, p *domain.ImprovementProposal, d *domain.DeploymentDecision) *domain.ImprovementProposal {
	if err := g.implement(ctx, p, d); err != nil {
		g.logger.Warn("implement event not delivered, proposal stays approved",
			zap.String("proposal_id", p.ProposalID),
			zap.String("decision_id", d.DecisionID),
			zap.Error(err),
		)
	}
	return p
}

// implement emits the event and marks the proposal implemented. p is updated
// in place on success.
func (g *Gate) implement(ctx context.Context, p *domain.ImprovementProposal, d *domain.DeploymentDecision) error {
	event := &domain.DeploymentEvent{
		Action:         "implement",
		IdempotencyKey: d.DecisionID,
		ProposalID:     p.ProposalID,
		DecisionID:     d.DecisionID,
		ProposalType:   p.ProposalType,
		Component:      p.Component,
		Changes:        p.ProposedChanges,
		RollbackPlan:   p.RollbackPlan,
		EmittedAt:      g.clock.Now(),
	}
	if err := g.sink.Emit(ctx, event); err != nil {
		g.metrics.IncrExternalError("deploy")
		return fmt.Errorf("emit implement event: %w", err)
	}

	updated, err := g.proposals.Transition(ctx, p.ProposalID, domain.ProposalImplemented, domain.ActorGate, "implement event emitted for decision "+d.DecisionID)
	if err != nil {
		return err
	}
	*p = *updated
	g.logger.Info("proposal implemented",
		zap.String("proposal_id", p.ProposalID),
		zap.String("decision_id", d.DecisionID),
	)
	return nil
}

func proposalLockKey(id string) string { return "proposal:" + id }

func reasonOr(reason, fallback string) string {
	if strings.TrimSpace(reason) != "" {
		return reason
	}
	return fallback
}
