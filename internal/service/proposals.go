package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/infra/observability"
	"github.com/boddenberg/quality-loop-go/internal/infra/resilience"
	"github.com/boddenberg/quality-loop-go/internal/port"
)

// ProposalRepository is the persistence ProposalService needs.
type ProposalRepository interface {
	port.ProposalStore
	port.AuditLog
}

// ProposalService owns the proposal lifecycle.
type ProposalService struct {
	store   ProposalRepository
	clock   port.Clock
	retry   resilience.Config
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewProposalService creates the proposal service.
func NewProposalService(
	store ProposalRepository,
	clock port.Clock,
	retry resilience.Config,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *ProposalService {
	return &ProposalService{
		store:   store,
		clock:   clock,
		retry:   retry,
		metrics: metrics,
		logger:  logger,
	}
}

// Create stores a new proposal in pending_approval.
func (s *ProposalService) Create(ctx context.Context, p *domain.ImprovementProposal, actor string) error {
	ctx, span := tracer.Start(ctx, "ProposalService.Create")
	defer span.End()

	if !p.ProposalType.Valid() {
		return &domain.ErrValidation{Field: "proposal_type", Message: "unknown type " + string(p.ProposalType)}
	}
	if p.ProposalID == "" {
		p.ProposalID = newID()
	}
	now := s.clock.Now()
	p.Status = domain.ProposalPendingApproval
	p.CreatedAt = now
	p.Version = 0
	span.SetAttributes(attribute.String("proposal.id", p.ProposalID))

	entry := auditEntry(domain.EntityProposal, p.ProposalID, "", string(domain.ProposalPendingApproval), actor, "proposal created", now)
	if err := s.store.CreateProposal(ctx, p, entry); err != nil {
		return fmt.Errorf("create proposal: %w", err)
	}

	s.metrics.IncrProposal(p.ProposalType)
	s.logger.Info("proposal created",
		zap.String("proposal_id", p.ProposalID),
		zap.String("alert_id", p.SourceAlertID),
		zap.String("proposal_type", string(p.ProposalType)),
		zap.String("risk_level", string(p.RiskLevel)),
	)
	return nil
}

// Transition moves a proposal along its state machine and audits the move.
// A rejection keeps its reason on the proposal.
func (s *ProposalService) Transition(ctx context.Context, proposalID string, to domain.ProposalStatus, actor, reason string) (*domain.ImprovementProposal, error) {
	ctx, span := tracer.Start(ctx, "ProposalService.Transition")
	defer span.End()
	span.SetAttributes(attribute.String("proposal.id", proposalID), attribute.String("proposal.to", string(to)))

	var updated *domain.ImprovementProposal
	err := resilience.RetryOnConflict(ctx, s.retry, func() error {
		p, err := s.store.GetProposal(ctx, proposalID)
		if err != nil {
			return err
		}
		if !p.Status.CanTransition(to) {
			return &domain.ErrInvalidTransition{
				Entity: domain.EntityProposal, ID: proposalID,
				From: string(p.Status), To: string(to),
			}
		}

		now := s.clock.Now()
		from := p.Status
		p.Status = to
		p.Stamp(to, now)
		if to == domain.ProposalRejected {
			p.RejectionReason = reason
		}

		expected := p.Version
		entry := auditEntry(domain.EntityProposal, proposalID, string(from), string(to), actor, reason, now)
		if err := s.store.UpdateProposal(ctx, p, expected, entry); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncrTransition(domain.EntityProposal, string(to))
	s.logger.Info("proposal transitioned",
		zap.String("proposal_id", proposalID),
		zap.String("status", string(to)),
		zap.String("actor", actor),
	)
	return updated, nil
}

// Resubmit returns a proposal under review to pending_approval.
func (s *ProposalService) Resubmit(ctx context.Context, proposalID, actor, reason string) (*domain.ImprovementProposal, error) {
	if reason == "" {
		reason = "resubmitted for approval"
	}
	return s.Transition(ctx, proposalID, domain.ProposalPendingApproval, actor, reason)
}

// Get returns one proposal.
func (s *ProposalService) Get(ctx context.Context, proposalID string) (*domain.ImprovementProposal, error) {
	return s.store.GetProposal(ctx, proposalID)
}

// List returns proposals matching filter, newest first.
func (s *ProposalService) List(ctx context.Context, filter domain.ProposalFilter) ([]domain.ImprovementProposal, error) {
	return s.store.ListProposals(ctx, filter)
}

// History returns the audit trail of a proposal.
func (s *ProposalService) History(ctx context.Context, proposalID string) ([]domain.AuditEntry, error) {
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}
	return s.store.History(ctx, domain.EntityProposal, proposalID)
}

// Decisions returns every decision recorded for a proposal, oldest first.
func (s *ProposalService) Decisions(ctx context.Context, proposalID string) ([]domain.DeploymentDecision, error) {
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}
	return s.store.ListDecisions(ctx, proposalID)
}

// Validations returns every validation run of a proposal, oldest first.
func (s *ProposalService) Validations(ctx context.Context, proposalID string) ([]domain.ValidationResult, error) {
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}
	return s.store.ListValidations(ctx, proposalID)
}

// Stats counts proposals by status.
func (s *ProposalService) Stats(ctx context.Context) (*domain.ProposalStats, error) {
	all, err := s.store.ListProposals(ctx, domain.ProposalFilter{})
	if err != nil {
		return nil, err
	}
	stats := &domain.ProposalStats{}
	for _, p := range all {
		switch p.Status {
		case domain.ProposalPendingApproval:
			stats.PendingCount++
		case domain.ProposalApproved:
			stats.ApprovedCount++
		case domain.ProposalRejected:
			stats.RejectedCount++
		case domain.ProposalImplemented:
			stats.ImplementedCount++
		case domain.ProposalNeedsReview:
			stats.NeedsReviewCount++
		}
	}
	return stats, nil
}

func (s *ProposalService) recordValidation(ctx context.Context, r *domain.ValidationResult) error {
	if err := s.store.SaveValidation(ctx, r); err != nil {
		return fmt.Errorf("save validation: %w", err)
	}
	return nil
}

func (s *ProposalService) recordDecision(ctx context.Context, d *domain.DeploymentDecision) error {
	if err := s.store.SaveDecision(ctx, d); err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	s.metrics.IncrDecision(d.Recommendation, d.Origin)
	s.logger.Info("decision recorded",
		zap.String("decision_id", d.DecisionID),
		zap.String("proposal_id", d.ProposalID),
		zap.String("recommendation", string(d.Recommendation)),
		zap.String("origin", string(d.Origin)),
		zap.Float64("confidence", d.Confidence),
	)
	return nil
}
