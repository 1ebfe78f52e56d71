package domain

import "time"

// ============================================================
// Root-cause analysis
// ============================================================

// RootCauseCategory classifies the likely origin of an anomaly.
type RootCauseCategory string

const (
	CategoryCodeDefect         RootCauseCategory = "code_defect"
	CategoryConfigRegression   RootCauseCategory = "config_regression"
	CategoryPromptRegression   RootCauseCategory = "prompt_regression"
	CategoryInfrastructure     RootCauseCategory = "infrastructure"
	CategoryDataQuality        RootCauseCategory = "data_quality"
	CategoryExternalDependency RootCauseCategory = "external_dependency"
)

// Actionability says whether an analysis warrants a proposal.
type Actionability string

const (
	Actionable    Actionability = "actionable"
	Informational Actionability = "informational"
)

// RootCauseAnalysis is owned by an alert; at most one exists per alert.
type RootCauseAnalysis struct {
	AlertID         string            `json:"alert_id"`
	Category        RootCauseCategory `json:"category"`
	TechnicalDetail string            `json:"technical_detail"`
	Actionability   Actionability     `json:"actionability"`
	ConfidenceScore float64           `json:"confidence_score"`
	RuleID          string            `json:"rule_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// ============================================================
// Improvement proposals
// ============================================================

// ProposalType is the kind of change a proposal makes.
type ProposalType string

const (
	ProposalCodeFix      ProposalType = "code_fix"
	ProposalConfigChange ProposalType = "config_change"
	ProposalPromptUpdate ProposalType = "prompt_update"
	ProposalInfraChange  ProposalType = "infra_change"
)

// Valid reports whether t is a known proposal type.
func (t ProposalType) Valid() bool {
	switch t {
	case ProposalCodeFix, ProposalConfigChange, ProposalPromptUpdate, ProposalInfraChange:
		return true
	}
	return false
}

// RiskLevel is the blast-radius judgement of a proposal.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ProposalStatus is the lifecycle state of a proposal.
type ProposalStatus string

const (
	ProposalPendingApproval ProposalStatus = "pending_approval"
	ProposalApproved        ProposalStatus = "approved"
	ProposalRejected        ProposalStatus = "rejected"
	ProposalNeedsReview     ProposalStatus = "needs_review"
	ProposalImplemented     ProposalStatus = "implemented"
)

var proposalTransitions = map[ProposalStatus][]ProposalStatus{
	ProposalPendingApproval: {ProposalApproved, ProposalRejected, ProposalNeedsReview},
	ProposalApproved:        {ProposalImplemented},
	ProposalNeedsReview:     {ProposalPendingApproval},
}

// CanTransition reports whether a proposal may move from s to next.
func (s ProposalStatus) CanTransition(next ProposalStatus) bool {
	for _, allowed := range proposalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s ProposalStatus) Terminal() bool {
	return len(proposalTransitions[s]) == 0
}

// ImprovementProposal is a candidate fix for an alert.
type ImprovementProposal struct {
	ProposalID              string         `json:"proposal_id"`
	SourceAlertID           string         `json:"source_alert_id,omitempty"`
	Component               string         `json:"component,omitempty"`
	Title                   string         `json:"title"`
	Description             string         `json:"description"`
	ProposalType            ProposalType   `json:"proposal_type"`
	TargetMetric            string         `json:"target_metric,omitempty"`
	EstimatedImprovementPct float64        `json:"estimated_improvement_pct"`
	RiskLevel               RiskLevel      `json:"risk_level"`
	ProposedChanges         map[string]any `json:"proposed_changes"`
	TestPlan                string         `json:"test_plan"`
	RollbackPlan            string         `json:"rollback_plan"`
	Status                  ProposalStatus `json:"status"`
	RejectionReason         string         `json:"rejection_reason,omitempty"`
	CreatedAt               time.Time      `json:"created_at"`
	ApprovedAt              *time.Time     `json:"approved_at,omitempty"`
	RejectedAt              *time.Time     `json:"rejected_at,omitempty"`
	ReviewRequestedAt       *time.Time     `json:"review_requested_at,omitempty"`
	ImplementedAt           *time.Time     `json:"implemented_at,omitempty"`
	Version                 int            `json:"version"`
}

// Clone returns a copy of the proposal. ProposedChanges is copied one level
// deep; nested values are treated as opaque and never mutated.
func (p *ImprovementProposal) Clone() *ImprovementProposal {
	if p == nil {
		return nil
	}
	out := *p
	if p.ProposedChanges != nil {
		out.ProposedChanges = make(map[string]any, len(p.ProposedChanges))
		for k, v := range p.ProposedChanges {
			out.ProposedChanges[k] = v
		}
	}
	out.ApprovedAt = cloneTime(p.ApprovedAt)
	out.RejectedAt = cloneTime(p.RejectedAt)
	out.ReviewRequestedAt = cloneTime(p.ReviewRequestedAt)
	out.ImplementedAt = cloneTime(p.ImplementedAt)
	return &out
}

// Stamp records the decision timestamp that corresponds to status s.
func (p *ImprovementProposal) Stamp(s ProposalStatus, at time.Time) {
	t := at
	switch s {
	case ProposalApproved:
		p.ApprovedAt = &t
	case ProposalRejected:
		p.RejectedAt = &t
	case ProposalNeedsReview:
		p.ReviewRequestedAt = &t
	case ProposalImplemented:
		p.ImplementedAt = &t
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ProposalFilter narrows proposal listings. Empty fields match everything.
type ProposalFilter struct {
	Status        ProposalStatus
	ProposalType  ProposalType
	SourceAlertID string
}

// Matches reports whether p satisfies the filter.
func (f ProposalFilter) Matches(p *ImprovementProposal) bool {
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.ProposalType != "" && p.ProposalType != f.ProposalType {
		return false
	}
	if f.SourceAlertID != "" && p.SourceAlertID != f.SourceAlertID {
		return false
	}
	return true
}

// ProposalStats is returned by GET /proposals/stats.
type ProposalStats struct {
	PendingCount     int `json:"pending_count"`
	ApprovedCount    int `json:"approved_count"`
	RejectedCount    int `json:"rejected_count"`
	ImplementedCount int `json:"implemented_count"`
	NeedsReviewCount int `json:"needs_review_count"`
}
