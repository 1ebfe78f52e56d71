package domain

import "time"

// ============================================================
// Validation results
// ============================================================

// MetricDelta compares one metric between the baseline run and the test run.
// DeltaPct is direction-aware: positive means the metric improved.
type MetricDelta struct {
	Baseline float64 `json:"baseline"`
	Test     float64 `json:"test"`
	DeltaPct float64 `json:"delta_pct"`
	Improved bool    `json:"improved"`
}

// ValidationResult is one run of a proposal against held-out test data.
// A proposal may accumulate several runs; each is evaluated on its own.
type ValidationResult struct {
	ValidationID        string                 `json:"validation_id"`
	ProposalID          string                 `json:"proposal_id" validate:"required"`
	TestDatasetSize     int                    `json:"test_dataset_size" validate:"required,gt=0"`
	TestsPassed         int                    `json:"tests_passed" validate:"gte=0,ltefield=TestDatasetSize"`
	TestsFailed         int                    `json:"tests_failed" validate:"gte=0"`
	BaselineMetrics     map[string]float64     `json:"baseline_metrics" validate:"required,min=1"`
	TestMetrics         map[string]float64     `json:"test_metrics" validate:"required,min=1"`
	ImprovementDelta    map[string]MetricDelta `json:"improvement_delta,omitempty"`
	RegressionsDetected bool                   `json:"regressions_detected"`
	RegressionDetails   string                 `json:"regression_details,omitempty"`
	Anomalies           []string               `json:"anomalies,omitempty"`
	CompletedAt         time.Time              `json:"completed_at"`
}

// ============================================================
// Deployment decisions
// ============================================================

// Recommendation is the verdict of a decision.
type Recommendation string

const (
	RecommendApprove     Recommendation = "APPROVE"
	RecommendReject      Recommendation = "REJECT"
	RecommendNeedsReview Recommendation = "NEEDS_REVIEW"
)

// Valid reports whether r is one of the three verdicts.
func (r Recommendation) Valid() bool {
	switch r {
	case RecommendApprove, RecommendReject, RecommendNeedsReview:
		return true
	}
	return false
}

// DecisionOrigin tells who produced a decision.
type DecisionOrigin string

const (
	OriginAutomated DecisionOrigin = "automated"
	OriginHuman     DecisionOrigin = "human"
)

// ImprovementAchieved compares estimated and measured improvement.
type ImprovementAchieved struct {
	Estimated       float64  `json:"estimated"`
	Actual          float64  `json:"actual"`
	MetTarget       bool     `json:"met_target"`
	KeyImprovements []string `json:"key_improvements"`
}

// RegressionAnalysis lists worsening metrics found during validation.
type RegressionAnalysis struct {
	Detected            bool     `json:"detected"`
	CriticalRegressions []string `json:"critical_regressions"`
	AcceptableTradeoffs []string `json:"acceptable_tradeoffs"`
}

// TestQuality describes the validation run itself.
type TestQuality struct {
	DatasetSize        int      `json:"dataset_size"`
	PassRate           float64  `json:"pass_rate"`
	SufficientCoverage bool     `json:"sufficient_coverage"`
	AnomaliesDetected  []string `json:"anomalies_detected"`
}

// StatisticalSignificance records whether the improvement is beyond noise.
type StatisticalSignificance struct {
	IsSignificant bool   `json:"is_significant"`
	Reasoning     string `json:"reasoning"`
}

// DetailedAnalysis is the structured body of a decision.
type DetailedAnalysis struct {
	ImprovementAchieved     ImprovementAchieved     `json:"improvement_achieved"`
	Regressions             RegressionAnalysis      `json:"regressions"`
	TestQuality             TestQuality             `json:"test_quality"`
	StatisticalSignificance StatisticalSignificance `json:"statistical_significance"`
}

// DeploymentDecision is produced once per validation run and never edited.
// A human override is stored as a new decision that supersedes the old one.
type DeploymentDecision struct {
	DecisionID            string           `json:"decision_id"`
	ProposalID            string           `json:"proposal_id"`
	ValidationID          string           `json:"validation_id,omitempty"`
	Recommendation        Recommendation   `json:"recommendation"`
	Confidence            float64          `json:"confidence"`
	Summary               string           `json:"summary"`
	DetailedAnalysis      DetailedAnalysis `json:"detailed_analysis"`
	Conditions            []string         `json:"conditions,omitempty"`
	RejectionReasons      []string         `json:"rejection_reasons,omitempty"`
	ReviewRequiredBecause []string         `json:"review_required_because,omitempty"`
	Origin                DecisionOrigin   `json:"origin"`
	Actor                 string           `json:"actor,omitempty"`
	SupersedesID          string           `json:"supersedes_id,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
}

// Reasons returns the variant-specific explanation list.
func (d *DeploymentDecision) Reasons() []string {
	switch d.Recommendation {
	case RecommendApprove:
		return d.Conditions
	case RecommendReject:
		return d.RejectionReasons
	}
	return d.ReviewRequiredBecause
}

// ============================================================
// Audit trail
// ============================================================

// EntityType names the kind of entity an audit entry belongs to.
type EntityType string

const (
	EntityAlert    EntityType = "alert"
	EntityProposal EntityType = "proposal"
)

// AuditEntry is one immutable row of an entity's history.
type AuditEntry struct {
	EntryID    string     `json:"entry_id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	FromStatus string     `json:"from_status"`
	ToStatus   string     `json:"to_status"`
	Actor      string     `json:"actor"`
	Reason     string     `json:"reason,omitempty"`
	Version    int        `json:"version"`
	At         time.Time  `json:"at"`
}

// Actors used by automated components.
const (
	ActorDetector   = "system:detector"
	ActorResearcher = "system:researcher"
	ActorGate       = "system:gate"
	ActorValidation = "system:validation"
)
