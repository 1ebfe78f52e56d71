package domain

import "time"

// ============================================================
// Collaborator payloads
// ============================================================

// ChangeKind is the kind of a recent change reported by the trace collaborator.
type ChangeKind string

const (
	ChangeCode   ChangeKind = "code"
	ChangeConfig ChangeKind = "config"
	ChangePrompt ChangeKind = "prompt"
	ChangeInfra  ChangeKind = "infra"
	ChangeData   ChangeKind = "data"
)

// RecentChange is a deploy, config push or similar event near the anomaly.
type RecentChange struct {
	Kind        ChangeKind `json:"kind"`
	Ref         string     `json:"ref"`
	Description string     `json:"description,omitempty"`
	At          time.Time  `json:"at"`
}

// TraceContext is what the trace/context collaborator knows about a
// component around the time of an alert.
type TraceContext struct {
	Component     string            `json:"component"`
	Criticality   string            `json:"criticality,omitempty"`
	RecentChanges []RecentChange    `json:"recent_changes"`
	ErrorSamples  []ErrorSample     `json:"error_samples"`
	Signals       map[string]string `json:"signals,omitempty"`
}

// GenerationKind names the piece of prose being requested.
type GenerationKind string

const (
	GenerateTechnicalDetail     GenerationKind = "technical_detail"
	GenerateProposalDescription GenerationKind = "proposal_description"
)

// GenerationRequest is the structured context handed to the text generator.
// Decision logic never parses the returned text.
type GenerationRequest struct {
	Kind    GenerationKind    `json:"kind"`
	AlertID string            `json:"alert_id,omitempty"`
	Facts   map[string]string `json:"facts"`
}

// DeploymentEvent is emitted to the external deployment system.
type DeploymentEvent struct {
	Action         string         `json:"action"` // implement
	IdempotencyKey string         `json:"idempotency_key"`
	ProposalID     string         `json:"proposal_id"`
	DecisionID     string         `json:"decision_id"`
	ProposalType   ProposalType   `json:"proposal_type"`
	Component      string         `json:"component,omitempty"`
	Changes        map[string]any `json:"proposed_changes"`
	RollbackPlan   string         `json:"rollback_plan"`
	EmittedAt      time.Time      `json:"emitted_at"`
}

// ============================================================
// Scans
// ============================================================

// ScanTick is emitted by the scheduler once per interval.
type ScanTick struct {
	Seq int64     `json:"seq"`
	At  time.Time `json:"at"`
}

// ScanReport summarises one pipeline scan.
type ScanReport struct {
	Tick              ScanTick               `json:"tick"`
	Snapshots         int                    `json:"snapshots"`
	Anomalies         int                    `json:"anomalies"`
	DataQualityErrors int                    `json:"data_quality_errors"`
	AlertsCreated     int                    `json:"alerts_created"`
	AlertsMerged      int                    `json:"alerts_merged"`
	ProposalsCreated  int                    `json:"proposals_created"`
	Decisions         map[Recommendation]int `json:"decisions"`
	Reconciled        int                    `json:"reconciled"`
	Errors            []string               `json:"errors,omitempty"`
}

// IngestResult is returned when a single snapshot is pushed for detection.
type IngestResult struct {
	Detection *Detection            `json:"detection"`
	Merged    bool                  `json:"merged"`
	Analysis  *RootCauseAnalysis    `json:"analysis,omitempty"`
	Proposals []ImprovementProposal `json:"proposals,omitempty"`
}
