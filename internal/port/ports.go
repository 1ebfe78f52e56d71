// Package port defines the interfaces (ports) for storage and external
// collaborators. Following hexagonal architecture, these ports decouple the
// domain/service layer from concrete implementations.
package port

import (
	"context"
	"time"

	"github.com/boddenberg/quality-loop-go/internal/domain"
)

// SnapshotSource supplies current vs baseline metrics for a window.
type SnapshotSource interface {
	Fetch(ctx context.Context, window time.Duration, at time.Time) ([]domain.MetricSnapshot, error)
}

// TraceContextProvider returns what is known about a component around an alert.
type TraceContextProvider interface {
	Context(ctx context.Context, alert *domain.Alert) (*domain.TraceContext, error)
}

// TextGenerator produces human-readable prose from structured facts.
// Callers must not parse the result.
type TextGenerator interface {
	Generate(ctx context.Context, req domain.GenerationRequest) (string, error)
}

// TestHarness runs a proposal against held-out test data.
type TestHarness interface {
	Run(ctx context.Context, proposal *domain.ImprovementProposal) (*domain.ValidationResult, error)
}

// DeploymentSink receives implement events for approved proposals.
type DeploymentSink interface {
	Emit(ctx context.Context, event *domain.DeploymentEvent) error
}

// DedupLocker serialises alert creation per fingerprint across processes.
// Lock blocks until the key is held or ctx ends; the returned func releases it.
type DedupLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Clock is the only source of time for detection, validation and scheduling.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
	After(d time.Duration) <-chan time.Time
}

// Ticker delivers ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}

// AlertStore persists alerts and their analyses. Status-changing writes carry
// the version the caller read and the audit row to append atomically.
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *domain.Alert, entry domain.AuditEntry) error
	GetAlert(ctx context.Context, alertID string) (*domain.Alert, error)
	// FindActiveByFingerprint returns the newest active alert with the given
	// fingerprint triggered at or after since, or nil when there is none.
	FindActiveByFingerprint(ctx context.Context, fingerprint string, since time.Time) (*domain.Alert, error)
	UpdateAlert(ctx context.Context, alert *domain.Alert, expectedVersion int, entry domain.AuditEntry) error
	ListAlerts(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error)

	SaveAnalysis(ctx context.Context, analysis *domain.RootCauseAnalysis) error
	GetAnalysis(ctx context.Context, alertID string) (*domain.RootCauseAnalysis, error)
}

// ProposalStore persists proposals, their validation runs and decisions.
type ProposalStore interface {
	CreateProposal(ctx context.Context, proposal *domain.ImprovementProposal, entry domain.AuditEntry) error
	GetProposal(ctx context.Context, proposalID string) (*domain.ImprovementProposal, error)
	UpdateProposal(ctx context.Context, proposal *domain.ImprovementProposal, expectedVersion int, entry domain.AuditEntry) error
	ListProposals(ctx context.Context, filter domain.ProposalFilter) ([]domain.ImprovementProposal, error)

	SaveValidation(ctx context.Context, result *domain.ValidationResult) error
	ListValidations(ctx context.Context, proposalID string) ([]domain.ValidationResult, error)

	SaveDecision(ctx context.Context, decision *domain.DeploymentDecision) error
	ListDecisions(ctx context.Context, proposalID string) ([]domain.DeploymentDecision, error)
}

// AuditLog reads the append-only history written by the stores.
type AuditLog interface {
	History(ctx context.Context, entity domain.EntityType, entityID string) ([]domain.AuditEntry, error)
}

// Store bundles everything a persistence backend provides.
type Store interface {
	AlertStore
	ProposalStore
	AuditLog
	Ping(ctx context.Context) error
}
