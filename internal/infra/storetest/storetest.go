// Package storetest holds the behavioural contract every port.Store
// implementation must satisfy. Backends call Run from their own tests.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/port"
)

// Epoch is the fixed time the fixtures are built around.
var Epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// Run executes the contract against stores produced by newStore. Each
// subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) port.Store) {
	t.Run("AlertLifecycle", func(t *testing.T) { testAlertLifecycle(t, newStore(t)) })
	t.Run("AlertFingerprintLookup", func(t *testing.T) { testFingerprintLookup(t, newStore(t)) })
	t.Run("AlertListing", func(t *testing.T) { testAlertListing(t, newStore(t)) })
	t.Run("AnalysisOncePerAlert", func(t *testing.T) { testAnalysis(t, newStore(t)) })
	t.Run("ProposalLifecycle", func(t *testing.T) { testProposalLifecycle(t, newStore(t)) })
	t.Run("ProposalListing", func(t *testing.T) { testProposalListing(t, newStore(t)) })
	t.Run("ValidationsAndDecisions", func(t *testing.T) { testValidationsAndDecisions(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
}

// Alert builds an active alert fixture.
func Alert(id, fingerprint string, severity domain.Severity, at time.Time) *domain.Alert {
	return &domain.Alert{
		AlertID:           id,
		Fingerprint:       fingerprint,
		Severity:          severity,
		Title:             "error_rate degraded on retriever",
		Description:       "error_rate 0.02 -> 0.08",
		AffectedComponent: "retriever",
		MetricDegradations: []domain.MetricDegradation{
			{Metric: "error_rate", Baseline: 0.02, Current: 0.08, DegradationPct: 300, Severity: domain.SeverityCritical},
		},
		EstimatedQueriesAffectedPct: 8,
		ConfidenceScore:             0.8,
		RequiresImmediateAction:     true,
		Status:                      domain.AlertActive,
		TriggeredAt:                 at,
	}
}

// Proposal builds a pending proposal fixture.
func Proposal(id, alertID string, t domain.ProposalType, at time.Time) *domain.ImprovementProposal {
	return &domain.ImprovementProposal{
		ProposalID:              id,
		SourceAlertID:           alertID,
		Component:               "retriever",
		Title:                   "Roll back retriever config",
		Description:             "restore previous top_k",
		ProposalType:            t,
		TargetMetric:            "error_rate",
		EstimatedImprovementPct: 12.5,
		RiskLevel:               domain.RiskLow,
		ProposedChanges:         map[string]any{"top_k": float64(8)},
		TestPlan:                "replay held-out set",
		RollbackPlan:            "revert config",
		Status:                  domain.ProposalPendingApproval,
		CreatedAt:               at,
	}
}

func entry(entity domain.EntityType, id, from, to string, at time.Time) domain.AuditEntry {
	return domain.AuditEntry{
		EntryID:    id + ":" + to + ":" + at.Format(time.RFC3339Nano),
		EntityType: entity,
		EntityID:   id,
		FromStatus: from,
		ToStatus:   to,
		Actor:      "tester",
		At:         at,
	}
}

func testAlertLifecycle(t *testing.T, s port.Store) {
	ctx := context.Background()
	a := Alert("a1", "fp1", domain.SeverityCritical, Epoch)

	require.NoError(t, s.CreateAlert(ctx, a, entry(domain.EntityAlert, "a1", "", "active", Epoch)))
	assert.Equal(t, 1, a.Version)

	got, err := s.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, domain.AlertActive, got.Status)
	require.Len(t, got.MetricDegradations, 1)
	assert.Equal(t, 300.0, got.MetricDegradations[0].DegradationPct)

	// Mutating a returned copy must not reach the store.
	got.MetricDegradations[0].DegradationPct = 1

	ackAt := Epoch.Add(time.Minute)
	got.Status = domain.AlertAcknowledged
	got.AcknowledgedAt = &ackAt
	require.NoError(t, s.UpdateAlert(ctx, got, 1, entry(domain.EntityAlert, "a1", "active", "acknowledged", ackAt)))
	assert.Equal(t, 2, got.Version)

	stale := a.Clone()
	stale.Status = domain.AlertResolved
	err = s.UpdateAlert(ctx, stale, 1, entry(domain.EntityAlert, "a1", "active", "resolved", ackAt))
	var conflict *domain.ErrConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "a1", conflict.ID)

	again, err := s.GetAlert(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertAcknowledged, again.Status)
	require.NotNil(t, again.AcknowledgedAt)
	assert.True(t, ackAt.Equal(*again.AcknowledgedAt))

	hist, err := s.History(ctx, domain.EntityAlert, "a1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "", hist[0].FromStatus)
	assert.Equal(t, "active", hist[0].ToStatus)
	assert.Equal(t, 1, hist[0].Version)
	assert.Equal(t, "acknowledged", hist[1].ToStatus)
	assert.Equal(t, 2, hist[1].Version)

	err = s.CreateAlert(ctx, Alert("a1", "fp1", domain.SeverityLow, Epoch), entry(domain.EntityAlert, "a1", "", "active", Epoch))
	assert.ErrorAs(t, err, &conflict)
}

func testFingerprintLookup(t *testing.T, s port.Store) {
	ctx := context.Background()

	old := Alert("old", "fp", domain.SeverityLow, Epoch.Add(-2*time.Hour))
	recent := Alert("recent", "fp", domain.SeverityHigh, Epoch.Add(-10*time.Minute))
	newer := Alert("newer", "fp", domain.SeverityMedium, Epoch.Add(-5*time.Minute))
	other := Alert("other", "fp-other", domain.SeverityHigh, Epoch)
	for _, a := range []*domain.Alert{old, recent, newer, other} {
		require.NoError(t, s.CreateAlert(ctx, a, entry(domain.EntityAlert, a.AlertID, "", "active", a.TriggeredAt)))
	}

	found, err := s.FindActiveByFingerprint(ctx, "fp", Epoch.Add(-30*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "newer", found.AlertID)

	// Resolving the newest exposes the next one.
	newer.Status = domain.AlertResolved
	require.NoError(t, s.UpdateAlert(ctx, newer, 1, entry(domain.EntityAlert, "newer", "active", "resolved", Epoch)))
	found, err = s.FindActiveByFingerprint(ctx, "fp", Epoch.Add(-30*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "recent", found.AlertID)

	// Boundary is inclusive.
	found, err = s.FindActiveByFingerprint(ctx, "fp", Epoch.Add(-10*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "recent", found.AlertID)

	found, err = s.FindActiveByFingerprint(ctx, "fp", Epoch.Add(-9*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, found)
}

func testAlertListing(t *testing.T, s port.Store) {
	ctx := context.Background()
	fixtures := []*domain.Alert{
		Alert("a", "f1", domain.SeverityCritical, Epoch.Add(-3*time.Minute)),
		Alert("b", "f2", domain.SeverityHigh, Epoch.Add(-2*time.Minute)),
		Alert("c", "f3", domain.SeverityCritical, Epoch.Add(-1*time.Minute)),
	}
	for _, a := range fixtures {
		require.NoError(t, s.CreateAlert(ctx, a, entry(domain.EntityAlert, a.AlertID, "", "active", a.TriggeredAt)))
	}
	fixtures[0].Status = domain.AlertResolved
	require.NoError(t, s.UpdateAlert(ctx, fixtures[0], 1, entry(domain.EntityAlert, "a", "active", "resolved", Epoch)))

	all, err := s.ListAlerts(ctx, domain.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].AlertID, all[1].AlertID, all[2].AlertID})

	critical, err := s.ListAlerts(ctx, domain.AlertFilter{Severity: domain.SeverityCritical, Status: domain.AlertActive})
	require.NoError(t, err)
	require.Len(t, critical, 1)
	assert.Equal(t, "c", critical[0].AlertID)
}

func testAnalysis(t *testing.T, s port.Store) {
	ctx := context.Background()
	a := Alert("a1", "fp", domain.SeverityHigh, Epoch)
	require.NoError(t, s.CreateAlert(ctx, a, entry(domain.EntityAlert, "a1", "", "active", Epoch)))

	rca := &domain.RootCauseAnalysis{
		AlertID:         "a1",
		Category:        domain.CategoryConfigRegression,
		TechnicalDetail: "top_k lowered",
		Actionability:   domain.Actionable,
		ConfidenceScore: 0.72,
		RuleID:          "config-change",
		CreatedAt:       Epoch,
	}
	require.NoError(t, s.SaveAnalysis(ctx, rca))

	got, err := s.GetAnalysis(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryConfigRegression, got.Category)
	assert.Equal(t, 0.72, got.ConfidenceScore)

	var conflict *domain.ErrConflict
	assert.ErrorAs(t, s.SaveAnalysis(ctx, rca), &conflict)
}

func testProposalLifecycle(t *testing.T, s port.Store) {
	ctx := context.Background()
	p := Proposal("p1", "a1", domain.ProposalConfigChange, Epoch)
	require.NoError(t, s.CreateProposal(ctx, p, entry(domain.EntityProposal, "p1", "", "pending_approval", Epoch)))
	assert.Equal(t, 1, p.Version)

	got, err := s.GetProposal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, float64(8), got.ProposedChanges["top_k"])
	assert.Equal(t, "error_rate", got.TargetMetric)

	at := Epoch.Add(time.Hour)
	got.Status = domain.ProposalApproved
	got.Stamp(domain.ProposalApproved, at)
	require.NoError(t, s.UpdateProposal(ctx, got, 1, entry(domain.EntityProposal, "p1", "pending_approval", "approved", at)))
	assert.Equal(t, 2, got.Version)

	stale := p.Clone()
	stale.Status = domain.ProposalRejected
	var conflict *domain.ErrConflict
	require.ErrorAs(t, s.UpdateProposal(ctx, stale, 1, entry(domain.EntityProposal, "p1", "pending_approval", "rejected", at)), &conflict)

	again, err := s.GetProposal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalApproved, again.Status)
	require.NotNil(t, again.ApprovedAt)
	assert.True(t, at.Equal(*again.ApprovedAt))

	hist, err := s.History(ctx, domain.EntityProposal, "p1")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "approved", hist[1].ToStatus)
	assert.Equal(t, "pending_approval", hist[1].FromStatus)
}

func testProposalListing(t *testing.T, s port.Store) {
	ctx := context.Background()
	ps := []*domain.ImprovementProposal{
		Proposal("p1", "a1", domain.ProposalConfigChange, Epoch.Add(-2*time.Minute)),
		Proposal("p2", "a1", domain.ProposalCodeFix, Epoch.Add(-1*time.Minute)),
		Proposal("p3", "a2", domain.ProposalConfigChange, Epoch),
	}
	for _, p := range ps {
		require.NoError(t, s.CreateProposal(ctx, p, entry(domain.EntityProposal, p.ProposalID, "", "pending_approval", p.CreatedAt)))
	}

	configs, err := s.ListProposals(ctx, domain.ProposalFilter{ProposalType: domain.ProposalConfigChange})
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "p3", configs[0].ProposalID)

	byAlert, err := s.ListProposals(ctx, domain.ProposalFilter{SourceAlertID: "a1"})
	require.NoError(t, err)
	assert.Len(t, byAlert, 2)

	pending, err := s.ListProposals(ctx, domain.ProposalFilter{Status: domain.ProposalPendingApproval})
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func testValidationsAndDecisions(t *testing.T, s port.Store) {
	ctx := context.Background()
	p := Proposal("p1", "", domain.ProposalPromptUpdate, Epoch)
	require.NoError(t, s.CreateProposal(ctx, p, entry(domain.EntityProposal, "p1", "", "pending_approval", Epoch)))

	for i, id := range []string{"v1", "v2"} {
		require.NoError(t, s.SaveValidation(ctx, &domain.ValidationResult{
			ValidationID:    id,
			ProposalID:      "p1",
			TestDatasetSize: 100,
			TestsPassed:     90 + i,
			TestsFailed:     10 - i,
			BaselineMetrics: map[string]float64{"fact_accuracy": 0.8},
			TestMetrics:     map[string]float64{"fact_accuracy": 0.9},
			ImprovementDelta: map[string]domain.MetricDelta{
				"fact_accuracy": {Baseline: 0.8, Test: 0.9, DeltaPct: 12.5, Improved: true},
			},
			CompletedAt: Epoch.Add(time.Duration(i) * time.Minute),
		}))
	}
	vs, err := s.ListValidations(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, vs, 2)
	assert.Equal(t, "v1", vs[0].ValidationID)
	assert.Equal(t, 91, vs[1].TestsPassed)
	assert.Equal(t, 12.5, vs[0].ImprovementDelta["fact_accuracy"].DeltaPct)

	first := &domain.DeploymentDecision{
		DecisionID:            "d1",
		ProposalID:            "p1",
		ValidationID:          "v1",
		Recommendation:        domain.RecommendNeedsReview,
		Confidence:            0.6,
		Summary:               "needs review",
		ReviewRequiredBecause: []string{"pass rate 0.85 below 0.90"},
		Origin:                domain.OriginAutomated,
		CreatedAt:             Epoch,
	}
	second := &domain.DeploymentDecision{
		DecisionID:     "d2",
		ProposalID:     "p1",
		Recommendation: domain.RecommendApprove,
		Confidence:     1,
		Summary:        "[human] approved",
		Conditions:     []string{"approved by alice"},
		Origin:         domain.OriginHuman,
		Actor:          "alice",
		SupersedesID:   "d1",
		CreatedAt:      Epoch.Add(time.Minute),
	}
	require.NoError(t, s.SaveDecision(ctx, first))
	require.NoError(t, s.SaveDecision(ctx, second))

	ds, err := s.ListDecisions(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, "d1", ds[0].DecisionID)
	assert.Equal(t, []string{"pass rate 0.85 below 0.90"}, ds[0].ReviewRequiredBecause)
	assert.Equal(t, "d1", ds[1].SupersedesID)
	assert.Equal(t, domain.OriginHuman, ds[1].Origin)

	var conflict *domain.ErrConflict
	assert.ErrorAs(t, s.SaveDecision(ctx, first), &conflict)
}

func testNotFound(t *testing.T, s port.Store) {
	ctx := context.Background()
	var nf *domain.ErrNotFound

	_, err := s.GetAlert(ctx, "missing")
	assert.ErrorAs(t, err, &nf)
	_, err = s.GetProposal(ctx, "missing")
	assert.ErrorAs(t, err, &nf)
	_, err = s.GetAnalysis(ctx, "missing")
	assert.ErrorAs(t, err, &nf)

	err = s.UpdateAlert(ctx, Alert("missing", "fp", domain.SeverityLow, Epoch), 1, domain.AuditEntry{})
	assert.ErrorAs(t, err, &nf)

	found, err := s.FindActiveByFingerprint(ctx, "nothing", Epoch)
	require.NoError(t, err)
	assert.Nil(t, found)

	hist, err := s.History(ctx, domain.EntityAlert, "missing")
	require.NoError(t, err)
	assert.Empty(t, hist)

	require.NoError(t, s.Ping(ctx))
}
