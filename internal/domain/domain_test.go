package domain_test

import (
	"testing"

	"github.com/boddenberg/quality-loop-go/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestSeverityThresholds_Classify(t *testing.T) {
	th := domain.DefaultSeverityThresholds()

	cases := []struct {
		pct  float64
		want domain.Severity
		ok   bool
	}{
		{300, domain.SeverityCritical, true},
		{50, domain.SeverityCritical, true},
		{49.99, domain.SeverityHigh, true},
		{25, domain.SeverityHigh, true},
		{15, domain.SeverityMedium, true},
		{10, domain.SeverityLow, true},
		{9.99, "", false},
		{0, "", false},
	}
	for _, tc := range cases {
		got, ok := th.Classify(tc.pct)
		assert.Equal(t, tc.ok, ok, "pct=%v", tc.pct)
		assert.Equal(t, tc.want, got, "pct=%v", tc.pct)
	}
}

func TestAlertStatus_CanTransition(t *testing.T) {
	assert.True(t, domain.AlertActive.CanTransition(domain.AlertAcknowledged))
	assert.True(t, domain.AlertActive.CanTransition(domain.AlertResolved))
	assert.True(t, domain.AlertAcknowledged.CanTransition(domain.AlertResolved))
	assert.False(t, domain.AlertAcknowledged.CanTransition(domain.AlertActive))
	assert.False(t, domain.AlertResolved.CanTransition(domain.AlertActive))
	assert.False(t, domain.AlertResolved.CanTransition(domain.AlertAcknowledged))
}

func TestProposalStatus_CanTransition(t *testing.T) {
	assert.True(t, domain.ProposalPendingApproval.CanTransition(domain.ProposalApproved))
	assert.True(t, domain.ProposalPendingApproval.CanTransition(domain.ProposalRejected))
	assert.True(t, domain.ProposalPendingApproval.CanTransition(domain.ProposalNeedsReview))
	assert.True(t, domain.ProposalNeedsReview.CanTransition(domain.ProposalPendingApproval))
	assert.True(t, domain.ProposalApproved.CanTransition(domain.ProposalImplemented))

	assert.False(t, domain.ProposalNeedsReview.CanTransition(domain.ProposalApproved))
	assert.False(t, domain.ProposalApproved.CanTransition(domain.ProposalRejected))
	assert.False(t, domain.ProposalRejected.CanTransition(domain.ProposalPendingApproval))
	assert.False(t, domain.ProposalImplemented.CanTransition(domain.ProposalApproved))

	assert.True(t, domain.ProposalRejected.Terminal())
	assert.True(t, domain.ProposalImplemented.Terminal())
	assert.False(t, domain.ProposalNeedsReview.Terminal())
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	a := domain.Fingerprint("retriever", []string{"error_rate", "fact_accuracy"})
	b := domain.Fingerprint("retriever", []string{"fact_accuracy", "error_rate"})
	c := domain.Fingerprint("generator", []string{"error_rate", "fact_accuracy"})

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}

func TestSortDegradations(t *testing.T) {
	ds := []domain.MetricDegradation{
		{Metric: "a", DegradationPct: 12, Severity: domain.SeverityLow},
		{Metric: "b", DegradationPct: 30, Severity: domain.SeverityHigh},
		{Metric: "c", DegradationPct: 45, Severity: domain.SeverityHigh},
		{Metric: "d", DegradationPct: 60, Severity: domain.SeverityCritical},
	}
	domain.SortDegradations(ds)

	assert.Equal(t, "d", ds[0].Metric)
	assert.Equal(t, "c", ds[1].Metric)
	assert.Equal(t, "b", ds[2].Metric)
	assert.Equal(t, "a", ds[3].Metric)
}

func TestDirection_Worsening(t *testing.T) {
	assert.InDelta(t, 300.0, domain.LowerIsBetter.Worsening(0.02, 0.08), 1e-9)
	assert.InDelta(t, 20.0, domain.HigherIsBetter.Worsening(0.9, 0.72), 1e-9)
	assert.Less(t, domain.HigherIsBetter.Worsening(0.8, 0.9), 0.0)
}

func TestMetricSnapshot_CloneIsDeep(t *testing.T) {
	s := domain.MetricSnapshot{
		Component:       "retriever",
		CurrentMetrics:  map[string]float64{"error_rate": 0.08},
		BaselineMetrics: map[string]float64{"error_rate": 0.02},
		ErrorSamples:    []domain.ErrorSample{{Type: "timeout", Count: 3}},
	}
	c := s.Clone()
	c.CurrentMetrics["error_rate"] = 1
	c.ErrorSamples[0].Count = 99

	assert.Equal(t, 0.08, s.CurrentMetrics["error_rate"])
	assert.Equal(t, 3, s.ErrorSamples[0].Count)
	assert.Equal(t, 3, s.TotalErrors())
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 16.13, domain.Round2(16.1284))
	assert.Equal(t, 300.0, domain.Round2(299.999999))
}
