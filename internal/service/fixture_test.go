package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/config"
	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/infra/cache"
	"github.com/boddenberg/quality-loop-go/internal/infra/clock"
	"github.com/boddenberg/quality-loop-go/internal/infra/memory"
	"github.com/boddenberg/quality-loop-go/internal/infra/observability"
	"github.com/boddenberg/quality-loop-go/internal/infra/resilience"
	"github.com/boddenberg/quality-loop-go/internal/service"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

var fastRetry = resilience.Config{MaxRetries: 5, InitialBackoff: time.Millisecond, MaxConcurrency: 4}

// --- Mocks ---

type mockTraces struct {
	mu    sync.Mutex
	tc    *domain.TraceContext
	err   error
	calls int
}

func (m *mockTraces) Context(_ context.Context, _ *domain.Alert) (*domain.TraceContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.tc, m.err
}

func (m *mockTraces) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockGenerator struct {
	text string
	err  error
}

func (m *mockGenerator) Generate(_ context.Context, req domain.GenerationRequest) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.text + " (" + string(req.Kind) + ")", nil
}

type mockHarness struct {
	result *domain.ValidationResult
	err    error
	block  bool
}

func (m *mockHarness) Run(ctx context.Context, _ *domain.ImprovementProposal) (*domain.ValidationResult, error) {
	if m.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if m.result == nil {
		return nil, m.err
	}
	r := *m.result
	return &r, m.err
}

type mockSink struct {
	mu     sync.Mutex
	events []*domain.DeploymentEvent
	err    error
}

func (m *mockSink) Emit(_ context.Context, e *domain.DeploymentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *mockSink) Events() []*domain.DeploymentEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.DeploymentEvent(nil), m.events...)
}

func (m *mockSink) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

type mockSource struct {
	snapshots []domain.MetricSnapshot
	err       error
}

func (m *mockSource) Fetch(_ context.Context, _ time.Duration, _ time.Time) ([]domain.MetricSnapshot, error) {
	out := make([]domain.MetricSnapshot, len(m.snapshots))
	for i, s := range m.snapshots {
		out[i] = s.Clone()
	}
	return out, m.err
}

// --- Fixture ---

type fixture struct {
	clock      *clock.Manual
	store      *memory.Store
	locker     *memory.KeyedLocker
	metrics    *observability.Metrics
	policy     *config.Policy
	traces     *mockTraces
	sink       *mockSink
	detector   *service.Detector
	alerts     *service.AlertService
	proposals  *service.ProposalService
	evaluator  *service.Evaluator
	researcher *service.Researcher
	gate       *service.Gate
}

func newFixture(t *testing.T, requireHuman bool) *fixture {
	t.Helper()
	f := &fixture{
		clock:   clock.NewManual(epoch),
		store:   memory.NewStore(),
		locker:  memory.NewKeyedLocker(),
		metrics: observability.NewMetrics(),
		policy:  config.DefaultPolicy(),
		traces:  &mockTraces{tc: &domain.TraceContext{Component: "retriever"}},
		sink:    &mockSink{},
	}
	logger := zap.NewNop()
	traceCache := cache.New[*domain.TraceContext](time.Minute, f.clock)
	t.Cleanup(traceCache.Close)

	f.detector = service.NewDetector(f.policy.Directionality, f.policy.SeverityThresholds, f.clock, logger)
	f.alerts = service.NewAlertService(f.store, f.locker, f.clock, 30*time.Minute, fastRetry, f.metrics, logger)
	f.proposals = service.NewProposalService(f.store, f.clock, fastRetry, f.metrics, logger)
	f.evaluator = service.NewEvaluator(service.EvaluatorConfig{
		Directionality: f.policy.Directionality,
		SLAMetrics:     f.policy.SLAMetrics,
		SLAFloor:       f.policy.SLAFloor,
	}, f.clock, logger)
	f.researcher = service.NewResearcher(service.ResearcherConfig{
		Rules:           f.policy.Rules,
		RecoveryFactors: f.policy.RecoveryFactors,
		Criticality:     f.policy.CriticalityWeight,
	}, f.traces, &mockGenerator{text: "generated"}, traceCache, f.clock, f.metrics, logger)
	f.gate = service.NewGate(f.proposals, f.sink, f.locker, requireHuman, f.clock, f.metrics, logger)
	return f
}

func (f *fixture) runner(h *mockHarness, timeout time.Duration) *service.ValidationRunner {
	return service.NewValidationRunner(f.proposals, h, f.locker, f.evaluator, f.gate, timeout, 4, f.clock, f.metrics, zap.NewNop())
}

// pendingProposal stores a pending proposal targeting fact_accuracy.
func (f *fixture) pendingProposal(t *testing.T, estimated float64) *domain.ImprovementProposal {
	t.Helper()
	p := &domain.ImprovementProposal{
		SourceAlertID:           "alert-1",
		Component:               "generator",
		Title:                   "Update prompt on generator",
		Description:             "tighten grounding instructions",
		ProposalType:            domain.ProposalPromptUpdate,
		TargetMetric:            domain.MetricFactAccuracy,
		EstimatedImprovementPct: estimated,
		RiskLevel:               domain.RiskLow,
		ProposedChanges:         map[string]any{"action": "tune"},
		TestPlan:                "replay held-out set",
		RollbackPlan:            "restore the previous prompt version",
	}
	if err := f.proposals.Create(context.Background(), p, domain.ActorResearcher); err != nil {
		t.Fatalf("create proposal: %v", err)
	}
	return p
}

// approvingResult is Example 2: fact accuracy 0.80 -> 0.929 (+16.13%),
// 94 of 100 tests passing, no regressions.
func approvingResult(proposalID string) *domain.ValidationResult {
	return &domain.ValidationResult{
		ProposalID:      proposalID,
		TestDatasetSize: 100,
		TestsPassed:     94,
		TestsFailed:     6,
		BaselineMetrics: map[string]float64{domain.MetricFactAccuracy: 0.80, domain.MetricErrorRate: 0.05},
		TestMetrics:     map[string]float64{domain.MetricFactAccuracy: 0.929, domain.MetricErrorRate: 0.05},
	}
}
