package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/config"
	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/handler"
	"github.com/boddenberg/quality-loop-go/internal/infra/cache"
	"github.com/boddenberg/quality-loop-go/internal/infra/client"
	"github.com/boddenberg/quality-loop-go/internal/infra/clock"
	"github.com/boddenberg/quality-loop-go/internal/infra/memory"
	"github.com/boddenberg/quality-loop-go/internal/infra/observability"
	"github.com/boddenberg/quality-loop-go/internal/infra/resilience"
	"github.com/boddenberg/quality-loop-go/internal/service"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []*domain.DeploymentEvent
}

func (s *recordingSink) Emit(_ context.Context, e *domain.DeploymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type unavailableHarness struct{}

func (unavailableHarness) Run(context.Context, *domain.ImprovementProposal) (*domain.ValidationResult, error) {
	return nil, errors.New("connection refused")
}

type testServer struct {
	router    http.Handler
	proposals *service.ProposalService
	sink      *recordingSink
}

func newServer(t *testing.T, secret string, checks ...handler.HealthCheck) *testServer {
	t.Helper()
	logger := zap.NewNop()
	clk := clock.NewManual(epoch)
	store := memory.NewStore()
	locker := memory.NewKeyedLocker()
	metrics := observability.NewMetrics()
	policy := config.DefaultPolicy()
	retry := resilience.Config{MaxRetries: 5, InitialBackoff: time.Millisecond}
	sink := &recordingSink{}

	traceCache := cache.New[*domain.TraceContext](time.Minute, clk)
	t.Cleanup(traceCache.Close)

	detector := service.NewDetector(policy.Directionality, policy.SeverityThresholds, clk, logger)
	alerts := service.NewAlertService(store, locker, clk, 30*time.Minute, retry, metrics, logger)
	proposals := service.NewProposalService(store, clk, retry, metrics, logger)
	evaluator := service.NewEvaluator(service.EvaluatorConfig{
		Directionality: policy.Directionality,
		SLAMetrics:     policy.SLAMetrics,
		SLAFloor:       policy.SLAFloor,
	}, clk, logger)
	researcher := service.NewResearcher(service.ResearcherConfig{
		Rules:           policy.Rules,
		RecoveryFactors: policy.RecoveryFactors,
		Criticality:     policy.CriticalityWeight,
	}, client.EmptyTraces{}, client.TemplateGenerator{}, traceCache, clk, metrics, logger)
	gate := service.NewGate(proposals, sink, locker, false, clk, metrics, logger)
	runner := service.NewValidationRunner(proposals, unavailableHarness{}, locker, evaluator, gate, time.Minute, 2, clk, metrics, logger)
	pipeline := service.NewPipeline(service.PipelineDeps{
		Source:     client.NoSnapshots{},
		Detector:   detector,
		Alerts:     alerts,
		Researcher: researcher,
		Proposals:  proposals,
		Runner:     runner,
		Gate:       gate,
	}, time.Hour, 2, clk, metrics, logger)

	router := handler.NewRouter(handler.Deps{
		Alerts:    alerts,
		Proposals: proposals,
		Gate:      gate,
		Runner:    runner,
		Pipeline:  pipeline,
		Scheduler: service.NewScheduler(pipeline, clk, time.Minute, logger),
		Metrics:   metrics,
		Checks:    checks,
		JWTSecret: secret,
		Logger:    logger,
	})
	return &testServer{router: router, proposals: proposals, sink: sink}
}

func (s *testServer) do(t *testing.T, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (s *testServer) pendingProposal(t *testing.T) *domain.ImprovementProposal {
	t.Helper()
	p := &domain.ImprovementProposal{
		SourceAlertID:           "alert-1",
		Component:               "generator",
		Title:                   "Update prompt on generator",
		ProposalType:            domain.ProposalPromptUpdate,
		TargetMetric:            domain.MetricFactAccuracy,
		EstimatedImprovementPct: 15,
		RiskLevel:               domain.RiskLow,
		ProposedChanges:         map[string]any{"action": "tune"},
		RollbackPlan:            "restore the previous prompt version",
	}
	require.NoError(t, s.proposals.Create(context.Background(), p, domain.ActorResearcher))
	return p
}

const exampleSnapshot = `{
  "component": "retriever",
  "current_metrics": {"error_rate": 0.08},
  "baseline_metrics": {"error_rate": 0.02},
  "error_samples": [{"type": "timeout", "count": 12}]
}`

func TestOperationalEndpoints(t *testing.T) {
	s := newServer(t, "")

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/ping", "/v1/metrics/pipeline"} {
		rec := s.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestHealthz_ReportsFailingDependency(t *testing.T) {
	s := newServer(t, "",
		handler.HealthCheck{Name: "store", Ping: func(context.Context) error { return nil }},
		handler.HealthCheck{Name: "redis", Ping: func(context.Context) error { return errors.New("down") }},
	)

	rec := s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	health := decode[domain.HealthStatus](t, rec)
	assert.Equal(t, "degraded", health.Status)
	require.Len(t, health.Services, 3)
	assert.Equal(t, "healthy", health.Services[1].Status)
	assert.Equal(t, "unhealthy", health.Services[2].Status)
}

func TestIngestSnapshot_CreatesAlert(t *testing.T) {
	s := newServer(t, "")

	rec := s.do(t, http.MethodPost, "/v1/snapshots", exampleSnapshot)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[domain.IngestResult](t, rec)
	require.NotNil(t, res.Detection)
	require.NotNil(t, res.Detection.Alert)
	assert.Equal(t, domain.SeverityCritical, res.Detection.Severity)
	alertID := res.Detection.Alert.AlertID

	// Same fingerprint inside the cooldown merges.
	rec = s.do(t, http.MethodPost, "/v1/snapshots", exampleSnapshot)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[domain.IngestResult](t, rec).Merged)

	rec = s.do(t, http.MethodGet, "/v1/alerts?severity=critical&status=active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	alerts := decode[domain.ListResponse[domain.Alert]](t, rec)
	require.Equal(t, 1, alerts.Total)
	assert.Equal(t, alertID, alerts.Data[0].AlertID)

	rec = s.do(t, http.MethodGet, "/v1/alerts/"+alertID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/alerts/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[domain.AlertStats](t, rec).CriticalCount)
}

func TestIngestSnapshot_RejectsBadInput(t *testing.T) {
	s := newServer(t, "")

	cases := []struct {
		name string
		body string
		want int
	}{
		{"empty body", "", http.StatusBadRequest},
		{"not json", "{", http.StatusBadRequest},
		{"missing component", `{"current_metrics": {}, "baseline_metrics": {}}`, http.StatusBadRequest},
		{"metric not a number", `{"component": "x", "current_metrics": {"error_rate": "high"}, "baseline_metrics": {}}`, http.StatusBadRequest},
		{"zero baseline", `{"component": "x", "current_metrics": {"error_rate": 0.1}, "baseline_metrics": {"error_rate": 0}}`, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/v1/snapshots", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestAlertTransitions(t *testing.T) {
	s := newServer(t, "")
	rec := s.do(t, http.MethodPost, "/v1/snapshots", exampleSnapshot)
	require.Equal(t, http.StatusCreated, rec.Code)
	alertID := decode[domain.IngestResult](t, rec).Detection.Alert.AlertID

	rec = s.do(t, http.MethodPost, "/v1/alerts/"+alertID+"/acknowledge", `{"reason": "looking"}`, handler.ActorHeader, "bob")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, domain.AlertAcknowledged, decode[domain.Alert](t, rec).Status)

	rec = s.do(t, http.MethodPost, "/v1/alerts/"+alertID+"/resolve", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/v1/alerts/"+alertID+"/acknowledge", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/alerts/"+alertID+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[domain.ListResponse[domain.AuditEntry]](t, rec)
	require.Equal(t, 3, history.Total)
	assert.Equal(t, "bob", history.Data[1].Actor)
	assert.Equal(t, "looking", history.Data[1].Reason)
	assert.Equal(t, "admin", history.Data[2].Actor)

	rec = s.do(t, http.MethodGet, "/v1/alerts/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodGet, "/v1/alerts?severity=urgent", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitValidation_ApprovesAndDeploys(t *testing.T) {
	s := newServer(t, "")
	p := s.pendingProposal(t)

	body := `{
  "test_dataset_size": 100,
  "tests_passed": 94,
  "tests_failed": 6,
  "baseline_metrics": {"fact_accuracy": 0.80, "error_rate": 0.05},
  "test_metrics": {"fact_accuracy": 0.929, "error_rate": 0.05}
}`
	rec := s.do(t, http.MethodPost, "/v1/proposals/"+p.ProposalID+"/validations", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	d := decode[domain.DeploymentDecision](t, rec)
	assert.Equal(t, domain.RecommendApprove, d.Recommendation)
	assert.Equal(t, p.ProposalID, d.ProposalID)
	assert.Equal(t, 1, s.sink.Len())

	rec = s.do(t, http.MethodGet, "/v1/proposals/"+p.ProposalID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ProposalImplemented, decode[domain.ImprovementProposal](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/v1/proposals/"+p.ProposalID+"/validations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[domain.ListResponse[domain.ValidationResult]](t, rec).Total)

	rec = s.do(t, http.MethodGet, "/v1/proposals/"+p.ProposalID+"/decisions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[domain.ListResponse[domain.DeploymentDecision]](t, rec).Total)

	// Decided proposals accept no further results.
	rec = s.do(t, http.MethodPost, "/v1/proposals/"+p.ProposalID+"/validations", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitValidation_IncompleteResultNeedsReview(t *testing.T) {
	s := newServer(t, "")
	p := s.pendingProposal(t)

	rec := s.do(t, http.MethodPost, "/v1/proposals/"+p.ProposalID+"/validations", `{"tests_passed": 10}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	d := decode[domain.DeploymentDecision](t, rec)
	assert.Equal(t, domain.RecommendNeedsReview, d.Recommendation)
	assert.NotEmpty(t, d.ReviewRequiredBecause)

	rec = s.do(t, http.MethodPost, "/v1/proposals/"+p.ProposalID+"/validations", `{"tests_passed": "ten"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunValidation_HarnessUnavailable(t *testing.T) {
	s := newServer(t, "")
	p := s.pendingProposal(t)

	rec := s.do(t, http.MethodPost, "/v1/proposals/"+p.ProposalID+"/validate", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	got, err := s.proposals.Get(context.Background(), p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalPendingApproval, got.Status)
}

func TestRejectAndApproveOverrides(t *testing.T) {
	s := newServer(t, "")
	p := s.pendingProposal(t)

	rec := s.do(t, http.MethodPost, "/v1/proposals/"+p.ProposalID+"/reject", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reason is required")

	rec = s.do(t, http.MethodPost, "/v1/proposals/"+p.ProposalID+"/reject", `{"reason": "too risky"}`, handler.ActorHeader, "carol")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var out struct {
		Decision domain.DeploymentDecision  `json:"decision"`
		Proposal domain.ImprovementProposal `json:"proposal"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, domain.RecommendReject, out.Decision.Recommendation)
	assert.Equal(t, domain.OriginHuman, out.Decision.Origin)
	assert.Equal(t, "carol", out.Decision.Actor)
	assert.Equal(t, 1.0, out.Decision.Confidence)
	assert.Equal(t, domain.ProposalRejected, out.Proposal.Status)

	rec = s.do(t, http.MethodPost, "/v1/proposals/"+p.ProposalID+"/approve", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	other := s.pendingProposal(t)
	rec = s.do(t, http.MethodPost, "/v1/proposals/"+other.ProposalID+"/approve", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, domain.ProposalImplemented, out.Proposal.Status)
	assert.Equal(t, 1, s.sink.Len())

	rec = s.do(t, http.MethodGet, "/v1/proposals?status=rejected", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[domain.ListResponse[domain.ImprovementProposal]](t, rec).Total)

	rec = s.do(t, http.MethodGet, "/v1/proposals/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[domain.ProposalStats](t, rec)
	assert.Equal(t, 1, stats.RejectedCount)
	assert.Equal(t, 1, stats.ImplementedCount)
}

func TestRunScan(t *testing.T) {
	s := newServer(t, "")

	rec := s.do(t, http.MethodPost, "/v1/scans", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[domain.ScanReport](t, rec)
	assert.Equal(t, int64(1), report.Tick.Seq)
	assert.Equal(t, 0, report.Snapshots)
}

func sign(t *testing.T, secret, subject string, method jwt.SigningMethod) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestActorMiddleware_JWT(t *testing.T) {
	const secret = "test-secret"
	s := newServer(t, secret)
	p := s.pendingProposal(t)
	path := "/v1/proposals/" + p.ProposalID + "/reject"
	body := `{"reason": "not now"}`

	rec := s.do(t, http.MethodPost, path, body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, path, body, "Authorization", "Token abc")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, path, body, "Authorization", "Bearer "+sign(t, "wrong", "mallory", jwt.SigningMethodHS256))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, path, body, "Authorization", "Bearer "+sign(t, secret, "", jwt.SigningMethodHS256))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// X-Actor is ignored once a secret is configured.
	rec = s.do(t, http.MethodPost, path, body,
		"Authorization", "Bearer "+sign(t, secret, "alice", jwt.SigningMethodHS256),
		handler.ActorHeader, "mallory")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	history, err := s.proposals.History(context.Background(), p.ProposalID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "alice", history[len(history)-1].Actor)

	// Reads stay open.
	rec = s.do(t, http.MethodGet, "/v1/proposals/"+p.ProposalID, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
