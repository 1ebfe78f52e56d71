package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

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
	"github.com/boddenberg/quality-loop-go/internal/infra/sqlstore"
	"github.com/boddenberg/quality-loop-go/internal/service"
)

// Full loop over HTTP: snapshot in, alert and proposal out, harness run,
// deployment event emitted, all persisted in SQLite.
func TestIntegration_FullLoop(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	logger := zap.NewNop()
	ctx := context.Background()

	traceServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/context/retriever", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(domain.TraceContext{
			Component: "retriever",
			RecentChanges: []domain.RecentChange{
				{Kind: domain.ChangeCode, Ref: "build-42", At: time.Now().Add(-time.Hour)},
			},
		})
	}))
	defer traceServer.Close()

	harnessServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/validations", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(domain.ValidationResult{
			TestDatasetSize: 200,
			TestsPassed:     196,
			TestsFailed:     4,
			BaselineMetrics: map[string]float64{"error_rate": 0.08},
			TestMetrics:     map[string]float64{"error_rate": 0.02},
		})
	}))
	defer harnessServer.Close()

	var mu sync.Mutex
	var deployed []domain.DeploymentEvent
	var keys []string
	deployServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev domain.DeploymentEvent
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&ev)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		deployed = append(deployed, ev)
		keys = append(keys, r.Header.Get(client.IdempotencyHeader))
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer deployServer.Close()

	store, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, ":memory:")
	require.NoError(t, err)
	defer store.Close()

	clk := clock.New()
	metrics := observability.NewMetrics()
	policy := config.DefaultPolicy()
	locker := memory.NewKeyedLocker()
	retry := resilience.Config{MaxRetries: 2, InitialBackoff: 10 * time.Millisecond, MaxConcurrency: 4}
	httpClient := &http.Client{Timeout: 5 * time.Second}

	traceCache := cache.New[*domain.TraceContext](time.Minute, clk)
	defer traceCache.Close()

	traces := client.NewTraceClient(httpClient, traceServer.URL, resilience.NewCircuitBreaker("trace", logger), retry)
	harness := client.NewHarnessClient(httpClient, harnessServer.URL, resilience.NewCircuitBreaker("harness", logger), retry)
	sink := client.NewDeployClient(httpClient, deployServer.URL, resilience.NewCircuitBreaker("deploy", logger), retry)

	alerts := service.NewAlertService(store, locker, clk, 30*time.Minute, retry, metrics, logger)
	proposals := service.NewProposalService(store, clk, retry, metrics, logger)
	researcher := service.NewResearcher(service.ResearcherConfig{
		Rules:           policy.Rules,
		RecoveryFactors: policy.RecoveryFactors,
		Criticality:     policy.CriticalityWeight,
	}, traces, client.TemplateGenerator{}, traceCache, clk, metrics, logger)
	evaluator := service.NewEvaluator(service.EvaluatorConfig{
		Directionality: policy.Directionality,
		SLAMetrics:     policy.SLAMetrics,
		SLAFloor:       policy.SLAFloor,
	}, clk, logger)
	gate := service.NewGate(proposals, sink, locker, false, clk, metrics, logger)
	runner := service.NewValidationRunner(proposals, harness, locker, evaluator, gate, 30*time.Second, 2, clk, metrics, logger)
	pipeline := service.NewPipeline(service.PipelineDeps{
		Source:     client.NoSnapshots{},
		Detector:   service.NewDetector(policy.Directionality, policy.SeverityThresholds, clk, logger),
		Alerts:     alerts,
		Researcher: researcher,
		Proposals:  proposals,
		Runner:     runner,
		Gate:       gate,
	}, time.Hour, 2, clk, metrics, logger)

	s := &testServer{
		router: handler.NewRouter(handler.Deps{
			Alerts:    alerts,
			Proposals: proposals,
			Gate:      gate,
			Runner:    runner,
			Pipeline:  pipeline,
			Scheduler: service.NewScheduler(pipeline, clk, time.Minute, logger),
			Metrics:   metrics,
			Checks:    []handler.HealthCheck{{Name: "store", Ping: store.Ping}},
			Logger:    logger,
		}),
		proposals: proposals,
	}

	// 1. Health
	rec := s.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// 2. Snapshot raises an alert and a code fix proposal
	rec = s.do(t, http.MethodPost, "/v1/snapshots", exampleSnapshot)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	ingest := decode[domain.IngestResult](t, rec)
	require.NotNil(t, ingest.Analysis)
	assert.Equal(t, domain.CategoryCodeDefect, ingest.Analysis.Category)
	require.Len(t, ingest.Proposals, 1)
	proposalID := ingest.Proposals[0].ProposalID
	alertID := ingest.Detection.Alert.AlertID

	rec = s.do(t, http.MethodGet, "/v1/alerts/"+alertID+"/analysis", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "code-change", decode[domain.RootCauseAnalysis](t, rec).RuleID)

	// 3. Harness run approves and the gate deploys
	rec = s.do(t, http.MethodPost, "/v1/proposals/"+proposalID+"/validate", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	d := decode[domain.DeploymentDecision](t, rec)
	assert.Equal(t, domain.RecommendApprove, d.Recommendation)

	mu.Lock()
	require.Len(t, deployed, 1)
	assert.Equal(t, proposalID, deployed[0].ProposalID)
	assert.Equal(t, d.DecisionID, deployed[0].DecisionID)
	assert.Equal(t, deployed[0].IdempotencyKey, keys[0])
	mu.Unlock()

	// 4. Persisted state
	rec = s.do(t, http.MethodGet, "/v1/proposals/"+proposalID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.ProposalImplemented, decode[domain.ImprovementProposal](t, rec).Status)

	rec = s.do(t, http.MethodGet, "/v1/proposals/"+proposalID+"/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	history := decode[domain.ListResponse[domain.AuditEntry]](t, rec)
	require.Equal(t, 3, history.Total)
	assert.Equal(t, string(domain.ProposalPendingApproval), history.Data[0].ToStatus)
	assert.Equal(t, string(domain.ProposalApproved), history.Data[1].ToStatus)
	assert.Equal(t, string(domain.ProposalImplemented), history.Data[2].ToStatus)

	// 5. A scan finds nothing left to reconcile
	rec = s.do(t, http.MethodPost, "/v1/scans", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 0, decode[domain.ScanReport](t, rec).Reconciled)

	mu.Lock()
	assert.Len(t, deployed, 1)
	mu.Unlock()
}
