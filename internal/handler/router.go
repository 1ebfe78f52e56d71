// Package handler exposes the improvement loop over HTTP: alert and proposal
// administration, snapshot ingestion, manual scans and operational endpoints.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/infra/observability"
	"github.com/boddenberg/quality-loop-go/internal/service"
)

var tracer = otel.Tracer("handler")

// HealthCheck is a named dependency probe reported by /healthz.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

// Deps are the services the router dispatches to.
type Deps struct {
	Alerts    *service.AlertService
	Proposals *service.ProposalService
	Gate      *service.Gate
	Runner    *service.ValidationRunner
	Pipeline  *service.Pipeline
	Scheduler *service.Scheduler
	Metrics   *observability.Metrics
	Checks    []HealthCheck
	JWTSecret string
	Logger    *zap.Logger
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger, d.Metrics))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(d.Checks))
	r.Get("/readyz", readyzHandler())
	r.Handle("/metrics", promhttp.HandlerFor(d.Metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Get("/alerts", listAlertsHandler(d.Alerts, logger))
		r.Get("/alerts/stats", alertStatsHandler(d.Alerts, logger))
		r.Get("/alerts/{alertId}", getAlertHandler(d.Alerts, logger))
		r.Get("/alerts/{alertId}/history", alertHistoryHandler(d.Alerts, logger))
		r.Get("/alerts/{alertId}/analysis", alertAnalysisHandler(d.Alerts, logger))

		r.Get("/proposals", listProposalsHandler(d.Proposals, logger))
		r.Get("/proposals/stats", proposalStatsHandler(d.Proposals, logger))
		r.Get("/proposals/{proposalId}", getProposalHandler(d.Proposals, logger))
		r.Get("/proposals/{proposalId}/decisions", proposalDecisionsHandler(d.Proposals, logger))
		r.Get("/proposals/{proposalId}/validations", proposalValidationsHandler(d.Proposals, logger))
		r.Get("/proposals/{proposalId}/history", proposalHistoryHandler(d.Proposals, logger))

		r.Get("/metrics/pipeline", pipelineMetricsHandler(d.Metrics))

		// Mutating routes carry an actor for the audit trail.
		r.Group(func(r chi.Router) {
			r.Use(ActorMiddleware(d.JWTSecret, logger))

			r.Post("/alerts/{alertId}/acknowledge", acknowledgeAlertHandler(d.Alerts, logger))
			r.Post("/alerts/{alertId}/resolve", resolveAlertHandler(d.Alerts, logger))

			r.Post("/proposals/{proposalId}/approve", approveProposalHandler(d.Gate, logger))
			r.Post("/proposals/{proposalId}/reject", rejectProposalHandler(d.Gate, logger))
			r.Post("/proposals/{proposalId}/resubmit", resubmitProposalHandler(d.Proposals, logger))
			r.Post("/proposals/{proposalId}/validations", submitValidationHandler(d.Runner, logger))
			r.Post("/proposals/{proposalId}/validate", runValidationHandler(d.Runner, logger))

			r.Post("/snapshots", ingestSnapshotHandler(d.Pipeline, logger))
			r.Post("/scans", runScanHandler(d.Scheduler, logger))
		})
	})

	return r
}

// ============================================================
// Operational
// ============================================================

func healthzHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UTC().Format(time.RFC3339)
		services := []domain.ServiceHealth{
			{Name: "qloop-api", Status: "healthy", LastChecked: now},
		}

		overall := "healthy"
		for _, c := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			start := time.Now()
			err := c.Ping(ctx)
			cancel()

			status := "healthy"
			if err != nil {
				status = "unhealthy"
				overall = "degraded"
			}
			services = append(services, domain.ServiceHealth{
				Name:        c.Name,
				Status:      status,
				LatencyMs:   time.Since(start).Milliseconds(),
				LastChecked: now,
			})
		}

		code := http.StatusOK
		if overall != "healthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, domain.HealthStatus{Status: overall, Services: services})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func pipelineMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}
