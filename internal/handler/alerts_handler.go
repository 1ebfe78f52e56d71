package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/service"
)

func listAlertsHandler(svc *service.AlertService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := domain.AlertFilter{
			Severity: domain.Severity(q.Get("severity")),
			Status:   domain.AlertStatus(q.Get("status")),
		}
		if filter.Severity != "" && !filter.Severity.Valid() {
			writeError(w, http.StatusBadRequest, "unknown severity: "+q.Get("severity"))
			return
		}
		switch filter.Status {
		case "", domain.AlertActive, domain.AlertAcknowledged, domain.AlertResolved:
		default:
			writeError(w, http.StatusBadRequest, "unknown status: "+q.Get("status"))
			return
		}

		alerts, err := svc.List(r.Context(), filter)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, list(alerts))
	}
}

func alertStatsHandler(svc *service.AlertService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Stats(r.Context())
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func getAlertHandler(svc *service.AlertService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		alert, err := svc.Get(r.Context(), chi.URLParam(r, "alertId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, alert)
	}
}

func alertHistoryHandler(svc *service.AlertService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history, err := svc.History(r.Context(), chi.URLParam(r, "alertId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, list(history))
	}
}

func alertAnalysisHandler(svc *service.AlertService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		analysis, err := svc.Analysis(r.Context(), chi.URLParam(r, "alertId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, analysis)
	}
}

func acknowledgeAlertHandler(svc *service.AlertService, logger *zap.Logger) http.HandlerFunc {
	return alertTransitionHandler("acknowledge", svc.Acknowledge, logger)
}

func resolveAlertHandler(svc *service.AlertService, logger *zap.Logger) http.HandlerFunc {
	return alertTransitionHandler("resolve", svc.Resolve, logger)
}

type alertTransitionFunc func(ctx context.Context, alertID, actor, reason string) (*domain.Alert, error)

func alertTransitionHandler(action string, fn alertTransitionFunc, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/alerts/{alertId}/"+action)
		defer span.End()

		alertID := chi.URLParam(r, "alertId")
		span.SetAttributes(attribute.String("alert.id", alertID))

		var req reasonRequest
		if err := decodeBody(r, reasonSchema, "reason", &req, true); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		alert, err := fn(ctx, alertID, ActorFromContext(ctx), req.Reason)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, alert)
	}
}
