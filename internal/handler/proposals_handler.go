package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/service"
)

type overrideResponse struct {
	Decision *domain.DeploymentDecision  `json:"decision"`
	Proposal *domain.ImprovementProposal `json:"proposal"`
}

func listProposalsHandler(svc *service.ProposalService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := domain.ProposalFilter{
			Status:        domain.ProposalStatus(q.Get("status")),
			ProposalType:  domain.ProposalType(q.Get("proposal_type")),
			SourceAlertID: q.Get("source_alert_id"),
		}
		if filter.ProposalType != "" && !filter.ProposalType.Valid() {
			writeError(w, http.StatusBadRequest, "unknown proposal_type: "+q.Get("proposal_type"))
			return
		}

		proposals, err := svc.List(r.Context(), filter)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, list(proposals))
	}
}

func proposalStatsHandler(svc *service.ProposalService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := svc.Stats(r.Context())
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func getProposalHandler(svc *service.ProposalService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := svc.Get(r.Context(), chi.URLParam(r, "proposalId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func proposalDecisionsHandler(svc *service.ProposalService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ds, err := svc.Decisions(r.Context(), chi.URLParam(r, "proposalId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, list(ds))
	}
}

func proposalValidationsHandler(svc *service.ProposalService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vs, err := svc.Validations(r.Context(), chi.URLParam(r, "proposalId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, list(vs))
	}
}

func proposalHistoryHandler(svc *service.ProposalService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		history, err := svc.History(r.Context(), chi.URLParam(r, "proposalId"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, list(history))
	}
}

func approveProposalHandler(gate *service.Gate, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/proposals/{proposalId}/approve")
		defer span.End()

		id := chi.URLParam(r, "proposalId")
		span.SetAttributes(attribute.String("proposal.id", id))

		var req reasonRequest
		if err := decodeBody(r, reasonSchema, "reason", &req, true); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		d, p, err := gate.Override(ctx, id, domain.RecommendApprove, ActorFromContext(ctx), req.Reason)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, overrideResponse{Decision: d, Proposal: p})
	}
}

func rejectProposalHandler(gate *service.Gate, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/proposals/{proposalId}/reject")
		defer span.End()

		id := chi.URLParam(r, "proposalId")
		span.SetAttributes(attribute.String("proposal.id", id))

		var req reasonRequest
		if err := decodeBody(r, rejectSchema, "reject", &req, false); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		d, p, err := gate.Override(ctx, id, domain.RecommendReject, ActorFromContext(ctx), req.Reason)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, overrideResponse{Decision: d, Proposal: p})
	}
}

func resubmitProposalHandler(svc *service.ProposalService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reasonRequest
		if err := decodeBody(r, reasonSchema, "reason", &req, true); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		p, err := svc.Resubmit(r.Context(), chi.URLParam(r, "proposalId"), ActorFromContext(r.Context()), req.Reason)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, p)
	}
}

func submitValidationHandler(runner *service.ValidationRunner, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/proposals/{proposalId}/validations")
		defer span.End()

		id := chi.URLParam(r, "proposalId")
		span.SetAttributes(attribute.String("proposal.id", id))

		var result domain.ValidationResult
		if err := decodeBody(r, validationSchema, "validation_result", &result, false); err != nil {
			handleServiceError(w, err, logger)
			return
		}

		d, err := runner.Submit(ctx, id, &result)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, d)
	}
}

func runValidationHandler(runner *service.ValidationRunner, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/proposals/{proposalId}/validate")
		defer span.End()

		id := chi.URLParam(r, "proposalId")
		span.SetAttributes(attribute.String("proposal.id", id))

		d, err := runner.Run(ctx, id)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}
