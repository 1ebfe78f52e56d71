package handler

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/service"
)

func ingestSnapshotHandler(pipeline *service.Pipeline, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/snapshots")
		defer span.End()

		var snapshot domain.MetricSnapshot
		if err := decodeBody(r, snapshotSchema, "snapshot", &snapshot, false); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		span.SetAttributes(attribute.String("component", snapshot.Component))

		res, err := pipeline.Ingest(ctx, snapshot)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		status := http.StatusOK
		if res.Detection != nil && res.Detection.IsAnomaly && !res.Merged {
			status = http.StatusCreated
		}
		writeJSON(w, status, res)
	}
}

func runScanHandler(scheduler *service.Scheduler, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := scheduler.RunOnce(r.Context())
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}
