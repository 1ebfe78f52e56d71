package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/domain"
)

// TemplateGenerator renders the facts deterministically. It is used when no
// text generation service is configured.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(_ context.Context, req domain.GenerationRequest) (string, error) {
	parts := make([]string, 0, len(req.Facts))
	for _, k := range sortedKeys(req.Facts) {
		if v := req.Facts[k]; v != "" {
			parts = append(parts, k+"="+v)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no facts for %s", req.Kind)
	}
	return fmt.Sprintf("[%s] %s", req.Kind, strings.Join(parts, "; ")), nil
}

// EmptyTraces reports no recent changes or error samples for any component.
type EmptyTraces struct{}

func (EmptyTraces) Context(_ context.Context, alert *domain.Alert) (*domain.TraceContext, error) {
	return &domain.TraceContext{Component: alert.AffectedComponent}, nil
}

// LogSink records implement events in the log instead of calling a
// deployment system.
type LogSink struct {
	Logger *zap.Logger
}

func (s LogSink) Emit(_ context.Context, event *domain.DeploymentEvent) error {
	s.Logger.Info("deployment event",
		zap.String("idempotency_key", event.IdempotencyKey),
		zap.String("proposal_id", event.ProposalID),
		zap.String("proposal_type", string(event.ProposalType)),
		zap.String("component", event.Component),
	)
	return nil
}

// NoSnapshots is the source used when no metric store is configured. Scans
// then only validate pending proposals and reconcile approved ones.
type NoSnapshots struct{}

func (NoSnapshots) Fetch(context.Context, time.Duration, time.Time) ([]domain.MetricSnapshot, error) {
	return nil, nil
}
