package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/infra/observability"
	"github.com/boddenberg/quality-loop-go/internal/infra/resilience"
	"github.com/boddenberg/quality-loop-go/internal/port"
)

// AlertRepository is the persistence AlertService needs.
type AlertRepository interface {
	port.AlertStore
	port.AuditLog
}

// AlertService owns alert dedup and the alert lifecycle.
type AlertService struct {
	store    AlertRepository
	locker   port.DedupLocker
	clock    port.Clock
	cooldown time.Duration
	retry    resilience.Config
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// NewAlertService creates the alert service. Alerts with the same
// fingerprint triggered within cooldown are merged.
func NewAlertService(
	store AlertRepository,
	locker port.DedupLocker,
	clock port.Clock,
	cooldown time.Duration,
	retry resilience.Config,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *AlertService {
	return &AlertService{
		store:    store,
		locker:   locker,
		clock:    clock,
		cooldown: cooldown,
		retry:    retry,
		metrics:  metrics,
		logger:   logger,
	}
}

// RaiseOutcome tells whether a raised alert was stored or merged.
type RaiseOutcome struct {
	Alert  *domain.Alert
	Merged bool
}

// Raise persists a detected alert, or merges it into the active alert with
// the same fingerprint if one was triggered within the cooldown window. The
// lookup and the write happen under the dedup lock for that fingerprint.
func (s *AlertService) Raise(ctx context.Context, alert *domain.Alert) (*RaiseOutcome, error) {
	ctx, span := tracer.Start(ctx, "AlertService.Raise")
	defer span.End()
	span.SetAttributes(
		attribute.String("alert.fingerprint", alert.Fingerprint),
		attribute.String("alert.severity", string(alert.Severity)),
	)

	unlock, err := s.locker.Lock(ctx, "alert:"+alert.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("dedup lock: %w", err)
	}
	defer unlock()

	now := s.clock.Now()
	existing, err := s.store.FindActiveByFingerprint(ctx, alert.Fingerprint, now.Add(-s.cooldown))
	if err != nil {
		return nil, fmt.Errorf("dedup lookup: %w", err)
	}

	if existing != nil {
		dup := &domain.ErrDuplicateAlert{Fingerprint: alert.Fingerprint, ExistingID: existing.AlertID}
		merged, err := s.merge(ctx, existing.AlertID, alert)
		if err == nil {
			s.metrics.IncrAlert(observability.AlertMerged)
			s.logger.Info("alert merged",
				zap.String("alert_id", merged.AlertID),
				zap.String("fingerprint", merged.Fingerprint),
				zap.String("severity", string(merged.Severity)),
				zap.NamedError("dedup", dup),
			)
			return &RaiseOutcome{Alert: merged, Merged: true}, nil
		}
		if !errors.Is(err, errNoLongerActive) {
			return nil, err
		}
		// Acknowledged or resolved while we waited; start a fresh alert.
	}

	alert.Status = domain.AlertActive
	alert.Version = 0
	if alert.TriggeredAt.IsZero() {
		alert.TriggeredAt = now
	}
	entry := auditEntry(domain.EntityAlert, alert.AlertID, "", string(domain.AlertActive),
		domain.ActorDetector, "anomaly detected", now)
	if err := s.store.CreateAlert(ctx, alert, entry); err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}

	s.metrics.IncrAlert(observability.AlertCreated)
	s.logger.Info("alert created",
		zap.String("alert_id", alert.AlertID),
		zap.String("fingerprint", alert.Fingerprint),
		zap.String("severity", string(alert.Severity)),
		zap.String("component", alert.AffectedComponent),
	)
	return &RaiseOutcome{Alert: alert.Clone()}, nil
}

var errNoLongerActive = errors.New("alert no longer active")

func (s *AlertService) merge(ctx context.Context, alertID string, incoming *domain.Alert) (*domain.Alert, error) {
	var merged *domain.Alert
	err := resilience.RetryOnConflict(ctx, s.retry, func() error {
		current, err := s.store.GetAlert(ctx, alertID)
		if err != nil {
			return err
		}
		if current.Status != domain.AlertActive {
			return errNoLongerActive
		}

		mergeEvidence(current, incoming)
		expected := current.Version
		entry := auditEntry(domain.EntityAlert, current.AlertID, string(domain.AlertActive), string(domain.AlertActive),
			domain.ActorDetector, "merged duplicate detection", s.clock.Now())
		if err := s.store.UpdateAlert(ctx, current, expected, entry); err != nil {
			return err
		}
		merged = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// mergeEvidence folds a newer detection into an existing alert: a metric seen
// again takes the newer values, unseen metrics are appended, and severity,
// immediate-action and summaries are recomputed. Confidence never drops.
func mergeEvidence(dst, src *domain.Alert) {
	index := make(map[string]int, len(dst.MetricDegradations))
	for i, d := range dst.MetricDegradations {
		index[d.Metric] = i
	}
	for _, d := range src.MetricDegradations {
		if i, ok := index[d.Metric]; ok {
			dst.MetricDegradations[i] = d
			continue
		}
		index[d.Metric] = len(dst.MetricDegradations)
		dst.MetricDegradations = append(dst.MetricDegradations, d)
	}
	domain.SortDegradations(dst.MetricDegradations)

	dst.Severity = dst.MetricDegradations[0].Severity
	dst.RequiresImmediateAction = immediate(dst.Severity)
	dst.ConfidenceScore = math.Max(dst.ConfidenceScore, src.ConfidenceScore)
	dst.EstimatedQueriesAffectedPct = src.EstimatedQueriesAffectedPct
	if src.WindowLabel != "" {
		dst.WindowLabel = src.WindowLabel
	}
	dst.Title, dst.Description = domain.Summarize(dst.AffectedComponent, dst.MetricDegradations)
}

// Acknowledge moves an active alert to acknowledged.
func (s *AlertService) Acknowledge(ctx context.Context, alertID, actor, reason string) (*domain.Alert, error) {
	return s.transition(ctx, alertID, domain.AlertAcknowledged, actor, reason)
}

// Resolve moves an active or acknowledged alert to resolved.
func (s *AlertService) Resolve(ctx context.Context, alertID, actor, reason string) (*domain.Alert, error) {
	return s.transition(ctx, alertID, domain.AlertResolved, actor, reason)
}

func (s *AlertService) transition(ctx context.Context, alertID string, to domain.AlertStatus, actor, reason string) (*domain.Alert, error) {
	ctx, span := tracer.Start(ctx, "AlertService.transition")
	defer span.End()
	span.SetAttributes(attribute.String("alert.id", alertID), attribute.String("alert.to", string(to)))

	var updated *domain.Alert
	err := resilience.RetryOnConflict(ctx, s.retry, func() error {
		a, err := s.store.GetAlert(ctx, alertID)
		if err != nil {
			return err
		}
		if !a.Status.CanTransition(to) {
			return &domain.ErrInvalidTransition{
				Entity: domain.EntityAlert, ID: alertID,
				From: string(a.Status), To: string(to),
			}
		}

		now := s.clock.Now()
		from := a.Status
		a.Status = to
		switch to {
		case domain.AlertAcknowledged:
			a.AcknowledgedAt = &now
		case domain.AlertResolved:
			a.ResolvedAt = &now
		}

		expected := a.Version
		entry := auditEntry(domain.EntityAlert, alertID, string(from), string(to), actor, reason, now)
		if err := s.store.UpdateAlert(ctx, a, expected, entry); err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.IncrTransition(domain.EntityAlert, string(to))
	s.logger.Info("alert transitioned",
		zap.String("alert_id", alertID),
		zap.String("status", string(to)),
		zap.String("actor", actor),
	)
	return updated, nil
}

// Get returns one alert.
func (s *AlertService) Get(ctx context.Context, alertID string) (*domain.Alert, error) {
	return s.store.GetAlert(ctx, alertID)
}

// List returns alerts matching filter, newest first.
func (s *AlertService) List(ctx context.Context, filter domain.AlertFilter) ([]domain.Alert, error) {
	return s.store.ListAlerts(ctx, filter)
}

// History returns the audit trail of an alert.
func (s *AlertService) History(ctx context.Context, alertID string) ([]domain.AuditEntry, error) {
	if _, err := s.store.GetAlert(ctx, alertID); err != nil {
		return nil, err
	}
	return s.store.History(ctx, domain.EntityAlert, alertID)
}

// Analysis returns the root-cause analysis attached to an alert.
func (s *AlertService) Analysis(ctx context.Context, alertID string) (*domain.RootCauseAnalysis, error) {
	return s.store.GetAnalysis(ctx, alertID)
}

// RecordAnalysis attaches an analysis to its alert. An alert has at most one.
func (s *AlertService) RecordAnalysis(ctx context.Context, analysis *domain.RootCauseAnalysis) error {
	if err := s.store.SaveAnalysis(ctx, analysis); err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	return nil
}

// Stats counts active alerts by severity and alerts resolved in the last day.
func (s *AlertService) Stats(ctx context.Context) (*domain.AlertStats, error) {
	all, err := s.store.ListAlerts(ctx, domain.AlertFilter{})
	if err != nil {
		return nil, err
	}

	since := s.clock.Now().Add(-24 * time.Hour)
	stats := &domain.AlertStats{}
	for _, a := range all {
		switch a.Status {
		case domain.AlertActive:
			stats.ActiveCount++
			switch a.Severity {
			case domain.SeverityCritical:
				stats.CriticalCount++
			case domain.SeverityHigh:
				stats.HighCount++
			}
		case domain.AlertResolved:
			if a.ResolvedAt != nil && !a.ResolvedAt.Before(since) {
				stats.Resolved24h++
			}
		}
	}
	return stats, nil
}
