package service

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/port"
)

// Detector classifies metric snapshots against their baselines.
type Detector struct {
	directions domain.Directionality
	thresholds domain.SeverityThresholds
	clock      port.Clock
	logger     *zap.Logger
}

// NewDetector creates a detector for the given directionality table and
// severity thresholds.
func NewDetector(dirs domain.Directionality, thresholds domain.SeverityThresholds, clock port.Clock, logger *zap.Logger) *Detector {
	return &Detector{
		directions: dirs,
		thresholds: thresholds,
		clock:      clock,
		logger:     logger,
	}
}

// Detect computes per-metric degradation and severity for one snapshot and,
// when anything crosses the reporting floor, builds an active Alert. It
// never mutates the snapshot and returns ErrDataQuality when a compared
// metric has a zero or non-finite value.
func (d *Detector) Detect(snapshot domain.MetricSnapshot) (*domain.Detection, error) {
	if snapshot.Component == "" {
		return nil, &domain.ErrValidation{Field: "component", Message: "is required"}
	}

	names := make([]string, 0, len(snapshot.CurrentMetrics))
	for name := range snapshot.CurrentMetrics {
		names = append(names, name)
	}
	sort.Strings(names)

	degradations := make([]domain.MetricDegradation, 0)
	for _, name := range names {
		current := snapshot.CurrentMetrics[name]
		baseline, ok := snapshot.BaselineMetrics[name]
		if !ok {
			continue
		}
		dir, known := d.directions.Lookup(name)
		if !known {
			d.logger.Debug("metric has no directionality, skipped",
				zap.String("component", snapshot.Component),
				zap.String("metric", name),
			)
			continue
		}
		if !domain.IsFinite(current) || !domain.IsFinite(baseline) {
			return nil, &domain.ErrDataQuality{Metric: name, Reason: "non-finite value"}
		}
		if baseline == 0 {
			return nil, &domain.ErrDataQuality{Metric: name, Reason: "baseline is zero"}
		}

		// Severity follows the reported two-decimal value.
		pct := domain.Round2(dir.Worsening(baseline, current))
		if pct <= 0 {
			continue
		}
		severity, reported := d.thresholds.Classify(pct)
		if !reported {
			continue
		}
		degradations = append(degradations, domain.MetricDegradation{
			Metric:         name,
			Baseline:       baseline,
			Current:        current,
			DegradationPct: pct,
			Severity:       severity,
		})
	}

	if len(degradations) == 0 {
		return &domain.Detection{IsAnomaly: false, Degradations: degradations}, nil
	}

	domain.SortDegradations(degradations)
	primary := degradations[0]
	confidence := detectionConfidence(degradations, snapshot.TotalErrors())

	metrics := make([]string, len(degradations))
	for i, dg := range degradations {
		metrics[i] = dg.Metric
	}
	title, description := domain.Summarize(snapshot.Component, degradations)

	alert := &domain.Alert{
		AlertID:                     newID(),
		Fingerprint:                 domain.Fingerprint(snapshot.Component, metrics),
		Severity:                    primary.Severity,
		Title:                       title,
		Description:                 description,
		AffectedComponent:           snapshot.Component,
		MetricDegradations:          degradations,
		EstimatedQueriesAffectedPct: queriesAffected(snapshot, primary),
		ConfidenceScore:             confidence,
		RequiresImmediateAction:     immediate(primary.Severity),
		Status:                      domain.AlertActive,
		WindowLabel:                 snapshot.WindowLabel,
		TriggeredAt:                 d.clock.Now(),
	}

	return &domain.Detection{
		IsAnomaly:               true,
		Severity:                primary.Severity,
		Degradations:            append([]domain.MetricDegradation(nil), degradations...),
		ConfidenceScore:         confidence,
		RequiresImmediateAction: alert.RequiresImmediateAction,
		Alert:                   alert,
	}, nil
}

func immediate(s domain.Severity) bool {
	return s.Rank() >= domain.SeverityHigh.Rank()
}

// detectionConfidence grows with the largest degradation, the number of
// degraded metrics and the volume of sampled errors. Result is in [0.5, 1].
func detectionConfidence(ds []domain.MetricDegradation, errors int) float64 {
	maxDeg := 0.0
	for _, d := range ds {
		maxDeg = math.Max(maxDeg, d.DegradationPct)
	}
	magnitude := math.Min(1, maxDeg/100)
	breadth := math.Min(float64(len(ds)), 5) / 5
	evidence := math.Min(float64(errors), 100) / 100
	return domain.Round2(0.5 + 0.25*magnitude + 0.15*breadth + 0.10*evidence)
}

// queriesAffected uses the current error rate when the snapshot carries one
// and falls back to the primary degradation.
func queriesAffected(s domain.MetricSnapshot, primary domain.MetricDegradation) float64 {
	if rate, ok := s.CurrentMetrics[domain.MetricErrorRate]; ok && domain.IsFinite(rate) && rate >= 0 {
		return domain.Round2(math.Min(100, rate*100))
	}
	return domain.Round2(math.Min(100, primary.DegradationPct))
}
