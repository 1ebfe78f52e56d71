// Package domain defines the core entities of the improvement loop: metric
// snapshots, alerts, root-cause analyses, improvement proposals, validation
// results and deployment decisions. These models are independent of storage
// and transport and are the canonical structures used by every layer.
package domain

import (
	"math"
	"time"
)

// ============================================================
// Metric directionality
// ============================================================

// Direction tells whether a larger value of a metric is an improvement.
type Direction string

const (
	HigherIsBetter Direction = "higher_is_better"
	LowerIsBetter  Direction = "lower_is_better"
)

// Directionality maps metric names to their direction.
type Directionality map[string]Direction

// Well-known metric names.
const (
	MetricErrorRate          = "error_rate"
	MetricHallucinationRate  = "hallucination_rate"
	MetricResponseTimeMs     = "response_time_ms"
	MetricP95LatencyMs       = "p95_latency_ms"
	MetricFactAccuracy       = "fact_accuracy"
	MetricGuardrailPassRate  = "guardrail_pass_rate"
	MetricSLACompliance      = "sla_compliance"
	MetricUserSatisfaction   = "user_satisfaction"
	MetricRetrievalPrecision = "retrieval_precision"
)

// DefaultDirectionality returns the built-in directionality table.
func DefaultDirectionality() Directionality {
	return Directionality{
		MetricErrorRate:          LowerIsBetter,
		MetricHallucinationRate:  LowerIsBetter,
		MetricResponseTimeMs:     LowerIsBetter,
		MetricP95LatencyMs:       LowerIsBetter,
		MetricFactAccuracy:       HigherIsBetter,
		MetricGuardrailPassRate:  HigherIsBetter,
		MetricSLACompliance:      HigherIsBetter,
		MetricUserSatisfaction:   HigherIsBetter,
		MetricRetrievalPrecision: HigherIsBetter,
	}
}

// Lookup returns the direction of a metric and whether it is known.
func (d Directionality) Lookup(metric string) (Direction, bool) {
	dir, ok := d[metric]
	return dir, ok
}

// Worsening returns the direction-aware worsening of current relative to
// baseline as a percentage of baseline. Positive means worse.
// The caller must ensure baseline != 0.
func (dir Direction) Worsening(baseline, current float64) float64 {
	if dir == LowerIsBetter {
		return (current - baseline) / baseline * 100
	}
	return (baseline - current) / baseline * 100
}

// ============================================================
// Snapshots
// ============================================================

// ErrorSample is one bucket of errors observed in the window.
type ErrorSample struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// MetricSnapshot is the current vs baseline view of one component for a
// time window. It is never mutated once captured; use Clone to derive copies.
type MetricSnapshot struct {
	Component       string             `json:"component"`
	CurrentMetrics  map[string]float64 `json:"current_metrics"`
	BaselineMetrics map[string]float64 `json:"baseline_metrics"`
	ErrorSamples    []ErrorSample      `json:"error_samples"`
	WindowLabel     string             `json:"window_label"`
	CapturedAt      time.Time          `json:"captured_at"`
}

// Clone returns a deep copy of the snapshot.
func (s MetricSnapshot) Clone() MetricSnapshot {
	out := s
	out.CurrentMetrics = cloneFloats(s.CurrentMetrics)
	out.BaselineMetrics = cloneFloats(s.BaselineMetrics)
	if s.ErrorSamples != nil {
		out.ErrorSamples = append([]ErrorSample(nil), s.ErrorSamples...)
	}
	return out
}

// TotalErrors sums the counts of all error samples.
func (s MetricSnapshot) TotalErrors() int {
	total := 0
	for _, e := range s.ErrorSamples {
		if e.Count > 0 {
			total += e.Count
		}
	}
	return total
}

func cloneFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Round2 rounds to two decimal places, the precision used for every
// percentage exposed by the API.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// IsFinite reports whether v is neither NaN nor ±Inf.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
