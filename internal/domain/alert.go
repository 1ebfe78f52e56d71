package domain

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ============================================================
// Severity
// ============================================================

// Severity classifies how bad a degradation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// Valid reports whether s is one of the four severities.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// SeverityThresholds are the minimum degradation percentages per severity.
type SeverityThresholds struct {
	Critical float64 `yaml:"critical" json:"critical"`
	High     float64 `yaml:"high" json:"high"`
	Medium   float64 `yaml:"medium" json:"medium"`
	Low      float64 `yaml:"low" json:"low"`
}

// DefaultSeverityThresholds returns 50/25/15/10.
func DefaultSeverityThresholds() SeverityThresholds {
	return SeverityThresholds{Critical: 50, High: 25, Medium: 15, Low: 10}
}

// Classify maps a degradation percentage to a severity. The second return
// value is false when the degradation is below the reporting floor.
func (t SeverityThresholds) Classify(degradationPct float64) (Severity, bool) {
	switch {
	case degradationPct >= t.Critical:
		return SeverityCritical, true
	case degradationPct >= t.High:
		return SeverityHigh, true
	case degradationPct >= t.Medium:
		return SeverityMedium, true
	case degradationPct >= t.Low:
		return SeverityLow, true
	}
	return "", false
}

// ============================================================
// Alerts
// ============================================================

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertActive:       {AlertAcknowledged, AlertResolved},
	AlertAcknowledged: {AlertResolved},
}

// CanTransition reports whether an alert may move from s to next.
func (s AlertStatus) CanTransition(next AlertStatus) bool {
	for _, allowed := range alertTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MetricDegradation is the per-metric evidence attached to an alert.
type MetricDegradation struct {
	Metric         string   `json:"metric"`
	Baseline       float64  `json:"baseline"`
	Current        float64  `json:"current"`
	DegradationPct float64  `json:"degradation_pct"`
	Severity       Severity `json:"severity"`
}

// Alert is a persisted anomaly awaiting investigation.
type Alert struct {
	AlertID                     string              `json:"alert_id"`
	Fingerprint                 string              `json:"fingerprint"`
	Severity                    Severity            `json:"severity"`
	Title                       string              `json:"title"`
	Description                 string              `json:"description"`
	AffectedComponent           string              `json:"affected_component"`
	MetricDegradations          []MetricDegradation `json:"metric_degradations"`
	EstimatedQueriesAffectedPct float64             `json:"estimated_queries_affected_pct"`
	ConfidenceScore             float64             `json:"confidence_score"`
	RequiresImmediateAction     bool                `json:"requires_immediate_action"`
	Status                      AlertStatus         `json:"status"`
	WindowLabel                 string              `json:"window_label,omitempty"`
	TriggeredAt                 time.Time           `json:"triggered_at"`
	AcknowledgedAt              *time.Time          `json:"acknowledged_at,omitempty"`
	ResolvedAt                  *time.Time          `json:"resolved_at,omitempty"`
	Version                     int                 `json:"version"`
}

// Clone returns a deep copy of the alert.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	out := *a
	out.MetricDegradations = append([]MetricDegradation(nil), a.MetricDegradations...)
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		out.ResolvedAt = &t
	}
	return &out
}

// SortDegradations orders degradations by severity, then magnitude, then
// name, so the first entry is the one that defines the overall severity.
func SortDegradations(ds []MetricDegradation) {
	sort.SliceStable(ds, func(i, j int) bool {
		ri, rj := ds[i].Severity.Rank(), ds[j].Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		if ds[i].DegradationPct != ds[j].DegradationPct {
			return ds[i].DegradationPct > ds[j].DegradationPct
		}
		return ds[i].Metric < ds[j].Metric
	})
}

// Fingerprint identifies "the same underlying anomaly": the affected
// component plus the set of degraded metrics, independent of order.
func Fingerprint(component string, metrics []string) string {
	names := append([]string(nil), metrics...)
	sort.Strings(names)
	sum := blake2b.Sum256([]byte(component + "|" + strings.Join(names, ",")))
	return hex.EncodeToString(sum[:16])
}

// AlertFilter narrows alert listings. Empty fields match everything.
type AlertFilter struct {
	Severity Severity
	Status   AlertStatus
}

// Matches reports whether a satisfies the filter.
func (f AlertFilter) Matches(a *Alert) bool {
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	return true
}

// AlertStats is returned by GET /alerts/stats.
type AlertStats struct {
	CriticalCount int `json:"critical_count"`
	HighCount     int `json:"high_count"`
	ActiveCount   int `json:"active_count"`
	Resolved24h   int `json:"resolved_24h"`
}

// Detection is the outcome of running the anomaly detector on a snapshot.
// Alert is nil when IsAnomaly is false.
type Detection struct {
	IsAnomaly               bool                `json:"is_anomaly"`
	Severity                Severity            `json:"severity,omitempty"`
	Degradations            []MetricDegradation `json:"metric_degradations"`
	ConfidenceScore         float64             `json:"confidence_score"`
	RequiresImmediateAction bool                `json:"requires_immediate_action"`
	Alert                   *Alert              `json:"alert,omitempty"`
}

// Summarize renders the deterministic title and description of an alert
// from its sorted degradations.
func Summarize(component string, ds []MetricDegradation) (title, description string) {
	if len(ds) == 0 {
		return "no degradation on " + component, ""
	}
	primary := ds[0]
	title = fmt.Sprintf("%s degradation on %s: %s worsened %.2f%%", primary.Severity, component, primary.Metric, primary.DegradationPct)
	if len(ds) > 1 {
		title += fmt.Sprintf(" (+%d more)", len(ds)-1)
	}

	parts := make([]string, len(ds))
	for i, d := range ds {
		parts[i] = fmt.Sprintf("%s %g -> %g (%.2f%%, %s)", d.Metric, d.Baseline, d.Current, d.DegradationPct, d.Severity)
	}
	return title, strings.Join(parts, "; ")
}
