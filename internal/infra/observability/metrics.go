package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"

	"github.com/boddenberg/quality-loop-go/internal/domain"
)

// Metrics holds all Prometheus metrics for the quality loop.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	externalErrors  *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
	tokensUsed      *prometheus.CounterVec

	scans       *prometheus.CounterVec
	detections  *prometheus.CounterVec
	alerts      *prometheus.CounterVec
	proposals   *prometheus.CounterVec
	decisions   *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	}

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "qloop_request_duration_seconds",
				Help:    "Duration of operations by name.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: counter("qloop_external_errors_total", "Total errors from external collaborators.", "service"),
		cacheHits:      counter("qloop_cache_hits_total", "Total cache hits.", "cache"),
		cacheMisses:    counter("qloop_cache_misses_total", "Total cache misses.", "cache"),
		tokensUsed:     counter("qloop_textgen_tokens_total", "Total text generation tokens consumed.", "type"),

		scans:       counter("qloop_scans_total", "Scheduled scans by outcome.", "status"),
		detections:  counter("qloop_detections_total", "Snapshots evaluated by the anomaly detector.", "result"),
		alerts:      counter("qloop_alerts_total", "Alerts raised, by outcome.", "outcome"),
		proposals:   counter("qloop_proposals_total", "Improvement proposals created, by type.", "type"),
		decisions:   counter("qloop_decisions_total", "Deployment decisions, by recommendation and origin.", "recommendation", "origin"),
		transitions: counter("qloop_transitions_total", "Lifecycle transitions, by entity and target status.", "entity", "to"),
	}
}

// Detection results.
const (
	DetectionAnomaly     = "anomaly"
	DetectionNormal      = "normal"
	DetectionDataQuality = "data_quality"
)

// Alert outcomes.
const (
	AlertCreated = "created"
	AlertMerged  = "merged"
)

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the external error counter.
func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordTokens records prompt and completion token usage.
func (m *Metrics) RecordTokens(prompt, completion int) {
	m.tokensUsed.WithLabelValues("prompt").Add(float64(prompt))
	m.tokensUsed.WithLabelValues("completion").Add(float64(completion))
}

// IncrScan counts one scheduled scan.
func (m *Metrics) IncrScan(ok bool) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.scans.WithLabelValues(status).Inc()
}

// IncrDetection counts one detector run by result.
func (m *Metrics) IncrDetection(result string) {
	m.detections.WithLabelValues(result).Inc()
}

// IncrAlert counts one alert by outcome (created or merged).
func (m *Metrics) IncrAlert(outcome string) {
	m.alerts.WithLabelValues(outcome).Inc()
}

// IncrProposal counts one created proposal.
func (m *Metrics) IncrProposal(t domain.ProposalType) {
	m.proposals.WithLabelValues(string(t)).Inc()
}

// IncrDecision counts one stored decision.
func (m *Metrics) IncrDecision(r domain.Recommendation, origin domain.DecisionOrigin) {
	m.decisions.WithLabelValues(string(r), string(origin)).Inc()
}

// IncrTransition counts one lifecycle transition.
func (m *Metrics) IncrTransition(entity domain.EntityType, to string) {
	m.transitions.WithLabelValues(string(entity), to).Inc()
}

// Snapshot returns the cumulative pipeline counters for the
// GET /v1/metrics/pipeline endpoint.
func (m *Metrics) Snapshot() *domain.PipelineMetrics {
	anomalies := getCounterValue(m.detections, DetectionAnomaly)
	normal := getCounterValue(m.detections, DetectionNormal)
	dq := getCounterValue(m.detections, DetectionDataQuality)

	out := &domain.PipelineMetrics{
		Scans:               int64(getCounterValue(m.scans, "ok") + getCounterValue(m.scans, "failed")),
		ScanFailures:        int64(getCounterValue(m.scans, "failed")),
		Detections:          int64(anomalies + normal + dq),
		Anomalies:           int64(anomalies),
		DataQualityFailures: int64(dq),
		AlertsCreated:       int64(getCounterValue(m.alerts, AlertCreated)),
		AlertsMerged:        int64(getCounterValue(m.alerts, AlertMerged)),
		Decisions:           map[string]int64{},
		ExternalErrors:      sumByLabel(m.Registry, "qloop_external_errors_total", "service"),
	}

	for _, p := range []domain.ProposalType{
		domain.ProposalCodeFix, domain.ProposalConfigChange,
		domain.ProposalPromptUpdate, domain.ProposalInfraChange,
	} {
		out.ProposalsCreated += int64(getCounterValue(m.proposals, string(p)))
	}

	var total, approved float64
	for rec, v := range sumByLabel(m.Registry, "qloop_decisions_total", "recommendation") {
		out.Decisions[rec] = int64(v)
		total += v
		if rec == string(domain.RecommendApprove) {
			approved = v
		}
	}
	if total > 0 {
		out.ApprovalRate = domain.Round2(approved / total)
	}

	hits := sumAll(sumByLabel(m.Registry, "qloop_cache_hits_total", "cache"))
	misses := sumAll(sumByLabel(m.Registry, "qloop_cache_misses_total", "cache"))
	if hits+misses > 0 {
		out.CacheHitRate = domain.Round2(hits / (hits + misses))
	}

	return out
}

// getCounterValue extracts the current float64 value from a CounterVec for the given labels.
func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	counter := cv.WithLabelValues(labels...)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

// sumByLabel gathers a counter family and sums its series grouped by one label.
func sumByLabel(reg *prometheus.Registry, family, label string) map[string]float64 {
	out := map[string]float64{}
	mfs, err := reg.Gather()
	if err != nil {
		return out
	}
	for _, mf := range mfs {
		if mf.GetName() != family {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label {
					out[lp.GetValue()] += metric.GetCounter().GetValue()
				}
			}
		}
	}
	return out
}

func sumAll(m map[string]float64) float64 {
	var total float64
	for _, v := range m {
		total += v
	}
	return total
}
