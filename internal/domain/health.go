package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// PipelineMetrics is returned by GET /v1/metrics/pipeline.
type PipelineMetrics struct {
	Scans               int64              `json:"scans"`
	ScanFailures        int64              `json:"scan_failures"`
	Detections          int64              `json:"detections"`
	Anomalies           int64              `json:"anomalies"`
	DataQualityFailures int64              `json:"data_quality_failures"`
	AlertsCreated       int64              `json:"alerts_created"`
	AlertsMerged        int64              `json:"alerts_merged"`
	ProposalsCreated    int64              `json:"proposals_created"`
	Decisions           map[string]int64   `json:"decisions"`
	ApprovalRate        float64            `json:"approval_rate"`
	CacheHitRate        float64            `json:"cache_hit_rate"`
	ExternalErrors      map[string]float64 `json:"external_errors"`
}

// ============================================================
// Generic API Response wrappers
// ============================================================

// ListResponse wraps list results.
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
