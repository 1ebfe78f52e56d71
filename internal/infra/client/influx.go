package client

import (
	"context"
	"fmt"
	"sort"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.opentelemetry.io/otel/attribute"

	"github.com/boddenberg/quality-loop-go/internal/domain"
)

const (
	metricsMeasurement = "quality_metrics"
	errorsMeasurement  = "quality_errors"
)

// InfluxSource builds snapshots from InfluxDB. Points in quality_metrics are
// tagged by component with one field per metric; quality_errors counts
// errors tagged by component and type.
type InfluxSource struct {
	client influxdb2.Client
	query  api.QueryAPI
	bucket string
}

// NewInfluxSource creates a new InfluxSource.
func NewInfluxSource(url, token, org, bucket string) *InfluxSource {
	c := influxdb2.NewClient(url, token)
	return &InfluxSource{client: c, query: c.QueryAPI(org), bucket: bucket}
}

// Fetch compares the mean of every metric over [at-window, at) with the
// mean over the window before it.
func (s *InfluxSource) Fetch(ctx context.Context, window time.Duration, at time.Time) ([]domain.MetricSnapshot, error) {
	ctx, span := tracer.Start(ctx, "InfluxSource.Fetch")
	defer span.End()
	span.SetAttributes(attribute.String("window", window.String()))

	at = at.UTC()
	start := at.Add(-window)

	current, err := s.means(ctx, start, at)
	if err != nil {
		return nil, &domain.ErrExternalService{Service: "influxdb", Err: err}
	}
	baseline, err := s.means(ctx, start.Add(-window), start)
	if err != nil {
		return nil, &domain.ErrExternalService{Service: "influxdb", Err: err}
	}
	samples, err := s.errorSamples(ctx, start, at)
	if err != nil {
		return nil, &domain.ErrExternalService{Service: "influxdb", Err: err}
	}

	components := make([]string, 0, len(current))
	for c := range current {
		components = append(components, c)
	}
	sort.Strings(components)

	out := make([]domain.MetricSnapshot, 0, len(components))
	for _, c := range components {
		base := baseline[c]
		if base == nil {
			base = map[string]float64{}
		}
		out = append(out, domain.MetricSnapshot{
			Component:       c,
			CurrentMetrics:  current[c],
			BaselineMetrics: base,
			ErrorSamples:    samples[c],
			WindowLabel:     window.String(),
			CapturedAt:      at,
		})
	}
	span.SetAttributes(attribute.Int("snapshots", len(out)))
	return out, nil
}

func (s *InfluxSource) means(ctx context.Context, start, stop time.Time) (map[string]map[string]float64, error) {
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q)
  |> group(columns: ["component", "_field"])
  |> mean()`, s.bucket, start.Format(time.RFC3339), stop.Format(time.RFC3339), metricsMeasurement)

	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	out := map[string]map[string]float64{}
	for result.Next() {
		rec := result.Record()
		component, _ := rec.ValueByKey("component").(string)
		v, ok := rec.Value().(float64)
		if component == "" || !ok {
			continue
		}
		if out[component] == nil {
			out[component] = map[string]float64{}
		}
		out[component][rec.Field()] = v
	}
	return out, result.Err()
}

func (s *InfluxSource) errorSamples(ctx context.Context, start, stop time.Time) (map[string][]domain.ErrorSample, error) {
	flux := fmt.Sprintf(`from(bucket: %q)
  |> range(start: %s, stop: %s)
  |> filter(fn: (r) => r._measurement == %q and r._field == "count")
  |> group(columns: ["component", "type"])
  |> sum()`, s.bucket, start.Format(time.RFC3339), stop.Format(time.RFC3339), errorsMeasurement)

	result, err := s.query.Query(ctx, flux)
	if err != nil {
		return nil, err
	}
	defer result.Close()

	out := map[string][]domain.ErrorSample{}
	for result.Next() {
		rec := result.Record()
		component, _ := rec.ValueByKey("component").(string)
		typ, _ := rec.ValueByKey("type").(string)
		var count int
		switch v := rec.Value().(type) {
		case int64:
			count = int(v)
		case float64:
			count = int(v)
		}
		if component == "" || count <= 0 {
			continue
		}
		out[component] = append(out[component], domain.ErrorSample{Type: typ, Count: count})
	}
	return out, result.Err()
}

// Close releases the HTTP resources of the client.
func (s *InfluxSource) Close() {
	s.client.Close()
}
