package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/quality-loop-go/internal/domain"
)

func detectAlert(t *testing.T, f *fixture, current float64) *domain.Alert {
	t.Helper()
	det, err := f.detector.Detect(domain.MetricSnapshot{
		Component:       "retriever",
		CurrentMetrics:  map[string]float64{"error_rate": current},
		BaselineMetrics: map[string]float64{"error_rate": 0.02},
	})
	require.NoError(t, err)
	require.True(t, det.IsAnomaly)
	return det.Alert
}

func TestRaise_MergesWithinCooldown(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	first, err := f.alerts.Raise(ctx, detectAlert(t, f, 0.05))
	require.NoError(t, err)
	assert.False(t, first.Merged)
	assert.Equal(t, domain.SeverityCritical, first.Alert.Severity)
	assert.Equal(t, 1, first.Alert.Version)

	f.clock.Advance(10 * time.Minute)
	second, err := f.alerts.Raise(ctx, detectAlert(t, f, 0.08))
	require.NoError(t, err)
	assert.True(t, second.Merged)
	assert.Equal(t, first.Alert.AlertID, second.Alert.AlertID)
	assert.Equal(t, 300.0, second.Alert.MetricDegradations[0].DegradationPct)
	assert.Equal(t, 2, second.Alert.Version)

	active, err := f.alerts.List(ctx, domain.AlertFilter{Status: domain.AlertActive})
	require.NoError(t, err)
	assert.Len(t, active, 1)

	history, err := f.alerts.History(ctx, first.Alert.AlertID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "", history[0].FromStatus)
	assert.Equal(t, "active", history[1].FromStatus)
	assert.Equal(t, "active", history[1].ToStatus)
	assert.Equal(t, "merged duplicate detection", history[1].Reason)
}

func TestRaise_NewAlertAfterCooldownOrResolve(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	first, err := f.alerts.Raise(ctx, detectAlert(t, f, 0.05))
	require.NoError(t, err)

	f.clock.Advance(31 * time.Minute)
	second, err := f.alerts.Raise(ctx, detectAlert(t, f, 0.05))
	require.NoError(t, err)
	assert.False(t, second.Merged)
	assert.NotEqual(t, first.Alert.AlertID, second.Alert.AlertID)

	_, err = f.alerts.Resolve(ctx, second.Alert.AlertID, "oncall", "fixed")
	require.NoError(t, err)
	third, err := f.alerts.Raise(ctx, detectAlert(t, f, 0.05))
	require.NoError(t, err)
	assert.False(t, third.Merged, "resolved alerts are not merge targets")
}

func TestRaise_ConcurrentSameFingerprint(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	const n = 16
	alerts := make([]*domain.Alert, n)
	for i := range alerts {
		alerts[i] = detectAlert(t, f, 0.08)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(a *domain.Alert) {
			defer wg.Done()
			out, err := f.alerts.Raise(ctx, a)
			if !assert.NoError(t, err) {
				return
			}
			if !out.Merged {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}(alerts[i])
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	active, err := f.alerts.List(ctx, domain.AlertFilter{Status: domain.AlertActive})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, n, active[0].Version)
}

func TestAlertTransitions(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	out, err := f.alerts.Raise(ctx, detectAlert(t, f, 0.08))
	require.NoError(t, err)
	id := out.Alert.AlertID

	f.clock.Advance(time.Minute)
	acked, err := f.alerts.Acknowledge(ctx, id, "alice", "looking")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertAcknowledged, acked.Status)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.Equal(t, epoch.Add(time.Minute), *acked.AcknowledgedAt)

	_, err = f.alerts.Acknowledge(ctx, id, "alice", "")
	var invalid *domain.ErrInvalidTransition
	assert.True(t, errors.As(err, &invalid))

	resolved, err := f.alerts.Resolve(ctx, id, "alice", "rolled back")
	require.NoError(t, err)
	assert.Equal(t, domain.AlertResolved, resolved.Status)

	_, err = f.alerts.Resolve(ctx, id, "alice", "")
	assert.True(t, errors.As(err, &invalid))

	history, err := f.alerts.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "acknowledged", history[1].ToStatus)
	assert.Equal(t, "alice", history[1].Actor)
	assert.Equal(t, "resolved", history[2].ToStatus)
	assert.Equal(t, "rolled back", history[2].Reason)

	_, err = f.alerts.Resolve(ctx, "missing", "alice", "")
	var notFound *domain.ErrNotFound
	assert.True(t, errors.As(err, &notFound))
}

func TestAlertStats(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	critical, err := f.alerts.Raise(ctx, detectAlert(t, f, 0.08))
	require.NoError(t, err)

	det, err := f.detector.Detect(domain.MetricSnapshot{
		Component:       "generator",
		CurrentMetrics:  map[string]float64{"fact_accuracy": 0.58},
		BaselineMetrics: map[string]float64{"fact_accuracy": 0.8},
	})
	require.NoError(t, err)
	high, err := f.alerts.Raise(ctx, det.Alert)
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityHigh, high.Alert.Severity)

	_, err = f.alerts.Resolve(ctx, critical.Alert.AlertID, "bob", "")
	require.NoError(t, err)

	stats, err := f.alerts.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &domain.AlertStats{CriticalCount: 0, HighCount: 1, ActiveCount: 1, Resolved24h: 1}, stats)

	f.clock.Advance(25 * time.Hour)
	stats, err = f.alerts.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Resolved24h)
}
