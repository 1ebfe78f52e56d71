package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/infra/observability"
	"github.com/boddenberg/quality-loop-go/internal/port"
)

// Pipeline wires detection, dedup, research, validation and the gate into
// one scan.
type Pipeline struct {
	source      port.SnapshotSource
	detector    *Detector
	alerts      *AlertService
	researcher  *Researcher
	proposals   *ProposalService
	runner      *ValidationRunner // nil without a test harness
	gate        *Gate
	window      time.Duration
	concurrency int
	clock       port.Clock
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// PipelineDeps groups the collaborators of a Pipeline.
type PipelineDeps struct {
	Source     port.SnapshotSource
	Detector   *Detector
	Alerts     *AlertService
	Researcher *Researcher
	Proposals  *ProposalService
	Runner     *ValidationRunner
	Gate       *Gate
}

// NewPipeline creates a pipeline that looks at window-long snapshots and
// processes at most concurrency of them at once.
func NewPipeline(deps PipelineDeps, window time.Duration, concurrency int, clock port.Clock, metrics *observability.Metrics, logger *zap.Logger) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pipeline{
		source:      deps.Source,
		detector:    deps.Detector,
		alerts:      deps.Alerts,
		researcher:  deps.Researcher,
		proposals:   deps.Proposals,
		runner:      deps.Runner,
		gate:        deps.Gate,
		window:      window,
		concurrency: concurrency,
		clock:       clock,
		metrics:     metrics,
		logger:      logger,
	}
}

// Scan runs one pass of the loop. Data-quality problems and failed
// validations are reported, not returned; storage failures abort the scan.
// Rerunning a scan over the same data merges into existing alerts and skips
// decided proposals.
func (p *Pipeline) Scan(ctx context.Context, tick domain.ScanTick) (*domain.ScanReport, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Scan")
	defer span.End()
	span.SetAttributes(attribute.Int64("scan.seq", tick.Seq))

	start := p.clock.Now()
	report := &domain.ScanReport{Tick: tick, Decisions: map[domain.Recommendation]int{}}

	err := p.scan(ctx, tick, report)
	p.metrics.IncrScan(err == nil)
	p.metrics.RecordRequestDuration("scan", p.clock.Now().Sub(start))
	if err != nil {
		p.logger.Error("scan failed", zap.Int64("seq", tick.Seq), zap.Error(err))
		return report, err
	}

	p.logger.Info("scan complete",
		zap.Int64("seq", tick.Seq),
		zap.Int("snapshots", report.Snapshots),
		zap.Int("anomalies", report.Anomalies),
		zap.Int("alerts_created", report.AlertsCreated),
		zap.Int("alerts_merged", report.AlertsMerged),
		zap.Int("proposals_created", report.ProposalsCreated),
		zap.Int("reconciled", report.Reconciled),
	)
	return report, nil
}

func (p *Pipeline) scan(ctx context.Context, tick domain.ScanTick, report *domain.ScanReport) error {
	snapshots, err := p.source.Fetch(ctx, p.window, tick.At)
	if err != nil {
		p.metrics.IncrExternalError("snapshots")
		return &domain.ErrExternalService{Service: "snapshots", Err: err}
	}
	report.Snapshots = len(snapshots)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range snapshots {
		snapshot := snapshots[i]
		g.Go(func() error {
			res, err := p.process(gctx, snapshot)
			mu.Lock()
			defer mu.Unlock()
			var dq *domain.ErrDataQuality
			var invalid *domain.ErrValidation
			switch {
			case errors.As(err, &dq):
				report.DataQualityErrors++
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", snapshot.Component, err))
				return nil
			case errors.As(err, &invalid):
				report.Errors = append(report.Errors, fmt.Sprintf("snapshot %d: %v", i, err))
				return nil
			case err != nil:
				return fmt.Errorf("process %s: %w", snapshot.Component, err)
			}
			tally(report, res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := p.validatePending(ctx, report); err != nil {
		return err
	}

	n, err := p.gate.Reconcile(ctx)
	report.Reconciled = n
	return err
}

func tally(report *domain.ScanReport, res *domain.IngestResult) {
	if !res.Detection.IsAnomaly {
		return
	}
	report.Anomalies++
	if res.Merged {
		report.AlertsMerged++
	} else {
		report.AlertsCreated++
	}
	report.ProposalsCreated += len(res.Proposals)
}

// validatePending runs the harness on every pending proposal. A single
// failed run does not stop the others.
func (p *Pipeline) validatePending(ctx context.Context, report *domain.ScanReport) error {
	if p.runner == nil {
		return nil
	}
	pending, err := p.proposals.List(ctx, domain.ProposalFilter{Status: domain.ProposalPendingApproval})
	if err != nil {
		return err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range pending {
		id := pending[i].ProposalID
		g.Go(func() error {
			d, err := p.runner.Run(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				var invalid *domain.ErrInvalidTransition
				if errors.As(err, &invalid) {
					// Decided by someone else since the listing.
					return nil
				}
				report.Errors = append(report.Errors, fmt.Sprintf("validate %s: %v", id, err))
				return nil
			}
			report.Decisions[d.Recommendation]++
			return nil
		})
	}
	return g.Wait()
}

// Ingest runs the detection path for one pushed snapshot.
func (p *Pipeline) Ingest(ctx context.Context, snapshot domain.MetricSnapshot) (*domain.IngestResult, error) {
	ctx, span := tracer.Start(ctx, "Pipeline.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("component", snapshot.Component))
	return p.process(ctx, snapshot)
}

// process detects, raises and, for a new alert, investigates it and stores
// the proposals and then the analysis. A stored analysis marks the
// investigation complete: merged alerts without one are investigated again.
func (p *Pipeline) process(ctx context.Context, snapshot domain.MetricSnapshot) (*domain.IngestResult, error) {
	detection, err := p.detector.Detect(snapshot)
	if err != nil {
		var dq *domain.ErrDataQuality
		if errors.As(err, &dq) {
			p.metrics.IncrDetection(observability.DetectionDataQuality)
			p.logger.Warn("snapshot rejected",
				zap.String("component", snapshot.Component),
				zap.Error(err),
			)
		}
		return nil, err
	}

	result := &domain.IngestResult{Detection: detection}
	if !detection.IsAnomaly {
		p.metrics.IncrDetection(observability.DetectionNormal)
		return result, nil
	}
	p.metrics.IncrDetection(observability.DetectionAnomaly)

	outcome, err := p.alerts.Raise(ctx, detection.Alert)
	if err != nil {
		return nil, err
	}
	detection.Alert = outcome.Alert
	result.Merged = outcome.Merged
	if outcome.Merged {
		done, err := p.investigated(ctx, outcome.Alert.AlertID)
		if err != nil || done {
			return result, err
		}
		p.logger.Info("resuming investigation", zap.String("alert_id", outcome.Alert.AlertID))
	}

	analysis, proposals, err := p.investigate(ctx, outcome.Alert)
	if err != nil {
		return nil, err
	}
	result.Analysis = analysis
	result.Proposals = proposals
	return result, nil
}

func (p *Pipeline) investigated(ctx context.Context, alertID string) (bool, error) {
	_, err := p.alerts.Analysis(ctx, alertID)
	var nf *domain.ErrNotFound
	switch {
	case err == nil:
		return true, nil
	case errors.As(err, &nf):
		return false, nil
	}
	return false, fmt.Errorf("load analysis: %w", err)
}

// investigate skips proposal types an earlier, interrupted investigation of
// the same alert already stored.
func (p *Pipeline) investigate(ctx context.Context, alert *domain.Alert) (*domain.RootCauseAnalysis, []domain.ImprovementProposal, error) {
	analysis, proposals, err := p.researcher.Investigate(ctx, alert)
	if err != nil || analysis == nil {
		return nil, nil, err
	}

	existing, err := p.proposals.List(ctx, domain.ProposalFilter{SourceAlertID: alert.AlertID})
	if err != nil {
		return nil, nil, err
	}
	stored := make(map[domain.ProposalType]bool, len(existing))
	for _, e := range existing {
		stored[e.ProposalType] = true
	}

	created := make([]domain.ImprovementProposal, 0, len(proposals))
	for i := range proposals {
		if stored[proposals[i].ProposalType] {
			continue
		}
		if err := p.proposals.Create(ctx, &proposals[i], domain.ActorResearcher); err != nil {
			return nil, nil, err
		}
		created = append(created, proposals[i])
	}
	if err := p.alerts.RecordAnalysis(ctx, analysis); err != nil {
		return nil, nil, err
	}
	return analysis, created, nil
}
