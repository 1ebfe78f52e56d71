package service

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/port"
)

// Decision thresholds.
const (
	rejectPassRate  = 0.80
	approvePassRate = 0.90
	rejectRatio     = 0.5
	targetRatio     = 0.8

	generalRegressionPct = 5.0
	slaRegressionPct     = 2.0
)

// significance tiers: an improvement above pct is significant with at least
// minSize samples.
var significanceTiers = []struct {
	pct     float64
	minSize int
}{
	{2, 100},
	{5, 50},
	{10, 0},
}

// resultValidate checks that a validation result carries the fields the
// evaluator cannot work without. Field names are reported by JSON name.
var resultValidate = newResultValidator()

func newResultValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// EvaluatorConfig tunes the evaluator.
type EvaluatorConfig struct {
	Directionality domain.Directionality
	SLAMetrics     []string
	SLAFloor       float64
}

// Evaluator turns a proposal and one validation run into a deployment
// decision. It is pure apart from the clock and ID source.
type Evaluator struct {
	directions domain.Directionality
	slaMetrics map[string]bool
	slaFloor   float64
	clock      port.Clock
	logger     *zap.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(cfg EvaluatorConfig, clock port.Clock, logger *zap.Logger) *Evaluator {
	sla := make(map[string]bool, len(cfg.SLAMetrics))
	for _, m := range cfg.SLAMetrics {
		sla[m] = true
	}
	return &Evaluator{
		directions: cfg.Directionality,
		slaMetrics: sla,
		slaFloor:   cfg.SLAFloor,
		clock:      clock,
		logger:     logger,
	}
}

// Deltas recomputes per-metric deltas for metrics present in both the
// baseline and the test run. DeltaPct is positive when the metric improved.
// Metrics that cannot be compared are reported as anomalies.
func (e *Evaluator) Deltas(r *domain.ValidationResult) (map[string]domain.MetricDelta, []string) {
	names := make([]string, 0, len(r.TestMetrics))
	for name := range r.TestMetrics {
		if _, ok := r.BaselineMetrics[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	deltas := make(map[string]domain.MetricDelta, len(names))
	var anomalies []string
	for _, name := range names {
		base, test := r.BaselineMetrics[name], r.TestMetrics[name]
		dir, ok := e.directions.Lookup(name)
		switch {
		case !ok:
			anomalies = append(anomalies, fmt.Sprintf("%s has no directionality", name))
			continue
		case !domain.IsFinite(base) || !domain.IsFinite(test):
			anomalies = append(anomalies, fmt.Sprintf("%s has a non-finite value", name))
			continue
		case base == 0:
			anomalies = append(anomalies, fmt.Sprintf("%s has a zero baseline", name))
			continue
		}
		pct := domain.Round2(-dir.Worsening(base, test))
		deltas[name] = domain.MetricDelta{Baseline: base, Test: test, DeltaPct: pct, Improved: pct > 0}
	}
	return deltas, anomalies
}

// CheckCoverage reports the required fields a validation result lacks, and
// test counts that do not add up to the dataset size.
func (e *Evaluator) CheckCoverage(r *domain.ValidationResult) error {
	if r == nil {
		return &domain.ErrInsufficientTestCoverage{Missing: []string{"validation_result"}}
	}
	err := resultValidate.Struct(r)
	if err == nil {
		if r.TestsPassed+r.TestsFailed != r.TestDatasetSize {
			return &domain.ErrInsufficientTestCoverage{Missing: []string{fmt.Sprintf(
				"consistent test counts (tests_passed %d + tests_failed %d != test_dataset_size %d)",
				r.TestsPassed, r.TestsFailed, r.TestDatasetSize)}}
		}
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &domain.ErrInsufficientTestCoverage{Missing: []string{err.Error()}}
	}
	missing := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		missing = append(missing, fe.Field())
	}
	return &domain.ErrInsufficientTestCoverage{Missing: missing}
}

// evaluation holds every intermediate value of one evaluation.
type evaluation struct {
	passRate   float64
	actual     float64
	estimated  float64
	metTarget  bool
	belowFloor bool

	deltas    map[string]domain.MetricDelta
	anomalies []string

	critical        []string
	tradeoffs       []string
	regressed       bool
	worstRegression float64 // worsening pct relative to its own threshold
	worstThreshold  float64
	flagMismatch    bool

	significant bool
	sigReason   string
	sigTier     float64

	slaBreaches []string
}

// Evaluate applies the decision rules in order. It never fails: incomplete
// input yields NEEDS_REVIEW with confidence 0.
func (e *Evaluator) Evaluate(p *domain.ImprovementProposal, r *domain.ValidationResult) *domain.DeploymentDecision {
	d := &domain.DeploymentDecision{
		DecisionID: newID(),
		ProposalID: p.ProposalID,
		Origin:     domain.OriginAutomated,
		Actor:      domain.ActorValidation,
		CreatedAt:  e.clock.Now(),
	}
	if r != nil {
		d.ValidationID = r.ValidationID
	}

	if err := e.CheckCoverage(r); err != nil {
		return e.insufficient(d, r, err)
	}

	ev := e.measure(p, r)
	if len(ev.deltas) == 0 {
		return e.insufficient(d, r, &domain.ErrInsufficientTestCoverage{Missing: []string{"comparable metrics"}})
	}

	d.DetailedAnalysis = ev.analysis(r)

	var reject []string
	reject = append(reject, ev.critical...)
	reject = append(reject, ev.slaBreaches...)
	if ev.belowFloor {
		reject = append(reject, fmt.Sprintf("actual improvement %.2f%% below half of estimated %.2f%%", ev.actual, ev.estimated))
	}
	if ev.passRate < rejectPassRate {
		reject = append(reject, fmt.Sprintf("pass rate %.2f below %.2f", ev.passRate, rejectPassRate))
	}

	var review []string
	if ev.passRate < approvePassRate {
		review = append(review, fmt.Sprintf("pass rate %.2f below %.2f", ev.passRate, approvePassRate))
	}
	if !ev.metTarget {
		review = append(review, fmt.Sprintf("actual improvement %.2f%% below 80%% of estimated %.2f%%", ev.actual, ev.estimated))
	}
	if !ev.significant {
		review = append(review, "improvement is not statistically significant: "+ev.sigReason)
	}
	for _, t := range ev.tradeoffs {
		review = append(review, "minor regression: "+t)
	}
	if ev.flagMismatch {
		review = append(review, fmt.Sprintf("reported regressions_detected=%t disagrees with measured deltas", r.RegressionsDetected))
	}

	switch {
	case len(reject) > 0:
		d.Recommendation = domain.RecommendReject
		d.RejectionReasons = reject
	case len(review) == 0:
		d.Recommendation = domain.RecommendApprove
		d.Conditions = approvalConditions(p)
	default:
		d.Recommendation = domain.RecommendNeedsReview
		d.ReviewRequiredBecause = review
	}

	d.Confidence = ev.confidence()
	d.Summary = summarize(d, p, ev, r.TestDatasetSize)

	e.logger.Debug("validation evaluated",
		zap.String("proposal_id", p.ProposalID),
		zap.String("recommendation", string(d.Recommendation)),
		zap.Float64("confidence", d.Confidence),
		zap.Float64("actual_improvement_pct", ev.actual),
		zap.Float64("pass_rate", ev.passRate),
	)
	return d
}

func (e *Evaluator) measure(p *domain.ImprovementProposal, r *domain.ValidationResult) *evaluation {
	ev := &evaluation{estimated: p.EstimatedImprovementPct}
	ev.passRate = float64(r.TestsPassed) / float64(r.TestDatasetSize)
	ev.deltas, ev.anomalies = e.Deltas(r)

	// Improvement: the target metric when measured, else the mean of the
	// improved metrics.
	if delta, ok := ev.deltas[p.TargetMetric]; ok && p.TargetMetric != "" {
		ev.actual = delta.DeltaPct
	} else {
		var sum float64
		var n int
		for _, delta := range ev.deltas {
			if delta.Improved {
				sum += delta.DeltaPct
				n++
			}
		}
		if n > 0 {
			ev.actual = domain.Round2(sum / float64(n))
		}
	}
	ev.metTarget = ev.actual >= targetRatio*ev.estimated
	ev.belowFloor = ev.actual < rejectRatio*ev.estimated

	// Regressions.
	names := make([]string, 0, len(ev.deltas))
	for name := range ev.deltas {
		names = append(names, name)
	}
	sort.Strings(names)
	worstRatio := -1.0
	for _, name := range names {
		delta := ev.deltas[name]
		if delta.DeltaPct >= 0 {
			continue
		}
		ev.regressed = true
		worsening := -delta.DeltaPct
		limit := generalRegressionPct
		if e.slaMetrics[name] {
			limit = slaRegressionPct
		}
		desc := fmt.Sprintf("%s worsened %.2f%%", name, worsening)
		if worsening > limit {
			ev.critical = append(ev.critical, "critical regression: "+desc)
		} else {
			ev.tradeoffs = append(ev.tradeoffs, desc)
		}
		if ratio := worsening / limit; ratio > worstRatio {
			worstRatio = ratio
			ev.worstRegression = worsening
			ev.worstThreshold = limit
		}
	}
	ev.flagMismatch = r.RegressionsDetected != ev.regressed

	// Significance.
	n := r.TestDatasetSize
	for _, tier := range significanceTiers {
		if n >= tier.minSize {
			ev.sigTier = tier.pct
			break
		}
	}
	for _, tier := range significanceTiers {
		if ev.actual > tier.pct && n >= tier.minSize {
			ev.significant = true
			ev.sigReason = fmt.Sprintf("improvement %.2f%% exceeds %.0f%% with %d samples (minimum %d)", ev.actual, tier.pct, n, tier.minSize)
			break
		}
	}
	if !ev.significant {
		ev.sigReason = fmt.Sprintf("improvement %.2f%% with %d samples does not exceed %.0f%%", ev.actual, n, ev.sigTier)
	}

	// SLA floor on the test run.
	slaNames := make([]string, 0, len(e.slaMetrics))
	for name := range e.slaMetrics {
		slaNames = append(slaNames, name)
	}
	sort.Strings(slaNames)
	for _, name := range slaNames {
		if v, ok := r.TestMetrics[name]; ok && domain.IsFinite(v) && v < e.slaFloor {
			ev.slaBreaches = append(ev.slaBreaches, fmt.Sprintf("%s %.4f below floor %.2f", name, v, e.slaFloor))
		}
	}
	return ev
}

func (ev *evaluation) analysis(r *domain.ValidationResult) domain.DetailedAnalysis {
	type kv struct {
		name  string
		delta float64
	}
	var improved []kv
	for name, d := range ev.deltas {
		if d.Improved {
			improved = append(improved, kv{name, d.DeltaPct})
		}
	}
	sort.Slice(improved, func(i, j int) bool {
		if improved[i].delta != improved[j].delta {
			return improved[i].delta > improved[j].delta
		}
		return improved[i].name < improved[j].name
	})
	keys := make([]string, len(improved))
	for i, k := range improved {
		keys[i] = fmt.Sprintf("%s +%.2f%%", k.name, k.delta)
	}

	anomalies := append(append([]string{}, r.Anomalies...), ev.anomalies...)
	return domain.DetailedAnalysis{
		ImprovementAchieved: domain.ImprovementAchieved{
			Estimated:       domain.Round2(ev.estimated),
			Actual:          domain.Round2(ev.actual),
			MetTarget:       ev.metTarget,
			KeyImprovements: keys,
		},
		Regressions: domain.RegressionAnalysis{
			Detected:            ev.regressed,
			CriticalRegressions: nonNil(ev.critical),
			AcceptableTradeoffs: nonNil(ev.tradeoffs),
		},
		TestQuality: domain.TestQuality{
			DatasetSize:        r.TestDatasetSize,
			PassRate:           domain.Round2(ev.passRate),
			SufficientCoverage: true,
			AnomaliesDetected:  anomalies,
		},
		StatisticalSignificance: domain.StatisticalSignificance{
			IsSignificant: ev.significant,
			Reasoning:     ev.sigReason,
		},
	}
}

// confidence is 0.5 plus half of the smallest normalised distance between a
// measured value and the threshold it is judged against.
func (ev *evaluation) confidence() float64 {
	margins := []float64{
		math.Min(math.Abs(ev.passRate-rejectPassRate), math.Abs(ev.passRate-approvePassRate)) / 0.1,
	}
	if ev.estimated > 0 {
		ratio := ev.actual / ev.estimated
		margins = append(margins, math.Min(math.Abs(ratio-rejectRatio), math.Abs(ratio-targetRatio))/(targetRatio-rejectRatio))
	}
	if ev.regressed {
		margins = append(margins, math.Abs(ev.worstRegression-ev.worstThreshold)/ev.worstThreshold)
	}
	if ev.sigTier > 0 {
		margins = append(margins, math.Abs(ev.actual-ev.sigTier)/ev.sigTier)
	}

	m := 1.0
	for _, v := range margins {
		m = math.Min(m, v)
	}
	return domain.Round2(0.5 + 0.5*math.Max(0, m))
}

func (e *Evaluator) insufficient(d *domain.DeploymentDecision, r *domain.ValidationResult, err error) *domain.DeploymentDecision {
	d.Recommendation = domain.RecommendNeedsReview
	d.Confidence = 0
	d.ReviewRequiredBecause = []string{err.Error()}
	d.Summary = fmt.Sprintf("NEEDS_REVIEW for proposal %s: %s", d.ProposalID, err.Error())

	tq := domain.TestQuality{SufficientCoverage: false, AnomaliesDetected: []string{}}
	if r != nil {
		tq.DatasetSize = r.TestDatasetSize
		if r.TestDatasetSize > 0 {
			tq.PassRate = domain.Round2(float64(r.TestsPassed) / float64(r.TestDatasetSize))
		}
		tq.AnomaliesDetected = append(tq.AnomaliesDetected, r.Anomalies...)
	}
	d.DetailedAnalysis = domain.DetailedAnalysis{
		ImprovementAchieved: domain.ImprovementAchieved{KeyImprovements: []string{}},
		Regressions: domain.RegressionAnalysis{
			CriticalRegressions: []string{},
			AcceptableTradeoffs: []string{},
		},
		TestQuality: tq,
		StatisticalSignificance: domain.StatisticalSignificance{
			Reasoning: "not evaluated: " + err.Error(),
		},
	}
	e.logger.Warn("validation result incomplete",
		zap.String("proposal_id", d.ProposalID),
		zap.Error(err),
	)
	return d
}

func approvalConditions(p *domain.ImprovementProposal) []string {
	metric := p.TargetMetric
	if metric == "" {
		metric = "target metrics"
	}
	conds := []string{fmt.Sprintf("monitor %s against baseline after rollout", metric)}
	if p.RollbackPlan != "" {
		conds = append(conds, "rollback plan: "+p.RollbackPlan)
	}
	return conds
}

func summarize(d *domain.DeploymentDecision, p *domain.ImprovementProposal, ev *evaluation, n int) string {
	return fmt.Sprintf("%s for proposal %s: actual improvement %.2f%% vs estimated %.2f%%, pass rate %.2f over %d tests, %d critical regression(s), significant=%t",
		d.Recommendation, p.ProposalID, ev.actual, ev.estimated, ev.passRate, n, len(ev.critical), ev.significant)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
