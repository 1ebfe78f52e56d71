package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/infra/observability"
	"github.com/boddenberg/quality-loop-go/internal/port"
)

// PlaceholderText is used when the text generator is unavailable.
const PlaceholderText = "[generated text unavailable]"

const (
	actionableConfidence = 0.5
	maxEstimatedPct      = 50.0
	traceCacheName       = "trace_context"
)

// ResearcherConfig carries the policy the researcher applies.
type ResearcherConfig struct {
	Rules           []domain.RootCauseRule
	RecoveryFactors map[domain.ProposalType]float64
	Criticality     func(component string) int
}

// Researcher turns an alert into a root-cause analysis and, when the
// analysis is actionable, improvement proposals. Prose comes from the text
// generator; every decision-bearing field is computed here.
type Researcher struct {
	cfg     ResearcherConfig
	traces  port.TraceContextProvider
	gen     port.TextGenerator
	cache   port.Cache[*domain.TraceContext]
	clock   port.Clock
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewResearcher creates a researcher.
func NewResearcher(
	cfg ResearcherConfig,
	traces port.TraceContextProvider,
	gen port.TextGenerator,
	cache port.Cache[*domain.TraceContext],
	clock port.Clock,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Researcher {
	if cfg.Criticality == nil {
		cfg.Criticality = func(string) int { return 2 }
	}
	return &Researcher{
		cfg:     cfg,
		traces:  traces,
		gen:     gen,
		cache:   cache,
		clock:   clock,
		metrics: metrics,
		logger:  logger,
	}
}

// Investigate classifies the alert. A nil analysis means no rule matched and
// the investigation is inconclusive. Proposals are returned unsaved.
func (r *Researcher) Investigate(ctx context.Context, alert *domain.Alert) (*domain.RootCauseAnalysis, []domain.ImprovementProposal, error) {
	ctx, span := tracer.Start(ctx, "Researcher.Investigate")
	defer span.End()
	span.SetAttributes(attribute.String("alert.id", alert.AlertID))

	if len(alert.MetricDegradations) == 0 {
		return nil, nil, &domain.ErrValidation{Field: "metric_degradations", Message: "alert has no evidence"}
	}

	tc := r.traceContext(ctx, alert)
	ev := evidence(alert, tc)

	rule, ok := r.match(ev)
	if !ok {
		r.logger.Info("root cause inconclusive",
			zap.String("alert_id", alert.AlertID),
			zap.Strings("metrics", ev.Metrics),
		)
		return nil, nil, nil
	}
	span.SetAttributes(attribute.String("rule.id", rule.ID))

	confidence := domain.Round2(alert.ConfidenceScore * rule.Weight)
	actionability := domain.Informational
	if confidence >= actionableConfidence && len(rule.ProposalTypes) > 0 {
		actionability = domain.Actionable
	}

	facts := map[string]string{
		"component":    alert.AffectedComponent,
		"severity":     string(alert.Severity),
		"category":     string(rule.Category),
		"hypothesis":   rule.Hypothesis,
		"degradations": alert.Description,
		"error_types":  strings.Join(ev.ErrorTypes, ","),
		"changes":      describeChanges(tc),
	}
	analysis := &domain.RootCauseAnalysis{
		AlertID:         alert.AlertID,
		Category:        rule.Category,
		TechnicalDetail: r.generate(ctx, domain.GenerateTechnicalDetail, alert.AlertID, facts),
		Actionability:   actionability,
		ConfidenceScore: confidence,
		RuleID:          rule.ID,
		CreatedAt:       r.clock.Now(),
	}

	r.logger.Info("root cause classified",
		zap.String("alert_id", alert.AlertID),
		zap.String("rule_id", rule.ID),
		zap.String("category", string(rule.Category)),
		zap.String("actionability", string(actionability)),
		zap.Float64("confidence", confidence),
	)

	if actionability != domain.Actionable {
		return analysis, nil, nil
	}

	proposals := make([]domain.ImprovementProposal, 0, len(rule.ProposalTypes))
	for _, pt := range rule.ProposalTypes {
		proposals = append(proposals, r.propose(ctx, alert, rule, pt, tc, facts))
	}
	return analysis, proposals, nil
}

func (r *Researcher) traceContext(ctx context.Context, alert *domain.Alert) *domain.TraceContext {
	key := "trace:" + alert.AffectedComponent
	if tc, ok := r.cache.Get(key); ok {
		r.metrics.IncrCacheHit(traceCacheName)
		return tc
	}
	r.metrics.IncrCacheMiss(traceCacheName)

	tc, err := r.traces.Context(ctx, alert)
	if err != nil || tc == nil {
		r.metrics.IncrExternalError("trace")
		r.logger.Warn("trace context unavailable, classifying on alert evidence only",
			zap.String("alert_id", alert.AlertID),
			zap.Error(err),
		)
		return &domain.TraceContext{Component: alert.AffectedComponent}
	}
	r.cache.Set(key, tc)
	return tc
}

func evidence(alert *domain.Alert, tc *domain.TraceContext) domain.Evidence {
	ev := domain.Evidence{Component: alert.AffectedComponent}
	for _, d := range alert.MetricDegradations {
		ev.Metrics = append(ev.Metrics, d.Metric)
	}

	samples := append([]domain.ErrorSample(nil), tc.ErrorSamples...)
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Count > samples[j].Count })
	for _, s := range samples {
		if s.Count > 0 && s.Type != "" {
			ev.ErrorTypes = append(ev.ErrorTypes, s.Type)
		}
	}
	for _, c := range tc.RecentChanges {
		ev.ChangeKinds = append(ev.ChangeKinds, c.Kind)
	}
	return ev
}

func (r *Researcher) match(ev domain.Evidence) (domain.RootCauseRule, bool) {
	for _, rule := range r.cfg.Rules {
		if rule.Match.Matches(ev) {
			return rule, true
		}
	}
	return domain.RootCauseRule{}, false
}

func (r *Researcher) propose(
	ctx context.Context,
	alert *domain.Alert,
	rule domain.RootCauseRule,
	pt domain.ProposalType,
	tc *domain.TraceContext,
	facts map[string]string,
) domain.ImprovementProposal {
	primary := alert.MetricDegradations[0]
	factor := r.cfg.RecoveryFactors[pt]
	estimated := domain.Round2(math.Min(maxEstimatedPct, factor*primary.DegradationPct))
	risk := riskLevel(r.cfg.Criticality(alert.AffectedComponent), estimated, pt)

	changes := map[string]any{
		"component":     alert.AffectedComponent,
		"target_metric": primary.Metric,
		"rule_id":       rule.ID,
		"action":        "tune",
	}
	if ref := latestChange(tc, changeKindFor(pt)); ref != "" {
		changes["action"] = "rollback"
		changes["change_ref"] = ref
	}

	pfacts := make(map[string]string, len(facts)+3)
	for k, v := range facts {
		pfacts[k] = v
	}
	pfacts["proposal_type"] = string(pt)
	pfacts["target_metric"] = primary.Metric
	pfacts["estimated_improvement_pct"] = strconv.FormatFloat(estimated, 'f', 2, 64)

	return domain.ImprovementProposal{
		SourceAlertID:           alert.AlertID,
		Component:               alert.AffectedComponent,
		Title:                   fmt.Sprintf("%s on %s to recover %s", proposalVerb(pt), alert.AffectedComponent, primary.Metric),
		Description:             r.generate(ctx, domain.GenerateProposalDescription, alert.AlertID, pfacts),
		ProposalType:            pt,
		TargetMetric:            primary.Metric,
		EstimatedImprovementPct: estimated,
		RiskLevel:               risk,
		ProposedChanges:         changes,
		TestPlan: fmt.Sprintf("replay the held-out evaluation set for %s; %s must improve by at least %.2f%% with pass rate >= %.2f",
			alert.AffectedComponent, primary.Metric, domain.Round2(targetRatio*estimated), approvePassRate),
		RollbackPlan: rollbackPlan(pt, changes),
	}
}

func (r *Researcher) generate(ctx context.Context, kind domain.GenerationKind, alertID string, facts map[string]string) string {
	text, err := r.gen.Generate(ctx, domain.GenerationRequest{Kind: kind, AlertID: alertID, Facts: facts})
	if err != nil || strings.TrimSpace(text) == "" {
		r.metrics.IncrExternalError("textgen")
		r.logger.Warn("text generation failed, using placeholder",
			zap.String("alert_id", alertID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return PlaceholderText
	}
	return text
}

// riskLevel scores blast radius as criticality x magnitude x type weight.
func riskLevel(criticality int, estimatedPct float64, pt domain.ProposalType) domain.RiskLevel {
	magnitude := 3
	switch {
	case estimatedPct < 10:
		magnitude = 1
	case estimatedPct < 25:
		magnitude = 2
	}
	typeWeight := map[domain.ProposalType]int{
		domain.ProposalConfigChange: 1,
		domain.ProposalPromptUpdate: 1,
		domain.ProposalCodeFix:      2,
		domain.ProposalInfraChange:  3,
	}[pt]

	score := criticality * magnitude * typeWeight
	switch {
	case score <= 4:
		return domain.RiskLow
	case score <= 12:
		return domain.RiskMedium
	}
	return domain.RiskHigh
}

func changeKindFor(pt domain.ProposalType) domain.ChangeKind {
	switch pt {
	case domain.ProposalConfigChange:
		return domain.ChangeConfig
	case domain.ProposalPromptUpdate:
		return domain.ChangePrompt
	case domain.ProposalInfraChange:
		return domain.ChangeInfra
	}
	return domain.ChangeCode
}

func latestChange(tc *domain.TraceContext, kind domain.ChangeKind) string {
	var ref string
	var latest domain.RecentChange
	for _, c := range tc.RecentChanges {
		if c.Kind == kind && (ref == "" || c.At.After(latest.At)) {
			latest, ref = c, c.Ref
		}
	}
	return ref
}

func proposalVerb(pt domain.ProposalType) string {
	switch pt {
	case domain.ProposalConfigChange:
		return "Adjust configuration"
	case domain.ProposalPromptUpdate:
		return "Update prompt"
	case domain.ProposalInfraChange:
		return "Change infrastructure"
	}
	return "Fix code"
}

func rollbackPlan(pt domain.ProposalType, changes map[string]any) string {
	var plan string
	switch pt {
	case domain.ProposalConfigChange:
		plan = "restore the previous configuration revision"
	case domain.ProposalPromptUpdate:
		plan = "restore the previous prompt version"
	case domain.ProposalInfraChange:
		plan = "return to the previous capacity profile"
	default:
		plan = "redeploy the previous build"
	}
	if ref, ok := changes["change_ref"].(string); ok {
		plan += " (before " + ref + ")"
	}
	return plan
}

func describeChanges(tc *domain.TraceContext) string {
	parts := make([]string, 0, len(tc.RecentChanges))
	for _, c := range tc.RecentChanges {
		parts = append(parts, string(c.Kind)+":"+c.Ref)
	}
	return strings.Join(parts, ",")
}
