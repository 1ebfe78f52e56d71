package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/infra/cache"
	"github.com/boddenberg/quality-loop-go/internal/infra/client"
	"github.com/boddenberg/quality-loop-go/internal/infra/clock"
	"github.com/boddenberg/quality-loop-go/internal/infra/observability"
	"github.com/boddenberg/quality-loop-go/internal/service"
)

func newDetectCmd(opts *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Run anomaly detection on a metric snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := opts.policy()
			if err != nil {
				return err
			}
			var snapshot domain.MetricSnapshot
			if err := readJSON(file, &snapshot); err != nil {
				return err
			}

			detector := service.NewDetector(policy.Directionality, policy.SeverityThresholds, clock.New(), opts.logger())
			detection, err := detector.Detect(snapshot)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), detection)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Snapshot JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newResearchCmd(opts *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "research",
		Short: "Classify an alert and print the analysis and proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := opts.policy()
			if err != nil {
				return err
			}
			var alert domain.Alert
			if err := readJSON(file, &alert); err != nil {
				return err
			}

			clk := clock.New()
			traces := cache.New[*domain.TraceContext](time.Minute, clk)
			defer traces.Close()

			researcher := service.NewResearcher(service.ResearcherConfig{
				Rules:           policy.Rules,
				RecoveryFactors: policy.RecoveryFactors,
				Criticality:     policy.CriticalityWeight,
			}, client.EmptyTraces{}, client.TemplateGenerator{}, traces, clk, observability.NewMetrics(), opts.logger())

			analysis, proposals, err := researcher.Investigate(cmd.Context(), &alert)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), struct {
				Analysis  *domain.RootCauseAnalysis    `json:"analysis"`
				Proposals []domain.ImprovementProposal `json:"proposals"`
			}{analysis, proposals})
		},
	}
	cmd.Flags().StringVarP(&file, "alert", "a", "", "Alert JSON file")
	_ = cmd.MarkFlagRequired("alert")
	return cmd
}

func newEvaluateCmd(opts *options) *cobra.Command {
	var proposalFile, resultFile string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a validation result for a proposal",
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := opts.policy()
			if err != nil {
				return err
			}
			var proposal domain.ImprovementProposal
			if err := readJSON(proposalFile, &proposal); err != nil {
				return err
			}
			var result domain.ValidationResult
			if err := readJSON(resultFile, &result); err != nil {
				return err
			}
			result.ProposalID = proposal.ProposalID

			evaluator := service.NewEvaluator(service.EvaluatorConfig{
				Directionality: policy.Directionality,
				SLAMetrics:     policy.SLAMetrics,
				SLAFloor:       policy.SLAFloor,
			}, clock.New(), opts.logger())

			deltas, anomalies := evaluator.Deltas(&result)
			result.ImprovementDelta = deltas
			result.Anomalies = append(result.Anomalies, anomalies...)
			return printJSON(cmd.OutOrStdout(), evaluator.Evaluate(&proposal, &result))
		},
	}
	cmd.Flags().StringVarP(&proposalFile, "proposal", "p", "", "Proposal JSON file")
	cmd.Flags().StringVarP(&resultFile, "result", "r", "", "Validation result JSON file")
	_ = cmd.MarkFlagRequired("proposal")
	_ = cmd.MarkFlagRequired("result")
	return cmd
}
