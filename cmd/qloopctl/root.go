package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/boddenberg/quality-loop-go/internal/config"
	"github.com/boddenberg/quality-loop-go/internal/domain"
	"github.com/boddenberg/quality-loop-go/internal/infra/observability"
)

type options struct {
	policyFile string
	logLevel   string
}

func newRootCmd(version string) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "qloopctl",
		Short: "Offline tooling for the quality loop",
		Long: `qloopctl runs anomaly detection, root cause research and validation
evaluation against JSON files, using the same policy as the qloop server.`,
		SilenceUsage: true,
		Version:      version,
	}
	root.SetVersionTemplate(fmt.Sprintf("qloopctl %s\n", version))

	root.PersistentFlags().StringVar(&opts.policyFile, "policy", os.Getenv("POLICY_FILE"), "Policy YAML overlay (env: POLICY_FILE)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn, error")

	root.AddCommand(
		newDetectCmd(opts),
		newResearchCmd(opts),
		newEvaluateCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "qloopctl %s\n", cmd.Root().Version)
		},
	}
}

func (o *options) policy() (*config.Policy, error) {
	return config.LoadPolicy(o.policyFile)
}

func (o *options) logger() *zap.Logger {
	return observability.NewLogger(o.logLevel, "qloopctl")
}

func readJSON(path string, dst any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &domain.ErrMalformedInput{Schema: path, Err: err}
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
