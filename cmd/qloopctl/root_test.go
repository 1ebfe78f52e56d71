package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/quality-loop-go/internal/domain"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd("test")
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "qloopctl test\n", out)
}

func TestDetect(t *testing.T) {
	file := writeFile(t, "snapshot.json", `{
  "component": "retriever",
  "current_metrics": {"error_rate": 0.08},
  "baseline_metrics": {"error_rate": 0.02}
}`)

	out, err := run(t, "detect", "--file", file)
	require.NoError(t, err)

	var detection domain.Detection
	require.NoError(t, json.Unmarshal([]byte(out), &detection))
	assert.True(t, detection.IsAnomaly)
	assert.Equal(t, domain.SeverityCritical, detection.Severity)
	require.Len(t, detection.Degradations, 1)
	assert.InDelta(t, 300.0, detection.Degradations[0].DegradationPct, 1e-9)
}

func TestDetect_Errors(t *testing.T) {
	_, err := run(t, "detect")
	assert.Error(t, err, "--file is required")

	_, err = run(t, "detect", "--file", writeFile(t, "bad.json", "{"))
	var malformed *domain.ErrMalformedInput
	assert.ErrorAs(t, err, &malformed)

	zero := writeFile(t, "zero.json", `{
  "component": "retriever",
  "current_metrics": {"error_rate": 0.08},
  "baseline_metrics": {"error_rate": 0}
}`)
	_, err = run(t, "detect", "--file", zero)
	var dq *domain.ErrDataQuality
	assert.ErrorAs(t, err, &dq)
}

func TestEvaluate(t *testing.T) {
	proposal := writeFile(t, "proposal.json", `{
  "proposal_id": "p-1",
  "title": "Update prompt on generator",
  "proposal_type": "prompt_update",
  "target_metric": "fact_accuracy",
  "estimated_improvement_pct": 15,
  "risk_level": "low",
  "status": "pending_approval"
}`)
	result := writeFile(t, "result.json", `{
  "test_dataset_size": 100,
  "tests_passed": 94,
  "tests_failed": 6,
  "baseline_metrics": {"fact_accuracy": 0.80, "error_rate": 0.05},
  "test_metrics": {"fact_accuracy": 0.929, "error_rate": 0.05}
}`)

	out, err := run(t, "evaluate", "--proposal", proposal, "--result", result)
	require.NoError(t, err)

	var d domain.DeploymentDecision
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Equal(t, domain.RecommendApprove, d.Recommendation)
	assert.Equal(t, "p-1", d.ProposalID)
	assert.Equal(t, domain.OriginAutomated, d.Origin)
}

func TestResearch_RequiresEvidence(t *testing.T) {
	alert := writeFile(t, "alert.json", `{"alert_id": "a-1", "affected_component": "retriever"}`)

	_, err := run(t, "research", "--alert", alert)
	var invalid *domain.ErrValidation
	assert.ErrorAs(t, err, &invalid)
}

func TestPolicyOverlayMissingFileUsesDefaults(t *testing.T) {
	file := writeFile(t, "snapshot.json", `{
  "component": "generator",
  "current_metrics": {"fact_accuracy": 0.9},
  "baseline_metrics": {"fact_accuracy": 0.9}
}`)

	out, err := run(t, "--policy", filepath.Join(t.TempDir(), "missing.yaml"), "detect", "-f", file)
	require.NoError(t, err)
	assert.Contains(t, out, `"is_anomaly": false`)
}
