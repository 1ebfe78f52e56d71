package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/boddenberg/quality-loop-go/internal/domain"
)

func TestValidationRun_Approves(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := f.pendingProposal(t, 15)
	runner := f.runner(&mockHarness{result: approvingResult("")}, time.Minute)

	d, err := runner.Run(ctx, p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, domain.RecommendApprove, d.Recommendation)

	current, err := f.proposals.Get(ctx, p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalImplemented, current.Status)

	runs, err := f.proposals.Validations(ctx, p.ProposalID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, p.ProposalID, runs[0].ProposalID)
	assert.Equal(t, d.ValidationID, runs[0].ValidationID)
	assert.Equal(t, epoch, runs[0].CompletedAt)
	require.Contains(t, runs[0].ImprovementDelta, domain.MetricFactAccuracy)
	assert.True(t, runs[0].ImprovementDelta[domain.MetricFactAccuracy].Improved)
}

func TestValidationRun_TimeoutNeedsReview(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := f.pendingProposal(t, 15)
	runner := f.runner(&mockHarness{block: true}, 10*time.Minute)

	type result struct {
		d   *domain.DeploymentDecision
		err error
	}
	done := make(chan result, 1)
	go func() {
		d, err := runner.Run(ctx, p.ProposalID)
		done <- result{d, err}
	}()

	require.Eventually(t, func() bool { return f.clock.Timers() == 1 }, time.Second, time.Millisecond)
	f.clock.Advance(10 * time.Minute)

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not return after the timeout fired")
	}
	require.NoError(t, res.err)
	assert.Equal(t, domain.RecommendNeedsReview, res.d.Recommendation)
	assert.Equal(t, []string{"validation timeout"}, res.d.ReviewRequiredBecause)
	assert.Zero(t, res.d.Confidence)

	current, err := f.proposals.Get(ctx, p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalNeedsReview, current.Status)

	history, err := f.proposals.History(ctx, p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, "validation timeout", history[len(history)-1].Reason)
}

func TestValidationRun_HarnessErrorKeepsPending(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := f.pendingProposal(t, 15)
	runner := f.runner(&mockHarness{err: errors.New("harness 503")}, time.Minute)

	_, err := runner.Run(ctx, p.ProposalID)
	var ext *domain.ErrExternalService
	require.True(t, errors.As(err, &ext))
	assert.Equal(t, "harness", ext.Service)

	current, err := f.proposals.Get(ctx, p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalPendingApproval, current.Status)
}

func TestValidationSubmit(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := f.pendingProposal(t, 15)
	runner := f.runner(nil, time.Minute)

	_, err := runner.Submit(ctx, p.ProposalID, approvingResult("someone-else"))
	var verr *domain.ErrValidation
	require.True(t, errors.As(err, &verr))

	incomplete := &domain.ValidationResult{TestDatasetSize: 100, TestsPassed: 99}
	d, err := runner.Submit(ctx, p.ProposalID, incomplete)
	require.NoError(t, err)
	assert.Equal(t, domain.RecommendNeedsReview, d.Recommendation)
	assert.Zero(t, d.Confidence)
	assert.False(t, d.DetailedAnalysis.TestQuality.SufficientCoverage)

	_, err = runner.Submit(ctx, p.ProposalID, approvingResult(p.ProposalID))
	var invalid *domain.ErrInvalidTransition
	assert.True(t, errors.As(err, &invalid), "needs_review proposals must be resubmitted first")

	_, err = f.proposals.Resubmit(ctx, p.ProposalID, "alice", "")
	require.NoError(t, err)
	d, err = runner.Submit(ctx, p.ProposalID, approvingResult(p.ProposalID))
	require.NoError(t, err)
	assert.Equal(t, domain.RecommendApprove, d.Recommendation)

	runs, err := f.proposals.Validations(ctx, p.ProposalID)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
