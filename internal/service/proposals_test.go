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

func TestProposalCreate(t *testing.T) {
	f := newFixture(t, false)
	p := f.pendingProposal(t, 15)

	assert.NotEmpty(t, p.ProposalID)
	assert.Equal(t, domain.ProposalPendingApproval, p.Status)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, epoch, p.CreatedAt)

	bad := &domain.ImprovementProposal{ProposalType: "rewrite_everything"}
	err := f.proposals.Create(context.Background(), bad, "tester")
	var verr *domain.ErrValidation
	assert.True(t, errors.As(err, &verr))
}

func TestProposalTransitions(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := f.pendingProposal(t, 15)

	f.clock.Advance(time.Minute)
	flagged, err := f.proposals.Transition(ctx, p.ProposalID, domain.ProposalNeedsReview, "gate", "unclear")
	require.NoError(t, err)
	require.NotNil(t, flagged.ReviewRequestedAt)

	_, err = f.proposals.Transition(ctx, p.ProposalID, domain.ProposalApproved, "alice", "")
	var invalid *domain.ErrInvalidTransition
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, "needs_review", invalid.From)

	back, err := f.proposals.Resubmit(ctx, p.ProposalID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ProposalPendingApproval, back.Status)

	rejected, err := f.proposals.Transition(ctx, p.ProposalID, domain.ProposalRejected, "alice", "too risky")
	require.NoError(t, err)
	assert.Equal(t, "too risky", rejected.RejectionReason)
	assert.True(t, rejected.Status.Terminal())
	assert.Equal(t, 4, rejected.Version)

	_, err = f.proposals.Resubmit(ctx, p.ProposalID, "alice", "")
	assert.True(t, errors.As(err, &invalid))

	history, err := f.proposals.History(ctx, p.ProposalID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "resubmitted for approval", history[2].Reason)
	for i, h := range history {
		assert.Equal(t, i+1, h.Version)
	}
}

func TestProposalTransition_RetriesOnConflict(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	p := f.pendingProposal(t, 15)

	// A stale writer loses against the stored version.
	stale, err := f.store.GetProposal(ctx, p.ProposalID)
	require.NoError(t, err)
	_, err = f.proposals.Transition(ctx, p.ProposalID, domain.ProposalNeedsReview, "gate", "")
	require.NoError(t, err)

	stale.Title = "overwritten"
	err = f.store.UpdateProposal(ctx, stale, stale.Version, domain.AuditEntry{EntryID: "x", EntityType: domain.EntityProposal, EntityID: p.ProposalID})
	var conflict *domain.ErrConflict
	assert.True(t, errors.As(err, &conflict))

	current, err := f.proposals.Get(ctx, p.ProposalID)
	require.NoError(t, err)
	assert.Equal(t, p.Title, current.Title)
}

func TestProposalStats(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	a := f.pendingProposal(t, 15)
	b := f.pendingProposal(t, 15)
	f.pendingProposal(t, 15)

	_, err := f.proposals.Transition(ctx, a.ProposalID, domain.ProposalApproved, "alice", "")
	require.NoError(t, err)
	_, err = f.proposals.Transition(ctx, b.ProposalID, domain.ProposalRejected, "alice", "no")
	require.NoError(t, err)

	stats, err := f.proposals.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &domain.ProposalStats{PendingCount: 1, ApprovedCount: 1, RejectedCount: 1}, stats)
}
