package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-chain/engagement/internal/app/domain/proposal"
	"github.com/civic-chain/engagement/internal/app/domain/reward"
	"github.com/civic-chain/engagement/internal/app/domain/user"
	"github.com/civic-chain/engagement/internal/app/storage"
)

func TestUserRevisionConflict(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.CreateUser(ctx, user.User{DisplayName: "A", Email: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Revision)

	first := created
	first.Score = 10
	updated, err := s.UpdateUser(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Revision)

	// A write against the old revision loses.
	stale := created
	stale.Score = 99
	_, err = s.UpdateUser(ctx, stale)
	assert.ErrorIs(t, err, storage.ErrRevisionConflict)

	got, err := s.GetUser(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.Score, "the losing write must not land")
}

func TestDuplicateEmail(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, err := s.CreateUser(ctx, user.User{Email: "dup@example.com"})
	require.NoError(t, err)

	_, err = s.CreateUser(ctx, user.User{Email: "DUP@example.com"})
	assert.ErrorIs(t, err, storage.ErrDuplicate)
}

func TestProposalCloneIsolation(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	created, err := s.CreateProposal(ctx, proposal.Proposal{
		Title:          "x",
		Status:         proposal.StatusActive,
		VotingDeadline: now.Add(time.Hour),
		Voters:         map[string]proposal.Ballot{},
	})
	require.NoError(t, err)

	// Mutating the returned copy must not leak into the store.
	created.ApplyVote("alice", proposal.ChoiceFor, 1, now)

	got, err := s.GetProposal(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Voters)
	assert.Equal(t, proposal.Tally{}, got.Tally)
}

func TestListDueProposals(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()

	due, err := s.CreateProposal(ctx, proposal.Proposal{Title: "due", Status: proposal.StatusActive, VotingDeadline: now.Add(-time.Hour)})
	require.NoError(t, err)
	_, err = s.CreateProposal(ctx, proposal.Proposal{Title: "open", Status: proposal.StatusActive, VotingDeadline: now.Add(time.Hour)})
	require.NoError(t, err)
	_, err = s.CreateProposal(ctx, proposal.Proposal{Title: "done", Status: proposal.StatusPassed, VotingDeadline: now.Add(-time.Hour)})
	require.NoError(t, err)

	got, err := s.ListDueProposals(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestRewardRevisionConflict(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.CreateReward(ctx, reward.Reward{Title: "x", Quantity: 1, Available: true, Claims: map[string]time.Time{}})
	require.NoError(t, err)

	a := created.Clone()
	a.Claims["alice"] = time.Now().UTC()
	_, err = s.UpdateReward(ctx, a)
	require.NoError(t, err)

	b := created.Clone()
	b.Claims["bob"] = time.Now().UTC()
	_, err = s.UpdateReward(ctx, b)
	assert.ErrorIs(t, err, storage.ErrRevisionConflict)

	got, err := s.GetReward(ctx, created.ID)
	require.NoError(t, err)
	assert.Len(t, got.Claims, 1)
	assert.True(t, got.ClaimedBy("alice"))
}
