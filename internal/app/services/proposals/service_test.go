package proposals

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-chain/engagement/internal/app/domain/proposal"
	"github.com/civic-chain/engagement/internal/app/domain/user"
	"github.com/civic-chain/engagement/internal/app/errs"
	"github.com/civic-chain/engagement/internal/app/storage/memory"
)

func member(id string) user.User {
	return user.User{ID: id, Role: user.RoleMember}
}

func admin(id string) user.User {
	return user.User{ID: id, Role: user.RoleAdmin}
}

// clockService returns a service whose clock the test controls.
func clockService(t *testing.T) (*Service, *time.Time) {
	t.Helper()
	svc := New(memory.New(), nil, nil)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	return svc, &now
}

func createProposal(t *testing.T, svc *Service, proposer user.User, deadline time.Time) proposal.Proposal {
	t.Helper()
	p, err := svc.Create(context.Background(), proposer, CreateInput{
		Title:          "Community garden",
		Category:       proposal.CategoryCommunityImprovement,
		VotingDeadline: deadline,
	})
	require.NoError(t, err)
	return p
}

func TestCreateValidation(t *testing.T) {
	svc, now := clockService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, member("u1"), CreateInput{Title: "", Category: proposal.CategoryOther, VotingDeadline: now.Add(time.Hour)})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = svc.Create(ctx, member("u1"), CreateInput{Title: "x", Category: "cooking", VotingDeadline: now.Add(time.Hour)})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = svc.Create(ctx, member("u1"), CreateInput{Title: "x", Category: proposal.CategoryOther, VotingDeadline: now.Add(-time.Hour)})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestCastAndRecastVote(t *testing.T) {
	svc, now := clockService(t)
	ctx := context.Background()
	p := createProposal(t, svc, member("proposer"), now.Add(time.Hour))

	got, err := svc.CastVote(ctx, member("alice"), p.ID, proposal.ChoiceFor)
	require.NoError(t, err)
	assert.Equal(t, proposal.Tally{For: 1}, got.Tally)

	// Recasting replaces the ballot; the tally never double counts.
	got, err = svc.CastVote(ctx, member("alice"), p.ID, proposal.ChoiceAgainst)
	require.NoError(t, err)
	assert.Equal(t, proposal.Tally{Against: 1}, got.Tally)
	assert.Len(t, got.Voters, 1)
	require.NoError(t, got.CheckTally())

	got, err = svc.CastVote(ctx, member("bob"), p.ID, proposal.ChoiceAbstain)
	require.NoError(t, err)
	assert.Equal(t, proposal.Tally{Against: 1, Abstain: 1}, got.Tally)
	require.NoError(t, got.CheckTally())
}

func TestVotePowerFromScore(t *testing.T) {
	cases := []struct {
		score int
		want  int
	}{
		{0, 1},
		{99, 1},
		{100, 2},
		{250, 3},
		{800, 9},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, votePower(user.User{Score: tc.score}), "score %d", tc.score)
	}
}

func TestWeightedRecastReplacesOldPower(t *testing.T) {
	svc, now := clockService(t)
	ctx := context.Background()
	p := createProposal(t, svc, member("proposer"), now.Add(time.Hour))

	alice := member("alice")
	alice.Score = 150 // power 2

	got, err := svc.CastVote(ctx, alice, p.ID, proposal.ChoiceFor)
	require.NoError(t, err)
	assert.Equal(t, proposal.Tally{For: 2}, got.Tally)

	// Alice's score grew between casts. The recast subtracts her old
	// weight of 2 and adds the new weight of 4, never both.
	alice.Score = 350
	got, err = svc.CastVote(ctx, alice, p.ID, proposal.ChoiceAgainst)
	require.NoError(t, err)
	assert.Equal(t, proposal.Tally{Against: 4}, got.Tally)
	assert.Len(t, got.Voters, 1)
	assert.Equal(t, 4, got.Voters["alice"].Power)
	require.NoError(t, got.CheckTally())
}

func TestVoteAfterDeadlineRejected(t *testing.T) {
	svc, now := clockService(t)
	ctx := context.Background()
	p := createProposal(t, svc, member("proposer"), now.Add(time.Hour))

	*now = now.Add(2 * time.Hour)
	_, err := svc.CastVote(ctx, member("alice"), p.ID, proposal.ChoiceFor)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestVoteChoiceValidation(t *testing.T) {
	svc, now := clockService(t)
	ctx := context.Background()
	p := createProposal(t, svc, member("proposer"), now.Add(time.Hour))

	_, err := svc.CastVote(ctx, member("alice"), p.ID, "maybe")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestConcurrentVotesAllLand(t *testing.T) {
	svc, now := clockService(t)
	ctx := context.Background()
	p := createProposal(t, svc, member("proposer"), now.Add(time.Hour))

	voters := []string{"a", "b", "c", "d", "e"}
	var wg sync.WaitGroup
	errc := make(chan error, len(voters))
	for _, id := range voters {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.CastVote(ctx, member(id), p.ID, proposal.ChoiceFor)
			errc <- err
		}(id)
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		require.NoError(t, err)
	}

	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, len(voters), got.Tally.For)
	assert.Len(t, got.Voters, len(voters))
	require.NoError(t, got.CheckTally())
}

func TestResolveOutcomes(t *testing.T) {
	cases := []struct {
		name  string
		votes map[string]proposal.Choice
		want  proposal.Status
	}{
		{"majority for", map[string]proposal.Choice{"a": proposal.ChoiceFor, "b": proposal.ChoiceFor, "c": proposal.ChoiceAgainst}, proposal.StatusPassed},
		{"tie rejects", map[string]proposal.Choice{"a": proposal.ChoiceFor, "b": proposal.ChoiceAgainst}, proposal.StatusRejected},
		{"no votes rejects", nil, proposal.StatusRejected},
		{"abstain only rejects", map[string]proposal.Choice{"a": proposal.ChoiceAbstain}, proposal.StatusRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, now := clockService(t)
			ctx := context.Background()
			p := createProposal(t, svc, member("proposer"), now.Add(time.Hour))
			for id, choice := range tc.votes {
				_, err := svc.CastVote(ctx, member(id), p.ID, choice)
				require.NoError(t, err)
			}

			*now = now.Add(2 * time.Hour)
			got, err := svc.Resolve(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Status)

			// Resolving again changes nothing.
			again, err := svc.Resolve(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, tc.want, again.Status)
		})
	}
}

func TestResolveBeforeDeadlineIsNoop(t *testing.T) {
	svc, now := clockService(t)
	ctx := context.Background()
	p := createProposal(t, svc, member("proposer"), now.Add(time.Hour))

	got, err := svc.Resolve(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusActive, got.Status)
}

func TestGetResolvesLazily(t *testing.T) {
	svc, now := clockService(t)
	ctx := context.Background()
	p := createProposal(t, svc, member("proposer"), now.Add(time.Hour))
	_, err := svc.CastVote(ctx, member("alice"), p.ID, proposal.ChoiceFor)
	require.NoError(t, err)

	*now = now.Add(2 * time.Hour)
	got, err := svc.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusPassed, got.Status)
}

func TestSweepDue(t *testing.T) {
	svc, now := clockService(t)
	ctx := context.Background()
	due := createProposal(t, svc, member("proposer"), now.Add(time.Hour))
	open := createProposal(t, svc, member("proposer"), now.Add(48*time.Hour))

	*now = now.Add(2 * time.Hour)
	resolved, err := svc.SweepDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	got, err := svc.Get(ctx, due.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusRejected, got.Status)

	got, err = svc.Get(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusActive, got.Status)
}

func TestMarkImplemented(t *testing.T) {
	svc, now := clockService(t)
	ctx := context.Background()
	p := createProposal(t, svc, member("proposer"), now.Add(time.Hour))
	_, err := svc.CastVote(ctx, member("alice"), p.ID, proposal.ChoiceFor)
	require.NoError(t, err)

	_, err = svc.MarkImplemented(ctx, admin("root"), p.ID, "done")
	assert.ErrorIs(t, err, errs.ErrInvalidState, "active proposals cannot be implemented")

	*now = now.Add(2 * time.Hour)
	_, err = svc.Resolve(ctx, p.ID)
	require.NoError(t, err)

	_, err = svc.MarkImplemented(ctx, member("alice"), p.ID, "done")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	got, err := svc.MarkImplemented(ctx, admin("root"), p.ID, "built in Q3")
	require.NoError(t, err)
	assert.Equal(t, proposal.StatusImplemented, got.Status)
	assert.Equal(t, "built in Q3", got.ImplementationNote)
}

func TestUpdateAndDeleteRules(t *testing.T) {
	svc, now := clockService(t)
	ctx := context.Background()
	p := createProposal(t, svc, member("proposer"), now.Add(time.Hour))

	title := "Community garden, phase two"
	_, err := svc.Update(ctx, member("stranger"), p.ID, UpdateInput{Title: &title})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	got, err := svc.Update(ctx, member("proposer"), p.ID, UpdateInput{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, title, got.Title)

	err = svc.Delete(ctx, member("stranger"), p.ID)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	*now = now.Add(2 * time.Hour)
	_, err = svc.Resolve(ctx, p.ID)
	require.NoError(t, err)

	_, err = svc.Update(ctx, member("proposer"), p.ID, UpdateInput{Title: &title})
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	err = svc.Delete(ctx, member("proposer"), p.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestDeleteActiveByProposer(t *testing.T) {
	svc, now := clockService(t)
	ctx := context.Background()
	p := createProposal(t, svc, member("proposer"), now.Add(time.Hour))

	require.NoError(t, svc.Delete(ctx, member("proposer"), p.ID))
	_, err := svc.Get(ctx, p.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
