package proposal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyVoteKeepsTallyConsistent(t *testing.T) {
	now := time.Now().UTC()
	p := Proposal{Status: StatusActive, VotingDeadline: now.Add(time.Hour)}

	p.ApplyVote("alice", ChoiceFor, 1, now)
	p.ApplyVote("bob", ChoiceAgainst, 1, now)
	p.ApplyVote("carol", ChoiceAbstain, 1, now)
	require.NoError(t, p.CheckTally())
	assert.Equal(t, Tally{For: 1, Against: 1, Abstain: 1}, p.Tally)

	// Recast is subtract-then-add; net effect is a move, never a double count.
	p.ApplyVote("alice", ChoiceAgainst, 1, now)
	require.NoError(t, p.CheckTally())
	assert.Equal(t, Tally{Against: 2, Abstain: 1}, p.Tally)
	assert.Len(t, p.Voters, 3)

	// Recasting the same choice is a no-op on the tally.
	p.ApplyVote("alice", ChoiceAgainst, 1, now)
	require.NoError(t, p.CheckTally())
	assert.Equal(t, Tally{Against: 2, Abstain: 1}, p.Tally)
}

func TestOutcome(t *testing.T) {
	cases := []struct {
		name  string
		tally Tally
		want  Status
	}{
		{"clear majority", Tally{For: 5, Against: 3, Abstain: 1}, StatusPassed},
		{"tie", Tally{For: 2, Against: 2}, StatusRejected},
		{"no votes", Tally{}, StatusRejected},
		{"abstain only", Tally{Abstain: 4}, StatusRejected},
		{"single for", Tally{For: 1}, StatusPassed},
		{"minority for", Tally{For: 1, Against: 2}, StatusRejected},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Outcome(tc.tally))
		})
	}
}

func TestVotingWindows(t *testing.T) {
	deadline := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p := Proposal{Status: StatusActive, VotingDeadline: deadline}

	assert.True(t, p.VotingOpen(deadline.Add(-time.Second)))
	assert.True(t, p.VotingOpen(deadline), "the deadline instant itself still accepts votes")
	assert.False(t, p.VotingOpen(deadline.Add(time.Second)))

	assert.False(t, p.ResolveDue(deadline))
	assert.True(t, p.ResolveDue(deadline.Add(time.Second)))

	p.Status = StatusPassed
	assert.False(t, p.VotingOpen(deadline.Add(-time.Second)))
	assert.False(t, p.ResolveDue(deadline.Add(time.Second)))
}

func TestCloneDoesNotAliasBallots(t *testing.T) {
	now := time.Now().UTC()
	p := Proposal{Status: StatusActive}
	p.ApplyVote("alice", ChoiceFor, 1, now)

	c := p.Clone()
	c.ApplyVote("bob", ChoiceAgainst, 1, now)

	assert.Len(t, p.Voters, 1)
	assert.Len(t, c.Voters, 2)
	assert.Equal(t, Tally{For: 1}, p.Tally)
}
