// Package proposal defines community proposals, vote tallies and the
// deadline-driven resolution rule.
package proposal

import (
	"fmt"
	"time"
)

// Status is the proposal lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusPassed      Status = "passed"
	StatusRejected    Status = "rejected"
	StatusImplemented Status = "implemented"
)

// Category classifies the subject of a proposal.
type Category string

const (
	CategoryCommunityImprovement Category = "community_improvement"
	CategoryGovernance           Category = "governance"
	CategoryRewardSystem         Category = "reward_system"
	CategoryTechnology           Category = "technology"
	CategoryOther                Category = "other"
)

// ValidCategory reports whether c is a known proposal category.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryCommunityImprovement, CategoryGovernance, CategoryRewardSystem,
		CategoryTechnology, CategoryOther:
		return true
	}
	return false
}

// Choice is a vote option.
type Choice string

const (
	ChoiceFor     Choice = "for"
	ChoiceAgainst Choice = "against"
	ChoiceAbstain Choice = "abstain"
)

// ValidChoice reports whether c is a known vote choice.
func ValidChoice(c Choice) bool {
	return c == ChoiceFor || c == ChoiceAgainst || c == ChoiceAbstain
}

// Tally aggregates voting power per choice. It is always derived from the
// ballot map, never mutated independently.
type Tally struct {
	For     int `json:"for"`
	Against int `json:"against"`
	Abstain int `json:"abstain"`
}

// Total is the combined voting power across all choices.
func (t Tally) Total() int { return t.For + t.Against + t.Abstain }

func (t *Tally) add(c Choice, power int) {
	switch c {
	case ChoiceFor:
		t.For += power
	case ChoiceAgainst:
		t.Against += power
	case ChoiceAbstain:
		t.Abstain += power
	}
}

// Ballot records a single member's current vote.
type Ballot struct {
	Choice Choice    `json:"choice"`
	Power  int       `json:"power"`
	CastAt time.Time `json:"cast_at"`
}

// Proposal is a community proposal with an embedded vote aggregate.
type Proposal struct {
	ID                 string            `json:"id"`
	Title              string            `json:"title"`
	Description        string            `json:"description,omitempty"`
	Category           Category          `json:"category"`
	ProposerID         string            `json:"proposer_id"`
	Status             Status            `json:"status"`
	VotingDeadline     time.Time         `json:"voting_deadline"`
	Tally              Tally             `json:"tally"`
	Voters             map[string]Ballot `json:"voters"`
	ImplementationNote string            `json:"implementation_note,omitempty"`
	LedgerRef          string            `json:"ledger_ref,omitempty"`
	Revision           int64             `json:"revision"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// ApplyVote inserts or replaces userID's ballot and keeps the tally the exact
// aggregate of the ballot map. A recast subtracts the old ballot's power from
// its choice before the new power is added, so the invariant holds at the
// single point the caller persists the aggregate.
func (p *Proposal) ApplyVote(userID string, choice Choice, power int, now time.Time) {
	if p.Voters == nil {
		p.Voters = make(map[string]Ballot)
	}
	if prev, ok := p.Voters[userID]; ok {
		p.Tally.add(prev.Choice, -prev.Power)
	}
	p.Tally.add(choice, power)
	p.Voters[userID] = Ballot{Choice: choice, Power: power, CastAt: now}
}

// VotingOpen reports whether a vote cast at now would be accepted.
func (p Proposal) VotingOpen(now time.Time) bool {
	return p.Status == StatusActive && !now.After(p.VotingDeadline)
}

// ResolveDue reports whether the deadline has passed on a still-active
// proposal. Resolution is derived, never stored as a separate flag.
func (p Proposal) ResolveDue(now time.Time) bool {
	return p.Status == StatusActive && now.After(p.VotingDeadline)
}

// Outcome returns the terminal status for a tally snapshot. A proposal passes
// only on a strict majority of "for" over "against" with at least one vote
// cast; ties and empty tallies reject.
func Outcome(t Tally) Status {
	if t.Total() > 0 && t.For > t.Against {
		return StatusPassed
	}
	return StatusRejected
}

// Clone returns a deep copy safe to mutate without aliasing the ballot map.
func (p Proposal) Clone() Proposal {
	if p.Voters != nil {
		voters := make(map[string]Ballot, len(p.Voters))
		for id, b := range p.Voters {
			voters[id] = b
		}
		p.Voters = voters
	}
	return p
}

// CheckTally verifies the tally-is-aggregate invariant, returning a
// descriptive error on drift. Used by tests and the stores' write paths.
func (p Proposal) CheckTally() error {
	var want Tally
	for _, b := range p.Voters {
		want.add(b.Choice, b.Power)
	}
	if want != p.Tally {
		return fmt.Errorf("tally %+v does not match ballots %+v", p.Tally, want)
	}
	return nil
}
