// Package ledger defines the domain events recorded on the external ledger
// side channel.
package ledger

import "time"

// Event types emitted by the engines.
const (
	TypeActivityApproved = "activity.approved"
	TypeProposalVote     = "proposal.vote"
	TypeProposalResolved = "proposal.resolved"
	TypeRewardClaimed    = "reward.claimed"
)

// Event is a best-effort record of a committed domain transition. Delivery is
// attempted at most once and never affects the transition itself.
type Event struct {
	Type      string         `json:"type"`
	EntityID  string         `json:"entity_id"`
	ActorID   string         `json:"actor_id"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
