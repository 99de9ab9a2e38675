// Package storage defines the persistence seams for the engagement engines.
//
// Every mutable aggregate carries a Revision. Update operations are
// conditional writes: they succeed only when the stored revision equals the
// revision on the entity passed in, and bump it by one. A mismatch returns
// ErrRevisionConflict, which the engines turn into a bounded retry.
package storage

import (
	"context"
	"errors"

	"github.com/civic-chain/engagement/internal/app/domain/activity"
	"github.com/civic-chain/engagement/internal/app/domain/proposal"
	"github.com/civic-chain/engagement/internal/app/domain/reward"
	"github.com/civic-chain/engagement/internal/app/domain/user"
)

var (
	// ErrNotFound reports an unknown entity ID.
	ErrNotFound = errors.New("storage: not found")

	// ErrRevisionConflict reports a conditional write losing to a
	// concurrent mutation of the same entity.
	ErrRevisionConflict = errors.New("storage: revision conflict")

	// ErrDuplicate reports a uniqueness violation (entity ID or email).
	ErrDuplicate = errors.New("storage: duplicate")
)

// UserStore persists member records.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
	ListUsers(ctx context.Context) ([]user.User, error)
	ListTopUsersByScore(ctx context.Context, limit int) ([]user.User, error)
}

// ActivityStore persists activity records.
type ActivityStore interface {
	CreateActivity(ctx context.Context, act activity.Activity) (activity.Activity, error)
	UpdateActivity(ctx context.Context, act activity.Activity) (activity.Activity, error)
	GetActivity(ctx context.Context, id string) (activity.Activity, error)
	ListActivities(ctx context.Context, ownerID string, status activity.Status) ([]activity.Activity, error)
	DeleteActivity(ctx context.Context, id string) error
}

// ProposalStore persists proposals together with their vote aggregate.
type ProposalStore interface {
	CreateProposal(ctx context.Context, p proposal.Proposal) (proposal.Proposal, error)
	UpdateProposal(ctx context.Context, p proposal.Proposal) (proposal.Proposal, error)
	GetProposal(ctx context.Context, id string) (proposal.Proposal, error)
	ListProposals(ctx context.Context, status proposal.Status) ([]proposal.Proposal, error)
	ListDueProposals(ctx context.Context) ([]proposal.Proposal, error)
	DeleteProposal(ctx context.Context, id string) error
}

// RewardStore persists rewards together with their claim records.
type RewardStore interface {
	CreateReward(ctx context.Context, r reward.Reward) (reward.Reward, error)
	UpdateReward(ctx context.Context, r reward.Reward) (reward.Reward, error)
	GetReward(ctx context.Context, id string) (reward.Reward, error)
	ListRewards(ctx context.Context, availableOnly bool) ([]reward.Reward, error)
	DeleteReward(ctx context.Context, id string) error
}
