// Package proposals implements the proposal voting engine: vote casting and
// recasting under per-proposal optimistic concurrency, and deadline
// resolution that converges whether it runs lazily on reads or from the
// background sweeper.
package proposals

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/civic-chain/engagement/internal/app/domain/ledger"
	"github.com/civic-chain/engagement/internal/app/domain/proposal"
	"github.com/civic-chain/engagement/internal/app/domain/user"
	"github.com/civic-chain/engagement/internal/app/errs"
	"github.com/civic-chain/engagement/internal/app/metrics"
	ledgersvc "github.com/civic-chain/engagement/internal/app/services/ledger"
	"github.com/civic-chain/engagement/internal/app/storage"
	"github.com/civic-chain/engagement/pkg/logger"
)

const casRetries = 5

// errNotDue short-circuits resolution of a proposal that is not resolvable.
var errNotDue = errors.New("proposals: not due")

// Service manages proposals and their votes.
type Service struct {
	store      storage.ProposalStore
	dispatcher *ledgersvc.Dispatcher
	log        *logger.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New creates a proposal service. A nil dispatcher disables ledger
// notifications.
func New(store storage.ProposalStore, dispatcher *ledgersvc.Dispatcher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("proposals")
	}
	if dispatcher == nil {
		dispatcher = ledgersvc.NewDispatcher(ledgersvc.NopNotifier{}, log)
	}
	return &Service{store: store, dispatcher: dispatcher, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// CreateInput carries the fields for a new proposal.
type CreateInput struct {
	Title          string
	Description    string
	Category       proposal.Category
	VotingDeadline time.Time
}

// Create opens a new active proposal for voting.
func (s *Service) Create(ctx context.Context, actor user.User, in CreateInput) (proposal.Proposal, error) {
	if actor.ID == "" {
		return proposal.Proposal{}, fmt.Errorf("%w: authentication required", errs.ErrUnauthorized)
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return proposal.Proposal{}, fmt.Errorf("%w: title is required", errs.ErrValidation)
	}
	if !proposal.ValidCategory(in.Category) {
		return proposal.Proposal{}, fmt.Errorf("%w: unknown category %q", errs.ErrValidation, in.Category)
	}
	now := s.now()
	if !in.VotingDeadline.After(now) {
		return proposal.Proposal{}, fmt.Errorf("%w: voting deadline must be in the future", errs.ErrValidation)
	}

	created, err := s.store.CreateProposal(ctx, proposal.Proposal{
		Title:          in.Title,
		Description:    strings.TrimSpace(in.Description),
		Category:       in.Category,
		ProposerID:     actor.ID,
		Status:         proposal.StatusActive,
		VotingDeadline: in.VotingDeadline.UTC(),
		Voters:         map[string]proposal.Ballot{},
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if err != nil {
		return proposal.Proposal{}, fmt.Errorf("create proposal: %w", err)
	}

	s.log.WithField("proposal_id", created.ID).WithField("proposer_id", actor.ID).Info("proposal created")
	return created, nil
}

// CastVote records or replaces the caller's ballot. The subtract-then-add
// recast and the tally update run as one serialized unit per proposal, so the
// tally always equals the aggregate of the ballot map.
func (s *Service) CastVote(ctx context.Context, actor user.User, id string, choice proposal.Choice) (proposal.Proposal, error) {
	if actor.ID == "" {
		return proposal.Proposal{}, fmt.Errorf("%w: authentication required", errs.ErrUnauthorized)
	}
	if !proposal.ValidChoice(choice) {
		return proposal.Proposal{}, fmt.Errorf("%w: unknown vote choice %q", errs.ErrValidation, choice)
	}

	out, err := s.mutate(ctx, id, func(p *proposal.Proposal) error {
		now := s.now()
		if !p.VotingOpen(now) {
			return fmt.Errorf("%w: voting is closed", errs.ErrInvalidState)
		}
		p.ApplyVote(actor.ID, choice, votePower(actor), now)
		return nil
	})
	if err != nil {
		return proposal.Proposal{}, err
	}

	metrics.RecordVoteCast(string(choice))
	s.dispatcher.Dispatch(ledger.Event{
		Type:     ledger.TypeProposalVote,
		EntityID: out.ID,
		ActorID:  actor.ID,
		Payload:  map[string]any{"choice": string(choice)},
	}, nil)

	return out, nil
}

// Resolve finalizes an active proposal whose deadline has passed. Calling it
// on a proposal that is not due is a no-op returning the current state, so
// the lazy read path and the sweeper can both call it freely.
func (s *Service) Resolve(ctx context.Context, id string) (proposal.Proposal, error) {
	var outcome proposal.Status
	out, err := s.mutate(ctx, id, func(p *proposal.Proposal) error {
		if !p.ResolveDue(s.now()) {
			return errNotDue
		}
		outcome = proposal.Outcome(p.Tally)
		p.Status = outcome
		return nil
	})
	if errors.Is(err, errNotDue) {
		return s.get(ctx, id)
	}
	if err != nil {
		return proposal.Proposal{}, err
	}

	metrics.RecordProposalResolved(string(outcome))
	s.log.WithField("proposal_id", id).WithField("outcome", string(outcome)).Info("proposal resolved")

	s.dispatcher.Dispatch(ledger.Event{
		Type:     ledger.TypeProposalResolved,
		EntityID: out.ID,
		Payload: map[string]any{
			"outcome": string(outcome),
			"for":     out.Tally.For,
			"against": out.Tally.Against,
			"abstain": out.Tally.Abstain,
		},
	}, func(cbCtx context.Context, ref string) error {
		_, refErr := s.mutate(cbCtx, out.ID, func(p *proposal.Proposal) error {
			p.LedgerRef = ref
			return nil
		})
		return refErr
	})

	return out, nil
}

// MarkImplemented moves a passed proposal to implemented. Admin only.
func (s *Service) MarkImplemented(ctx context.Context, actor user.User, id, note string) (proposal.Proposal, error) {
	if !actor.IsAdmin() {
		return proposal.Proposal{}, fmt.Errorf("%w: admin role required", errs.ErrUnauthorized)
	}
	return s.mutate(ctx, id, func(p *proposal.Proposal) error {
		if p.Status != proposal.StatusPassed {
			return fmt.Errorf("%w: only passed proposals can be marked implemented", errs.ErrInvalidState)
		}
		p.Status = proposal.StatusImplemented
		p.ImplementationNote = strings.TrimSpace(note)
		return nil
	})
}

// UpdateInput carries proposer-editable fields. Nil fields are left
// unchanged.
type UpdateInput struct {
	Title          *string
	Description    *string
	Category       *proposal.Category
	VotingDeadline *time.Time
}

// Update edits an active proposal. Proposer or admin only.
func (s *Service) Update(ctx context.Context, actor user.User, id string, in UpdateInput) (proposal.Proposal, error) {
	return s.mutate(ctx, id, func(p *proposal.Proposal) error {
		if p.ProposerID != actor.ID && !actor.IsAdmin() {
			return fmt.Errorf("%w: not the proposer", errs.ErrUnauthorized)
		}
		if p.Status != proposal.StatusActive {
			return fmt.Errorf("%w: only active proposals can be edited", errs.ErrInvalidState)
		}
		if in.Title != nil {
			title := strings.TrimSpace(*in.Title)
			if title == "" {
				return fmt.Errorf("%w: title cannot be empty", errs.ErrValidation)
			}
			p.Title = title
		}
		if in.Description != nil {
			p.Description = strings.TrimSpace(*in.Description)
		}
		if in.Category != nil {
			if !proposal.ValidCategory(*in.Category) {
				return fmt.Errorf("%w: unknown category %q", errs.ErrValidation, *in.Category)
			}
			p.Category = *in.Category
		}
		if in.VotingDeadline != nil {
			if !in.VotingDeadline.After(s.now()) {
				return fmt.Errorf("%w: voting deadline must be in the future", errs.ErrValidation)
			}
			p.VotingDeadline = in.VotingDeadline.UTC()
		}
		return nil
	})
}

// Delete removes an active proposal. Proposer or admin only; resolved
// proposals are immutable history.
func (s *Service) Delete(ctx context.Context, actor user.User, id string) error {
	p, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if p.ProposerID != actor.ID && !actor.IsAdmin() {
		return fmt.Errorf("%w: not the proposer", errs.ErrUnauthorized)
	}
	if p.Status != proposal.StatusActive {
		return fmt.Errorf("%w: only active proposals can be deleted", errs.ErrInvalidState)
	}
	if err := s.store.DeleteProposal(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: proposal %s", errs.ErrNotFound, id)
		}
		return fmt.Errorf("delete proposal: %w", err)
	}
	return nil
}

// Get returns a proposal, resolving it first when its deadline has passed.
func (s *Service) Get(ctx context.Context, id string) (proposal.Proposal, error) {
	p, err := s.get(ctx, id)
	if err != nil {
		return proposal.Proposal{}, err
	}
	if p.ResolveDue(s.now()) {
		return s.Resolve(ctx, id)
	}
	return p, nil
}

// List returns proposals, optionally filtered by status, resolving any whose
// deadline has passed so readers never observe a stale active proposal.
func (s *Service) List(ctx context.Context, status proposal.Status) ([]proposal.Proposal, error) {
	due, err := s.store.ListDueProposals(ctx)
	if err != nil {
		return nil, fmt.Errorf("list due proposals: %w", err)
	}
	for _, p := range due {
		if _, err := s.Resolve(ctx, p.ID); err != nil && !errors.Is(err, errs.ErrNotFound) {
			s.log.WithError(err).WithField("proposal_id", p.ID).Warn("lazy resolution failed")
		}
	}
	return s.store.ListProposals(ctx, status)
}

// SweepDue resolves every active proposal whose deadline has passed and
// returns how many were finalized. The background sweeper calls this on a
// schedule.
func (s *Service) SweepDue(ctx context.Context) (int, error) {
	due, err := s.store.ListDueProposals(ctx)
	if err != nil {
		return 0, fmt.Errorf("list due proposals: %w", err)
	}
	resolved := 0
	for _, p := range due {
		out, err := s.Resolve(ctx, p.ID)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				continue
			}
			return resolved, err
		}
		if out.Status != proposal.StatusActive {
			resolved++
		}
	}
	return resolved, nil
}

func (s *Service) get(ctx context.Context, id string) (proposal.Proposal, error) {
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return proposal.Proposal{}, fmt.Errorf("%w: proposal %s", errs.ErrNotFound, id)
		}
		return proposal.Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*proposal.Proposal) error) (proposal.Proposal, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		p, err := s.get(ctx, id)
		if err != nil {
			return proposal.Proposal{}, err
		}
		if err := fn(&p); err != nil {
			return proposal.Proposal{}, err
		}
		p.UpdatedAt = s.now()
		updated, err := s.store.UpdateProposal(ctx, p)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, storage.ErrRevisionConflict) {
			continue
		}
		return proposal.Proposal{}, fmt.Errorf("update proposal: %w", err)
	}
	return proposal.Proposal{}, fmt.Errorf("%w: proposal %s kept changing", errs.ErrConflict, id)
}

// votePower derives a member's voting power from their engagement score:
// one base vote plus one per full hundred points. The ballot records the
// power used at cast time, so recasting after a score change replaces the
// old weight rather than stacking on it.
func votePower(u user.User) int { return u.Score/100 + 1 }
