// Package rewards implements the reward catalog and the claim engine. Claims
// spend points: the claimant is debited first, then the claim is admitted
// against the reward's current revision, with a compensating re-credit when
// admission definitively fails.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appledger "github.com/civic-chain/engagement/internal/app/domain/ledger"
	"github.com/civic-chain/engagement/internal/app/domain/reward"
	"github.com/civic-chain/engagement/internal/app/domain/user"
	"github.com/civic-chain/engagement/internal/app/errs"
	"github.com/civic-chain/engagement/internal/app/metrics"
	ledgersvc "github.com/civic-chain/engagement/internal/app/services/ledger"
	"github.com/civic-chain/engagement/internal/app/services/users"
	"github.com/civic-chain/engagement/internal/app/storage"
	"github.com/civic-chain/engagement/pkg/logger"
)

const casRetries = 5

// errRepeatClaim short-circuits a claim the user already holds.
var errRepeatClaim = errors.New("rewards: already claimed")

// Service manages the reward catalog and claims.
type Service struct {
	store      storage.RewardStore
	users      *users.Service
	dispatcher *ledgersvc.Dispatcher
	log        *logger.Logger
	now        func() time.Time
}

// New creates a reward service. A nil dispatcher disables ledger
// notifications.
func New(store storage.RewardStore, userSvc *users.Service, dispatcher *ledgersvc.Dispatcher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("rewards")
	}
	if dispatcher == nil {
		dispatcher = ledgersvc.NewDispatcher(ledgersvc.NopNotifier{}, log)
	}
	return &Service{store: store, users: userSvc, dispatcher: dispatcher, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// CreateInput carries the fields for a new catalog entry.
type CreateInput struct {
	Title       string
	Description string
	Category    string
	PointsCost  int
	Quantity    int
	Sponsor     string
	ImageURL    string
	ExpiresAt   *time.Time
}

// Create adds a reward to the catalog. Admin only.
func (s *Service) Create(ctx context.Context, actor user.User, in CreateInput) (reward.Reward, error) {
	if !actor.IsAdmin() {
		return reward.Reward{}, fmt.Errorf("%w: admin role required", errs.ErrUnauthorized)
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return reward.Reward{}, fmt.Errorf("%w: title is required", errs.ErrValidation)
	}
	if in.PointsCost < 0 {
		return reward.Reward{}, fmt.Errorf("%w: points cost cannot be negative", errs.ErrValidation)
	}
	if in.Quantity < 0 && in.Quantity != reward.UnlimitedQuantity {
		return reward.Reward{}, fmt.Errorf("%w: quantity must be non-negative or %d for unlimited", errs.ErrValidation, reward.UnlimitedQuantity)
	}

	now := s.now()
	created, err := s.store.CreateReward(ctx, reward.Reward{
		Title:       in.Title,
		Description: strings.TrimSpace(in.Description),
		Category:    strings.TrimSpace(in.Category),
		PointsCost:  in.PointsCost,
		Quantity:    in.Quantity,
		Available:   true,
		Sponsor:     strings.TrimSpace(in.Sponsor),
		ImageURL:    strings.TrimSpace(in.ImageURL),
		ExpiresAt:   in.ExpiresAt,
		Claims:      map[string]time.Time{},
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return reward.Reward{}, fmt.Errorf("create reward: %w", err)
	}

	s.log.WithField("reward_id", created.ID).Info("reward created")
	return created, nil
}

// UpdateInput carries admin-editable fields. Nil fields are left unchanged.
type UpdateInput struct {
	Title       *string
	Description *string
	Category    *string
	PointsCost  *int
	Quantity    *int
	Available   *bool
	Sponsor     *string
	ImageURL    *string
	ExpiresAt   *time.Time
}

// Update edits a catalog entry. Admin only. The quantity cannot be lowered
// below the number of claims already admitted.
func (s *Service) Update(ctx context.Context, actor user.User, id string, in UpdateInput) (reward.Reward, error) {
	if !actor.IsAdmin() {
		return reward.Reward{}, fmt.Errorf("%w: admin role required", errs.ErrUnauthorized)
	}
	return s.mutate(ctx, id, func(r *reward.Reward) error {
		if in.Title != nil {
			title := strings.TrimSpace(*in.Title)
			if title == "" {
				return fmt.Errorf("%w: title cannot be empty", errs.ErrValidation)
			}
			r.Title = title
		}
		if in.Description != nil {
			r.Description = strings.TrimSpace(*in.Description)
		}
		if in.Category != nil {
			r.Category = strings.TrimSpace(*in.Category)
		}
		if in.PointsCost != nil {
			if *in.PointsCost < 0 {
				return fmt.Errorf("%w: points cost cannot be negative", errs.ErrValidation)
			}
			r.PointsCost = *in.PointsCost
		}
		if in.Quantity != nil {
			q := *in.Quantity
			if q != reward.UnlimitedQuantity && q < len(r.Claims) {
				return fmt.Errorf("%w: quantity cannot drop below %d existing claims", errs.ErrValidation, len(r.Claims))
			}
			r.Quantity = q
		}
		if in.Available != nil {
			r.Available = *in.Available
		}
		if in.Sponsor != nil {
			r.Sponsor = strings.TrimSpace(*in.Sponsor)
		}
		if in.ImageURL != nil {
			r.ImageURL = strings.TrimSpace(*in.ImageURL)
		}
		if in.ExpiresAt != nil {
			at := *in.ExpiresAt
			r.ExpiresAt = &at
		}
		if r.QuantityExhausted() {
			r.Available = false
		}
		return nil
	})
}

// SetAvailable toggles a reward's availability. Admin only. A reward whose
// quantity is exhausted cannot be re-enabled.
func (s *Service) SetAvailable(ctx context.Context, actor user.User, id string, available bool) (reward.Reward, error) {
	if !actor.IsAdmin() {
		return reward.Reward{}, fmt.Errorf("%w: admin role required", errs.ErrUnauthorized)
	}
	return s.mutate(ctx, id, func(r *reward.Reward) error {
		if available && r.QuantityExhausted() {
			return fmt.Errorf("%w: reward quantity is exhausted", errs.ErrInvalidState)
		}
		r.Available = available
		return nil
	})
}

// Delete removes a reward from the catalog. Admin only. A reward with any
// admitted claim is history and cannot be deleted.
func (s *Service) Delete(ctx context.Context, actor user.User, id string) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: admin role required", errs.ErrUnauthorized)
	}
	r, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if len(r.Claims) > 0 {
		return fmt.Errorf("%w: reward has claims and cannot be deleted", errs.ErrInvalidState)
	}
	if err := s.store.DeleteReward(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: reward %s", errs.ErrNotFound, id)
		}
		return fmt.Errorf("delete reward: %w", err)
	}
	return nil
}

// Claim spends the caller's points on a reward. The caller is debited first;
// the claim is then admitted against the reward's current revision. If
// admission definitively fails, the debit is compensated with a re-credit. A
// repeat claim by the same user is a no-op success.
func (s *Service) Claim(ctx context.Context, actor user.User, id string) (reward.Reward, error) {
	if actor.ID == "" {
		return reward.Reward{}, fmt.Errorf("%w: authentication required", errs.ErrUnauthorized)
	}

	r, err := s.Get(ctx, id)
	if err != nil {
		return reward.Reward{}, err
	}
	if r.ClaimedBy(actor.ID) {
		metrics.RecordRewardClaim("repeat")
		return r, nil
	}
	if !r.Claimable(s.now()) {
		metrics.RecordRewardClaim("rejected")
		return reward.Reward{}, fmt.Errorf("%w: reward is not available", errs.ErrInvalidState)
	}

	// Debit first so the points are provably held before the claim lands.
	if r.PointsCost > 0 {
		if err := s.users.AdjustPoints(ctx, actor.ID, -r.PointsCost); err != nil {
			if errors.Is(err, errs.ErrInsufficientBalance) {
				metrics.RecordRewardClaim("insufficient")
			}
			return reward.Reward{}, err
		}
	}

	claimedAt := s.now()
	out, err := s.mutate(ctx, id, func(r *reward.Reward) error {
		if r.ClaimedBy(actor.ID) {
			return errRepeatClaim
		}
		if !r.Claimable(claimedAt) {
			return fmt.Errorf("%w: reward is not available", errs.ErrInvalidState)
		}
		if r.Claims == nil {
			r.Claims = map[string]time.Time{}
		}
		r.Claims[actor.ID] = claimedAt
		if r.QuantityExhausted() {
			r.Available = false
		}
		return nil
	})
	if err != nil {
		// The claim did not land; return the points.
		if r.PointsCost > 0 {
			if creditErr := s.users.AdjustPoints(ctx, actor.ID, r.PointsCost); creditErr != nil {
				s.log.WithError(creditErr).WithField("reward_id", id).WithField("user_id", actor.ID).
					Error("compensating credit failed after claim rejection")
			}
		}
		if errors.Is(err, errRepeatClaim) {
			metrics.RecordRewardClaim("repeat")
			return s.Get(ctx, id)
		}
		metrics.RecordRewardClaim("rejected")
		return reward.Reward{}, err
	}

	metrics.RecordRewardClaim("accepted")
	s.log.WithField("reward_id", id).WithField("user_id", actor.ID).Info("reward claimed")

	s.dispatcher.Dispatch(appledger.Event{
		Type:     appledger.TypeRewardClaimed,
		EntityID: out.ID,
		ActorID:  actor.ID,
		Payload:  map[string]any{"points_cost": out.PointsCost},
	}, func(cbCtx context.Context, ref string) error {
		_, refErr := s.mutate(cbCtx, out.ID, func(r *reward.Reward) error {
			r.LedgerRef = ref
			return nil
		})
		return refErr
	})

	return out, nil
}

// Get returns a single reward.
func (s *Service) Get(ctx context.Context, id string) (reward.Reward, error) {
	r, err := s.store.GetReward(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return reward.Reward{}, fmt.Errorf("%w: reward %s", errs.ErrNotFound, id)
		}
		return reward.Reward{}, fmt.Errorf("get reward: %w", err)
	}
	return r, nil
}

// List returns the catalog, optionally only rewards still claimable.
func (s *Service) List(ctx context.Context, availableOnly bool) ([]reward.Reward, error) {
	return s.store.ListRewards(ctx, availableOnly)
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*reward.Reward) error) (reward.Reward, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		r, err := s.store.GetReward(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return reward.Reward{}, fmt.Errorf("%w: reward %s", errs.ErrNotFound, id)
			}
			return reward.Reward{}, fmt.Errorf("get reward: %w", err)
		}
		if err := fn(&r); err != nil {
			return reward.Reward{}, err
		}
		r.UpdatedAt = s.now()
		updated, err := s.store.UpdateReward(ctx, r)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, storage.ErrRevisionConflict) {
			continue
		}
		return reward.Reward{}, fmt.Errorf("update reward: %w", err)
	}
	return reward.Reward{}, fmt.Errorf("%w: reward %s kept changing", errs.ErrConflict, id)
}
