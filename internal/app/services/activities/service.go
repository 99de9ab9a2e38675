// Package activities implements the activity lifecycle: submission, admin
// verification with an exactly-once score credit, and owner edits while the
// activity is still mutable.
package activities

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/civic-chain/engagement/internal/app/domain/activity"
	appledger "github.com/civic-chain/engagement/internal/app/domain/ledger"
	"github.com/civic-chain/engagement/internal/app/domain/user"
	"github.com/civic-chain/engagement/internal/app/errs"
	"github.com/civic-chain/engagement/internal/app/metrics"
	"github.com/civic-chain/engagement/internal/app/services/ledger"
	"github.com/civic-chain/engagement/internal/app/services/users"
	"github.com/civic-chain/engagement/internal/app/storage"
	"github.com/civic-chain/engagement/pkg/logger"
)

const casRetries = 5

// maxPoints caps a single activity's score value.
const maxPoints = 500

// errAlreadyApproved short-circuits a repeat verdict without a write.
var errAlreadyApproved = errors.New("activities: already approved")

// Service manages the activity lifecycle.
type Service struct {
	store      storage.ActivityStore
	users      *users.Service
	dispatcher *ledger.Dispatcher
	log        *logger.Logger
}

// New creates an activity service. A nil dispatcher disables ledger
// notifications.
func New(store storage.ActivityStore, userSvc *users.Service, dispatcher *ledger.Dispatcher, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("activities")
	}
	if dispatcher == nil {
		dispatcher = ledger.NewDispatcher(ledger.NopNotifier{}, log)
	}
	return &Service{store: store, users: userSvc, dispatcher: dispatcher, log: log}
}

// SubmitInput carries the fields for a new activity report.
type SubmitInput struct {
	Title       string
	Description string
	Category    activity.Category
	Points      int
	Location    string
	Evidence    string

	// Status may be left empty (defaults to pending) or set to completed
	// for activities reported after the fact.
	Status activity.Status
}

// Submit records a new pending activity for the caller.
func (s *Service) Submit(ctx context.Context, actor user.User, in SubmitInput) (activity.Activity, error) {
	if actor.ID == "" {
		return activity.Activity{}, fmt.Errorf("%w: authentication required", errs.ErrUnauthorized)
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return activity.Activity{}, fmt.Errorf("%w: title is required", errs.ErrValidation)
	}
	if !activity.ValidCategory(in.Category) {
		return activity.Activity{}, fmt.Errorf("%w: unknown category %q", errs.ErrValidation, in.Category)
	}
	if in.Points < 0 || in.Points > maxPoints {
		return activity.Activity{}, fmt.Errorf("%w: points must be between 0 and %d", errs.ErrValidation, maxPoints)
	}
	status := in.Status
	if status == "" {
		status = activity.StatusPending
	}
	if status != activity.StatusPending && status != activity.StatusCompleted {
		return activity.Activity{}, fmt.Errorf("%w: new activities must be pending or completed", errs.ErrValidation)
	}

	now := time.Now().UTC()
	created, err := s.store.CreateActivity(ctx, activity.Activity{
		OwnerID:     actor.ID,
		Title:       in.Title,
		Description: strings.TrimSpace(in.Description),
		Category:    in.Category,
		Points:      in.Points,
		Status:      status,
		Location:    strings.TrimSpace(in.Location),
		Evidence:    strings.TrimSpace(in.Evidence),
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return activity.Activity{}, fmt.Errorf("create activity: %w", err)
	}

	s.log.WithField("activity_id", created.ID).WithField("owner_id", actor.ID).Info("activity submitted")
	return created, nil
}

// Verify records an admin verdict on a pending activity. Winning the status
// transition is the commit point: the owner's score and point balance are
// credited exactly once, after the transition is durable. A failed credit
// rolls the verdict back so a later retry can credit from scratch.
func (s *Service) Verify(ctx context.Context, actor user.User, id string, verdict activity.Status) (activity.Activity, error) {
	if !actor.IsAdmin() {
		return activity.Activity{}, fmt.Errorf("%w: admin role required", errs.ErrUnauthorized)
	}
	if !activity.ValidVerdict(verdict) {
		return activity.Activity{}, fmt.Errorf("%w: verdict must be %q or %q", errs.ErrValidation, activity.StatusApproved, activity.StatusRejected)
	}

	var prevStatus activity.Status
	var prevBy string
	var prevAt time.Time
	won, err := s.mutate(ctx, id, func(a *activity.Activity) error {
		if a.Status == activity.StatusApproved {
			// Already credited; a repeat verdict is a no-op.
			return errAlreadyApproved
		}
		if a.OwnerID == actor.ID {
			return fmt.Errorf("%w: cannot verify your own activity", errs.ErrUnauthorized)
		}
		prevStatus, prevBy, prevAt = a.Status, a.VerifiedBy, a.VerifiedAt
		a.Status = verdict
		a.VerifiedBy = actor.ID
		a.VerifiedAt = time.Now().UTC()
		return nil
	})
	if errors.Is(err, errAlreadyApproved) {
		return s.Get(ctx, id)
	}
	if err != nil {
		return activity.Activity{}, err
	}

	if verdict == activity.StatusApproved {
		if err := s.users.AdjustScore(ctx, won.OwnerID, won.Points); err != nil {
			s.revertVerdict(ctx, id, prevStatus, prevBy, prevAt)
			return activity.Activity{}, fmt.Errorf("credit score for owner %s: %w", won.OwnerID, err)
		}
		if err := s.users.AdjustPoints(ctx, won.OwnerID, won.Points); err != nil {
			if scoreErr := s.users.AdjustScore(ctx, won.OwnerID, -won.Points); scoreErr != nil {
				s.log.WithError(scoreErr).WithField("activity_id", id).Error("score rollback failed")
			}
			s.revertVerdict(ctx, id, prevStatus, prevBy, prevAt)
			return activity.Activity{}, fmt.Errorf("credit points for owner %s: %w", won.OwnerID, err)
		}
		metrics.RecordActivityApproved()

		s.dispatcher.Dispatch(appledger.Event{
			Type:     appledger.TypeActivityApproved,
			EntityID: won.ID,
			ActorID:  actor.ID,
			Payload: map[string]any{
				"owner_id": won.OwnerID,
				"points":   won.Points,
				"category": string(won.Category),
			},
		}, func(cbCtx context.Context, ref string) error {
			_, refErr := s.mutate(cbCtx, won.ID, func(a *activity.Activity) error {
				a.LedgerRef = ref
				return nil
			})
			return refErr
		})
	}

	s.log.WithField("activity_id", id).WithField("verdict", string(verdict)).Info("activity verified")
	return won, nil
}

// UpdateInput carries owner-editable fields. Nil fields are left unchanged.
type UpdateInput struct {
	Title       *string
	Description *string
	Category    *activity.Category
	Points      *int
	Location    *string
	Evidence    *string
}

// Update edits an activity that has not been approved yet. Only the owner or
// an admin may edit. Editing a rejected activity resets it to pending.
func (s *Service) Update(ctx context.Context, actor user.User, id string, in UpdateInput) (activity.Activity, error) {
	return s.mutate(ctx, id, func(a *activity.Activity) error {
		if a.OwnerID != actor.ID && !actor.IsAdmin() {
			return fmt.Errorf("%w: not the activity owner", errs.ErrUnauthorized)
		}
		if !a.Mutable() {
			return fmt.Errorf("%w: approved activities cannot be edited", errs.ErrInvalidState)
		}
		if in.Title != nil {
			title := strings.TrimSpace(*in.Title)
			if title == "" {
				return fmt.Errorf("%w: title cannot be empty", errs.ErrValidation)
			}
			a.Title = title
		}
		if in.Description != nil {
			a.Description = strings.TrimSpace(*in.Description)
		}
		if in.Category != nil {
			if !activity.ValidCategory(*in.Category) {
				return fmt.Errorf("%w: unknown category %q", errs.ErrValidation, *in.Category)
			}
			a.Category = *in.Category
		}
		if in.Points != nil {
			if *in.Points < 0 || *in.Points > maxPoints {
				return fmt.Errorf("%w: points must be between 0 and %d", errs.ErrValidation, maxPoints)
			}
			a.Points = *in.Points
		}
		if in.Location != nil {
			a.Location = strings.TrimSpace(*in.Location)
		}
		if in.Evidence != nil {
			a.Evidence = strings.TrimSpace(*in.Evidence)
		}
		if a.Status == activity.StatusRejected {
			a.Status = activity.StatusPending
			a.VerifiedBy = ""
			a.VerifiedAt = time.Time{}
		}
		return nil
	})
}

// revertVerdict restores an activity's verification state after a failed
// credit, so the next Verify attempt can credit from scratch.
func (s *Service) revertVerdict(ctx context.Context, id string, status activity.Status, by string, at time.Time) {
	if _, err := s.mutate(ctx, id, func(a *activity.Activity) error {
		a.Status = status
		a.VerifiedBy = by
		a.VerifiedAt = at
		return nil
	}); err != nil {
		s.log.WithError(err).WithField("activity_id", id).Error("verdict rollback failed")
	}
}

// Delete removes an activity that has not been approved. Only the owner or an
// admin may delete it.
func (s *Service) Delete(ctx context.Context, actor user.User, id string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !actor.IsAdmin() {
		if a.OwnerID != actor.ID {
			return fmt.Errorf("%w: not the activity owner", errs.ErrUnauthorized)
		}
		if !a.Mutable() {
			return fmt.Errorf("%w: approved activities cannot be deleted by their owner", errs.ErrInvalidState)
		}
	}
	if err := s.store.DeleteActivity(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: activity %s", errs.ErrNotFound, id)
		}
		return fmt.Errorf("delete activity: %w", err)
	}
	return nil
}

// Get returns a single activity.
func (s *Service) Get(ctx context.Context, id string) (activity.Activity, error) {
	a, err := s.store.GetActivity(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return activity.Activity{}, fmt.Errorf("%w: activity %s", errs.ErrNotFound, id)
		}
		return activity.Activity{}, fmt.Errorf("get activity: %w", err)
	}
	return a, nil
}

// List returns activities, optionally filtered by owner and status. Empty
// filters match everything.
func (s *Service) List(ctx context.Context, ownerID string, status activity.Status) ([]activity.Activity, error) {
	return s.store.ListActivities(ctx, ownerID, status)
}

func (s *Service) mutate(ctx context.Context, id string, fn func(*activity.Activity) error) (activity.Activity, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		a, err := s.store.GetActivity(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return activity.Activity{}, fmt.Errorf("%w: activity %s", errs.ErrNotFound, id)
			}
			return activity.Activity{}, fmt.Errorf("get activity: %w", err)
		}
		if err := fn(&a); err != nil {
			return activity.Activity{}, err
		}
		a.UpdatedAt = time.Now().UTC()
		updated, err := s.store.UpdateActivity(ctx, a)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, storage.ErrRevisionConflict) {
			continue
		}
		return activity.Activity{}, fmt.Errorf("update activity: %w", err)
	}
	return activity.Activity{}, fmt.Errorf("%w: activity %s kept changing", errs.ErrConflict, id)
}
