// Package users implements registration, authentication and the atomic
// score and point balance operations the engagement engines rely on.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/civic-chain/engagement/internal/app/domain/user"
	"github.com/civic-chain/engagement/internal/app/errs"
	"github.com/civic-chain/engagement/internal/app/storage"
	"github.com/civic-chain/engagement/pkg/logger"
)

// casRetries bounds the optimistic retry loop on balance updates.
const casRetries = 5

// Service manages user accounts and balances.
type Service struct {
	store storage.UserStore
	log   *logger.Logger
}

// New creates a user service backed by the given store.
func New(store storage.UserStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("users")
	}
	return &Service{store: store, log: log}
}

// RegisterInput carries the fields for account creation.
type RegisterInput struct {
	DisplayName string
	Email       string
	Password    string
}

// Register creates a new member account with a hashed password.
func (s *Service) Register(ctx context.Context, in RegisterInput) (user.User, error) {
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))

	if in.DisplayName == "" {
		return user.User{}, fmt.Errorf("%w: display name is required", errs.ErrValidation)
	}
	if in.Email == "" || !strings.Contains(in.Email, "@") {
		return user.User{}, fmt.Errorf("%w: a valid email is required", errs.ErrValidation)
	}
	if len(in.Password) < 8 {
		return user.User{}, fmt.Errorf("%w: password must be at least 8 characters", errs.ErrValidation)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return user.User{}, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	created, err := s.store.CreateUser(ctx, user.User{
		DisplayName:  in.DisplayName,
		Email:        in.Email,
		PasswordHash: string(hash),
		Role:         user.RoleMember,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return user.User{}, fmt.Errorf("%w: email already registered", errs.ErrValidation)
		}
		return user.User{}, fmt.Errorf("create user: %w", err)
	}

	s.log.WithField("user_id", created.ID).Info("user registered")
	return created, nil
}

// Authenticate verifies credentials and returns the matching user.
func (s *Service) Authenticate(ctx context.Context, email, password string) (user.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return user.User{}, fmt.Errorf("%w: invalid credentials", errs.ErrUnauthorized)
		}
		return user.User{}, fmt.Errorf("get user by email: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return user.User{}, fmt.Errorf("%w: invalid credentials", errs.ErrUnauthorized)
	}
	return u, nil
}

// Get returns the user with the given ID.
func (s *Service) Get(ctx context.Context, id string) (user.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return user.User{}, fmt.Errorf("%w: user %s", errs.ErrNotFound, id)
		}
		return user.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// List returns all users.
func (s *Service) List(ctx context.Context) ([]user.User, error) {
	return s.store.ListUsers(ctx)
}

// ProfileUpdate carries the caller-editable profile fields. Nil fields are
// left unchanged.
type ProfileUpdate struct {
	DisplayName *string
	Bio         *string
	Location    *string
}

// UpdateProfile edits a user's profile. Only the user themselves or an admin
// may edit a profile.
func (s *Service) UpdateProfile(ctx context.Context, actor user.User, id string, upd ProfileUpdate) (user.User, error) {
	if actor.ID != id && !actor.IsAdmin() {
		return user.User{}, fmt.Errorf("%w: cannot edit another user's profile", errs.ErrUnauthorized)
	}

	return s.mutate(ctx, id, func(u *user.User) error {
		if upd.DisplayName != nil {
			name := strings.TrimSpace(*upd.DisplayName)
			if name == "" {
				return fmt.Errorf("%w: display name cannot be empty", errs.ErrValidation)
			}
			u.DisplayName = name
		}
		if upd.Bio != nil {
			u.Bio = *upd.Bio
		}
		if upd.Location != nil {
			u.Location = *upd.Location
		}
		return nil
	})
}

// MakeAdmin promotes a user to the admin role. Admin only.
func (s *Service) MakeAdmin(ctx context.Context, actor user.User, id string) (user.User, error) {
	if !actor.IsAdmin() {
		return user.User{}, fmt.Errorf("%w: admin role required", errs.ErrUnauthorized)
	}
	out, err := s.mutate(ctx, id, func(u *user.User) error {
		u.Role = user.RoleAdmin
		return nil
	})
	if err != nil {
		return user.User{}, err
	}
	s.log.WithField("user_id", id).Info("user promoted to admin")
	return out, nil
}

// AdjustScore atomically adds delta to a user's civic score. The score never
// drops below zero.
func (s *Service) AdjustScore(ctx context.Context, id string, delta int) error {
	_, err := s.mutate(ctx, id, func(u *user.User) error {
		next := u.Score + delta
		if next < 0 {
			next = 0
		}
		u.Score = next
		return nil
	})
	return err
}

// AdjustPoints atomically adds delta to a user's spendable point balance. A
// debit that would take the balance below zero fails with
// errs.ErrInsufficientBalance and leaves the balance untouched.
func (s *Service) AdjustPoints(ctx context.Context, id string, delta int) error {
	_, err := s.mutate(ctx, id, func(u *user.User) error {
		next := u.AvailablePoints + delta
		if next < 0 {
			return fmt.Errorf("%w: balance %d, debit %d", errs.ErrInsufficientBalance, u.AvailablePoints, -delta)
		}
		u.AvailablePoints = next
		return nil
	})
	return err
}

// mutate applies fn to a fresh copy of the user under an optimistic retry
// loop. fn may reject the mutation by returning an error.
func (s *Service) mutate(ctx context.Context, id string, fn func(*user.User) error) (user.User, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		u, err := s.store.GetUser(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return user.User{}, fmt.Errorf("%w: user %s", errs.ErrNotFound, id)
			}
			return user.User{}, fmt.Errorf("get user: %w", err)
		}
		if err := fn(&u); err != nil {
			return user.User{}, err
		}
		u.UpdatedAt = time.Now().UTC()
		updated, err := s.store.UpdateUser(ctx, u)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, storage.ErrRevisionConflict) {
			continue
		}
		return user.User{}, fmt.Errorf("update user: %w", err)
	}
	return user.User{}, fmt.Errorf("%w: user %s kept changing", errs.ErrConflict, id)
}
