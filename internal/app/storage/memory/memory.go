// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and honours the same revision
// semantics as the PostgreSQL store, which makes it suitable for tests and
// local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/civic-chain/engagement/internal/app/domain/activity"
	"github.com/civic-chain/engagement/internal/app/domain/proposal"
	"github.com/civic-chain/engagement/internal/app/domain/reward"
	"github.com/civic-chain/engagement/internal/app/domain/user"
	"github.com/civic-chain/engagement/internal/app/storage"
)

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu           sync.RWMutex
	nextID       int64
	users        map[string]user.User
	usersByEmail map[string]string
	activities   map[string]activity.Activity
	proposals    map[string]proposal.Proposal
	rewards      map[string]reward.Reward
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.ActivityStore = (*Store)(nil)
var _ storage.ProposalStore = (*Store)(nil)
var _ storage.RewardStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:       1,
		users:        make(map[string]user.User),
		usersByEmail: make(map[string]string),
		activities:   make(map[string]activity.Activity),
		proposals:    make(map[string]proposal.Proposal),
		rewards:      make(map[string]reward.Reward),
	}
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// UserStore implementation ----------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = s.nextIDLocked()
	} else if _, exists := s.users[u.ID]; exists {
		return user.User{}, fmt.Errorf("user %s: %w", u.ID, storage.ErrDuplicate)
	}

	emailKey := strings.ToLower(strings.TrimSpace(u.Email))
	if emailKey != "" {
		if _, exists := s.usersByEmail[emailKey]; exists {
			return user.User{}, fmt.Errorf("email %s: %w", u.Email, storage.ErrDuplicate)
		}
	}

	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	u.Revision = 1

	s.users[u.ID] = u
	if emailKey != "" {
		s.usersByEmail[emailKey] = u.ID
	}
	return u, nil
}

func (s *Store) UpdateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.users[u.ID]
	if !ok {
		return user.User{}, fmt.Errorf("user %s: %w", u.ID, storage.ErrNotFound)
	}
	if original.Revision != u.Revision {
		return user.User{}, fmt.Errorf("user %s: %w", u.ID, storage.ErrRevisionConflict)
	}

	oldKey := strings.ToLower(strings.TrimSpace(original.Email))
	newKey := strings.ToLower(strings.TrimSpace(u.Email))
	if newKey != oldKey {
		if existing, exists := s.usersByEmail[newKey]; exists && existing != u.ID {
			return user.User{}, fmt.Errorf("email %s: %w", u.Email, storage.ErrDuplicate)
		}
	}

	u.CreatedAt = original.CreatedAt
	u.UpdatedAt = time.Now().UTC()
	u.Revision = original.Revision + 1

	s.users[u.ID] = u
	if newKey != oldKey {
		delete(s.usersByEmail, oldKey)
		if newKey != "" {
			s.usersByEmail[newKey] = u.ID
		}
	}
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return u, nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.usersByEmail[strings.ToLower(strings.TrimSpace(email))]; ok {
		return s.users[id], nil
	}
	return user.User{}, fmt.Errorf("user with email %s: %w", email, storage.ErrNotFound)
}

func (s *Store) ListUsers(_ context.Context) ([]user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]user.User, 0, len(s.users))
	for _, u := range s.users {
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) ListTopUsersByScore(_ context.Context, limit int) ([]user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]user.User, 0, len(s.users))
	for _, u := range s.users {
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Score != result[j].Score {
			return result[i].Score > result[j].Score
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ActivityStore implementation ------------------------------------------------

func (s *Store) CreateActivity(_ context.Context, act activity.Activity) (activity.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if act.ID == "" {
		act.ID = s.nextIDLocked()
	} else if _, exists := s.activities[act.ID]; exists {
		return activity.Activity{}, fmt.Errorf("activity %s: %w", act.ID, storage.ErrDuplicate)
	}

	now := time.Now().UTC()
	act.CreatedAt = now
	act.UpdatedAt = now
	act.Revision = 1

	s.activities[act.ID] = act
	return act, nil
}

func (s *Store) UpdateActivity(_ context.Context, act activity.Activity) (activity.Activity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.activities[act.ID]
	if !ok {
		return activity.Activity{}, fmt.Errorf("activity %s: %w", act.ID, storage.ErrNotFound)
	}
	if original.Revision != act.Revision {
		return activity.Activity{}, fmt.Errorf("activity %s: %w", act.ID, storage.ErrRevisionConflict)
	}

	act.CreatedAt = original.CreatedAt
	act.UpdatedAt = time.Now().UTC()
	act.Revision = original.Revision + 1

	s.activities[act.ID] = act
	return act, nil
}

func (s *Store) GetActivity(_ context.Context, id string) (activity.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	act, ok := s.activities[id]
	if !ok {
		return activity.Activity{}, fmt.Errorf("activity %s: %w", id, storage.ErrNotFound)
	}
	return act, nil
}

func (s *Store) ListActivities(_ context.Context, ownerID string, status activity.Status) ([]activity.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]activity.Activity, 0)
	for _, act := range s.activities {
		if ownerID != "" && act.OwnerID != ownerID {
			continue
		}
		if status != "" && act.Status != status {
			continue
		}
		result = append(result, act)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) DeleteActivity(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.activities[id]; !ok {
		return fmt.Errorf("activity %s: %w", id, storage.ErrNotFound)
	}
	delete(s.activities, id)
	return nil
}

// ProposalStore implementation ------------------------------------------------

func (s *Store) CreateProposal(_ context.Context, p proposal.Proposal) (proposal.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == "" {
		p.ID = s.nextIDLocked()
	} else if _, exists := s.proposals[p.ID]; exists {
		return proposal.Proposal{}, fmt.Errorf("proposal %s: %w", p.ID, storage.ErrDuplicate)
	}

	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Revision = 1
	p = p.Clone()

	s.proposals[p.ID] = p
	return p.Clone(), nil
}

func (s *Store) UpdateProposal(_ context.Context, p proposal.Proposal) (proposal.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.proposals[p.ID]
	if !ok {
		return proposal.Proposal{}, fmt.Errorf("proposal %s: %w", p.ID, storage.ErrNotFound)
	}
	if original.Revision != p.Revision {
		return proposal.Proposal{}, fmt.Errorf("proposal %s: %w", p.ID, storage.ErrRevisionConflict)
	}

	p.CreatedAt = original.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	p.Revision = original.Revision + 1
	p = p.Clone()

	s.proposals[p.ID] = p
	return p.Clone(), nil
}

func (s *Store) GetProposal(_ context.Context, id string) (proposal.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.proposals[id]
	if !ok {
		return proposal.Proposal{}, fmt.Errorf("proposal %s: %w", id, storage.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *Store) ListProposals(_ context.Context, status proposal.Status) ([]proposal.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]proposal.Proposal, 0)
	for _, p := range s.proposals {
		if status != "" && p.Status != status {
			continue
		}
		result = append(result, p.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) ListDueProposals(_ context.Context) ([]proposal.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	result := make([]proposal.Proposal, 0)
	for _, p := range s.proposals {
		if p.ResolveDue(now) {
			result = append(result, p.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) DeleteProposal(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.proposals[id]; !ok {
		return fmt.Errorf("proposal %s: %w", id, storage.ErrNotFound)
	}
	delete(s.proposals, id)
	return nil
}

// RewardStore implementation --------------------------------------------------

func (s *Store) CreateReward(_ context.Context, r reward.Reward) (reward.Reward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = s.nextIDLocked()
	} else if _, exists := s.rewards[r.ID]; exists {
		return reward.Reward{}, fmt.Errorf("reward %s: %w", r.ID, storage.ErrDuplicate)
	}

	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.Revision = 1
	r = r.Clone()

	s.rewards[r.ID] = r
	return r.Clone(), nil
}

func (s *Store) UpdateReward(_ context.Context, r reward.Reward) (reward.Reward, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.rewards[r.ID]
	if !ok {
		return reward.Reward{}, fmt.Errorf("reward %s: %w", r.ID, storage.ErrNotFound)
	}
	if original.Revision != r.Revision {
		return reward.Reward{}, fmt.Errorf("reward %s: %w", r.ID, storage.ErrRevisionConflict)
	}

	r.CreatedAt = original.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	r.Revision = original.Revision + 1
	r = r.Clone()

	s.rewards[r.ID] = r
	return r.Clone(), nil
}

func (s *Store) GetReward(_ context.Context, id string) (reward.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rewards[id]
	if !ok {
		return reward.Reward{}, fmt.Errorf("reward %s: %w", id, storage.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) ListRewards(_ context.Context, availableOnly bool) ([]reward.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]reward.Reward, 0)
	for _, r := range s.rewards {
		if availableOnly && !r.Available {
			continue
		}
		result = append(result, r.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *Store) DeleteReward(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rewards[id]; !ok {
		return fmt.Errorf("reward %s: %w", id, storage.ErrNotFound)
	}
	delete(s.rewards, id)
	return nil
}
