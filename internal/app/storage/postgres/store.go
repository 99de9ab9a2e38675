// Package postgres implements the storage interfaces on PostgreSQL. Aggregate
// maps (proposal ballots, reward claims) are stored as JSONB columns; every
// update is conditioned on the entity revision so concurrent writers are
// detected rather than silently overwritten.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/civic-chain/engagement/internal/app/domain/activity"
	"github.com/civic-chain/engagement/internal/app/domain/proposal"
	"github.com/civic-chain/engagement/internal/app/domain/reward"
	"github.com/civic-chain/engagement/internal/app/domain/user"
	"github.com/civic-chain/engagement/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.ActivityStore = (*Store)(nil)
var _ storage.ProposalStore = (*Store)(nil)
var _ storage.RewardStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// conditionalUpdate interprets the result of a revision-conditioned UPDATE:
// zero rows means either the entity is gone or another writer won.
func (s *Store) conditionalUpdate(ctx context.Context, result sql.Result, table, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	var exists bool
	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)", table)
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", table, id, storage.ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", table, id, storage.ErrRevisionConflict)
}

// --- UserStore ---------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	u.Revision = 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, score, available_points, bio, location, revision, created_at, updated_at)
		VALUES ($1, $2, lower($3), $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, u.ID, u.DisplayName, u.Email, u.PasswordHash, u.Role, u.Score, u.AvailablePoints, u.Bio, u.Location, u.Revision, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return user.User{}, fmt.Errorf("user %s: %w", u.Email, storage.ErrDuplicate)
		}
		return user.User{}, err
	}
	return u, nil
}

func (s *Store) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	updatedAt := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET display_name = $2, email = lower($3), password_hash = $4, role = $5,
		    score = $6, available_points = $7, bio = $8, location = $9,
		    revision = revision + 1, updated_at = $10
		WHERE id = $1 AND revision = $11
	`, u.ID, u.DisplayName, u.Email, u.PasswordHash, u.Role, u.Score, u.AvailablePoints, u.Bio, u.Location, updatedAt, u.Revision)
	if err != nil {
		if isUniqueViolation(err) {
			return user.User{}, fmt.Errorf("user %s: %w", u.Email, storage.ErrDuplicate)
		}
		return user.User{}, err
	}
	if err := s.conditionalUpdate(ctx, result, "users", u.ID); err != nil {
		return user.User{}, err
	}
	u.Revision++
	u.UpdatedAt = updatedAt
	return u, nil
}

const userColumns = `id, display_name, email, password_hash, role, score, available_points, bio, location, revision, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (user.User, error) {
	var u user.User
	err := row.Scan(&u.ID, &u.DisplayName, &u.Email, &u.PasswordHash, &u.Role,
		&u.Score, &u.AvailablePoints, &u.Bio, &u.Location, &u.Revision, &u.CreatedAt, &u.UpdatedAt)
	return u, err
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return user.User{}, fmt.Errorf("user %s: %w", id, storage.ErrNotFound)
	}
	return u, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = lower($1)`, email)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return user.User{}, fmt.Errorf("user with email %s: %w", email, storage.ErrNotFound)
	}
	return u, err
}

func (s *Store) ListUsers(ctx context.Context) ([]user.User, error) {
	return s.queryUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at`)
}

func (s *Store) ListTopUsersByScore(ctx context.Context, limit int) ([]user.User, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.queryUsers(ctx, `SELECT `+userColumns+` FROM users ORDER BY score DESC, id LIMIT $1`, limit)
}

func (s *Store) queryUsers(ctx context.Context, query string, args ...any) ([]user.User, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []user.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, u)
	}
	return result, rows.Err()
}

// --- ActivityStore -----------------------------------------------------------

func (s *Store) CreateActivity(ctx context.Context, act activity.Activity) (activity.Activity, error) {
	if act.ID == "" {
		act.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	act.CreatedAt = now
	act.UpdatedAt = now
	act.Revision = 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activities (id, owner_id, title, description, category, points, status, location, evidence, verified_by, verified_at, ledger_ref, revision, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, act.ID, act.OwnerID, act.Title, act.Description, act.Category, act.Points, act.Status,
		act.Location, act.Evidence, nullString(act.VerifiedBy), nullTime(act.VerifiedAt), act.LedgerRef,
		act.Revision, act.CreatedAt, act.UpdatedAt)
	if err != nil {
		return activity.Activity{}, err
	}
	return act, nil
}

func (s *Store) UpdateActivity(ctx context.Context, act activity.Activity) (activity.Activity, error) {
	updatedAt := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE activities
		SET title = $2, description = $3, category = $4, points = $5, status = $6,
		    location = $7, evidence = $8, verified_by = $9, verified_at = $10,
		    ledger_ref = $11, revision = revision + 1, updated_at = $12
		WHERE id = $1 AND revision = $13
	`, act.ID, act.Title, act.Description, act.Category, act.Points, act.Status,
		act.Location, act.Evidence, nullString(act.VerifiedBy), nullTime(act.VerifiedAt),
		act.LedgerRef, updatedAt, act.Revision)
	if err != nil {
		return activity.Activity{}, err
	}
	if err := s.conditionalUpdate(ctx, result, "activities", act.ID); err != nil {
		return activity.Activity{}, err
	}
	act.Revision++
	act.UpdatedAt = updatedAt
	return act, nil
}

const activityColumns = `id, owner_id, title, description, category, points, status, location, evidence, verified_by, verified_at, ledger_ref, revision, created_at, updated_at`

func scanActivity(row interface{ Scan(...any) error }) (activity.Activity, error) {
	var (
		act        activity.Activity
		verifiedBy sql.NullString
		verifiedAt sql.NullTime
	)
	err := row.Scan(&act.ID, &act.OwnerID, &act.Title, &act.Description, &act.Category,
		&act.Points, &act.Status, &act.Location, &act.Evidence, &verifiedBy, &verifiedAt,
		&act.LedgerRef, &act.Revision, &act.CreatedAt, &act.UpdatedAt)
	if verifiedBy.Valid {
		act.VerifiedBy = verifiedBy.String
	}
	if verifiedAt.Valid {
		act.VerifiedAt = verifiedAt.Time
	}
	return act, err
}

func (s *Store) GetActivity(ctx context.Context, id string) (activity.Activity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+activityColumns+` FROM activities WHERE id = $1`, id)
	act, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return activity.Activity{}, fmt.Errorf("activity %s: %w", id, storage.ErrNotFound)
	}
	return act, err
}

func (s *Store) ListActivities(ctx context.Context, ownerID string, status activity.Status) ([]activity.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+activityColumns+`
		FROM activities
		WHERE ($1 = '' OR owner_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at
	`, ownerID, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []activity.Activity
	for rows.Next() {
		act, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, act)
	}
	return result, rows.Err()
}

func (s *Store) DeleteActivity(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM activities WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("activity %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// --- ProposalStore -----------------------------------------------------------

func (s *Store) CreateProposal(ctx context.Context, p proposal.Proposal) (proposal.Proposal, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Revision = 1

	votersJSON, err := json.Marshal(p.Voters)
	if err != nil {
		return proposal.Proposal{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposals (id, title, description, category, proposer_id, status, voting_deadline, tally_for, tally_against, tally_abstain, voters, implementation_note, ledger_ref, revision, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, p.ID, p.Title, p.Description, p.Category, p.ProposerID, p.Status, p.VotingDeadline,
		p.Tally.For, p.Tally.Against, p.Tally.Abstain, votersJSON, p.ImplementationNote,
		p.LedgerRef, p.Revision, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return proposal.Proposal{}, err
	}
	return p, nil
}

func (s *Store) UpdateProposal(ctx context.Context, p proposal.Proposal) (proposal.Proposal, error) {
	votersJSON, err := json.Marshal(p.Voters)
	if err != nil {
		return proposal.Proposal{}, err
	}

	updatedAt := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET title = $2, description = $3, category = $4, status = $5, voting_deadline = $6,
		    tally_for = $7, tally_against = $8, tally_abstain = $9, voters = $10,
		    implementation_note = $11, ledger_ref = $12, revision = revision + 1, updated_at = $13
		WHERE id = $1 AND revision = $14
	`, p.ID, p.Title, p.Description, p.Category, p.Status, p.VotingDeadline,
		p.Tally.For, p.Tally.Against, p.Tally.Abstain, votersJSON,
		p.ImplementationNote, p.LedgerRef, updatedAt, p.Revision)
	if err != nil {
		return proposal.Proposal{}, err
	}
	if err := s.conditionalUpdate(ctx, result, "proposals", p.ID); err != nil {
		return proposal.Proposal{}, err
	}
	p.Revision++
	p.UpdatedAt = updatedAt
	return p, nil
}

const proposalColumns = `id, title, description, category, proposer_id, status, voting_deadline, tally_for, tally_against, tally_abstain, voters, implementation_note, ledger_ref, revision, created_at, updated_at`

func scanProposal(row interface{ Scan(...any) error }) (proposal.Proposal, error) {
	var (
		p         proposal.Proposal
		votersRaw []byte
	)
	err := row.Scan(&p.ID, &p.Title, &p.Description, &p.Category, &p.ProposerID, &p.Status,
		&p.VotingDeadline, &p.Tally.For, &p.Tally.Against, &p.Tally.Abstain, &votersRaw,
		&p.ImplementationNote, &p.LedgerRef, &p.Revision, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return proposal.Proposal{}, err
	}
	if len(votersRaw) > 0 {
		if err := json.Unmarshal(votersRaw, &p.Voters); err != nil {
			return proposal.Proposal{}, err
		}
	}
	return p, nil
}

func (s *Store) GetProposal(ctx context.Context, id string) (proposal.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return proposal.Proposal{}, fmt.Errorf("proposal %s: %w", id, storage.ErrNotFound)
	}
	return p, err
}

func (s *Store) ListProposals(ctx context.Context, status proposal.Status) ([]proposal.Proposal, error) {
	return s.queryProposals(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE $1 = '' OR status = $1
		ORDER BY created_at
	`, string(status))
}

func (s *Store) ListDueProposals(ctx context.Context) ([]proposal.Proposal, error) {
	return s.queryProposals(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE status = 'active' AND voting_deadline < now()
		ORDER BY voting_deadline
	`)
}

func (s *Store) queryProposals(ctx context.Context, query string, args ...any) ([]proposal.Proposal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []proposal.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

func (s *Store) DeleteProposal(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM proposals WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("proposal %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// --- RewardStore -------------------------------------------------------------

func (s *Store) CreateReward(ctx context.Context, r reward.Reward) (reward.Reward, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	r.Revision = 1

	claimsJSON, err := json.Marshal(r.Claims)
	if err != nil {
		return reward.Reward{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rewards (id, title, description, category, points_cost, quantity, available, sponsor, image_url, expires_at, claims, ledger_ref, revision, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, r.ID, r.Title, r.Description, r.Category, r.PointsCost, r.Quantity, r.Available,
		r.Sponsor, r.ImageURL, r.ExpiresAt, claimsJSON, r.LedgerRef, r.Revision, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return reward.Reward{}, err
	}
	return r, nil
}

func (s *Store) UpdateReward(ctx context.Context, r reward.Reward) (reward.Reward, error) {
	claimsJSON, err := json.Marshal(r.Claims)
	if err != nil {
		return reward.Reward{}, err
	}

	updatedAt := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE rewards
		SET title = $2, description = $3, category = $4, points_cost = $5, quantity = $6,
		    available = $7, sponsor = $8, image_url = $9, expires_at = $10, claims = $11,
		    ledger_ref = $12, revision = revision + 1, updated_at = $13
		WHERE id = $1 AND revision = $14
	`, r.ID, r.Title, r.Description, r.Category, r.PointsCost, r.Quantity, r.Available,
		r.Sponsor, r.ImageURL, r.ExpiresAt, claimsJSON, r.LedgerRef, updatedAt, r.Revision)
	if err != nil {
		return reward.Reward{}, err
	}
	if err := s.conditionalUpdate(ctx, result, "rewards", r.ID); err != nil {
		return reward.Reward{}, err
	}
	r.Revision++
	r.UpdatedAt = updatedAt
	return r, nil
}

const rewardColumns = `id, title, description, category, points_cost, quantity, available, sponsor, image_url, expires_at, claims, ledger_ref, revision, created_at, updated_at`

func scanReward(row interface{ Scan(...any) error }) (reward.Reward, error) {
	var (
		r         reward.Reward
		expiresAt sql.NullTime
		claimsRaw []byte
	)
	err := row.Scan(&r.ID, &r.Title, &r.Description, &r.Category, &r.PointsCost, &r.Quantity,
		&r.Available, &r.Sponsor, &r.ImageURL, &expiresAt, &claimsRaw, &r.LedgerRef,
		&r.Revision, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return reward.Reward{}, err
	}
	if expiresAt.Valid {
		at := expiresAt.Time
		r.ExpiresAt = &at
	}
	if len(claimsRaw) > 0 {
		if err := json.Unmarshal(claimsRaw, &r.Claims); err != nil {
			return reward.Reward{}, err
		}
	}
	return r, nil
}

func (s *Store) GetReward(ctx context.Context, id string) (reward.Reward, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE id = $1`, id)
	r, err := scanReward(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reward.Reward{}, fmt.Errorf("reward %s: %w", id, storage.ErrNotFound)
	}
	return r, err
}

func (s *Store) ListRewards(ctx context.Context, availableOnly bool) ([]reward.Reward, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+rewardColumns+`
		FROM rewards
		WHERE $1 = false OR available = true
		ORDER BY created_at
	`, availableOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []reward.Reward
	for rows.Next() {
		r, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *Store) DeleteReward(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rewards WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("reward %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(v time.Time) sql.NullTime {
	return sql.NullTime{Time: v, Valid: !v.IsZero()}
}

// isUniqueViolation matches the PostgreSQL unique_violation SQLSTATE.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
