// Package user defines the member identity model and the derived civic tier.
package user

import "time"

// Role distinguishes ordinary members from platform administrators.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Tier is a display band derived from the civic score. It is never stored;
// TierFor is the single source of truth.
type Tier string

const (
	TierNewcomer      Tier = "Newcomer"
	TierActiveCitizen Tier = "Active Citizen"
	TierModelCitizen  Tier = "Model Citizen"
	TierExemplary     Tier = "Exemplary Citizen"
	TierLeader        Tier = "Community Leader"
)

// User is a platform member. Score is the lifetime civic score credited by
// approved activities; AvailablePoints is the spendable balance debited by
// reward claims. Both are mutated only through the users service.
type User struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"display_name"`
	Email           string    `json:"email"`
	PasswordHash    string    `json:"-"`
	Role            Role      `json:"role"`
	Score           int       `json:"score"`
	AvailablePoints int       `json:"available_points"`
	Bio             string    `json:"bio,omitempty"`
	Location        string    `json:"location,omitempty"`
	Revision        int64     `json:"revision"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IsAdmin reports whether the user holds the admin capability.
func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// Tier returns the band the user's score currently falls in.
func (u User) Tier() Tier { return TierFor(u.Score) }

// TierFor maps a civic score onto its display tier.
func TierFor(score int) Tier {
	switch {
	case score >= 800:
		return TierLeader
	case score >= 700:
		return TierExemplary
	case score >= 600:
		return TierModelCitizen
	case score >= 500:
		return TierActiveCitizen
	default:
		return TierNewcomer
	}
}
