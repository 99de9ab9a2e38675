// Package activity defines logged civic activities and their verification
// lifecycle.
package activity

import "time"

// Status is the verification lifecycle state of an activity.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
)

// Category classifies the kind of civic activity.
type Category string

const (
	CategoryCommunityService Category = "community_service"
	CategoryEnvironmental    Category = "environmental"
	CategoryEducation        Category = "education"
	CategoryHealth           Category = "health"
	CategoryGovernance       Category = "governance"
	CategoryInnovation       Category = "innovation"
)

// ValidCategory reports whether c is a known activity category.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryCommunityService, CategoryEnvironmental, CategoryEducation,
		CategoryHealth, CategoryGovernance, CategoryInnovation:
		return true
	}
	return false
}

// ValidVerdict reports whether s is a status an admin may assign during
// verification.
func ValidVerdict(s Status) bool {
	return s == StatusApproved || s == StatusRejected
}

// Activity is a verifiable civic activity logged by a member. The transition
// into StatusApproved is the only point where Points are credited to the
// owner's score, and it happens at most once per activity.
type Activity struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Category    Category  `json:"category"`
	Points      int       `json:"points"`
	Status      Status    `json:"status"`
	Location    string    `json:"location,omitempty"`
	Evidence    string    `json:"evidence,omitempty"`
	VerifiedBy  string    `json:"verified_by,omitempty"`
	VerifiedAt  time.Time `json:"verified_at,omitempty"`
	LedgerRef   string    `json:"ledger_ref,omitempty"`
	Revision    int64     `json:"revision"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Mutable reports whether the activity may still be edited or deleted by its
// owner. Approved activities are immutable history.
func (a Activity) Mutable() bool { return a.Status != StatusApproved }
