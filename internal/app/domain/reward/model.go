// Package reward defines catalog rewards and their claim records.
package reward

import "time"

// UnlimitedQuantity marks a reward with no claim cap.
const UnlimitedQuantity = -1

// Reward is a catalog item members spend points on. Claims maps a user ID to
// the time of their claim; entries are append-only, a user claims at most
// once.
type Reward struct {
	ID          string               `json:"id"`
	Title       string               `json:"title"`
	Description string               `json:"description,omitempty"`
	Category    string               `json:"category,omitempty"`
	PointsCost  int                  `json:"points_cost"`
	Quantity    int                  `json:"quantity"`
	Available   bool                 `json:"available"`
	Sponsor     string               `json:"sponsor,omitempty"`
	ImageURL    string               `json:"image_url,omitempty"`
	ExpiresAt   *time.Time           `json:"expires_at,omitempty"`
	Claims      map[string]time.Time `json:"claims"`
	LedgerRef   string               `json:"ledger_ref,omitempty"`
	Revision    int64                `json:"revision"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// ClaimedBy reports whether userID already holds a claim.
func (r Reward) ClaimedBy(userID string) bool {
	_, ok := r.Claims[userID]
	return ok
}

// QuantityExhausted reports whether a capped reward has no claims left.
func (r Reward) QuantityExhausted() bool {
	return r.Quantity != UnlimitedQuantity && len(r.Claims) >= r.Quantity
}

// Claimable reports whether a new claim would be admitted at now, ignoring
// the claimant's balance.
func (r Reward) Claimable(now time.Time) bool {
	if !r.Available {
		return false
	}
	if r.ExpiresAt != nil && now.After(*r.ExpiresAt) {
		return false
	}
	return !r.QuantityExhausted()
}

// Clone returns a deep copy safe to mutate without aliasing the claim map.
func (r Reward) Clone() Reward {
	if r.Claims != nil {
		claims := make(map[string]time.Time, len(r.Claims))
		for id, at := range r.Claims {
			claims[id] = at
		}
		r.Claims = claims
	}
	if r.ExpiresAt != nil {
		at := *r.ExpiresAt
		r.ExpiresAt = &at
	}
	return r
}
