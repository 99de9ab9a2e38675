package user

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierFor(t *testing.T) {
	cases := []struct {
		score int
		want  Tier
	}{
		{0, TierNewcomer},
		{499, TierNewcomer},
		{500, TierActiveCitizen},
		{599, TierActiveCitizen},
		{600, TierModelCitizen},
		{700, TierExemplary},
		{799, TierExemplary},
		{800, TierLeader},
		{5000, TierLeader},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, TierFor(tc.score), "score %d", tc.score)
	}
}

func TestIsAdmin(t *testing.T) {
	assert.True(t, User{Role: RoleAdmin}.IsAdmin())
	assert.False(t, User{Role: RoleMember}.IsAdmin())
	assert.False(t, User{}.IsAdmin())
}
