package leaderboard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-chain/engagement/internal/app/domain/user"
	"github.com/civic-chain/engagement/internal/app/storage/memory"
)

func seedUsers(t *testing.T, store *memory.Store, scores map[string]int) map[string]string {
	t.Helper()
	ctx := context.Background()
	ids := make(map[string]string, len(scores))
	for name, score := range scores {
		u, err := store.CreateUser(ctx, user.User{
			DisplayName: name,
			Email:       name + "@example.com",
			Role:        user.RoleMember,
			Score:       score,
		})
		require.NoError(t, err)
		ids[name] = u.ID
	}
	return ids
}

func TestTopOrdersByScore(t *testing.T) {
	store := memory.New()
	seedUsers(t, store, map[string]int{"low": 100, "high": 850, "mid": 620})

	board := NewBoard(store, nil, time.Minute, nil)
	entries, err := board.Top(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "high", entries[0].DisplayName)
	assert.Equal(t, 1, entries[0].Rank)
	assert.Equal(t, user.TierLeader, entries[0].Tier)
	assert.Equal(t, "mid", entries[1].DisplayName)
	assert.Equal(t, "low", entries[2].DisplayName)
}

func TestTopLimit(t *testing.T) {
	store := memory.New()
	seedUsers(t, store, map[string]int{"a": 10, "b": 20, "c": 30})

	board := NewBoard(store, nil, time.Minute, nil)
	entries, err := board.Top(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCachedSnapshotServesStaleReads(t *testing.T) {
	store := memory.New()
	ids := seedUsers(t, store, map[string]int{"a": 10})

	board := NewBoard(store, nil, time.Minute, nil)
	ctx := context.Background()

	first, err := board.Top(ctx, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// A score change is not visible until the snapshot is refreshed.
	u, err := store.GetUser(ctx, ids["a"])
	require.NoError(t, err)
	u.Score = 999
	_, err = store.UpdateUser(ctx, u)
	require.NoError(t, err)

	cached, err := board.Top(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, cached[0].Score)

	fresh, err := board.Refresh(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 999, fresh[0].Score)
}

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.SetTop(ctx, []Entry{{UserID: "u1"}}, time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := c.GetTop(ctx, 10)
	require.NoError(t, err)
	assert.False(t, ok, "expired snapshots are treated as misses")
}
