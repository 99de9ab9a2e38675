package postgres

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/civic-chain/engagement/internal/app/domain/proposal"
	"github.com/civic-chain/engagement/internal/app/domain/user"
	"github.com/civic-chain/engagement/internal/app/storage"
)

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := New(db)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, user.User{DisplayName: "alice", Email: "alice@example.org", Role: user.RoleMember})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	p, err := store.CreateProposal(ctx, proposal.Proposal{
		Title:          "park cleanup",
		Category:       proposal.CategoryCommunityImprovement,
		ProposerID:     u.ID,
		Status:         proposal.StatusActive,
		VotingDeadline: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create proposal: %v", err)
	}

	p.ApplyVote(u.ID, proposal.ChoiceFor, 2, time.Now())
	updated, err := store.UpdateProposal(ctx, p)
	if err != nil {
		t.Fatalf("update proposal: %v", err)
	}
	if updated.Tally.For != 2 || len(updated.Voters) != 1 {
		t.Fatalf("unexpected aggregate after vote: %+v", updated.Tally)
	}

	// Re-submitting the stale revision must be rejected.
	if _, err := store.UpdateProposal(ctx, p); !errors.Is(err, storage.ErrRevisionConflict) {
		t.Fatalf("expected revision conflict, got %v", err)
	}
}
