package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-chain/engagement/internal/app/domain/user"
	"github.com/civic-chain/engagement/internal/app/errs"
	"github.com/civic-chain/engagement/internal/app/storage/memory"
)

func newService(t *testing.T) *Service {
	t.Helper()
	return New(memory.New(), nil)
}

func register(t *testing.T, svc *Service, email string) user.User {
	t.Helper()
	u, err := svc.Register(context.Background(), RegisterInput{
		DisplayName: "Test User",
		Email:       email,
		Password:    "correct horse",
	})
	require.NoError(t, err)
	return u
}

func TestRegisterAndAuthenticate(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	u := register(t, svc, "alice@example.com")
	assert.Equal(t, user.RoleMember, u.Role)
	assert.Equal(t, 0, u.Score)
	assert.Equal(t, 0, u.AvailablePoints)
	assert.NotEqual(t, "correct horse", u.PasswordHash)

	got, err := svc.Authenticate(ctx, "Alice@Example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = svc.Authenticate(ctx, "alice@example.com", "wrong")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	_, err = svc.Authenticate(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
}

func TestRegisterValidation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, RegisterInput{DisplayName: "X", Email: "not-an-email", Password: "long enough"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = svc.Register(ctx, RegisterInput{DisplayName: "X", Email: "x@example.com", Password: "short"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	register(t, svc, "dup@example.com")
	_, err = svc.Register(ctx, RegisterInput{DisplayName: "Y", Email: "DUP@example.com", Password: "long enough"})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestAdjustPoints(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	u := register(t, svc, "points@example.com")

	require.NoError(t, svc.AdjustPoints(ctx, u.ID, 100))

	err := svc.AdjustPoints(ctx, u.ID, -150)
	assert.ErrorIs(t, err, errs.ErrInsufficientBalance)

	got, err := svc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.AvailablePoints, "failed debit must not change the balance")

	require.NoError(t, svc.AdjustPoints(ctx, u.ID, -100))
	got, err = svc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.AvailablePoints)
}

func TestAdjustScoreFloorsAtZero(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	u := register(t, svc, "score@example.com")

	require.NoError(t, svc.AdjustScore(ctx, u.ID, 50))
	require.NoError(t, svc.AdjustScore(ctx, u.ID, -80))

	got, err := svc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Score)
}

func TestConcurrentAdjustPoints(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	u := register(t, svc, "race@example.com")

	const workers = 4
	done := make(chan error, workers)
	for i := 0; i < workers; i++ {
		go func() {
			done <- svc.AdjustPoints(ctx, u.ID, 10)
		}()
	}
	for i := 0; i < workers; i++ {
		require.NoError(t, <-done)
	}

	got, err := svc.Get(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, workers*10, got.AvailablePoints)
}

func TestUpdateProfileAuthorization(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	owner := register(t, svc, "owner@example.com")
	other := register(t, svc, "other@example.com")

	bio := "community organizer"
	_, err := svc.UpdateProfile(ctx, other, owner.ID, ProfileUpdate{Bio: &bio})
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	got, err := svc.UpdateProfile(ctx, owner, owner.ID, ProfileUpdate{Bio: &bio})
	require.NoError(t, err)
	assert.Equal(t, bio, got.Bio)

	admin := register(t, svc, "admin@example.com")
	admin.Role = user.RoleAdmin
	loc := "Springfield"
	got, err = svc.UpdateProfile(ctx, admin, owner.ID, ProfileUpdate{Location: &loc})
	require.NoError(t, err)
	assert.Equal(t, loc, got.Location)
}

func TestMakeAdmin(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	member := register(t, svc, "member@example.com")
	target := register(t, svc, "target@example.com")

	_, err := svc.MakeAdmin(ctx, member, target.ID)
	assert.ErrorIs(t, err, errs.ErrUnauthorized)

	admin := register(t, svc, "root@example.com")
	admin.Role = user.RoleAdmin
	got, err := svc.MakeAdmin(ctx, admin, target.ID)
	require.NoError(t, err)
	assert.True(t, got.IsAdmin())
}
