package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/civic-chain/engagement/internal/app"
	"github.com/civic-chain/engagement/internal/app/domain/user"
	"github.com/civic-chain/engagement/internal/app/storage/memory"
)

type apiFixture struct {
	t       *testing.T
	srv     *httptest.Server
	store   *memory.Store
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := memory.New()
	application, err := app.New(app.Stores{
		Users:      store,
		Activities: store,
		Proposals:  store,
		Rewards:    store,
	}, app.Options{}, nil)
	require.NoError(t, err)

	auth := NewAuth([]byte("test-secret"), time.Hour, application.Users)
	handler, err := NewHandler(application, auth, Options{})
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &apiFixture{t: t, srv: srv, store: store, handler: handler}
}

func (f *apiFixture) do(method, path, token string, body any) (*http.Response, map[string]any) {
	f.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(f.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(f.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(f.t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// registerUser creates an account through the API and returns its token and
// user ID.
func (f *apiFixture) registerUser(email string) (token, id string) {
	f.t.Helper()
	resp, body := f.do(http.MethodPost, "/auth/register", "", map[string]any{
		"display_name": "Test User",
		"email":        email,
		"password":     "correct horse",
	})
	require.Equal(f.t, http.StatusCreated, resp.StatusCode)
	token = body["token"].(string)
	id = body["user"].(map[string]any)["id"].(string)
	return token, id
}

// registerAdmin creates an account and flips its role directly in the store.
func (f *apiFixture) registerAdmin(email string) (token, id string) {
	f.t.Helper()
	_, id = f.registerUser(email)
	u, err := f.store.GetUser(context.Background(), id)
	require.NoError(f.t, err)
	u.Role = user.RoleAdmin
	_, err = f.store.UpdateUser(context.Background(), u)
	require.NoError(f.t, err)

	resp, body := f.do(http.MethodPost, "/auth/login", "", map[string]any{
		"email":    email,
		"password": "correct horse",
	})
	require.Equal(f.t, http.StatusOK, resp.StatusCode)
	return body["token"].(string), id
}

func TestAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(http.MethodGet, "/activities", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(http.MethodGet, "/activities", "not-a-token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRegisterLoginFlow(t *testing.T) {
	f := newAPIFixture(t)

	token, _ := f.registerUser("alice@example.com")
	resp, body := f.do(http.MethodGet, "/users", token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = body

	resp, _ = f.do(http.MethodPost, "/auth/login", "", map[string]any{
		"email":    "alice@example.com",
		"password": "wrong password",
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestActivityLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	ownerToken, ownerID := f.registerUser("owner@example.com")
	adminToken, _ := f.registerAdmin("admin@example.com")

	resp, created := f.do(http.MethodPost, "/activities", ownerToken, map[string]any{
		"title":    "Beach cleanup",
		"category": "environmental",
		"points":   30,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	activityID := created["id"].(string)
	assert.Equal(t, "pending", created["status"])

	// Members cannot verify.
	resp, _ = f.do(http.MethodPost, fmt.Sprintf("/activities/%s/verify", activityID), ownerToken, map[string]any{"verdict": "approved"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, verified := f.do(http.MethodPost, fmt.Sprintf("/activities/%s/verify", activityID), adminToken, map[string]any{"verdict": "approved"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "approved", verified["status"])

	resp, u := f.do(http.MethodGet, "/users/"+ownerID, ownerToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(30), u["score"])
	assert.Equal(t, float64(30), u["available_points"])
}

func TestProposalVotingOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	proposerToken, _ := f.registerUser("proposer@example.com")
	voterToken, _ := f.registerUser("voter@example.com")

	resp, created := f.do(http.MethodPost, "/proposals", proposerToken, map[string]any{
		"title":           "More bike lanes",
		"category":        "community_improvement",
		"voting_deadline": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	proposalID := created["id"].(string)

	resp, voted := f.do(http.MethodPost, fmt.Sprintf("/proposals/%s/votes", proposalID), voterToken, map[string]any{"choice": "for"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tally := voted["tally"].(map[string]any)
	assert.Equal(t, float64(1), tally["for"])

	// Recast moves the vote.
	resp, voted = f.do(http.MethodPost, fmt.Sprintf("/proposals/%s/votes", proposalID), voterToken, map[string]any{"choice": "against"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tally = voted["tally"].(map[string]any)
	assert.Equal(t, float64(0), tally["for"])
	assert.Equal(t, float64(1), tally["against"])

	resp, _ = f.do(http.MethodPost, fmt.Sprintf("/proposals/%s/votes", proposalID), voterToken, map[string]any{"choice": "maybe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRewardClaimOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	memberToken, memberID := f.registerUser("member@example.com")
	adminToken, _ := f.registerAdmin("admin@example.com")

	// Members cannot create rewards.
	resp, _ := f.do(http.MethodPost, "/rewards", memberToken, map[string]any{
		"title": "Tote bag", "points_cost": 20, "quantity": 5,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, created := f.do(http.MethodPost, "/rewards", adminToken, map[string]any{
		"title": "Tote bag", "points_cost": 20, "quantity": 5,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rewardID := created["id"].(string)

	// Claim without points fails with 402.
	resp, _ = f.do(http.MethodPost, fmt.Sprintf("/rewards/%s/claim", rewardID), memberToken, nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	// Fund the member through the store, then claim.
	u, err := f.store.GetUser(context.Background(), memberID)
	require.NoError(t, err)
	u.AvailablePoints = 50
	_, err = f.store.UpdateUser(context.Background(), u)
	require.NoError(t, err)

	resp, claimed := f.do(http.MethodPost, fmt.Sprintf("/rewards/%s/claim", rewardID), memberToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	claims := claimed["claims"].(map[string]any)
	assert.Contains(t, claims, memberID)
}

func TestUnknownFieldRejected(t *testing.T) {
	f := newAPIFixture(t)
	token, _ := f.registerUser("strict@example.com")

	resp, _ := f.do(http.MethodPost, "/activities", token, map[string]any{
		"title":    "x",
		"category": "health",
		"points":   5,
		"bogus":    true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLeaderboardEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	token, _ := f.registerUser("viewer@example.com")

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/leaderboard?limit=5", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var entries []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "Newcomer", entries[0]["tier"])
}
