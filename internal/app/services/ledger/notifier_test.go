package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civic-chain/engagement/internal/app/domain/ledger"
)

func TestHTTPNotifier(t *testing.T) {
	var received ledger.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		json.NewEncoder(w).Encode(map[string]string{"reference": "ref-123"})
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, "", time.Second)
	ref, err := n.Notify(context.Background(), ledger.Event{
		Type:     ledger.TypeActivityApproved,
		EntityID: "act-1",
		ActorID:  "admin-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ref-123", ref)
	assert.Equal(t, ledger.TypeActivityApproved, received.Type)
	assert.Equal(t, "act-1", received.EntityID)
}

func TestHTTPNotifierSendsAPIKey(t *testing.T) {
	var authHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]string{"reference": "ref-456"})
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, "sekrit", time.Second)
	_, err := n.Notify(context.Background(), ledger.Event{Type: ledger.TypeProposalVote})
	require.NoError(t, err)
	assert.Equal(t, "Bearer sekrit", authHeader)
}

func TestHTTPNotifierServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, "", time.Second)
	_, err := n.Notify(context.Background(), ledger.Event{Type: ledger.TypeProposalVote})
	assert.Error(t, err)
}

func TestHTTPNotifierMissingReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(srv.URL, "", time.Second)
	ref, err := n.Notify(context.Background(), ledger.Event{Type: ledger.TypeRewardClaimed})
	require.NoError(t, err)
	assert.NotEmpty(t, ref, "a local reference is generated when the ledger returns none")
}

type captureNotifier struct {
	mu     sync.Mutex
	events []ledger.Event
	err    error
}

func (c *captureNotifier) Notify(ctx context.Context, evt ledger.Event) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	if c.err != nil {
		return "", c.err
	}
	return "cap-ref", nil
}

func TestDispatcherInvokesCallback(t *testing.T) {
	cap := &captureNotifier{}
	d := NewDispatcher(cap, nil)

	got := make(chan string, 1)
	d.Dispatch(ledger.Event{Type: ledger.TypeProposalResolved, EntityID: "prop-1"},
		func(ctx context.Context, ref string) error {
			got <- ref
			return nil
		})

	select {
	case ref := <-got:
		assert.Equal(t, "cap-ref", ref)
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked")
	}

	cap.mu.Lock()
	defer cap.mu.Unlock()
	require.Len(t, cap.events, 1)
	assert.False(t, cap.events[0].Timestamp.IsZero(), "dispatch stamps missing timestamps")
}

func TestDispatcherSwallowsFailures(t *testing.T) {
	cap := &captureNotifier{err: assert.AnError}
	d := NewDispatcher(cap, nil)

	called := make(chan struct{}, 1)
	d.Dispatch(ledger.Event{Type: ledger.TypeProposalVote}, func(ctx context.Context, ref string) error {
		called <- struct{}{}
		return nil
	})

	select {
	case <-called:
		t.Fatal("callback must not run when delivery fails")
	case <-time.After(200 * time.Millisecond):
	}
}
