// Package ledger publishes engagement events to an external civic ledger.
// Delivery is best effort: the engines never block or fail on ledger errors.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/civic-chain/engagement/internal/app/domain/ledger"
	"github.com/civic-chain/engagement/internal/app/metrics"
	"github.com/civic-chain/engagement/pkg/logger"
)

// Notifier delivers a single event to the ledger and returns a ledger
// reference for it.
type Notifier interface {
	Notify(ctx context.Context, evt ledger.Event) (string, error)
}

// HTTPNotifier posts events as JSON to a ledger endpoint. An API key, when
// configured, is sent as a bearer token.
type HTTPNotifier struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPNotifier creates a notifier posting to the given endpoint. An empty
// apiKey sends unauthenticated requests.
func NewHTTPNotifier(endpoint, apiKey string, timeout time.Duration) *HTTPNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPNotifier{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
	}
}

type notifyResponse struct {
	Reference string `json:"reference"`
}

// Notify posts the event and returns the reference the ledger assigned. If
// the ledger does not return one, a local reference is generated.
func (n *HTTPNotifier) Notify(ctx context.Context, evt ledger.Event) (string, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("ledger returned status %d", resp.StatusCode)
	}

	var out notifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil || out.Reference == "" {
		return uuid.NewString(), nil
	}
	return out.Reference, nil
}

// NopNotifier acknowledges every event without delivering it anywhere. Used
// when no ledger endpoint is configured.
type NopNotifier struct{}

// Notify returns a locally generated reference.
func (NopNotifier) Notify(ctx context.Context, evt ledger.Event) (string, error) {
	return uuid.NewString(), nil
}

// Dispatcher sends events asynchronously. Failures are counted and logged,
// never returned to the caller.
type Dispatcher struct {
	notifier Notifier
	timeout  time.Duration
	log      *logger.Logger
}

// NewDispatcher wraps a notifier for fire-and-forget delivery. A nil notifier
// falls back to NopNotifier.
func NewDispatcher(n Notifier, log *logger.Logger) *Dispatcher {
	if n == nil {
		n = NopNotifier{}
	}
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Dispatcher{notifier: n, timeout: 15 * time.Second, log: log}
}

// Dispatch delivers evt in a background goroutine. When delivery succeeds and
// onRef is non-nil, it is invoked with the assigned ledger reference; onRef
// failures are logged and otherwise ignored.
func (d *Dispatcher) Dispatch(evt ledger.Event, onRef func(ctx context.Context, ref string) error) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		ref, err := d.notifier.Notify(ctx, evt)
		if err != nil {
			metrics.RecordLedgerFailure()
			d.log.WithError(err).WithField("event_type", evt.Type).Warn("ledger notification failed")
			return
		}
		if onRef != nil {
			if err := onRef(ctx, ref); err != nil {
				d.log.WithError(err).WithField("event_type", evt.Type).Warn("failed to record ledger reference")
			}
		}
	}()
}
