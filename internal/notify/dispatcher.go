// Package notify delivers lifecycle events to external sinks. Delivery is
// strictly fire-and-forget: a failed dispatch is logged and never affects
// the transition that produced it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/retentiond/internal/logfields"
)

// Event types dispatched by the coordinator and triggers.
const (
	EventTransitionApplied  = "transition_applied"
	EventTransitionFailed   = "transition_failed"
	EventEmergencyEntered   = "emergency_entered"
	EventEmergencyRecovered = "emergency_recovered"
	EventReviewFlagged      = "review_flagged"
)

// Event is the notification payload.
type Event struct {
	Type      string    `json:"type"`
	BackupID  string    `json:"backup_id,omitempty"`
	FromState string    `json:"from_state,omitempty"`
	ToState   string    `json:"to_state,omitempty"`
	Trigger   string    `json:"trigger,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// Dispatcher delivers events best-effort.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event)
}

// NoopDispatcher swallows everything (default when notifications are not
// configured).
type NoopDispatcher struct{}

func (NoopDispatcher) Dispatch(context.Context, Event) {}

// MultiDispatcher fans out to several sinks.
type MultiDispatcher []Dispatcher

func (m MultiDispatcher) Dispatch(ctx context.Context, ev Event) {
	for _, d := range m {
		d.Dispatch(ctx, ev)
	}
}

const dispatchTimeout = 2 * time.Second

// WebhookDispatcher POSTs events as JSON to a configured URL.
type WebhookDispatcher struct {
	url    string
	client *http.Client
}

// NewWebhookDispatcher creates a webhook sink for the given URL.
func NewWebhookDispatcher(url string) *WebhookDispatcher {
	return &WebhookDispatcher{
		url:    url,
		client: &http.Client{Timeout: dispatchTimeout},
	}
}

func (w *WebhookDispatcher) Dispatch(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to marshal notification", logfields.Error(err))
		return
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dispatchCtx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		slog.Warn("Failed to build notification request", logfields.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		slog.Warn("Webhook notification failed", logfields.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		slog.Warn("Webhook notification rejected", slog.Int("status", resp.StatusCode))
	}
}

// NATSDispatcher publishes events to a NATS subject.
type NATSDispatcher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSDispatcher connects to NATS and returns a dispatcher publishing to
// the given subject.
func NewNATSDispatcher(url, subject string) (*NATSDispatcher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	slog.Info("NATS dispatcher initialized", slog.String("url", url), slog.String("subject", subject))
	return &NATSDispatcher{conn: conn, subject: subject}, nil
}

func (n *NATSDispatcher) Dispatch(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to marshal notification", logfields.Error(err))
		return
	}
	if err := n.conn.Publish(n.subject, body); err != nil {
		slog.Warn("NATS notification failed", logfields.Error(err))
	}
}

// Close drains the underlying connection.
func (n *NATSDispatcher) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}
