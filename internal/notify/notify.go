// Package notify delivers lifecycle notifications to interested parties.
// Delivery is best effort; a failed notification never rolls back the state
// change that produced it.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

type Message struct {
	Type        string          `json:"type"`
	AgreementID string          `json:"agreement_id,omitempty"`
	EntityKind  string          `json:"entity_kind,omitempty"`
	EntityID    string          `json:"entity_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	At          string          `json:"at"`
}

type Notifier interface {
	Notify(ctx context.Context, msg Message)
}

// LogNotifier writes notifications to the process log. It is the default
// sink when no webhooks are configured.
type LogNotifier struct {
	Logger *log.Logger
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("notify: %s agreement=%s entity=%s/%s", msg.Type, msg.AgreementID, msg.EntityKind, msg.EntityID)
}

// WebhookNotifier posts each notification to a fixed URL. Failures are
// logged and dropped; durable delivery goes through the event log and the
// server-side webhook dispatcher instead.
type WebhookNotifier struct {
	URL    string
	Secret string
	HTTP   *http.Client
	Logger *log.Logger
}

func (n *WebhookNotifier) Notify(ctx context.Context, msg Message) {
	client := n.HTTP
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if n.Secret != "" {
		req.Header.Set("X-Pactline-Secret", n.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		n.logf("notify: webhook %s: %v", n.URL, err)
		return
	}
	res.Body.Close()
	if res.StatusCode >= 300 {
		n.logf("notify: webhook %s: status %d", n.URL, res.StatusCode)
	}
}

func (n *WebhookNotifier) logf(format string, args ...any) {
	logger := n.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf(format, args...)
}

// Multi fans a notification out to every sink.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, msg Message) {
	for _, n := range m {
		n.Notify(ctx, msg)
	}
}
