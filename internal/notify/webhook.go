package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/avikram/transcriptd/internal/events"
)

// Webhook posts session lifecycle notifications to a configured HTTP
// endpoint. If the URL is empty, notifications are silently skipped.
type Webhook struct {
	url    string
	logger *log.Logger
	client *http.Client
}

// NewWebhook creates a new webhook notifier.
func NewWebhook(url string, logger *log.Logger) *Webhook {
	return &Webhook{
		url:    url,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled returns true if the webhook is configured.
func (n *Webhook) Enabled() bool {
	return n.url != ""
}

// webhookMessage is the payload delivered to the endpoint.
type webhookMessage struct {
	Event         string `json:"event"`
	SessionID     string `json:"session_id"`
	ChunkID       string `json:"chunk_id,omitempty"`
	SequenceIndex *int   `json:"sequence_index,omitempty"`
	Detail        string `json:"detail,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// Run consumes a bus subscription until the channel closes, notifying on
// the externally interesting lifecycle events.
func (n *Webhook) Run(ch <-chan events.Event) {
	for e := range ch {
		switch e.Type {
		case events.SessionCompleted, events.SessionFailed, events.SessionAbandoned, events.ChunkFailed:
			n.Notify(context.Background(), e)
		}
	}
}

// Notify posts one event to the webhook asynchronously.
// Errors are logged but don't affect caller.
func (n *Webhook) Notify(ctx context.Context, e events.Event) {
	if !n.Enabled() {
		return
	}

	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	msg := webhookMessage{
		Event:     string(e.Type),
		SessionID: e.SessionID,
		Detail:    e.Detail,
		Timestamp: at.UTC().Format(time.RFC3339),
	}
	if e.ChunkID != "" {
		msg.ChunkID = e.ChunkID
		seq := e.SequenceIndex
		msg.SequenceIndex = &seq
	}

	go func() {
		body, err := json.Marshal(msg)
		if err != nil {
			n.logger.Printf("notify: failed to marshal message: %v", err)
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", n.url, bytes.NewReader(body))
		if err != nil {
			n.logger.Printf("notify: failed to create request: %v", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			n.logger.Printf("notify: failed to send webhook: %v", err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 {
			n.logger.Printf("notify: webhook returned status %d", resp.StatusCode)
		}
	}()
}
