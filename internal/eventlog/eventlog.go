package eventlog

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/avikram/transcriptd/internal/events"
	"github.com/avikram/transcriptd/internal/store"
)

// Logger records session lifecycle events to the audit trail.
type Logger struct {
	store  store.Store
	logger *log.Logger
}

// New creates a new event logger.
func New(s store.Store, logger *log.Logger) *Logger {
	return &Logger{store: s, logger: logger}
}

// Log writes an event to the audit trail synchronously.
func (l *Logger) Log(ctx context.Context, e events.Event) error {
	if l.store == nil || e.SessionID == "" {
		return nil // Silently skip if no store or session ID
	}
	return l.store.InsertSessionEvent(ctx, e.SessionID, string(e.Type), eventData(e))
}

// LogAsync logs an event without blocking the caller.
func (l *Logger) LogAsync(e events.Event) {
	if l.store == nil || e.SessionID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Log(ctx, e); err != nil {
			l.logger.Printf("eventlog: failed to record %s: %v", e.Type, err)
		}
	}()
}

// Run consumes a bus subscription until the channel closes, recording every
// event it sees. Meant to run in its own goroutine.
func (l *Logger) Run(ch <-chan events.Event) {
	for e := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := l.Log(ctx, e); err != nil {
			l.logger.Printf("eventlog: failed to record %s for session %s: %v", e.Type, e.SessionID, err)
		}
		cancel()
	}
}

func eventData(e events.Event) []byte {
	data := map[string]any{}
	if e.ChunkID != "" {
		data["chunk_id"] = e.ChunkID
		data["sequence_index"] = e.SequenceIndex
	}
	if e.Provider != "" {
		data["provider"] = e.Provider
	}
	if e.Detail != "" {
		data["detail"] = e.Detail
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return []byte("{}")
	}
	return payload
}
