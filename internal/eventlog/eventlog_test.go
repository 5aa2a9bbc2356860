package eventlog

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/avikram/transcriptd/internal/events"
	"github.com/avikram/transcriptd/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "eventlog.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestLogWritesAuditRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}

	l := New(s, testLogger())
	err := l.Log(ctx, events.Event{
		Type:          events.ChunkRegistered,
		SessionID:     "sess-1",
		ChunkID:       "chunk-1",
		SequenceIndex: 2,
	})
	if err != nil {
		t.Fatalf("Log failed: %v", err)
	}

	rows, err := s.SessionEvents(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("SessionEvents failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d events, want 1", len(rows))
	}
	if rows[0].EventType != "chunk.registered" {
		t.Errorf("event type = %q, want %q", rows[0].EventType, "chunk.registered")
	}

	var data map[string]any
	if err := json.Unmarshal(rows[0].EventData, &data); err != nil {
		t.Fatalf("event data is not JSON: %v", err)
	}
	if data["chunk_id"] != "chunk-1" {
		t.Errorf("chunk_id = %v, want chunk-1", data["chunk_id"])
	}
	if data["sequence_index"] != float64(2) {
		t.Errorf("sequence_index = %v, want 2", data["sequence_index"])
	}
}

func TestRunConsumesUntilClosed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.EnsureSession(ctx, "sess-1"); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}

	bus := events.NewBus(testLogger())
	l := New(s, testLogger())

	done := make(chan struct{})
	ch := bus.Subscribe(8)
	go func() {
		l.Run(ch)
		close(done)
	}()

	bus.Publish(events.Event{Type: events.ChunkRegistered, SessionID: "sess-1", ChunkID: "chunk-1"})
	bus.Publish(events.Event{Type: events.SessionCompleted, SessionID: "sess-1"})
	bus.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after bus close")
	}

	rows, err := s.SessionEvents(ctx, "sess-1", 10)
	if err != nil {
		t.Fatalf("SessionEvents failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d events, want 2", len(rows))
	}
	if rows[0].EventType != "chunk.registered" || rows[1].EventType != "session.completed" {
		t.Errorf("event order = [%s %s], want publish order", rows[0].EventType, rows[1].EventType)
	}
}

func TestLogSkipsWithoutStore(t *testing.T) {
	l := New(nil, testLogger())

	err := l.Log(context.Background(), events.Event{Type: events.ChunkRegistered, SessionID: "sess-1"})
	if err != nil {
		t.Errorf("Log with nil store should return nil, got %v", err)
	}

	// Must not panic.
	l.LogAsync(events.Event{Type: events.ChunkRegistered})
}
