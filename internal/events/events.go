package events

import (
	"log"
	"sync"
	"time"
)

// Type identifies a session lifecycle event.
type Type string

const (
	ChunkRegistered  Type = "chunk.registered"
	ChunkTranscribed Type = "chunk.transcribed"
	ChunkFailed      Type = "chunk.failed"
	FallbackEngaged  Type = "stt.fallback_engaged"
	SessionCompleted Type = "session.completed"
	SessionFailed    Type = "session.failed"
	SessionAbandoned Type = "session.abandoned"
)

// Event is one domain event. The registry and the pipeline publish them;
// the audit log and the notifier consume them.
type Event struct {
	Type          Type
	SessionID     string
	ChunkID       string
	SequenceIndex int
	Provider      string
	Detail        string
	At            time.Time
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber that falls behind loses events, so anything that needs every
// event must re-read authoritative state instead of trusting the stream.
type Bus struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
	logger *log.Logger
}

// NewBus creates an event bus.
func NewBus(logger *log.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers a subscriber with the given channel buffer. The
// channel closes when the bus closes.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers e to every subscriber without blocking. Events to a
// full subscriber are dropped and logged.
func (b *Bus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Printf("events: subscriber full, dropping %s for session %s", e.Type, e.SessionID)
		}
	}
}

// Close closes every subscriber channel. Further publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
