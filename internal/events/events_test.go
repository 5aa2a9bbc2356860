package events

import (
	"io"
	"log"
	"testing"
	"time"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestBusFanOut(t *testing.T) {
	b := NewBus(testLogger())
	first := b.Subscribe(4)
	second := b.Subscribe(4)

	b.Publish(Event{Type: ChunkRegistered, SessionID: "sess-1", SequenceIndex: 3})

	for _, ch := range []<-chan Event{first, second} {
		select {
		case e := <-ch:
			if e.Type != ChunkRegistered || e.SessionID != "sess-1" || e.SequenceIndex != 3 {
				t.Errorf("received %+v, want chunk.registered for sess-1 seq 3", e)
			}
			if e.At.IsZero() {
				t.Error("publish should stamp the event time")
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestBusDropsWhenSubscriberFull(t *testing.T) {
	b := NewBus(testLogger())
	ch := b.Subscribe(1)

	// The second publish must not block even though nobody is reading.
	b.Publish(Event{Type: ChunkRegistered, SessionID: "sess-1"})
	b.Publish(Event{Type: ChunkTranscribed, SessionID: "sess-1"})

	if got := len(ch); got != 1 {
		t.Errorf("buffered events = %d, want 1 (overflow dropped)", got)
	}
	if e := <-ch; e.Type != ChunkRegistered {
		t.Errorf("kept event = %s, want the first published", e.Type)
	}
}

func TestBusClose(t *testing.T) {
	b := NewBus(testLogger())
	ch := b.Subscribe(1)

	b.Close()

	if _, ok := <-ch; ok {
		t.Error("subscriber channel should be closed")
	}

	// Publishing and re-closing after Close are harmless.
	b.Publish(Event{Type: SessionCompleted, SessionID: "sess-1"})
	b.Close()

	// A late subscriber gets an already-closed channel.
	late := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("post-close subscription should yield a closed channel")
	}
}
