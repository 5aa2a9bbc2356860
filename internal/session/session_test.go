package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/avikram/transcriptd/internal/costs"
	"github.com/avikram/transcriptd/internal/events"
	"github.com/avikram/transcriptd/internal/stitch"
	"github.com/avikram/transcriptd/internal/store"
	"github.com/avikram/transcriptd/internal/stt"
)

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestManager(t *testing.T, bus *events.Bus) (*Manager, store.Store) {
	t.Helper()

	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewManager(s, bus, stitch.New(0), testLogger()), s
}

// transcribe claims the chunk and records a single-segment result covering
// the whole chunk.
func transcribe(t *testing.T, m *Manager, chunkID, text string) {
	t.Helper()

	ctx := context.Background()
	if _, err := m.ClaimChunk(ctx, chunkID); err != nil {
		t.Fatalf("ClaimChunk(%s) failed: %v", chunkID, err)
	}
	chunk, err := m.store.GetChunk(ctx, chunkID)
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}
	res := stt.Result{
		Text:     text,
		Provider: "whisper",
		Segments: []stt.Segment{
			{Start: 0, End: chunk.DurationSeconds, Text: text, Confidence: 0.95},
		},
	}
	if err := m.RecordTranscription(ctx, chunkID, res); err != nil {
		t.Fatalf("RecordTranscription(%s) failed: %v", chunkID, err)
	}
}

func TestRegisterChunkIdempotent(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	first, err := m.RegisterChunk(ctx, "sess-1", 0, 0, 30)
	if err != nil {
		t.Fatalf("RegisterChunk failed: %v", err)
	}

	again, err := m.RegisterChunk(ctx, "sess-1", 0, 0, 30)
	if err != nil {
		t.Fatalf("identical re-registration failed: %v", err)
	}
	if again.ID != first.ID {
		t.Errorf("re-registration returned chunk %s, want existing %s", again.ID, first.ID)
	}

	// A duration off by far less than the comparison tolerance still counts
	// as the same registration.
	near, err := m.RegisterChunk(ctx, "sess-1", 0, 0, 30.0000000000001)
	if err != nil {
		t.Fatalf("near-identical re-registration failed: %v", err)
	}
	if near.ID != first.ID {
		t.Errorf("near-identical re-registration returned chunk %s, want existing %s", near.ID, first.ID)
	}

	_, err = m.RegisterChunk(ctx, "sess-1", 0, 0, 31)
	if !errors.Is(err, store.ErrDuplicateSequence) {
		t.Errorf("conflicting re-registration error = %v, want ErrDuplicateSequence", err)
	}

	chunks, err := m.Chunks(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Chunks failed: %v", err)
	}
	if len(chunks) != 1 {
		t.Errorf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].DurationSeconds != 30 {
		t.Errorf("original duration overwritten: got %g, want 30", chunks[0].DurationSeconds)
	}
}

func TestRegisterChunkValidation(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	cases := []struct {
		name      string
		sessionID string
		seq       int
		overlap   float64
		duration  float64
	}{
		{"empty session id", "", 0, 0, 30},
		{"negative sequence", "sess-1", -1, 0, 30},
		{"zero duration", "sess-1", 0, 0, 0},
		{"negative overlap", "sess-1", 0, -1, 30},
	}
	for _, tc := range cases {
		if _, err := m.RegisterChunk(ctx, tc.sessionID, tc.seq, tc.overlap, tc.duration); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestGapDetection(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	for _, seq := range []int{0, 1, 3, 4} {
		if _, err := m.RegisterChunk(ctx, "sess-1", seq, 2, 30); err != nil {
			t.Fatalf("RegisterChunk(%d) failed: %v", seq, err)
		}
	}

	gaps, err := m.Gaps(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Gaps failed: %v", err)
	}
	if len(gaps) != 1 || gaps[0] != 2 {
		t.Errorf("gaps = %v, want [2]", gaps)
	}

	sum, err := m.Summary(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if len(sum.Gaps) != 1 || sum.Gaps[0] != 2 {
		t.Errorf("summary gaps = %v, want [2]", sum.Gaps)
	}
	if sum.UploadedChunks != 4 {
		t.Errorf("uploaded chunks = %d, want 4", sum.UploadedChunks)
	}

	gaps, err = m.Gaps(ctx, "never-seen")
	if err != nil {
		t.Fatalf("Gaps on unknown session failed: %v", err)
	}
	if len(gaps) != 0 {
		t.Errorf("unknown session gaps = %v, want none", gaps)
	}
}

func TestGapBlocksCompletion(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	// Chunks 0, 1, 3, 4 arrive; the client claims four chunks in total.
	// The count matches but index 2 is missing, so the session must not
	// complete.
	for _, seq := range []int{0, 1, 3, 4} {
		chunk, err := m.RegisterChunk(ctx, "sess-1", seq, 2, 30)
		if err != nil {
			t.Fatalf("RegisterChunk(%d) failed: %v", seq, err)
		}
		transcribe(t, m, chunk.ID, fmt.Sprintf("chunk %d", seq))
	}
	if err := m.SignalTotalChunks(ctx, "sess-1", 4); err != nil {
		t.Fatalf("SignalTotalChunks failed: %v", err)
	}

	done, err := m.CheckCompletion(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CheckCompletion failed: %v", err)
	}
	if done {
		t.Fatal("session completed despite missing sequence index 2")
	}
	sess, err := m.store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != store.SessionActive {
		t.Errorf("session status = %s, want active", sess.Status)
	}

	// The missing chunk shows up late and the client corrects the total.
	chunk, err := m.RegisterChunk(ctx, "sess-1", 2, 2, 30)
	if err != nil {
		t.Fatalf("RegisterChunk(2) failed: %v", err)
	}
	transcribe(t, m, chunk.ID, "chunk 2")
	if err := m.SignalTotalChunks(ctx, "sess-1", 5); err != nil {
		t.Fatalf("SignalTotalChunks failed: %v", err)
	}

	sess, err = m.store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != store.SessionCompleted {
		t.Errorf("session status = %s, want completed", sess.Status)
	}
	if sess.CompletedAt == nil {
		t.Error("CompletedAt not set on completion")
	}
}

func TestCompletionOnLastTranscription(t *testing.T) {
	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe(32)

	m, _ := newTestManager(t, bus)
	ctx := context.Background()

	if err := m.SignalTotalChunks(ctx, "sess-1", 2); err != nil {
		t.Fatalf("SignalTotalChunks failed: %v", err)
	}
	for seq := 0; seq < 2; seq++ {
		chunk, err := m.RegisterChunk(ctx, "sess-1", seq, 2, 30)
		if err != nil {
			t.Fatalf("RegisterChunk(%d) failed: %v", seq, err)
		}
		transcribe(t, m, chunk.ID, fmt.Sprintf("chunk %d", seq))
	}

	sess, err := m.store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != store.SessionCompleted {
		t.Fatalf("session status = %s, want completed", sess.Status)
	}

	seen := map[events.Type]int{}
	deadline := time.After(2 * time.Second)
	for seen[events.SessionCompleted] == 0 {
		select {
		case e := <-sub:
			seen[e.Type]++
		case <-deadline:
			t.Fatalf("no session.completed event, saw %v", seen)
		}
	}
	if seen[events.ChunkRegistered] != 2 {
		t.Errorf("chunk.registered events = %d, want 2", seen[events.ChunkRegistered])
	}
	if seen[events.ChunkTranscribed] != 2 {
		t.Errorf("chunk.transcribed events = %d, want 2", seen[events.ChunkTranscribed])
	}
}

func TestFallbackEventPublished(t *testing.T) {
	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe(16)

	m, _ := newTestManager(t, bus)
	ctx := context.Background()

	chunk, err := m.RegisterChunk(ctx, "sess-1", 0, 0, 30)
	if err != nil {
		t.Fatalf("RegisterChunk failed: %v", err)
	}
	if _, err := m.ClaimChunk(ctx, chunk.ID); err != nil {
		t.Fatalf("ClaimChunk failed: %v", err)
	}
	res := stt.Result{
		Text:         "hello",
		Provider:     "assemblyai",
		FallbackUsed: true,
		Segments:     []stt.Segment{{Start: 0, End: 30, Text: "hello", Confidence: 0.9}},
	}
	if err := m.RecordTranscription(ctx, chunk.ID, res); err != nil {
		t.Fatalf("RecordTranscription failed: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub:
			if e.Type == events.FallbackEngaged {
				if e.Provider != "assemblyai" {
					t.Errorf("fallback event provider = %q, want assemblyai", e.Provider)
				}
				return
			}
		case <-deadline:
			t.Fatal("no stt.fallback_engaged event")
		}
	}
}

func TestCostEstimate(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	first, err := m.RegisterChunk(ctx, "sess-1", 0, 0, 300)
	if err != nil {
		t.Fatalf("RegisterChunk failed: %v", err)
	}
	second, err := m.RegisterChunk(ctx, "sess-1", 1, 0, 300)
	if err != nil {
		t.Fatalf("RegisterChunk failed: %v", err)
	}
	// Registered but never transcribed; must not be priced.
	if _, err := m.RegisterChunk(ctx, "sess-1", 2, 0, 300); err != nil {
		t.Fatalf("RegisterChunk failed: %v", err)
	}

	transcribe(t, m, first.ID, "hello")

	if _, err := m.ClaimChunk(ctx, second.ID); err != nil {
		t.Fatalf("ClaimChunk failed: %v", err)
	}
	res := stt.Result{
		Text:         "world",
		Provider:     "assemblyai",
		FallbackUsed: true,
		Segments:     []stt.Segment{{Start: 0, End: 300, Text: "world", Confidence: 0.8}},
	}
	if err := m.RecordTranscription(ctx, second.ID, res); err != nil {
		t.Fatalf("RecordTranscription failed: %v", err)
	}

	est, err := m.CostEstimate(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CostEstimate failed: %v", err)
	}
	// Whisper saw both transcribed chunks: 10 min * 0.6 = 6 cents. AssemblyAI
	// saw the fallback chunk: 5 min * 0.62 = 3.1 -> 3 cents.
	want := costs.Estimate{WhisperCents: 6, AssemblyAICents: 3, TotalCents: 9}
	if est != want {
		t.Errorf("CostEstimate = %+v, want %+v", est, want)
	}
}

func TestClaimChunk(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	chunk, err := m.RegisterChunk(ctx, "sess-1", 0, 0, 30)
	if err != nil {
		t.Fatalf("RegisterChunk failed: %v", err)
	}

	claimed, err := m.ClaimChunk(ctx, chunk.ID)
	if err != nil {
		t.Fatalf("ClaimChunk failed: %v", err)
	}
	if claimed.TranscriptionStatus != store.TranscriptionProcessing {
		t.Errorf("claimed status = %s, want processing", claimed.TranscriptionStatus)
	}

	if _, err := m.ClaimChunk(ctx, chunk.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Errorf("second claim error = %v, want ErrInvalidTransition", err)
	}
}

func TestFailChunkFailsSession(t *testing.T) {
	bus := events.NewBus(testLogger())
	defer bus.Close()
	sub := bus.Subscribe(16)

	m, _ := newTestManager(t, bus)
	ctx := context.Background()

	chunk, err := m.RegisterChunk(ctx, "sess-1", 0, 0, 30)
	if err != nil {
		t.Fatalf("RegisterChunk failed: %v", err)
	}
	if _, err := m.ClaimChunk(ctx, chunk.ID); err != nil {
		t.Fatalf("ClaimChunk failed: %v", err)
	}
	if err := m.FailChunk(ctx, chunk.ID, "all providers unavailable"); err != nil {
		t.Fatalf("FailChunk failed: %v", err)
	}

	got, err := m.store.GetChunk(ctx, chunk.ID)
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}
	if got.TranscriptionStatus != store.TranscriptionFailed {
		t.Errorf("chunk status = %s, want failed", got.TranscriptionStatus)
	}
	sess, err := m.store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if sess.Status != store.SessionFailed {
		t.Errorf("session status = %s, want failed", sess.Status)
	}

	seen := map[events.Type]bool{}
	deadline := time.After(2 * time.Second)
	for !seen[events.ChunkFailed] || !seen[events.SessionFailed] {
		select {
		case e := <-sub:
			seen[e.Type] = true
		case <-deadline:
			t.Fatalf("missing failure events, saw %v", seen)
		}
	}

	if _, err := m.RegisterChunk(ctx, "sess-1", 1, 2, 30); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("register on failed session error = %v, want ErrSessionNotActive", err)
	}
}

func TestTranscriptDeduplicatesOverlap(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	chunk0, err := m.RegisterChunk(ctx, "sess-1", 0, 0, 30)
	if err != nil {
		t.Fatalf("RegisterChunk(0) failed: %v", err)
	}
	if _, err := m.ClaimChunk(ctx, chunk0.ID); err != nil {
		t.Fatalf("ClaimChunk failed: %v", err)
	}
	err = m.RecordTranscription(ctx, chunk0.ID, stt.Result{
		Provider: "whisper",
		Segments: []stt.Segment{
			{Start: 0, End: 5, Text: "hello world", Confidence: 0.97},
			{Start: 27, End: 29.5, Text: "see you tomorrow", Confidence: 0.95},
		},
	})
	if err != nil {
		t.Fatalf("RecordTranscription(0) failed: %v", err)
	}

	// Prime the cache so the second chunk exercises the append path.
	if _, err := m.Transcript(ctx, "sess-1"); err != nil {
		t.Fatalf("Transcript failed: %v", err)
	}

	chunk1, err := m.RegisterChunk(ctx, "sess-1", 1, 2.5, 30)
	if err != nil {
		t.Fatalf("RegisterChunk(1) failed: %v", err)
	}
	if _, err := m.ClaimChunk(ctx, chunk1.ID); err != nil {
		t.Fatalf("ClaimChunk failed: %v", err)
	}
	err = m.RecordTranscription(ctx, chunk1.ID, stt.Result{
		Provider: "whisper",
		Segments: []stt.Segment{
			{Start: 0, End: 2.5, Text: " See You Tomorrow ", Confidence: 0.9},
			{Start: 2.5, End: 6, Text: "next item", Confidence: 0.93},
		},
	})
	if err != nil {
		t.Fatalf("RecordTranscription(1) failed: %v", err)
	}

	tr, err := m.Transcript(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Transcript failed: %v", err)
	}
	if len(tr.Segments) != 3 {
		t.Fatalf("got %d segments, want 3 (overlap duplicate dropped): %+v", len(tr.Segments), tr.Segments)
	}
	if got, want := tr.Text(), "hello world see you tomorrow next item"; got != want {
		t.Errorf("transcript text = %q, want %q", got, want)
	}

	// Chunk 1 starts at 30 - 2.5 = 27.5 on the session timeline.
	last := tr.Segments[2]
	if last.Start != 30 || last.End != 33.5 {
		t.Errorf("last segment spans [%g, %g], want [30, 33.5]", last.Start, last.End)
	}
}

func TestTranscriptEmptySession(t *testing.T) {
	m, _ := newTestManager(t, nil)

	tr, err := m.Transcript(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Transcript failed: %v", err)
	}
	if len(tr.Segments) != 0 {
		t.Errorf("got %d segments, want 0", len(tr.Segments))
	}
	if tr.Text() != "" {
		t.Errorf("text = %q, want empty", tr.Text())
	}
}

func TestAbandon(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	chunk, err := m.RegisterChunk(ctx, "sess-1", 0, 0, 30)
	if err != nil {
		t.Fatalf("RegisterChunk failed: %v", err)
	}
	if err := m.Abandon(ctx, "sess-1"); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	if err := m.Abandon(ctx, "sess-1"); err != nil {
		t.Errorf("second Abandon failed: %v", err)
	}

	done, err := m.CheckCompletion(ctx, "sess-1")
	if err != nil {
		t.Fatalf("CheckCompletion failed: %v", err)
	}
	if done {
		t.Error("abandoned session reported complete")
	}

	if _, err := m.RegisterChunk(ctx, "sess-1", 1, 2, 30); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("register after abandon error = %v, want ErrSessionNotActive", err)
	}
	if _, err := m.ClaimChunk(ctx, chunk.ID); !errors.Is(err, ErrSessionNotActive) {
		t.Errorf("claim after abandon error = %v, want ErrSessionNotActive", err)
	}

	if err := m.Abandon(ctx, "never-seen"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("abandon unknown session error = %v, want ErrNotFound", err)
	}
}

func TestConcurrentRegistration(t *testing.T) {
	m, _ := newTestManager(t, nil)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for seq := 0; seq < n; seq++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			if _, err := m.RegisterChunk(ctx, "sess-1", seq, 2, 30); err != nil {
				errs <- fmt.Errorf("seq %d: %w", seq, err)
			}
		}(seq)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("RegisterChunk failed: %v", err)
	}

	chunks, err := m.Chunks(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Chunks failed: %v", err)
	}
	if len(chunks) != n {
		t.Errorf("got %d chunks, want %d", len(chunks), n)
	}
	gaps, err := m.Gaps(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Gaps failed: %v", err)
	}
	if len(gaps) != 0 {
		t.Errorf("gaps = %v, want none", gaps)
	}
}
