package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/avikram/transcriptd/internal/costs"
	"github.com/avikram/transcriptd/internal/events"
	"github.com/avikram/transcriptd/internal/stitch"
	"github.com/avikram/transcriptd/internal/store"
	"github.com/avikram/transcriptd/internal/stt"
)

// ErrSessionNotActive is returned when an operation requires an active
// session but the session has already completed, failed or been abandoned.
var ErrSessionNotActive = errors.New("session is not active")

// Summary is the operator-facing view of a session: the stored counters plus
// the sequence indices that are still missing.
type Summary struct {
	store.SessionSummary
	Gaps []int `json:"gaps,omitempty"`
}

// Manager is the authority over session state. Chunk registration, status
// changes and transcript assembly for one session are serialized behind a
// per-session lock; different sessions proceed independently. The database
// uniqueness constraint on (session_id, sequence_index) backs the lock up
// when several processes share one database.
type Manager struct {
	store    store.Store
	bus      *events.Bus
	stitcher *stitch.Stitcher
	logger   *log.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// sessionState is the in-process state for one session: its lock and the
// cached assembled transcript. The transcript cache is advisory; it is
// dropped whenever it can no longer be extended in place and rebuilt from
// stored segments on the next read.
type sessionState struct {
	mu         sync.Mutex
	transcript *stitch.Transcript
}

// NewManager creates a session manager. The bus may be nil, in which case no
// events are published.
func NewManager(s store.Store, bus *events.Bus, stitcher *stitch.Stitcher, logger *log.Logger) *Manager {
	if stitcher == nil {
		stitcher = stitch.New(0)
	}
	return &Manager{
		store:    s,
		bus:      bus,
		stitcher: stitcher,
		logger:   logger,
		sessions: make(map[string]*sessionState),
	}
}

func (m *Manager) state(sessionID string) *sessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		m.sessions[sessionID] = st
	}
	return st
}

func (m *Manager) publish(e events.Event) {
	if m.bus != nil {
		m.bus.Publish(e)
	}
}

// RegisterChunk records one uploaded chunk. The session row is created on
// first registration. Registering the same sequence index again with
// identical parameters returns the existing record; registering it with
// different parameters fails with store.ErrDuplicateSequence and leaves the
// original untouched.
func (m *Manager) RegisterChunk(ctx context.Context, sessionID string, sequenceIndex int, overlapSeconds, durationSeconds float64) (store.Chunk, error) {
	if sessionID == "" {
		return store.Chunk{}, fmt.Errorf("session id is required")
	}
	if sequenceIndex < 0 {
		return store.Chunk{}, fmt.Errorf("sequence index must not be negative, got %d", sequenceIndex)
	}
	if durationSeconds <= 0 {
		return store.Chunk{}, fmt.Errorf("duration must be positive, got %g", durationSeconds)
	}
	if overlapSeconds < 0 {
		return store.Chunk{}, fmt.Errorf("overlap must not be negative, got %g", overlapSeconds)
	}

	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, err := m.store.EnsureSession(ctx, sessionID)
	if err != nil {
		return store.Chunk{}, fmt.Errorf("failed to ensure session: %w", err)
	}
	if sess.Status != store.SessionActive {
		return store.Chunk{}, fmt.Errorf("session %s is %s: %w", sessionID, sess.Status, ErrSessionNotActive)
	}

	want := store.Chunk{
		SessionID:       sessionID,
		SequenceIndex:   sequenceIndex,
		OverlapSeconds:  overlapSeconds,
		DurationSeconds: durationSeconds,
		UploadStatus:    store.UploadUploaded,
	}
	chunk, err := m.store.InsertChunk(ctx, want)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateSequence) {
			existing, getErr := m.store.GetChunkBySequence(ctx, sessionID, sequenceIndex)
			if getErr != nil {
				return store.Chunk{}, fmt.Errorf("failed to load existing chunk: %w", getErr)
			}
			if store.SameRegistration(existing, want) {
				return existing, nil
			}
			return store.Chunk{}, fmt.Errorf("sequence %d already registered with overlap=%g duration=%g: %w",
				sequenceIndex, existing.OverlapSeconds, existing.DurationSeconds, store.ErrDuplicateSequence)
		}
		return store.Chunk{}, fmt.Errorf("failed to insert chunk: %w", err)
	}

	// A new chunk shifts the offsets of everything after it.
	st.transcript = nil

	m.publish(events.Event{
		Type:          events.ChunkRegistered,
		SessionID:     sessionID,
		ChunkID:       chunk.ID,
		SequenceIndex: chunk.SequenceIndex,
	})
	return chunk, nil
}

// SignalTotalChunks records how many chunks the capture client intends to
// upload, then checks whether the session is now complete.
func (m *Manager) SignalTotalChunks(ctx context.Context, sessionID string, total int) error {
	if total <= 0 {
		return fmt.Errorf("total chunks must be positive, got %d", total)
	}

	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, err := m.store.EnsureSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to ensure session: %w", err)
	}
	if err := m.store.SetSessionTotalChunks(ctx, sessionID, total); err != nil {
		return fmt.Errorf("failed to set total chunks: %w", err)
	}
	_, err := m.checkCompletionLocked(ctx, st, sessionID)
	return err
}

// ClaimChunk moves a chunk from pending to processing so that exactly one
// worker transcribes it. A chunk that is already claimed or terminal fails
// with store.ErrInvalidTransition.
func (m *Manager) ClaimChunk(ctx context.Context, chunkID string) (store.Chunk, error) {
	chunk, err := m.store.GetChunk(ctx, chunkID)
	if err != nil {
		return store.Chunk{}, err
	}

	st := m.state(chunk.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, err := m.store.GetSession(ctx, chunk.SessionID)
	if err != nil {
		return store.Chunk{}, err
	}
	if sess.Status != store.SessionActive {
		return store.Chunk{}, fmt.Errorf("session %s is %s: %w", chunk.SessionID, sess.Status, ErrSessionNotActive)
	}
	if chunk.TranscriptionStatus != store.TranscriptionPending {
		return store.Chunk{}, fmt.Errorf("chunk %s is %s: %w", chunkID, chunk.TranscriptionStatus, store.ErrInvalidTransition)
	}
	if err := m.store.UpdateChunkTranscriptionStatus(ctx, chunkID, store.TranscriptionProcessing); err != nil {
		return store.Chunk{}, err
	}
	chunk.TranscriptionStatus = store.TranscriptionProcessing
	return chunk, nil
}

// RecordTranscription stores a chunk's recognized segments, marks the chunk
// done, extends or drops the cached transcript, and checks session
// completion. Segment times are stored chunk-relative; rebasing into session
// time happens at assembly.
func (m *Manager) RecordTranscription(ctx context.Context, chunkID string, res stt.Result) error {
	chunk, err := m.store.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}

	st := m.state(chunk.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	segments := make([]store.Segment, 0, len(res.Segments))
	for i, s := range res.Segments {
		segments = append(segments, store.Segment{
			Seq:          i,
			StartSeconds: s.Start,
			EndSeconds:   s.End,
			Text:         s.Text,
			Confidence:   s.Confidence,
			Provider:     res.Provider,
		})
	}
	if err := m.store.ReplaceChunkSegments(ctx, chunkID, segments); err != nil {
		return fmt.Errorf("failed to store segments: %w", err)
	}
	if err := m.store.UpdateChunkTranscriptionStatus(ctx, chunkID, store.TranscriptionCompleted); err != nil {
		return err
	}
	if err := m.store.UpdateChunkUploadStatus(ctx, chunkID, store.UploadProcessed); err != nil {
		return err
	}

	m.extendTranscriptLocked(ctx, st, chunk, res)

	m.publish(events.Event{
		Type:          events.ChunkTranscribed,
		SessionID:     chunk.SessionID,
		ChunkID:       chunk.ID,
		SequenceIndex: chunk.SequenceIndex,
		Provider:      res.Provider,
	})
	if res.FallbackUsed {
		m.publish(events.Event{
			Type:          events.FallbackEngaged,
			SessionID:     chunk.SessionID,
			ChunkID:       chunk.ID,
			SequenceIndex: chunk.SequenceIndex,
			Provider:      res.Provider,
		})
	}

	_, err = m.checkCompletionLocked(ctx, st, chunk.SessionID)
	return err
}

// extendTranscriptLocked tries to append the chunk's segments to the cached
// transcript. When the append fast path declines, the cache is dropped and
// the next Transcript call rebuilds from stored segments.
func (m *Manager) extendTranscriptLocked(ctx context.Context, st *sessionState, chunk store.Chunk, res stt.Result) {
	if st.transcript == nil {
		return
	}
	chunks, err := m.store.ChunksForSession(ctx, chunk.SessionID)
	if err != nil {
		st.transcript = nil
		return
	}
	timings := make([]stitch.ChunkTiming, 0, len(chunks))
	for _, c := range chunks {
		timings = append(timings, stitch.ChunkTiming{
			SequenceIndex:   c.SequenceIndex,
			OverlapSeconds:  c.OverlapSeconds,
			DurationSeconds: c.DurationSeconds,
		})
	}
	offset := stitch.Offsets(timings)[chunk.SequenceIndex]

	segs := make([]stitch.Segment, 0, len(res.Segments))
	for _, s := range res.Segments {
		segs = append(segs, stitch.Segment{
			Start:      s.Start,
			End:        s.End,
			Text:       s.Text,
			Confidence: s.Confidence,
			Provider:   res.Provider,
			ChunkSeq:   chunk.SequenceIndex,
		})
	}

	timing := stitch.ChunkTiming{
		SequenceIndex:   chunk.SequenceIndex,
		OverlapSeconds:  chunk.OverlapSeconds,
		DurationSeconds: chunk.DurationSeconds,
	}
	next, ok := m.stitcher.Append(*st.transcript, timing, offset, segs)
	if !ok {
		st.transcript = nil
		return
	}
	st.transcript = &next
}

// FailChunk marks a chunk's transcription terminally failed. A session with
// a failed chunk can never satisfy completion, so the session is failed
// along with it.
func (m *Manager) FailChunk(ctx context.Context, chunkID, reason string) error {
	chunk, err := m.store.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}

	st := m.state(chunk.SessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := m.store.UpdateChunkTranscriptionStatus(ctx, chunkID, store.TranscriptionFailed); err != nil {
		return err
	}
	m.publish(events.Event{
		Type:          events.ChunkFailed,
		SessionID:     chunk.SessionID,
		ChunkID:       chunk.ID,
		SequenceIndex: chunk.SequenceIndex,
		Detail:        reason,
	})

	sess, err := m.store.GetSession(ctx, chunk.SessionID)
	if err != nil {
		return err
	}
	if sess.Status != store.SessionActive {
		return nil
	}
	if err := m.store.UpdateSessionStatus(ctx, chunk.SessionID, store.SessionFailed); err != nil {
		return err
	}
	m.publish(events.Event{
		Type:      events.SessionFailed,
		SessionID: chunk.SessionID,
		Detail:    fmt.Sprintf("chunk %d failed: %s", chunk.SequenceIndex, reason),
	})
	return nil
}

// Chunks returns the session's chunks in sequence order.
func (m *Manager) Chunks(ctx context.Context, sessionID string) ([]store.Chunk, error) {
	return m.store.ChunksForSession(ctx, sessionID)
}

// Gaps returns the sequence indices missing below the highest observed
// index. A session with no chunks has no gaps and no coverage; it is never
// treated as complete.
func (m *Manager) Gaps(ctx context.Context, sessionID string) ([]int, error) {
	chunks, err := m.store.ChunksForSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return gapsIn(chunks), nil
}

// gapsIn walks chunks ordered by sequence index and collects the holes.
func gapsIn(chunks []store.Chunk) []int {
	var gaps []int
	next := 0
	for _, c := range chunks {
		for next < c.SequenceIndex {
			gaps = append(gaps, next)
			next++
		}
		next = c.SequenceIndex + 1
	}
	return gaps
}

// Summary reports the session's current counters and gaps. It answers from
// whatever state exists, including mid-upload.
func (m *Manager) Summary(ctx context.Context, sessionID string) (Summary, error) {
	sum, err := m.store.SessionSummary(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}
	gaps, err := m.Gaps(ctx, sessionID)
	if err != nil {
		return Summary{}, err
	}
	return Summary{SessionSummary: sum, Gaps: gaps}, nil
}

// CostEstimate prices the session's transcribed audio from stored chunk
// durations and the provider that produced each chunk's segments. Chunks not
// yet transcribed contribute nothing.
func (m *Manager) CostEstimate(ctx context.Context, sessionID string) (costs.Estimate, error) {
	chunks, err := m.store.ChunksForSession(ctx, sessionID)
	if err != nil {
		return costs.Estimate{}, err
	}
	segments, err := m.store.SegmentsForSession(ctx, sessionID)
	if err != nil {
		return costs.Estimate{}, err
	}

	providerByChunk := make(map[string]string, len(chunks))
	for _, s := range segments {
		if _, ok := providerByChunk[s.ChunkID]; !ok {
			providerByChunk[s.ChunkID] = s.Provider
		}
	}

	var usages []costs.ChunkUsage
	for _, c := range chunks {
		if c.TranscriptionStatus != store.TranscriptionCompleted {
			continue
		}
		usages = append(usages, costs.ChunkUsage{
			DurationSeconds: c.DurationSeconds,
			Provider:        providerByChunk[c.ID],
		})
	}
	return costs.EstimateChunks(usages), nil
}

// Transcript assembles the session transcript from all stored segments:
// chunk-relative times are rebased onto the session timeline, segments are
// ordered, and overlap duplicates are dropped. The result reflects whatever
// chunks have been transcribed so far; it is cached in memory and never
// persisted.
func (m *Manager) Transcript(ctx context.Context, sessionID string) (stitch.Transcript, error) {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.transcript != nil {
		return *st.transcript, nil
	}

	chunks, err := m.store.ChunksForSession(ctx, sessionID)
	if err != nil {
		return stitch.Transcript{}, err
	}
	segments, err := m.store.SegmentsForSession(ctx, sessionID)
	if err != nil {
		return stitch.Transcript{}, err
	}

	seqByChunk := make(map[string]int, len(chunks))
	timings := make([]stitch.ChunkTiming, 0, len(chunks))
	for _, c := range chunks {
		seqByChunk[c.ID] = c.SequenceIndex
		timings = append(timings, stitch.ChunkTiming{
			SequenceIndex:   c.SequenceIndex,
			OverlapSeconds:  c.OverlapSeconds,
			DurationSeconds: c.DurationSeconds,
		})
	}
	segs := make([]stitch.Segment, 0, len(segments))
	for _, s := range segments {
		segs = append(segs, stitch.Segment{
			Start:      s.StartSeconds,
			End:        s.EndSeconds,
			Text:       s.Text,
			Confidence: s.Confidence,
			Provider:   s.Provider,
			ChunkSeq:   seqByChunk[s.ChunkID],
		})
	}

	t := m.stitcher.Build(timings, segs)
	st.transcript = &t
	return t, nil
}

// CheckCompletion marks the session completed when the total is known, every
// expected chunk is present with no gaps, and all of them transcribed. It
// reports whether the session is complete, and is safe to call repeatedly.
func (m *Manager) CheckCompletion(ctx context.Context, sessionID string) (bool, error) {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return m.checkCompletionLocked(ctx, st, sessionID)
}

func (m *Manager) checkCompletionLocked(ctx context.Context, st *sessionState, sessionID string) (bool, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess.Status != store.SessionActive {
		return sess.Status == store.SessionCompleted, nil
	}
	if sess.TotalChunks == nil {
		return false, nil
	}

	chunks, err := m.store.ChunksForSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if len(chunks) != *sess.TotalChunks {
		return false, nil
	}
	if len(gapsIn(chunks)) > 0 {
		return false, nil
	}
	for _, c := range chunks {
		if c.TranscriptionStatus != store.TranscriptionCompleted {
			return false, nil
		}
	}

	if err := m.store.UpdateSessionStatus(ctx, sessionID, store.SessionCompleted); err != nil {
		return false, err
	}
	if m.logger != nil {
		m.logger.Printf("session: %s completed with %d chunks", sessionID, len(chunks))
	}
	m.publish(events.Event{
		Type:      events.SessionCompleted,
		SessionID: sessionID,
	})
	return true, nil
}

// Abandon marks the session abandoned. Chunks already stored are kept;
// in-flight transcription is cancelled by the pipeline when it observes the
// status change. Abandoning an already abandoned session is a no-op.
func (m *Manager) Abandon(ctx context.Context, sessionID string) error {
	st := m.state(sessionID)
	st.mu.Lock()
	defer st.mu.Unlock()

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == store.SessionAbandoned {
		return nil
	}
	if err := m.store.UpdateSessionStatus(ctx, sessionID, store.SessionAbandoned); err != nil {
		return err
	}
	st.transcript = nil
	m.publish(events.Event{
		Type:      events.SessionAbandoned,
		SessionID: sessionID,
	})
	return nil
}
