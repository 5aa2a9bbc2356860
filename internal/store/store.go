package store

import (
	"context"
	"errors"
	"math"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotFound is returned when a session, chunk or task does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateSequence is returned when a chunk registration reuses a
	// (session_id, sequence_index) pair with different parameters. Exact
	// re-registrations are not errors; they return the existing record.
	ErrDuplicateSequence = errors.New("store: duplicate sequence index for session")

	// ErrInvalidTransition is returned when a status update would move a
	// record backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

// ============================================================================
// Store interface
// ============================================================================

// Store persists sessions, chunks, segments, processing tasks and the session
// audit trail. Two implementations exist: Postgres for deployments and SQLite
// for single-binary and test use. Both enforce the same status machines and
// the (session_id, sequence_index) uniqueness constraint.
type Store interface {
	// Sessions
	EnsureSession(ctx context.Context, sessionID string) (Session, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	SetSessionTotalChunks(ctx context.Context, sessionID string, total int) error
	UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error
	SessionSummary(ctx context.Context, sessionID string) (SessionSummary, error)

	// Chunks
	InsertChunk(ctx context.Context, c Chunk) (Chunk, error)
	GetChunk(ctx context.Context, chunkID string) (Chunk, error)
	GetChunkBySequence(ctx context.Context, sessionID string, sequenceIndex int) (Chunk, error)
	ChunksForSession(ctx context.Context, sessionID string) ([]Chunk, error)
	PendingChunks(ctx context.Context, olderThan time.Time, limit int) ([]Chunk, error)
	StaleProcessingChunks(ctx context.Context, olderThan time.Time, limit int) ([]Chunk, error)
	UpdateChunkUploadStatus(ctx context.Context, chunkID string, to UploadStatus) error
	UpdateChunkTranscriptionStatus(ctx context.Context, chunkID string, to TranscriptionStatus) error
	ResetChunkToPending(ctx context.Context, chunkID string) error

	// Segments
	ReplaceChunkSegments(ctx context.Context, chunkID string, segments []Segment) error
	SegmentsForSession(ctx context.Context, sessionID string) ([]Segment, error)

	// Processing tasks
	CreateTask(ctx context.Context, chunkID string, maxAttempts int) (ProcessingTask, error)
	GetTask(ctx context.Context, taskID string) (ProcessingTask, error)
	LatestTaskForChunk(ctx context.Context, chunkID string) (ProcessingTask, error)
	MarkTaskRunning(ctx context.Context, taskID string) (ProcessingTask, error)
	MarkTaskRetrying(ctx context.Context, taskID string, lastError string) (ProcessingTask, error)
	MarkTaskCompleted(ctx context.Context, taskID string) (ProcessingTask, error)
	MarkTaskFailed(ctx context.Context, taskID string, lastError string) (ProcessingTask, error)
	SetTaskProgress(ctx context.Context, taskID string, progress int) error

	// Audit trail
	InsertSessionEvent(ctx context.Context, sessionID string, eventType string, data []byte) error
	SessionEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error)

	Close() error
}

// SameRegistration reports whether two chunk records describe the same
// registration: identical session and sequence index, with overlap and
// duration equal to within 1e-9 so a float that survived a JSON round-trip
// still matches. Used to distinguish an idempotent re-registration from a
// conflicting one.
func SameRegistration(a, b Chunk) bool {
	return a.SessionID == b.SessionID &&
		a.SequenceIndex == b.SequenceIndex &&
		floatEq(a.OverlapSeconds, b.OverlapSeconds) &&
		floatEq(a.DurationSeconds, b.DurationSeconds)
}

func floatEq(a, b float64) bool { return math.Abs(a-b) <= 1e-9 }
