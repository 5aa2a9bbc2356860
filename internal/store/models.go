package store

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of an interview session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionAbandoned SessionStatus = "abandoned"
)

// UploadStatus tracks how far a chunk's upload has progressed.
// Valid forward path: pending -> uploaded -> processed. failed is reachable
// from any non-terminal state and is terminal.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadUploaded  UploadStatus = "uploaded"
	UploadProcessed UploadStatus = "processed"
	UploadFailed    UploadStatus = "failed"
)

// TranscriptionStatus tracks a chunk's progress through the STT pipeline.
// Valid forward path: pending -> processing -> completed. failed is reachable
// from any non-terminal state and is terminal.
type TranscriptionStatus string

const (
	TranscriptionPending    TranscriptionStatus = "pending"
	TranscriptionProcessing TranscriptionStatus = "processing"
	TranscriptionCompleted  TranscriptionStatus = "completed"
	TranscriptionFailed     TranscriptionStatus = "failed"
)

// TaskStatus is the lifecycle state of one asynchronous transcription task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskRetrying  TaskStatus = "retrying"
)

// Session identifies one interview recording. The session ID is externally
// assigned; a session row is created implicitly by the first chunk
// registration for it.
type Session struct {
	ID          string        `json:"id"`
	TotalChunks *int          `json:"total_chunks,omitempty"`
	Status      SessionStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Chunk is one uploaded audio segment of a session. (SessionID,
// SequenceIndex) is unique. OverlapSeconds is the stretch of audio at the
// start of this chunk that duplicates the tail of the previous chunk,
// deliberately recorded twice by the capture client so words are not lost at
// cut boundaries.
type Chunk struct {
	ID                  string              `json:"id"`
	SessionID           string              `json:"session_id"`
	SequenceIndex       int                 `json:"sequence_index"`
	OverlapSeconds      float64             `json:"overlap_seconds"`
	DurationSeconds     float64             `json:"duration_seconds"`
	UploadStatus        UploadStatus        `json:"upload_status"`
	TranscriptionStatus TranscriptionStatus `json:"transcription_status"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Segment is a provider-normalized span of recognized speech, stored in
// chunk-relative time. Session transcripts are never persisted; they are
// rebuilt by rebasing and deduplicating the stored segments of all chunks.
type Segment struct {
	ID           string  `json:"id"`
	ChunkID      string  `json:"chunk_id"`
	SessionID    string  `json:"session_id"`
	Seq          int     `json:"seq"` // position within the chunk's segment list
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
	Text         string  `json:"text"`
	Confidence   float64 `json:"confidence"`
	Provider     string  `json:"provider"`
}

// ProcessingTask tracks one asynchronous transcription attempt series for one
// chunk. Terminal at completed, or at failed once AttemptCount reaches
// MaxAttempts.
type ProcessingTask struct {
	ID           string     `json:"id"`
	ChunkID      string     `json:"chunk_id"`
	Status       TaskStatus `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	LastError    string     `json:"last_error,omitempty"`
	Progress     int        `json:"progress"` // 0-100
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// SessionEvent is one audit-trail entry for a session.
type SessionEvent struct {
	ID        int64           `json:"id"`
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	EventData json.RawMessage `json:"event_data"`
	CreatedAt time.Time       `json:"created_at"`
}

// SessionSummary is the current best-known state of a session. It is always
// answerable while partial data exists.
type SessionSummary struct {
	SessionID            string        `json:"session_id"`
	Status               SessionStatus `json:"status"`
	TotalChunks          *int          `json:"total_chunks,omitempty"`
	UploadedChunks       int           `json:"uploaded_chunks"`
	TranscribedChunks    int           `json:"transcribed_chunks"`
	TotalDurationSeconds float64       `json:"total_duration_seconds"`
}

// validSessionTransition reports whether a session status change is allowed.
// active is the only non-terminal state.
func validSessionTransition(from, to SessionStatus) bool {
	if from == to {
		return true
	}
	return from == SessionActive
}

// validUploadTransition reports whether an upload status change is allowed.
// Equal states are allowed as no-ops so that retried updates stay idempotent.
func validUploadTransition(from, to UploadStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case UploadPending:
		return to == UploadUploaded || to == UploadFailed
	case UploadUploaded:
		return to == UploadProcessed || to == UploadFailed
	case UploadProcessed, UploadFailed:
		return false
	}
	return false
}

// validTranscriptionTransition reports whether a transcription status change
// is allowed.
func validTranscriptionTransition(from, to TranscriptionStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case TranscriptionPending:
		return to == TranscriptionProcessing || to == TranscriptionFailed
	case TranscriptionProcessing:
		return to == TranscriptionCompleted || to == TranscriptionFailed
	case TranscriptionCompleted, TranscriptionFailed:
		return false
	}
	return false
}

// validTaskTransition reports whether a task status change is allowed.
// Failures land in failed first; failed moves to retrying only while the
// attempt budget holds out, which the store methods enforce since the budget
// lives on the record. completed is terminal, and failed becomes terminal
// once attempt_count reaches max_attempts.
func validTaskTransition(from, to TaskStatus) bool {
	switch from {
	case TaskPending:
		return to == TaskRunning || to == TaskFailed
	case TaskRunning:
		return to == TaskCompleted || to == TaskFailed
	case TaskFailed:
		return to == TaskRetrying
	case TaskRetrying:
		return to == TaskRunning || to == TaskFailed
	case TaskCompleted:
		return false
	}
	return false
}

// EffectiveDuration returns the seconds of audio this chunk contributes to
// the session beyond the deliberate overlap with its predecessor. The first
// chunk has no predecessor, so its overlap window is not subtracted.
func (c Chunk) EffectiveDuration() float64 {
	if c.SequenceIndex == 0 {
		return c.DurationSeconds
	}
	d := c.DurationSeconds - c.OverlapSeconds
	if d < 0 {
		return 0
	}
	return d
}
