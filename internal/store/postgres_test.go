package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// getTestDB returns a database pool for testing.
// Skips the test if DATABASE_URL is not set.
func getTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.Ping(ctx); err != nil {
		t.Fatalf("failed to ping database: %v", err)
	}

	return db
}

func TestPostgresChunkRegistry(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := NewPostgres(db)
	ctx := context.Background()

	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	sessionID := "it-" + uuid.NewString()

	// Registration creates the session implicitly.
	if _, err := s.EnsureSession(ctx, sessionID); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}

	chunk, err := s.InsertChunk(ctx, Chunk{
		SessionID:       sessionID,
		SequenceIndex:   0,
		OverlapSeconds:  2.0,
		DurationSeconds: 30.0,
		UploadStatus:    UploadUploaded,
	})
	if err != nil {
		t.Fatalf("InsertChunk failed: %v", err)
	}

	// The unique constraint backs up the idempotency check.
	_, err = s.InsertChunk(ctx, Chunk{
		SessionID:       sessionID,
		SequenceIndex:   0,
		OverlapSeconds:  2.0,
		DurationSeconds: 31.0,
	})
	if !errors.Is(err, ErrDuplicateSequence) {
		t.Errorf("duplicate insert error = %v, want ErrDuplicateSequence", err)
	}

	// Claim and complete.
	if err := s.UpdateChunkTranscriptionStatus(ctx, chunk.ID, TranscriptionProcessing); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	err = s.ReplaceChunkSegments(ctx, chunk.ID, []Segment{
		{StartSeconds: 0.0, EndSeconds: 2.5, Text: "Hello world", Confidence: 0.97, Provider: "whisper"},
	})
	if err != nil {
		t.Fatalf("ReplaceChunkSegments failed: %v", err)
	}
	if err := s.UpdateChunkTranscriptionStatus(ctx, chunk.ID, TranscriptionCompleted); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	segs, err := s.SegmentsForSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("SegmentsForSession failed: %v", err)
	}
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].Text != "Hello world" {
		t.Errorf("segment text = %q, want %q", segs[0].Text, "Hello world")
	}

	sum, err := s.SessionSummary(ctx, sessionID)
	if err != nil {
		t.Fatalf("SessionSummary failed: %v", err)
	}
	if sum.UploadedChunks != 1 || sum.TranscribedChunks != 1 {
		t.Errorf("summary counts = %d/%d, want 1/1", sum.UploadedChunks, sum.TranscribedChunks)
	}
	if sum.TotalDurationSeconds != 30.0 {
		t.Errorf("total_duration_seconds = %v, want 30.0", sum.TotalDurationSeconds)
	}

	// Cleanup (cascades to chunks, segments, tasks)
	_, _ = db.Exec(ctx, "DELETE FROM session_events WHERE session_id = $1", sessionID)
	_, _ = db.Exec(ctx, "DELETE FROM sessions WHERE id = $1", sessionID)
}

func TestPostgresTaskMachine(t *testing.T) {
	db := getTestDB(t)
	defer db.Close()

	s := NewPostgres(db)
	ctx := context.Background()

	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}

	sessionID := "it-" + uuid.NewString()
	if _, err := s.EnsureSession(ctx, sessionID); err != nil {
		t.Fatalf("EnsureSession failed: %v", err)
	}
	chunk, err := s.InsertChunk(ctx, Chunk{SessionID: sessionID, SequenceIndex: 0, DurationSeconds: 10})
	if err != nil {
		t.Fatalf("InsertChunk failed: %v", err)
	}

	task, err := s.CreateTask(ctx, chunk.ID, 3)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if _, err := s.MarkTaskRunning(ctx, task.ID); err != nil {
		t.Fatalf("MarkTaskRunning failed: %v", err)
	}
	if _, err := s.MarkTaskFailed(ctx, task.ID, "timeout"); err != nil {
		t.Fatalf("MarkTaskFailed failed: %v", err)
	}
	if _, err := s.MarkTaskRetrying(ctx, task.ID, ""); err != nil {
		t.Fatalf("MarkTaskRetrying failed: %v", err)
	}
	if _, err := s.MarkTaskRunning(ctx, task.ID); err != nil {
		t.Fatalf("MarkTaskRunning (retry) failed: %v", err)
	}
	done, err := s.MarkTaskCompleted(ctx, task.ID)
	if err != nil {
		t.Fatalf("MarkTaskCompleted failed: %v", err)
	}
	if done.AttemptCount != 2 {
		t.Errorf("attempt_count = %d, want 2", done.AttemptCount)
	}
	if done.Progress != 100 {
		t.Errorf("progress = %d, want 100", done.Progress)
	}

	if _, err := s.MarkTaskRunning(ctx, task.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("running after completion error = %v, want ErrInvalidTransition", err)
	}

	// Cleanup
	_, _ = db.Exec(ctx, "DELETE FROM sessions WHERE id = $1", sessionID)
}
