package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the Postgres error code for unique constraint failures.
const pgUniqueViolation = "23505"

// Postgres is the deployment Store backed by a pgx connection pool.
type Postgres struct {
	db *pgxpool.Pool
}

func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// EnsureSchema creates the tables and indexes if they do not exist yet.
// Safe to call on every startup.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			total_chunks INTEGER,
			status TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			sequence_index INTEGER NOT NULL,
			overlap_seconds DOUBLE PRECISION NOT NULL,
			duration_seconds DOUBLE PRECISION NOT NULL,
			upload_status TEXT NOT NULL DEFAULT 'pending',
			transcription_status TEXT NOT NULL DEFAULT 'pending',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (session_id, sequence_index)
		);

		CREATE TABLE IF NOT EXISTS segments (
			id TEXT PRIMARY KEY,
			chunk_id TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			start_seconds DOUBLE PRECISION NOT NULL,
			end_seconds DOUBLE PRECISION NOT NULL,
			text TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			provider TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_segments_session ON segments(session_id);

		CREATE TABLE IF NOT EXISTS processing_tasks (
			id TEXT PRIMARY KEY,
			chunk_id TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
			status TEXT NOT NULL DEFAULT 'pending',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			last_error TEXT NOT NULL DEFAULT '',
			progress INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_chunk ON processing_tasks(chunk_id, created_at);

		CREATE TABLE IF NOT EXISTS session_events (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, created_at);
	`)
	return err
}

// ============================================================================
// Session operations
// ============================================================================

func (s *Postgres) EnsureSession(ctx context.Context, sessionID string) (Session, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO NOTHING
	`, sessionID, SessionActive, now)
	if err != nil {
		return Session{}, err
	}
	return s.GetSession(ctx, sessionID)
}

func (s *Postgres) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	err := s.db.QueryRow(ctx, `
		SELECT id, total_chunks, status, created_at, updated_at, completed_at
		FROM sessions
		WHERE id = $1
	`, sessionID).Scan(&sess.ID, &sess.TotalChunks, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt, &sess.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *Postgres) SetSessionTotalChunks(ctx context.Context, sessionID string, total int) error {
	result, err := s.db.Exec(ctx, `
		UPDATE sessions
		SET total_chunks = $2, updated_at = $3
		WHERE id = $1
	`, sessionID, total, time.Now().UTC())
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

func (s *Postgres) UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current SessionStatus
	err = tx.QueryRow(ctx, `
		SELECT status FROM sessions WHERE id = $1 FOR UPDATE
	`, sessionID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !validSessionTransition(current, status) {
		return fmt.Errorf("session %s: %s -> %s: %w", sessionID, current, status, ErrInvalidTransition)
	}

	now := time.Now().UTC()
	var completedAt *time.Time
	if status != SessionActive {
		completedAt = &now
	}
	_, err = tx.Exec(ctx, `
		UPDATE sessions
		SET status = $2,
		    updated_at = $3,
		    completed_at = COALESCE(completed_at, $4)
		WHERE id = $1
	`, sessionID, status, now, completedAt)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) SessionSummary(ctx context.Context, sessionID string) (SessionSummary, error) {
	var sum SessionSummary
	err := s.db.QueryRow(ctx, `
		SELECT s.id, s.status, s.total_chunks,
		       COUNT(c.id) FILTER (WHERE c.upload_status IN ('uploaded','processed')),
		       COUNT(c.id) FILTER (WHERE c.transcription_status = 'completed'),
		       COALESCE(SUM(CASE WHEN c.sequence_index = 0 THEN c.duration_seconds
		                         ELSE GREATEST(c.duration_seconds - c.overlap_seconds, 0) END), 0)
		FROM sessions s
		LEFT JOIN chunks c ON c.session_id = s.id
		WHERE s.id = $1
		GROUP BY s.id
	`, sessionID).Scan(&sum.SessionID, &sum.Status, &sum.TotalChunks,
		&sum.UploadedChunks, &sum.TranscribedChunks, &sum.TotalDurationSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionSummary{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return SessionSummary{}, err
	}
	return sum, nil
}

// ============================================================================
// Chunk operations
// ============================================================================

func (s *Postgres) InsertChunk(ctx context.Context, c Chunk) (Chunk, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.UploadStatus == "" {
		c.UploadStatus = UploadPending
	}
	if c.TranscriptionStatus == "" {
		c.TranscriptionStatus = TranscriptionPending
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
		INSERT INTO chunks (id, session_id, sequence_index, overlap_seconds, duration_seconds,
		                    upload_status, transcription_status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.SessionID, c.SequenceIndex, c.OverlapSeconds, c.DurationSeconds,
		c.UploadStatus, c.TranscriptionStatus, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Chunk{}, fmt.Errorf("session %s sequence %d: %w", c.SessionID, c.SequenceIndex, ErrDuplicateSequence)
		}
		return Chunk{}, err
	}
	return c, nil
}

func (s *Postgres) GetChunk(ctx context.Context, chunkID string) (Chunk, error) {
	c, err := s.scanChunk(s.db.QueryRow(ctx, `
		SELECT id, session_id, sequence_index, overlap_seconds, duration_seconds,
		       upload_status, transcription_status, created_at, updated_at
		FROM chunks
		WHERE id = $1
	`, chunkID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Chunk{}, fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	}
	return c, err
}

func (s *Postgres) GetChunkBySequence(ctx context.Context, sessionID string, sequenceIndex int) (Chunk, error) {
	c, err := s.scanChunk(s.db.QueryRow(ctx, `
		SELECT id, session_id, sequence_index, overlap_seconds, duration_seconds,
		       upload_status, transcription_status, created_at, updated_at
		FROM chunks
		WHERE session_id = $1 AND sequence_index = $2
	`, sessionID, sequenceIndex))
	if errors.Is(err, pgx.ErrNoRows) {
		return Chunk{}, fmt.Errorf("session %s sequence %d: %w", sessionID, sequenceIndex, ErrNotFound)
	}
	return c, err
}

func (s *Postgres) ChunksForSession(ctx context.Context, sessionID string) ([]Chunk, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, sequence_index, overlap_seconds, duration_seconds,
		       upload_status, transcription_status, created_at, updated_at
		FROM chunks
		WHERE session_id = $1
		ORDER BY sequence_index ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *Postgres) PendingChunks(ctx context.Context, olderThan time.Time, limit int) ([]Chunk, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, sequence_index, overlap_seconds, duration_seconds,
		       upload_status, transcription_status, created_at, updated_at
		FROM chunks
		WHERE transcription_status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

func (s *Postgres) StaleProcessingChunks(ctx context.Context, olderThan time.Time, limit int) ([]Chunk, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, sequence_index, overlap_seconds, duration_seconds,
		       upload_status, transcription_status, created_at, updated_at
		FROM chunks
		WHERE transcription_status = 'processing' AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// ResetChunkToPending returns a chunk stuck processing to pending so the
// sweep can hand it out again after a worker crash. This is the one sanctioned
// backward transition; any state other than processing is rejected.
func (s *Postgres) ResetChunkToPending(ctx context.Context, chunkID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current TranscriptionStatus
	err = tx.QueryRow(ctx, `
		SELECT transcription_status FROM chunks WHERE id = $1 FOR UPDATE
	`, chunkID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if current != TranscriptionProcessing {
		return fmt.Errorf("chunk %s transcription %s -> pending: %w", chunkID, current, ErrInvalidTransition)
	}
	_, err = tx.Exec(ctx, `
		UPDATE chunks SET transcription_status = $2, updated_at = $3 WHERE id = $1
	`, chunkID, TranscriptionPending, time.Now().UTC())
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) UpdateChunkUploadStatus(ctx context.Context, chunkID string, to UploadStatus) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current UploadStatus
	err = tx.QueryRow(ctx, `
		SELECT upload_status FROM chunks WHERE id = $1 FOR UPDATE
	`, chunkID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !validUploadTransition(current, to) {
		return fmt.Errorf("chunk %s upload %s -> %s: %w", chunkID, current, to, ErrInvalidTransition)
	}
	_, err = tx.Exec(ctx, `
		UPDATE chunks SET upload_status = $2, updated_at = $3 WHERE id = $1
	`, chunkID, to, time.Now().UTC())
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Postgres) UpdateChunkTranscriptionStatus(ctx context.Context, chunkID string, to TranscriptionStatus) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current TranscriptionStatus
	err = tx.QueryRow(ctx, `
		SELECT transcription_status FROM chunks WHERE id = $1 FOR UPDATE
	`, chunkID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !validTranscriptionTransition(current, to) {
		return fmt.Errorf("chunk %s transcription %s -> %s: %w", chunkID, current, to, ErrInvalidTransition)
	}
	_, err = tx.Exec(ctx, `
		UPDATE chunks SET transcription_status = $2, updated_at = $3 WHERE id = $1
	`, chunkID, to, time.Now().UTC())
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// scanChunk scans a single chunk row.
func (s *Postgres) scanChunk(row pgx.Row) (Chunk, error) {
	var c Chunk
	err := row.Scan(&c.ID, &c.SessionID, &c.SequenceIndex, &c.OverlapSeconds, &c.DurationSeconds,
		&c.UploadStatus, &c.TranscriptionStatus, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// scanChunks is a helper to scan chunk list rows.
func scanChunks(rows pgx.Rows) ([]Chunk, error) {
	var out []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.SessionID, &c.SequenceIndex, &c.OverlapSeconds, &c.DurationSeconds,
			&c.UploadStatus, &c.TranscriptionStatus, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ============================================================================
// Segment operations
// ============================================================================

func (s *Postgres) ReplaceChunkSegments(ctx context.Context, chunkID string, segments []Segment) error {
	chunk, err := s.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Re-transcription replaces the chunk's segment set wholesale.
	_, err = tx.Exec(ctx, `DELETE FROM segments WHERE chunk_id = $1`, chunkID)
	if err != nil {
		return err
	}

	for i, seg := range segments {
		id := seg.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO segments (id, chunk_id, session_id, seq, start_seconds, end_seconds, text, confidence, provider)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, id, chunkID, chunk.SessionID, i, seg.StartSeconds, seg.EndSeconds, seg.Text, seg.Confidence, seg.Provider)
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Postgres) SegmentsForSession(ctx context.Context, sessionID string) ([]Segment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT g.id, g.chunk_id, g.session_id, g.seq, g.start_seconds, g.end_seconds, g.text, g.confidence, g.provider
		FROM segments g
		JOIN chunks c ON c.id = g.chunk_id
		WHERE g.session_id = $1
		ORDER BY c.sequence_index ASC, g.seq ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Segment
	for rows.Next() {
		var seg Segment
		if err := rows.Scan(&seg.ID, &seg.ChunkID, &seg.SessionID, &seg.Seq, &seg.StartSeconds,
			&seg.EndSeconds, &seg.Text, &seg.Confidence, &seg.Provider); err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// ============================================================================
// Processing task operations
// ============================================================================

func (s *Postgres) CreateTask(ctx context.Context, chunkID string, maxAttempts int) (ProcessingTask, error) {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	now := time.Now().UTC()
	t := ProcessingTask{
		ID:          uuid.NewString(),
		ChunkID:     chunkID,
		Status:      TaskPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO processing_tasks (id, chunk_id, status, attempt_count, max_attempts, last_error, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, t.ID, t.ChunkID, t.Status, t.AttemptCount, t.MaxAttempts, t.LastError, t.Progress, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return ProcessingTask{}, err
	}
	return t, nil
}

func (s *Postgres) GetTask(ctx context.Context, taskID string) (ProcessingTask, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `
		SELECT id, chunk_id, status, attempt_count, max_attempts, last_error, progress, created_at, updated_at, completed_at
		FROM processing_tasks
		WHERE id = $1
	`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ProcessingTask{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t, err
}

func (s *Postgres) LatestTaskForChunk(ctx context.Context, chunkID string) (ProcessingTask, error) {
	t, err := scanTask(s.db.QueryRow(ctx, `
		SELECT id, chunk_id, status, attempt_count, max_attempts, last_error, progress, created_at, updated_at, completed_at
		FROM processing_tasks
		WHERE chunk_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, chunkID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ProcessingTask{}, fmt.Errorf("chunk %s task: %w", chunkID, ErrNotFound)
	}
	return t, err
}

func (s *Postgres) MarkTaskRunning(ctx context.Context, taskID string) (ProcessingTask, error) {
	return s.updateTask(ctx, taskID, func(t *ProcessingTask) error {
		if !validTaskTransition(t.Status, TaskRunning) {
			return fmt.Errorf("task %s: %s -> running: %w", t.ID, t.Status, ErrInvalidTransition)
		}
		if t.AttemptCount >= t.MaxAttempts {
			return fmt.Errorf("task %s: attempt budget exhausted: %w", t.ID, ErrInvalidTransition)
		}
		t.Status = TaskRunning
		t.AttemptCount++
		return nil
	})
}

func (s *Postgres) MarkTaskRetrying(ctx context.Context, taskID string, lastError string) (ProcessingTask, error) {
	return s.updateTask(ctx, taskID, func(t *ProcessingTask) error {
		if !validTaskTransition(t.Status, TaskRetrying) {
			return fmt.Errorf("task %s: %s -> retrying: %w", t.ID, t.Status, ErrInvalidTransition)
		}
		if t.AttemptCount >= t.MaxAttempts {
			return fmt.Errorf("task %s: attempt budget exhausted: %w", t.ID, ErrInvalidTransition)
		}
		t.Status = TaskRetrying
		if lastError != "" {
			t.LastError = lastError
		}
		t.CompletedAt = nil
		return nil
	})
}

func (s *Postgres) MarkTaskCompleted(ctx context.Context, taskID string) (ProcessingTask, error) {
	return s.updateTask(ctx, taskID, func(t *ProcessingTask) error {
		if !validTaskTransition(t.Status, TaskCompleted) {
			return fmt.Errorf("task %s: %s -> completed: %w", t.ID, t.Status, ErrInvalidTransition)
		}
		now := time.Now().UTC()
		t.Status = TaskCompleted
		t.Progress = 100
		t.CompletedAt = &now
		return nil
	})
}

func (s *Postgres) MarkTaskFailed(ctx context.Context, taskID string, lastError string) (ProcessingTask, error) {
	return s.updateTask(ctx, taskID, func(t *ProcessingTask) error {
		if !validTaskTransition(t.Status, TaskFailed) {
			return fmt.Errorf("task %s: %s -> failed: %w", t.ID, t.Status, ErrInvalidTransition)
		}
		now := time.Now().UTC()
		t.Status = TaskFailed
		t.LastError = lastError
		t.CompletedAt = &now
		return nil
	})
}

func (s *Postgres) SetTaskProgress(ctx context.Context, taskID string, progress int) error {
	result, err := s.db.Exec(ctx, `
		UPDATE processing_tasks SET progress = $2, updated_at = $3 WHERE id = $1
	`, taskID, progress, time.Now().UTC())
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// updateTask applies fn to the task row under a row lock and persists the
// mutated record. fn returns an error to reject the update.
func (s *Postgres) updateTask(ctx context.Context, taskID string, fn func(*ProcessingTask) error) (ProcessingTask, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return ProcessingTask{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := scanTask(tx.QueryRow(ctx, `
		SELECT id, chunk_id, status, attempt_count, max_attempts, last_error, progress, created_at, updated_at, completed_at
		FROM processing_tasks
		WHERE id = $1
		FOR UPDATE
	`, taskID))
	if errors.Is(err, pgx.ErrNoRows) {
		return ProcessingTask{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return ProcessingTask{}, err
	}

	if err := fn(&t); err != nil {
		return ProcessingTask{}, err
	}
	t.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `
		UPDATE processing_tasks
		SET status = $2, attempt_count = $3, last_error = $4, progress = $5, updated_at = $6, completed_at = $7
		WHERE id = $1
	`, t.ID, t.Status, t.AttemptCount, t.LastError, t.Progress, t.UpdatedAt, t.CompletedAt)
	if err != nil {
		return ProcessingTask{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ProcessingTask{}, err
	}
	return t, nil
}

// scanTask scans a single processing task row.
func scanTask(row pgx.Row) (ProcessingTask, error) {
	var t ProcessingTask
	err := row.Scan(&t.ID, &t.ChunkID, &t.Status, &t.AttemptCount, &t.MaxAttempts,
		&t.LastError, &t.Progress, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	return t, err
}

// ============================================================================
// Audit trail operations
// ============================================================================

func (s *Postgres) InsertSessionEvent(ctx context.Context, sessionID string, eventType string, data []byte) error {
	if len(data) == 0 {
		data = []byte(`{}`)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data, created_at)
		VALUES ($1, $2, $3, $4)
	`, sessionID, eventType, data, time.Now().UTC())
	return err
}

func (s *Postgres) SessionEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, event_type, event_data, created_at
		FROM session_events
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var data []byte
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &data, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventData = data
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}
