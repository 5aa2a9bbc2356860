package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
)

// SQLite extended result codes for unique constraint failures.
const (
	sqlitePrimaryKeyViolation = 1555
	sqliteUniqueViolation     = 2067
)

// SQLite is the embedded Store used for single-binary deployments and tests.
// The pool is capped at one connection so writes serialize inside the driver
// instead of surfacing SQLITE_BUSY.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists. Use ":memory:"-style paths only with care; a file path is
// the expected input.
func OpenSQLite(path string) (*SQLite, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			total_chunks INTEGER,
			status TEXT NOT NULL DEFAULT 'active',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);

		CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			sequence_index INTEGER NOT NULL,
			overlap_seconds REAL NOT NULL,
			duration_seconds REAL NOT NULL,
			upload_status TEXT NOT NULL DEFAULT 'pending',
			transcription_status TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (session_id, sequence_index)
		);

		CREATE TABLE IF NOT EXISTS segments (
			id TEXT PRIMARY KEY,
			chunk_id TEXT NOT NULL REFERENCES chunks(id) ON DELETE CASCADE,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			start_seconds REAL NOT NULL,
			end_seconds REAL NOT NULL,
			text TEXT NOT NULL,
			confidence REAL NOT NULL,
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
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_chunk ON processing_tasks(chunk_id, created_at);

		CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			event_data TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, created_at);
	`)
	return err
}

// Timestamps are stored as unix nanoseconds so ordering survives the
// round-trip exactly.
func toUnixNano(t time.Time) int64 { return t.UTC().UnixNano() }

func fromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullNano(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnixNano(n.Int64)
	return &t
}

func isSQLiteUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code() == sqliteUniqueViolation || serr.Code() == sqlitePrimaryKeyViolation
}

// ============================================================================
// Session operations
// ============================================================================

func (s *SQLite) EnsureSession(ctx context.Context, sessionID string) (Session, error) {
	now := toUnixNano(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, sessionID, SessionActive, now, now)
	if err != nil {
		return Session{}, err
	}
	return s.GetSession(ctx, sessionID)
}

func (s *SQLite) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var sess Session
	var totalChunks sql.NullInt64
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, total_chunks, status, created_at, updated_at, completed_at
		FROM sessions
		WHERE id = ?
	`, sessionID).Scan(&sess.ID, &totalChunks, &sess.Status, &createdAt, &updatedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return Session{}, err
	}
	if totalChunks.Valid {
		total := int(totalChunks.Int64)
		sess.TotalChunks = &total
	}
	sess.CreatedAt = fromUnixNano(createdAt)
	sess.UpdatedAt = fromUnixNano(updatedAt)
	sess.CompletedAt = fromNullNano(completedAt)
	return sess, nil
}

func (s *SQLite) SetSessionTotalChunks(ctx context.Context, sessionID string, total int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET total_chunks = ?, updated_at = ? WHERE id = ?
	`, total, toUnixNano(time.Now()), sessionID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current SessionStatus
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, sessionID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !validSessionTransition(current, status) {
		return fmt.Errorf("session %s: %s -> %s: %w", sessionID, current, status, ErrInvalidTransition)
	}

	now := toUnixNano(time.Now())
	var completedAt any
	if status != SessionActive {
		completedAt = now
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, updated_at = ?, completed_at = COALESCE(completed_at, ?)
		WHERE id = ?
	`, status, now, completedAt, sessionID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) SessionSummary(ctx context.Context, sessionID string) (SessionSummary, error) {
	var sum SessionSummary
	var totalChunks sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.status, s.total_chunks,
		       COALESCE(SUM(CASE WHEN c.upload_status IN ('uploaded','processed') THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN c.transcription_status = 'completed' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN c.sequence_index = 0 THEN c.duration_seconds
		                         ELSE MAX(c.duration_seconds - c.overlap_seconds, 0) END), 0)
		FROM sessions s
		LEFT JOIN chunks c ON c.session_id = s.id
		WHERE s.id = ?
		GROUP BY s.id
	`, sessionID).Scan(&sum.SessionID, &sum.Status, &totalChunks,
		&sum.UploadedChunks, &sum.TranscribedChunks, &sum.TotalDurationSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionSummary{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return SessionSummary{}, err
	}
	if totalChunks.Valid {
		total := int(totalChunks.Int64)
		sum.TotalChunks = &total
	}
	return sum, nil
}

// ============================================================================
// Chunk operations
// ============================================================================

func (s *SQLite) InsertChunk(ctx context.Context, c Chunk) (Chunk, error) {
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

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chunks (id, session_id, sequence_index, overlap_seconds, duration_seconds,
		                    upload_status, transcription_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.SessionID, c.SequenceIndex, c.OverlapSeconds, c.DurationSeconds,
		c.UploadStatus, c.TranscriptionStatus, toUnixNano(c.CreatedAt), toUnixNano(c.UpdatedAt))
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return Chunk{}, fmt.Errorf("session %s sequence %d: %w", c.SessionID, c.SequenceIndex, ErrDuplicateSequence)
		}
		return Chunk{}, err
	}
	return c, nil
}

func (s *SQLite) GetChunk(ctx context.Context, chunkID string) (Chunk, error) {
	c, err := scanSQLiteChunk(s.db.QueryRowContext(ctx, `
		SELECT id, session_id, sequence_index, overlap_seconds, duration_seconds,
		       upload_status, transcription_status, created_at, updated_at
		FROM chunks
		WHERE id = ?
	`, chunkID))
	if errors.Is(err, sql.ErrNoRows) {
		return Chunk{}, fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	}
	return c, err
}

func (s *SQLite) GetChunkBySequence(ctx context.Context, sessionID string, sequenceIndex int) (Chunk, error) {
	c, err := scanSQLiteChunk(s.db.QueryRowContext(ctx, `
		SELECT id, session_id, sequence_index, overlap_seconds, duration_seconds,
		       upload_status, transcription_status, created_at, updated_at
		FROM chunks
		WHERE session_id = ? AND sequence_index = ?
	`, sessionID, sequenceIndex))
	if errors.Is(err, sql.ErrNoRows) {
		return Chunk{}, fmt.Errorf("session %s sequence %d: %w", sessionID, sequenceIndex, ErrNotFound)
	}
	return c, err
}

func (s *SQLite) ChunksForSession(ctx context.Context, sessionID string) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sequence_index, overlap_seconds, duration_seconds,
		       upload_status, transcription_status, created_at, updated_at
		FROM chunks
		WHERE session_id = ?
		ORDER BY sequence_index ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteChunks(rows)
}

func (s *SQLite) PendingChunks(ctx context.Context, olderThan time.Time, limit int) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sequence_index, overlap_seconds, duration_seconds,
		       upload_status, transcription_status, created_at, updated_at
		FROM chunks
		WHERE transcription_status = 'pending' AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?
	`, toUnixNano(olderThan), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteChunks(rows)
}

func (s *SQLite) StaleProcessingChunks(ctx context.Context, olderThan time.Time, limit int) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sequence_index, overlap_seconds, duration_seconds,
		       upload_status, transcription_status, created_at, updated_at
		FROM chunks
		WHERE transcription_status = 'processing' AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?
	`, toUnixNano(olderThan), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteChunks(rows)
}

// ResetChunkToPending returns a chunk stuck processing to pending so the
// sweep can hand it out again after a worker crash. This is the one sanctioned
// backward transition; any state other than processing is rejected.
func (s *SQLite) ResetChunkToPending(ctx context.Context, chunkID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current TranscriptionStatus
	err = tx.QueryRowContext(ctx, `SELECT transcription_status FROM chunks WHERE id = ?`, chunkID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if current != TranscriptionProcessing {
		return fmt.Errorf("chunk %s transcription %s -> pending: %w", chunkID, current, ErrInvalidTransition)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE chunks SET transcription_status = ?, updated_at = ? WHERE id = ?
	`, TranscriptionPending, toUnixNano(time.Now()), chunkID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) UpdateChunkUploadStatus(ctx context.Context, chunkID string, to UploadStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current UploadStatus
	err = tx.QueryRowContext(ctx, `SELECT upload_status FROM chunks WHERE id = ?`, chunkID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !validUploadTransition(current, to) {
		return fmt.Errorf("chunk %s upload %s -> %s: %w", chunkID, current, to, ErrInvalidTransition)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE chunks SET upload_status = ?, updated_at = ? WHERE id = ?
	`, to, toUnixNano(time.Now()), chunkID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLite) UpdateChunkTranscriptionStatus(ctx context.Context, chunkID string, to TranscriptionStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current TranscriptionStatus
	err = tx.QueryRowContext(ctx, `SELECT transcription_status FROM chunks WHERE id = ?`, chunkID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("chunk %s: %w", chunkID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !validTranscriptionTransition(current, to) {
		return fmt.Errorf("chunk %s transcription %s -> %s: %w", chunkID, current, to, ErrInvalidTransition)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE chunks SET transcription_status = ?, updated_at = ? WHERE id = ?
	`, to, toUnixNano(time.Now()), chunkID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

type sqliteRow interface {
	Scan(dest ...any) error
}

func scanSQLiteChunk(row sqliteRow) (Chunk, error) {
	var c Chunk
	var createdAt, updatedAt int64
	err := row.Scan(&c.ID, &c.SessionID, &c.SequenceIndex, &c.OverlapSeconds, &c.DurationSeconds,
		&c.UploadStatus, &c.TranscriptionStatus, &createdAt, &updatedAt)
	if err != nil {
		return Chunk{}, err
	}
	c.CreatedAt = fromUnixNano(createdAt)
	c.UpdatedAt = fromUnixNano(updatedAt)
	return c, nil
}

func scanSQLiteChunks(rows *sql.Rows) ([]Chunk, error) {
	var out []Chunk
	for rows.Next() {
		c, err := scanSQLiteChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ============================================================================
// Segment operations
// ============================================================================

func (s *SQLite) ReplaceChunkSegments(ctx context.Context, chunkID string, segments []Segment) error {
	chunk, err := s.GetChunk(ctx, chunkID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Re-transcription replaces the chunk's segment set wholesale.
	_, err = tx.ExecContext(ctx, `DELETE FROM segments WHERE chunk_id = ?`, chunkID)
	if err != nil {
		return err
	}

	for i, seg := range segments {
		id := seg.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO segments (id, chunk_id, session_id, seq, start_seconds, end_seconds, text, confidence, provider)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, chunkID, chunk.SessionID, i, seg.StartSeconds, seg.EndSeconds, seg.Text, seg.Confidence, seg.Provider)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) SegmentsForSession(ctx context.Context, sessionID string) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.id, g.chunk_id, g.session_id, g.seq, g.start_seconds, g.end_seconds, g.text, g.confidence, g.provider
		FROM segments g
		JOIN chunks c ON c.id = g.chunk_id
		WHERE g.session_id = ?
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

func (s *SQLite) CreateTask(ctx context.Context, chunkID string, maxAttempts int) (ProcessingTask, error) {
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processing_tasks (id, chunk_id, status, attempt_count, max_attempts, last_error, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.ChunkID, t.Status, t.AttemptCount, t.MaxAttempts, t.LastError, t.Progress,
		toUnixNano(t.CreatedAt), toUnixNano(t.UpdatedAt))
	if err != nil {
		return ProcessingTask{}, err
	}
	return t, nil
}

func (s *SQLite) GetTask(ctx context.Context, taskID string) (ProcessingTask, error) {
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx, `
		SELECT id, chunk_id, status, attempt_count, max_attempts, last_error, progress, created_at, updated_at, completed_at
		FROM processing_tasks
		WHERE id = ?
	`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return ProcessingTask{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t, err
}

func (s *SQLite) LatestTaskForChunk(ctx context.Context, chunkID string) (ProcessingTask, error) {
	t, err := scanSQLiteTask(s.db.QueryRowContext(ctx, `
		SELECT id, chunk_id, status, attempt_count, max_attempts, last_error, progress, created_at, updated_at, completed_at
		FROM processing_tasks
		WHERE chunk_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, chunkID))
	if errors.Is(err, sql.ErrNoRows) {
		return ProcessingTask{}, fmt.Errorf("chunk %s task: %w", chunkID, ErrNotFound)
	}
	return t, err
}

func (s *SQLite) MarkTaskRunning(ctx context.Context, taskID string) (ProcessingTask, error) {
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

func (s *SQLite) MarkTaskRetrying(ctx context.Context, taskID string, lastError string) (ProcessingTask, error) {
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

func (s *SQLite) MarkTaskCompleted(ctx context.Context, taskID string) (ProcessingTask, error) {
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

func (s *SQLite) MarkTaskFailed(ctx context.Context, taskID string, lastError string) (ProcessingTask, error) {
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

func (s *SQLite) SetTaskProgress(ctx context.Context, taskID string, progress int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE processing_tasks SET progress = ?, updated_at = ? WHERE id = ?
	`, progress, toUnixNano(time.Now()), taskID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

func (s *SQLite) updateTask(ctx context.Context, taskID string, fn func(*ProcessingTask) error) (ProcessingTask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ProcessingTask{}, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanSQLiteTask(tx.QueryRowContext(ctx, `
		SELECT id, chunk_id, status, attempt_count, max_attempts, last_error, progress, created_at, updated_at, completed_at
		FROM processing_tasks
		WHERE id = ?
	`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return ProcessingTask{}, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return ProcessingTask{}, err
	}

	if err := fn(&t); err != nil {
		return ProcessingTask{}, err
	}
	t.UpdatedAt = time.Now().UTC()

	var completedAt any
	if t.CompletedAt != nil {
		completedAt = toUnixNano(*t.CompletedAt)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE processing_tasks
		SET status = ?, attempt_count = ?, last_error = ?, progress = ?, updated_at = ?, completed_at = ?
		WHERE id = ?
	`, t.Status, t.AttemptCount, t.LastError, t.Progress, toUnixNano(t.UpdatedAt), completedAt, t.ID)
	if err != nil {
		return ProcessingTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return ProcessingTask{}, err
	}
	return t, nil
}

func scanSQLiteTask(row sqliteRow) (ProcessingTask, error) {
	var t ProcessingTask
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64
	err := row.Scan(&t.ID, &t.ChunkID, &t.Status, &t.AttemptCount, &t.MaxAttempts,
		&t.LastError, &t.Progress, &createdAt, &updatedAt, &completedAt)
	if err != nil {
		return ProcessingTask{}, err
	}
	t.CreatedAt = fromUnixNano(createdAt)
	t.UpdatedAt = fromUnixNano(updatedAt)
	t.CompletedAt = fromNullNano(completedAt)
	return t, nil
}

// ============================================================================
// Audit trail operations
// ============================================================================

func (s *SQLite) InsertSessionEvent(ctx context.Context, sessionID string, eventType string, data []byte) error {
	if len(data) == 0 {
		data = []byte(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data, created_at)
		VALUES (?, ?, ?, ?)
	`, sessionID, eventType, string(data), toUnixNano(time.Now()))
	return err
}

func (s *SQLite) SessionEvents(ctx context.Context, sessionID string, limit int) ([]SessionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, event_type, event_data, created_at
		FROM session_events
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SessionEvent
	for rows.Next() {
		var e SessionEvent
		var data string
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &data, &createdAt); err != nil {
			return nil, err
		}
		e.EventData = []byte(data)
		e.CreatedAt = fromUnixNano(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
