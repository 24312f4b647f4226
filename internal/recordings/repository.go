package recordings

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duocast/backend/internal/models"
)

// Repository handles recording and chunk persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordingCols = `id, room_id, host_user_id, COALESCE(title,''), status, COALESCE(video_url,''),
	duration_seconds, COALESCE(processing_error,''), processing_attempts, max_participants,
	created_at, started_at, ended_at, processed_at`

func scanRecording(row pgx.Row) (*models.Recording, error) {
	var rec models.Recording
	err := row.Scan(&rec.ID, &rec.RoomID, &rec.HostUserID, &rec.Title, &rec.Status, &rec.VideoURL,
		&rec.DurationSeconds, &rec.ProcessingError, &rec.ProcessingAttempts, &rec.MaxParticipants,
		&rec.CreatedAt, &rec.StartedAt, &rec.EndedAt, &rec.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Create inserts a new recording session for a room.
func (r *Repository) Create(ctx context.Context, rec *models.Recording) error {
	const q = `INSERT INTO recordings (id, room_id, host_user_id, title, status, max_participants)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5)
		RETURNING id, created_at`
	return r.pool.QueryRow(ctx, q, rec.RoomID, rec.HostUserID, rec.Title, rec.Status, rec.MaxParticipants).
		Scan(&rec.ID, &rec.CreatedAt)
}

// GetByID returns a recording by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	const q = `SELECT ` + recordingCols + ` FROM recordings WHERE id = $1`
	return scanRecording(r.pool.QueryRow(ctx, q, id))
}

// GetByRoomID returns the recording for a room.
func (r *Repository) GetByRoomID(ctx context.Context, roomID string) (*models.Recording, error) {
	const q = `SELECT ` + recordingCols + ` FROM recordings WHERE room_id = $1`
	return scanRecording(r.pool.QueryRow(ctx, q, roomID))
}

// ListByHost returns all recordings created by a host, newest first.
func (r *Repository) ListByHost(ctx context.Context, hostUserID string) ([]models.Recording, error) {
	const q = `SELECT ` + recordingCols + ` FROM recordings WHERE host_user_id = $1 ORDER BY created_at DESC`
	rows, err := r.pool.Query(ctx, q, hostUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

// UpdateTitle renames a recording.
func (r *Repository) UpdateTitle(ctx context.Context, id uuid.UUID, title string) error {
	const q = `UPDATE recordings SET title = $1 WHERE id = $2`
	tag, err := r.pool.Exec(ctx, q, title, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// MarkActive moves a freshly created recording to active on first upload
// activity. A no-op when the recording already progressed past created.
func (r *Repository) MarkActive(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE recordings SET status = $1, started_at = COALESCE(started_at, NOW())
		WHERE id = $2 AND status = $3`
	_, err := r.pool.Exec(ctx, q, models.RecordingStatusActive, id, models.RecordingStatusCreated)
	return err
}

// MarkStopped records that the live session ended. Idempotent: the first
// call wins the ended_at timestamp.
func (r *Repository) MarkStopped(ctx context.Context, id uuid.UUID) error {
	const q = `UPDATE recordings SET ended_at = COALESCE(ended_at, NOW()) WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// BeginProcessing transitions the recording into processing. The status
// guard makes the transition happen exactly once: true means this caller
// won the transition and owns the single enqueue.
func (r *Repository) BeginProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `UPDATE recordings SET status = $1
		WHERE id = $2 AND status IN ($3, $4)`
	tag, err := r.pool.Exec(ctx, q, models.RecordingStatusProcessing, id, models.RecordingStatusCreated, models.RecordingStatusActive)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted stores the final video result.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID, videoURL string, durationSeconds float64) error {
	const q = `UPDATE recordings SET status = $1, video_url = $2, duration_seconds = $3,
		processing_error = '', processed_at = NOW() WHERE id = $4`
	_, err := r.pool.Exec(ctx, q, models.RecordingStatusCompleted, videoURL, durationSeconds, id)
	return err
}

// MarkFailed records a terminal processing failure.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, processingError string) error {
	const q = `UPDATE recordings SET status = $1, processing_error = $2 WHERE id = $3`
	_, err := r.pool.Exec(ctx, q, models.RecordingStatusFailed, processingError, id)
	return err
}

// IncrementAttempts bumps the processing attempt counter and returns the
// new value.
func (r *Repository) IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	const q = `UPDATE recordings SET processing_attempts = processing_attempts + 1
		WHERE id = $1 RETURNING processing_attempts`
	var attempts int
	err := r.pool.QueryRow(ctx, q, id).Scan(&attempts)
	return attempts, err
}

// Delete removes a recording and its chunk rows.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM recordings WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

const chunkCols = `id, recording_id, role, chunk_index, storage_key, start_ms, end_ms,
	size_bytes, COALESCE(etag,''), state, created_at`

func scanChunk(row pgx.Row) (*models.Chunk, error) {
	var c models.Chunk
	err := row.Scan(&c.ID, &c.RecordingID, &c.Role, &c.ChunkIndex, &c.StorageKey, &c.StartMs, &c.EndMs,
		&c.SizeBytes, &c.ETag, &c.State, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// UpsertPendingChunk registers an upload slot for (recording, role, index).
// Re-requesting the same slot refreshes the row rather than duplicating it.
func (r *Repository) UpsertPendingChunk(ctx context.Context, c *models.Chunk) error {
	const q = `INSERT INTO recording_chunks (id, recording_id, role, chunk_index, storage_key, start_ms, end_ms, state)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (recording_id, role, chunk_index)
		DO UPDATE SET storage_key = EXCLUDED.storage_key, start_ms = EXCLUDED.start_ms, end_ms = EXCLUDED.end_ms
		RETURNING id, state, created_at`
	return r.pool.QueryRow(ctx, q, c.RecordingID, c.Role, c.ChunkIndex, c.StorageKey, c.StartMs, c.EndMs, models.ChunkStatePending).
		Scan(&c.ID, &c.State, &c.CreatedAt)
}

// GetChunkByKey returns the chunk registered under a storage key.
func (r *Repository) GetChunkByKey(ctx context.Context, recordingID uuid.UUID, storageKey string) (*models.Chunk, error) {
	const q = `SELECT ` + chunkCols + ` FROM recording_chunks WHERE recording_id = $1 AND storage_key = $2`
	return scanChunk(r.pool.QueryRow(ctx, q, recordingID, storageKey))
}

// ConfirmChunk marks a chunk verified against storage.
func (r *Repository) ConfirmChunk(ctx context.Context, id uuid.UUID, etag string, sizeBytes int64) error {
	const q = `UPDATE recording_chunks SET state = $1, etag = $2, size_bytes = $3 WHERE id = $4`
	tag, err := r.pool.Exec(ctx, q, models.ChunkStateConfirmed, etag, sizeBytes, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// CountPendingChunks returns how many registered chunks await confirmation.
func (r *Repository) CountPendingChunks(ctx context.Context, recordingID uuid.UUID) (int, error) {
	const q = `SELECT COUNT(*) FROM recording_chunks WHERE recording_id = $1 AND state = $2`
	var n int
	err := r.pool.QueryRow(ctx, q, recordingID, models.ChunkStatePending).Scan(&n)
	return n, err
}

// ListConfirmedChunks returns a role's confirmed chunks in timeline order.
func (r *Repository) ListConfirmedChunks(ctx context.Context, recordingID uuid.UUID, role string) ([]models.Chunk, error) {
	const q = `SELECT ` + chunkCols + ` FROM recording_chunks
		WHERE recording_id = $1 AND role = $2 AND state = $3
		ORDER BY start_ms ASC, chunk_index ASC`
	rows, err := r.pool.Query(ctx, q, recordingID, role, models.ChunkStateConfirmed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *c)
	}
	return list, rows.Err()
}
