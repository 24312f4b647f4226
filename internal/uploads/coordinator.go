package uploads

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duocast/backend/internal/models"
	"github.com/duocast/backend/pkg/storage"
)

const (
	storageRetries    = 3
	storageRetryDelay = 500 * time.Millisecond
)

// ChunkStore is the object storage surface the coordinator needs.
type ChunkStore interface {
	PresignUpload(ctx context.Context, key, contentType string, expires time.Duration) (string, error)
	PresignExpire() time.Duration
	Head(ctx context.Context, key string) (etag string, size int64, err error)
}

// RecordingStore is the persistence surface the coordinator needs.
type RecordingStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error)
	GetByRoomID(ctx context.Context, roomID string) (*models.Recording, error)
	MarkActive(ctx context.Context, id uuid.UUID) error
	MarkStopped(ctx context.Context, id uuid.UUID) error
	BeginProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	UpsertPendingChunk(ctx context.Context, c *models.Chunk) error
	GetChunkByKey(ctx context.Context, recordingID uuid.UUID, storageKey string) (*models.Chunk, error)
	ConfirmChunk(ctx context.Context, id uuid.UUID, etag string, sizeBytes int64) error
	CountPendingChunks(ctx context.Context, recordingID uuid.UUID) (int, error)
}

// JobQueue enqueues a recording for media assembly.
type JobQueue interface {
	EnqueueProcessing(ctx context.Context, roomID string, recordingID uuid.UUID) error
}

// Coordinator manages the chunk upload lifecycle: issuing presigned upload
// slots, verifying uploaded objects against storage, and handing a
// recording to the assembly queue once the session has stopped and every
// registered chunk is confirmed.
type Coordinator struct {
	repo   RecordingStore
	store  ChunkStore
	queue  JobQueue
	logger *zap.Logger
}

// NewCoordinator creates an upload coordinator.
func NewCoordinator(repo RecordingStore, store ChunkStore, queue JobQueue, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{repo: repo, store: store, queue: queue, logger: logger}
}

// SlotRequest asks for a presigned upload URL for one chunk.
type SlotRequest struct {
	RecordingID uuid.UUID
	Role        string
	ChunkIndex  int
	ContentType string
	StartMs     int64
	EndMs       int64
}

// Slot is an issued upload destination.
type Slot struct {
	UploadURL string
	FilePath  string
	ExpiresIn int
	ExpiresAt time.Time
}

// GenerateUploadSlot validates the request, registers the chunk as pending
// and returns a presigned PUT URL for it. Re-requesting the same
// (role, index) slot re-issues the URL against the same storage key.
func (co *Coordinator) GenerateUploadSlot(ctx context.Context, req SlotRequest) (*Slot, error) {
	if !models.ValidRole(req.Role) {
		return nil, fmt.Errorf("%w: unknown role %q", models.ErrValidation, req.Role)
	}
	if req.ChunkIndex < 0 {
		return nil, fmt.Errorf("%w: negative chunk index", models.ErrValidation)
	}
	if !storage.ValidChunkContentType(req.ContentType) {
		return nil, fmt.Errorf("%w: unsupported content type %q", models.ErrValidation, req.ContentType)
	}
	if req.EndMs != 0 && req.EndMs < req.StartMs {
		return nil, fmt.Errorf("%w: end_ms before start_ms", models.ErrValidation)
	}

	rec, err := co.repo.GetByID(ctx, req.RecordingID)
	if err != nil {
		return nil, err
	}
	if models.StatusRank(rec.Status) >= models.StatusRank(models.RecordingStatusProcessing) {
		return nil, fmt.Errorf("%w: recording is %s, uploads closed", models.ErrValidation, rec.Status)
	}
	if err := co.repo.MarkActive(ctx, rec.ID); err != nil {
		return nil, err
	}

	key := storage.ChunkKey(rec.RoomID, req.Role, req.ChunkIndex, req.ContentType)
	expire := co.store.PresignExpire()
	var url string
	err = co.withRetry(ctx, "presign upload", func() error {
		var perr error
		url, perr = co.store.PresignUpload(ctx, key, req.ContentType, expire)
		return perr
	})
	if err != nil {
		return nil, err
	}

	chunk := &models.Chunk{
		RecordingID: rec.ID,
		Role:        req.Role,
		ChunkIndex:  req.ChunkIndex,
		StorageKey:  key,
		StartMs:     req.StartMs,
		EndMs:       req.EndMs,
	}
	if err := co.repo.UpsertPendingChunk(ctx, chunk); err != nil {
		return nil, err
	}

	co.logger.Debug("upload slot issued",
		zap.String("recording_id", rec.ID.String()),
		zap.String("role", req.Role),
		zap.Int("chunk_index", req.ChunkIndex))
	return &Slot{
		UploadURL: url,
		FilePath:  key,
		ExpiresIn: int(expire.Seconds()),
		ExpiresAt: time.Now().Add(expire),
	}, nil
}

// ConfirmRequest reports a finished client upload for verification.
type ConfirmRequest struct {
	RecordingID uuid.UUID
	FilePath    string
	ETag        string
}

// ConfirmResult reports the verification outcome.
type ConfirmResult struct {
	Verified  bool
	SizeBytes int64
	// Enqueued is true when this confirmation completed the recording and
	// queued it for assembly.
	Enqueued bool
}

// ConfirmUpload checks the uploaded object exists in storage with the
// client's ETag, marks the chunk confirmed and, when the recording is
// stopped with nothing left pending, hands it to the processing queue.
// Confirming an already-confirmed chunk is a no-op that reports verified.
func (co *Coordinator) ConfirmUpload(ctx context.Context, req ConfirmRequest) (*ConfirmResult, error) {
	rec, err := co.repo.GetByID(ctx, req.RecordingID)
	if err != nil {
		return nil, err
	}
	chunk, err := co.repo.GetChunkByKey(ctx, rec.ID, req.FilePath)
	if err != nil {
		return nil, err
	}
	if chunk.State == models.ChunkStateConfirmed {
		return &ConfirmResult{Verified: true, SizeBytes: chunk.SizeBytes}, nil
	}

	var etag string
	var size int64
	err = co.withRetry(ctx, "head chunk", func() error {
		var herr error
		etag, size, herr = co.store.Head(ctx, chunk.StorageKey)
		return herr
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: object %s not found in storage", models.ErrIntegrity, chunk.StorageKey)
		}
		return nil, err
	}
	if want := strings.Trim(req.ETag, `"`); want != "" && want != etag {
		return nil, fmt.Errorf("%w: etag mismatch for %s", models.ErrIntegrity, chunk.StorageKey)
	}
	if err := co.repo.ConfirmChunk(ctx, chunk.ID, etag, size); err != nil {
		return nil, err
	}

	enqueued, err := co.evaluateCompletion(ctx, rec)
	if err != nil {
		return nil, err
	}
	return &ConfirmResult{Verified: true, SizeBytes: size, Enqueued: enqueued}, nil
}

// StopRecording marks the live session ended and enqueues assembly if all
// registered chunks are already confirmed. Safe to call more than once.
func (co *Coordinator) StopRecording(ctx context.Context, roomID, userID string) (bool, error) {
	rec, err := co.repo.GetByRoomID(ctx, roomID)
	if err != nil {
		return false, err
	}
	if err := co.repo.MarkStopped(ctx, rec.ID); err != nil {
		return false, err
	}
	now := time.Now()
	rec.EndedAt = &now
	co.logger.Info("recording stopped",
		zap.String("room_id", roomID), zap.String("stopped_by", userID))
	return co.evaluateCompletion(ctx, rec)
}

// evaluateCompletion enqueues assembly once the session is stopped and no
// registered chunk is still pending. The status transition in
// BeginProcessing guarantees a single enqueue across concurrent callers.
func (co *Coordinator) evaluateCompletion(ctx context.Context, rec *models.Recording) (bool, error) {
	if !rec.Stopped() {
		return false, nil
	}
	pending, err := co.repo.CountPendingChunks(ctx, rec.ID)
	if err != nil {
		return false, err
	}
	if pending > 0 {
		return false, nil
	}
	won, err := co.repo.BeginProcessing(ctx, rec.ID)
	if err != nil || !won {
		return false, err
	}
	if err := co.queue.EnqueueProcessing(ctx, rec.RoomID, rec.ID); err != nil {
		co.logger.Error("enqueue processing failed",
			zap.Error(err), zap.String("room_id", rec.RoomID))
		return false, err
	}
	co.logger.Info("recording queued for assembly", zap.String("room_id", rec.RoomID))
	return true, nil
}

// withRetry retries op on transient storage errors with a short delay.
// Validation and integrity errors surface immediately.
func (co *Coordinator) withRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for attempt := 1; attempt <= storageRetries; attempt++ {
		if err = op(); err == nil || !errors.Is(err, models.ErrTransientStorage) {
			return err
		}
		co.logger.Warn("transient storage error, retrying",
			zap.String("op", name), zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(storageRetryDelay):
		}
	}
	return err
}
