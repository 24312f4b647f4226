package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duocast/backend/internal/assembler"
	"github.com/duocast/backend/internal/models"
	"github.com/duocast/backend/internal/realtime"
	"github.com/duocast/backend/pkg/queue"
)

// RecordingStore is the persistence surface the processor needs.
type RecordingStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, videoURL string, durationSeconds float64) error
	MarkFailed(ctx context.Context, id uuid.UUID, processingError string) error
	IncrementAttempts(ctx context.Context, id uuid.UUID) (int, error)
}

// MediaAssembler produces the final video for a recording.
type MediaAssembler interface {
	Assemble(ctx context.Context, roomID string, recordingID uuid.UUID) (*assembler.Result, error)
}

// Notifier fans a room event out to connected clients.
type Notifier interface {
	PublishRoomEvent(roomID string, env realtime.Envelope) error
}

// AssemblyQueue is the job queue surface the processor consumes.
type AssemblyQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Ack(ctx context.Context, job *queue.Job) error
	Retry(ctx context.Context, job *queue.Job) (exhausted bool, err error)
	RequeueInflight(ctx context.Context) (int, error)
}

// Processor consumes assembly jobs: run the assembler, persist the
// outcome, then acknowledge. Jobs are acknowledged only after the status
// update lands, so a crash mid-job re-delivers it.
type Processor struct {
	repo      RecordingStore
	assembler MediaAssembler
	queue     AssemblyQueue
	notifier  Notifier
	origin    string
	logger    *zap.Logger

	// Backoff is the pause after a failed attempt or dequeue error.
	Backoff time.Duration
}

// NewProcessor creates an assembly job processor.
func NewProcessor(repo RecordingStore, asm MediaAssembler, q AssemblyQueue, notifier Notifier, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		repo:      repo,
		assembler: asm,
		queue:     q,
		notifier:  notifier,
		origin:    uuid.New().String(),
		logger:    logger,
		Backoff:   queue.RetryBackoff,
	}
}

// Process executes one assembly job. A nil return means the job reached a
// terminal persisted state and can be acknowledged.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	rec, err := p.repo.GetByID(ctx, job.RecordingID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// deleted while queued: nothing to assemble
			p.logger.Info("recording gone, skipping job",
				zap.String("job_id", job.ID), zap.String("room_id", job.RoomID))
			return nil
		}
		return err
	}
	if rec.Status == models.RecordingStatusCompleted {
		p.logger.Info("recording already completed", zap.String("recording_id", rec.ID.String()))
		return nil
	}

	res, err := p.assembler.Assemble(ctx, job.RoomID, job.RecordingID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			p.logger.Info("recording deleted mid-assembly, skipping",
				zap.String("job_id", job.ID), zap.String("room_id", job.RoomID))
			return nil
		}
		return err
	}

	if err := p.repo.MarkCompleted(ctx, job.RecordingID, res.VideoURL, res.DurationSeconds); err != nil {
		return err
	}
	p.notify(job.RoomID, "video-processing-update", map[string]interface{}{
		"room_id":          job.RoomID,
		"status":           models.RecordingStatusCompleted,
		"video_url":        res.VideoURL,
		"duration_seconds": res.DurationSeconds,
	})
	p.logger.Info("assembly job completed",
		zap.String("job_id", job.ID), zap.String("room_id", job.RoomID))
	return nil
}

// Run starts the worker loop. Orphaned inflight jobs from a previous crash
// are requeued first.
func (p *Processor) Run(ctx context.Context) {
	if moved, err := p.queue.RequeueInflight(ctx); err != nil {
		p.logger.Warn("requeue inflight failed", zap.Error(err))
	} else if moved > 0 {
		p.logger.Info("requeued orphaned jobs", zap.Int("count", moved))
	}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("assembly worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(p.Backoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job",
			zap.String("job_id", job.ID), zap.String("room_id", job.RoomID), zap.Int("attempt", job.Attempt))
		if err := p.Process(ctx, job); err != nil {
			p.handleFailure(ctx, job, err)
			continue
		}
		if err := p.queue.Ack(ctx, job); err != nil {
			p.logger.Warn("ack failed", zap.Error(err), zap.String("job_id", job.ID))
		}
	}
}

func (p *Processor) handleFailure(ctx context.Context, job *queue.Job, procErr error) {
	if ctx.Err() != nil {
		// shutting down: leave the job inflight for recovery
		return
	}
	p.logger.Error("assembly job failed",
		zap.String("job_id", job.ID), zap.String("room_id", job.RoomID), zap.Error(procErr))

	if _, err := p.repo.IncrementAttempts(ctx, job.RecordingID); err != nil {
		p.logger.Warn("increment attempts failed", zap.Error(err))
	}
	exhausted, err := p.queue.Retry(ctx, job)
	if err != nil {
		p.logger.Error("retry enqueue failed", zap.Error(err), zap.String("job_id", job.ID))
		return
	}
	if exhausted {
		if err := p.repo.MarkFailed(ctx, job.RecordingID, procErr.Error()); err != nil {
			p.logger.Error("mark failed errored", zap.Error(err), zap.String("job_id", job.ID))
		}
		p.notify(job.RoomID, "video-processing-error", map[string]interface{}{
			"room_id": job.RoomID,
			"status":  models.RecordingStatusFailed,
			"error":   procErr.Error(),
		})
		return
	}
	time.Sleep(p.Backoff)
}

func (p *Processor) notify(roomID, event string, payload map[string]interface{}) {
	if p.notifier == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := p.notifier.PublishRoomEvent(roomID, realtime.Envelope{
		Event:  event,
		Data:   data,
		Origin: p.origin,
	}); err != nil {
		p.logger.Warn("publish room event failed", zap.Error(err), zap.String("room_id", roomID))
	}
}
