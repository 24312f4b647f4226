package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// KeyProcessing is the Redis list holding pending assembly jobs.
	KeyProcessing = "worker:processing"
	// KeyInflight holds jobs moved out of the pending list but not yet
	// acknowledged; a crashed worker leaves its job here for recovery.
	KeyInflight = "worker:processing:inflight"
	// KeyDLQ is the dead-letter list for jobs past their retry budget.
	KeyDLQ = "worker:dlq"
	// MaxRetries bounds attempts before a job moves to the DLQ.
	MaxRetries = 3
	// RetryBackoff is the default delay between retry attempts.
	RetryBackoff = 10 * time.Second
	// dequeueBlock bounds each blocking pop so shutdown stays responsive.
	dequeueBlock = 5 * time.Second
)

// Job is one media assembly job.
type Job struct {
	ID          string    `json:"id"`
	RoomID      string    `json:"room_id"`
	RecordingID uuid.UUID `json:"recording_id"`
	Attempt     int       `json:"attempt"`
	CreatedAt   time.Time `json:"created_at"`

	// raw is the exact list entry this job was popped as; needed to
	// acknowledge it out of the inflight list.
	raw string
}

// Queue is a Redis-list job queue with at-least-once delivery: Dequeue
// moves an entry to the inflight list, Ack removes it only after the caller
// has persisted the outcome. A crash between the two re-delivers the job.
type Queue struct {
	client *redis.Client
	logger *zap.Logger

	// MaxRetries bounds delivery attempts before a job moves to the DLQ.
	MaxRetries int
}

// NewQueue creates a Redis-backed processing queue with the default retry
// policy.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger, MaxRetries: MaxRetries}
}

// EnqueueProcessing pushes an assembly job for a recording. Callers gate
// this behind the recording's status transition so a recording is enqueued
// at most once.
func (q *Queue) EnqueueProcessing(ctx context.Context, roomID string, recordingID uuid.UUID) error {
	job := Job{
		ID:          uuid.New().String(),
		RoomID:      roomID,
		RecordingID: recordingID,
		CreatedAt:   time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, KeyProcessing, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued processing job",
		zap.String("job_id", job.ID), zap.String("room_id", roomID))
	return nil
}

// Dequeue blocks for up to a few seconds waiting for a job, moving it to
// the inflight list. Returns (nil, nil) when no job arrived in the window.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	raw, err := q.client.BLMove(ctx, KeyProcessing, KeyInflight, "LEFT", "RIGHT", dequeueBlock).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// poison entry: drop it from inflight and move on
		q.logger.Warn("invalid job payload", zap.String("raw", raw), zap.Error(err))
		_ = q.client.LRem(ctx, KeyInflight, 1, raw).Err()
		return nil, nil
	}
	job.raw = raw
	return &job, nil
}

// Ack removes a delivered job from the inflight list. Call only after the
// job's outcome is persisted.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	return q.client.LRem(ctx, KeyInflight, 1, job.raw).Err()
}

// Retry re-enqueues a failed job with an incremented attempt counter and
// acknowledges the delivered entry. Past MaxRetries the job lands in the
// DLQ instead; the second return value reports whether that happened.
func (q *Queue) Retry(ctx context.Context, job *Job) (exhausted bool, err error) {
	next := *job
	next.Attempt++
	raw, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	dest := KeyProcessing
	if next.Attempt >= q.MaxRetries {
		dest = KeyDLQ
		exhausted = true
	}
	if err := q.client.RPush(ctx, dest, raw).Err(); err != nil {
		return false, fmt.Errorf("rpush %s: %w", dest, err)
	}
	if err := q.Ack(ctx, job); err != nil {
		return exhausted, err
	}
	if exhausted {
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", next.Attempt))
	} else {
		q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", next.Attempt))
	}
	return exhausted, nil
}

// RequeueInflight moves any orphaned inflight entries back to the pending
// list. Run at worker startup to recover jobs from a previous crash.
func (q *Queue) RequeueInflight(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, KeyInflight, KeyProcessing, "LEFT", "RIGHT").Result()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}
