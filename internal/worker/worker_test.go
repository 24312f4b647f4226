package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/duocast/backend/internal/assembler"
	"github.com/duocast/backend/internal/models"
	"github.com/duocast/backend/internal/realtime"
	"github.com/duocast/backend/pkg/queue"
)

type fakeRepo struct {
	recording *models.Recording
	completed []string // video URLs
	failed    []string
	attempts  int
}

func (f *fakeRepo) GetByID(_ context.Context, _ uuid.UUID) (*models.Recording, error) {
	if f.recording == nil {
		return nil, models.ErrNotFound
	}
	return f.recording, nil
}

func (f *fakeRepo) MarkCompleted(_ context.Context, _ uuid.UUID, videoURL string, _ float64) error {
	f.completed = append(f.completed, videoURL)
	f.recording.Status = models.RecordingStatusCompleted
	return nil
}

func (f *fakeRepo) MarkFailed(_ context.Context, _ uuid.UUID, processingError string) error {
	f.failed = append(f.failed, processingError)
	return nil
}

func (f *fakeRepo) IncrementAttempts(_ context.Context, _ uuid.UUID) (int, error) {
	f.attempts++
	return f.attempts, nil
}

type fakeAssembler struct {
	result *assembler.Result
	err    error
	calls  int
}

func (f *fakeAssembler) Assemble(_ context.Context, _ string, _ uuid.UUID) (*assembler.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeNotifier struct {
	events []realtime.Envelope
	rooms  []string
}

func (f *fakeNotifier) PublishRoomEvent(roomID string, env realtime.Envelope) error {
	f.rooms = append(f.rooms, roomID)
	f.events = append(f.events, env)
	return nil
}

func testJob(recordingID uuid.UUID) *queue.Job {
	return &queue.Job{ID: uuid.New().String(), RoomID: "room1", RecordingID: recordingID}
}

func TestProcessor_Success(t *testing.T) {
	recID := uuid.New()
	repo := &fakeRepo{recording: &models.Recording{ID: recID, RoomID: "room1", Status: models.RecordingStatusProcessing}}
	asm := &fakeAssembler{result: &assembler.Result{VideoURL: "https://cdn.example/final.mp4", DurationSeconds: 12.5}}
	notifier := &fakeNotifier{}
	p := NewProcessor(repo, asm, nil, notifier, zap.NewNop())

	err := p.Process(context.Background(), testJob(recID))
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example/final.mp4"}, repo.completed)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, []string{"room1"}, notifier.rooms)
	env := notifier.events[0]
	assert.Equal(t, "video-processing-update", env.Event)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "room1", payload["room_id"])
	assert.Equal(t, models.RecordingStatusCompleted, payload["status"])
	assert.Equal(t, "https://cdn.example/final.mp4", payload["video_url"])
	assert.Equal(t, 12.5, payload["duration_seconds"])
}

func TestProcessor_RecordingGoneSkips(t *testing.T) {
	repo := &fakeRepo{}
	asm := &fakeAssembler{}
	p := NewProcessor(repo, asm, nil, &fakeNotifier{}, zap.NewNop())

	err := p.Process(context.Background(), testJob(uuid.New()))
	require.NoError(t, err, "deleted recording is not a job failure")
	assert.Zero(t, asm.calls)
}

func TestProcessor_AlreadyCompletedSkips(t *testing.T) {
	recID := uuid.New()
	repo := &fakeRepo{recording: &models.Recording{ID: recID, RoomID: "room1", Status: models.RecordingStatusCompleted}}
	asm := &fakeAssembler{}
	notifier := &fakeNotifier{}
	p := NewProcessor(repo, asm, nil, notifier, zap.NewNop())

	err := p.Process(context.Background(), testJob(recID))
	require.NoError(t, err)
	assert.Zero(t, asm.calls, "completed recording must not be reassembled")
	assert.Empty(t, notifier.events)
}

func TestProcessor_DeletedMidAssemblySkips(t *testing.T) {
	recID := uuid.New()
	repo := &fakeRepo{recording: &models.Recording{ID: recID, RoomID: "room1", Status: models.RecordingStatusProcessing}}
	asm := &fakeAssembler{err: models.ErrNotFound}
	p := NewProcessor(repo, asm, nil, &fakeNotifier{}, zap.NewNop())

	err := p.Process(context.Background(), testJob(recID))
	require.NoError(t, err)
	assert.Empty(t, repo.completed)
}

func TestProcessor_AssemblyFailureSurfaces(t *testing.T) {
	recID := uuid.New()
	repo := &fakeRepo{recording: &models.Recording{ID: recID, RoomID: "room1", Status: models.RecordingStatusProcessing}}
	boom := errors.New("ffmpeg exploded")
	asm := &fakeAssembler{err: boom}
	notifier := &fakeNotifier{}
	p := NewProcessor(repo, asm, nil, notifier, zap.NewNop())

	err := p.Process(context.Background(), testJob(recID))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, repo.completed)
	assert.Empty(t, notifier.events, "no completion event on failure")
}

type fakeQueue struct {
	retryCalls int
	exhausted  bool
	acked      int
	requeued   int
}

func (f *fakeQueue) Dequeue(_ context.Context) (*queue.Job, error) { return nil, nil }

func (f *fakeQueue) Ack(_ context.Context, _ *queue.Job) error {
	f.acked++
	return nil
}

func (f *fakeQueue) Retry(_ context.Context, _ *queue.Job) (bool, error) {
	f.retryCalls++
	return f.exhausted, nil
}

func (f *fakeQueue) RequeueInflight(_ context.Context) (int, error) { return f.requeued, nil }

func TestProcessor_RetryExhaustedMarksFailed(t *testing.T) {
	recID := uuid.New()
	repo := &fakeRepo{recording: &models.Recording{ID: recID, RoomID: "room1", Status: models.RecordingStatusProcessing}}
	q := &fakeQueue{exhausted: true}
	notifier := &fakeNotifier{}
	p := NewProcessor(repo, &fakeAssembler{}, q, notifier, zap.NewNop())
	p.Backoff = 0

	p.handleFailure(context.Background(), testJob(recID), errors.New("ffmpeg exploded"))

	assert.Equal(t, 1, repo.attempts)
	assert.Equal(t, 1, q.retryCalls)
	require.Equal(t, []string{"ffmpeg exploded"}, repo.failed,
		"exhausted job must persist the failure with the captured error")

	require.Len(t, notifier.events, 1)
	env := notifier.events[0]
	assert.Equal(t, "video-processing-error", env.Event)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, "room1", payload["room_id"])
	assert.Equal(t, models.RecordingStatusFailed, payload["status"])
	assert.Equal(t, "ffmpeg exploded", payload["error"])
}

func TestProcessor_RetryNotExhaustedRequeues(t *testing.T) {
	recID := uuid.New()
	repo := &fakeRepo{recording: &models.Recording{ID: recID, RoomID: "room1", Status: models.RecordingStatusProcessing}}
	q := &fakeQueue{}
	notifier := &fakeNotifier{}
	p := NewProcessor(repo, &fakeAssembler{}, q, notifier, zap.NewNop())
	p.Backoff = 0

	p.handleFailure(context.Background(), testJob(recID), errors.New("transient"))

	assert.Equal(t, 1, q.retryCalls)
	assert.Empty(t, repo.failed, "job with retries left must not be marked failed")
	assert.Empty(t, notifier.events)
}

func TestProcessor_ShutdownLeavesJobInflight(t *testing.T) {
	recID := uuid.New()
	repo := &fakeRepo{recording: &models.Recording{ID: recID, RoomID: "room1", Status: models.RecordingStatusProcessing}}
	q := &fakeQueue{exhausted: true}
	p := NewProcessor(repo, &fakeAssembler{}, q, &fakeNotifier{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.handleFailure(ctx, testJob(recID), errors.New("boom"))

	assert.Zero(t, q.retryCalls, "shutdown must leave the job inflight for recovery")
	assert.Zero(t, repo.attempts)
	assert.Empty(t, repo.failed)
}
