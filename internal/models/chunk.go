package models

import (
	"time"

	"github.com/google/uuid"
)

// Chunk upload states.
const (
	ChunkStatePending   = "pending"
	ChunkStateConfirmed = "confirmed"
)

// Chunk is one time-bounded slice of locally recorded media, uploaded
// independently by a participant. The storage key is unique per
// (recording, role, chunk_index).
type Chunk struct {
	ID          uuid.UUID `json:"id"`
	RecordingID uuid.UUID `json:"recording_id"`
	Role        string    `json:"role"`
	ChunkIndex  int       `json:"chunk_index"`
	StorageKey  string    `json:"storage_key"`
	StartMs     int64     `json:"start_ms"`
	EndMs       int64     `json:"end_ms"`
	SizeBytes   int64     `json:"size_bytes"`
	ETag        string    `json:"etag,omitempty"`
	State       string    `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
}
