package models

import (
	"time"

	"github.com/google/uuid"
)

// Recording lifecycle. Transitions only move forward (see StatusRank).
const (
	RecordingStatusCreated    = "created"
	RecordingStatusActive     = "active"
	RecordingStatusProcessing = "processing"
	RecordingStatusCompleted  = "completed"
	RecordingStatusFailed     = "failed"
)

// StatusRank orders recording statuses so transitions can be checked for
// monotonicity (completed never goes back to active).
func StatusRank(status string) int {
	switch status {
	case RecordingStatusCreated:
		return 0
	case RecordingStatusActive:
		return 1
	case RecordingStatusProcessing:
		return 2
	case RecordingStatusCompleted, RecordingStatusFailed:
		return 3
	default:
		return -1
	}
}

// Participant roles within a room.
const (
	RoleHost  = "host"
	RoleGuest = "guest"
)

// ValidRole reports whether s is a known participant role.
func ValidRole(s string) bool {
	return s == RoleHost || s == RoleGuest
}

// Recording is one live recording session, identified to clients by RoomID.
type Recording struct {
	ID                 uuid.UUID  `json:"id"`
	RoomID             string     `json:"room_id"`
	HostUserID         string     `json:"host_user_id"`
	Title              string     `json:"title,omitempty"`
	Status             string     `json:"status"`
	VideoURL           string     `json:"video_url,omitempty"`
	DurationSeconds    float64    `json:"duration_seconds"`
	ProcessingError    string     `json:"processing_error,omitempty"`
	ProcessingAttempts int        `json:"processing_attempts"`
	MaxParticipants    int        `json:"max_participants"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	ProcessedAt        *time.Time `json:"processed_at,omitempty"`
}

// Stopped reports whether the recording has received its stop signal.
func (r *Recording) Stopped() bool { return r.EndedAt != nil }
