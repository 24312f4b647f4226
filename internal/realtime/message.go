package realtime

import "encoding/json"

// Message is the WebSocket message envelope.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a Message, marshaling payload into the data field.
// A payload that fails to marshal yields an envelope with no data.
func NewMessage(event string, payload interface{}) Message {
	if payload == nil {
		return Message{Event: event}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{Event: event}
	}
	return Message{Event: event, Data: data}
}

// ErrorPayload is sent back to a client whose signaling message was rejected.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for the error event.
const (
	ErrCodeValidation = "validation_error"
	ErrCodeNotInRoom  = "not_in_room"
	ErrCodeRoomFull   = "room_full"
)
