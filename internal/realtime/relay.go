package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/duocast/backend/internal/models"
)

// Disconnect reasons. A liveness timeout is not an error; it runs the same
// teardown path as an explicit leave with a different reason tag.
const (
	ReasonUserExit         = "user_exit"
	ReasonClientDisconnect = "client_disconnect"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
)

// RecordingStopper receives the recording_stopped signal. It reports whether
// a processing job was enqueued as a result.
type RecordingStopper interface {
	StopRecording(ctx context.Context, roomID, userID string) (enqueued bool, err error)
}

// Relay routes signaling messages within rooms and owns the shared teardown
// path used by explicit leaves and liveness timeouts.
type Relay struct {
	registry *Registry
	stopper  RecordingStopper
	logger   *zap.Logger
}

// NewRelay creates a signaling relay over the registry. stopper may be nil
// when upload coordination is disabled.
func NewRelay(registry *Registry, stopper RecordingStopper, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{registry: registry, stopper: stopper, logger: logger}
}

type joinPayload struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserType string `json:"userType"`
}

type heartbeatPayload struct {
	RoomID      string `json:"roomId"`
	UserID      string `json:"userId"`
	UserType    string `json:"userType"`
	IsRecording bool   `json:"isRecording"`
}

type signalPayload struct {
	RoomID            string          `json:"roomId"`
	TargetParticipant string          `json:"targetParticipant,omitempty"`
	Payload           json.RawMessage `json:"payload"`
}

type leavePayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
	Reason string `json:"reason"`
}

// Handle dispatches one inbound message from a connection.
func (r *Relay) Handle(c *Client, msg Message) {
	switch msg.Event {
	case "join_room":
		r.handleJoin(c, msg.Data)
	case "heartbeat":
		r.handleHeartbeat(c, msg.Data)
	case "offer", "answer", "ice_candidate":
		r.handleSignal(c, msg.Event, msg.Data)
	case "start_recording":
		r.handleStartRecording(c)
	case "recording_stopped":
		r.handleRecordingStopped(c, msg.Data)
	case "host_leaving_room":
		r.handleHostLeaving(c, msg.Data)
	case "guest_leaving_room":
		r.handleGuestLeaving(c, msg.Data)
	default:
		// unknown events are ignored
	}
}

func (r *Relay) sendError(c *Client, code, message string) {
	_ = c.trySend(NewMessage("error", ErrorPayload{Code: code, Message: message}))
}

func (r *Relay) handleJoin(c *Client, data json.RawMessage) {
	var p joinPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		r.sendError(c, ErrCodeValidation, "roomId is required")
		return
	}
	if c.allowedRoom != "" && p.RoomID != c.allowedRoom {
		r.sendError(c, ErrCodeValidation, "token not valid for this room")
		return
	}
	if p.UserID != "" || p.UserType != "" {
		c.Heartbeat(p.UserID, p.UserType, false)
	}
	if _, err := r.registry.Join(c, p.RoomID); err != nil {
		if errors.Is(err, models.ErrRoomFull) {
			r.sendError(c, ErrCodeRoomFull, "room is at capacity")
		} else {
			r.sendError(c, ErrCodeValidation, "already joined another room")
		}
		return
	}
	r.registry.Broadcast(p.RoomID, NewMessage("user-joined", map[string]string{"socketId": c.ID}), c.ID, "")
	_ = c.trySend(NewMessage("room-joined", map[string]string{"roomId": p.RoomID}))
}

func (r *Relay) handleHeartbeat(c *Client, data json.RawMessage) {
	var p heartbeatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		r.sendError(c, ErrCodeValidation, "malformed heartbeat")
		return
	}
	role := p.UserType
	if role != "" && !models.ValidRole(role) {
		role = models.RoleGuest
	}
	c.Heartbeat(p.UserID, role, p.IsRecording)
	_ = c.trySend(NewMessage("heartbeat_response", map[string]interface{}{
		"timestamp": time.Now().UnixMilli(),
		"status":    "healthy",
	}))
}

// handleSignal relays offer/answer/ice-candidate within the sender's room.
// Malformed payloads produce an error event to the sender and are never
// forwarded.
func (r *Relay) handleSignal(c *Client, kind string, data json.RawMessage) {
	var p signalPayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" || len(p.Payload) == 0 {
		r.sendError(c, ErrCodeValidation, "roomId and payload are required")
		return
	}
	roomID, ok := r.registry.Lookup(c)
	if !ok || roomID != p.RoomID {
		r.sendError(c, ErrCodeNotInRoom, "join the room before signaling")
		return
	}
	if !validSignalPayload(kind, p.Payload) {
		r.sendError(c, ErrCodeValidation, "malformed "+kind+" payload")
		return
	}

	outEvent := kind
	if kind == "ice_candidate" {
		outEvent = "ice-candidate"
	}
	out := NewMessage(outEvent, map[string]interface{}{
		"roomId":  p.RoomID,
		"from":    c.ID,
		"payload": p.Payload,
	})
	if p.TargetParticipant != "" {
		r.registry.Broadcast(roomID, out, "", p.TargetParticipant)
		return
	}
	r.registry.Broadcast(roomID, out, c.ID, "")
}

// validSignalPayload checks that the payload parses as the SDP or ICE
// structure the message kind claims to carry.
func validSignalPayload(kind string, payload json.RawMessage) bool {
	switch kind {
	case "offer", "answer":
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(payload, &sdp); err != nil {
			return false
		}
		return sdp.SDP != ""
	case "ice_candidate":
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &cand); err != nil {
			return false
		}
		return cand.Candidate != ""
	}
	return false
}

func (r *Relay) handleStartRecording(c *Client) {
	roomID, ok := r.registry.Lookup(c)
	if !ok {
		r.sendError(c, ErrCodeNotInRoom, "join the room before recording")
		return
	}
	r.registry.Broadcast(roomID, NewMessage("start-recording", map[string]int64{
		"startTime": time.Now().UnixMilli(),
	}), "", "")
}

func (r *Relay) handleRecordingStopped(c *Client, data json.RawMessage) {
	var p leavePayload
	_ = json.Unmarshal(data, &p)
	roomID, ok := r.registry.Lookup(c)
	if !ok {
		if p.RoomID == "" {
			r.sendError(c, ErrCodeNotInRoom, "join the room before stopping")
			return
		}
		roomID = p.RoomID
	}
	r.registry.Broadcast(roomID, NewMessage("stop-rec", nil), "", "")
	if r.stopper == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	enqueued, err := r.stopper.StopRecording(ctx, roomID, p.UserID)
	if err != nil {
		r.logger.Error("stop recording failed", zap.String("room_id", roomID), zap.Error(err))
		return
	}
	if enqueued {
		r.registry.Broadcast(roomID, NewMessage("video-processing-started", map[string]string{
			"room_id": roomID,
			"status":  models.RecordingStatusProcessing,
		}), "", "")
	}
}

func (r *Relay) handleHostLeaving(c *Client, data json.RawMessage) {
	var p leavePayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		r.sendError(c, ErrCodeValidation, "roomId is required")
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = ReasonUserExit
	}
	r.logger.Info("host leaving room",
		zap.String("room_id", p.RoomID), zap.String("user_id", p.UserID), zap.String("reason", reason))
	c.torndown.Store(true)
	r.teardownRoom(p.RoomID, c, reason, "Host has left the session")
}

func (r *Relay) handleGuestLeaving(c *Client, data json.RawMessage) {
	var p leavePayload
	if err := json.Unmarshal(data, &p); err != nil || p.RoomID == "" {
		r.sendError(c, ErrCodeValidation, "roomId is required")
		return
	}
	reason := p.Reason
	if reason == "" {
		reason = ReasonUserExit
	}
	r.logger.Info("guest leaving room",
		zap.String("room_id", p.RoomID), zap.String("user_id", p.UserID), zap.String("reason", reason))
	c.torndown.Store(true)
	r.registry.Broadcast(p.RoomID, NewMessage("guest_left", map[string]string{
		"guestId": p.UserID,
		"reason":  reason,
	}), c.ID, "")
	r.registry.Leave(c)
}

// teardownRoom notifies every remaining member except the leaving host and
// empties the room. Each guest receives exactly one host_disconnected.
func (r *Relay) teardownRoom(roomID string, host *Client, reason, message string) {
	r.registry.Broadcast(roomID, NewMessage("host_disconnected", map[string]string{
		"reason":  reason,
		"message": message,
	}), host.ID, "")
	removed := r.registry.Drain(roomID)
	for _, m := range removed {
		m.torndown.Store(true)
	}
	r.logger.Info("room torn down", zap.String("room_id", roomID), zap.Int("participants", len(removed)))
}

// Disconnect runs the shared teardown path for a connection. The reason tags
// the notification ("host left" vs "host connection lost"); the path itself
// is identical for explicit leaves and liveness timeouts, and runs at most
// once per connection.
func (r *Relay) Disconnect(c *Client, reason string) {
	if !c.torndown.CompareAndSwap(false, true) {
		return
	}
	roomID := c.Room()
	if roomID == "" {
		c.closeSend()
		return
	}
	r.logger.Info("handling disconnect",
		zap.String("client_id", c.ID),
		zap.String("user_id", c.UserID()),
		zap.String("role", c.Role()),
		zap.String("room_id", roomID),
		zap.String("reason", reason))

	if c.Role() == models.RoleHost {
		message := "Host has left the session"
		if reason == ReasonHeartbeatTimeout {
			message = "Host connection lost"
		}
		r.teardownRoom(roomID, c, reason, message)
	} else {
		guestReason := reason
		if reason == ReasonHeartbeatTimeout {
			guestReason = "network_timeout"
		}
		r.registry.Broadcast(roomID, NewMessage("guest_left", map[string]string{
			"guestId": c.UserID(),
			"reason":  guestReason,
		}), c.ID, "")
		r.registry.Leave(c)
	}
	c.closeSend()
}
