package auth

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/duocast/backend/config"
	"github.com/duocast/backend/internal/models"
	"github.com/duocast/backend/pkg/response"
)

// RoomLookup resolves a room to its recording session.
type RoomLookup interface {
	GetByRoomID(ctx context.Context, roomID string) (*models.Recording, error)
}

// Handler handles guest token and WebRTC credential endpoints.
type Handler struct {
	tokens *GuestTokenService
	rooms  RoomLookup
	turn   config.TURNConfig
	logger *zap.Logger
}

// NewHandler creates an auth handler.
func NewHandler(tokens *GuestTokenService, rooms RoomLookup, turn config.TURNConfig, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{tokens: tokens, rooms: rooms, turn: turn, logger: logger}
}

// RegisterRoutes mounts auth endpoints on the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/rooms/:roomId/guest-token", h.IssueGuestToken)
	rg.GET("/turn-credentials", h.TURNCredentials)
}

// IssueGuestToken handles POST /rooms/:roomId/guest-token. Issues an
// invite token a guest presents when opening the signaling socket.
func (h *Handler) IssueGuestToken(c *gin.Context) {
	var req struct {
		GuestName string `json:"guest_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	roomID := c.Param("roomId")
	if _, err := h.rooms.GetByRoomID(c.Request.Context(), roomID); err != nil {
		response.NotFound(c, "room not found")
		return
	}
	token, err := h.tokens.Issue(roomID, req.GuestName)
	if err != nil {
		h.logger.Error("issue guest token failed", zap.Error(err), zap.String("room_id", roomID))
		response.Internal(c, "failed to issue token")
		return
	}
	response.OK(c, gin.H{"token": token, "room_id": roomID})
}

// TURNCredentials handles GET /turn-credentials. Returns the ICE server
// list clients feed into their RTCPeerConnection configuration.
func (h *Handler) TURNCredentials(c *gin.Context) {
	servers := make([]webrtc.ICEServer, 0, 2)
	if len(h.turn.STUNUrls) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: h.turn.STUNUrls})
	}
	if h.turn.ServerURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{h.turn.ServerURL},
			Username:       h.turn.Username,
			Credential:     h.turn.Credential,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	response.OK(c, gin.H{"ice_servers": servers})
}
