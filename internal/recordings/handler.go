package recordings

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duocast/backend/internal/models"
	"github.com/duocast/backend/internal/uploads"
	"github.com/duocast/backend/pkg/response"
	"github.com/duocast/backend/pkg/storage"
)

// Handler handles recording HTTP endpoints.
type Handler struct {
	repo        *Repository
	coordinator *uploads.Coordinator
	s3          *storage.S3
	logger      *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(repo *Repository, coordinator *uploads.Coordinator, s3 *storage.S3, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, coordinator: coordinator, s3: s3, logger: logger}
}

// RegisterRoutes mounts recording endpoints on the router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/recordings", h.Create)
	rg.GET("/recordings", h.List)
	rg.GET("/recordings/:roomId", h.Get)
	rg.PATCH("/recordings/:roomId/title", h.UpdateTitle)
	rg.DELETE("/recordings/:roomId", h.Delete)
	rg.GET("/recordings/:roomId/download-url", h.GenerateDownloadURL)
	rg.POST("/recordings/generate-upload-url", h.GenerateUploadURL)
	rg.POST("/recordings/confirm-upload", h.ConfirmUpload)
}

// mapError converts pipeline errors to HTTP responses.
func (h *Handler) mapError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, models.ErrValidation):
		response.BadRequest(c, err.Error())
	case errors.Is(err, models.ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, models.ErrIntegrity):
		c.JSON(http.StatusBadRequest, response.Body{Success: false, Error: err.Error(), Data: gin.H{"verified": false}})
	case errors.Is(err, models.ErrTransientStorage):
		response.ServiceUnavailable(c, "storage temporarily unavailable")
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		response.Internal(c, "internal error")
	}
}

type createRequest struct {
	RoomID          string `json:"room_id"`
	HostUserID      string `json:"host_user_id" binding:"required"`
	Title           string `json:"title"`
	MaxParticipants int    `json:"max_participants"`
}

// Create handles POST /recordings. Provisions a recording session and its
// room; the room ID is generated when the client doesn't supply one.
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if req.RoomID == "" {
		req.RoomID = uuid.New().String()
	}
	if req.MaxParticipants <= 0 {
		req.MaxParticipants = 8
	}
	rec := &models.Recording{
		RoomID:          req.RoomID,
		HostUserID:      req.HostUserID,
		Title:           req.Title,
		Status:          models.RecordingStatusCreated,
		MaxParticipants: req.MaxParticipants,
	}
	if err := h.repo.Create(c.Request.Context(), rec); err != nil {
		h.logger.Error("create recording failed", zap.Error(err), zap.String("room_id", req.RoomID))
		response.Internal(c, "failed to create recording")
		return
	}
	response.Created(c, rec)
}

// List handles GET /recordings?user_id=. Returns the user's recordings.
func (h *Handler) List(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		response.BadRequest(c, "user_id is required")
		return
	}
	list, err := h.repo.ListByHost(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list recordings failed", zap.Error(err), zap.String("user_id", userID))
		response.Internal(c, "failed to list recordings")
		return
	}
	response.OK(c, list)
}

// Get handles GET /recordings/:roomId.
func (h *Handler) Get(c *gin.Context) {
	rec, err := h.repo.GetByRoomID(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.mapError(c, err, "get recording")
		return
	}
	response.OK(c, rec)
}

// UpdateTitle handles PATCH /recordings/:roomId/title.
func (h *Handler) UpdateTitle(c *gin.Context) {
	var req struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	rec, err := h.repo.GetByRoomID(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.mapError(c, err, "get recording")
		return
	}
	if err := h.repo.UpdateTitle(c.Request.Context(), rec.ID, req.Title); err != nil {
		h.mapError(c, err, "update title")
		return
	}
	rec.Title = req.Title
	response.OK(c, rec)
}

// Delete handles DELETE /recordings/:roomId. Removes the recording row and
// any of its objects still in storage.
func (h *Handler) Delete(c *gin.Context) {
	ctx := c.Request.Context()
	rec, err := h.repo.GetByRoomID(ctx, c.Param("roomId"))
	if err != nil {
		h.mapError(c, err, "get recording")
		return
	}
	if h.s3 != nil {
		keys, err := h.s3.List(ctx, storage.ChunkPrefix(rec.RoomID))
		if err == nil && len(keys) > 0 {
			if derr := h.s3.Delete(ctx, keys...); derr != nil {
				h.logger.Warn("delete chunk objects failed", zap.Error(derr), zap.String("room_id", rec.RoomID))
			}
		}
		if derr := h.s3.Delete(ctx, storage.FinalKey(rec.RoomID)); derr != nil {
			h.logger.Warn("delete final object failed", zap.Error(derr), zap.String("room_id", rec.RoomID))
		}
	}
	if err := h.repo.Delete(ctx, rec.ID); err != nil {
		h.mapError(c, err, "delete recording")
		return
	}
	response.NoContent(c)
}

// GenerateDownloadURL handles GET /recordings/:roomId/download-url.
func (h *Handler) GenerateDownloadURL(c *gin.Context) {
	rec, err := h.repo.GetByRoomID(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		h.mapError(c, err, "get recording")
		return
	}
	if rec.Status != models.RecordingStatusCompleted {
		response.BadRequest(c, "recording not ready for download")
		return
	}
	expire := h.s3.PresignExpire()
	url, err := h.s3.PresignDownload(c.Request.Context(), storage.FinalKey(rec.RoomID), expire)
	if err != nil {
		h.logger.Error("presign download failed", zap.Error(err), zap.String("room_id", rec.RoomID))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(expire.Seconds())})
}

type uploadURLRequest struct {
	RecordingID string `json:"recording_id" binding:"required"`
	ChunkIndex  *int   `json:"chunk_index" binding:"required"`
	ContentType string `json:"content_type" binding:"required"`
	UserType    string `json:"user_type" binding:"required"`
	StartMs     int64  `json:"start_ms"`
	EndMs       int64  `json:"end_ms"`
}

// GenerateUploadURL handles POST /recordings/generate-upload-url. Issues a
// presigned PUT URL for one chunk.
func (h *Handler) GenerateUploadURL(c *gin.Context) {
	var req uploadURLRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	recID, err := uuid.Parse(req.RecordingID)
	if err != nil {
		response.BadRequest(c, "invalid recording_id")
		return
	}
	slot, err := h.coordinator.GenerateUploadSlot(c.Request.Context(), uploads.SlotRequest{
		RecordingID: recID,
		Role:        req.UserType,
		ChunkIndex:  *req.ChunkIndex,
		ContentType: req.ContentType,
		StartMs:     req.StartMs,
		EndMs:       req.EndMs,
	})
	if err != nil {
		h.mapError(c, err, "generate upload url")
		return
	}
	response.OK(c, gin.H{
		"pre_signed_url": slot.UploadURL,
		"file_path":      slot.FilePath,
		"expires_in":     slot.ExpiresIn,
		"expires_at":     slot.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

type confirmUploadRequest struct {
	RecordingID string `json:"recording_id" binding:"required"`
	FilePath    string `json:"file_path" binding:"required"`
	ETag        string `json:"etag"`
}

// ConfirmUpload handles POST /recordings/confirm-upload. Verifies the
// uploaded object against storage before counting the chunk as received.
func (h *Handler) ConfirmUpload(c *gin.Context) {
	var req confirmUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	recID, err := uuid.Parse(req.RecordingID)
	if err != nil {
		response.BadRequest(c, "invalid recording_id")
		return
	}
	res, err := h.coordinator.ConfirmUpload(c.Request.Context(), uploads.ConfirmRequest{
		RecordingID: recID,
		FilePath:    req.FilePath,
		ETag:        req.ETag,
	})
	if err != nil {
		h.mapError(c, err, "confirm upload")
		return
	}
	response.OK(c, gin.H{
		"verified":   res.Verified,
		"size_bytes": res.SizeBytes,
		"processing": res.Enqueued,
	})
}
