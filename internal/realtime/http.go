package realtime

import (
	"github.com/gin-gonic/gin"

	"github.com/duocast/backend/pkg/response"
)

// HTTPHandler exposes room occupancy over HTTP.
type HTTPHandler struct {
	registry *Registry
}

// NewHTTPHandler creates the realtime HTTP handler.
func NewHTTPHandler(registry *Registry) *HTTPHandler {
	return &HTTPHandler{registry: registry}
}

// RegisterRoutes mounts realtime endpoints on the router group.
func (h *HTTPHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/rooms/:roomId/stats", h.RoomStats)
}

// RoomStats handles GET /rooms/:roomId/stats.
func (h *HTTPHandler) RoomStats(c *gin.Context) {
	response.OK(c, h.registry.Stats(c.Param("roomId")))
}
