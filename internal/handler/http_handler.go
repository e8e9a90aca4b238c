package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/cdc-search-bridge/internal/bridge"
)

// Handler exposes the bridge's observability surface over HTTP.
type Handler struct {
	bridge *bridge.Bridge
}

// NewHandler creates the HTTP handler.
func NewHandler(b *bridge.Bridge) *Handler {
	return &Handler{bridge: b}
}

// RegisterRoutes registers the health and stats endpoints.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/stats", h.Stats)
}

// Health reports liveness and the coordinator state. A stopped bridge
// answers 503 so orchestrators restart the process.
func (h *Handler) Health(c *gin.Context) {
	state := h.bridge.State()
	status := http.StatusOK
	if state == bridge.StateStopped {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status": "ok",
		"state":  state.String(),
	})
}

// Stats returns the current counter snapshot.
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.bridge.Stats().Snapshot())
}
