package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-realtime/internal/telemetry"
)

// SessionStats is implemented by the presence registry.
type SessionStats interface {
	Stats() (attached, online int)
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, sessions SessionStats, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/sessions", func(c *gin.Context) {
		if sessions == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "presence not configured"})
			return
		}
		attached, online := sessions.Stats()
		c.JSON(http.StatusOK, gin.H{"attached_connections": attached, "online_users": online})
	})
}
