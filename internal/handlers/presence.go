package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chat-realtime/internal/models"
	"chat-realtime/internal/presence"
)

// PresenceReader is the read side of the presence registry.
type PresenceReader interface {
	OnlineUsers() []models.OnlineUser
	Lookup(userID int) (presence.Entry, bool)
}

type PresenceHandler struct {
	presence PresenceReader
}

func NewPresenceHandler(p PresenceReader) *PresenceHandler {
	return &PresenceHandler{presence: p}
}

// ListOnline handles GET /presence/online.
func (h *PresenceHandler) ListOnline(c *gin.Context) {
	users := h.presence.OnlineUsers()
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

// GetUser handles GET /presence/:user_id.
func (h *PresenceHandler) GetUser(c *gin.Context) {
	userID, err := strconv.Atoi(c.Param("user_id"))
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return
	}

	entry, ok := h.presence.Lookup(userID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "user is offline"})
		return
	}
	c.JSON(http.StatusOK, models.OnlineUser{
		UserID:   entry.UserID,
		Status:   entry.Status,
		LastSeen: entry.LastSeen,
		UserInfo: entry.UserInfo,
	})
}

// Healthz handles GET /healthz.
func Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
