package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/roomcall/internal/redis"
)

// GetRoom returns the members of a room and its publisher (public)
func (h *Hub) GetRoom(c *gin.Context) {
	name := c.Param("room")

	room, err := h.store.Room(c.Request.Context(), name)
	if errors.Is(err, redis.ErrRoomNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
		return
	}
	if err != nil {
		h.log.Error("failed to read room", "room", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read room"})
		return
	}

	c.JSON(http.StatusOK, room)
}

// Health reports whether the relay can reach Redis.
func (h *Hub) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": "redis unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
