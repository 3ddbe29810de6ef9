package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/mossy-p/roomcall/config"
)

// NewRouter wires the relay routes.
func NewRouter(cfg *config.Config, hub *Hub) *gin.Engine {
	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(OriginFilter(cfg.AllowedOrigins))

	router.GET("/health", hub.Health)

	// Room inspection API (public)
	apiGroup := router.Group("/api")
	{
		apiGroup.GET("/rooms/:room", hub.GetRoom)
	}

	// WebSocket signaling endpoint
	router.GET(cfg.SocketPath, hub.HandleSignaling)

	return router
}
