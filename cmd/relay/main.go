package main

import (
	"context"
	"log"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/roomcall/config"
	"github.com/mossy-p/roomcall/internal/handlers"
	"github.com/mossy-p/roomcall/internal/logging"
	"github.com/mossy-p/roomcall/internal/redis"
)

func main() {
	logging.Init()

	// Load configuration
	cfg := config.Load()

	// Connect to Redis
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	store, err := redis.Connect(ctx, cfg)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer store.Close()

	slog.Info("Redis connection established", "host", cfg.Redis.Host, "port", cfg.Redis.Port)

	// Members admitted by a previous run of this instance have no socket left.
	ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	stale, err := store.Reset(ctx)
	cancel()
	if err != nil {
		log.Fatalf("Failed to reset room membership: %v", err)
	}
	slog.Info("Room membership reset", "instance", cfg.Instance, "removed", stale)

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := handlers.NewHub(store, slog.Default().With("component", "relay"))
	router := handlers.NewRouter(cfg, hub)

	// Start server
	slog.Info("Starting signaling relay", "port", cfg.Port, "path", cfg.SocketPath)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
