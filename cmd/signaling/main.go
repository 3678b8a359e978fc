package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fuelops/support-signaling/config"
	"github.com/fuelops/support-signaling/internal/handlers"
	"github.com/fuelops/support-signaling/internal/logger"
	"github.com/fuelops/support-signaling/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg := config.Load()
	log := logger.Must(cfg.Environment, "signaling")
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := setupEnv(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to set up environment", zap.Error(err))
	}
	defer e.close()

	server := newServer(e)
	go func() {
		log.Info("Starting WebRTC signaling server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Unexpected error stopped server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shut down server", zap.Error(err))
	}
}

func newServer(e *env) *http.Server {
	if e.cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery(), handlers.RequestLogger(e.log.Named("http")))

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(e.cfg.AllowedOrigins))

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health(e.pingers()...))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})))

	// Authentication is delegated to the dashboard backend that issues tokens;
	// without a secret the relay is open.
	var auth []gin.HandlerFunc
	if e.cfg.JWTSecret != "" {
		auth = append(auth, middleware.JWTAuth(e.cfg.JWTSecret))
	}

	// Room inspection API (read-only)
	apiGroup := router.Group("/api", auth...)
	{
		apiGroup.GET("/rooms", handlers.ListRooms(e.hub.Directory()))
		apiGroup.GET("/rooms/:roomId", handlers.GetRoom(e.hub.Directory(), e.memberCounter(), e.log.Named("rooms")))
	}

	// WebSocket signaling endpoint
	router.GET("/ws", append(auth, handlers.HandleSignaling(e.hub, e.log.Named("ws")))...)

	return &http.Server{
		Addr:              ":" + e.cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
