package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger is a dependency the health check verifies.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports ok, or 503 when an optional dependency is unreachable.
func Health(deps ...Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		for _, dep := range deps {
			if dep == nil {
				continue
			}
			if err := dep.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// Root describes the service.
func Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":   "support-signaling",
		"websocket": "/ws",
		"health":    "/health",
	})
}
