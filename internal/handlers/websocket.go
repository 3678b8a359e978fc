package handlers

import (
	"net/http"

	"github.com/fuelops/support-signaling/internal/middleware"
	"github.com/fuelops/support-signaling/internal/signaling"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// HandleSignaling upgrades the request to a websocket and hands it to the
// hub. Rooms are joined afterwards with join-room messages.
func HandleSignaling(hub *signaling.Hub, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already written an HTTP error response.
			log.Info("failed to upgrade connection", zap.Error(err))
			return
		}

		client := hub.Serve(conn)
		log.Info("websocket connected",
			zap.String("conn", client.ID),
			zap.String("user", c.GetString(middleware.UserIDKey)),
			zap.String("remote", c.ClientIP()),
		)
	}
}
