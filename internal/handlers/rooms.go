package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/fuelops/support-signaling/internal/models"
	"github.com/fuelops/support-signaling/internal/rooms"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MemberCounter counts room members across every relay process.
type MemberCounter interface {
	Count(ctx context.Context, roomID string) (int64, error)
}

// GetRoom describes one live room. Rooms only exist while they have members,
// so an empty or unknown room is reported as not found.
func GetRoom(dir *rooms.Directory, counter MemberCounter, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Param("roomId")

		members := dir.Members(roomID)
		if len(members) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "Room not found"})
			return
		}

		info := models.RoomInfo{
			ID:          roomID,
			Members:     members,
			MemberCount: len(members),
		}

		if counter != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
			defer cancel()

			n, err := counter.Count(ctx, roomID)
			if err != nil {
				log.Warn("failed to read cluster member count", zap.String("room", roomID), zap.Error(err))
			} else {
				info.ClusterMemberCount = &n
			}
		}

		c.JSON(http.StatusOK, info)
	}
}

// ListRooms lists every live room on this relay.
func ListRooms(dir *rooms.Directory) gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshot := dir.Snapshot()

		list := models.RoomList{
			Rooms: make([]models.RoomInfo, 0, len(snapshot)),
			Count: len(snapshot),
		}
		for id, members := range snapshot {
			list.Rooms = append(list.Rooms, models.RoomInfo{
				ID:          id,
				Members:     members,
				MemberCount: len(members),
			})
		}
		sort.Slice(list.Rooms, func(i, j int) bool {
			return list.Rooms[i].ID < list.Rooms[j].ID
		})

		c.JSON(http.StatusOK, list)
	}
}
