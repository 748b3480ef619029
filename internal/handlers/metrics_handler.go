package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	ws "github.com/preetsinghmakkar/CounselCall/internal/websocket"
)

// HandleMetrics returns signaling server metrics
func HandleMetrics(hub *ws.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, hub.Metrics().Snapshot())
	}
}

// HandleHealth returns server health status
func HandleHealth(hub *ws.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshot := hub.Metrics().Snapshot()

		status := http.StatusOK
		if snapshot.HealthStatus == "critical" {
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, gin.H{
			"status":             snapshot.HealthStatus,
			"active_connections": snapshot.ActiveConnections,
			"active_rooms":       hub.RoomCount(),
			"uptime_seconds":     snapshot.UptimeSeconds,
		})
	}
}
