package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/preetsinghmakkar/CounselCall/internal/handlers"
	"github.com/preetsinghmakkar/CounselCall/internal/middlewares"
	ws "github.com/preetsinghmakkar/CounselCall/internal/websocket"
	"github.com/rs/zerolog"
)

func RegisterPublicEndpoints(
	router *gin.Engine,
	webSocketHandler *handlers.WebSocketHandler,
	hub *ws.Hub,
	sessions middlewares.SessionLookup,
	users middlewares.UserLookup,
	jwtSecret string,
	log zerolog.Logger,
) {
	public := router.Group("/api")

	public.GET("/health", handlers.HandleHealth(hub))
	public.GET("/metrics", handlers.HandleMetrics(hub))

	// Signaling endpoint; the middleware validates the JWT, loads the
	// session, derives the role and loads the email from the database.
	wsAuth := middlewares.WebSocketAuthMiddleware(jwtSecret, sessions, users, log)
	public.GET("/ws/consultation", wsAuth, webSocketHandler.HandleWebSocket)
}
