package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/preetsinghmakkar/CounselCall/internal/handlers"
	"github.com/preetsinghmakkar/CounselCall/internal/middlewares"
)

func RegisterProtectedEndpoints(
	router *gin.Engine,
	consultationHandler *handlers.ConsultationHandler,
	jwtSecret string,
) {
	protected := router.Group("/api")
	protected.Use(middlewares.AuthMiddleware(jwtSecret))

	protected.GET("/consultations/:id/info", consultationHandler.GetSessionInfo)
}
