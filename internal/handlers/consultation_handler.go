package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/preetsinghmakkar/CounselCall/internal/config"
	"github.com/preetsinghmakkar/CounselCall/internal/dtos"
	"github.com/preetsinghmakkar/CounselCall/internal/middlewares"
	"github.com/preetsinghmakkar/CounselCall/internal/repositories"
	"github.com/preetsinghmakkar/CounselCall/internal/services"
	"github.com/rs/zerolog"
)

// SessionInfoProvider answers pre-join lookups.
type SessionInfoProvider interface {
	SessionInfo(ctx context.Context, sessionID, userID uuid.UUID) (*dtos.SessionInfoResponse, error)
}

type ConsultationHandler struct {
	service SessionInfoProvider
	log     zerolog.Logger
}

func NewConsultationHandler(service SessionInfoProvider, log zerolog.Logger) *ConsultationHandler {
	return &ConsultationHandler{
		service: service,
		log:     log.With().Str("component", "consultation_handler").Logger(),
	}
}

// GetSessionInfo returns join eligibility and current presence for a
// consultation.
func (h *ConsultationHandler) GetSessionInfo(c *gin.Context) {
	sessionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid consultation id"})
		return
	}

	userID, ok := middlewares.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), config.DBCallTimeout)
	defer cancel()

	info, err := h.service.SessionInfo(ctx, sessionID, userID)
	switch {
	case errors.Is(err, repositories.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNotParticipant):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case err != nil:
		h.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("session info lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	default:
		c.JSON(http.StatusOK, info)
	}
}
