package middlewares

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/preetsinghmakkar/CounselCall/internal/models"
	"github.com/preetsinghmakkar/CounselCall/internal/repositories"
	"github.com/preetsinghmakkar/CounselCall/internal/utils"
	"github.com/rs/zerolog"
)

type wsAuthKey struct{}

// SessionLookup loads a consultation session by id.
type SessionLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.ConsultationSession, error)
}

// UserLookup loads an account by id.
type UserLookup interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// WebSocketAuthContext holds authenticated WebSocket connection data
type WebSocketAuthContext struct {
	UserID    uuid.UUID
	Email     string
	SessionID uuid.UUID
	Role      string // "lawyer" or "client"
	Session   *models.ConsultationSession
}

// WebSocketAuthMiddleware authenticates signaling connections before the
// upgrade. The token travels as a query parameter because browsers cannot
// set headers on a WebSocket handshake. Role and email come from the
// database, never from the client.
func WebSocketAuthMiddleware(
	jwtSecret string,
	sessions SessionLookup,
	users UserLookup,
	log zerolog.Logger,
) gin.HandlerFunc {
	log = log.With().Str("component", "ws_auth").Logger()

	return func(c *gin.Context) {
		token := c.Query("token")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}

		claims, err := utils.ParseAccessToken(token, jwtSecret)
		if err != nil {
			log.Debug().Err(err).Msg("token rejected")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		userID := claims.UserID

		sessionIDStr := c.Query("session_id")
		if sessionIDStr == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "session_id required",
			})
			return
		}

		sessionID, err := uuid.Parse(sessionIDStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error": "invalid session_id format",
			})
			return
		}

		ctx := c.Request.Context()
		session, err := sessions.GetByID(ctx, sessionID)
		if errors.Is(err, repositories.ErrSessionNotFound) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
				"error": "consultation not found",
			})
			return
		}
		if err != nil {
			log.Error().Err(err).Str("session_id", sessionIDStr).Msg("failed to load session")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "internal server error",
			})
			return
		}

		role := session.RoleOf(userID)
		if role == "" {
			log.Warn().
				Str("user_id", userID.String()).
				Str("session_id", sessionIDStr).
				Msg("user is not a party to this consultation")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "not authorized for this consultation",
			})
			return
		}

		if session.Status.IsTerminal() {
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{
				"error": "consultation is no longer available",
			})
			return
		}

		user, err := users.FindByID(ctx, userID)
		if err != nil || user == nil || user.Email == "" {
			log.Error().Err(err).Str("user_id", userID.String()).Msg("failed to load user")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "invalid user profile",
			})
			return
		}

		authCtx := &WebSocketAuthContext{
			UserID:    userID,
			Email:     user.Email,
			SessionID: sessionID,
			Role:      role,
			Session:   session,
		}

		ctx = context.WithValue(ctx, wsAuthKey{}, authCtx)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// GetWebSocketAuth retrieves authentication context from request
func GetWebSocketAuth(c *gin.Context) (*WebSocketAuthContext, error) {
	val := c.Request.Context().Value(wsAuthKey{})
	if val == nil {
		return nil, errors.New("websocket authentication context not found")
	}

	auth, ok := val.(*WebSocketAuthContext)
	if !ok {
		return nil, errors.New("invalid websocket authentication context type")
	}

	return auth, nil
}
