package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/preetsinghmakkar/CounselCall/internal/cache"
	"github.com/preetsinghmakkar/CounselCall/internal/config"
	"github.com/preetsinghmakkar/CounselCall/internal/dtos"
	"github.com/preetsinghmakkar/CounselCall/internal/models"
	"github.com/rs/zerolog"
)

var ErrNotParticipant = errors.New("not a participant of this consultation")

// SessionStore is the persistence the consultation lifecycle needs.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.ConsultationSession, error)
	MarkWaiting(ctx context.Context, id uuid.UUID) error
	MarkStarted(ctx context.Context, id uuid.UUID) error
	MarkEnded(ctx context.Context, id uuid.UUID) (bool, error)
}

type AttendanceStore interface {
	RecordJoined(ctx context.Context, a *models.Attendance) error
	RecordLeft(ctx context.Context, connectionID string) error
	CloseOpen(ctx context.Context, sessionID uuid.UUID) error
}

// RosterSource reports the participants connected to this instance.
type RosterSource interface {
	Roster(sessionID uuid.UUID) []models.Participant
}

// ConsultationService drives session status from room membership and
// answers pre-join lookups.
type ConsultationService struct {
	sessions   SessionStore
	attendance AttendanceStore
	presence   cache.PresenceCache
	roster     RosterSource
	log        zerolog.Logger
}

// NewConsultationService wires the lifecycle. presence may be nil when no
// Redis is configured.
func NewConsultationService(
	sessions SessionStore,
	attendance AttendanceStore,
	presence cache.PresenceCache,
	log zerolog.Logger,
) *ConsultationService {
	return &ConsultationService{
		sessions:   sessions,
		attendance: attendance,
		presence:   presence,
		log:        log.With().Str("component", "consultation_service").Logger(),
	}
}

// SetRoster injects the hub after construction; the hub in turn notifies
// this service of membership changes.
func (s *ConsultationService) SetRoster(r RosterSource) {
	s.roster = r
}

func dbContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), config.DBCallTimeout)
}

// ParticipantJoined records attendance and advances the session status.
func (s *ConsultationService) ParticipantJoined(sessionID uuid.UUID, p models.Participant, present int) {
	ctx, cancel := dbContext()
	defer cancel()

	log := s.log.With().Str("session_id", sessionID.String()).Str("user_id", p.UserID).Logger()

	if err := s.attendance.RecordJoined(ctx, &models.Attendance{
		SessionID:    sessionID.String(),
		UserID:       p.UserID,
		ConnectionID: p.ConnectionID,
	}); err != nil {
		log.Error().Err(err).Msg("failed to record attendance")
	}

	if s.presence != nil {
		if err := s.presence.Join(ctx, sessionID, p); err != nil {
			log.Warn().Err(err).Msg("failed to update presence")
		}
	}

	var err error
	if present >= 2 {
		err = s.sessions.MarkStarted(ctx, sessionID)
	} else {
		err = s.sessions.MarkWaiting(ctx, sessionID)
	}
	if err != nil {
		log.Error().Err(err).Int("present", present).Msg("failed to update session status")
	}
}

// ParticipantLeft closes the attendance record. A consultation that was in
// progress completes once the room is empty.
func (s *ConsultationService) ParticipantLeft(sessionID uuid.UUID, p models.Participant, remaining int) {
	ctx, cancel := dbContext()
	defer cancel()

	log := s.log.With().Str("session_id", sessionID.String()).Str("user_id", p.UserID).Logger()

	if err := s.attendance.RecordLeft(ctx, p.ConnectionID); err != nil {
		log.Error().Err(err).Msg("failed to record departure")
	}

	if s.presence != nil {
		if err := s.presence.Leave(ctx, sessionID, p.ConnectionID); err != nil {
			log.Warn().Err(err).Msg("failed to update presence")
		}
	}

	if remaining > 0 {
		return
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load session")
		return
	}
	if session.Status != models.ConsultationStatusInProgress {
		return
	}
	s.complete(ctx, sessionID, log)
}

// MeetingEnded completes the session when the host ends it.
func (s *ConsultationService) MeetingEnded(sessionID uuid.UUID, endedBy uuid.UUID) {
	ctx, cancel := dbContext()
	defer cancel()

	log := s.log.With().Str("session_id", sessionID.String()).Str("ended_by", endedBy.String()).Logger()

	if err := s.attendance.CloseOpen(ctx, sessionID); err != nil {
		log.Error().Err(err).Msg("failed to close attendance")
	}
	s.complete(ctx, sessionID, log)
}

func (s *ConsultationService) complete(ctx context.Context, sessionID uuid.UUID, log zerolog.Logger) {
	changed, err := s.sessions.MarkEnded(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Msg("failed to complete session")
		return
	}
	if changed {
		log.Info().Msg("consultation completed")
	}

	if s.presence != nil {
		if err := s.presence.Clear(ctx, sessionID); err != nil {
			log.Warn().Err(err).Msg("failed to clear presence")
		}
	}
}

// SessionInfo tells a prospective participant whether they can join and
// who is already there.
func (s *ConsultationService) SessionInfo(ctx context.Context, sessionID, userID uuid.UUID) (*dtos.SessionInfoResponse, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	role := session.RoleOf(userID)
	if role == "" {
		return nil, ErrNotParticipant
	}

	resp := &dtos.SessionInfoResponse{
		ID:                  session.ID,
		Status:              string(session.Status),
		ScheduledAt:         session.ScheduledAt.UTC().Format(time.RFC3339),
		RecordingEnabled:    session.RecordingEnabled,
		Role:                role,
		CanJoin:             !session.Status.IsTerminal(),
		ParticipantsPresent: []models.Participant{},
	}
	if session.StartedAt != nil {
		resp.StartedAt = session.StartedAt.UTC().Format(time.RFC3339)
	}

	switch session.Status {
	case models.ConsultationStatusCompleted:
		resp.Message = "this consultation has already ended"
		return resp, nil
	case models.ConsultationStatusCancelled:
		resp.Message = "this consultation was cancelled"
		return resp, nil
	}

	resp.ParticipantsPresent = s.present(ctx, sessionID)
	return resp, nil
}

// present prefers the shared presence cache and falls back to the rooms
// held by this instance.
func (s *ConsultationService) present(ctx context.Context, sessionID uuid.UUID) []models.Participant {
	if s.presence != nil {
		list, err := s.presence.List(ctx, sessionID)
		if err == nil {
			return list
		}
		s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("presence lookup failed")
	}
	if s.roster != nil {
		return s.roster.Roster(sessionID)
	}
	return []models.Participant{}
}
