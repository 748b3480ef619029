package models

import (
	"time"

	"github.com/google/uuid"
)

type ConsultationStatus string

const (
	ConsultationStatusScheduled              ConsultationStatus = "SCHEDULED"
	ConsultationStatusWaitingForParticipants ConsultationStatus = "WAITING_FOR_PARTICIPANTS"
	ConsultationStatusInProgress             ConsultationStatus = "IN_PROGRESS"
	ConsultationStatusCompleted              ConsultationStatus = "COMPLETED"
	ConsultationStatusCancelled              ConsultationStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ConsultationStatus) IsTerminal() bool {
	return s == ConsultationStatusCompleted || s == ConsultationStatusCancelled
}

// Participant roles, derived from session ownership.
const (
	RoleClient = "client"
	RoleLawyer = "lawyer"
)

type ConsultationSession struct {
	ID        uuid.UUID `db:"id"`
	BookingID uuid.UUID `db:"booking_id"`
	ClientID  uuid.UUID `db:"client_id"`
	LawyerID  uuid.UUID `db:"lawyer_id"`

	// RoomID scopes signaling; opaque to clients.
	RoomID string `db:"room_id"`

	Status           ConsultationStatus `db:"status"`
	ScheduledAt      time.Time          `db:"scheduled_at"`
	StartedAt        *time.Time         `db:"started_at"`
	EndedAt          *time.Time         `db:"ended_at"`
	DurationSeconds  int                `db:"duration_seconds"`
	RecordingEnabled bool               `db:"recording_enabled"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// RoleOf returns the role userID holds in the session, or "" if none.
func (s *ConsultationSession) RoleOf(userID uuid.UUID) string {
	switch userID {
	case s.LawyerID:
		return RoleLawyer
	case s.ClientID:
		return RoleClient
	}
	return ""
}
