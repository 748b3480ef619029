package dtos

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/preetsinghmakkar/CounselCall/internal/models"
)

// Signaling event names. C→S events are requests, S→C events are notifications.
const (
	EventJoinConsultation           = "join-consultation"
	EventExistingParticipants       = "existing-participants"
	EventParticipantJoined          = "participant-joined"
	EventParticipantLeft            = "participant-left"
	EventWebRTCSignal               = "webrtc-signal"
	EventUpdateVideoSettings        = "update-video-settings"
	EventParticipantSettingsUpdated = "participant-settings-updated"
	EventScreenShareRequest         = "screen-share-request"
	EventScreenShareStarted         = "screen-share-started"
	EventConsultationMessage        = "consultation-message"
	EventMeetingControl             = "meeting-control"
	EventMeetingEnded               = "meeting-ended"
	EventLeaveConsultation          = "leave-consultation"
	EventError                      = "error"
	EventPing                       = "ping"
	EventPong                       = "pong"
)

// MeetingActionEnd is the only meeting-control action.
const MeetingActionEnd = "end"

// WebSocketMessage is the envelope for every signaling message.
type WebSocketMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Join / leave
type JoinConsultationRequest struct {
	SessionID string `json:"sessionId" validate:"required,uuid"`
}

type LeaveConsultationRequest struct {
	SessionID string `json:"sessionId" validate:"required,uuid"`
}

// ExistingParticipantsPayload is the full roster minus the receiver.
type ExistingParticipantsPayload []models.Participant

type ParticipantLeftPayload struct {
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// WebRTC negotiation. Signal is opaque to the registry.
type WebRTCSignalRequest struct {
	TargetConnectionID string          `json:"targetConnectionId" validate:"required"`
	SessionID          string          `json:"sessionId" validate:"required,uuid"`
	Signal             json.RawMessage `json:"signal" validate:"required"`
}

type WebRTCSignalPayload struct {
	SourceConnectionID string          `json:"sourceConnectionId"`
	SessionID          string          `json:"sessionId"`
	Signal             json.RawMessage `json:"signal"`
}

// Media settings
type UpdateVideoSettingsRequest struct {
	SessionID string `json:"sessionId" validate:"required,uuid"`
	HasVideo  bool   `json:"hasVideo"`
	HasAudio  bool   `json:"hasAudio"`
}

type ParticipantSettingsPayload struct {
	UserID   string `json:"userId"`
	HasVideo bool   `json:"hasVideo"`
	HasAudio bool   `json:"hasAudio"`
}

type ScreenShareRequest struct {
	SessionID string `json:"sessionId" validate:"required,uuid"`
	IsSharing bool   `json:"isSharing"`
}

type ScreenSharePayload struct {
	UserID    string `json:"userId"`
	IsSharing bool   `json:"isSharing"`
}

// Chat
type ConsultationMessageRequest struct {
	SessionID string `json:"sessionId" validate:"required,uuid"`
	Message   string `json:"message"`
	RoomID    string `json:"roomId,omitempty"`
}

// ConsultationMessagePayload is what every room member receives.
type ConsultationMessagePayload = models.RoomMessage

// Host control
type MeetingControlRequest struct {
	SessionID string `json:"sessionId" validate:"required,uuid"`
	Action    string `json:"action" validate:"required,oneof=end"`
}

type MeetingEndedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload carries a human readable message and, for known failures,
// a stable code clients can branch on.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

const (
	ErrorCodeRoomFull       = "room_full"
	ErrorCodeMeetingEnded   = "meeting_ended"
	ErrorCodeNotJoined      = "not_joined"
	ErrorCodeNotHost        = "not_host"
	ErrorCodeTargetNotFound = "target_not_found"
	ErrorCodeRateLimited    = "rate_limited"
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeReplaced       = "connection_replaced"
)

// Session info for join validation
type SessionInfoResponse struct {
	ID                  uuid.UUID            `json:"id"`
	Status              string               `json:"status"`
	ScheduledAt         string               `json:"scheduled_at"`
	StartedAt           string               `json:"started_at,omitempty"`
	RecordingEnabled    bool                 `json:"recording_enabled"`
	Role                string               `json:"role"`
	CanJoin             bool                 `json:"can_join"`
	Message             string               `json:"message,omitempty"`
	ParticipantsPresent []models.Participant `json:"participants_present"`
}
