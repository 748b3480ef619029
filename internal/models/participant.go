package models

import "time"

// Participant is one user's presence within a consultation room.
// ConnectionID is only stable for the lifetime of one signaling connection.
type Participant struct {
	UserID          string `json:"userId"`
	Email           string `json:"email"`
	ConnectionID    string `json:"connectionId"`
	HasVideo        bool   `json:"hasVideo"`
	HasAudio        bool   `json:"hasAudio"`
	IsScreenSharing bool   `json:"isScreenSharing,omitempty"`
}

// MediaSettings are the local media flags a participant broadcasts.
type MediaSettings struct {
	HasVideo bool `json:"hasVideo"`
	HasAudio bool `json:"hasAudio"`
}

// RoomMessage is a chat line relayed to every member of a room.
type RoomMessage struct {
	UserID    string    `json:"userId"`
	Email     string    `json:"email"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Attendance is one join/leave record for a session.
type Attendance struct {
	SessionID    string     `db:"session_id"`
	UserID       string     `db:"user_id"`
	ConnectionID string     `db:"connection_id"`
	JoinedAt     time.Time  `db:"joined_at"`
	LeftAt       *time.Time `db:"left_at"`
}
