package config

import "time"

// Signaling connection limits and constraints
const (
	DefaultMaxParticipantsPerRoom = 8

	// Rate limiting
	MaxMessagesPerSecond = 50
	RateLimitWindow      = time.Second

	// Timeouts
	WriteTimeout  = 10 * time.Second
	PongTimeout   = 60 * time.Second
	PingInterval  = 54 * time.Second // must be less than PongTimeout
	DBCallTimeout = 5 * time.Second

	// Buffers
	ClientSendBufferSize = 256
	MaxMessageBytes      = 64 * 1024

	// Chat
	MaxChatMessageLength = 2000

	// Unmatched webrtc-signal buffering on the client
	SignalBufferTTL  = 10 * time.Second
	SignalBufferSize = 64

	// Presence cache entries outlive a room by this much at most
	PresenceTTL = 6 * time.Hour
)
