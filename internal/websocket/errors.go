package websocket

import (
	"errors"

	"github.com/preetsinghmakkar/CounselCall/internal/dtos"
)

var (
	ErrRoomFull        = errors.New("consultation room is full")
	ErrRoomClosed      = errors.New("consultation room is closed")
	ErrMeetingEnded    = errors.New("consultation has ended")
	ErrNotJoined       = errors.New("join the consultation first")
	ErrSessionMismatch = errors.New("session does not match this connection")
	ErrClientNotFound  = errors.New("participant not found in this consultation")
	ErrNotHost         = errors.New("only the host can control the meeting")
	ErrEmptyMessage    = errors.New("message is empty")
	ErrMessageTooLong  = errors.New("message is too long")
	ErrUnknownEvent    = errors.New("unknown message type")
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrRateLimited     = errors.New("rate limit exceeded, please slow down")
	ErrSendBufferFull  = errors.New("send buffer is full")

	ErrConnectionReplaced = errors.New("connection replaced by a newer one")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrRoomFull, dtos.ErrorCodeRoomFull},
	{ErrMeetingEnded, dtos.ErrorCodeMeetingEnded},
	{ErrNotJoined, dtos.ErrorCodeNotJoined},
	{ErrNotHost, dtos.ErrorCodeNotHost},
	{ErrClientNotFound, dtos.ErrorCodeTargetNotFound},
	{ErrRateLimited, dtos.ErrorCodeRateLimited},
	{ErrInvalidPayload, dtos.ErrorCodeInvalidRequest},
	{ErrSessionMismatch, dtos.ErrorCodeInvalidRequest},
	{ErrUnknownEvent, dtos.ErrorCodeInvalidRequest},
	{ErrEmptyMessage, dtos.ErrorCodeInvalidRequest},
	{ErrMessageTooLong, dtos.ErrorCodeInvalidRequest},
	{ErrConnectionReplaced, dtos.ErrorCodeReplaced},
}

// errorCode maps err to its wire code, or "" when it has none.
func errorCode(err error) string {
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ""
}
