package consultation

import (
	"errors"
	"fmt"
)

var (
	ErrNotActive = errors.New("not in an active consultation")
	ErrCancelled = errors.New("join cancelled")
)

type ErrorKind string

const (
	KindChannel     ErrorKind = "channel"
	KindMedia       ErrorKind = "media"
	KindNegotiation ErrorKind = "negotiation"
	// KindServer is a request the server refused while the session stayed up.
	KindServer      ErrorKind = "server"
)

// Error is what the coordinator reports through Config.OnError. Negotiation
// errors carry the remote participant they concern. Only KindChannel means
// the session is gone.
type Error struct {
	Kind         ErrorKind
	ConnectionID string
	UserID       string
	Err          error
}

func (e *Error) Error() string {
	if e.UserID != "" {
		return fmt.Sprintf("%s error with participant %s: %v", e.Kind, e.UserID, e.Err)
	}
	if e.ConnectionID != "" {
		return fmt.Sprintf("%s error with connection %s: %v", e.Kind, e.ConnectionID, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
