// Package peer negotiates one media transport per remote participant.
package peer

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/preetsinghmakkar/CounselCall/internal/media"
)

var (
	ErrClosed          = errors.New("peer link closed")
	ErrBadSignal       = errors.New("malformed negotiation signal")
	ErrNegotiation     = errors.New("negotiation failed")
	ErrTransportFailed = errors.New("peer transport failed")
	ErrNoVideoSender   = errors.New("peer link has no video sender")
)

type State int

const (
	StateNew State = iota
	StateSignaling
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateSignaling:
		return "signaling"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Link is one bidirectional media transport to a remote connection.
type Link interface {
	RemoteID() string
	Initiator() bool
	State() State
	// Signal applies a negotiation message received from the remote side.
	Signal(raw json.RawMessage) error
	// ReplaceVideoTrack swaps the outbound video without renegotiating.
	ReplaceVideoTrack(track media.Track) error
	// Destroy closes the transport. No events fire afterwards.
	Destroy()
}

// Events are invoked from transport goroutines, never with link locks held.
type Events struct {
	OnSignal    func(signal json.RawMessage)
	OnStream    func(stream *RemoteStream)
	OnConnected func()
	OnFailed    func(err error)
	OnClosed    func()
}

// RemoteStream collects the tracks received from one remote connection.
type RemoteStream struct {
	ConnectionID string

	mu     sync.RWMutex
	tracks []*webrtc.TrackRemote
}

func (s *RemoteStream) add(t *webrtc.TrackRemote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

func (s *RemoteStream) VideoTrack() *webrtc.TrackRemote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			return t
		}
	}
	return nil
}
