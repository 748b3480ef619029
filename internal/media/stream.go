package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Stream is the set of local tracks fed to peer links. At most one track
// per kind.
type Stream struct {
	mu     sync.RWMutex
	tracks []Track
}

func NewStream(tracks ...Track) *Stream {
	s := &Stream{}
	for _, t := range tracks {
		if t != nil {
			s.set(t)
		}
	}
	return s
}

// Tracks returns a copy of the current tracks, video first.
func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Track, 0, len(s.tracks))
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		for _, t := range s.tracks {
			if t.Kind() == kind {
				out = append(out, t)
			}
		}
	}
	return out
}

func (s *Stream) VideoTrack() Track { return s.track(webrtc.RTPCodecTypeVideo) }
func (s *Stream) AudioTrack() Track { return s.track(webrtc.RTPCodecTypeAudio) }

func (s *Stream) track(kind webrtc.RTPCodecType) Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tracks {
		if t.Kind() == kind {
			return t
		}
	}
	return nil
}

// set replaces the track of the same kind and returns the one it displaced.
func (s *Stream) set(t Track) Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.tracks {
		if existing.Kind() == t.Kind() {
			s.tracks[i] = t
			return existing
		}
	}
	s.tracks = append(s.tracks, t)
	return nil
}

func (s *Stream) remove(kind webrtc.RTPCodecType) Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tracks {
		if t.Kind() == kind {
			s.tracks = append(s.tracks[:i], s.tracks[i+1:]...)
			return t
		}
	}
	return nil
}

// Stop stops every track and empties the stream.
func (s *Stream) Stop() {
	s.mu.Lock()
	tracks := s.tracks
	s.tracks = nil
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}

// Add puts t in the stream, replacing any track of the same kind.
func (s *Stream) Add(t Track) {
	s.set(t)
}

// Len is the number of tracks currently held.
func (s *Stream) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracks)
}
