package peer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/preetsinghmakkar/CounselCall/internal/media"
	"github.com/rs/zerolog"
)

// ICE keeps trying this long before a link is reported failed.
const (
	iceDisconnectedTimeout = 10 * time.Second
	iceFailedTimeout       = 30 * time.Second
	iceKeepaliveInterval   = 2 * time.Second
)

// Factory builds links sharing one pion API.
type Factory struct {
	api    *webrtc.API
	config webrtc.Configuration
	log    zerolog.Logger
}

// NewFactory registers the default interceptors on engine. engine must
// already carry the codecs the local tracks produce.
func NewFactory(engine *webrtc.MediaEngine, iceServers []webrtc.ICEServer, log zerolog.Logger) (*Factory, error) {
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(engine, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(iceDisconnectedTimeout, iceFailedTimeout, iceKeepaliveInterval)

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(engine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(se),
		),
		config: webrtc.Configuration{ICEServers: iceServers},
		log:    log.With().Str("component", "peer").Logger(),
	}, nil
}

// NewLink attaches every track of local and, when initiator, emits the
// offer through events.OnSignal before returning.
func (f *Factory) NewLink(remoteID string, initiator bool, local *media.Stream, events Events) (Link, error) {
	if local == nil {
		return nil, media.ErrNoStream
	}

	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	c := &Connection{
		remoteID:  remoteID,
		initiator: initiator,
		pc:        pc,
		events:    events,
		remote:    &RemoteStream{ConnectionID: remoteID},
		log:       f.log.With().Str("remote_connection_id", remoteID).Bool("initiator", initiator).Logger(),
	}

	if err := c.attach(local); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnICECandidate(c.handleCandidate)
	pc.OnConnectionStateChange(c.handleStateChange)
	pc.OnTrack(c.handleTrack)

	if initiator {
		if err := c.offer(); err != nil {
			pc.Close()
			return nil, err
		}
	}
	return c, nil
}

// Connection is a Link over a pion PeerConnection.
type Connection struct {
	remoteID  string
	initiator bool
	pc        *webrtc.PeerConnection
	events    Events
	remote    *RemoteStream
	log       zerolog.Logger

	// negotiation steps run one at a time
	negMu sync.Mutex

	mu        sync.Mutex
	state     State
	video     *webrtc.RTPSender
	pending   []webrtc.ICECandidateInit
	destroyed bool
}

var _ Link = (*Connection)(nil)

func (c *Connection) RemoteID() string { return c.remoteID }
func (c *Connection) Initiator() bool { return c.initiator }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) attach(local *media.Stream) error {
	haveVideo, haveAudio := false, false
	for _, t := range local.Tracks() {
		sender, err := c.pc.AddTrack(t.Local())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		go drainRTCP(sender)

		switch t.Kind() {
		case webrtc.RTPCodecTypeVideo:
			c.video = sender
			haveVideo = true
		case webrtc.RTPCodecTypeAudio:
			haveAudio = true
		}
	}

	// receive what the remote sends even when the matching local device is absent
	for kind, have := range map[webrtc.RTPCodecType]bool{
		webrtc.RTPCodecTypeVideo: haveVideo,
		webrtc.RTPCodecTypeAudio: haveAudio,
	} {
		if have {
			continue
		}
		if _, err := c.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	rtcpBuf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(rtcpBuf); err != nil {
			return
		}
	}
}

func (c *Connection) offer() error {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	c.setState(StateSignaling)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	c.emit(Signal{Type: SignalOffer, SDP: offer.SDP})
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local offer: %v", ErrNegotiation, err)
	}
	return nil
}

// Signal applies one remote negotiation message. Candidates that arrive
// before the remote description are held until it is set.
func (c *Connection) Signal(raw json.RawMessage) error {
	var s Signal
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignal, err)
	}

	c.negMu.Lock()
	defer c.negMu.Unlock()

	if c.isDestroyed() {
		return ErrClosed
	}

	switch s.Type {
	case SignalOffer:
		c.setState(StateSignaling)
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: s.SDP}); err != nil {
			return c.failNegotiation("apply offer", err)
		}
		c.flushCandidates()

		answer, err := c.pc.CreateAnswer(nil)
		if err != nil {
			return c.failNegotiation("create answer", err)
		}
		c.emit(Signal{Type: SignalAnswer, SDP: answer.SDP})
		if err := c.pc.SetLocalDescription(answer); err != nil {
			return c.failNegotiation("set local answer", err)
		}

	case SignalAnswer:
		if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: s.SDP}); err != nil {
			return c.failNegotiation("apply answer", err)
		}
		c.flushCandidates()

	case SignalCandidate:
		if s.Candidate == nil {
			return nil
		}
		if c.pc.RemoteDescription() == nil {
			c.mu.Lock()
			c.pending = append(c.pending, *s.Candidate)
			c.mu.Unlock()
			return nil
		}
		if err := c.pc.AddICECandidate(*s.Candidate); err != nil {
			c.log.Warn().Err(err).Msg("rejected remote candidate")
		}

	default:
		c.log.Debug().Str("type", s.Type).Msg("ignoring signal")
	}
	return nil
}

func (c *Connection) flushCandidates() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.pc.AddICECandidate(cand); err != nil {
			c.log.Warn().Err(err).Msg("rejected queued candidate")
		}
	}
}

func (c *Connection) failNegotiation(step string, err error) error {
	c.setState(StateFailed)
	c.log.Warn().Err(err).Str("step", step).Msg("negotiation failed")
	return fmt.Errorf("%w: %s: %v", ErrNegotiation, step, err)
}

func (c *Connection) emit(s Signal) {
	if c.events.OnSignal == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		c.log.Error().Err(err).Str("type", s.Type).Msg("could not encode signal")
		return
	}
	c.events.OnSignal(data)
}

func (c *Connection) handleCandidate(cand *webrtc.ICECandidate) {
	if cand == nil || c.isDestroyed() {
		return
	}
	candidate := cand.ToJSON()
	c.emit(Signal{Type: SignalCandidate, Candidate: &candidate})
}

func (c *Connection) handleStateChange(s webrtc.PeerConnectionState) {
	c.log.Debug().Str("state", s.String()).Msg("transport state")

	switch s {
	case webrtc.PeerConnectionStateConnected:
		if c.setState(StateConnected) && c.events.OnConnected != nil {
			c.events.OnConnected()
		}
	case webrtc.PeerConnectionStateFailed:
		if c.setState(StateFailed) && c.events.OnFailed != nil {
			c.events.OnFailed(ErrTransportFailed)
		}
	case webrtc.PeerConnectionStateClosed:
		if c.setState(StateClosed) && c.events.OnClosed != nil {
			c.events.OnClosed()
		}
	}
}

func (c *Connection) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if c.isDestroyed() {
		return
	}
	c.log.Info().Str("kind", track.Kind().String()).Str("codec", track.Codec().MimeType).Msg("remote track")
	c.remote.add(track)

	if c.events.OnStream != nil {
		c.events.OnStream(c.remote)
	}
}

// setState reports whether the state changed on a live link.
func (c *Connection) setState(s State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.state == s {
		return false
	}
	c.state = s
	return true
}

func (c *Connection) isDestroyed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroyed
}

// ReplaceVideoTrack swaps the video sender's source. A nil track stops
// sending video.
func (c *Connection) ReplaceVideoTrack(track media.Track) error {
	c.mu.Lock()
	sender, destroyed := c.video, c.destroyed
	c.mu.Unlock()

	if destroyed {
		return ErrClosed
	}
	if sender == nil {
		return ErrNoVideoSender
	}

	var local webrtc.TrackLocal
	if track != nil {
		local = track.Local()
	}
	if err := sender.ReplaceTrack(local); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	return nil
}

func (c *Connection) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.state = StateClosed
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		c.log.Debug().Err(err).Msg("close peer connection")
	}
	c.log.Debug().Msg("link destroyed")
}
