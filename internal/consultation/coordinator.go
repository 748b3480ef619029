// Package consultation coordinates one participant's side of a video
// consultation: the signaling channel, local media and a mesh of peer links.
package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/preetsinghmakkar/CounselCall/internal/config"
	"github.com/preetsinghmakkar/CounselCall/internal/media"
	"github.com/preetsinghmakkar/CounselCall/internal/models"
	"github.com/preetsinghmakkar/CounselCall/internal/peer"
	"github.com/preetsinghmakkar/CounselCall/internal/signaling"
	"github.com/rs/zerolog"
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateJoining
	StateActive
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// Channel is the signaling transport. *signaling.Client implements it.
type Channel interface {
	Connect(ctx context.Context, token string) error
	Send(event string, payload interface{}) error
	On(event string, h signaling.Handler)
	OnDisconnect(fn func(error))
	Disconnect()
}

// ChannelFactory opens a fresh channel for every join attempt.
type ChannelFactory func(sessionID string) Channel

type LinkFactory interface {
	NewLink(remoteID string, initiator bool, local *media.Stream, events peer.Events) (peer.Link, error)
}

// MediaController is the local media owner. *media.Controller implements it.
type MediaController interface {
	Acquire(ctx context.Context, wantVideo, wantAudio bool) error
	SetEnabled(video, audio bool)
	StartScreenShare(ctx context.Context, targets []media.VideoSender) error
	StopScreenShare(ctx context.Context, targets []media.VideoSender) error
	OnScreenShareEnded(fn func())
	Sharing() bool
	Release()
	Stream() *media.Stream
}

// SettingsUpdate is a partial media settings change. Nil fields are kept.
type SettingsUpdate struct {
	HasVideo *bool
	HasAudio *bool
}

// Config is fixed for the lifetime of a Coordinator. Callbacks run on
// transport goroutines and must not block.
type Config struct {
	SessionID string
	Token     string
	// Settings are the initial local media flags; nil means both on.
	Settings *models.MediaSettings

	OnError               func(err *Error)
	OnEnded               func()
	OnRemoteStream        func(p models.Participant, stream *peer.RemoteStream)
	OnParticipantsChanged func(participants []models.Participant)
	OnMessage             func(msg models.RoomMessage)
}

type peerEntry struct {
	userID string
	gen    uint64
	link   peer.Link
}

// Coordinator is the participant-side state machine for one consultation.
type Coordinator struct {
	cfg      Config
	channels ChannelFactory
	links    LinkFactory
	media    MediaController
	log      zerolog.Logger

	// serializes join attempts so a cancelled one finishes unwinding first
	joinMu sync.Mutex

	mu           sync.Mutex
	state        State
	attempt      uint64
	nextGen      uint64
	channel      Channel
	joinWait     chan error
	settings     models.MediaSettings
	participants map[string]*models.Participant
	order        []string
	peers        map[string]*peerEntry
	signals      *signalBuffer
	messages     []models.RoomMessage
}

func NewCoordinator(cfg Config, channels ChannelFactory, links LinkFactory, mc MediaController, log zerolog.Logger) *Coordinator {
	settings := models.MediaSettings{HasVideo: true, HasAudio: true}
	if cfg.Settings != nil {
		settings = *cfg.Settings
	}

	c := &Coordinator{
		cfg:          cfg,
		channels:     channels,
		links:        links,
		media:        mc,
		log:          log.With().Str("component", "coordinator").Str("session_id", cfg.SessionID).Logger(),
		settings:     settings,
		participants: make(map[string]*models.Participant),
		peers:        make(map[string]*peerEntry),
		signals:      newSignalBuffer(config.SignalBufferTTL, config.SignalBufferSize),
	}

	mc.OnScreenShareEnded(func() {
		go func() {
			if err := c.StopScreenShare(context.Background()); err != nil {
				c.log.Warn().Err(err).Msg("could not revert screen share")
			}
		}()
	})
	return c
}

// Join acquires media, opens the channel and joins the room. It returns once
// the roster has arrived. A call while a join is in flight or the session is
// active does nothing. Failures are also reported through OnError.
func (c *Coordinator) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return nil
	}
	c.attempt++
	attempt := c.attempt
	c.state = StateConnecting
	c.messages = nil
	settings := c.settings
	c.mu.Unlock()

	c.joinMu.Lock()
	defer c.joinMu.Unlock()

	c.log.Info().Msg("joining consultation")

	camera, err := c.acquireMedia(ctx)
	if err != nil {
		return c.failJoin(attempt, KindMedia, err)
	}
	if !camera {
		c.mu.Lock()
		if c.attempt == attempt {
			c.settings.HasVideo = false
		}
		c.mu.Unlock()
		settings.HasVideo = false
	}
	if !c.isCurrent(attempt) {
		c.media.Release()
		return ErrCancelled
	}
	c.media.SetEnabled(settings.HasVideo, settings.HasAudio)

	ch := c.channels(c.cfg.SessionID)
	c.bind(ch, attempt)
	if err := ch.Connect(ctx, c.cfg.Token); err != nil {
		ch.Disconnect()
		return c.failJoin(attempt, KindChannel, err)
	}

	wait := make(chan error, 1)
	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		ch.Disconnect()
		c.media.Release()
		return ErrCancelled
	}
	c.channel = ch
	c.joinWait = wait
	c.state = StateJoining
	settings = c.settings
	c.mu.Unlock()

	if err := ch.Send(eventJoin, joinRequest(c.cfg.SessionID)); err != nil {
		return c.failJoin(attempt, KindChannel, err)
	}
	if err := ch.Send(eventUpdateSettings, settingsRequest(c.cfg.SessionID, settings)); err != nil {
		return c.failJoin(attempt, KindChannel, err)
	}

	select {
	case err := <-wait:
		if err != nil {
			return c.failJoin(attempt, KindChannel, err)
		}
	case <-ctx.Done():
		return c.failJoin(attempt, KindChannel, ctx.Err())
	}

	if !c.isCurrent(attempt) {
		return ErrCancelled
	}
	c.log.Info().Int("peers", c.PeerCount()).Msg("joined consultation")
	return nil
}

// acquireMedia opens camera and microphone, falling back to the microphone
// alone when no camera can be opened. It reports whether video is held.
func (c *Coordinator) acquireMedia(ctx context.Context) (bool, error) {
	err := c.media.Acquire(ctx, true, true)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, media.ErrDeviceUnavailable) {
		return false, err
	}
	c.log.Warn().Err(err).Msg("camera unavailable, joining with audio only")
	if err := c.media.Acquire(ctx, false, true); err != nil {
		return false, err
	}
	return false, nil
}

// failJoin tears down a join that is still current and reports err once.
// A join cancelled by Leave is not an error.
func (c *Coordinator) failJoin(attempt uint64, kind ErrorKind, err error) error {
	if !c.isCurrent(attempt) {
		return ErrCancelled
	}
	c.log.Warn().Err(err).Str("kind", string(kind)).Msg("join failed")
	c.teardown()

	e := &Error{Kind: kind, Err: err}
	c.report(e)
	return e
}

// Leave announces departure and releases everything. Teardown happens even
// if the announcement cannot be sent. Leave also cancels a join in flight.
func (c *Coordinator) Leave() {
	c.mu.Lock()
	if c.state == StateIdle {
		c.mu.Unlock()
		return
	}
	c.state = StateLeaving
	ch := c.channel
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Send(eventLeave, leaveRequest(c.cfg.SessionID)); err != nil {
			c.log.Debug().Err(err).Msg("leave not delivered")
		}
	}
	c.teardown()
	c.log.Info().Msg("left consultation")
}

// teardown returns the coordinator to Idle: every link destroyed, media
// released, channel closed.
func (c *Coordinator) teardown() {
	c.mu.Lock()
	c.attempt++
	c.state = StateIdle
	ch := c.channel
	c.channel = nil
	wait := c.joinWait
	c.joinWait = nil
	peers := c.peers
	c.peers = make(map[string]*peerEntry)
	hadParticipants := len(c.participants) > 0
	c.participants = make(map[string]*models.Participant)
	c.order = nil
	c.signals.reset()
	c.mu.Unlock()

	if wait != nil {
		select {
		case wait <- ErrCancelled:
		default:
		}
	}
	for _, entry := range peers {
		if entry.link != nil {
			entry.link.Destroy()
		}
	}
	c.media.Release()
	if ch != nil {
		ch.Disconnect()
	}
	if hadParticipants {
		c.notifyParticipants()
	}
}

// SendMessage relays a chat line. Blank text is ignored. The line is not
// added locally; it shows up in Messages when the registry relays it back.
func (c *Coordinator) SendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	ch, err := c.activeChannel()
	if err != nil {
		return err
	}
	return ch.Send(eventChat, chatRequest(c.cfg.SessionID, text))
}

// UpdateSettings merges u into the current settings, applies them to local
// media and broadcasts them when connected.
func (c *Coordinator) UpdateSettings(u SettingsUpdate) models.MediaSettings {
	c.mu.Lock()
	if u.HasVideo != nil {
		c.settings.HasVideo = *u.HasVideo
	}
	if u.HasAudio != nil {
		c.settings.HasAudio = *u.HasAudio
	}
	settings := c.settings
	var ch Channel
	if c.state == StateJoining || c.state == StateActive {
		ch = c.channel
	}
	c.mu.Unlock()

	c.media.SetEnabled(settings.HasVideo, settings.HasAudio)
	if ch != nil {
		if err := ch.Send(eventUpdateSettings, settingsRequest(c.cfg.SessionID, settings)); err != nil {
			c.log.Warn().Err(err).Msg("could not broadcast settings")
		}
	}
	return settings
}

// StartScreenShare replaces the outbound video on every link with a screen
// capture and announces it.
func (c *Coordinator) StartScreenShare(ctx context.Context) error {
	ch, err := c.activeChannel()
	if err != nil {
		return err
	}

	if err := c.media.StartScreenShare(ctx, c.videoSenders()); err != nil {
		if !c.media.Sharing() {
			e := &Error{Kind: KindMedia, Err: err}
			c.report(e)
			return e
		}
		c.report(&Error{Kind: KindNegotiation, Err: err})
	}
	return ch.Send(eventScreenShare, screenShareRequest(c.cfg.SessionID, true))
}

// StopScreenShare puts the camera back on every link. Without an active
// share it does nothing.
func (c *Coordinator) StopScreenShare(ctx context.Context) error {
	if !c.media.Sharing() {
		return nil
	}

	err := c.media.StopScreenShare(ctx, c.videoSenders())
	if err != nil {
		c.report(&Error{Kind: KindMedia, Err: err})
	}

	if ch, chErr := c.activeChannel(); chErr == nil {
		if sendErr := ch.Send(eventScreenShare, screenShareRequest(c.cfg.SessionID, false)); sendErr != nil {
			c.log.Warn().Err(sendErr).Msg("could not announce end of screen share")
		}
	}
	return err
}

// EndMeeting asks the registry to end the consultation for everyone. Only
// the host is allowed; others get an error back.
func (c *Coordinator) EndMeeting() error {
	ch, err := c.activeChannel()
	if err != nil {
		return err
	}
	return ch.Send(eventMeetingControl, endMeetingRequest(c.cfg.SessionID))
}

func (c *Coordinator) activeChannel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateActive || c.channel == nil {
		return nil, ErrNotActive
	}
	return c.channel, nil
}

func (c *Coordinator) videoSenders() []media.VideoSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	senders := make([]media.VideoSender, 0, len(c.peers))
	for _, entry := range c.peers {
		if entry.link != nil {
			senders = append(senders, entry.link)
		}
	}
	return senders
}

func (c *Coordinator) isCurrent(attempt uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt == attempt
}

func (c *Coordinator) report(err *Error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

func (c *Coordinator) notifyParticipants() {
	if c.cfg.OnParticipantsChanged != nil {
		c.cfg.OnParticipantsChanged(c.Participants())
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the signaling channel is open.
func (c *Coordinator) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel != nil && (c.state == StateJoining || c.state == StateActive)
}

// Joining reports whether a join is in flight.
func (c *Coordinator) Joining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnecting || c.state == StateJoining
}

// Participants returns the remote participants in the order they appeared.
func (c *Coordinator) Participants() []models.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Participant, 0, len(c.order))
	for _, userID := range c.order {
		out = append(out, *c.participants[userID])
	}
	return out
}

func (c *Coordinator) Settings() models.MediaSettings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *Coordinator) Messages() []models.RoomMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.RoomMessage(nil), c.messages...)
}

// LocalStream is the stream to render as self-view.
func (c *Coordinator) LocalStream() *media.Stream {
	return c.media.Stream()
}

// PeerCount is the number of live peer links.
func (c *Coordinator) PeerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

// Link returns the live link to a remote connection.
func (c *Coordinator) Link(connectionID string) (peer.Link, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.peers[connectionID]
	if !ok || entry.link == nil {
		return nil, false
	}
	return entry.link, true
}

// pendingSignals is the number of buffered signals awaiting a link.
func (c *Coordinator) pendingSignals() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signals.size()
}

func decode(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(raw, dst)
}
