package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/preetsinghmakkar/CounselCall/internal/dtos"
	"github.com/preetsinghmakkar/CounselCall/internal/media"
	"github.com/preetsinghmakkar/CounselCall/internal/models"
	"github.com/preetsinghmakkar/CounselCall/internal/peer"
	"github.com/preetsinghmakkar/CounselCall/internal/signaling"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSession = "6f1d2a7e-9a8b-4c3d-8e2f-1a2b3c4d5e6f"

type sentMessage struct {
	Type    string
	Payload interface{}
}

type fakeChannel struct {
	mu           sync.Mutex
	handlers     map[string][]signaling.Handler
	onDisconnect func(error)
	sent         []sentMessage
	connected    bool
	disconnected bool
	connectErr   error
	// onSend runs after a message is recorded, outside the lock
	onSend       func(event string, payload interface{})
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]signaling.Handler)}
}

func (f *fakeChannel) Connect(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeChannel) Send(event string, payload interface{}) error {
	f.mu.Lock()
	if f.disconnected {
		f.mu.Unlock()
		return signaling.ErrClosed
	}
	f.sent = append(f.sent, sentMessage{Type: event, Payload: payload})
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook(event, payload)
	}
	return nil
}

func (f *fakeChannel) On(event string, h signaling.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], h)
}

func (f *fakeChannel) OnDisconnect(fn func(error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = fn
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeChannel) deliver(t *testing.T, event string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	handlers := append([]signaling.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(raw)
	}
}

func (f *fakeChannel) drop(err error) {
	f.mu.Lock()
	fn := f.onDisconnect
	f.mu.Unlock()
	fn(err)
}

func (f *fakeChannel) messages(event string) []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentMessage
	for _, m := range f.sent {
		if m.Type == event {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeChannel) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.Type)
	}
	return out
}

func (f *fakeChannel) isDisconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

type fakeLink struct {
	remoteID  string
	initiator bool
	events    peer.Events
	// negotiate answers every offer it receives
	negotiate bool

	mu        sync.Mutex
	signals   []string
	replaced  int
	destroyed int
	signalErr error
}

func (l *fakeLink) RemoteID() string { return l.remoteID }
func (l *fakeLink) Initiator() bool { return l.initiator }
func (l *fakeLink) State() peer.State { return peer.StateSignaling }

func (l *fakeLink) Signal(raw json.RawMessage) error {
	l.mu.Lock()
	l.signals = append(l.signals, string(raw))
	err := l.signalErr
	l.mu.Unlock()

	if l.negotiate && err == nil {
		var s peer.Signal
		if json.Unmarshal(raw, &s) == nil && s.Type == peer.SignalOffer {
			l.events.OnSignal(json.RawMessage(`{"type":"answer","sdp":"fake"}`))
		}
	}
	return err
}

// signalTypes lists the type of every signal received, in order.
func (l *fakeLink) signalTypes() []string {
	var out []string
	for _, raw := range l.received() {
		var s peer.Signal
		if json.Unmarshal([]byte(raw), &s) == nil {
			out = append(out, s.Type)
		}
	}
	return out
}

func (l *fakeLink) ReplaceVideoTrack(media.Track) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.replaced++
	return nil
}

func (l *fakeLink) Destroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.destroyed++
}

func (l *fakeLink) received() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.signals...)
}

type fakeLinks struct {
	negotiate bool

	mu      sync.Mutex
	created []*fakeLink
	err     error
}

func (f *fakeLinks) NewLink(remoteID string, initiator bool, local *media.Stream, events peer.Events) (peer.Link, error) {
	if local == nil {
		return nil, media.ErrNoStream
	}

	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return nil, f.err
	}
	l := &fakeLink{remoteID: remoteID, initiator: initiator, events: events, negotiate: f.negotiate}
	f.created = append(f.created, l)
	f.mu.Unlock()

	if f.negotiate && initiator {
		events.OnSignal(json.RawMessage(`{"type":"offer","sdp":"fake"}`))
	}
	return l, nil
}

func (f *fakeLinks) get(remoteID string) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.created) - 1; i >= 0; i-- {
		if f.created[i].remoteID == remoteID {
			return f.created[i]
		}
	}
	return nil
}

func (f *fakeLinks) all() []*fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeLink(nil), f.created...)
}

// live counts links that were never destroyed.
func (f *fakeLinks) live() int {
	n := 0
	for _, l := range f.all() {
		l.mu.Lock()
		if l.destroyed == 0 {
			n++
		}
		l.mu.Unlock()
	}
	return n
}

type fakeMedia struct {
	mu            sync.Mutex
	acquireErr    error
	acquireGate   chan struct{}
	noCamera      bool
	stream        *media.Stream
	acquires      int
	requests      [][2]bool // video, audio per Acquire
	video, audio  bool
	sharing       bool
	shareStarts   int
	shareStops    int
	onScreenEnded func()
}

func (m *fakeMedia) Acquire(ctx context.Context, wantVideo, wantAudio bool) error {
	m.mu.Lock()
	gate := m.acquireGate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquires++
	m.requests = append(m.requests, [2]bool{wantVideo, wantAudio})
	if m.acquireErr != nil {
		return m.acquireErr
	}
	if wantVideo && m.noCamera {
		return fmt.Errorf("%w: no video input", media.ErrDeviceUnavailable)
	}
	m.stream = media.NewStream()
	m.video, m.audio = wantVideo, wantAudio
	return nil
}

func (m *fakeMedia) SetEnabled(video, audio bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.video, m.audio = video, audio
}

func (m *fakeMedia) StartScreenShare(_ context.Context, targets []media.VideoSender) error {
	m.mu.Lock()
	if m.sharing {
		m.mu.Unlock()
		return nil
	}
	m.sharing = true
	m.shareStarts++
	m.mu.Unlock()
	for _, t := range targets {
		_ = t.ReplaceVideoTrack(nil)
	}
	return nil
}

func (m *fakeMedia) StopScreenShare(_ context.Context, targets []media.VideoSender) error {
	m.mu.Lock()
	if !m.sharing {
		m.mu.Unlock()
		return nil
	}
	m.sharing = false
	m.shareStops++
	m.mu.Unlock()
	for _, t := range targets {
		_ = t.ReplaceVideoTrack(nil)
	}
	return nil
}

func (m *fakeMedia) OnScreenShareEnded(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onScreenEnded = fn
}

func (m *fakeMedia) Sharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sharing
}

func (m *fakeMedia) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stream = nil
	m.sharing = false
}

func (m *fakeMedia) Stream() *media.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

func (m *fakeMedia) held() bool {
	return m.Stream() != nil
}

type harness struct {
	coord   *Coordinator
	channel *fakeChannel
	links   *fakeLinks
	media   *fakeMedia

	mu      sync.Mutex
	errs    []*Error
	ended   int
	rosters int
}

// newHarness builds a coordinator whose channel answers join-consultation
// with roster.
func newHarness(t *testing.T, roster ...models.Participant) *harness {
	t.Helper()
	h := &harness{
		channel: newFakeChannel(),
		links:   &fakeLinks{},
		media:   &fakeMedia{},
	}
	h.channel.onSend = func(event string, _ interface{}) {
		if event == dtos.EventJoinConsultation {
			h.channel.deliver(t, dtos.EventExistingParticipants, append([]models.Participant{}, roster...))
		}
	}

	cfg := Config{
		SessionID: testSession,
		Token:     "token",
		OnError: func(err *Error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.errs = append(h.errs, err)
		},
		OnEnded: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.ended++
		},
		OnParticipantsChanged: func([]models.Participant) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.rosters++
		},
	}
	h.coord = NewCoordinator(cfg, func(string) Channel { return h.channel }, h.links, h.media, zerolog.Nop())
	return h
}

func (h *harness) errors() []*Error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*Error(nil), h.errs...)
}

func participant(n int) models.Participant {
	return models.Participant{
		UserID:       fmt.Sprintf("user-%d", n),
		Email:        fmt.Sprintf("user%d@example.com", n),
		ConnectionID: fmt.Sprintf("conn-%d", n),
		HasVideo:     true,
		HasAudio:     true,
	}
}

func TestCoordinator_JoinEmptyRoom(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.coord.Join(context.Background()))

	assert.Equal(t, StateActive, h.coord.State())
	assert.True(t, h.coord.Connected())
	assert.False(t, h.coord.Joining())
	assert.Zero(t, h.coord.PeerCount())
	assert.Empty(t, h.coord.Participants())
	assert.NotNil(t, h.coord.LocalStream())
	assert.Equal(t, []string{dtos.EventJoinConsultation, dtos.EventUpdateVideoSettings}, h.channel.types())

	settings := h.channel.messages(dtos.EventUpdateVideoSettings)[0].Payload.(dtos.UpdateVideoSettingsRequest)
	assert.True(t, settings.HasVideo)
	assert.True(t, settings.HasAudio)
	assert.Equal(t, testSession, settings.SessionID)
}

func TestCoordinator_JoinAppliesInitialSettings(t *testing.T) {
	h := newHarness(t)
	h.coord.settings = models.MediaSettings{HasVideo: false, HasAudio: true}

	require.NoError(t, h.coord.Join(context.Background()))

	assert.False(t, h.media.video)
	assert.True(t, h.media.audio)
	settings := h.channel.messages(dtos.EventUpdateVideoSettings)[0].Payload.(dtos.UpdateVideoSettingsRequest)
	assert.False(t, settings.HasVideo)
}

func TestCoordinator_JoinWithoutCamera(t *testing.T) {
	h := newHarness(t, participant(1))
	h.media.noCamera = true

	require.NoError(t, h.coord.Join(context.Background()))

	assert.Equal(t, StateActive, h.coord.State())
	assert.Equal(t, [][2]bool{{true, true}, {false, true}}, h.media.requests)
	assert.True(t, h.media.held())
	assert.Equal(t, models.MediaSettings{HasVideo: false, HasAudio: true}, h.coord.Settings())
	assert.Equal(t, 1, h.coord.PeerCount())
	assert.Empty(t, h.errors())

	settings := h.channel.messages(dtos.EventUpdateVideoSettings)[0].Payload.(dtos.UpdateVideoSettingsRequest)
	assert.False(t, settings.HasVideo)
	assert.True(t, settings.HasAudio)
}

func TestCoordinator_RosterLinksAreNonInitiator(t *testing.T) {
	h := newHarness(t, participant(1), participant(2))

	require.NoError(t, h.coord.Join(context.Background()))

	assert.Equal(t, 2, h.coord.PeerCount())
	for _, l := range h.links.all() {
		assert.False(t, l.initiator, l.remoteID)
	}
	assert.Equal(t, []models.Participant{participant(1), participant(2)}, h.coord.Participants())
	assert.Equal(t, 1, h.rosters)
}

func TestCoordinator_JoinedParticipantGetsInitiatorLink(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Join(context.Background()))

	h.channel.deliver(t, dtos.EventParticipantJoined, participant(1))
	h.channel.deliver(t, dtos.EventParticipantJoined, participant(1))

	require.Len(t, h.links.all(), 1)
	assert.True(t, h.links.get("conn-1").initiator)
	assert.Equal(t, 1, h.coord.PeerCount())

	h.channel.deliver(t, dtos.EventParticipantLeft, dtos.ParticipantLeftPayload{UserID: "user-1"})
	assert.Zero(t, h.coord.PeerCount())
	assert.Empty(t, h.coord.Participants())
	assert.Equal(t, 1, h.links.get("conn-1").destroyed)
}

func TestCoordinator_ReconnectReplacesLink(t *testing.T) {
	h := newHarness(t, participant(1))
	require.NoError(t, h.coord.Join(context.Background()))

	again := participant(1)
	again.ConnectionID = "conn-1b"
	h.channel.deliver(t, dtos.EventParticipantJoined, again)

	assert.Equal(t, 1, h.coord.PeerCount())
	assert.Equal(t, 1, h.links.get("conn-1").destroyed)
	assert.Equal(t, []models.Participant{again}, h.coord.Participants())

	// a late leave for the old connection keeps the participant
	h.channel.deliver(t, dtos.EventParticipantLeft, dtos.ParticipantLeftPayload{UserID: "user-1", ConnectionID: "conn-1"})
	assert.Equal(t, 1, h.coord.PeerCount())
	assert.Len(t, h.coord.Participants(), 1)
}

func TestCoordinator_LinksTrackParticipants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 20; round++ {
		h := newHarness(t, participant(100))
		require.NoError(t, h.coord.Join(context.Background()))

		present := map[int]bool{100: true}
		for step := 0; step < 60; step++ {
			n := rng.Intn(6)
			if rng.Intn(2) == 0 {
				h.channel.deliver(t, dtos.EventParticipantJoined, participant(n))
				present[n] = true
			} else {
				h.channel.deliver(t, dtos.EventParticipantLeft, dtos.ParticipantLeftPayload{UserID: fmt.Sprintf("user-%d", n)})
				delete(present, n)
			}
			require.Equal(t, len(present), h.coord.PeerCount(), "round %d step %d", round, step)
			require.Equal(t, len(present), len(h.coord.Participants()))
			require.Equal(t, len(present), h.links.live())
		}
	}
}

func TestCoordinator_SignalRouting(t *testing.T) {
	h := newHarness(t, participant(1))
	require.NoError(t, h.coord.Join(context.Background()))

	h.channel.deliver(t, dtos.EventWebRTCSignal, dtos.WebRTCSignalPayload{
		SourceConnectionID: "conn-1",
		SessionID:          testSession,
		Signal:             json.RawMessage(`{"type":"offer","sdp":"x"}`),
	})
	assert.Equal(t, []string{`{"type":"offer","sdp":"x"}`}, h.links.get("conn-1").received())

	link := h.links.get("conn-1")
	link.events.OnSignal(json.RawMessage(`{"type":"answer","sdp":"y"}`))
	out := h.channel.messages(dtos.EventWebRTCSignal)
	require.Len(t, out, 1)
	req := out[0].Payload.(dtos.WebRTCSignalRequest)
	assert.Equal(t, "conn-1", req.TargetConnectionID)
	assert.Equal(t, testSession, req.SessionID)
}

func TestCoordinator_SignalBeforeRosterIsReplayed(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Join(context.Background()))

	for i := 0; i < 3; i++ {
		h.channel.deliver(t, dtos.EventWebRTCSignal, dtos.WebRTCSignalPayload{
			SourceConnectionID: "conn-1",
			Signal:             json.RawMessage(fmt.Sprintf(`{"type":"candidate","n":%d}`, i)),
		})
	}
	assert.Equal(t, 3, h.coord.pendingSignals())

	h.channel.deliver(t, dtos.EventParticipantJoined, participant(1))

	assert.Equal(t, []string{
		`{"type":"candidate","n":0}`,
		`{"type":"candidate","n":1}`,
		`{"type":"candidate","n":2}`,
	}, h.links.get("conn-1").received())
	assert.Zero(t, h.coord.pendingSignals())
}

func TestCoordinator_NegotiationFailureRemovesOnlyThatLink(t *testing.T) {
	h := newHarness(t, participant(1), participant(2))
	require.NoError(t, h.coord.Join(context.Background()))

	h.links.get("conn-1").events.OnFailed(peer.ErrTransportFailed)

	assert.Equal(t, 1, h.coord.PeerCount())
	assert.Len(t, h.coord.Participants(), 2)
	assert.Equal(t, 1, h.links.get("conn-1").destroyed)
	assert.Zero(t, h.links.get("conn-2").destroyed)

	errs := h.errors()
	require.Len(t, errs, 1)
	assert.Equal(t, KindNegotiation, errs[0].Kind)
	assert.Equal(t, "user-1", errs[0].UserID)
	assert.ErrorIs(t, errs[0], peer.ErrTransportFailed)

	// a second notification for the same link is not reported again
	h.links.get("conn-1").events.OnClosed()
	assert.Len(t, h.errors(), 1)
	assert.Equal(t, StateActive, h.coord.State())
}

func TestCoordinator_SignalErrorDropsLink(t *testing.T) {
	h := newHarness(t, participant(1))
	require.NoError(t, h.coord.Join(context.Background()))
	h.links.get("conn-1").signalErr = fmt.Errorf("%w: apply offer", peer.ErrNegotiation)

	h.channel.deliver(t, dtos.EventWebRTCSignal, dtos.WebRTCSignalPayload{
		SourceConnectionID: "conn-1",
		Signal:             json.RawMessage(`{"type":"offer"}`),
	})

	assert.Zero(t, h.coord.PeerCount())
	require.Len(t, h.errors(), 1)
	assert.ErrorIs(t, h.errors()[0], peer.ErrNegotiation)
}

func TestCoordinator_Leave(t *testing.T) {
	h := newHarness(t, participant(1), participant(2))
	require.NoError(t, h.coord.Join(context.Background()))

	h.coord.Leave()

	assert.Equal(t, StateIdle, h.coord.State())
	assert.Len(t, h.channel.messages(dtos.EventLeaveConsultation), 1)
	assert.True(t, h.channel.isDisconnected())
	assert.False(t, h.media.held())
	assert.Zero(t, h.coord.PeerCount())
	assert.Zero(t, h.links.live())
	assert.Empty(t, h.coord.Participants())
	assert.False(t, h.coord.Connected())

	h.coord.Leave()
	assert.Len(t, h.channel.messages(dtos.EventLeaveConsultation), 1)
}

func TestCoordinator_LeaveWhileAcquiringMedia(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.media.acquireGate = gate

	result := make(chan error, 1)
	go func() { result <- h.coord.Join(context.Background()) }()

	require.Eventually(t, h.coord.Joining, time.Second, 5*time.Millisecond)
	h.coord.Leave()
	close(gate)

	assert.ErrorIs(t, <-result, ErrCancelled)
	assert.Equal(t, StateIdle, h.coord.State())
	assert.False(t, h.media.held())
	assert.Empty(t, h.channel.types())
	assert.Empty(t, h.errors())
}

func TestCoordinator_LeaveWhileAwaitingRoster(t *testing.T) {
	h := newHarness(t)
	h.channel.onSend = nil

	result := make(chan error, 1)
	go func() { result <- h.coord.Join(context.Background()) }()

	require.Eventually(t, func() bool { return h.coord.State() == StateJoining }, time.Second, 5*time.Millisecond)
	h.coord.Leave()

	assert.ErrorIs(t, <-result, ErrCancelled)
	assert.True(t, h.channel.isDisconnected())
	assert.False(t, h.media.held())
	assert.Len(t, h.channel.messages(dtos.EventLeaveConsultation), 1)
	assert.Empty(t, h.errors())
}

func TestCoordinator_JoinIsNotReentrant(t *testing.T) {
	h := newHarness(t)
	h.channel.onSend = nil

	result := make(chan error, 1)
	go func() { result <- h.coord.Join(context.Background()) }()
	require.Eventually(t, func() bool { return h.coord.State() == StateJoining }, time.Second, 5*time.Millisecond)

	assert.NoError(t, h.coord.Join(context.Background()))
	assert.Equal(t, 1, h.media.acquires)
	assert.Len(t, h.channel.messages(dtos.EventJoinConsultation), 1)

	h.channel.deliver(t, dtos.EventExistingParticipants, []models.Participant{})
	assert.NoError(t, <-result)
}

func TestCoordinator_JoinFailures(t *testing.T) {
	t.Run("media denied", func(t *testing.T) {
		h := newHarness(t)
		h.media.acquireErr = media.ErrPermissionDenied

		err := h.coord.Join(context.Background())

		var e *Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, KindMedia, e.Kind)
		assert.ErrorIs(t, err, media.ErrPermissionDenied)
		assert.Equal(t, StateIdle, h.coord.State())
		assert.Empty(t, h.channel.types())
		assert.Len(t, h.errors(), 1)
	})

	t.Run("channel refused", func(t *testing.T) {
		h := newHarness(t)
		h.channel.connectErr = signaling.ErrRejected

		err := h.coord.Join(context.Background())

		assert.ErrorIs(t, err, signaling.ErrRejected)
		assert.False(t, h.media.held())
		assert.Equal(t, StateIdle, h.coord.State())
		require.Len(t, h.errors(), 1)
		assert.Equal(t, KindChannel, h.errors()[0].Kind)
	})

	t.Run("room full", func(t *testing.T) {
		h := newHarness(t)
		h.channel.onSend = func(event string, _ interface{}) {
			if event == dtos.EventJoinConsultation {
				h.channel.deliver(t, dtos.EventError, dtos.ErrorPayload{Message: "consultation room is full"})
			}
		}

		err := h.coord.Join(context.Background())

		assert.EqualError(t, err, "channel error: consultation room is full")
		assert.True(t, h.channel.isDisconnected())
		assert.False(t, h.media.held())
		assert.Len(t, h.errors(), 1)
	})

	t.Run("retry after failure", func(t *testing.T) {
		h := newHarness(t)
		h.media.acquireErr = media.ErrDeviceUnavailable
		require.Error(t, h.coord.Join(context.Background()))

		h.media.acquireErr = nil
		assert.NoError(t, h.coord.Join(context.Background()))
		assert.Equal(t, StateActive, h.coord.State())
	})
}

func TestCoordinator_ChannelLossTearsDown(t *testing.T) {
	h := newHarness(t, participant(1))
	require.NoError(t, h.coord.Join(context.Background()))

	h.channel.drop(errors.New("connection reset"))

	assert.Equal(t, StateIdle, h.coord.State())
	assert.Zero(t, h.links.live())
	assert.False(t, h.media.held())
	require.Len(t, h.errors(), 1)
	assert.Equal(t, KindChannel, h.errors()[0].Kind)
}

func TestCoordinator_MeetingEnded(t *testing.T) {
	h := newHarness(t, participant(1))
	require.NoError(t, h.coord.Join(context.Background()))

	h.channel.deliver(t, dtos.EventMeetingEnded, dtos.MeetingEndedPayload{})

	assert.Equal(t, StateIdle, h.coord.State())
	assert.Zero(t, h.links.live())
	assert.False(t, h.media.held())
	assert.True(t, h.channel.isDisconnected())
	assert.Equal(t, 1, h.ended)
	assert.Empty(t, h.errors())
}

func TestCoordinator_UpdateSettingsMerges(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.coord.Join(context.Background()))

	off := false
	got := h.coord.UpdateSettings(SettingsUpdate{HasAudio: &off})

	assert.Equal(t, models.MediaSettings{HasVideo: true, HasAudio: false}, got)
	assert.Equal(t, got, h.coord.Settings())
	assert.True(t, h.media.video)
	assert.False(t, h.media.audio)

	sent := h.channel.messages(dtos.EventUpdateVideoSettings)
	require.Len(t, sent, 2)
	assert.Equal(t, dtos.UpdateVideoSettingsRequest{SessionID: testSession, HasVideo: true, HasAudio: false}, sent[1].Payload)

	got = h.coord.UpdateSettings(SettingsUpdate{})
	assert.Equal(t, models.MediaSettings{HasVideo: true, HasAudio: false}, got)
}

func TestCoordinator_SendMessage(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.coord.SendMessage("early"), ErrNotActive)
	require.NoError(t, h.coord.Join(context.Background()))

	for _, blank := range []string{"", "   ", "\n\t"} {
		require.NoError(t, h.coord.SendMessage(blank))
	}
	assert.Empty(t, h.channel.messages(dtos.EventConsultationMessage))

	require.NoError(t, h.coord.SendMessage("  hello  "))
	sent := h.channel.messages(dtos.EventConsultationMessage)
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Payload.(dtos.ConsultationMessageRequest).Message)
	assert.Empty(t, h.coord.Messages())

	relayed := models.RoomMessage{UserID: "me", Message: "hello", Timestamp: time.Now().UTC()}
	h.channel.deliver(t, dtos.EventConsultationMessage, relayed)
	require.Len(t, h.coord.Messages(), 1)
	assert.Equal(t, "hello", h.coord.Messages()[0].Message)
}

func TestCoordinator_ScreenShare(t *testing.T) {
	h := newHarness(t, participant(1), participant(2))
	require.NoError(t, h.coord.Join(context.Background()))

	require.NoError(t, h.coord.StopScreenShare(context.Background()))
	assert.Zero(t, h.media.shareStops)
	assert.Empty(t, h.channel.messages(dtos.EventScreenShareRequest))

	require.NoError(t, h.coord.StartScreenShare(context.Background()))
	for _, l := range h.links.all() {
		assert.Equal(t, 1, l.replaced)
		assert.Zero(t, l.destroyed)
	}
	sent := h.channel.messages(dtos.EventScreenShareRequest)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Payload.(dtos.ScreenShareRequest).IsSharing)

	// the system UI ended the capture
	h.media.mu.Lock()
	ended := h.media.onScreenEnded
	h.media.mu.Unlock()
	ended()

	assert.Eventually(t, func() bool { return !h.media.Sharing() }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return len(h.channel.messages(dtos.EventScreenShareRequest)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.coord.PeerCount())
}

func TestCoordinator_RemoteUpdates(t *testing.T) {
	h := newHarness(t, participant(1))
	require.NoError(t, h.coord.Join(context.Background()))

	h.channel.deliver(t, dtos.EventParticipantSettingsUpdated, dtos.ParticipantSettingsPayload{UserID: "user-1", HasVideo: false, HasAudio: true})
	h.channel.deliver(t, dtos.EventScreenShareStarted, dtos.ScreenSharePayload{UserID: "user-1", IsSharing: true})

	p := h.coord.Participants()[0]
	assert.False(t, p.HasVideo)
	assert.True(t, p.IsScreenSharing)
}

func TestCoordinator_RemoteStreamCarriesParticipant(t *testing.T) {
	h := newHarness(t, participant(1))
	var got models.Participant
	var stream *peer.RemoteStream
	h.coord.cfg.OnRemoteStream = func(p models.Participant, s *peer.RemoteStream) {
		got, stream = p, s
	}
	require.NoError(t, h.coord.Join(context.Background()))

	remote := &peer.RemoteStream{ConnectionID: "conn-1"}
	h.links.get("conn-1").events.OnStream(remote)

	assert.Equal(t, "user-1", got.UserID)
	assert.Same(t, remote, stream)
}

func TestCoordinator_EndMeeting(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.coord.EndMeeting(), ErrNotActive)
	require.NoError(t, h.coord.Join(context.Background()))

	require.NoError(t, h.coord.EndMeeting())
	sent := h.channel.messages(dtos.EventMeetingControl)
	require.Len(t, sent, 1)
	assert.Equal(t, dtos.MeetingActionEnd, sent[0].Payload.(dtos.MeetingControlRequest).Action)

	h.channel.deliver(t, dtos.EventError, dtos.ErrorPayload{Message: "only the host can control the meeting", Code: dtos.ErrorCodeNotHost})
	require.Len(t, h.errors(), 1)
	assert.Equal(t, KindServer, h.errors()[0].Kind)
	assert.EqualError(t, h.errors()[0], "server error: only the host can control the meeting")
	assert.Equal(t, StateActive, h.coord.State())
}

func TestCoordinator_RemovedLinkSignalsAreDropped(t *testing.T) {
	candidate := json.RawMessage(`{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 9 typ host"}}`)

	t.Run("participant left", func(t *testing.T) {
		h := newHarness(t, participant(1))
		require.NoError(t, h.coord.Join(context.Background()))
		link := h.links.get("conn-1")

		h.channel.deliver(t, dtos.EventParticipantLeft, dtos.ParticipantLeftPayload{UserID: "user-1", ConnectionID: "conn-1"})
		link.events.OnSignal(candidate)

		assert.Empty(t, h.channel.messages(dtos.EventWebRTCSignal))
		assert.Empty(t, h.errors())
	})

	t.Run("replaced by a reconnect", func(t *testing.T) {
		h := newHarness(t, participant(1))
		require.NoError(t, h.coord.Join(context.Background()))
		old := h.links.get("conn-1")

		again := participant(1)
		again.ConnectionID = "conn-1b"
		h.channel.deliver(t, dtos.EventParticipantJoined, again)
		old.events.OnSignal(candidate)
		h.links.get("conn-1b").events.OnSignal(candidate)

		sent := h.channel.messages(dtos.EventWebRTCSignal)
		require.Len(t, sent, 1)
		assert.Equal(t, "conn-1b", sent[0].Payload.(dtos.WebRTCSignalRequest).TargetConnectionID)
	})

	t.Run("after leave", func(t *testing.T) {
		h := newHarness(t, participant(1))
		require.NoError(t, h.coord.Join(context.Background()))
		link := h.links.get("conn-1")
		h.coord.Leave()

		link.events.OnSignal(candidate)
		assert.Empty(t, h.channel.messages(dtos.EventWebRTCSignal))
	})
}

func TestCoordinator_ServerErrors(t *testing.T) {
	h := newHarness(t, participant(1))
	require.NoError(t, h.coord.Join(context.Background()))

	// the target left before our signal reached the server
	h.channel.deliver(t, dtos.EventError, dtos.ErrorPayload{
		Message: "participant not found in this consultation",
		Code:    dtos.ErrorCodeTargetNotFound,
	})
	assert.Empty(t, h.errors())

	h.channel.deliver(t, dtos.EventError, dtos.ErrorPayload{Message: "rate limit exceeded, please slow down", Code: dtos.ErrorCodeRateLimited})
	h.channel.deliver(t, dtos.EventError, json.RawMessage(`{}`))

	errs := h.errors()
	require.Len(t, errs, 2)
	for _, e := range errs {
		assert.Equal(t, KindServer, e.Kind)
	}
	assert.EqualError(t, errs[1], "server error: signaling server error")
	assert.Equal(t, StateActive, h.coord.State())
	assert.Equal(t, 1, h.coord.PeerCount())
	assert.False(t, h.channel.isDisconnected())
}

func TestSignalBuffer(t *testing.T) {
	now := time.Unix(1000, 0)
	b := newSignalBuffer(10*time.Second, 3)
	b.now = func() time.Time { return now }

	for i := 0; i < 4; i++ {
		dropped := b.add("a", json.RawMessage(fmt.Sprint(i)))
		assert.Equal(t, i == 3, dropped)
	}
	b.add("b", json.RawMessage("x"))

	now = now.Add(5 * time.Second)
	b.add("b", json.RawMessage("y"))
	assert.Equal(t, []json.RawMessage{json.RawMessage("1"), json.RawMessage("2"), json.RawMessage("3")}, b.take("a"))
	assert.Empty(t, b.take("a"))

	now = now.Add(6 * time.Second)
	assert.Equal(t, []json.RawMessage{json.RawMessage("y")}, b.take("b"))

	b.add("c", json.RawMessage("z"))
	b.reset()
	assert.Zero(t, b.size())
}
