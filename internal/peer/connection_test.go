package peer

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/preetsinghmakkar/CounselCall/internal/media"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	engine := &webrtc.MediaEngine{}
	require.NoError(t, engine.RegisterDefaultCodecs())
	f, err := NewFactory(engine, nil, zerolog.Nop())
	require.NoError(t, err)
	return f
}

// feed writes samples to every source until the test ends.
func feed(t *testing.T, sources ...*webrtc.TrackLocalStaticSample) {
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, s := range sources {
					_ = s.WriteSample(pionmedia.Sample{Data: []byte{0x10, 0x02, 0x00, 0x9d}, Duration: 20 * time.Millisecond})
				}
			}
		}
	}()
}

func newTestStream(t *testing.T, name string) (*media.Stream, []*webrtc.TrackLocalStaticSample) {
	t.Helper()
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, name+"-video", name)
	require.NoError(t, err)
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, name+"-audio", name)
	require.NoError(t, err)
	return media.NewStream(media.NewLocalTrack(video, nil), media.NewLocalTrack(audio, nil)),
		[]*webrtc.TrackLocalStaticSample{video, audio}
}

// pipe delivers signals to the other side in order, off the emitting goroutine.
type pipe struct {
	ch   chan json.RawMessage
	stop chan struct{}
}

func newPipe(t *testing.T) *pipe {
	p := &pipe{ch: make(chan json.RawMessage, 128), stop: make(chan struct{})}
	t.Cleanup(func() { close(p.stop) })
	return p
}

func (p *pipe) send(s json.RawMessage) {
	select {
	case p.ch <- s:
	case <-p.stop:
	}
}

func (p *pipe) run(t *testing.T, target func() Link) {
	go func() {
		for {
			select {
			case <-p.stop:
				return
			case s := <-p.ch:
				if err := target().Signal(s); err != nil {
					t.Logf("signal: %v", err)
				}
			}
		}
	}()
}

type linkWatch struct {
	connected chan struct{}
	streams   chan *RemoteStream
	once      sync.Once
}

func newWatch() *linkWatch {
	return &linkWatch{connected: make(chan struct{}), streams: make(chan *RemoteStream, 4)}
}

func (p *linkWatch) events(signals *pipe) Events {
	return Events{
		OnSignal:    signals.send,
		OnStream:    func(s *RemoteStream) { p.streams <- s },
		OnConnected: func() { p.once.Do(func() { close(p.connected) }) },
	}
}

func wait(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(15 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestConnection_Loopback(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates real transports")
	}
	f := newTestFactory(t)

	streamA, sourcesA := newTestStream(t, "a")
	streamB, sourcesB := newTestStream(t, "b")
	feed(t, append(sourcesA, sourcesB...)...)

	toA, toB := newPipe(t), newPipe(t)
	watchA, watchB := newWatch(), newWatch()

	var mu sync.Mutex
	var linkA, linkB Link
	get := func(l *Link) func() Link {
		return func() Link {
			mu.Lock()
			defer mu.Unlock()
			return *l
		}
	}

	b, err := f.NewLink("conn-a", false, streamB, watchB.events(toA))
	require.NoError(t, err)
	mu.Lock()
	linkB = b
	mu.Unlock()
	toB.run(t, get(&linkB))
	assert.Equal(t, StateNew, b.State())

	a, err := f.NewLink("conn-b", true, streamA, watchA.events(toB))
	require.NoError(t, err)
	mu.Lock()
	linkA = a
	mu.Unlock()
	toA.run(t, get(&linkA))

	t.Cleanup(func() {
		a.Destroy()
		b.Destroy()
	})

	wait(t, watchA.connected, "initiator connected")
	wait(t, watchB.connected, "answerer connected")
	assert.Equal(t, StateConnected, a.State())
	assert.True(t, a.Initiator())
	assert.False(t, b.Initiator())

	select {
	case s := <-watchB.streams:
		assert.Equal(t, "conn-a", s.ConnectionID)
		assert.NotEmpty(t, s.Tracks())
	case <-time.After(15 * time.Second):
		t.Fatal("answerer never received remote media")
	}

	screen, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "a-screen", "a")
	require.NoError(t, err)
	require.NoError(t, a.ReplaceVideoTrack(media.NewLocalTrack(screen, nil)))
	assert.Equal(t, StateConnected, a.State())

	a.Destroy()
	a.Destroy()
	assert.Equal(t, StateClosed, a.State())
	assert.ErrorIs(t, a.ReplaceVideoTrack(nil), ErrClosed)
}

func TestConnection_RequiresLocalStream(t *testing.T) {
	f := newTestFactory(t)

	_, err := f.NewLink("conn", true, nil, Events{})
	assert.ErrorIs(t, err, media.ErrNoStream)
}

func TestConnection_InitiatorEmitsOffer(t *testing.T) {
	f := newTestFactory(t)
	stream, _ := newTestStream(t, "a")

	var mu sync.Mutex
	var signals []Signal
	link, err := f.NewLink("conn-b", true, stream, Events{
		OnSignal: func(raw json.RawMessage) {
			var s Signal
			if json.Unmarshal(raw, &s) == nil {
				mu.Lock()
				signals = append(signals, s)
				mu.Unlock()
			}
		},
	})
	require.NoError(t, err)
	defer link.Destroy()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, signals)
	assert.Equal(t, SignalOffer, signals[0].Type)
	assert.Contains(t, signals[0].SDP, "VP8")
	assert.Equal(t, StateSignaling, link.State())
}

func TestConnection_SignalHandling(t *testing.T) {
	f := newTestFactory(t)
	stream, _ := newTestStream(t, "b")

	link, err := f.NewLink("conn-a", false, stream, Events{})
	require.NoError(t, err)
	defer link.Destroy()

	assert.ErrorIs(t, link.Signal(json.RawMessage(`{`)), ErrBadSignal)
	assert.NoError(t, link.Signal(json.RawMessage(`{"type":"renegotiate"}`)))

	// held until an offer arrives
	assert.NoError(t, link.Signal(json.RawMessage(`{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host","sdpMid":"0","sdpMLineIndex":0}}`)))

	err = link.Signal(json.RawMessage(`{"type":"answer","sdp":"v=0"}`))
	assert.ErrorIs(t, err, ErrNegotiation)
	assert.Equal(t, StateFailed, link.State())

	link.Destroy()
	assert.ErrorIs(t, link.Signal(json.RawMessage(`{"type":"offer","sdp":"v=0"}`)), ErrClosed)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "signaling", StateSignaling.String())
	assert.Equal(t, "unknown", State(42).String())
}
