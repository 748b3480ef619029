// Package media owns the participant's local capture: the outbound stream
// shared by every peer link, its enabled flags, and the camera/screen swap.
package media

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Track is one local media track as seen by the controller and peer links.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
	OnEnded(fn func())
	// Local is what gets attached to a peer connection sender.
	Local() webrtc.TrackLocal
}

// LocalTrack wraps a capture source. While disabled it keeps its senders
// bound but drops outgoing RTP, so toggling never renegotiates.
type LocalTrack struct {
	source webrtc.TrackLocal
	stop   func()

	enabled atomic.Bool

	mu      sync.Mutex
	bound   map[string]*gatedContext
	stopped bool
	ended   bool
	onEnded func()
}

var (
	_ Track             = (*LocalTrack)(nil)
	_ webrtc.TrackLocal = (*LocalTrack)(nil)
)

// NewLocalTrack wraps source. stop releases the underlying device and may be nil.
func NewLocalTrack(source webrtc.TrackLocal, stop func()) *LocalTrack {
	t := &LocalTrack{
		source: source,
		stop:   stop,
		bound:  make(map[string]*gatedContext),
	}
	t.enabled.Store(true)
	return t
}

func (t *LocalTrack) ID() string { return t.source.ID() }
func (t *LocalTrack) RID() string { return t.source.RID() }
func (t *LocalTrack) StreamID() string { return t.source.StreamID() }
func (t *LocalTrack) Kind() webrtc.RTPCodecType { return t.source.Kind() }
func (t *LocalTrack) Local() webrtc.TrackLocal { return t }
func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

func (t *LocalTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Source returns the wrapped capture track.
func (t *LocalTrack) Source() webrtc.TrackLocal {
	return t.source
}

// Bind is called by pion when a sender starts using the track.
func (t *LocalTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	g := &gatedContext{TrackLocalContext: ctx, track: t}

	t.mu.Lock()
	t.bound[ctx.ID()] = g
	t.mu.Unlock()

	params, err := t.source.Bind(g)
	if err != nil {
		t.mu.Lock()
		delete(t.bound, ctx.ID())
		t.mu.Unlock()
	}
	return params, err
}

// Unbind hands the source the same context it was bound with.
func (t *LocalTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	t.mu.Lock()
	g, ok := t.bound[ctx.ID()]
	delete(t.bound, ctx.ID())
	t.mu.Unlock()

	if !ok {
		return t.source.Unbind(ctx)
	}
	return t.source.Unbind(g)
}

// Stop releases the device. OnEnded is not invoked for a local stop.
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	stop := t.stop
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Stopped reports whether Stop has been called.
func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *LocalTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

// End reports that the source finished on its own, e.g. the user stopped a
// display capture from the system UI.
func (t *LocalTrack) End() {
	t.mu.Lock()
	if t.stopped || t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	fn := t.onEnded
	t.mu.Unlock()

	if fn != nil {
		fn()
	}
}

type gatedContext struct {
	webrtc.TrackLocalContext
	track *LocalTrack
}

func (g *gatedContext) WriteStream() webrtc.TrackLocalWriter {
	return gatedWriter{TrackLocalWriter: g.TrackLocalContext.WriteStream(), track: g.track}
}

type gatedWriter struct {
	webrtc.TrackLocalWriter
	track *LocalTrack
}

func (w gatedWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if !w.track.Enabled() {
		return len(payload), nil
	}
	return w.TrackLocalWriter.WriteRTP(header, payload)
}

func (w gatedWriter) Write(b []byte) (int, error) {
	if !w.track.Enabled() {
		return len(b), nil
	}
	return w.TrackLocalWriter.Write(b)
}
