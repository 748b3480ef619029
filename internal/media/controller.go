package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Devices opens capture sources. Both calls may block on a permission prompt.
type Devices interface {
	UserMedia(ctx context.Context, video, audio bool) (*Stream, error)
	DisplayMedia(ctx context.Context) (Track, error)
}

// VideoSender is the outbound video side of one peer link.
type VideoSender interface {
	ReplaceVideoTrack(track Track) error
}

// Controller holds exactly one active local source at a time: the camera
// and microphone, or the screen in place of the camera.
type Controller struct {
	devices Devices
	log     zerolog.Logger

	mu            sync.Mutex
	stream        *Stream
	screen        Track
	videoEnabled  bool
	audioEnabled  bool
	onScreenEnded func()
}

func NewController(devices Devices, log zerolog.Logger) *Controller {
	return &Controller{
		devices:      devices,
		log:          log.With().Str("component", "media").Logger(),
		videoEnabled: true,
		audioEnabled: true,
	}
}

// OnScreenShareEnded is invoked when the display capture is stopped from
// outside the application. The callback is expected to call StopScreenShare.
func (c *Controller) OnScreenShareEnded(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onScreenEnded = fn
}

// Acquire opens the camera and microphone. Any stream already held is
// released first.
func (c *Controller) Acquire(ctx context.Context, wantVideo, wantAudio bool) error {
	c.Release()

	stream, err := c.devices.UserMedia(ctx, wantVideo, wantAudio)
	if err != nil {
		c.log.Warn().Err(err).Bool("video", wantVideo).Bool("audio", wantAudio).Msg("could not acquire media")
		return err
	}

	c.mu.Lock()
	prior := c.stream
	c.stream = stream
	c.videoEnabled, c.audioEnabled = true, true
	c.mu.Unlock()

	if prior != nil {
		prior.Stop()
	}

	c.log.Debug().Int("tracks", stream.Len()).Msg("media acquired")
	return nil
}

// SetEnabled flips the enabled flag of the held tracks in place.
func (c *Controller) SetEnabled(video, audio bool) {
	c.mu.Lock()
	c.videoEnabled, c.audioEnabled = video, audio
	stream := c.stream
	c.mu.Unlock()

	if stream == nil {
		return
	}
	if t := stream.VideoTrack(); t != nil {
		t.SetEnabled(video)
	}
	if t := stream.AudioTrack(); t != nil {
		t.SetEnabled(audio)
	}
}

// StartScreenShare swaps the outbound video on every target for a display
// capture. Calling it while already sharing does nothing.
func (c *Controller) StartScreenShare(ctx context.Context, targets []VideoSender) error {
	c.mu.Lock()
	if c.stream == nil {
		c.mu.Unlock()
		return ErrNoStream
	}
	if c.screen != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	screen, err := c.devices.DisplayMedia(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("could not acquire display capture")
		return err
	}

	c.mu.Lock()
	if c.stream == nil || c.screen != nil {
		released := c.stream == nil
		c.mu.Unlock()
		screen.Stop()
		if released {
			return ErrNoStream
		}
		return nil
	}
	c.screen = screen
	camera := c.stream.set(screen)
	c.mu.Unlock()

	screen.OnEnded(func() { c.screenEnded(screen) })
	err = c.replace(targets, screen)
	if camera != nil {
		camera.Stop()
	}

	c.log.Info().Int("links", len(targets)).Msg("screen share started")
	return err
}

// StopScreenShare releases the display capture, reopens the camera and puts
// it back on every target. Calling it while not sharing does nothing.
func (c *Controller) StopScreenShare(ctx context.Context, targets []VideoSender) error {
	c.mu.Lock()
	screen := c.screen
	if screen == nil {
		c.mu.Unlock()
		return nil
	}
	c.screen = nil
	videoEnabled := c.videoEnabled
	c.mu.Unlock()

	screen.Stop()

	camera, err := c.reopenCamera(ctx)
	if err != nil {
		c.mu.Lock()
		if c.stream != nil {
			c.stream.remove(webrtc.RTPCodecTypeVideo)
		}
		c.mu.Unlock()
		c.replace(targets, nil)
		return err
	}
	camera.SetEnabled(videoEnabled)

	c.mu.Lock()
	if c.stream == nil {
		c.mu.Unlock()
		camera.Stop()
		return ErrNoStream
	}
	c.stream.set(camera)
	c.mu.Unlock()

	c.log.Info().Int("links", len(targets)).Msg("screen share stopped")
	return c.replace(targets, camera)
}

func (c *Controller) reopenCamera(ctx context.Context) (Track, error) {
	stream, err := c.devices.UserMedia(ctx, true, false)
	if err != nil {
		c.log.Warn().Err(err).Msg("could not reopen camera")
		return nil, err
	}
	camera := stream.VideoTrack()
	if camera == nil {
		stream.Stop()
		return nil, ErrDeviceUnavailable
	}
	return camera, nil
}

func (c *Controller) replace(targets []VideoSender, track Track) error {
	var errs []error
	for _, target := range targets {
		if err := target.ReplaceVideoTrack(track); err != nil {
			c.log.Warn().Err(err).Msg("video track replacement failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Controller) screenEnded(screen Track) {
	c.mu.Lock()
	current := c.screen == screen
	fn := c.onScreenEnded
	c.mu.Unlock()

	if !current {
		return
	}
	c.log.Info().Msg("display capture ended externally")
	if fn != nil {
		fn()
	}
}

// Release stops every held track. Idempotent.
func (c *Controller) Release() {
	c.mu.Lock()
	stream, screen := c.stream, c.screen
	c.stream, c.screen = nil, nil
	c.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	if screen != nil {
		screen.Stop()
	}
}

// Stream is the current outbound stream, nil when nothing is held.
func (c *Controller) Stream() *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *Controller) Sharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}
