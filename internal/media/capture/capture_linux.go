//go:build linux

// Package capture opens real cameras, microphones and displays for the
// local media controller.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/preetsinghmakkar/CounselCall/internal/media"
	"github.com/rs/zerolog"
)

const videoBitRate = 1_000_000

// Devices captures through pion/mediadevices with VP8 video and Opus audio.
type Devices struct {
	selector *mediadevices.CodecSelector
	log      zerolog.Logger
}

var _ media.Devices = (*Devices)(nil)

func New(log zerolog.Logger) (*Devices, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	d := &Devices{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		log: log.With().Str("component", "capture").Logger(),
	}

	for _, info := range mediadevices.EnumerateDevices() {
		d.log.Debug().Str("kind", fmt.Sprint(info.Kind)).Str("label", info.Label).Msg("media device")
	}
	return d, nil
}

// MediaEngine registers exactly the codecs the encoders produce.
func (d *Devices) MediaEngine() (*webrtc.MediaEngine, error) {
	engine := &webrtc.MediaEngine{}
	d.selector.Populate(engine)
	return engine, nil
}

func (d *Devices) UserMedia(ctx context.Context, video, audio bool) (*media.Stream, error) {
	if !video && !audio {
		return media.NewStream(), nil
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}
	if audio {
		constraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	return d.open(ctx, "user", func() (mediadevices.MediaStream, error) {
		return mediadevices.GetUserMedia(constraints)
	})
}

func (d *Devices) DisplayMedia(ctx context.Context) (media.Track, error) {
	stream, err := d.open(ctx, "display", func() (mediadevices.MediaStream, error) {
		return mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Video: func(*mediadevices.MediaTrackConstraints) {},
			Codec: d.selector,
		})
	})
	if err != nil {
		return nil, err
	}
	track := stream.VideoTrack()
	if track == nil {
		stream.Stop()
		return nil, media.ErrDeviceUnavailable
	}
	return track, nil
}

func (d *Devices) open(ctx context.Context, source string, get func() (mediadevices.MediaStream, error)) (*media.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := get()
	if err != nil {
		d.log.Warn().Err(err).Str("source", source).Msg("capture failed")
		return nil, classify(err)
	}

	stream := media.NewStream()
	for _, t := range raw.GetTracks() {
		stream.Add(wrap(t, d.log))
	}

	// The capture call cannot be interrupted; drop the result if the
	// caller gave up meanwhile.
	if err := ctx.Err(); err != nil {
		stream.Stop()
		return nil, err
	}
	return stream, nil
}

func wrap(t mediadevices.Track, log zerolog.Logger) *media.LocalTrack {
	local := media.NewLocalTrack(t, func() {
		if err := t.Close(); err != nil {
			log.Debug().Err(err).Str("track_id", t.ID()).Msg("track close")
		}
	})
	t.OnEnded(func(err error) {
		if err != nil {
			log.Debug().Err(err).Str("track_id", t.ID()).Msg("track ended")
		}
		local.End()
	})
	return local
}

func classify(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", media.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", media.ErrDeviceUnavailable, err)
}
