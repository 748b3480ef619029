//go:build !linux

// Package capture opens real cameras, microphones and displays for the
// local media controller.
package capture

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/preetsinghmakkar/CounselCall/internal/media"
	"github.com/rs/zerolog"
)

// Devices has no capture drivers on this platform. Links still negotiate and
// receive remote media.
type Devices struct {
	log zerolog.Logger
}

var _ media.Devices = (*Devices)(nil)

func New(log zerolog.Logger) (*Devices, error) {
	return &Devices{log: log.With().Str("component", "capture").Logger()}, nil
}

func (d *Devices) MediaEngine() (*webrtc.MediaEngine, error) {
	engine := &webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return engine, nil
}

func (d *Devices) UserMedia(context.Context, bool, bool) (*media.Stream, error) {
	d.log.Warn().Msg("local capture is only supported on linux")
	return nil, media.ErrDeviceUnavailable
}

func (d *Devices) DisplayMedia(context.Context) (media.Track, error) {
	return nil, media.ErrDeviceUnavailable
}
