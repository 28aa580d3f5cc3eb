//go:build !linux

package media

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callbridge/internal/config"
)

// DeviceCapture has no hardware backend outside Linux; use the synthetic
// capture there.
type DeviceCapture struct{}

func NewDeviceCapture(config.Media) (*DeviceCapture, error) {
	return &DeviceCapture{}, nil
}

func (d *DeviceCapture) SetConfig(config.Media) {}

func (d *DeviceCapture) PopulateMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (d *DeviceCapture) GetUserMedia(context.Context, Constraints) (*Stream, error) {
	return nil, ErrUnsupported
}
