package media

import (
	"context"
	"errors"
	"strings"

	"github.com/petervdpas/callbridge/internal/config"
)

var (
	ErrUnsupported = errors.New("media capture is not supported on this platform")
	ErrNoDevice    = errors.New("requested device not found")
)

// Constraints select what GetUserMedia captures.
type Constraints struct {
	Video  bool
	Audio  bool
	Facing FacingMode // FacingUnknown means any camera
}

// Capture acquires local media. GetUserMedia may block while devices open.
type Capture interface {
	GetUserMedia(ctx context.Context, c Constraints) (*Stream, error)
}

// Device is one enumerated capture device.
type Device struct {
	ID    string
	Label string
}

// pickCamera maps a facing mode onto a camera. A configured id or label wins;
// otherwise the first camera is "user" and the second "environment". With a
// single camera both modes get it. FacingUnknown picks the first camera.
func pickCamera(cams []Device, cfg config.Media, f FacingMode) (Device, error) {
	if len(cams) == 0 {
		return Device{}, ErrNoDevice
	}

	want := ""
	switch f {
	case FacingUser:
		want = cfg.FrontCamera
	case FacingEnvironment:
		want = cfg.BackCamera
	}
	if want != "" {
		for _, d := range cams {
			if d.ID == want || strings.EqualFold(d.Label, want) {
				return d, nil
			}
		}
		return Device{}, ErrNoDevice
	}

	if f == FacingEnvironment && len(cams) > 1 {
		return cams[1], nil
	}
	return cams[0], nil
}

// pickMicrophone returns the configured microphone, or the first one.
func pickMicrophone(mics []Device, cfg config.Media) (Device, error) {
	if len(mics) == 0 {
		return Device{}, ErrNoDevice
	}
	if cfg.Microphone == "" {
		return mics[0], nil
	}
	for _, d := range mics {
		if d.ID == cfg.Microphone || strings.EqualFold(d.Label, cfg.Microphone) {
			return d, nil
		}
	}
	return Device{}, ErrNoDevice
}
