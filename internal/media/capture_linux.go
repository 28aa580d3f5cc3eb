//go:build linux

package media

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callbridge/internal/config"
)

// DeviceCapture captures V4L2 cameras and malgo microphones through
// pion/mediadevices, encoding VP8 video and Opus audio.
type DeviceCapture struct {
	selector *mediadevices.CodecSelector

	mu  sync.RWMutex
	cfg config.Media
}

func NewDeviceCapture(cfg config.Media) (*DeviceCapture, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	if cfg.VideoBitRate > 0 {
		vpxParams.BitRate = cfg.VideoBitRate
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return &DeviceCapture{
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
		cfg: cfg,
	}, nil
}

// SetConfig swaps the device mapping used by later captures.
func (d *DeviceCapture) SetConfig(cfg config.Media) {
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
}

// PopulateMediaEngine registers the codecs this capture encodes with.
func (d *DeviceCapture) PopulateMediaEngine(me *webrtc.MediaEngine) error {
	d.selector.Populate(me)
	return nil
}

func enumerate() (cams, mics []Device) {
	for _, info := range mediadevices.EnumerateDevices() {
		dev := Device{ID: info.DeviceID, Label: info.Label}
		switch info.Kind {
		case mediadevices.VideoInput:
			cams = append(cams, dev)
		case mediadevices.AudioInput:
			mics = append(mics, dev)
		}
	}
	return cams, mics
}

func (d *DeviceCapture) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if !c.Video && !c.Audio {
		return nil, errors.New("at least one of video or audio must be requested")
	}

	d.mu.RLock()
	cfg := d.cfg
	d.mu.RUnlock()

	cams, mics := enumerate()
	constraints := mediadevices.MediaStreamConstraints{Codec: d.selector}

	if c.Video {
		cam, err := pickCamera(cams, cfg, c.Facing)
		if err != nil {
			return nil, fmt.Errorf("camera %q: %w", c.Facing, err)
		}
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			mc.DeviceID = prop.StringExact(cam.ID)
			// Raw formats only; some MJPEG nodes emit frames the VP8 encoder rejects.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if cfg.MaxWidth > 0 {
				mc.Width = prop.IntRanged{Max: cfg.MaxWidth}
			}
			if cfg.MaxHeight > 0 {
				mc.Height = prop.IntRanged{Max: cfg.MaxHeight}
			}
		}
		log.Printf("MEDIA: camera for facing=%q is %q (%s)", c.Facing, cam.Label, cam.ID)
	}
	if c.Audio {
		mic, err := pickMicrophone(mics, cfg)
		if err != nil {
			return nil, fmt.Errorf("microphone: %w", err)
		}
		constraints.Audio = func(mc *mediadevices.MediaTrackConstraints) {
			mc.DeviceID = prop.StringExact(mic.ID)
		}
	}

	type result struct {
		ms  mediadevices.MediaStream
		err error
	}
	done := make(chan result, 1)
	go func() {
		ms, err := mediadevices.GetUserMedia(constraints)
		done <- result{ms, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		// Release whatever the in-flight request eventually opens.
		go func() {
			if r := <-done; r.err == nil {
				for _, t := range r.ms.GetTracks() {
					t.Close()
				}
			}
		}()
		return nil, ctx.Err()
	case r = <-done:
	}
	if r.err != nil {
		return nil, fmt.Errorf("getUserMedia: %w", r.err)
	}

	var video, audio Track
	if vt := r.ms.GetVideoTracks(); len(vt) > 0 {
		video = vt[0]
	}
	if at := r.ms.GetAudioTracks(); len(at) > 0 {
		audio = at[0]
	}
	for _, t := range r.ms.GetTracks() {
		kind := t.Kind()
		t.OnEnded(func(err error) {
			if err != nil {
				log.Printf("MEDIA: local %s track ended: %v", kind, err)
			}
		})
	}

	log.Printf("MEDIA: captured video=%v audio=%v facing=%q", video != nil, audio != nil, c.Facing)
	return NewStream(video, audio, c.Facing), nil
}
