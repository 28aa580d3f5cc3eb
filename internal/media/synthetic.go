package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	webrtcmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/petervdpas/callbridge/internal/config"
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SyntheticTrack is a sample track fed with placeholder frames until closed.
type SyntheticTrack struct {
	*webrtc.TrackLocalStaticSample

	stop   chan struct{}
	once   sync.Once
	closed atomic.Bool
}

// NewSyntheticTrack creates a VP8 video or Opus audio track and starts
// feeding it. Frames written before the track is bound are dropped by pion.
func NewSyntheticTrack(kind webrtc.RTPCodecType, streamID string) (*SyntheticTrack, error) {
	var (
		capability webrtc.RTPCodecCapability
		frame      []byte
		interval   time.Duration
	)
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		frame = make([]byte, 64)
		interval = time.Second / 15
	case webrtc.RTPCodecTypeAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
		frame = opusSilence
		interval = 20 * time.Millisecond
	default:
		return nil, errors.New("unknown track kind")
	}

	id := kind.String() + "-" + uuid.NewString()[:8]
	local, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &SyntheticTrack{TrackLocalStaticSample: local, stop: make(chan struct{})}
	go t.pump(frame, interval)
	return t, nil
}

func (t *SyntheticTrack) pump(frame []byte, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			_ = t.WriteSample(webrtcmedia.Sample{Data: frame, Duration: interval})
		}
	}
}

func (t *SyntheticTrack) Close() error {
	t.once.Do(func() {
		t.closed.Store(true)
		close(t.stop)
	})
	return nil
}

// Closed reports whether Close was called.
func (t *SyntheticTrack) Closed() bool { return t.closed.Load() }

// SyntheticCapture hands out synthetic tracks. The facing mode asked for is
// reported back as the stream's facing mode.
type SyntheticCapture struct{}

func NewSyntheticCapture() *SyntheticCapture { return &SyntheticCapture{} }

func (s *SyntheticCapture) SetConfig(config.Media) {}

func (s *SyntheticCapture) PopulateMediaEngine(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (s *SyntheticCapture) GetUserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.Video && !c.Audio {
		return nil, errors.New("at least one of video or audio must be requested")
	}

	streamID := "synthetic-" + uuid.NewString()[:8]
	var video, audio Track
	if c.Video {
		t, err := NewSyntheticTrack(webrtc.RTPCodecTypeVideo, streamID)
		if err != nil {
			return nil, err
		}
		video = t
	}
	if c.Audio {
		t, err := NewSyntheticTrack(webrtc.RTPCodecTypeAudio, streamID)
		if err != nil {
			if video != nil {
				video.Close()
			}
			return nil, err
		}
		audio = t
	}
	return NewStream(video, audio, c.Facing), nil
}
