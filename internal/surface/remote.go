package surface

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// PLIInterval is how often a keyframe is requested for remote video.
const PLIInterval = 3 * time.Second

// RemoteTrack is the read side of a remote track (*webrtc.TrackRemote).
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// FeedbackFunc sends RTCP to the remote sender.
type FeedbackFunc func([]rtcp.Packet) error

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// TrackStats is a snapshot of one remote track.
type TrackStats struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Codec     string `json:"codec"`
	Packets   uint64 `json:"packets"`
	Bytes     uint64 `json:"bytes"`
	PLIs      uint64 `json:"plis"`
	Recording string `json:"recording,omitempty"`
	Ended     bool   `json:"ended"`
}

// RemoteSink consumes one remote track: it reads every packet, keeps
// counters, asks for keyframes on video and optionally records to disk.
type RemoteSink struct {
	track    RemoteTrack
	feedback FeedbackFunc
	clk      clock.Clock

	packets atomic.Uint64
	bytes   atomic.Uint64
	plis    atomic.Uint64
	ended   atomic.Bool

	mu     sync.Mutex
	rec    rtpWriter
	path   string
	ticker *clock.Ticker
	done   chan struct{}
	once   sync.Once
}

func newRemoteSink(track RemoteTrack, feedback FeedbackFunc, clk clock.Clock, recordDir string) *RemoteSink {
	s := &RemoteSink{
		track:    track,
		feedback: feedback,
		clk:      clk,
		done:     make(chan struct{}),
	}
	if recordDir != "" {
		if err := s.openRecorder(recordDir); err != nil {
			log.Printf("SURFACE: recording %s track %s: %v", track.Kind(), track.ID(), err)
		}
	}
	if track.Kind() == webrtc.RTPCodecTypeVideo && feedback != nil {
		s.ticker = clk.Ticker(PLIInterval)
		go s.pliLoop(s.ticker)
	}
	go s.readLoop()
	return s
}

func (s *RemoteSink) openRecorder(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	mime := s.track.Codec().MimeType
	base := fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102-150405"), sanitize(s.track.ID()))

	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		path := filepath.Join(dir, base+".ivf")
		w, err := ivfwriter.New(path)
		if err != nil {
			return err
		}
		s.rec, s.path = w, path
	case strings.EqualFold(mime, webrtc.MimeTypeOpus):
		path := filepath.Join(dir, base+".ogg")
		w, err := oggwriter.New(path, 48000, 2)
		if err != nil {
			return err
		}
		s.rec, s.path = w, path
	default:
		return fmt.Errorf("no recorder for %q", mime)
	}
	log.Printf("SURFACE: recording %s to %s", s.track.Kind(), s.path)
	return nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}

func (s *RemoteSink) readLoop() {
	defer s.Stop()
	for {
		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
		s.packets.Add(1)
		s.bytes.Add(uint64(len(pkt.Payload)))

		s.mu.Lock()
		if s.rec != nil {
			if err := s.rec.WriteRTP(pkt); err != nil {
				log.Printf("SURFACE: record %s: %v", s.track.ID(), err)
				s.rec.Close()
				s.rec = nil
			}
		}
		s.mu.Unlock()
	}
}

func (s *RemoteSink) pliLoop(t *clock.Ticker) {
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			err := s.feedback([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(s.track.SSRC())}})
			if err != nil {
				if errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF) {
					return
				}
				log.Printf("SURFACE: PLI for %s: %v", s.track.ID(), err)
				continue
			}
			s.plis.Add(1)
		}
	}
}

// Stop detaches the sink and finishes its recording. Safe to call more than
// once.
func (s *RemoteSink) Stop() error {
	var err error
	s.once.Do(func() {
		s.ended.Store(true)
		close(s.done)
		s.mu.Lock()
		if s.ticker != nil {
			s.ticker.Stop()
		}
		if s.rec != nil {
			err = s.rec.Close()
			s.rec = nil
		}
		s.mu.Unlock()
	})
	return err
}

func (s *RemoteSink) Stats() TrackStats {
	s.mu.Lock()
	path := s.path
	s.mu.Unlock()
	return TrackStats{
		ID:        s.track.ID(),
		Kind:      s.track.Kind().String(),
		Codec:     s.track.Codec().MimeType,
		Packets:   s.packets.Load(),
		Bytes:     s.bytes.Load(),
		PLIs:      s.plis.Load(),
		Recording: path,
		Ended:     s.ended.Load(),
	}
}

// RemoteView is "remoteVideo": the remote tracks of the current call.
type RemoteView struct {
	clk clock.Clock

	mu        sync.Mutex
	recordDir string
	sinks     []*RemoteSink
	peer      string
}

func NewRemoteView(clk clock.Clock, recordDir string) *RemoteView {
	if clk == nil {
		clk = clock.New()
	}
	return &RemoteView{clk: clk, recordDir: recordDir}
}

// SetRecordDir applies to tracks attached later. Empty disables recording.
func (v *RemoteView) SetRecordDir(dir string) {
	v.mu.Lock()
	v.recordDir = dir
	v.mu.Unlock()
}

func (v *RemoteView) RecordDir() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.recordDir
}

// Attach starts consuming a remote track of the call with remotePeer.
func (v *RemoteView) Attach(remotePeer string, track RemoteTrack, feedback FeedbackFunc) *RemoteSink {
	v.mu.Lock()
	dir := v.recordDir
	v.mu.Unlock()
	if dir != "" && remotePeer != "" {
		dir = filepath.Join(dir, sanitize(remotePeer))
	}
	s := newRemoteSink(track, feedback, v.clk, dir)

	v.mu.Lock()
	v.peer = remotePeer
	v.sinks = append(v.sinks, s)
	v.mu.Unlock()
	return s
}

// Detach stops every remote track.
func (v *RemoteView) Detach() error {
	v.mu.Lock()
	sinks := v.sinks
	v.sinks = nil
	v.peer = ""
	v.mu.Unlock()

	var errs []error
	for _, s := range sinks {
		errs = append(errs, s.Stop())
	}
	return errors.Join(errs...)
}

func (v *RemoteView) Peer() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.peer
}

func (v *RemoteView) Stats() []TrackStats {
	v.mu.Lock()
	sinks := append([]*RemoteSink(nil), v.sinks...)
	v.mu.Unlock()
	out := make([]TrackStats, 0, len(sinks))
	for _, s := range sinks {
		out = append(out, s.Stats())
	}
	return out
}
