// Package media owns local capture: the camera and microphone tracks of the
// agent, their facing mode and the microphone's enabled flag.
package media

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// FacingMode says which physical camera supplies video.
type FacingMode string

const (
	FacingUnknown     FacingMode = ""
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

// Toggle returns the opposite camera. Anything but "user" toggles to "user".
func (f FacingMode) Toggle() FacingMode {
	if f == FacingUser {
		return FacingEnvironment
	}
	return FacingUser
}

// Track is a local track that can be attached to a PeerConnection sender.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

type slot struct {
	track  Track
	closed bool
}

func (s *slot) close() error {
	if s == nil || s.track == nil || s.closed {
		return nil
	}
	s.closed = true
	return s.track.Close()
}

// Stream is the captured audio+video pair. At most one track per kind.
type Stream struct {
	mu           sync.Mutex
	video        *slot
	audio        *slot
	facing       FacingMode
	audioEnabled bool
}

// NewStream wraps captured tracks. Either track may be nil.
func NewStream(video, audio Track, facing FacingMode) *Stream {
	s := &Stream{facing: facing, audioEnabled: true}
	if video != nil {
		s.video = &slot{track: video}
	}
	if audio != nil {
		s.audio = &slot{track: audio}
	}
	return s
}

func (s *Stream) VideoTrack() Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.video == nil {
		return nil
	}
	return s.video.track
}

func (s *Stream) AudioTrack() Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.audio == nil {
		return nil
	}
	return s.audio.track
}

// Tracks returns the video then the audio track, skipping missing ones.
func (s *Stream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Track
	for _, sl := range []*slot{s.video, s.audio} {
		if sl != nil {
			out = append(out, sl.track)
		}
	}
	return out
}

func (s *Stream) Facing() FacingMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.facing
}

func (s *Stream) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioEnabled
}

func (s *Stream) SetAudioEnabled(on bool) {
	s.mu.Lock()
	s.audioEnabled = on
	s.mu.Unlock()
}

// ReplaceVideo installs t as the video track and stops the previous one.
// The swap happens even when stopping the old track fails.
func (s *Stream) ReplaceVideo(t Track, facing FacingMode) error {
	s.mu.Lock()
	old := s.video
	s.video = &slot{track: t}
	s.facing = facing
	err := old.close()
	s.mu.Unlock()
	return err
}

// Stop stops every track. Tracks already stopped are skipped, so repeated
// calls return nil.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.video.close(), s.audio.close())
}
