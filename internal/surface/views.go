package surface

import (
	"sync"

	"github.com/petervdpas/callbridge/internal/media"
)

const (
	TransformMirrored = "scaleX(-1)"
	TransformNormal   = "scaleX(1)"
)

// LocalView is the "localVideo" preview.
type LocalView struct {
	mu        sync.Mutex
	stream    *media.Stream
	transform string
}

// Bind shows stream. The preview is mirrored only for the user-facing camera.
func (v *LocalView) Bind(stream *media.Stream) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stream = stream
	v.transform = TransformNormal
	if stream != nil && stream.Facing() == media.FacingUser {
		v.transform = TransformMirrored
	}
}

func (v *LocalView) Unbind() {
	v.mu.Lock()
	v.stream = nil
	v.mu.Unlock()
}

func (v *LocalView) Stream() *media.Stream {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stream
}

func (v *LocalView) Transform() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.transform
}

// MuteButton is "muteBtn": class "active" and icon "mic_off" while muted.
type MuteButton struct {
	mu     sync.Mutex
	active bool
}

func (b *MuteButton) Set(muted bool) {
	b.mu.Lock()
	b.active = muted
	b.mu.Unlock()
}

func (b *MuteButton) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *MuteButton) Icon() string {
	if b.Active() {
		return "mic_off"
	}
	return "mic"
}

func (b *MuteButton) Class() string {
	if b.Active() {
		return "active"
	}
	return ""
}
