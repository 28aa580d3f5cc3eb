package surface

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Surface groups the elements the call controller drives.
type Surface struct {
	Controls *Controls
	Local    *LocalView
	Remote   *RemoteView
	Mute     *MuteButton
}

func New(clk clock.Clock, hideAfter time.Duration, recordDir string) *Surface {
	return &Surface{
		Controls: NewControls(clk, hideAfter),
		Local:    &LocalView{},
		Remote:   NewRemoteView(clk, recordDir),
		Mute:     &MuteButton{},
	}
}

type ControlsState struct {
	Visible     bool  `json:"visible"`
	RemainingMs int64 `json:"remaining_ms"`
	HideAfterMs int64 `json:"hide_after_ms"`
}

type LocalState struct {
	Bound        bool   `json:"bound"`
	Facing       string `json:"facing,omitempty"`
	Transform    string `json:"transform,omitempty"`
	AudioEnabled bool   `json:"audio_enabled"`
}

type RemoteState struct {
	Peer   string       `json:"peer,omitempty"`
	Tracks []TrackStats `json:"tracks"`
}

type ButtonState struct {
	Icon   string `json:"icon"`
	Class  string `json:"class"`
	Active bool   `json:"active"`
}

// State is the surface keyed by element id.
type State struct {
	Controls    ControlsState `json:"controls"`
	LocalVideo  LocalState    `json:"localVideo"`
	RemoteVideo RemoteState   `json:"remoteVideo"`
	MuteBtn     ButtonState   `json:"muteBtn"`
}

func (s *Surface) Snapshot() State {
	var st State
	st.Controls = ControlsState{
		Visible:     s.Controls.Visible(),
		RemainingMs: s.Controls.Remaining().Milliseconds(),
		HideAfterMs: s.Controls.Delay().Milliseconds(),
	}
	if stream := s.Local.Stream(); stream != nil {
		st.LocalVideo = LocalState{
			Bound:        true,
			Facing:       string(stream.Facing()),
			Transform:    s.Local.Transform(),
			AudioEnabled: stream.AudioEnabled(),
		}
	}
	st.RemoteVideo = RemoteState{Peer: s.Remote.Peer(), Tracks: s.Remote.Stats()}
	st.MuteBtn = ButtonState{Icon: s.Mute.Icon(), Class: s.Mute.Class(), Active: s.Mute.Active()}
	return st
}
