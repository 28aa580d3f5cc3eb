package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callbridge/internal/events"
	"github.com/petervdpas/callbridge/internal/media"
	"github.com/petervdpas/callbridge/internal/surface"
)

var (
	ErrInitialized   = errors.New("already initialized")
	ErrNoStream      = errors.New("no local media stream")
	ErrNotRegistered = errors.New("not registered with the peer transport")
	ErrBusy          = errors.New("a call is already active")
)

// Options configure a Controller.
type Options struct {
	PeerID string
	// TargetID, when set, is called as soon as the registration opens.
	TargetID  string
	Capture   media.Capture
	Transport Transport
	Events    *events.Bridge
	Surface   *surface.Surface
}

// Controller runs one agent: local media, one registration, at most one call.
// Operations and transport callbacks are serialized on an internal loop.
type Controller struct {
	id        string
	target    string
	capture   media.Capture
	transport Transport
	events    *events.Bridge
	surf      *surface.Surface

	ctx       context.Context
	cancel    context.CancelFunc
	loop      *loop
	closeOnce sync.Once

	// Owned by the loop.
	stream       *media.Stream
	initializing bool
	peer         Registration
	peerGen      uint64
	open         bool
	call         Session
	callGen      uint64
	callPeer     string
	connected    bool
	callDone     bool // a terminal CALL_STATUS was sent for the current call
}

func New(opts Options) (*Controller, error) {
	if opts.PeerID == "" {
		return nil, errors.New("peer id is required")
	}
	if opts.Capture == nil || opts.Transport == nil {
		return nil, errors.New("capture and transport are required")
	}
	if opts.Events == nil {
		opts.Events = events.NewBridge(opts.PeerID, nil)
	}
	if opts.Surface == nil {
		opts.Surface = surface.New(nil, 0, "")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		id:        opts.PeerID,
		target:    opts.TargetID,
		capture:   opts.Capture,
		transport: opts.Transport,
		events:    opts.Events,
		surf:      opts.Surface,
		ctx:       ctx,
		cancel:    cancel,
		loop:      newLoop(),
	}, nil
}

func (c *Controller) PeerID() string             { return c.id }
func (c *Controller) Surface() *surface.Surface { return c.surf }

func (c *Controller) emit(ev events.Event) { c.events.Send(ev) }

// Initialize captures camera and microphone, shows the preview, registers
// with the transport and arms the controls timer. A capture failure is
// reported as an ERROR event and not retried.
func (c *Controller) Initialize(ctx context.Context) error {
	var busy bool
	if err := c.loop.do(ctx, func() {
		busy = c.stream != nil || c.initializing
		if !busy {
			c.initializing = true
		}
	}); err != nil {
		return err
	}
	if busy {
		return ErrInitialized
	}

	stream, capErr := c.capture.GetUserMedia(ctx, media.Constraints{
		Video:  true,
		Audio:  true,
		Facing: media.FacingUser,
	})

	var opErr error
	err := c.loop.do(context.Background(), func() {
		c.initializing = false
		if capErr != nil {
			log.Printf("CALL [%s]: media capture failed: %v", c.id, capErr)
			c.emit(events.NewError(capErr))
			opErr = capErr
			return
		}
		c.stream = stream
		c.surf.Local.Bind(stream)
		c.surf.Mute.Set(false)
		log.Printf("CALL [%s]: local media ready (%d tracks)", c.id, len(stream.Tracks()))
		c.registerTransport()
		c.surf.Controls.Touch()
	})
	if err != nil {
		if stream != nil {
			stream.Stop()
		}
		return err
	}
	return opErr
}

func (c *Controller) registerTransport() {
	c.peerGen++
	gen := c.peerGen
	reg, err := c.transport.Register(c.ctx, c.id, PeerHandlers{
		OnOpen:  func() { c.peerEvent(gen, "open", c.onPeerOpen) },
		OnCall:  func(s Session) { c.peerEvent(gen, "call", func() { c.onIncoming(s) }) },
		OnError: func(err error) { c.peerEvent(gen, "error", func() { c.emit(events.NewError(err)) }) },
		OnClose: func() { c.peerEvent(gen, "close", c.onPeerClose) },
	})
	if err != nil {
		log.Printf("CALL [%s]: register: %v", c.id, err)
		c.emit(events.NewError(err))
		return
	}
	c.peer = reg
}

// peerEvent runs fn on the loop unless the registration it came from has been
// torn down since.
func (c *Controller) peerEvent(gen uint64, what string, fn func()) {
	c.loop.post(func() {
		if gen != c.peerGen {
			log.Printf("CALL [%s]: ignoring %s from a destroyed registration", c.id, what)
			return
		}
		fn()
	})
}

func (c *Controller) onPeerOpen() {
	c.open = true
	log.Printf("CALL [%s]: registered", c.id)
	c.emit(events.PeerReady{})
	if c.target != "" {
		c.placeCall(c.target)
	}
}

func (c *Controller) onPeerClose() {
	log.Printf("CALL [%s]: registration closed", c.id)
	c.emit(events.PeerStatus{Status: events.StatusClosed})
	c.cleanup()
}

func (c *Controller) onIncoming(s Session) {
	remote := s.RemotePeer()
	if c.call != nil {
		log.Printf("CALL [%s]: rejecting %s, busy with %s", c.id, remote, c.callPeer)
		c.emit(events.CallStatus{Status: events.StatusRejected, RemotePeer: remote})
		if err := s.Close(); err != nil {
			log.Printf("CALL [%s]: close rejected call: %v", c.id, err)
		}
		return
	}
	c.acceptCall(s)
}

func (c *Controller) beginCall(remote string) uint64 {
	c.callGen++
	c.callPeer = remote
	c.connected = false
	c.callDone = false
	return c.callGen
}

func (c *Controller) placeCall(target string) {
	c.emit(events.CallStatus{Status: events.StatusInitiating, RemotePeer: target})
	log.Printf("CALL [%s]: calling %s", c.id, target)
	gen := c.beginCall(target)
	s, err := c.peer.Call(target, c.stream, c.callHandlers(gen))
	if err != nil {
		c.finishCall(events.CallStatus{Status: events.StatusError, Error: err.Error()})
		return
	}
	c.call = s
}

func (c *Controller) acceptCall(s Session) {
	c.emit(events.CallStatus{Status: events.StatusReceiving, RemotePeer: s.RemotePeer()})
	log.Printf("CALL [%s]: answering %s", c.id, s.RemotePeer())
	gen := c.beginCall(s.RemotePeer())
	if err := s.Answer(c.stream, c.callHandlers(gen)); err != nil {
		c.finishCall(events.CallStatus{Status: events.StatusError, Error: err.Error()})
		return
	}
	c.call = s
}

func (c *Controller) callHandlers(gen uint64) CallHandlers {
	return CallHandlers{
		OnTrack: func(t surface.RemoteTrack, fb surface.FeedbackFunc) {
			c.callEvent(gen, "track", func() { c.onRemoteTrack(t, fb) })
		},
		OnClose: func() {
			c.callEvent(gen, "close", func() {
				c.finishCall(events.CallStatus{Status: events.StatusEnded})
			})
		},
		OnError: func(err error) {
			c.callEvent(gen, "error", func() {
				c.finishCall(events.CallStatus{Status: events.StatusError, Error: err.Error()})
			})
		},
	}
}

// finishCall reports how the call ended and tears everything down.
func (c *Controller) finishCall(ev events.CallStatus) {
	c.callDone = true
	c.emit(ev)
	c.cleanup()
}

// callEvent runs fn on the loop unless the call it came from is over.
func (c *Controller) callEvent(gen uint64, what string, fn func()) {
	c.loop.post(func() {
		if gen != c.callGen {
			log.Printf("CALL [%s]: ignoring %s from a finished call", c.id, what)
			return
		}
		fn()
	})
}

func (c *Controller) onRemoteTrack(t surface.RemoteTrack, fb surface.FeedbackFunc) {
	c.surf.Remote.Attach(c.callPeer, t, fb)
	if c.connected {
		return
	}
	c.connected = true
	log.Printf("CALL [%s]: connected to %s", c.id, c.callPeer)
	c.emit(events.CallStatus{Status: events.StatusConnected})
	if c.stream != nil && !c.stream.AudioEnabled() {
		c.applyMute()
	}
}

// applyMute pauses or resumes the outbound audio of the call to match the
// stream's enabled flag.
func (c *Controller) applyMute() {
	if c.call == nil || c.stream == nil {
		return
	}
	audio := c.stream.AudioTrack()
	if audio == nil {
		return
	}
	var track webrtc.TrackLocal
	if c.stream.AudioEnabled() {
		track = audio
	}
	if err := c.call.ReplaceTrack(webrtc.RTPCodecTypeAudio, track); err != nil {
		log.Printf("CALL [%s]: apply mute: %v", c.id, err)
	}
}

// PlaceCall calls target. Calls to the configured target are placed on their
// own once the registration opens.
func (c *Controller) PlaceCall(ctx context.Context, target string) error {
	var opErr error
	err := c.loop.do(ctx, func() {
		switch {
		case c.peer == nil || !c.open:
			opErr = ErrNotRegistered
		case c.call != nil:
			opErr = ErrBusy
		case target == "" || target == c.id:
			opErr = fmt.Errorf("invalid call target %q", target)
		default:
			c.placeCall(target)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// SwitchCamera toggles between the user and environment cameras and swaps the
// new video track into the stream and the active call. Failures are reported
// as ERROR events; the previous track is not restored.
func (c *Controller) SwitchCamera(ctx context.Context) error {
	var stream *media.Stream
	var next media.FacingMode
	if err := c.loop.do(ctx, func() {
		if c.stream == nil {
			c.emit(events.NewError(ErrNoStream))
			return
		}
		stream = c.stream
		next = stream.Facing().Toggle()
	}); err != nil {
		return err
	}
	if stream == nil {
		return ErrNoStream
	}

	ns, capErr := c.capture.GetUserMedia(ctx, media.Constraints{Video: true, Facing: next})

	var opErr error
	err := c.loop.do(context.Background(), func() {
		opErr = c.finishSwitch(stream, ns, next, capErr)
		if opErr != nil {
			log.Printf("CALL [%s]: switch camera: %v", c.id, opErr)
			c.emit(events.NewError(opErr))
		}
	})
	if err != nil {
		if ns != nil {
			ns.Stop()
		}
		return err
	}
	return opErr
}

func (c *Controller) finishSwitch(stream, ns *media.Stream, next media.FacingMode, capErr error) error {
	if capErr != nil {
		return capErr
	}
	if c.stream != stream {
		ns.Stop()
		return ErrNoStream
	}
	track := ns.VideoTrack()
	if track == nil {
		ns.Stop()
		return errors.New("camera returned no video track")
	}

	var errs []error
	if err := stream.ReplaceVideo(track, next); err != nil {
		errs = append(errs, fmt.Errorf("stop previous camera: %w", err))
	}
	c.surf.Local.Bind(stream)
	if c.call != nil {
		if err := c.call.ReplaceTrack(webrtc.RTPCodecTypeVideo, track); err != nil {
			errs = append(errs, fmt.Errorf("replace video on call: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.Printf("CALL [%s]: camera switched to %s", c.id, next)
	return nil
}

// ToggleMute flips the microphone's enabled flag and the mute button. It
// emits nothing to the host. It returns whether audio is now muted.
func (c *Controller) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := c.loop.do(ctx, func() {
		if c.stream == nil || c.stream.AudioTrack() == nil {
			muted = c.surf.Mute.Active()
			return
		}
		enabled := !c.stream.AudioEnabled()
		c.stream.SetAudioEnabled(enabled)
		c.surf.Mute.Set(!enabled)
		muted = !enabled
		if c.connected {
			c.applyMute()
		}
		log.Printf("CALL [%s]: audio muted=%v", c.id, muted)
	})
	return muted, err
}

// EndCall reports the call as ended and tears everything down, whether or not
// a call is active.
func (c *Controller) EndCall(ctx context.Context) error {
	return c.loop.do(ctx, func() {
		c.finishCall(events.CallStatus{Status: events.StatusEnded})
	})
}

// Cleanup closes the call, destroys the registration and stops every local
// and remote track. Safe to call any number of times.
func (c *Controller) Cleanup(ctx context.Context) error {
	return c.loop.do(ctx, c.cleanup)
}

// Touch is a click or touch on the surface: it shows the controls and
// restarts their hide countdown.
func (c *Controller) Touch() {
	c.surf.Controls.Touch()
}

func (c *Controller) cleanup() {
	if err := c.teardown(); err != nil {
		log.Printf("CALL [%s]: cleanup failed: %v", c.id, err)
		ev := events.NewError(err)
		ev.Message = "Cleanup failed"
		ev.Err = err.Error()
		c.emit(ev)
	}
}

// teardown releases everything the controller holds. State is cleared before
// anything is closed, so a second call finds nothing to do and callbacks
// triggered by the closing are recognised as stale. A live call that never
// reported how it ended is reported as ended here.
func (c *Controller) teardown() (err error) {
	call, peer, stream := c.call, c.peer, c.stream
	if call != nil && !c.callDone {
		c.emit(events.CallStatus{Status: events.StatusEnded})
	}
	c.callDone = true
	c.call, c.peer, c.stream = nil, nil, nil
	c.callGen++
	c.peerGen++
	c.open = false
	c.connected = false
	c.callPeer = ""

	var errs []error
	defer func() {
		if r := recover(); r != nil {
			errs = append(errs, &panicError{value: r, stack: debug.Stack()})
		}
		err = errors.Join(errs...)
	}()

	if call != nil {
		errs = append(errs, call.Close())
	}
	if peer != nil {
		errs = append(errs, peer.Destroy())
	}
	if stream != nil {
		errs = append(errs, stream.Stop())
	}
	errs = append(errs, c.surf.Remote.Detach())
	c.surf.Local.Unbind()
	return nil
}

// State is what the controller currently holds.
type State struct {
	PeerID     string `json:"peerId"`
	TargetID   string `json:"targetPeerId,omitempty"`
	Registered bool   `json:"registered"`
	InCall     bool   `json:"inCall"`
	RemotePeer string `json:"remotePeer,omitempty"`
	Connected  bool   `json:"connected"`
	Muted      bool   `json:"muted"`
	Facing     string `json:"facing,omitempty"`
}

func (c *Controller) State(ctx context.Context) (State, error) {
	var st State
	err := c.loop.do(ctx, func() {
		st = State{
			PeerID:     c.id,
			TargetID:   c.target,
			Registered: c.open,
			InCall:     c.call != nil,
			RemotePeer: c.callPeer,
			Connected:  c.connected,
		}
		if c.stream != nil {
			st.Muted = !c.stream.AudioEnabled()
			st.Facing = string(c.stream.Facing())
		}
	})
	return st, err
}

// Close cleans up and stops the controller. Later operations return
// ErrClosed.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		_ = c.loop.do(context.Background(), c.cleanup)
		c.cancel()
		c.loop.close()
	})
}

// panicError is a panic recovered during teardown, with the stack it was
// raised on.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }
func (e *panicError) Stack() []byte { return e.stack }
