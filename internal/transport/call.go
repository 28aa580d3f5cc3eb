package transport

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callbridge/internal/media"
	"github.com/petervdpas/callbridge/internal/signal"
)

var ErrCallClosed = errors.New("call closed")

// CallHandlers receive call events. OnError, when it fires, is followed by
// OnClose. They run on transport goroutines.
type CallHandlers struct {
	OnTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	OnClose func()
	OnError func(error)
}

// Call is one media session with a remote peer.
type Call struct {
	peer    *Peer
	id      string
	remote  string
	inbound bool

	mu         sync.Mutex
	h          CallHandlers
	pc         *webrtc.PeerConnection
	offer      *webrtc.SessionDescription
	senders    map[webrtc.RTPCodecType]*webrtc.RTPSender
	gotAnswer  bool
	remoteSet  bool
	signalled  bool
	pendRemote []webrtc.ICECandidateInit
	pendLocal  []webrtc.ICECandidateInit
	closed     bool
}

func newCall(p *Peer, id, remote string, inbound bool) *Call {
	return &Call{peer: p, id: id, remote: remote, inbound: inbound}
}

func (c *Call) ConnectionID() string { return c.id }
func (c *Call) RemotePeer() string   { return c.remote }
func (c *Call) Inbound() bool        { return c.inbound }

// PeerConnection is nil until the call is placed or answered.
func (c *Call) PeerConnection() *webrtc.PeerConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pc
}

func (c *Call) start(stream *media.Stream, h CallHandlers) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrCallClosed
	}
	c.h = h
	offer := c.offer
	c.mu.Unlock()

	pc, err := c.peer.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(c.peer.opts.ICEServers),
	})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnICECandidate(c.localCandidate)
	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		log.Printf("TRANSPORT [%s]: %s remote %s track", c.peer.id, c.id, track.Kind())
		if h.OnTrack != nil {
			h.OnTrack(track, recv)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Printf("TRANSPORT [%s]: %s connection %s", c.peer.id, c.id, s)
		switch s {
		case webrtc.PeerConnectionStateFailed:
			c.finish(errors.New("connection failed"), true)
		case webrtc.PeerConnectionStateClosed:
			c.finish(nil, false)
		}
	})

	// Answering: apply the offer first so our tracks reuse its transceivers.
	if offer != nil {
		if err := pc.SetRemoteDescription(*offer); err != nil {
			pc.Close()
			return fmt.Errorf("set offer: %w", err)
		}
	}

	senders := make(map[webrtc.RTPCodecType]*webrtc.RTPSender)
	if stream != nil {
		for _, t := range stream.Tracks() {
			s, err := pc.AddTrack(t)
			if err != nil {
				pc.Close()
				return fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			senders[t.Kind()] = s
			go drainRTCP(s)
		}
	}
	if offer == nil {
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
			if senders[kind] != nil {
				continue
			}
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return fmt.Errorf("add %s transceiver: %w", kind, err)
			}
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		pc.Close()
		return ErrCallClosed
	}
	c.pc = pc
	c.senders = senders
	c.mu.Unlock()

	if offer != nil {
		c.flushRemote()
	}
	return nil
}

// drainRTCP keeps the sender's interceptors running.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

// Answer accepts an inbound call, sending the tracks of stream.
func (c *Call) Answer(stream *media.Stream, h CallHandlers) error {
	if !c.inbound {
		return errors.New("answer on an outbound call")
	}
	c.mu.Lock()
	answered := c.pc != nil
	c.mu.Unlock()
	if answered {
		return errors.New("call already answered")
	}

	if err := c.start(stream, h); err != nil {
		c.Close()
		return err
	}
	pc := c.PeerConnection()
	answer, err := pc.CreateAnswer(nil)
	if err == nil {
		err = pc.SetLocalDescription(answer)
	}
	if err == nil {
		err = c.peer.send(signal.TypeAnswer, c.remote, payload{ConnectionID: c.id, SDP: &answer})
	}
	if err != nil {
		c.Close()
		return fmt.Errorf("answer %s: %w", c.remote, err)
	}
	c.flushLocal()
	log.Printf("TRANSPORT [%s]: answered %s from %s", c.peer.id, c.id, c.remote)
	return nil
}

func (c *Call) localCandidate(cand *webrtc.ICECandidate) {
	if cand == nil {
		return
	}
	init := cand.ToJSON()
	c.mu.Lock()
	if !c.signalled {
		c.pendLocal = append(c.pendLocal, init)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.sendCandidate(init)
}

func (c *Call) sendCandidate(init webrtc.ICECandidateInit) {
	if err := c.peer.send(signal.TypeCandidate, c.remote, payload{ConnectionID: c.id, Candidate: &init}); err != nil {
		log.Printf("TRANSPORT [%s]: candidate for %s: %v", c.peer.id, c.id, err)
	}
}

// flushLocal sends candidates gathered before the offer/answer went out.
func (c *Call) flushLocal() {
	c.mu.Lock()
	c.signalled = true
	pend := c.pendLocal
	c.pendLocal = nil
	c.mu.Unlock()
	for _, init := range pend {
		c.sendCandidate(init)
	}
}

func (c *Call) remoteAnswer(sdp webrtc.SessionDescription) {
	c.mu.Lock()
	pc := c.pc
	if c.inbound || c.gotAnswer || pc == nil || c.closed {
		c.mu.Unlock()
		return
	}
	c.gotAnswer = true
	c.mu.Unlock()

	if err := pc.SetRemoteDescription(sdp); err != nil {
		c.finish(fmt.Errorf("set answer: %w", err), true)
		return
	}
	c.flushRemote()
}

func (c *Call) remoteCandidate(init webrtc.ICECandidateInit) {
	c.mu.Lock()
	if !c.remoteSet {
		c.pendRemote = append(c.pendRemote, init)
		c.mu.Unlock()
		return
	}
	pc := c.pc
	c.mu.Unlock()
	if err := pc.AddICECandidate(init); err != nil {
		log.Printf("TRANSPORT [%s]: add candidate to %s: %v", c.peer.id, c.id, err)
	}
}

// flushRemote applies candidates that arrived before the remote description.
func (c *Call) flushRemote() {
	c.mu.Lock()
	c.remoteSet = true
	pend := c.pendRemote
	c.pendRemote = nil
	pc := c.pc
	c.mu.Unlock()
	for _, init := range pend {
		if err := pc.AddICECandidate(init); err != nil {
			log.Printf("TRANSPORT [%s]: add candidate to %s: %v", c.peer.id, c.id, err)
		}
	}
}

// answered reports whether an outbound call got its ANSWER.
func (c *Call) answered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gotAnswer
}

// ReplaceTrack swaps the outbound track of kind without renegotiation. A nil
// track pauses sending.
func (c *Call) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	c.mu.Lock()
	s := c.senders[kind]
	c.mu.Unlock()
	if s == nil {
		return fmt.Errorf("no %s sender on %s", kind, c.id)
	}
	return s.ReplaceTrack(track)
}

// Senders lists the outbound senders of the underlying connection.
func (c *Call) Senders() []*webrtc.RTPSender {
	pc := c.PeerConnection()
	if pc == nil {
		return nil
	}
	return pc.GetSenders()
}

// WriteRTCP sends feedback (e.g. picture loss) to the remote side.
func (c *Call) WriteRTCP(pkts []rtcp.Packet) error {
	pc := c.PeerConnection()
	if pc == nil {
		return ErrCallClosed
	}
	return pc.WriteRTCP(pkts)
}

// Close hangs up. Safe to call more than once.
func (c *Call) Close() error {
	return c.finish(nil, true)
}

func (c *Call) finish(cause error, hangup bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pc := c.pc
	h := c.h
	c.mu.Unlock()

	c.peer.forget(c)
	if hangup {
		err := c.peer.send(signal.TypeHangup, c.remote, payload{ConnectionID: c.id})
		if err != nil && !errors.Is(err, ErrNotOpen) && !errors.Is(err, signal.ErrClosed) {
			log.Printf("TRANSPORT [%s]: hangup %s: %v", c.peer.id, c.id, err)
		}
	}

	var err error
	if pc != nil {
		err = pc.Close()
	}
	if cause != nil {
		log.Printf("TRANSPORT [%s]: %s failed: %v", c.peer.id, c.id, cause)
		if h.OnError != nil {
			h.OnError(cause)
		}
	}
	if h.OnClose != nil {
		h.OnClose()
	}
	return err
}
