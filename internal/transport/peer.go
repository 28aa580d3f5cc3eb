package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callbridge/internal/media"
	"github.com/petervdpas/callbridge/internal/signal"
)

var (
	ErrNotOpen   = errors.New("peer is not registered with the signaling server")
	ErrDestroyed = errors.New("peer destroyed")
)

// Options configure a Peer.
type Options struct {
	SignalURL  string
	Heartbeat  time.Duration
	ICEServers []string
	// API builds PeerConnections; nil uses NewAPI(nil).
	API *webrtc.API
}

// Handlers receive registration events. They run on transport goroutines.
type Handlers struct {
	OnOpen  func(id string)
	OnCall  func(*Call)
	OnError func(error)
	OnClose func()
}

// payload is the body of OFFER/ANSWER/CANDIDATE/HANGUP messages.
type payload struct {
	ConnectionID string                   `json:"connectionId"`
	SDP          *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate    *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// Peer is one registration with the signaling broker.
type Peer struct {
	id   string
	opts Options
	h    Handlers
	api  *webrtc.API

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	client    *signal.Client
	calls     map[string]*Call
	destroyed bool

	closeOnce sync.Once
}

// Open registers id with the broker. It returns at once; OnOpen or OnError
// reports the outcome of the registration.
func Open(ctx context.Context, opts Options, id string, h Handlers) (*Peer, error) {
	api := opts.API
	if api == nil {
		var err error
		if api, err = NewAPI(nil); err != nil {
			return nil, err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Peer{
		id:     id,
		opts:   opts,
		h:      h,
		api:    api,
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[string]*Call),
	}
	go p.run()
	return p, nil
}

func (p *Peer) ID() string { return p.id }

func (p *Peer) run() {
	client, err := signal.Dial(p.ctx, p.opts.SignalURL, p.id, p.opts.Heartbeat)
	if err != nil {
		if p.ctx.Err() != nil {
			return
		}
		log.Printf("TRANSPORT [%s]: register failed: %v", p.id, err)
		p.fireError(err)
		return
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		client.Close()
		return
	}
	p.client = client
	p.mu.Unlock()

	log.Printf("TRANSPORT [%s]: registered", p.id)
	if p.h.OnOpen != nil {
		p.h.OnOpen(p.id)
	}

	for m := range client.Messages() {
		p.dispatch(m)
	}

	if err := client.Err(); err != nil {
		p.fireError(err)
	}
	p.fireClose()
}

func (p *Peer) fireError(err error) {
	if p.h.OnError != nil {
		p.h.OnError(err)
	}
}

func (p *Peer) fireClose() {
	p.closeOnce.Do(func() {
		if p.h.OnClose != nil {
			p.h.OnClose()
		}
	})
}

func (p *Peer) send(t signal.MessageType, dst string, body payload) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil {
		return ErrNotOpen
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return client.Send(signal.Message{Type: t, Dst: dst, Payload: raw})
}

func (p *Peer) lookup(connID string) *Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[connID]
}

func (p *Peer) forget(c *Call) {
	p.mu.Lock()
	if p.calls[c.id] == c {
		delete(p.calls, c.id)
	}
	p.mu.Unlock()
}

// Call places a call to target, sending the tracks of stream.
func (p *Peer) Call(target string, stream *media.Stream, h CallHandlers) (*Call, error) {
	p.mu.Lock()
	switch {
	case p.destroyed:
		p.mu.Unlock()
		return nil, ErrDestroyed
	case p.client == nil:
		p.mu.Unlock()
		return nil, ErrNotOpen
	}
	c := newCall(p, "mc_"+uuid.NewString(), target, false)
	p.calls[c.id] = c
	p.mu.Unlock()

	if err := c.start(stream, h); err != nil {
		c.Close()
		return nil, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err == nil {
		err = c.pc.SetLocalDescription(offer)
	}
	if err == nil {
		err = p.send(signal.TypeOffer, target, payload{ConnectionID: c.id, SDP: &offer})
	}
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("offer to %s: %w", target, err)
	}
	c.flushLocal()
	log.Printf("TRANSPORT [%s]: offer %s sent to %s", p.id, c.id, target)
	return c, nil
}

// Destroy closes every call and the broker registration. Safe to call more
// than once.
func (p *Peer) Destroy() error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	calls := make([]*Call, 0, len(p.calls))
	for _, c := range p.calls {
		calls = append(calls, c)
	}
	client := p.client
	p.mu.Unlock()

	var errs []error
	for _, c := range calls {
		errs = append(errs, c.Close())
	}
	p.cancel()
	if client != nil {
		errs = append(errs, client.Close())
	}
	p.fireClose()
	return errors.Join(errs...)
}

func (p *Peer) dispatch(m signal.Message) {
	switch m.Type {
	case signal.TypeError:
		p.fireError(errors.New(m.ErrorText()))
		return
	case signal.TypeExpire:
		p.expire(m.Src)
		return
	}

	var body payload
	if err := json.Unmarshal(m.Payload, &body); err != nil || body.ConnectionID == "" {
		log.Printf("TRANSPORT [%s]: bad %s payload from %s", p.id, m.Type, m.Src)
		return
	}

	switch m.Type {
	case signal.TypeOffer:
		if body.SDP == nil || p.lookup(body.ConnectionID) != nil {
			return
		}
		p.mu.Lock()
		if p.destroyed {
			p.mu.Unlock()
			return
		}
		c := newCall(p, body.ConnectionID, m.Src, true)
		c.offer = body.SDP
		p.calls[c.id] = c
		p.mu.Unlock()
		log.Printf("TRANSPORT [%s]: incoming call %s from %s", p.id, c.id, m.Src)
		if p.h.OnCall != nil {
			p.h.OnCall(c)
		} else {
			c.Close()
		}

	case signal.TypeAnswer:
		if c := p.lookup(body.ConnectionID); c != nil && body.SDP != nil {
			c.remoteAnswer(*body.SDP)
		}

	case signal.TypeCandidate:
		if c := p.lookup(body.ConnectionID); c != nil && body.Candidate != nil {
			c.remoteCandidate(*body.Candidate)
		}

	case signal.TypeHangup:
		if c := p.lookup(body.ConnectionID); c != nil {
			log.Printf("TRANSPORT [%s]: %s hung up %s", p.id, m.Src, c.id)
			c.finish(nil, false)
		}
	}
}

// expire fails every call to peerID that never got an answer.
func (p *Peer) expire(peerID string) {
	p.mu.Lock()
	var hit []*Call
	for _, c := range p.calls {
		if c.remote == peerID && !c.answered() {
			hit = append(hit, c)
		}
	}
	p.mu.Unlock()
	for _, c := range hit {
		c.finish(fmt.Errorf("could not connect to peer %s", peerID), false)
	}
}
