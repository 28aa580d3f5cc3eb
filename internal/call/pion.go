package call

import (
	"context"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callbridge/internal/media"
	"github.com/petervdpas/callbridge/internal/surface"
	"github.com/petervdpas/callbridge/internal/transport"
)

// PionTransport adapts internal/transport to the controller. It is the only
// place that imports both packages.
type PionTransport struct {
	Options transport.Options
}

func (t PionTransport) Register(ctx context.Context, id string, h PeerHandlers) (Registration, error) {
	p, err := transport.Open(ctx, t.Options, id, transport.Handlers{
		OnOpen: func(string) {
			if h.OnOpen != nil {
				h.OnOpen()
			}
		},
		OnCall: func(c *transport.Call) {
			if h.OnCall == nil {
				c.Close()
				return
			}
			s := &pionSession{}
			s.c.Store(c)
			h.OnCall(s)
		},
		OnError: h.OnError,
		OnClose: h.OnClose,
	})
	if err != nil {
		return nil, err
	}
	return pionRegistration{p}, nil
}

type pionRegistration struct {
	p *transport.Peer
}

func (r pionRegistration) Call(target string, stream *media.Stream, h CallHandlers) (Session, error) {
	s := &pionSession{}
	c, err := r.p.Call(target, stream, s.handlers(h))
	if err != nil {
		return nil, err
	}
	s.c.Store(c)
	return s, nil
}

func (r pionRegistration) Destroy() error { return r.p.Destroy() }

type pionSession struct {
	c atomic.Pointer[transport.Call]
}

// handlers may fire before the transport call is stored; feedback then
// reports the call as closed.
func (s *pionSession) handlers(h CallHandlers) transport.CallHandlers {
	return transport.CallHandlers{
		OnTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			if h.OnTrack != nil {
				h.OnTrack(track, s.feedback)
			}
		},
		OnClose: h.OnClose,
		OnError: h.OnError,
	}
}

func (s *pionSession) feedback(pkts []rtcp.Packet) error {
	c := s.c.Load()
	if c == nil {
		return transport.ErrCallClosed
	}
	return c.WriteRTCP(pkts)
}

func (s *pionSession) RemotePeer() string { return s.c.Load().RemotePeer() }

func (s *pionSession) Answer(stream *media.Stream, h CallHandlers) error {
	return s.c.Load().Answer(stream, s.handlers(h))
}

func (s *pionSession) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	return s.c.Load().ReplaceTrack(kind, track)
}

func (s *pionSession) Close() error { return s.c.Load().Close() }
