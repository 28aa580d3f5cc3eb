// Package call is the call controller: it owns the local media stream, the
// registration with the peer transport and at most one active call, drives
// the control surface and reports every lifecycle change to the host.
package call

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callbridge/internal/media"
	"github.com/petervdpas/callbridge/internal/surface"
)

// Transport is the only surface the controller needs from the peer layer.
// Register returns at once; the outcome arrives through the handlers.
type Transport interface {
	Register(ctx context.Context, id string, h PeerHandlers) (Registration, error)
}

// PeerHandlers receive registration events, on any goroutine.
type PeerHandlers struct {
	OnOpen  func()
	OnCall  func(Session)
	OnError func(error)
	OnClose func()
}

// Registration is this agent's named channel on the transport.
type Registration interface {
	Call(target string, stream *media.Stream, h CallHandlers) (Session, error)
	Destroy() error
}

// CallHandlers receive call events, on any goroutine.
type CallHandlers struct {
	OnTrack func(surface.RemoteTrack, surface.FeedbackFunc)
	OnClose func()
	OnError func(error)
}

// Session is one call, placed or received.
type Session interface {
	RemotePeer() string
	// Answer accepts an inbound call.
	Answer(stream *media.Stream, h CallHandlers) error
	// ReplaceTrack swaps the outbound track of kind; nil pauses it.
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
	Close() error
}
