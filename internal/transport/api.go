// Package transport is the peer transport the call controller talks to: one
// registration with the signaling broker per agent, and one pion
// PeerConnection per call, negotiated with trickle ICE over the broker.
package transport

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// NewAPI builds the pion API calls are created from. populate registers the
// codecs the local capture encodes with; nil registers pion's defaults.
func NewAPI(populate func(*webrtc.MediaEngine) error) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if populate == nil {
		populate = (*webrtc.MediaEngine).RegisterDefaultCodecs
	}
	if err := populate(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// A relay hiccup should freeze the picture, not end the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	se.LoggerFactory = LoggerFactory{}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

func iceServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls}}
}
