package transport

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/callbridge/internal/media"
	"github.com/petervdpas/callbridge/internal/signal"
)

const waitFor = 20 * time.Second

func startBroker(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := signal.NewServer("127.0.0.1:0", time.Second)
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return srv.URL()
}

func openPeer(t *testing.T, url, id string, onCall func(*Call)) *Peer {
	t.Helper()
	opened := make(chan struct{})
	failed := make(chan error, 1)
	p, err := Open(context.Background(), Options{SignalURL: url, Heartbeat: 500 * time.Millisecond}, id, Handlers{
		OnOpen:  func(string) { close(opened) },
		OnCall:  onCall,
		OnError: func(err error) { failed <- err },
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Destroy() })
	select {
	case <-opened:
	case err := <-failed:
		t.Fatalf("open %s: %v", id, err)
	case <-time.After(waitFor):
		t.Fatalf("open %s: timeout", id)
	}
	return p
}

func capture(t *testing.T) *media.Stream {
	t.Helper()
	s, err := media.NewSyntheticCapture().GetUserMedia(context.Background(),
		media.Constraints{Video: true, Audio: true, Facing: media.FacingUser})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestCallConnectsAndHangsUp(t *testing.T) {
	url := startBroker(t)

	bobTracks := make(chan webrtc.RTPCodecType, 4)
	bobClosed := make(chan struct{})
	bobStream := capture(t)
	openPeer(t, url, "bob", func(c *Call) {
		if c.RemotePeer() != "alice" || !c.Inbound() {
			t.Errorf("unexpected inbound call %s from %s", c.ConnectionID(), c.RemotePeer())
		}
		err := c.Answer(bobStream, CallHandlers{
			OnTrack: func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) { bobTracks <- tr.Kind() },
			OnClose: func() { close(bobClosed) },
		})
		if err != nil {
			t.Errorf("answer: %v", err)
		}
	})

	alice := openPeer(t, url, "alice", nil)
	aliceTracks := make(chan webrtc.RTPCodecType, 4)
	aliceClosed := make(chan struct{})
	call, err := alice.Call("bob", capture(t), CallHandlers{
		OnTrack: func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) { aliceTracks <- tr.Kind() },
		OnClose: func() { close(aliceClosed) },
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(call.ConnectionID(), "mc_") {
		t.Fatalf("connection id %q", call.ConnectionID())
	}

	for name, ch := range map[string]chan webrtc.RTPCodecType{"alice": aliceTracks, "bob": bobTracks} {
		select {
		case <-ch:
		case <-time.After(waitFor):
			t.Fatalf("%s got no remote track", name)
		}
	}

	if len(call.Senders()) != 2 {
		t.Fatalf("expected 2 senders, got %d", len(call.Senders()))
	}
	if err := call.ReplaceTrack(webrtc.RTPCodecTypeAudio, nil); err != nil {
		t.Fatalf("pause audio: %v", err)
	}

	if err := call.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := call.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case <-aliceClosed:
	case <-time.After(waitFor):
		t.Fatal("alice OnClose not fired")
	}
	select {
	case <-bobClosed:
	case <-time.After(waitFor):
		t.Fatal("bob did not see the hangup")
	}
}

func TestCallToMissingPeerFails(t *testing.T) {
	url := startBroker(t)
	alice := openPeer(t, url, "alice", nil)

	errs := make(chan error, 1)
	closed := make(chan struct{})
	_, err := alice.Call("ghost", capture(t), CallHandlers{
		OnError: func(err error) { errs <- err },
		OnClose: func() { close(closed) },
	})
	if err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errs:
		if err.Error() != "could not connect to peer ghost" {
			t.Fatalf("unexpected error %q", err)
		}
	case <-time.After(waitFor):
		t.Fatal("no error for missing peer")
	}
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("OnClose must follow OnError")
	}
}

func TestReceiveOnlyCallerStillConnects(t *testing.T) {
	url := startBroker(t)
	bobStream := capture(t)
	openPeer(t, url, "bob", func(c *Call) {
		if err := c.Answer(bobStream, CallHandlers{}); err != nil {
			t.Errorf("answer: %v", err)
		}
	})
	alice := openPeer(t, url, "alice", nil)

	got := make(chan struct{}, 2)
	call, err := alice.Call("bob", nil, CallHandlers{
		OnTrack: func(*webrtc.TrackRemote, *webrtc.RTPReceiver) { got <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer call.Close()
	select {
	case <-got:
	case <-time.After(waitFor):
		t.Fatal("receive-only caller got no track")
	}
	if err := call.ReplaceTrack(webrtc.RTPCodecTypeVideo, nil); err == nil {
		t.Fatal("expected error replacing a track that was never sent")
	}
}

func TestOpenReportsIDTaken(t *testing.T) {
	url := startBroker(t)
	openPeer(t, url, "alice", nil)

	errs := make(chan error, 1)
	p, err := Open(context.Background(), Options{SignalURL: url}, "alice", Handlers{
		OnOpen:  func(string) { t.Error("second alice must not open") },
		OnError: func(err error) { errs <- err },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Destroy()
	select {
	case err := <-errs:
		if !errors.Is(err, signal.ErrIDTaken) {
			t.Fatalf("expected ErrIDTaken, got %v", err)
		}
	case <-time.After(waitFor):
		t.Fatal("no error")
	}
	if _, err := p.Call("bob", nil, CallHandlers{}); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("call before open: %v", err)
	}
}

func TestDestroyClosesOnce(t *testing.T) {
	url := startBroker(t)
	closes := make(chan struct{}, 4)
	opened := make(chan struct{})
	p, err := Open(context.Background(), Options{SignalURL: url}, "alice", Handlers{
		OnOpen:  func(string) { close(opened) },
		OnClose: func() { closes <- struct{}{} },
	})
	if err != nil {
		t.Fatal(err)
	}
	<-opened
	if err := p.Destroy(); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := p.Destroy(); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := len(closes); n != 1 {
		t.Fatalf("OnClose fired %d times", n)
	}
	if _, err := p.Call("bob", nil, CallHandlers{}); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("call after destroy: %v", err)
	}
}

func TestPionLogging(t *testing.T) {
	if err := SetPionLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if err := SetPionLevel("error"); err != nil {
		t.Fatal(err)
	}
	l := LoggerFactory{}.NewLogger("test")
	l.Trace("t")
	l.Debugf("%d", 1)
	l.Info("i")
	l.Warnf("%s", "w")
	l.Error("e")
}
