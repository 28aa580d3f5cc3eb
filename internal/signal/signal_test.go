package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := NewServer("127.0.0.1:0", time.Second)
	if err := srv.Start(ctx); err != nil {
		t.Fatal(err)
	}
	return srv
}

func dial(t *testing.T, srv *Server, id string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, srv.URL(), id, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("dial %s: %v", id, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func recv(t *testing.T, c *Client) Message {
	t.Helper()
	select {
	case m, ok := <-c.Messages():
		if !ok {
			t.Fatalf("%s: connection closed", c.ID())
		}
		return m
	case <-time.After(5 * time.Second):
		t.Fatalf("%s: no message", c.ID())
	}
	return Message{}
}

func waitPeers(t *testing.T, srv *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(srv.Peers()) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d peers, have %v", want, srv.Peers())
}

func TestRouteOfferStampsSource(t *testing.T) {
	srv := startServer(t)
	alice := dial(t, srv, "alice")
	bob := dial(t, srv, "bob")

	payload := json.RawMessage(`{"connectionId":"mc_1"}`)
	if err := alice.Send(Message{Type: TypeOffer, Src: "mallory", Dst: "bob", Payload: payload}); err != nil {
		t.Fatal(err)
	}

	m := recv(t, bob)
	if m.Type != TypeOffer {
		t.Fatalf("got %s", m.Type)
	}
	if m.Src != "alice" {
		t.Fatalf("broker must stamp src, got %q", m.Src)
	}
	if string(m.Payload) != string(payload) {
		t.Fatalf("payload changed: %s", m.Payload)
	}
}

func TestIDTaken(t *testing.T) {
	srv := startServer(t)
	dial(t, srv, "alice")

	_, err := Dial(context.Background(), srv.URL(), "alice", time.Second)
	if !errors.Is(err, ErrIDTaken) {
		t.Fatalf("expected ErrIDTaken, got %v", err)
	}
}

func TestExpireForUnknownPeer(t *testing.T) {
	srv := startServer(t)
	alice := dial(t, srv, "alice")

	if err := alice.Send(Message{Type: TypeOffer, Dst: "nobody"}); err != nil {
		t.Fatal(err)
	}
	m := recv(t, alice)
	if m.Type != TypeExpire || m.Src != "nobody" {
		t.Fatalf("expected EXPIRE from nobody, got %+v", m)
	}

	// Candidates to a missing peer are dropped silently.
	if err := alice.Send(Message{Type: TypeCandidate, Dst: "nobody"}); err != nil {
		t.Fatal(err)
	}
	if err := alice.Send(Message{Type: TypeAnswer, Dst: "nobody"}); err != nil {
		t.Fatal(err)
	}
	if m := recv(t, alice); m.Type != TypeExpire {
		t.Fatalf("candidate must not produce a reply, got %s first", m.Type)
	}
}

func TestUnknownTypeIsAnError(t *testing.T) {
	srv := startServer(t)
	alice := dial(t, srv, "alice")
	if err := alice.Send(Message{Type: "PING", Dst: "bob"}); err != nil {
		t.Fatal(err)
	}
	m := recv(t, alice)
	if m.Type != TypeError || !strings.Contains(m.ErrorText(), "PING") {
		t.Fatalf("expected ERROR about PING, got %+v (%s)", m, m.ErrorText())
	}
}

func TestCloseUnregisters(t *testing.T) {
	srv := startServer(t)
	alice := dial(t, srv, "alice")
	dial(t, srv, "bob")
	waitPeers(t, srv, 2)

	resp, err := http.Get(strings.Replace(strings.TrimSuffix(srv.URL(), "/signal"), "ws://", "http://", 1) + "/api/peers")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	err = json.NewDecoder(resp.Body).Decode(&ids)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != "alice" || ids[1] != "bob" {
		t.Fatalf("unexpected peers %v", ids)
	}

	if err := alice.Close(); err != nil {
		t.Fatal(err)
	}
	if err := alice.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	waitPeers(t, srv, 1)

	if alice.Err() != nil {
		t.Fatalf("Close must not record an error, got %v", alice.Err())
	}
	if err := alice.Send(Message{Type: TypeHeartbeat}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close: %v", err)
	}

	// The id is free again.
	dial(t, srv, "alice")
}

func TestHeartbeatKeepsClientAlive(t *testing.T) {
	srv := startServer(t)
	alice := dial(t, srv, "alice")

	// Server drops clients silent for 3s; heartbeats every 200ms keep alice.
	time.Sleep(3500 * time.Millisecond)
	select {
	case <-alice.Done():
		t.Fatalf("client dropped: %v", alice.Err())
	default:
	}
	if len(srv.Peers()) != 1 {
		t.Fatalf("peer unregistered: %v", srv.Peers())
	}
}
