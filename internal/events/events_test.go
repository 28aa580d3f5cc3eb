package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func decodeLine(t *testing.T, line string) map[string]any {
	t.Helper()
	if !strings.HasPrefix(line, Prefix) {
		t.Fatalf("line %q lacks prefix %q", line, Prefix)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, Prefix)), &m); err != nil {
		t.Fatalf("bad json in %q: %v", line, err)
	}
	return m
}

func TestLineSinkFormat(t *testing.T) {
	var out bytes.Buffer
	b := NewBridge("peer-abc123xyz", NewLineSink(&out))

	b.Send(PeerReady{})
	b.Send(PeerStatus{Status: StatusClosed})
	b.Send(CallStatus{Status: StatusError, Error: "ice failed"})
	b.Send(Error{Message: "Cleanup failed", Err: "close: boom"})

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d: %q", len(lines), out.String())
	}

	want := []map[string]any{
		{"type": "PEER_READY", "peerId": "peer-abc123xyz"},
		{"type": "PEER_STATUS", "peerId": "peer-abc123xyz", "status": "closed"},
		{"type": "CALL_STATUS", "peerId": "peer-abc123xyz", "status": "error", "error": "ice failed"},
		{"type": "ERROR", "peerId": "peer-abc123xyz", "message": "Cleanup failed", "error": "close: boom"},
	}
	for i, line := range lines {
		got := decodeLine(t, line)
		if len(got) != len(want[i]) {
			t.Fatalf("line %d: got %v want %v", i, got, want[i])
		}
		for k, v := range want[i] {
			if got[k] != v {
				t.Fatalf("line %d: field %q = %v, want %v", i, k, got[k], v)
			}
		}
	}
}

func TestCallStatusOmitsEmptyFields(t *testing.T) {
	var got Record
	b := NewBridge("me", SinkFunc(func(r Record) { got = r }))
	b.Send(CallStatus{Status: StatusConnected})
	if _, ok := got.Fields["error"]; ok {
		t.Fatal("connected status must not carry an error field")
	}
	if got.Status() != StatusConnected {
		t.Fatalf("status = %q", got.Status())
	}
}

type stackErr struct{ msg string }

func (e stackErr) Error() string { return e.msg }
func (e stackErr) Stack() []byte { return []byte("main.go:12") }

func TestNewError(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		e := NewError(errors.New("permission denied"))
		if e.Message != "permission denied" || e.Stack != NoStack {
			t.Fatalf("unexpected %+v", e)
		}
	})
	t.Run("wrapped stack", func(t *testing.T) {
		e := NewError(fmt.Errorf("open camera: %w", stackErr{"busy"}))
		if e.Message != "open camera: busy" {
			t.Fatalf("message %q", e.Message)
		}
		if e.Stack != "main.go:12" {
			t.Fatalf("stack %q", e.Stack)
		}
	})
	t.Run("nil", func(t *testing.T) {
		if e := NewError(nil); e.Message == "" {
			t.Fatal("nil error must still produce a message")
		}
	})
}

func TestParseLine(t *testing.T) {
	var out bytes.Buffer
	NewBridge("alice", NewLineSink(&out)).Send(CallStatus{Status: StatusRejected, RemotePeer: "carol"})

	r, ok := ParseLine(out.String())
	if !ok {
		t.Fatalf("could not parse %q", out.String())
	}
	if r.Type != TypeCallStatus || r.PeerID != "alice" || r.Status() != StatusRejected {
		t.Fatalf("unexpected record %+v", r)
	}
	if r.Fields["remotePeer"] != "carol" {
		t.Fatalf("remotePeer lost: %+v", r.Fields)
	}

	if _, ok := ParseLine("CALL: started"); ok {
		t.Fatal("non-event line must not parse")
	}
}

func TestMultiSkipsNil(t *testing.T) {
	n := 0
	m := Multi{nil, SinkFunc(func(Record) { n++ }), SinkFunc(func(Record) { n++ })}
	NewBridge("x", m).Send(PeerReady{})
	if n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
}

func TestRecorderKeepsNewest(t *testing.T) {
	r := NewRecorder(3)
	b := NewBridge("x", r)
	for _, st := range []Status{StatusInitiating, StatusConnected, StatusEnded, StatusReceiving, StatusError} {
		b.Send(CallStatus{Status: st})
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(snap))
	}
	want := []Status{StatusEnded, StatusReceiving, StatusError}
	for i, e := range snap {
		if e.Record.Status() != want[i] {
			t.Fatalf("entry %d: %q want %q", i, e.Record.Status(), want[i])
		}
	}
}

func TestRecorderSubscribe(t *testing.T) {
	r := NewRecorder(8)
	r.Send(Record{Type: TypePeerReady, PeerID: "x"})

	ch, cancel := r.Subscribe()
	r.Send(Record{Type: TypeError, PeerID: "x", Fields: map[string]any{"message": "m"}})

	e := <-ch
	if e.Record.Type != TypeError {
		t.Fatalf("subscriber got %q, want tail-only ERROR", e.Record.Type)
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel must be closed after cancel")
	}
	r.Send(Record{Type: TypePeerReady})
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	b := NewBridge("x", m)

	b.Send(CallStatus{Status: StatusInitiating})
	b.Send(CallStatus{Status: StatusConnected})
	if got := testutil.ToFloat64(m.active); got != 1 {
		t.Fatalf("active = %v after connected", got)
	}
	b.Send(CallStatus{Status: StatusEnded})
	b.Send(Error{Message: "x"})

	if got := testutil.ToFloat64(m.active); got != 0 {
		t.Fatalf("active = %v after ended", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues("CALL_STATUS")); got != 3 {
		t.Fatalf("CALL_STATUS count = %v", got)
	}
	if got := testutil.ToFloat64(m.statuses.WithLabelValues("connected")); got != 1 {
		t.Fatalf("connected count = %v", got)
	}
	if got := testutil.ToFloat64(m.events.WithLabelValues("ERROR")); got != 1 {
		t.Fatalf("ERROR count = %v", got)
	}
}
