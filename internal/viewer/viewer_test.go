package viewer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/petervdpas/callbridge/internal/call"
	"github.com/petervdpas/callbridge/internal/events"
	"github.com/petervdpas/callbridge/internal/storage"
	"github.com/petervdpas/callbridge/internal/surface"
)

type fakeCtrl struct {
	surf *surface.Surface

	mu      sync.Mutex
	calls   []string
	muted   bool
	callErr error
}

func newFakeCtrl() *fakeCtrl {
	return &fakeCtrl{surf: surface.New(clock.NewMock(), time.Second, "")}
}

func (f *fakeCtrl) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeCtrl) trail() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCtrl) PeerID() string { return "me" }

func (f *fakeCtrl) PlaceCall(_ context.Context, target string) error {
	f.record("call:" + target)
	return f.callErr
}

func (f *fakeCtrl) SwitchCamera(context.Context) error {
	f.record("switch")
	return nil
}

func (f *fakeCtrl) ToggleMute(context.Context) (bool, error) {
	f.record("mute")
	f.mu.Lock()
	defer f.mu.Unlock()
	f.muted = !f.muted
	return f.muted, nil
}

func (f *fakeCtrl) EndCall(context.Context) error {
	f.record("end")
	return nil
}

func (f *fakeCtrl) Touch() {
	f.record("touch")
	f.surf.Controls.Touch()
}

func (f *fakeCtrl) State(context.Context) (call.State, error) {
	return call.State{PeerID: "me", Registered: true}, nil
}

func (f *fakeCtrl) Surface() *surface.Surface { return f.surf }

func serve(t *testing.T, v Viewer, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	v.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, body))
	return rec
}

func TestHomeRedirectsWithPeerID(t *testing.T) {
	v := Viewer{Ctrl: newFakeCtrl()}

	rec := serve(t, v, http.MethodGet, "/?targetpeerid=bob", nil)
	if rec.Code != http.StatusFound {
		t.Fatalf("status %d, want 302", rec.Code)
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	q := loc.Query()
	if q.Get("mypeerid") != "me" || q.Get("targetpeerid") != "bob" {
		t.Fatalf("redirect %q lost parameters", loc)
	}

	rec = serve(t, v, http.MethodGet, "/?"+loc.RawQuery, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d after redirect", rec.Code)
	}
	var got homeResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.State.PeerID != "me" || !got.State.Registered {
		t.Fatalf("state %+v", got.State)
	}
}

func TestControlsTouchBeforeAction(t *testing.T) {
	f := newFakeCtrl()
	v := Viewer{Ctrl: f}

	for _, path := range []string{"switch-camera", "mute", "end-call"} {
		rec := serve(t, v, http.MethodPost, "/api/controls/"+path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d: %s", path, rec.Code, rec.Body)
		}
	}
	want := []string{"touch", "switch", "touch", "mute", "touch", "end"}
	got := f.trail()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("trail %v, want %v", got, want)
	}
	if rec := serve(t, v, http.MethodGet, "/api/controls/mute", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET on a control: status %d", rec.Code)
	}
}

func TestMuteReportsState(t *testing.T) {
	v := Viewer{Ctrl: newFakeCtrl()}
	rec := serve(t, v, http.MethodPost, "/api/controls/mute", nil)
	var got map[string]bool
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if !got["muted"] {
		t.Fatalf("got %v", got)
	}
}

func TestTouchShowsControls(t *testing.T) {
	v := Viewer{Ctrl: newFakeCtrl()}
	rec := serve(t, v, http.MethodPost, "/api/controls/touch", nil)
	var st surface.State
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if !st.Controls.Visible || st.Controls.RemainingMs != 1000 {
		t.Fatalf("controls %+v", st.Controls)
	}
	if rec.Header().Get("Cache-Control") == "" {
		t.Fatal("api response is cacheable")
	}
}

func TestPlaceCallErrors(t *testing.T) {
	f := newFakeCtrl()
	v := Viewer{Ctrl: f}

	rec := serve(t, v, http.MethodPost, "/api/controls/call", strings.NewReader("{"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body: status %d", rec.Code)
	}

	f.callErr = call.ErrBusy
	rec = serve(t, v, http.MethodPost, "/api/controls/call", strings.NewReader(`{"target":"bob"}`))
	if rec.Code != http.StatusConflict {
		t.Fatalf("busy: status %d", rec.Code)
	}

	f.callErr = nil
	rec = serve(t, v, http.MethodPost, "/api/controls/call", strings.NewReader(`{"target":"bob"}`))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{call.ErrClosed, http.StatusServiceUnavailable},
		{call.ErrNoStream, http.StatusConflict},
		{fmt.Errorf("place call: %w", call.ErrBusy), http.StatusConflict},
		{context.DeadlineExceeded, http.StatusRequestTimeout},
		{errors.New("camera unplugged"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func sendStatus(r *events.Recorder, st events.Status) {
	events.NewBridge("me", r).Send(events.CallStatus{Status: st})
}

func TestEventsSnapshot(t *testing.T) {
	rec := events.NewRecorder(8)
	sendStatus(rec, events.StatusInitiating)
	sendStatus(rec, events.StatusConnected)
	v := Viewer{Ctrl: newFakeCtrl(), Events: rec}

	res := serve(t, v, http.MethodGet, "/api/events?limit=1", nil)
	var got []events.Entry
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Record.Status() != events.StatusConnected {
		t.Fatalf("got %+v", got)
	}
}

func TestEventsStream(t *testing.T) {
	rec := events.NewRecorder(8)
	srv := httptest.NewServer(Viewer{Ctrl: newFakeCtrl(), Events: rec}.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events/stream", nil)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}

	// the subscription exists once headers are flushed
	sendStatus(rec, events.StatusEnded)

	sc := bufio.NewScanner(res.Body)
	var lines []string
	for sc.Scan() {
		if sc.Text() == "" {
			break
		}
		lines = append(lines, sc.Text())
	}
	if len(lines) != 2 || lines[0] != "event: call_event" {
		t.Fatalf("got %q", lines)
	}
	var e events.Entry
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &e); err != nil {
		t.Fatal(err)
	}
	if e.Record.Type != events.TypeCallStatus || e.Record.Status() != events.StatusEnded {
		t.Fatalf("got %+v", e.Record)
	}
}

func TestEventsWebSocket(t *testing.T) {
	rec := events.NewRecorder(8)
	srv := httptest.NewServer(Viewer{Ctrl: newFakeCtrl(), Events: rec}.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// the handler subscribes after the upgrade; resend until one arrives
	got := make(chan events.Entry, 1)
	go func() {
		var e events.Entry
		if err := conn.ReadJSON(&e); err == nil {
			got <- e
		}
	}()
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case e := <-got:
			if e.Record.Status() != events.StatusReceiving {
				t.Fatalf("got %+v", e.Record)
			}
			return
		case <-tick.C:
			sendStatus(rec, events.StatusReceiving)
		case <-deadline:
			t.Fatal("no event over websocket")
		}
	}
}

func TestHistory(t *testing.T) {
	v := Viewer{Ctrl: newFakeCtrl()}
	if rec := serve(t, v, http.MethodGet, "/api/history", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("disabled history: status %d", rec.Code)
	}

	db, err := storage.Open(t.TempDir() + "/calls.db")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	h := storage.NewHistory(db)
	events.NewBridge("me", h).Send(events.CallStatus{Status: events.StatusInitiating, RemotePeer: "bob"})

	v.History = h
	rec := serve(t, v, http.MethodGet, "/api/history", nil)
	var rows []storage.CallRecord
	if err := json.NewDecoder(rec.Body).Decode(&rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0].RemotePeer != "bob" {
		t.Fatalf("got %+v", rows)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := events.NewMetrics(reg)
	events.NewBridge("me", m).Send(events.CallStatus{Status: events.StatusConnected})

	rec := serve(t, Viewer{Ctrl: newFakeCtrl(), Metrics: reg}, http.MethodGet, "/metrics", nil)
	body := rec.Body.String()
	if !strings.Contains(body, `callbridge_call_status_total{status="connected"} 1`) {
		t.Fatalf("metrics missing status counter:\n%s", body)
	}
	if !strings.Contains(body, "callbridge_call_connected 1") {
		t.Fatalf("metrics missing connected gauge:\n%s", body)
	}
}

func TestLogBuffer(t *testing.T) {
	b := NewLogBuffer(2)
	_, _ = b.Write([]byte("CALL [me]: one\nCALL [me]: tw"))
	_, _ = b.Write([]byte("o\n\nCALL [me]: three\n"))

	got := b.Snapshot()
	if len(got) != 2 || got[0].Msg != "CALL [me]: two" || got[1].Msg != "CALL [me]: three" {
		t.Fatalf("got %+v", got)
	}

	rec := serve(t, Viewer{Ctrl: newFakeCtrl(), Logs: b}, http.MethodGet, "/api/logs?limit=1", nil)
	var entries []LogEntry
	if err := json.NewDecoder(rec.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Msg != "CALL [me]: three" {
		t.Fatalf("got %+v", entries)
	}
}

func TestStartServes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := Viewer{Ctrl: newFakeCtrl()}.Start(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	res, err := http.Get("http://" + addr + "/api/state")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
}
