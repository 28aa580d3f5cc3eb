// Package viewer serves the call surface to the host process over HTTP: the
// controls, live state, the event log, call history, metrics and logs.
package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petervdpas/callbridge/internal/call"
	"github.com/petervdpas/callbridge/internal/events"
	"github.com/petervdpas/callbridge/internal/params"
	"github.com/petervdpas/callbridge/internal/storage"
	"github.com/petervdpas/callbridge/internal/surface"
)

// Controller is the part of call.Controller the viewer drives.
type Controller interface {
	PeerID() string
	PlaceCall(ctx context.Context, target string) error
	SwitchCamera(ctx context.Context) error
	ToggleMute(ctx context.Context) (bool, error)
	EndCall(ctx context.Context) error
	Touch()
	State(ctx context.Context) (call.State, error)
	Surface() *surface.Surface
}

// Viewer holds what the routes serve. Only Ctrl is required.
type Viewer struct {
	Ctrl    Controller
	Events  *events.Recorder
	History *storage.History
	Logs    *LogBuffer
	Metrics prometheus.Gatherer
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// hosts connect from localhost tooling with arbitrary origins
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler builds the route table.
func (v Viewer) Handler() http.Handler {
	mux := http.NewServeMux()
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, noCache(h))
	}

	mux.HandleFunc("GET /{$}", v.home)

	api("POST /api/controls/call", v.placeCall)
	api("POST /api/controls/switch-camera", v.switchCamera)
	api("POST /api/controls/mute", v.toggleMute)
	api("POST /api/controls/end-call", v.endCall)
	api("POST /api/controls/touch", v.touch)
	api("GET /api/controls", v.controls)
	api("GET /api/state", v.state)

	if v.Events != nil {
		api("GET /api/events", v.eventsJSON)
		api("GET /api/events/stream", v.eventsSSE)
		api("GET /api/events/ws", v.eventsWS)
	}
	api("GET /api/history", v.history)
	if v.Logs != nil {
		api("GET /api/logs", v.Logs.ServeLogsJSON)
		api("GET /api/logs/stream", v.Logs.ServeLogsSSE)
	}
	if v.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(v.Metrics, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start listens on addr and serves until ctx is done. It returns the bound
// address, which differs from addr when addr asks for port 0.
func (v Viewer) Start(ctx context.Context, addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("viewer listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           v.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("SURFACE: serve: %v", err)
		}
	}()

	log.Printf("SURFACE: listening on http://%s", ln.Addr())
	return ln.Addr().String(), nil
}

type homeResponse struct {
	State   call.State    `json:"state"`
	Surface surface.State `json:"surface"`
}

// GET / mirrors the page load: without mypeerid the client is sent back with
// the agent's id appended, everything else kept.
func (v Viewer) home(w http.ResponseWriter, r *http.Request) {
	p, err := params.Parse(r.URL.RawQuery)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if p.PeerID == "" {
		target, err := params.WithPeerID(r.URL.RequestURI(), v.Ctrl.PeerID())
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	st, err := v.Ctrl.State(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, homeResponse{State: st, Surface: v.Ctrl.Surface().Snapshot()})
}

func (v Viewer) placeCall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	v.Ctrl.Touch()
	if err := v.Ctrl.PlaceCall(r.Context(), req.Target); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "calling", "target": req.Target})
}

func (v Viewer) switchCamera(w http.ResponseWriter, r *http.Request) {
	v.Ctrl.Touch()
	if err := v.Ctrl.SwitchCamera(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	v.state(w, r)
}

func (v Viewer) toggleMute(w http.ResponseWriter, r *http.Request) {
	v.Ctrl.Touch()
	muted, err := v.Ctrl.ToggleMute(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"muted": muted})
}

func (v Viewer) endCall(w http.ResponseWriter, r *http.Request) {
	v.Ctrl.Touch()
	if err := v.Ctrl.EndCall(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (v Viewer) touch(w http.ResponseWriter, r *http.Request) {
	v.Ctrl.Touch()
	v.controls(w, r)
}

func (v Viewer) controls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, v.Ctrl.Surface().Snapshot())
}

func (v Viewer) state(w http.ResponseWriter, r *http.Request) {
	st, err := v.Ctrl.State(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GET /api/events?limit=N
func (v Viewer) eventsJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, v.Events.Last(limitParam(r, -1)))
}

func (v Viewer) eventsSSE(w http.ResponseWriter, r *http.Request) {
	ch, cancel := v.Events.Subscribe()
	defer cancel()
	streamSSE(w, r, "call_event", ch)
}

func (v Viewer) eventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("SURFACE: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	ch, cancel := v.Events.Subscribe()
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	}
}

// GET /api/history?limit=N
func (v Viewer) history(w http.ResponseWriter, r *http.Request) {
	if v.History == nil {
		writeError(w, http.StatusNotFound, errors.New("call history is disabled"))
		return
	}
	rows, err := v.History.Recent(limitParam(r, 0))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, call.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, call.ErrNoStream),
		errors.Is(err, call.ErrNotRegistered),
		errors.Is(err, call.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
