package signal

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	maxIDLen     = 64
	sendQueueLen = 64
	writeWait    = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are not browsers; there is no origin to check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is the signaling broker.
type Server struct {
	addr      string
	heartbeat time.Duration

	mu    sync.RWMutex
	peers map[string]*peerConn

	ln  net.Listener
	srv *http.Server
}

type peerConn struct {
	id   string
	ws   *websocket.Conn
	send chan Message
	done chan struct{}
	once sync.Once
}

func (p *peerConn) enqueue(m Message) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- m:
		return true
	default:
		log.Printf("SIGNAL: send queue full for %s, dropping %s", p.id, m.Type)
		return false
	}
}

func (p *peerConn) close() {
	p.once.Do(func() {
		close(p.done)
		p.ws.Close()
	})
}

// NewServer creates a broker for addr. Clients must send something (at least
// a HEARTBEAT) every heartbeat interval; three missed intervals drop them.
func NewServer(addr string, heartbeat time.Duration) *Server {
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	return &Server{
		addr:      addr,
		heartbeat: heartbeat,
		peers:     make(map[string]*peerConn),
	}
}

// Handler serves /signal (websocket) and /api/peers (registered ids).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/signal", s.serveSignal)
	mux.HandleFunc("/api/peers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(s.Peers())
	})
	return mux
}

// Start listens and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("SIGNAL: serve error: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutCtx)
		s.closeAll()
	}()

	log.Printf("SIGNAL: broker listening on %s", s.URL())
	return nil
}

// URL is the websocket URL clients dial.
func (s *Server) URL() string {
	addr := s.addr
	if s.ln != nil {
		addr = s.ln.Addr().String()
	}
	return "ws://" + addr + "/signal"
}

// Peers lists registered ids, sorted.
func (s *Server) Peers() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.peers))
	for id := range s.peers {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (s *Server) serveSignal(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" || len(id) > maxIDLen {
		http.Error(w, "missing or invalid id", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("SIGNAL: upgrade for %s failed: %v", id, err)
		return
	}

	pc := &peerConn{
		id:   id,
		ws:   ws,
		send: make(chan Message, sendQueueLen),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if _, taken := s.peers[id]; taken {
		s.mu.Unlock()
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteJSON(Message{Type: TypeIDTaken})
		ws.Close()
		log.Printf("SIGNAL: rejected %s: id taken", id)
		return
	}
	s.peers[id] = pc
	s.mu.Unlock()

	pc.enqueue(Message{Type: TypeOpen})
	log.Printf("SIGNAL: %s registered (%d online)", id, len(s.Peers()))

	go s.writeLoop(pc)
	s.readLoop(pc)

	s.mu.Lock()
	if s.peers[id] == pc {
		delete(s.peers, id)
	}
	s.mu.Unlock()
	pc.close()
	log.Printf("SIGNAL: %s left", id)
}

func (s *Server) readLoop(pc *peerConn) {
	deadline := 3 * s.heartbeat
	_ = pc.ws.SetReadDeadline(time.Now().Add(deadline))
	for {
		var m Message
		if err := pc.ws.ReadJSON(&m); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, net.ErrClosed) {
				log.Printf("SIGNAL: read from %s: %v", pc.id, err)
			}
			return
		}
		_ = pc.ws.SetReadDeadline(time.Now().Add(deadline))
		s.route(pc, m)
	}
}

func (s *Server) writeLoop(pc *peerConn) {
	for {
		select {
		case <-pc.done:
			return
		case m := <-pc.send:
			_ = pc.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := pc.ws.WriteJSON(m); err != nil {
				log.Printf("SIGNAL: write to %s: %v", pc.id, err)
				pc.close()
				return
			}
		}
	}
}

func (s *Server) route(from *peerConn, m Message) {
	if m.Type == TypeHeartbeat {
		return
	}
	if !m.Type.routed() {
		from.enqueue(errorMessage("unknown message type " + string(m.Type)))
		return
	}
	if m.Dst == "" {
		from.enqueue(errorMessage(string(m.Type) + " without dst"))
		return
	}

	m.Src = from.id

	s.mu.RLock()
	dst := s.peers[m.Dst]
	s.mu.RUnlock()

	if dst == nil {
		// Only tell the sender when it is waiting on the other side.
		if m.Type == TypeOffer || m.Type == TypeAnswer {
			from.enqueue(Message{Type: TypeExpire, Src: m.Dst, Dst: from.id})
		}
		return
	}
	dst.enqueue(m)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	peers := s.peers
	s.peers = make(map[string]*peerConn)
	s.mu.Unlock()
	for _, pc := range peers {
		pc.close()
	}
}
