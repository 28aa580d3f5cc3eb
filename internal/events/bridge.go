package events

import (
	"bytes"
	"encoding/json"
	"io"
	"log"
	"sync"
)

// Prefix tags every event line written for the host.
const Prefix = "CALL_EVENT:"

// Sink receives records. Implementations must not block for long: the
// controller sends synchronously.
type Sink interface {
	Send(Record)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Record)

func (f SinkFunc) Send(r Record) { f(r) }

// Multi fans a record out to every sink in order.
type Multi []Sink

func (m Multi) Send(r Record) {
	for _, s := range m {
		if s != nil {
			s.Send(r)
		}
	}
}

// Bridge stamps events with the local peer id and forwards them.
type Bridge struct {
	peerID string
	sink   Sink
}

func NewBridge(peerID string, sink Sink) *Bridge {
	return &Bridge{peerID: peerID, sink: sink}
}

func (b *Bridge) PeerID() string { return b.peerID }

// Send merges {type, peerId} with the event's fields and emits one record.
func (b *Bridge) Send(ev Event) {
	if b == nil || b.sink == nil {
		return
	}
	b.sink.Send(Record{Type: ev.Type(), PeerID: b.peerID, Fields: ev.fields()})
}

// LineSink writes each record as "CALL_EVENT:{json}\n".
type LineSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewLineSink(w io.Writer) *LineSink {
	return &LineSink{w: w}
}

func (s *LineSink) Send(r Record) {
	b, err := json.Marshal(r)
	if err != nil {
		log.Printf("EVENTS: marshal %s: %v", r.Type, err)
		return
	}
	var line bytes.Buffer
	line.Grow(len(Prefix) + len(b) + 1)
	line.WriteString(Prefix)
	line.Write(b)
	line.WriteByte('\n')

	s.mu.Lock()
	_, err = s.w.Write(line.Bytes())
	s.mu.Unlock()
	if err != nil {
		log.Printf("EVENTS: write %s: %v", r.Type, err)
	}
}

// ParseLine extracts the record from a CALL_EVENT line. ok is false for any
// other line.
func ParseLine(line string) (r Record, ok bool) {
	b := bytes.TrimRight([]byte(line), "\r\n")
	if !bytes.HasPrefix(b, []byte(Prefix)) {
		return Record{}, false
	}
	if err := json.Unmarshal(b[len(Prefix):], &r); err != nil {
		return Record{}, false
	}
	return r, true
}
