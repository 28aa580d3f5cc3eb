// Package events is the outbound channel to the host process. Every lifecycle
// change of the call agent becomes one Record, tagged with the local peer id,
// and is handed to a Sink (stdout lines, recorder, metrics, history).
package events

import (
	"encoding/json"
	"errors"
)

// Type names the event kind on the wire.
type Type string

const (
	TypePeerReady  Type = "PEER_READY"
	TypePeerStatus Type = "PEER_STATUS"
	TypeCallStatus Type = "CALL_STATUS"
	TypeError      Type = "ERROR"
)

// Status values carried by PEER_STATUS and CALL_STATUS.
type Status string

const (
	StatusInitiating Status = "initiating"
	StatusReceiving  Status = "receiving"
	StatusConnected  Status = "connected"
	StatusEnded      Status = "ended"
	StatusError      Status = "error"
	StatusRejected   Status = "rejected"

	StatusClosed Status = "closed"
)

// NoStack is reported when an error carries no stack trace.
const NoStack = "No stack trace"

// Event is one of PeerReady, PeerStatus, CallStatus or Error.
type Event interface {
	Type() Type
	fields() map[string]any
}

type PeerReady struct{}

func (PeerReady) Type() Type             { return TypePeerReady }
func (PeerReady) fields() map[string]any { return nil }

type PeerStatus struct {
	Status Status
}

func (PeerStatus) Type() Type { return TypePeerStatus }
func (e PeerStatus) fields() map[string]any {
	return map[string]any{"status": string(e.Status)}
}

type CallStatus struct {
	Status     Status
	Error      string // set for StatusError
	RemotePeer string // set for initiating, receiving and rejected
}

func (CallStatus) Type() Type { return TypeCallStatus }
func (e CallStatus) fields() map[string]any {
	f := map[string]any{"status": string(e.Status)}
	if e.Error != "" {
		f["error"] = e.Error
	}
	if e.RemotePeer != "" {
		f["remotePeer"] = e.RemotePeer
	}
	return f
}

type Error struct {
	Message string
	Stack   string
	Err     string // underlying cause, used by "Cleanup failed"
}

func (Error) Type() Type { return TypeError }
func (e Error) fields() map[string]any {
	f := map[string]any{"message": e.Message}
	if e.Stack != "" {
		f["stack"] = e.Stack
	}
	if e.Err != "" {
		f["error"] = e.Err
	}
	return f
}

// stackTracer is satisfied by errors that captured where they were created.
type stackTracer interface {
	Stack() []byte
}

// NewError converts err into an ERROR event. A nil err yields "unknown error".
func NewError(err error) Error {
	if err == nil {
		return Error{Message: "unknown error", Stack: NoStack}
	}
	e := Error{Message: err.Error(), Stack: NoStack}
	var st stackTracer
	if errors.As(err, &st) {
		if s := st.Stack(); len(s) > 0 {
			e.Stack = string(s)
		}
	}
	return e
}

// Record is an event merged with the sender's peer id, ready to serialize.
type Record struct {
	Type   Type
	PeerID string
	Fields map[string]any
}

// Status returns the record's status field, or "".
func (r Record) Status() Status {
	s, _ := r.Fields["status"].(string)
	return Status(s)
}

// MarshalJSON renders the record as one flat object: type, peerId and the
// event's own fields.
func (r Record) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+2)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["type"] = string(r.Type)
	m["peerId"] = r.PeerID
	return json.Marshal(m)
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	t, _ := m["type"].(string)
	id, _ := m["peerId"].(string)
	delete(m, "type")
	delete(m, "peerId")
	r.Type = Type(t)
	r.PeerID = id
	r.Fields = m
	return nil
}
