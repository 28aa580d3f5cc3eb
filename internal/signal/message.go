// Package signal is the rendezvous used to place calls: a websocket broker
// where each agent registers under its peer id, and the client the agents use
// to reach it. The broker routes OFFER/ANSWER/CANDIDATE/HANGUP messages by
// destination id and never looks inside their payloads.
package signal

import (
	"encoding/json"
	"errors"
)

type MessageType string

const (
	TypeOpen      MessageType = "OPEN"
	TypeIDTaken   MessageType = "ID-TAKEN"
	TypeError     MessageType = "ERROR"
	TypeHeartbeat MessageType = "HEARTBEAT"
	TypeOffer     MessageType = "OFFER"
	TypeAnswer    MessageType = "ANSWER"
	TypeCandidate MessageType = "CANDIDATE"
	TypeHangup    MessageType = "HANGUP"
	TypeExpire    MessageType = "EXPIRE"
)

var (
	ErrIDTaken = errors.New("peer id is already registered")
	ErrClosed  = errors.New("signal connection closed")
)

// Message is one frame on the broker socket. Src is stamped by the broker.
type Message struct {
	Type    MessageType     `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// routed reports whether the broker forwards this type to Dst.
func (t MessageType) routed() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeHangup:
		return true
	}
	return false
}

func errorMessage(msg string) Message {
	b, _ := json.Marshal(map[string]string{"msg": msg})
	return Message{Type: TypeError, Payload: b}
}

// ErrorText extracts the text of an ERROR message.
func (m Message) ErrorText() string {
	var p struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil || p.Msg == "" {
		return "signal error"
	}
	return p.Msg
}
