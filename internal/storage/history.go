package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/petervdpas/callbridge/internal/events"
)

const (
	DirectionOutgoing = "outgoing"
	DirectionIncoming = "incoming"
)

// CallRecord is one row of the call journal. Zero times were never reached.
type CallRecord struct {
	ID          string    `json:"id"`
	PeerID      string    `json:"peerId"`
	RemotePeer  string    `json:"remotePeer,omitempty"`
	Direction   string    `json:"direction"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	ConnectedAt time.Time `json:"connectedAt,omitzero"`
	EndedAt     time.Time `json:"endedAt,omitzero"`
}

// History journals calls from the event stream. It is an events.Sink:
// initiating/receiving open a row, connected stamps it, ended/error close it
// and rejected calls get a row of their own.
type History struct {
	db  *DB
	now func() time.Time

	open string // row of the call in progress
}

func NewHistory(db *DB) *History {
	return &History{db: db, now: time.Now}
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// Send records r. Failures are logged; the event stream never blocks on them.
func (h *History) Send(r events.Record) {
	if err := h.record(r); err != nil {
		log.Printf("HISTORY: %s: %v", r.Status(), err)
	}
}

func (h *History) record(r events.Record) error {
	if r.Type != events.TypeCallStatus {
		return nil
	}
	remote, _ := r.Fields["remotePeer"].(string)
	errText, _ := r.Fields["error"].(string)
	now := stamp(h.now())

	h.db.mu.Lock()
	defer h.db.mu.Unlock()

	var err, closeErr error
	switch st := r.Status(); st {
	case events.StatusInitiating, events.StatusReceiving:
		if h.open != "" {
			closeErr = h.closeOpen(string(events.StatusEnded), "", now)
		}
		dir := DirectionOutgoing
		if st == events.StatusReceiving {
			dir = DirectionIncoming
		}
		id := uuid.NewString()
		_, err = h.db.db.Exec(`
			INSERT INTO calls (id, peer_id, remote_peer, direction, status, started_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, r.PeerID, remote, dir, string(st), now)
		if err == nil {
			h.open = id
		}

	case events.StatusConnected:
		if h.open != "" {
			_, err = h.db.db.Exec(`
				UPDATE calls SET status = ?, connected_at = ? WHERE id = ?`,
				string(st), now, h.open)
		}

	case events.StatusEnded, events.StatusError:
		if h.open != "" {
			err = h.closeOpen(string(st), errText, now)
		}

	case events.StatusRejected:
		_, err = h.db.db.Exec(`
			INSERT INTO calls (id, peer_id, remote_peer, direction, status, started_at, ended_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			uuid.NewString(), r.PeerID, remote, DirectionIncoming, string(st), now, now)
	}
	return errors.Join(closeErr, err)
}

func (h *History) closeOpen(status, errText, now string) error {
	id := h.open
	h.open = ""
	res, err := h.db.db.Exec(`
		UPDATE calls SET status = ?, error = ?, ended_at = ? WHERE id = ?`,
		status, errText, now, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("call %s is not in the journal", id)
	}
	return nil
}

// Recent returns up to n calls, newest first.
func (h *History) Recent(n int) ([]CallRecord, error) {
	if n <= 0 {
		n = 50
	}
	h.db.mu.RLock()
	defer h.db.mu.RUnlock()
	rows, err := h.db.db.Query(`
		SELECT id, peer_id, remote_peer, direction, status, error,
		       started_at, connected_at, ended_at
		FROM calls ORDER BY started_at DESC, rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []CallRecord{}
	for rows.Next() {
		var c CallRecord
		var started string
		var connected, ended sql.NullString
		if err := rows.Scan(&c.ID, &c.PeerID, &c.RemotePeer, &c.Direction, &c.Status, &c.Error,
			&started, &connected, &ended); err != nil {
			return nil, err
		}
		c.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if connected.Valid {
			c.ConnectedAt, _ = time.Parse(time.RFC3339Nano, connected.String)
		}
		if ended.Valid {
			c.EndedAt, _ = time.Parse(time.RFC3339Nano, ended.String)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
