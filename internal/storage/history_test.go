package storage

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petervdpas/callbridge/internal/events"
)

func openHistory(t *testing.T, path string) (*History, *DB) {
	t.Helper()
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	h := NewHistory(db)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := 0
	h.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return h, db
}

func status(st events.Status, remote, errText string) events.Record {
	f := map[string]any{"status": string(st)}
	if remote != "" {
		f["remotePeer"] = remote
	}
	if errText != "" {
		f["error"] = errText
	}
	return events.Record{Type: events.TypeCallStatus, PeerID: "alice", Fields: f}
}

func TestHistoryJournalsCalls(t *testing.T) {
	h, _ := openHistory(t, filepath.Join(t.TempDir(), "sub", "history.db"))

	h.Send(status(events.StatusInitiating, "bob", ""))
	h.Send(status(events.StatusConnected, "", ""))
	h.Send(status(events.StatusEnded, "", ""))

	h.Send(events.Record{Type: events.TypePeerReady, PeerID: "alice"})
	h.Send(status(events.StatusReceiving, "carol", ""))
	h.Send(status(events.StatusRejected, "dave", ""))
	h.Send(status(events.StatusError, "", "connection failed"))

	recs, err := h.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 rows, got %d: %+v", len(recs), recs)
	}

	rejected, failed, first := recs[0], recs[1], recs[2]

	if rejected.Status != "rejected" || rejected.RemotePeer != "dave" || rejected.Direction != DirectionIncoming {
		t.Fatalf("rejected row %+v", rejected)
	}
	if failed.Status != "error" || failed.Error != "connection failed" || failed.RemotePeer != "carol" ||
		failed.Direction != DirectionIncoming || !failed.ConnectedAt.IsZero() || failed.EndedAt.IsZero() {
		t.Fatalf("failed row %+v", failed)
	}
	if first.Status != "ended" || first.RemotePeer != "bob" || first.Direction != DirectionOutgoing ||
		first.ConnectedAt.IsZero() || !first.EndedAt.After(first.ConnectedAt) || first.PeerID != "alice" {
		t.Fatalf("first row %+v", first)
	}
	if first.ID == "" || first.ID == failed.ID {
		t.Fatal("rows need distinct ids")
	}
}

func TestHistoryIgnoresStrayStatuses(t *testing.T) {
	h, _ := openHistory(t, filepath.Join(t.TempDir(), "history.db"))
	h.Send(status(events.StatusConnected, "", ""))
	h.Send(status(events.StatusEnded, "", ""))
	recs, err := h.Recent(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected no rows, got %+v", recs)
	}
}

func TestHistoryReportsLostOpenRowAndStillJournals(t *testing.T) {
	h, db := openHistory(t, filepath.Join(t.TempDir(), "history.db"))
	if err := h.record(status(events.StatusInitiating, "bob", "")); err != nil {
		t.Fatal(err)
	}
	if _, err := db.db.Exec(`DELETE FROM calls`); err != nil {
		t.Fatal(err)
	}

	err := h.record(status(events.StatusReceiving, "carol", ""))
	if err == nil || !strings.Contains(err.Error(), "not in the journal") {
		t.Fatalf("got %v", err)
	}
	recs, err := h.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].RemotePeer != "carol" || recs[0].Status != "receiving" {
		t.Fatalf("rows %+v", recs)
	}
	if err := h.record(status(events.StatusEnded, "", "")); err != nil {
		t.Fatalf("closing the new row: %v", err)
	}
}

func TestHistoryPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	h, db := openHistory(t, path)
	h.Send(status(events.StatusInitiating, "bob", ""))
	h.Send(status(events.StatusEnded, "", ""))
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	h2, _ := openHistory(t, path)
	recs, err := h2.Recent(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].RemotePeer != "bob" {
		t.Fatalf("rows after reopen %+v", recs)
	}
}
