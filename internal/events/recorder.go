package events

import (
	"sync"
	"time"

	"github.com/petervdpas/callbridge/internal/util"
)

// Entry is a recorded event with the time it was sent.
type Entry struct {
	TS     time.Time `json:"ts"`
	Record Record    `json:"event"`
}

// Recorder keeps the most recent records and fans new ones out to
// subscribers. Slow subscribers lose records rather than block the sender.
type Recorder struct {
	entries *util.RingBuffer[Entry]

	mu   sync.Mutex
	subs map[chan Entry]struct{}
	now  func() time.Time
}

func NewRecorder(max int) *Recorder {
	if max <= 0 {
		max = 256
	}
	return &Recorder{
		entries: util.NewRingBuffer[Entry](max),
		subs:    make(map[chan Entry]struct{}),
		now:     time.Now,
	}
}

func (r *Recorder) Send(rec Record) {
	e := Entry{TS: r.now(), Record: rec}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries.Push(e)
	for ch := range r.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Snapshot returns the stored entries, oldest first.
func (r *Recorder) Snapshot() []Entry {
	return r.entries.Snapshot()
}

// Last returns the newest n entries, oldest first.
func (r *Recorder) Last(n int) []Entry {
	return r.entries.Last(n)
}

// Subscribe returns a channel of new entries (tail only) and its cancel func.
func (r *Recorder) Subscribe() (ch chan Entry, cancel func()) {
	ch = make(chan Entry, 64)

	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()

	cancel = func() {
		r.mu.Lock()
		if _, ok := r.subs[ch]; ok {
			delete(r.subs, ch)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}
