// Package logviewer collects log records from the app and its extensions
// into an in-memory ring buffer and streams them to viewers over
// WebSocket. Extensions run in separate processes and ship their records
// to the app with a Shipper.
package logviewer

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultHubSize is the number of entries kept for new viewers.
	DefaultHubSize = 500

	// subscriberBuffer is the per-viewer channel size. A viewer that
	// falls further behind than this misses entries.
	subscriberBuffer = 64
)

// Entry is one log record as stored by the hub and sent over the wire.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Source  string         `json:"source"`
	Message string         `json:"msg"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// level parses the entry level, treating unknown values as INFO.
func (e Entry) level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(e.Level))); err != nil {
		return slog.LevelInfo
	}

	return l
}

// Hub is a fixed-size ring of recent entries with fan-out to live
// subscribers. The zero value is not usable; call NewHub.
type Hub struct {
	mu     sync.Mutex
	ring   []Entry
	next   int
	filled bool
	subs   map[chan Entry]struct{}
}

// NewHub creates a hub keeping the last size entries. A size below one
// selects DefaultHubSize.
func NewHub(size int) *Hub {
	if size < 1 {
		size = DefaultHubSize
	}

	return &Hub{
		ring: make([]Entry, size),
		subs: make(map[chan Entry]struct{}),
	}
}

// Publish stores e and hands it to every subscriber that has room.
// It never blocks.
func (h *Hub) Publish(e Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ring[h.next] = e
	h.next = (h.next + 1) % len(h.ring)

	if h.next == 0 {
		h.filled = true
	}

	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Backlog returns the stored entries, oldest first.
func (h *Hub) Backlog() []Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.backlogLocked()
}

func (h *Hub) backlogLocked() []Entry {
	if !h.filled {
		return append([]Entry(nil), h.ring[:h.next]...)
	}

	out := make([]Entry, 0, len(h.ring))
	out = append(out, h.ring[h.next:]...)

	return append(out, h.ring[:h.next]...)
}

// Subscribe returns the current backlog and a channel of entries
// published after it, with no gap or overlap between the two. The
// returned cancel func removes the subscription and closes the channel.
func (h *Hub) Subscribe() ([]Entry, <-chan Entry, func()) {
	ch := make(chan Entry, subscriberBuffer)

	h.mu.Lock()
	backlog := h.backlogLocked()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once

	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}

	return backlog, ch, cancel
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs)
}
