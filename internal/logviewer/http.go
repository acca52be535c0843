package logviewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	// maxEntryBytes caps one ingested entry.
	maxEntryBytes = 64 * 1024

	tailWriteTimeout = 5 * time.Second

	// maxSourceLen caps the source tag of an ingested entry.
	maxSourceLen = 64
)

// IngestHandler accepts WebSocket connections from shippers and publishes
// every entry they send. The optional source query parameter tags entries
// that arrive without one.
func (h *Hub) IngestHandler(logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Debug("logviewer: ingest upgrade failed", slog.String("error", err.Error()))
			return
		}
		defer conn.CloseNow()

		conn.SetReadLimit(maxEntryBytes)

		fallback := r.URL.Query().Get("source")
		if fallback == "" {
			fallback = "remote"
		}

		logger.Debug("logviewer: ingest connected", slog.String("source", fallback))

		ctx := r.Context()

		for {
			var e Entry
			if err := wsjson.Read(ctx, conn, &e); err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
					logger.Debug("logviewer: ingest closed", slog.String("source", fallback), slog.String("error", err.Error()))
				}

				return
			}

			h.Publish(normalize(e, fallback))
		}
	})
}

// normalize fills defaults and clamps remote-controlled fields.
func normalize(e Entry, fallback string) Entry {
	if e.Source == "" {
		e.Source = fallback
	}

	if len(e.Source) > maxSourceLen {
		e.Source = e.Source[:maxSourceLen]
	}

	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	e.Level = e.level().String()

	return e
}

// TailHandler streams the backlog followed by live entries to a WebSocket
// viewer. The optional level query parameter (debug, info, warn, error)
// drops entries below it; source keeps only entries from that source.
func (h *Hub) TailHandler(logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		minLevel := slog.LevelDebug
		if lv := r.URL.Query().Get("level"); lv != "" {
			if err := minLevel.UnmarshalText([]byte(strings.ToUpper(lv))); err != nil {
				http.Error(w, "invalid level", http.StatusBadRequest)
				return
			}
		}

		source := r.URL.Query().Get("source")

		keep := func(e Entry) bool {
			return e.level() >= minLevel && (source == "" || e.Source == source)
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Debug("logviewer: tail upgrade failed", slog.String("error", err.Error()))
			return
		}
		defer conn.CloseNow()

		// Viewers never send data.
		ctx := conn.CloseRead(r.Context())

		backlog, live, cancel := h.Subscribe()
		defer cancel()

		logger.Debug("logviewer: viewer connected", slog.Int("backlog", len(backlog)))

		for _, e := range backlog {
			if keep(e) {
				if err := writeEntry(ctx, conn, e); err != nil {
					return
				}
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case e := <-live:
				if keep(e) {
					if err := writeEntry(ctx, conn, e); err != nil {
						return
					}
				}
			}
		}
	})
}

func writeEntry(ctx context.Context, conn *websocket.Conn, e Entry) error {
	ctx, cancel := context.WithTimeout(ctx, tailWriteTimeout)
	defer cancel()

	return wsjson.Write(ctx, conn, e)
}

// Tail connects to a tail URL and calls fn for every entry received until
// ctx ends or the connection closes.
func Tail(ctx context.Context, url, token string, fn func(Entry)) error {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return fmt.Errorf("dialing log tail: %w", err)
	}
	defer conn.CloseNow()

	conn.SetReadLimit(maxEntryBytes)

	for {
		var e Entry
		if err := wsjson.Read(ctx, conn, &e); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}

			return fmt.Errorf("reading log entry: %w", err)
		}

		fn(e)
	}
}
