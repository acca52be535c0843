package logviewer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	// DefaultShipperBuffer is the number of entries queued while the
	// ingest endpoint is unreachable.
	DefaultShipperBuffer = 256

	shipperReconnectMin = time.Second
	shipperReconnectMax = 30 * time.Second
	shipperWriteTimeout = 5 * time.Second

	// jitterDivisor bounds reconnect jitter to [0, backoff/jitterDivisor).
	jitterDivisor = 2
)

// Shipper forwards log entries to a remote hub's ingest endpoint. Handle
// never blocks: entries are dropped when the queue is full.
type Shipper struct {
	url     string
	token   func() string
	entries chan Entry
	dropped atomic.Int64
	sent    atomic.Int64
	lastErr atomic.Pointer[error]
}

// ShipperOption configures a Shipper.
type ShipperOption func(*Shipper)

// WithBufferSize sets how many entries are queued before dropping.
func WithBufferSize(n int) ShipperOption {
	return func(s *Shipper) {
		if n > 0 {
			s.entries = make(chan Entry, n)
		}
	}
}

// NewShipper creates a shipper for the ingest URL (ws:// or wss://).
// token is called on every connect and sent as a bearer token.
func NewShipper(url string, token func() string, opts ...ShipperOption) *Shipper {
	s := &Shipper{
		url:     url,
		token:   token,
		entries: make(chan Entry, DefaultShipperBuffer),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Handler returns a slog.Handler that queues records at or above level,
// tagged with source.
func (s *Shipper) Handler(source string, level slog.Leveler) slog.Handler {
	if level == nil {
		level = slog.LevelDebug
	}

	return &recordHandler{source: source, level: level, emit: s.enqueue}
}

func (s *Shipper) enqueue(e Entry) {
	select {
	case s.entries <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns the number of entries discarded because the queue was full.
func (s *Shipper) Dropped() int64 { return s.dropped.Load() }

// Sent returns the number of entries written to the ingest endpoint.
func (s *Shipper) Sent() int64 { return s.sent.Load() }

// LastError returns the most recent connection failure, or nil.
func (s *Shipper) LastError() error {
	if p := s.lastErr.Load(); p != nil {
		return *p
	}

	return nil
}

// Run delivers queued entries until ctx is cancelled, reconnecting with
// exponential backoff. It always returns ctx.Err().
func (s *Shipper) Run(ctx context.Context) error {
	backoff := shipperReconnectMin

	var pending *Entry

	for {
		conn, err := s.dial(ctx)
		if err == nil {
			backoff = shipperReconnectMin
			pending, err = s.pump(ctx, conn, pending)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.lastErr.Store(&err)

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: reconnect jitter only

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(backoff*2, shipperReconnectMax)
	}
}

func (s *Shipper) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if s.token != nil {
		if tok := s.token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}

	dialCtx, cancel := context.WithTimeout(ctx, shipperWriteTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, s.url, &websocket.DialOptions{HTTPHeader: header}) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, fmt.Errorf("dialing log ingest: %w", err)
	}

	return conn, nil
}

// pump writes entries until the connection fails or ctx ends. An entry
// that could not be written is returned so it is retried first.
func (s *Shipper) pump(ctx context.Context, conn *websocket.Conn, pending *Entry) (*Entry, error) {
	// The ingest side never sends data; CloseRead handles control frames
	// and cancels closed when the peer goes away.
	closed := conn.CloseRead(ctx)

	defer conn.Close(websocket.StatusNormalClosure, "bye")

	for {
		var e Entry

		if pending != nil {
			e = *pending
		} else {
			select {
			case <-closed.Done():
				return nil, fmt.Errorf("log ingest closed: %w", context.Cause(closed))
			case e = <-s.entries:
			}
		}

		writeCtx, cancel := context.WithTimeout(closed, shipperWriteTimeout)
		err := wsjson.Write(writeCtx, conn, e)
		cancel()

		if err != nil {
			return &e, fmt.Errorf("writing log entry: %w", err)
		}

		pending = nil

		s.sent.Add(1)
	}
}
