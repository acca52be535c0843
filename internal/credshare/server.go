package credshare

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/augard/evmaps-sub001/internal/models"
)

const (
	// DefaultAddr is the loopback address the app listens on.
	DefaultAddr = "127.0.0.1:7765"

	// defaultConnTimeout bounds one connection from accept to close.
	defaultConnTimeout = 5 * time.Second
)

// ErrNotLoopback is returned by NewServer for a non-loopback address.
var ErrNotLoopback = errors.New("credshare: listen address must be loopback")

// CredentialSource is the read-only view of the session the server hands
// out. The server never writes to it.
type CredentialSource interface {
	Authorization() (*models.AuthorizationData, error)
	SelectedVIN() (string, error)
}

// ServerState is the lifecycle state of a Server.
type ServerState int32

const (
	StateStopped ServerState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s ServerState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	}

	return fmt.Sprintf("ServerState(%d)", int32(s))
}

// Server is the loopback credential server. Start and Stop are idempotent
// and may be called repeatedly.
type Server struct {
	addr        string
	source      CredentialSource
	logger      *slog.Logger
	connTimeout time.Duration

	password atomic.Pointer[string]
	active   atomic.Int64

	// lifecycle serializes Start and Stop.
	lifecycle sync.Mutex

	mu       sync.Mutex
	state    ServerState
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithConnTimeout sets the per-connection deadline.
func WithConnTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.connTimeout = d
		}
	}
}

// WithServerLogger sets the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a stopped server for addr. Port 0 picks a free port on
// Start.
func NewServer(addr, password string, source CredentialSource, opts ...ServerOption) (*Server, error) {
	if err := checkLoopback(addr); err != nil {
		return nil, err
	}

	s := &Server{
		addr:        addr,
		source:      source,
		logger:      slog.Default(),
		connTimeout: defaultConnTimeout,
		conns:       make(map[net.Conn]struct{}),
	}
	s.password.Store(&password)

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("parsing listen address: %w", err)
	}

	if host == "localhost" {
		return nil
	}

	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%w: %s", ErrNotLoopback, addr)
	}

	return nil
}

// SetPassword rotates the shared password. Connections already past
// authentication are not affected.
func (s *Server) SetPassword(password string) {
	s.password.Store(&password)
	s.logger.Info("credential server password rotated")
}

// State returns the current lifecycle state.
func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	return s.State() == StateRunning
}

// ConnectionCount returns the number of connections being served.
func (s *Server) ConnectionCount() int {
	return int(s.active.Load())
}

// Addr returns the bound address while running, or the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}

	return s.addr
}

// Start begins listening. It is a no-op while already running.
func (s *Server) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return nil
	}

	s.state = StateStarting
	s.mu.Unlock()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()

		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.state = StateRunning
	s.wg.Add(1)
	s.mu.Unlock()

	go s.acceptLoop(ln)

	s.logger.Info("credential server started", slog.String("addr", ln.Addr().String()))

	return nil
}

// Stop closes the listener and every live connection and waits for the
// handlers to exit. It is a no-op when not running.
func (s *Server) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}

	s.state = StateStopping
	ln := s.listener

	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	err := ln.Close()

	s.wg.Wait()

	s.mu.Lock()
	s.listener = nil
	s.state = StateStopped
	s.mu.Unlock()

	s.active.Store(0)

	s.logger.Info("credential server stopped")

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("closing listener: %w", err)
	}

	return nil
}

// Restart stops and starts the server.
func (s *Server) Restart() error {
	if err := s.Stop(); err != nil {
		return err
	}

	return s.Start()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			s.logger.Warn("accepting credential connection", slog.String("error", err.Error()))
			time.Sleep(50 * time.Millisecond)

			continue
		}

		s.mu.Lock()
		if s.state != StateRunning {
			s.mu.Unlock()
			conn.Close()

			continue
		}

		s.conns[conn] = struct{}{}
		s.active.Add(1)
		s.wg.Add(1)
		s.mu.Unlock()

		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer func() {
		conn.Close()

		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()

		s.active.Add(-1)
		s.wg.Done()
	}()

	_ = conn.SetDeadline(time.Now().Add(s.connTimeout))

	resp, ext := s.handle(conn)

	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("encoding credential response", slog.String("error", err.Error()))
		return
	}

	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.logger.Debug("writing credential response",
			slog.String("extension", ext),
			slog.String("error", err.Error()),
		)
	}
}

// handle reads one request and builds its response. It returns the
// extension id for logging.
func (s *Server) handle(conn net.Conn) (response, string) {
	line, err := readLine(conn, maxRequestBytes)
	if err != nil {
		s.logger.Debug("reading credential request", slog.String("error", err.Error()))
		return errorResponse(CodeBadRequest), ""
	}

	var req request
	if err := json.Unmarshal(line, &req); err != nil || req.Version != ProtocolVersion {
		s.logger.Debug("malformed credential request")
		return errorResponse(CodeBadRequest), ""
	}

	password := *s.password.Load()

	// The password check comes first so a rejected caller learns nothing
	// about whether credentials exist.
	if !passwordsEqual(req.Password, password) {
		s.logger.Warn("credential request rejected", slog.String("extension", req.Extension))
		return errorResponse(CodeAuthFailed), req.Extension
	}

	auth, err := s.source.Authorization()
	if err != nil {
		s.logger.Error("reading session for extension",
			slog.String("extension", req.Extension),
			slog.String("error", err.Error()),
		)

		return errorResponse(CodeUnavailable), req.Extension
	}

	if auth == nil {
		s.logger.Info("extension asked for credentials, none stored", slog.String("extension", req.Extension))
		return errorResponse(CodeNoCredentials), req.Extension
	}

	cr := &models.CredentialResponse{Authorization: auth}

	vin, err := s.source.SelectedVIN()
	if err != nil {
		s.logger.Warn("reading selected VIN", slog.String("error", err.Error()))
	} else if vin != "" {
		cr.SelectedVIN = &vin
	}

	payload, err := sealPayload(password, cr)
	if err != nil {
		s.logger.Error("sealing credentials", slog.String("error", err.Error()))
		return errorResponse(CodeBadRequest), req.Extension
	}

	s.logger.Info("served credentials", slog.String("extension", req.Extension))

	return response{Status: statusOK, Payload: payload}, req.Extension
}

func errorResponse(code string) response {
	return response{Status: statusError, Code: code}
}

var errLineTooLong = errors.New("line exceeds size limit")

// readLine reads up to limit bytes until a newline. A line without a
// trailing newline is accepted when the peer closes its write side.
func readLine(r io.Reader, limit int) ([]byte, error) {
	br := bufio.NewReader(io.LimitReader(r, int64(limit)+1))

	line, err := br.ReadBytes('\n')
	if len(line) > limit {
		return nil, errLineTooLong
	}

	if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
		return nil, err
	}

	return bytes.TrimRight(line, "\r\n"), nil
}
