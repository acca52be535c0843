package credshare

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	apperrors "github.com/augard/evmaps-sub001/internal/errors"
	"github.com/augard/evmaps-sub001/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "shared-test-password"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memSource is an in-memory CredentialSource.
type memSource struct {
	mu   sync.Mutex
	auth *models.AuthorizationData
	vin  string
	err  error
}

func (m *memSource) Authorization() (*models.AuthorizationData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.auth == nil {
		return nil, nil
	}
	a := *m.auth
	return &a, nil
}

func (m *memSource) SelectedVIN() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vin, nil
}

func (m *memSource) set(auth *models.AuthorizationData, vin string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.auth = auth
	m.vin = vin
}

var testAuth = models.AuthorizationData{
	Stamp:              "stamp-xyz",
	DeviceID:           uuid.MustParse("0f8fad5b-d9cb-469f-a165-70867728950e"),
	AccessToken:        "access_123",
	ExpiresIn:          3600,
	RefreshToken:       "refresh_456",
	IsCcuCCS2Supported: true,
}

func startServer(t *testing.T, src CredentialSource, opts ...ServerOption) *Server {
	t.Helper()

	opts = append([]ServerOption{WithServerLogger(testLogger())}, opts...)
	srv, err := NewServer("127.0.0.1:0", testPassword, src, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return srv
}

// rawExchange writes payload and returns the server's reply line.
func rawExchange(t *testing.T, addr, payload string) response {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))
	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)

	var resp response
	require.NoError(t, json.Unmarshal(line, &resp))

	return resp
}

// --- construction ---

func TestNewServer_RejectsNonLoopback(t *testing.T) {
	for _, addr := range []string{"0.0.0.0:7765", "192.168.1.10:7765", ":7765", "example.com:7765", "garbage"} {
		_, err := NewServer(addr, testPassword, &memSource{})
		assert.Error(t, err, addr)
	}

	_, err := NewServer("0.0.0.0:7765", testPassword, &memSource{})
	assert.ErrorIs(t, err, ErrNotLoopback)

	for _, addr := range []string{"127.0.0.1:0", "localhost:0", "[::1]:0"} {
		_, err := NewServer(addr, testPassword, &memSource{})
		assert.NoError(t, err, addr)
	}
}

// --- lifecycle ---

func TestServer_StartTwiceIsNoop(t *testing.T) {
	srv := startServer(t, &memSource{})
	addr := srv.Addr()

	require.NoError(t, srv.Start())
	assert.True(t, srv.IsRunning())
	assert.Equal(t, StateRunning, srv.State())
	assert.Equal(t, addr, srv.Addr())
}

func TestServer_StopTwiceIsNoop(t *testing.T) {
	srv := startServer(t, &memSource{})

	require.NoError(t, srv.Stop())
	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
	assert.Equal(t, StateStopped, srv.State())
	assert.Equal(t, 0, srv.ConnectionCount())
}

func TestServer_StopBeforeStartIsNoop(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", testPassword, &memSource{})
	require.NoError(t, err)
	assert.NoError(t, srv.Stop())
	assert.Equal(t, "127.0.0.1:0", srv.Addr())
}

func TestServer_StopReleasesListener(t *testing.T) {
	srv := startServer(t, &memSource{})
	addr := srv.Addr()

	require.NoError(t, srv.Stop())

	_, err := net.DialTimeout("tcp", addr, 500*time.Millisecond)
	assert.Error(t, err)
}

func TestServer_RepeatedRestartsLeaveNoConnections(t *testing.T) {
	src := &memSource{}
	src.set(&testAuth, "")
	srv := startServer(t, src)

	for i := 0; i < 10; i++ {
		require.NoError(t, srv.Restart())

		c := NewClient(srv.Addr(), testPassword, "carplay", WithClientLogger(testLogger()))
		_, err := c.FetchCredentials(context.Background())
		require.NoError(t, err)
	}

	require.NoError(t, srv.Stop())
	assert.Equal(t, 0, srv.ConnectionCount())
}

func TestServer_StopClosesIdleConnections(t *testing.T) {
	srv := startServer(t, &memSource{}, WithConnTimeout(time.Minute))

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return srv.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- srv.Stop() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return while a connection was idle")
	}

	assert.Equal(t, 0, srv.ConnectionCount())
}

// --- request handling ---

func TestServer_MalformedRequestRejected(t *testing.T) {
	src := &memSource{}
	src.set(&testAuth, "")
	srv := startServer(t, src)

	resp := rawExchange(t, srv.Addr(), "this is not json\n")
	assert.Equal(t, statusError, resp.Status)
	assert.Equal(t, CodeBadRequest, resp.Code)

	resp = rawExchange(t, srv.Addr(), `{"version":99,"extension":"x","password":"`+testPassword+`"}`+"\n")
	assert.Equal(t, CodeBadRequest, resp.Code)

	// The listener keeps serving.
	c := NewClient(srv.Addr(), testPassword, "carplay")
	_, err := c.FetchCredentials(context.Background())
	require.NoError(t, err)
}

func TestServer_OversizedRequestRejected(t *testing.T) {
	srv := startServer(t, &memSource{})

	resp := rawExchange(t, srv.Addr(), strings.Repeat("a", maxRequestBytes+1))
	assert.Equal(t, CodeBadRequest, resp.Code)
}

func TestServer_ClientDisconnectMidRequest(t *testing.T) {
	src := &memSource{}
	src.set(&testAuth, "")
	srv := startServer(t, src)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	_, err = conn.Write([]byte(`{"version":1,"extens`))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return srv.ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)

	c := NewClient(srv.Addr(), testPassword, "carplay")
	_, err = c.FetchCredentials(context.Background())
	require.NoError(t, err)
}

func TestServer_WrongPasswordDoesNotLeakState(t *testing.T) {
	empty := startServer(t, &memSource{})

	full := &memSource{}
	full.set(&testAuth, "VIN1")
	loaded := startServer(t, full)

	req := `{"version":1,"extension":"carplay","password":"wrong"}` + "\n"

	a := rawExchange(t, empty.Addr(), req)
	b := rawExchange(t, loaded.Addr(), req)

	assert.Equal(t, a, b)
	assert.Equal(t, CodeAuthFailed, a.Code)
	assert.Empty(t, a.Payload)
}

func TestServer_SourceErrorReportsUnavailable(t *testing.T) {
	srv := startServer(t, &memSource{err: errors.New("store locked")})

	c := NewClient(srv.Addr(), testPassword, "carplay")
	_, err := c.FetchCredentials(context.Background())
	require.ErrorIs(t, err, apperrors.ErrCredentialsUnavailable)
	assert.NotErrorIs(t, err, apperrors.ErrNoCredentials)
}

func TestServer_SetPasswordRotates(t *testing.T) {
	src := &memSource{}
	src.set(&testAuth, "")
	srv := startServer(t, src)

	srv.SetPassword("rotated")

	_, err := NewClient(srv.Addr(), testPassword, "carplay").FetchCredentials(context.Background())
	assert.Error(t, err)

	cr, err := NewClient(srv.Addr(), "rotated", "carplay").FetchCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access_123", cr.Authorization.AccessToken)
}

func TestServerState_String(t *testing.T) {
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "ServerState(9)", ServerState(9).String())
}

func TestReadLine(t *testing.T) {
	line, err := readLine(strings.NewReader("hello\r\nrest"), 16)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(line))

	line, err = readLine(strings.NewReader("no newline"), 16)
	require.NoError(t, err)
	assert.Equal(t, "no newline", string(line))

	_, err = readLine(strings.NewReader(strings.Repeat("x", 20)), 16)
	assert.ErrorIs(t, err, errLineTooLong)

	_, err = readLine(strings.NewReader(""), 16)
	assert.ErrorIs(t, err, io.EOF)
}
