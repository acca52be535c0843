package e2e_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/augard/evmaps-sub001/internal/connect"
	"github.com/augard/evmaps-sub001/internal/credshare"
	"github.com/augard/evmaps-sub001/internal/mcpserver"
	"github.com/augard/evmaps-sub001/internal/models"
	"github.com/augard/evmaps-sub001/internal/session"
	"github.com/augard/evmaps-sub001/internal/state"
	"github.com/augard/evmaps-sub001/internal/vehicle"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testUsername = "driver@example.com"
	testPassword = "hunter2"
	testVIN      = "KNAB1234567890123"
	testSecret   = "e2e-shared-secret"
)

// backend emulates the identity provider and the vehicle API on one
// httptest server. Each token exchange issues a new access token and only
// the latest one is accepted by the vehicle API.
type backend struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey

	mu       sync.Mutex
	issued   int
	valid    string
	logins   int
	statuses int
	battery  int
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	b := &backend{t: t, key: priv, battery: 80}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/user/oauth2/connector/common/authorize", b.handleConnector)
	mux.HandleFunc("/api/v1/clients/", b.handleClients)
	mux.HandleFunc("/auth/api/v2/user/oauth2/authorize", b.handleAuthorize)
	mux.HandleFunc("/auth/api/v1/accounts/encryption/settings", b.handleSettings)
	mux.HandleFunc("/auth/api/v1/accounts/certs", b.handleCerts)
	mux.HandleFunc("/auth/account/signin", b.handleSignIn)
	mux.HandleFunc("/api/v1/user/oauth2/token", b.handleToken)
	mux.HandleFunc("/api/v1/spa/vehicles", b.handleVehicles)
	mux.HandleFunc("/api/v1/spa/vehicles/", b.handleStatus)
	mux.HandleFunc("/api/v1/user/logout", b.handleLogout)

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)

	return b
}

func (b *backend) region() connect.Region {
	return connect.Region{
		Brand:        "kia",
		Name:         "e2e",
		APIBase:      b.srv.URL,
		IDPBase:      b.srv.URL,
		ClientID:     "e2e-client",
		ClientSecret: "e2e-secret",
		AppID:        "e2e-app",
		ConnectorID:  "hmgid2",
		StampKey:     "ZTJlLXN0YW1wLWtleQ==",
		UserAgent:    "evmaps-e2e",
	}
}

func (b *backend) newClient(logger *slog.Logger) *connect.Client {
	return connect.NewClient(connect.NewHTTPCaller(5*time.Second, b.srv.Client().Transport), b.region(), logger)
}

// expire invalidates the current access token.
func (b *backend) expire() {
	b.mu.Lock()
	b.valid = ""
	b.mu.Unlock()
}

func (b *backend) setBattery(level int) {
	b.mu.Lock()
	b.battery = level
	b.mu.Unlock()
}

func (b *backend) counts() (logins, statuses int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.logins, b.statuses
}

func (b *backend) handleConnector(w http.ResponseWriter, r *http.Request) {
	next := b.srv.URL + "/auth/api/v2/user/oauth2/authorize?response_type=code&client_id=e2e-client&connector_session_key=sess_e2e&state=ccsp"
	http.Redirect(w, r, b.srv.URL+"/web/v1/user/authorize?lang=en&next_uri="+url.QueryEscape(next), http.StatusFound)
}

func (b *backend) handleClients(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{
		"clientId": "e2e-client",
		"clientName": "E2E",
		"scope": "openid",
		"connectors": {"hmgid2": {"connectorClientId": "hmgid2-client", "redirectUri": "%[1]s/api/v1/user/oauth2/redirect"}},
		"redirectUris": ["%[1]s/api/v1/user/oauth2/redirect"]
	}`, b.srv.URL)
}

func (b *backend) handleAuthorize(w http.ResponseWriter, _ *http.Request) {
	http.SetCookie(w, &http.Cookie{Name: "account", Value: "e2e_csrf", Path: "/"})
	http.SetCookie(w, &http.Cookie{Name: "SESSION", Value: "idp-session", Path: "/"})
	w.Write([]byte("<html>login</html>"))
}

func (b *backend) handleSettings(w http.ResponseWriter, _ *http.Request) {
	w.Write([]byte(`{"retCode":"S","retValue":{"useEnc":true,"encAlgorithm":"RSA"}}`))
}

func (b *backend) handleCerts(w http.ResponseWriter, _ *http.Request) {
	data, _ := json.Marshal(map[string]any{"retCode": "S", "retValue": models.RSAKeyData{
		KeyType:  "RSA",
		Exponent: base64.RawURLEncoding.EncodeToString(big.NewInt(int64(b.key.E)).Bytes()),
		KeyID:    "kid-e2e",
		Modulus:  base64.RawURLEncoding.EncodeToString(b.key.N.Bytes()),
	}})
	w.Write(data)
}

func (b *backend) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil || r.PostForm.Get("username") != testUsername {
		// A wrong account lands back on the login page without a code.
		http.Redirect(w, r, b.srv.URL+"/web/v1/user/signin?error=invalid", http.StatusFound)
		return
	}

	http.Redirect(w, r, b.srv.URL+"/api/v1/user/oauth2/redirect?code=AUTH_CODE&state=ccsp&login_success=y", http.StatusFound)
}

func (b *backend) handleToken(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	b.issued++
	b.logins++
	b.valid = fmt.Sprintf("access_%d", b.issued)
	token := b.valid
	b.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{
		"access_token": %q,
		"refresh_token": "refresh",
		"token_type": "Bearer",
		"expires_in": 3600,
		"connector": [{"connectorId": "hmgid2", "ccuCCS2ProtocolSupport": 1}]
	}`, token)
}

func (b *backend) authorized(r *http.Request) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.valid != "" && r.Header.Get("Authorization") == "Bearer "+b.valid
}

func (b *backend) handleVehicles(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	fmt.Fprintf(w, `{"retCode":"S","resMsg":{"vehicles":[{"vehicleId":"veh-1","vin":%q,"nickname":"EV6","vehicleName":"EV6 GT","type":"EV","year":"2024","ccuCCS2ProtocolSupport":1}]}}`, testVIN)
}

func (b *backend) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	if !strings.HasSuffix(r.URL.Path, "/veh-1/ccs2/carstatus/latest") {
		http.NotFound(w, r)
		return
	}

	b.mu.Lock()
	b.statuses++
	battery := b.battery
	b.mu.Unlock()

	fmt.Fprintf(w, `{"retCode":"S","resMsg":{"evStatus":{"batteryStatus":%d,"batteryCharge":false}}}`, battery)
}

func (b *backend) handleLogout(w http.ResponseWriter, r *http.Request) {
	if !b.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	b.expire()
	w.Write([]byte(`{"retCode":"S"}`))
}

// appStack is the app process: state store, session manager and the
// credential server.
type appStack struct {
	state    *state.State
	sessions *session.Manager
	vehicles *vehicle.Service
	server   *credshare.Server
}

func newApp(t *testing.T, b *backend, dir string) *appStack {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	st, err := state.Open(filepath.Join(dir, state.DBFile), testSecret)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	client := b.newClient(logger)
	sessions := session.NewManager(st, session.NewLoginRefresher(client, st, logger), logger)

	srv, err := credshare.NewServer("127.0.0.1:0", testSecret, st, credshare.WithServerLogger(logger))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	return &appStack{
		state:    st,
		sessions: sessions,
		vehicles: vehicle.NewService(client, sessions, vehicle.WithSnapshotStore(st), vehicle.WithDefaultVIN(st.SelectedVIN), vehicle.WithLogger(logger)),
		server:   srv,
	}
}

func (a *appStack) login(t *testing.T) models.AuthorizationData {
	t.Helper()

	auth, err := a.sessions.Login(context.Background(), models.LoginCredentials{Username: testUsername, Password: testPassword})
	require.NoError(t, err)
	require.NoError(t, a.state.SetSelectedVIN(testVIN))

	return auth
}

// extension is an assistant process: a credential client feeding a memory
// session and the MCP tools, reached through an in-memory MCP transport.
type extension struct {
	creds    *credshare.Client
	sessions *session.Manager
	session  *mcp.ClientSession
}

func newExtension(t *testing.T, b *backend, addr string, opts ...credshare.ClientOption) *extension {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	opts = append([]credshare.ClientOption{credshare.WithClientLogger(logger), credshare.WithTimeout(time.Second)}, opts...)
	creds := credshare.NewClient(addr, testSecret, "assistant", opts...)
	sessions := session.NewManager(nil, creds, logger)

	svc := vehicle.NewService(b.newClient(logger), sessions,
		vehicle.WithDefaultVIN(func() (string, error) {
			if cr, ok := creds.Cached(); ok && cr.SelectedVIN != nil {
				return *cr.SelectedVIN, nil
			}

			return "", nil
		}),
		vehicle.WithLogger(logger),
	)

	server := mcp.NewServer(&mcp.Implementation{Name: "evmaps-assistant-e2e", Version: "test"}, nil)
	mcpserver.RegisterTools(server, svc)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(&mcp.Implementation{Name: "e2e-client", Version: "test"}, nil)
	cs, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	return &extension{creds: creds, sessions: sessions, session: cs}
}

// call invokes a tool and decodes its JSON text content into dest. It
// returns whether the tool reported an error.
func (e *extension) call(t *testing.T, name string, args map[string]any, dest any) bool {
	t.Helper()

	result, err := e.session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)

	if result.IsError {
		return true
	}

	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))

	return false
}
