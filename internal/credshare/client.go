package credshare

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/augard/evmaps-sub001/internal/errors"
	"github.com/augard/evmaps-sub001/internal/models"
)

// DefaultFetchTimeout bounds one FetchCredentials round trip.
const DefaultFetchTimeout = 5 * time.Second

// Client fetches the app's session from a credential server.
type Client struct {
	addr        string
	password    atomic.Pointer[string]
	extensionID string
	timeout     time.Duration
	logger      *slog.Logger
	fallback    CredentialSource
	dialer      net.Dialer

	mu     sync.RWMutex
	cached *models.CredentialResponse
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout overrides DefaultFetchTimeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithFallback sets a source consulted only when the server cannot be
// reached, typically the shared state store opened read-only.
func WithFallback(src CredentialSource) ClientOption {
	return func(c *Client) { c.fallback = src }
}

// WithClientLogger sets the logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates a client. extensionID is sent for the server's logs
// only and plays no part in authentication.
func NewClient(addr, password, extensionID string, opts ...ClientOption) *Client {
	c := &Client{
		addr:        addr,
		extensionID: extensionID,
		timeout:     DefaultFetchTimeout,
		logger:      slog.Default(),
	}
	c.password.Store(&password)

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// FetchCredentials asks the server for the current session. It fails with
// ErrNoCredentials when the app has none, ErrCredentialsUnavailable when the
// app cannot read its store, ErrCredentialAuthFailed when the password is
// rejected and ErrServerUnreachable on connection failures.
func (c *Client) FetchCredentials(ctx context.Context) (*models.CredentialResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cr, err := c.roundTrip(ctx)
	if err != nil {
		if errors.Is(err, apperrors.ErrServerUnreachable) && c.fallback != nil {
			fb, fbErr := c.fromFallback()
			if fbErr == nil {
				c.store(fb)
				return fb, nil
			}

			c.logger.Debug("credential fallback failed", slog.String("error", fbErr.Error()))
		}

		return nil, err
	}

	c.store(cr)

	return cr, nil
}

// SetPassword replaces the password used for later requests.
func (c *Client) SetPassword(password string) {
	c.password.Store(&password)
}

// Cached returns the last successful response.
func (c *Client) Cached() (*models.CredentialResponse, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.cached, c.cached != nil
}

// Refresh re-fetches the app's session. It lets an extension session
// manager recover from an unauthorized API response.
func (c *Client) Refresh(ctx context.Context) (models.AuthorizationData, error) {
	cr, err := c.FetchCredentials(ctx)
	if err != nil {
		return models.AuthorizationData{}, err
	}

	if cr.Authorization == nil {
		return models.AuthorizationData{}, apperrors.ErrNoCredentials
	}

	return *cr.Authorization, nil
}

func (c *Client) store(cr *models.CredentialResponse) {
	c.mu.Lock()
	c.cached = cr
	c.mu.Unlock()
}

func (c *Client) roundTrip(ctx context.Context) (*models.CredentialResponse, error) {
	password := *c.password.Load()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrServerUnreachable, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	data, err := json.Marshal(request{Version: ProtocolVersion, Extension: c.extensionID, Password: password})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("%w: sending request: %w", apperrors.ErrServerUnreachable, err)
	}

	line, err := readLine(conn, maxResponseBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", apperrors.ErrServerUnreachable, err)
	}

	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("%w: decoding credential response: %w", apperrors.ErrAPIResponse, err)
	}

	if resp.Status != statusOK {
		return nil, codeError(resp.Code)
	}

	cr, err := openPayload(password, resp.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrCredentialAuthFailed, err)
	}

	return cr, nil
}

func codeError(code string) error {
	switch code {
	case CodeNoCredentials:
		return apperrors.ErrNoCredentials
	case CodeAuthFailed:
		return apperrors.ErrCredentialAuthFailed
	case CodeUnavailable:
		return apperrors.ErrCredentialsUnavailable
	}

	return fmt.Errorf("%w: credential server returned %q", apperrors.ErrAPIResponse, code)
}

func (c *Client) fromFallback() (*models.CredentialResponse, error) {
	auth, err := c.fallback.Authorization()
	if err != nil {
		return nil, err
	}

	if auth == nil {
		return nil, apperrors.ErrNoCredentials
	}

	cr := &models.CredentialResponse{Authorization: auth}

	if vin, err := c.fallback.SelectedVIN(); err == nil && vin != "" {
		cr.SelectedVIN = &vin
	}

	c.logger.Info("credential server unreachable, using stored session")

	return cr, nil
}
