// Package session holds the current connect session and retries
// operations once after an unauthorized failure by refreshing it.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/augard/evmaps-sub001/internal/errors"
	"github.com/augard/evmaps-sub001/internal/models"
	"golang.org/x/sync/singleflight"
)

// AuthorizationStore persists the session across restarts.
type AuthorizationStore interface {
	Authorization() (*models.AuthorizationData, error)
	SetAuthorization(auth models.AuthorizationData) error
	ClearAuthorization() error
}

// Refresher produces a new session when the current one is rejected. In
// the app it re-runs the login flow; in an extension it re-fetches the
// app's session over the credential protocol.
type Refresher interface {
	Refresh(ctx context.Context) (models.AuthorizationData, error)
}

// CredentialLoginer is implemented by refreshers that can start a session
// from credentials the user just entered.
type CredentialLoginer interface {
	LoginWith(ctx context.Context, creds models.LoginCredentials) (models.AuthorizationData, error)
}

// SessionEnder is implemented by refreshers that need to tear down backend
// or stored state on logout.
type SessionEnder interface {
	EndSession(ctx context.Context, auth *models.AuthorizationData) error
}

// RefreshTimeout bounds one shared refresh.
const RefreshTimeout = 2 * time.Minute

// ErrLoginUnsupported is returned by Login when the refresher cannot
// perform an interactive login.
var ErrLoginUnsupported = errors.New("session: interactive login not supported")

// Manager owns the in-memory session and serializes refreshes so that
// concurrent unauthorized failures trigger a single login.
type Manager struct {
	store     AuthorizationStore
	refresher Refresher
	logger    *slog.Logger

	mu      sync.RWMutex
	current *models.AuthorizationData

	group singleflight.Group
}

// NewManager creates a Manager. store may be nil for a memory-only session.
// A persisted session is loaded eagerly.
func NewManager(store AuthorizationStore, refresher Refresher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{store: store, refresher: refresher, logger: logger}

	if store != nil {
		auth, err := store.Authorization()
		if err != nil {
			logger.Warn("loading persisted session", slog.String("error", err.Error()))
		} else {
			m.current = auth
		}
	}

	return m
}

// Current returns the active session.
func (m *Manager) Current() (models.AuthorizationData, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current == nil {
		return models.AuthorizationData{}, false
	}

	return *m.current, true
}

// Set replaces the session in memory and in the store.
func (m *Manager) Set(auth models.AuthorizationData) error {
	if m.store != nil {
		if err := m.store.SetAuthorization(auth); err != nil {
			return fmt.Errorf("persisting session: %w", err)
		}
	}

	m.mu.Lock()
	m.current = &auth
	m.mu.Unlock()

	return nil
}

// Clear drops the session from memory and the store.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.current = nil
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.ClearAuthorization(); err != nil {
			return fmt.Errorf("clearing session: %w", err)
		}
	}

	return nil
}

// Login starts a session from explicit credentials.
func (m *Manager) Login(ctx context.Context, creds models.LoginCredentials) (models.AuthorizationData, error) {
	l, ok := m.refresher.(CredentialLoginer)
	if !ok {
		return models.AuthorizationData{}, ErrLoginUnsupported
	}

	auth, err := l.LoginWith(ctx, creds)
	if err != nil {
		return models.AuthorizationData{}, err
	}

	if err := m.Set(auth); err != nil {
		return models.AuthorizationData{}, err
	}

	m.logger.Info("logged in", slog.String("device_id", auth.DeviceID.String()))

	return auth, nil
}

// Logout ends the session. Backend or store teardown failures are logged;
// the local session is always cleared.
func (m *Manager) Logout(ctx context.Context) error {
	var cur *models.AuthorizationData
	if auth, ok := m.Current(); ok {
		cur = &auth
	}

	if e, ok := m.refresher.(SessionEnder); ok {
		if err := e.EndSession(ctx, cur); err != nil {
			m.logger.Warn("ending session", slog.String("error", err.Error()))
		}
	}

	return m.Clear()
}

// Refresh obtains a new session to replace staleToken. When another caller
// has already replaced it, the current session is returned without a new
// refresh. Concurrent callers share one refresh, which runs detached from
// any single caller's context and is bounded by RefreshTimeout; a caller
// whose ctx ends stops waiting without cancelling it for the others. A
// refresh that fails because no usable credentials exist clears the
// session.
func (m *Manager) Refresh(ctx context.Context, staleToken string) (models.AuthorizationData, error) {
	if cur, ok := m.replaced(staleToken); ok {
		return cur, nil
	}

	ch := m.group.DoChan("refresh", func() (any, error) {
		if cur, ok := m.replaced(staleToken); ok {
			return cur, nil
		}

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), RefreshTimeout)
		defer cancel()

		auth, err := m.refresher.Refresh(rctx)
		if err != nil {
			if errors.Is(err, apperrors.ErrNoCredentials) || errors.Is(err, apperrors.ErrInvalidCredentials) {
				if clearErr := m.Clear(); clearErr != nil {
					m.logger.Warn("clearing session after failed refresh", slog.String("error", clearErr.Error()))
				}
			}

			return nil, err
		}

		if err := m.Set(auth); err != nil {
			return nil, err
		}

		return auth, nil
	})

	select {
	case <-ctx.Done():
		return models.AuthorizationData{}, fmt.Errorf("waiting for session refresh: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return models.AuthorizationData{}, res.Err
		}

		if res.Shared {
			m.logger.Debug("joined in-flight session refresh")
		}

		return res.Val.(models.AuthorizationData), nil
	}
}

// replaced reports whether the current session differs from staleToken.
func (m *Manager) replaced(staleToken string) (models.AuthorizationData, bool) {
	cur, ok := m.Current()
	if !ok || cur.AccessToken == staleToken {
		return models.AuthorizationData{}, false
	}

	return cur, true
}

// Execute runs op with the current session. If op fails as unauthorized,
// the session is refreshed once and op is retried exactly once. A failed
// refresh returns op's original error. If the retry is unauthorized too,
// the session is cleared. Other errors are returned untouched.
func Execute[T any](ctx context.Context, m *Manager, op func(ctx context.Context, auth models.AuthorizationData) (T, error)) (T, error) {
	var zero T

	auth, ok := m.Current()

	var firstErr error

	if ok {
		res, err := op(ctx, auth)
		if err == nil || !apperrors.IsUnauthorized(err) {
			return res, err
		}

		firstErr = err
	} else {
		firstErr = fmt.Errorf("%w: no active session", apperrors.ErrUnauthorized)
	}

	m.logger.Info("session rejected, refreshing", slog.String("error", firstErr.Error()))

	fresh, err := m.Refresh(ctx, auth.AccessToken)
	if err != nil {
		m.logger.Warn("session refresh failed", slog.String("error", err.Error()))
		return zero, firstErr
	}

	res, err := op(ctx, fresh)
	if err != nil && apperrors.IsUnauthorized(err) {
		m.logger.Warn("session still rejected after refresh, logging out")

		if clearErr := m.Clear(); clearErr != nil {
			m.logger.Warn("clearing session", slog.String("error", clearErr.Error()))
		}
	}

	return res, err
}
