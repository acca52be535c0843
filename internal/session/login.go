package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apperrors "github.com/augard/evmaps-sub001/internal/errors"
	"github.com/augard/evmaps-sub001/internal/models"
	"github.com/google/uuid"
)

// Authenticator runs the connect login flow.
type Authenticator interface {
	Login(ctx context.Context, creds models.LoginCredentials, deviceID uuid.UUID) (models.AuthorizationData, error)
	Logout(ctx context.Context, auth models.AuthorizationData) error
}

// CredentialStore persists the account credentials and device id.
type CredentialStore interface {
	LoginCredentials() (*models.LoginCredentials, error)
	SetLoginCredentials(creds models.LoginCredentials) error
	ClearLoginCredentials() error
	DeviceID() (uuid.UUID, error)
}

// LoginRefresher refreshes the app's session by logging in again with the
// stored credentials.
type LoginRefresher struct {
	auth   Authenticator
	creds  CredentialStore
	logger *slog.Logger
}

// NewLoginRefresher creates a LoginRefresher.
func NewLoginRefresher(auth Authenticator, creds CredentialStore, logger *slog.Logger) *LoginRefresher {
	if logger == nil {
		logger = slog.Default()
	}

	return &LoginRefresher{auth: auth, creds: creds, logger: logger}
}

// Refresh logs in with the stored credentials. It fails with
// ErrNoCredentials when none are stored, and clears them when the backend
// rejects them.
func (r *LoginRefresher) Refresh(ctx context.Context) (models.AuthorizationData, error) {
	creds, err := r.creds.LoginCredentials()
	if err != nil {
		return models.AuthorizationData{}, fmt.Errorf("loading credentials: %w", err)
	}

	if creds == nil {
		return models.AuthorizationData{}, apperrors.ErrNoCredentials
	}

	deviceID, err := r.creds.DeviceID()
	if err != nil {
		return models.AuthorizationData{}, fmt.Errorf("loading device id: %w", err)
	}

	auth, err := r.auth.Login(ctx, *creds, deviceID)
	if err != nil {
		if errors.Is(err, apperrors.ErrInvalidCredentials) {
			r.logger.Warn("stored credentials rejected, discarding them")

			if clearErr := r.creds.ClearLoginCredentials(); clearErr != nil {
				r.logger.Warn("clearing credentials", slog.String("error", clearErr.Error()))
			}
		}

		return models.AuthorizationData{}, err
	}

	return auth, nil
}

// LoginWith logs in with credentials entered by the user and stores them
// once the backend accepts them.
func (r *LoginRefresher) LoginWith(ctx context.Context, creds models.LoginCredentials) (models.AuthorizationData, error) {
	deviceID, err := r.creds.DeviceID()
	if err != nil {
		return models.AuthorizationData{}, fmt.Errorf("loading device id: %w", err)
	}

	auth, err := r.auth.Login(ctx, creds, deviceID)
	if err != nil {
		return models.AuthorizationData{}, err
	}

	if err := r.creds.SetLoginCredentials(creds); err != nil {
		return models.AuthorizationData{}, fmt.Errorf("storing credentials: %w", err)
	}

	return auth, nil
}

// EndSession logs out on the backend when a session exists and forgets the
// stored credentials.
func (r *LoginRefresher) EndSession(ctx context.Context, auth *models.AuthorizationData) error {
	var logoutErr error
	if auth != nil {
		logoutErr = r.auth.Logout(ctx, *auth)
	}

	if err := r.creds.ClearLoginCredentials(); err != nil {
		return errors.Join(logoutErr, fmt.Errorf("clearing credentials: %w", err))
	}

	return logoutErr
}
