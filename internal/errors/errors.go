package errors

import "errors"

// Account errors.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNoCredentials      = errors.New("no credentials stored")
	ErrVehicleNotFound    = errors.New("vehicle not found")
)

// Credential sharing errors.
var (
	ErrCredentialAuthFailed   = errors.New("credential server rejected password")
	ErrServerUnreachable      = errors.New("credential server unreachable")
	ErrCredentialsUnavailable = errors.New("credential server could not read the session")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// IsUnauthorized reports whether err was caused by an expired or rejected
// access token.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
