package connect

import (
	"errors"
	"fmt"

	apperrors "github.com/augard/evmaps-sub001/internal/errors"
)

// AuthErrorKind identifies the login step that failed.
type AuthErrorKind int

const (
	KindClientConfigurationFailed AuthErrorKind = iota + 1
	KindEncryptionSettingsFailed
	KindCertificateRetrievalFailed
	KindOAuth2InitializationFailed
	KindSignInFailed
	KindAuthorizationCodeNotFound
	KindTokenExchangeFailed
	KindCSRFTokenNotFound
	KindSessionKeyNotFound
	KindEncryptionFailed
)

var kindNames = map[AuthErrorKind]string{
	KindClientConfigurationFailed:  "clientConfigurationFailed",
	KindEncryptionSettingsFailed:   "encryptionSettingsFailed",
	KindCertificateRetrievalFailed: "certificateRetrievalFailed",
	KindOAuth2InitializationFailed: "oauth2InitializationFailed",
	KindSignInFailed:               "signInFailed",
	KindAuthorizationCodeNotFound:  "authorizationCodeNotFound",
	KindTokenExchangeFailed:        "tokenExchangeFailed",
	KindCSRFTokenNotFound:          "csrfTokenNotFound",
	KindSessionKeyNotFound:         "sessionKeyNotFound",
	KindEncryptionFailed:           "encryptionFailed",
}

var kindDescriptions = map[AuthErrorKind]string{
	KindClientConfigurationFailed:  "failed to retrieve client configuration",
	KindEncryptionSettingsFailed:   "failed to retrieve password encryption settings",
	KindCertificateRetrievalFailed: "failed to retrieve RSA certificate",
	KindOAuth2InitializationFailed: "failed to initialize OAuth2 session",
	KindSignInFailed:               "sign-in failed",
	KindAuthorizationCodeNotFound:  "authorization code not found in sign-in redirect",
	KindTokenExchangeFailed:        "failed to exchange authorization code for token",
	KindCSRFTokenNotFound:          "CSRF token not found",
	KindSessionKeyNotFound:         "connector session key not found",
	KindEncryptionFailed:           "failed to encrypt password",
}

func (k AuthErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}

	return fmt.Sprintf("AuthErrorKind(%d)", int(k))
}

// AuthError reports which login step failed. Err is the underlying cause
// and may be nil.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	desc, ok := kindDescriptions[e.Kind]
	if !ok {
		desc = e.Kind.String()
	}

	if e.Err != nil {
		return desc + ": " + e.Err.Error()
	}

	return desc
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrInvalidCredentials) match a sign-in redirect
// that carries no code. A sign-in rejected with 400 or 401 matches through
// its wrapped cause.
func (e *AuthError) Is(target error) bool {
	return target == apperrors.ErrInvalidCredentials && e.Kind == KindAuthorizationCodeNotFound
}

func authErr(kind AuthErrorKind, err error) *AuthError {
	return &AuthError{Kind: kind, Err: err}
}

// AuthErrorKindOf returns the kind of the first AuthError in err's chain.
func AuthErrorKindOf(err error) (AuthErrorKind, bool) {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind, true
	}

	return 0, false
}
