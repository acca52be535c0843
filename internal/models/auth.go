// Package models defines types shared across internal packages.
package models

import "github.com/google/uuid"

// AuthorizationData is the session issued by a successful login. It is
// immutable once issued; a refresh replaces it wholesale.
type AuthorizationData struct {
	Stamp              string    `json:"stamp"`
	DeviceID           uuid.UUID `json:"deviceId"`
	AccessToken        string    `json:"accessToken"`
	ExpiresIn          int       `json:"expiresIn"`
	RefreshToken       string    `json:"refreshToken"`
	IsCcuCCS2Supported bool      `json:"isCcuCCS2Supported"`
}

// LoginCredentials are the plaintext account credentials entered by the
// user. They are persisted so a session can be re-established silently.
type LoginCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RSAKeyData is the public key published by the identity provider for
// password encryption. Modulus and exponent are base64url encoded.
type RSAKeyData struct {
	KeyType  string `json:"kty"`
	Exponent string `json:"e"`
	KeyID    string `json:"kid"`
	Modulus  string `json:"n"`
}

// CredentialResponse is what the local credential server hands to
// extensions.
type CredentialResponse struct {
	Authorization *AuthorizationData `json:"authorization,omitempty"`
	SelectedVIN   *string            `json:"selectedVIN,omitempty"`
}
