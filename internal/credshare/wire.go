// Package credshare shares the app's session with extensions over a
// loopback TCP connection guarded by a shared secret.
//
// Each connection carries exactly one exchange. The client writes one
// newline-terminated JSON request:
//
//	{"version":1,"extension":"carplay","password":"..."}
//
// and the server answers with one JSON line, either
//
//	{"status":"ok","payload":"<base64 sealed CredentialResponse>"}
//
// or
//
//	{"status":"error","code":"noCredentials"}
//
// The payload is AES-256-GCM sealed under a key derived from the shared
// password with HKDF-SHA256.
package credshare

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/augard/evmaps-sub001/internal/models"
	"golang.org/x/crypto/hkdf"
)

const (
	// ProtocolVersion is the only request version the server accepts.
	ProtocolVersion = 1

	// maxRequestBytes caps one request line.
	maxRequestBytes = 4 * 1024

	// maxResponseBytes caps one response line read by the client.
	maxResponseBytes = 64 * 1024

	// payloadKeyInfo is the HKDF info string for the payload key.
	payloadKeyInfo = "evmaps-credshare"

	statusOK    = "ok"
	statusError = "error"
)

// Error codes carried in error responses.
const (
	CodeNoCredentials = "noCredentials"
	CodeAuthFailed    = "authFailed"
	CodeBadRequest    = "badRequest"
	CodeUnavailable   = "unavailable"
)

type request struct {
	Version   int    `json:"version"`
	Extension string `json:"extension"`
	Password  string `json:"password"`
}

type response struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Payload string `json:"payload,omitempty"`
}

// payloadKey derives the 32-byte payload key from the shared password.
func payloadKey(password string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(password), nil, []byte(payloadKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving payload key: %w", err)
	}

	return key, nil
}

func payloadAEAD(password string) (cipher.AEAD, error) {
	key, err := payloadKey(password)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	return cipher.NewGCM(block)
}

// sealPayload encodes and seals a credential response.
// Format: base64([12-byte nonce][ciphertext+tag])
func sealPayload(password string, cr *models.CredentialResponse) (string, error) {
	plaintext, err := json.Marshal(cr)
	if err != nil {
		return "", fmt.Errorf("encoding credentials: %w", err)
	}

	aead, err := payloadAEAD(password)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	return base64.StdEncoding.EncodeToString(aead.Seal(nonce, nonce, plaintext, nil)), nil
}

// openPayload reverses sealPayload.
func openPayload(password, payload string) (*models.CredentialResponse, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding payload: %w", err)
	}

	aead, err := payloadAEAD(password)
	if err != nil {
		return nil, err
	}

	n := aead.NonceSize()
	if len(data) < n+aead.Overhead() {
		return nil, fmt.Errorf("payload too short: %d bytes", len(data))
	}

	plaintext, err := aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("opening payload: %w", err)
	}

	var cr models.CredentialResponse
	if err := json.Unmarshal(plaintext, &cr); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}

	return &cr, nil
}

// passwordsEqual compares in constant time regardless of length.
func passwordsEqual(got, want string) bool {
	g := sha256.Sum256([]byte(got))
	w := sha256.Sum256([]byte(want))

	return subtle.ConstantTimeCompare(g[:], w[:]) == 1
}
