package state

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// keyLen is the derived AES-256 key length in bytes.
	keyLen = 32

	// saltLen is the length of the random per-database salt.
	saltLen = 16
)

// scryptN is the CPU/memory cost parameter (2^15). Tests lower it.
var scryptN = 32768

// deriveKey derives the store key from the shared secret and the database
// salt. The secret is normalized to NFKC before hashing.
func deriveKey(secret string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(norm.NFKC.String(secret)), salt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return gcm, nil
}

// seal encrypts plaintext with a random nonce. The entry name is bound as
// additional data so sealed values cannot be swapped between keys.
// Format: [12-byte nonce][ciphertext+tag]
func seal(aead cipher.AEAD, name, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, name), nil
}

func open(aead cipher.AEAD, name, data []byte) ([]byte, error) {
	n := aead.NonceSize()
	if len(data) < n+aead.Overhead() {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}

	plaintext, err := aead.Open(nil, data[:n], data[n:], name)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}

	return plaintext, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}

	return b, nil
}
