package connect

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/augard/evmaps-sub001/internal/models"
)

// EncryptPassword encrypts plaintext with the identity provider's RSA key
// using PKCS#1 v1.5 padding and returns the ciphertext as lower-case hex.
// The padding is randomized, so repeated calls return different output.
func EncryptPassword(plaintext string, key models.RSAKeyData) (string, error) {
	pub, err := publicKey(key)
	if err != nil {
		return "", authErr(KindEncryptionFailed, err)
	}

	ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(plaintext))
	if err != nil {
		return "", authErr(KindEncryptionFailed, fmt.Errorf("encrypting password: %w", err))
	}

	return hex.EncodeToString(ct), nil
}

// publicKey builds an RSA public key from JWK modulus and exponent.
func publicKey(key models.RSAKeyData) (*rsa.PublicKey, error) {
	if key.KeyType != "" && !strings.EqualFold(key.KeyType, "RSA") {
		return nil, fmt.Errorf("unsupported key type %q", key.KeyType)
	}

	nBytes, err := decodeBase64URL(key.Modulus)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}

	eBytes, err := decodeBase64URL(key.Exponent)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)

	if n.Sign() == 0 || n.BitLen() < 512 {
		return nil, fmt.Errorf("modulus too small (%d bits)", n.BitLen())
	}

	if !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 || e.Bit(0) == 0 {
		return nil, fmt.Errorf("invalid exponent")
	}

	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// decodeBase64URL accepts base64url with or without padding, and falls
// back to standard base64 which some endpoints emit.
func decodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	if s == "" {
		return nil, fmt.Errorf("empty value")
	}

	b, err := base64.RawURLEncoding.DecodeString(s)
	if err == nil {
		return b, nil
	}

	return base64.RawStdEncoding.DecodeString(s)
}
