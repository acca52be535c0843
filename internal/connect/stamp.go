package connect

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// makeStamp builds the request stamp the API expects alongside the access
// token: "<appID>:<unix millis>" XORed with the region stamp key and
// base64 encoded.
func makeStamp(appID, stampKey string, now time.Time) (string, error) {
	raw := []byte(fmt.Sprintf("%s:%d", appID, now.UnixMilli()))

	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(stampKey))
	if err != nil {
		return "", fmt.Errorf("decoding stamp key: %w", err)
	}

	if len(key) == 0 {
		return base64.StdEncoding.EncodeToString(raw), nil
	}

	out := make([]byte, len(raw))
	for i := range raw {
		out[i] = raw[i] ^ key[i%len(key)]
	}

	return base64.StdEncoding.EncodeToString(out), nil
}
