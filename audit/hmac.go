package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HMACer salts values with HMAC-SHA256
type HMACer struct {
	key []byte
}

func NewHMACer(key string) *HMACer {
	return &HMACer{key: []byte(key)}
}

// Salt returns the hex HMAC of data prefixed with "hmac-sha256:". Empty input
// stays empty.
func (h *HMACer) Salt(_ context.Context, data string) (string, error) {
	if data == "" {
		return "", nil
	}
	mac := hmac.New(sha256.New, h.key)
	if _, err := mac.Write([]byte(data)); err != nil {
		return "", fmt.Errorf("failed to compute HMAC: %w", err)
	}
	return "hmac-sha256:" + hex.EncodeToString(mac.Sum(nil)), nil
}

func (h *HMACer) SaltFunc() SaltFunc {
	return h.Salt
}
