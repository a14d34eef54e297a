package helper

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/google/uuid"
	hcuuid "github.com/hashicorp/go-uuid"
	"github.com/oklog/ulid"
)

// ClientSecretBytes is the entropy of a generated client secret
const ClientSecretBytes = 32

// GenerateClientID returns a new platform client id (random UUID)
func GenerateClientID() string {
	return uuid.NewString()
}

// GenerateClientSecret returns a URL-safe random secret
func GenerateClientSecret() (string, error) {
	b, err := hcuuid.GenerateRandomBytes(ClientSecretBytes)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateRequestID returns a lexically sortable request id
func GenerateRequestID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}

func GenerateShortID() string {
	bytes := make([]byte, 4) // 4 bytes = 8 hex characters
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
