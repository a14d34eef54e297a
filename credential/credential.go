package credential

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ProviderType identifies which identity provider a credential record belongs to.
type ProviderType string

const (
	TypePlatform       ProviderType = "PLATFORM"
	TypeIAM            ProviderType = "IAM"
	TypeFederatedLogin ProviderType = "FEDERATED_LOGIN"
	TypeAgent          ProviderType = "AGENT"
	TypeAgentClient    ProviderType = "AGENT_CLIENT"
	TypeIndividual     ProviderType = "INDIVIDUAL"
)

// ParseProviderType is case-insensitive
func ParseProviderType(s string) (ProviderType, error) {
	t := ProviderType(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case TypePlatform, TypeIAM, TypeFederatedLogin, TypeAgent, TypeAgentClient, TypeIndividual:
		return t, nil
	}
	return "", ErrUnknownType
}

// Singleton reports whether a tenant may own at most one record of this type.
func (t ProviderType) Singleton() bool {
	return t == TypePlatform || t == TypeIAM
}

var (
	// ErrNotFound is returned when no record matches a lookup
	ErrNotFound = errors.New("credential not found")

	// ErrUnknownType is returned for provider types outside the known set
	ErrUnknownType = errors.New("unknown credential type")

	// ErrMalformedToken is returned when a bearer token has neither the
	// client-credential nor the user-token shape
	ErrMalformedToken = errors.New("malformed token")

	// ErrSecretMismatch is returned when a client token carries a wrong secret
	ErrSecretMismatch = errors.New("client secret mismatch")

	// ErrTokenExpired is returned for a user token past its exp claim, or
	// with no exp claim at all
	ErrTokenExpired = errors.New("token expired")
)

// Record is one credential owned by a tenant.
type Record struct {
	ID             string
	Secret         string
	InternalSecret string
	OwnerID        int64
	Type           ProviderType

	IssuedAt        time.Time
	SecretExpiresAt time.Time // zero means the secret never expires

	SuperAdmin  bool
	SuperTenant bool
}

// Expired reports whether the secret has an expiry at or before now.
func (r *Record) Expired(now time.Time) bool {
	return !r.SecretExpiresAt.IsZero() && !now.Before(r.SecretExpiresAt)
}

// TokenCredentials is the result of resolving a bearer token: every record of
// the owning tenant plus, for end-user tokens, who the requester is.
//
// UserToken is set when the token was an end-user JWT. Such a token is not
// signature checked by the Store; the caller must confirm the session with the
// identity provider before trusting it.
type TokenCredentials struct {
	Records           []Record
	RequesterUsername string
	RequesterEmail    string
	UserToken         bool
}

// Store is the credential store the resolver and the activation workflow
// depend on. Implementations enforce one PLATFORM and one IAM record per
// owner by replacing on Put.
type Store interface {
	LookupByToken(ctx context.Context, token string) (*TokenCredentials, error)
	LookupByOwner(ctx context.Context, ownerID int64) ([]Record, error)
	LookupByTypeAndID(ctx context.Context, typ ProviderType, id string) (*Record, error)
	LookupByOwnerAndType(ctx context.Context, ownerID int64, typ ProviderType) (*Record, error)
	Put(ctx context.Context, record Record) error
	DeleteAllForOwner(ctx context.Context, ownerID int64) error
}
