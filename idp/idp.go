// Package idp describes the identity provider the platform provisions tenants
// into. Each tenant is a realm holding one confidential client.
package idp

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrRealmNotFound = errors.New("realm not found")
	ErrInvalidClient = errors.New("invalid client credentials")
)

// ProviderClientInfo is the confidential client created for a tenant realm
type ProviderClientInfo struct {
	ClientID        string
	ClientSecret    string
	TenantID        int64
	IssuedAt        time.Time
	SecretExpiresAt time.Time
}

// AccessToken is a service-account token
type AccessToken struct {
	Token     string
	ExpiresIn time.Duration
}

// UserRepresentation is a user as the identity provider reports it
type UserRepresentation struct {
	ID          string
	Username    string
	FirstName   string
	LastName    string
	Email       string
	RealmRoles  []string
	ClientRoles []string
	Attributes  map[string][]string
}

// Adapter is the identity provider boundary. EnsureRealmClient must be
// idempotent: calling it again for the same tenant returns the existing client.
type Adapter interface {
	EnsureRealmClient(ctx context.Context, tenantID int64, clientID, baseURL string, redirectURIs []string) (*ProviderClientInfo, error)
	ServiceAccountToken(ctx context.Context, clientID, clientSecret string, tenantID int64) (*AccessToken, error)
	UserByUsername(ctx context.Context, accessToken string, tenantID int64, username string) (*UserRepresentation, error)
	IsUserAuthenticated(ctx context.Context, tenantID int64, username, token string) (bool, error)
	DeleteRealm(ctx context.Context, tenantID int64) error
}
