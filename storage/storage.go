// Package storage provides the credential, tenant and profile stores: an
// in-memory backend for development and tests, and SQL backends through bun.
package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/stephnangue/tenantauth/credential"
	"github.com/stephnangue/tenantauth/helper"
	"github.com/stephnangue/tenantauth/logger"
	"github.com/stephnangue/tenantauth/profile"
	"github.com/stephnangue/tenantauth/tenant"
)

// Backend groups the three stores served by one storage engine
type Backend struct {
	Credentials credential.Store
	Tenants     tenant.Directory
	Profiles    profile.Store

	closer func() error
}

func (b *Backend) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer()
}

// Factory creates a Backend from the key/value settings of a storage block
type Factory func(ctx context.Context, config map[string]string, log *logger.GatedLogger) (*Backend, error)

// BuiltinBackends lists the storage types accepted in configuration
var BuiltinBackends = map[string]Factory{
	"inmem":    NewInmemBackend,
	"sqlite":   NewSQLiteBackend,
	"postgres": NewPostgresBackend,
}

// New builds the backend registered under typ
func New(ctx context.Context, typ string, config map[string]string, log *logger.GatedLogger) (*Backend, error) {
	factory, ok := BuiltinBackends[typ]
	if !ok {
		names := make([]string, 0, len(BuiltinBackends))
		for name := range BuiltinBackends {
			names = append(names, name)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown storage type %q (supported: %v)", typ, names)
	}
	return factory(ctx, config, log)
}

// recordFinder is the part of a credential store token resolution needs
type recordFinder interface {
	LookupByTypeAndID(ctx context.Context, typ credential.ProviderType, id string) (*credential.Record, error)
	LookupByOwner(ctx context.Context, ownerID int64) ([]credential.Record, error)
}

// resolveToken maps a bearer token to the records of the tenant it belongs
// to. A client token must carry the PLATFORM secret. A user token must be
// signed and unexpired and names the platform client it was issued for; the
// result is flagged UserToken so the caller confirms the session upstream.
// Any mismatch yields an empty result, never a partial one.
func resolveToken(ctx context.Context, finder recordFinder, token string, now time.Time) (*credential.TokenCredentials, error) {
	subject, err := credential.ParseTokenAt(token, now)
	if err != nil {
		return nil, err
	}

	platform, err := finder.LookupByTypeAndID(ctx, credential.TypePlatform, subject.ClientID)
	if err != nil {
		return nil, err
	}

	if subject.Kind == credential.SubjectClient {
		if !helper.SecretsEqual(platform.Secret, subject.ClientSecret) {
			return nil, credential.ErrSecretMismatch
		}
	}
	if platform.Expired(now) {
		return &credential.TokenCredentials{}, nil
	}

	records, err := finder.LookupByOwner(ctx, platform.OwnerID)
	if err != nil {
		return nil, err
	}
	return &credential.TokenCredentials{
		Records:           records,
		RequesterUsername: subject.Username,
		RequesterEmail:    subject.Email,
		UserToken:         subject.Kind == credential.SubjectUser,
	}, nil
}
