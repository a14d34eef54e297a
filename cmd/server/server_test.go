package server

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stephnangue/tenantauth/config"
	"github.com/stephnangue/tenantauth/credential"
	"github.com/stephnangue/tenantauth/idp/keycloak"
	"github.com/stephnangue/tenantauth/idp/memidp"
	"github.com/stephnangue/tenantauth/logger"
	"github.com/stephnangue/tenantauth/storage"
	"github.com/stephnangue/tenantauth/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildIdentityProvider(t *testing.T) {
	log := logger.NewDiscardLogger()

	cfg := config.DevConfig()
	provider, err := buildIdentityProvider(cfg, log)
	require.NoError(t, err)
	assert.IsType(t, &memidp.Provider{}, provider)

	cfg.IdentityProvider = &config.IdentityProviderBlock{Type: "keycloak", Address: "http://127.0.0.1:8080/"}
	provider, err = buildIdentityProvider(cfg, log)
	require.NoError(t, err)
	assert.IsType(t, &keycloak.Client{}, provider)

	cfg.IdentityProvider = &config.IdentityProviderBlock{Type: "ldap"}
	_, err = buildIdentityProvider(cfg, log)
	assert.ErrorContains(t, err, "unknown identity provider type ldap")
}

func TestBuildIdentityOptions(t *testing.T) {
	cfg := config.DevConfig()
	opts, info, err := buildIdentityOptions(cfg)
	require.NoError(t, err)
	assert.Len(t, opts, 1)
	assert.Equal(t, "ttl=1h0m0s, max_entries=100000", info)

	disabled := false
	cfg.Cache = &config.CacheBlock{Enabled: &disabled}
	opts, info, err = buildIdentityOptions(cfg)
	require.NoError(t, err)
	assert.Empty(t, opts)
	assert.Equal(t, "disabled", info)
}

func TestBuildAuditManager(t *testing.T) {
	cfg := config.DevConfig()
	manager, info, err := buildAuditManager(cfg, logger.NewDiscardLogger())
	require.NoError(t, err)
	assert.Nil(t, manager)
	assert.Equal(t, "none", info)
	assert.NoError(t, closeAudit(manager))

	cfg.Audit = []config.AuditBlock{{Type: "file", FilePath: filepath.Join(t.TempDir(), "audit.log")}}
	manager, info, err = buildAuditManager(cfg, logger.NewDiscardLogger())
	require.NoError(t, err)
	require.NotNil(t, manager)
	assert.Equal(t, "file_0", info)
	assert.NoError(t, closeAudit(manager))

	cfg.Audit = []config.AuditBlock{{Type: "file", SaltFields: []string{"response.secret"}}}
	_, _, err = buildAuditManager(cfg, logger.NewDiscardLogger())
	assert.ErrorContains(t, err, "unknown audit field")
}

func TestInitListeners(t *testing.T) {
	cfg := config.DevConfig()
	var keys []string
	lns, err := initListeners(nil, cfg, logger.NewDiscardLogger(), func(k, v string) { keys = append(keys, k) })
	require.NoError(t, err)
	require.Len(t, lns, 1)
	assert.Equal(t, "api", lns[0].Type())
	assert.Equal(t, "127.0.0.1:8400", lns[0].Addr())
	assert.Equal(t, []string{"api address"}, keys)

	cfg.Listeners = append(cfg.Listeners, config.ListenerBlock{Name: "grpc", Address: ":9000"})
	_, err = initListeners(nil, cfg, logger.NewDiscardLogger(), func(string, string) {})
	assert.Error(t, err)
}

func TestDevBootstrap(t *testing.T) {
	ctx := context.Background()
	backend, err := storage.New(ctx, "inmem", nil, logger.NewDiscardLogger())
	require.NoError(t, err)
	defer backend.Close()

	creds, err := devBootstrap(ctx, backend)
	require.NoError(t, err)

	rec, err := backend.Tenants.Get(ctx, creds.TenantID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, rec.Status)
	assert.True(t, rec.Root())

	platform, err := backend.Credentials.LookupByTypeAndID(ctx, credential.TypePlatform, creds.ClientID)
	require.NoError(t, err)
	assert.True(t, platform.SuperTenant)
	assert.True(t, platform.SuperAdmin)

	var buf bytes.Buffer
	printDevBanner(&buf, creds)
	assert.Contains(t, buf.String(), credential.EncodeClientToken(creds.ClientID, creds.ClientSecret))
}
