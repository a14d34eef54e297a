package claim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stephnangue/tenantauth/credential"
	"github.com/stephnangue/tenantauth/logical"
	"github.com/stephnangue/tenantauth/storage"
	"github.com/stephnangue/tenantauth/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	creds    *storage.InmemCredentialStore
	tenants  *storage.InmemTenantDirectory
	sessions *sessionVerifier
	resolver *Resolver
}

// sessionVerifier accepts the tokens it has been told about
type sessionVerifier struct {
	mu       sync.Mutex
	sessions map[string]string // token -> username
	err      error
	calls    int
}

func (v *sessionVerifier) login(token, username string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sessions[token] = username
}

func (v *sessionVerifier) CheckAuthenticationStatus(_ context.Context, username string, _ int64, token string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return false, v.err
	}
	return v.sessions[token] == username, nil
}

type testTenant struct {
	id       int64
	clientID string
	header   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	creds := storage.NewInmemCredentialStore()
	tenants := storage.NewInmemTenantDirectory()
	sessions := &sessionVerifier{sessions: make(map[string]string)}
	return &fixture{
		creds:    creds,
		tenants:  tenants,
		sessions: sessions,
		resolver: NewResolver(creds, tenants, nil, WithUserTokenVerifier(sessions)),
	}
}

func (f *fixture) addTenant(t *testing.T, parent int64, status tenant.Status, superTenant bool) testTenant {
	t.Helper()
	ctx := context.Background()

	rec, err := f.tenants.Create(ctx, tenant.Record{Name: "t", ParentID: parent})
	require.NoError(t, err)
	if status != tenant.StatusRequested {
		_, err = f.tenants.UpdateStatus(ctx, rec.ID, status, "test")
		require.NoError(t, err)
	}

	clientID := fmt.Sprintf("platform-%d", rec.ID)
	secret := fmt.Sprintf("secret-%d", rec.ID)
	require.NoError(t, f.creds.Put(ctx, credential.Record{
		ID: clientID, Secret: secret, OwnerID: rec.ID, Type: credential.TypePlatform,
		SuperTenant: superTenant,
	}))
	return testTenant{
		id:       rec.ID,
		clientID: clientID,
		header:   "Bearer " + credential.EncodeClientToken(clientID, secret),
	}
}

func assertUnauthorized(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, logical.ErrUnauthorized), "expected unauthorized, got %v", err)
}

func TestExtractBearer(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer abc", "abc", false},
		{"Bearer   padded  ", "padded", false},
		{"", "", true},
		{"Basic abc", "", true},
		{"bearer abc", "", true},
		{"Bearer ", "", true},
		{"Bearer    ", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := ExtractBearer(tt.header)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthorize_FoldsEveryProviderType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := f.addTenant(t, 0, tenant.StatusActive, false)

	issued := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.creds.Put(ctx, credential.Record{
		ID: tt.clientID, Secret: fmt.Sprintf("secret-%d", tt.id), OwnerID: tt.id,
		Type: credential.TypePlatform, IssuedAt: issued, SuperAdmin: true,
	}))
	for _, rec := range []credential.Record{
		{ID: "iam-id", Secret: "iam-secret", Type: credential.TypeIAM},
		{ID: "fed-id", Secret: "fed-secret", Type: credential.TypeFederatedLogin},
		{ID: "agent-client", Secret: "agent-client-secret", Type: credential.TypeAgentClient},
		{ID: "agent", Secret: "ignored", InternalSecret: "agent-password", Type: credential.TypeAgent},
		{ID: "admin", Secret: "admin-password", Type: credential.TypeIndividual},
	} {
		rec.OwnerID = tt.id
		require.NoError(t, f.creds.Put(ctx, rec))
	}

	c, err := f.resolver.Authorize(ctx, tt.header)
	require.NoError(t, err)

	assert.Equal(t, tt.id, c.TenantID())
	assert.Equal(t, tt.clientID, c.PlatformClientID())
	assert.Equal(t, issued, c.PlatformIDIssuedAt())
	assert.True(t, c.PlatformSecretExpiresAt().IsZero())
	assert.True(t, c.Admin())
	assert.False(t, c.SuperTenant())
	assert.Equal(t, "iam-id", c.IAMClientID())
	assert.Equal(t, "iam-secret", c.IAMClientSecret())
	assert.Equal(t, "fed-id", c.FederatedClientID())
	assert.Equal(t, "fed-secret", c.FederatedClientSecret())
	assert.Equal(t, "agent-client", c.AgentClientID())
	assert.Equal(t, "agent-client-secret", c.AgentClientSecret())
	assert.Equal(t, "agent", c.AgentID())
	assert.Equal(t, "agent-password", c.AgentPassword())
	assert.Empty(t, c.Username())
}

func TestAuthorize_FederatedLoginDefaultsToEmpty(t *testing.T) {
	f := newFixture(t)
	tt := f.addTenant(t, 0, tenant.StatusActive, false)

	c, err := f.resolver.Authorize(context.Background(), tt.header)
	require.NoError(t, err)
	assert.Equal(t, "", c.FederatedClientID())
	assert.Equal(t, "", c.FederatedClientSecret())
}

func TestAuthorize_UnknownTokenIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.resolver.Authorize(ctx, "Bearer "+credential.EncodeClientToken("nobody", "nothing"))
	assertUnauthorized(t, err)
	assert.False(t, errors.Is(err, logical.ErrNotFound))

	_, err = f.resolver.Authorize(ctx, "")
	assertUnauthorized(t, err)

	_, err = f.resolver.Authorize(ctx, "Token abc")
	assertUnauthorized(t, err)
}

func TestAuthorize_WrongSecret(t *testing.T) {
	f := newFixture(t)
	tt := f.addTenant(t, 0, tenant.StatusActive, false)

	_, err := f.resolver.Authorize(context.Background(), "Bearer "+credential.EncodeClientToken(tt.clientID, "guess"))
	assertUnauthorized(t, err)
}

func TestAuthorize_InactiveTenants(t *testing.T) {
	for _, status := range []tenant.Status{tenant.StatusRequested, tenant.StatusDeactivated, tenant.StatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			tt := f.addTenant(t, 0, status, false)

			_, err := f.resolver.Authorize(context.Background(), tt.header)
			assertUnauthorized(t, err)
		})
	}
}

func TestAuthorize_UniformMessage(t *testing.T) {
	f := newFixture(t)
	inactive := f.addTenant(t, 0, tenant.StatusDeactivated, false)

	_, errInactive := f.resolver.Authorize(context.Background(), inactive.header)
	_, errUnknown := f.resolver.Authorize(context.Background(), "Bearer "+credential.EncodeClientToken("x", "y"))
	require.Error(t, errInactive)
	require.Error(t, errUnknown)
	assert.Equal(t, errUnknown.Error(), errInactive.Error())
}

func TestAuthorize_RequiresPlatformRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := f.addTenant(t, 0, tenant.StatusActive, false)

	creds := &credential.TokenCredentials{Records: []credential.Record{{ID: "iam", OwnerID: tt.id, Type: credential.TypeIAM}}}
	_, ok := build(creds)
	assert.False(t, ok)

	_, err := f.resolver.Authorize(ctx, tt.header)
	require.NoError(t, err)
}

// root -> A -> B -> C, with S a sibling of B
type hierarchy struct {
	root, a, b, c, s testTenant
}

func newHierarchy(t *testing.T, f *fixture, rootSuper bool) hierarchy {
	var h hierarchy
	h.root = f.addTenant(t, 0, tenant.StatusActive, rootSuper)
	h.a = f.addTenant(t, h.root.id, tenant.StatusActive, false)
	h.b = f.addTenant(t, h.a.id, tenant.StatusActive, false)
	h.c = f.addTenant(t, h.b.id, tenant.StatusActive, false)
	h.s = f.addTenant(t, h.a.id, tenant.StatusActive, false)
	return h
}

func TestAuthorizeClient_SuperTenant(t *testing.T) {
	f := newFixture(t)
	h := newHierarchy(t, f, true)

	c, err := f.resolver.AuthorizeClient(context.Background(), h.root.header, h.c.clientID)
	require.NoError(t, err)
	assert.Equal(t, h.c.id, c.TenantID())
	assert.Equal(t, h.root.clientID, c.PlatformClientID())
}

func TestAuthorizeClient_SuperTenantReachesUnrelatedTenant(t *testing.T) {
	f := newFixture(t)
	super := f.addTenant(t, 0, tenant.StatusActive, true)
	other := f.addTenant(t, 0, tenant.StatusActive, false)

	c, err := f.resolver.AuthorizeClient(context.Background(), super.header, other.clientID)
	require.NoError(t, err)
	assert.Equal(t, other.id, c.TenantID())
}

func TestAuthorizeClient_Ancestor(t *testing.T) {
	f := newFixture(t)
	h := newHierarchy(t, f, false)
	ctx := context.Background()

	c, err := f.resolver.AuthorizeClient(ctx, h.b.header, h.c.clientID)
	require.NoError(t, err)
	assert.Equal(t, h.c.id, c.TenantID())

	c, err = f.resolver.AuthorizeClient(ctx, h.root.header, h.c.clientID)
	require.NoError(t, err)
	assert.Equal(t, h.c.id, c.TenantID())

	c, err = f.resolver.AuthorizeClient(ctx, h.c.header, h.c.clientID)
	require.NoError(t, err, "a tenant may address its own client")
	assert.Equal(t, h.c.id, c.TenantID())
}

func TestAuthorizeClient_Denied(t *testing.T) {
	f := newFixture(t)
	h := newHierarchy(t, f, false)
	ctx := context.Background()

	_, err := f.resolver.AuthorizeClient(ctx, h.s.header, h.c.clientID)
	assertUnauthorized(t, err)
	assert.Contains(t, err.Error(), h.c.clientID)

	_, err = f.resolver.AuthorizeClient(ctx, h.c.header, h.b.clientID)
	assertUnauthorized(t, err)

	_, err = f.resolver.AuthorizeClient(ctx, h.root.header, "unknown-client")
	assertUnauthorized(t, err)
}

func TestRetarget(t *testing.T) {
	f := newFixture(t)
	h := newHierarchy(t, f, false)
	ctx := context.Background()

	rootClaim, err := f.resolver.Authorize(ctx, h.root.header)
	require.NoError(t, err)

	c, err := f.resolver.Retarget(ctx, rootClaim, h.c.id)
	require.NoError(t, err)
	assert.Equal(t, h.c.id, c.TenantID())
	assert.Equal(t, h.root.id, rootClaim.TenantID())

	sClaim, err := f.resolver.Authorize(ctx, h.s.header)
	require.NoError(t, err)
	_, err = f.resolver.Retarget(ctx, sClaim, h.c.id)
	assertUnauthorized(t, err)

	c, err = f.resolver.Retarget(ctx, sClaim, h.s.id)
	require.NoError(t, err)
	assert.Equal(t, h.s.id, c.TenantID())
}

func TestAuthorizeClient_BlankClientIDIsAuthorize(t *testing.T) {
	f := newFixture(t)
	h := newHierarchy(t, f, false)

	c, err := f.resolver.AuthorizeClient(context.Background(), h.b.header, "  ")
	require.NoError(t, err)
	assert.Equal(t, h.b.id, c.TenantID())
}

func TestAuthorizeClient_CallerMustBeActive(t *testing.T) {
	f := newFixture(t)
	h := newHierarchy(t, f, true)

	_, err := f.tenants.UpdateStatus(context.Background(), h.root.id, tenant.StatusDeactivated, "test")
	require.NoError(t, err)

	_, err = f.resolver.AuthorizeClient(context.Background(), h.root.header, h.c.clientID)
	assertUnauthorized(t, err)
}

func TestAuthorizeClient_CycleIsDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	caller := f.addTenant(t, 0, tenant.StatusActive, false)
	// ids are allocated sequentially: x points at y and y back at x
	x := f.addTenant(t, caller.id+2, tenant.StatusActive, false)
	y := f.addTenant(t, x.id, tenant.StatusActive, false)
	require.Equal(t, caller.id+2, y.id)

	_, err := f.resolver.AuthorizeClient(ctx, caller.header, x.clientID)
	assertUnauthorized(t, err)
}

func TestAuthorizeClient_DepthBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root := f.addTenant(t, 0, tenant.StatusActive, false)
	chain := []testTenant{root}
	for i := 0; i < MaxHierarchyDepth+1; i++ {
		chain = append(chain, f.addTenant(t, chain[len(chain)-1].id, tenant.StatusActive, false))
	}

	c, err := f.resolver.AuthorizeClient(ctx, root.header, chain[MaxHierarchyDepth].clientID)
	require.NoError(t, err)
	assert.Equal(t, chain[MaxHierarchyDepth].id, c.TenantID())

	_, err = f.resolver.AuthorizeClient(ctx, root.header, chain[MaxHierarchyDepth+1].clientID)
	assertUnauthorized(t, err)
}

func userToken(t *testing.T, clientID, username string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"azp":                clientID,
		"preferred_username": username,
		"email":              username + "@example.org",
		"exp":                time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test"))
	require.NoError(t, err)
	return signed
}

func TestAuthorizeUserToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := f.addTenant(t, 0, tenant.StatusActive, false)

	token := userToken(t, tt.clientID, "Alice")
	f.sessions.login(token, "alice")

	c, err := f.resolver.AuthorizeUserToken(ctx, "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "alice", c.Username())
	assert.Equal(t, "alice@example.org", c.PerformedBy())
	assert.Equal(t, tt.id, c.TenantID())

	_, err = f.resolver.AuthorizeUserToken(ctx, "Bearer "+userToken(t, tt.clientID, ""))
	assertUnauthorized(t, err)

	_, err = f.resolver.AuthorizeUserToken(ctx, tt.header)
	assertUnauthorized(t, err)
}

func TestAuthorize_ForgedUnsignedUserToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	victim := f.addTenant(t, 0, tenant.StatusActive, true)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"azp":                victim.clientID,
		"preferred_username": "mallory",
		"exp":                time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = f.resolver.Authorize(ctx, "Bearer "+forged)
	assertUnauthorized(t, err)
	_, err = f.resolver.AuthorizeUserToken(ctx, "Bearer "+forged)
	assertUnauthorized(t, err)
	_, err = f.resolver.AuthorizeClient(ctx, "Bearer "+forged, victim.clientID)
	assertUnauthorized(t, err)
}

func TestAuthorize_UserTokenWithoutSessionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	victim := f.addTenant(t, 0, tenant.StatusActive, false)

	// well formed and signed, but never issued by the identity provider
	token := userToken(t, victim.clientID, "mallory")
	_, err := f.resolver.Authorize(ctx, "Bearer "+token)
	assertUnauthorized(t, err)
	assert.Equal(t, 1, f.sessions.calls)

	f.sessions.login(token, "mallory")
	f.sessions.err = errors.New("provider down")
	_, err = f.resolver.Authorize(ctx, "Bearer "+token)
	assertUnauthorized(t, err)
}

func TestAuthorize_ExpiredUserTokenRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := f.addTenant(t, 0, tenant.StatusActive, false)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"azp":                tt.clientID,
		"preferred_username": "alice",
		"exp":                time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("test"))
	require.NoError(t, err)
	f.sessions.login(expired, "alice")

	_, err = f.resolver.Authorize(ctx, "Bearer "+expired)
	assertUnauthorized(t, err)
	assert.Zero(t, f.sessions.calls, "expired tokens never reach the identity provider")
}

func TestAuthorize_UserTokenNeedsVerifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tt := f.addTenant(t, 0, tenant.StatusActive, false)
	token := userToken(t, tt.clientID, "alice")
	f.sessions.login(token, "alice")

	unverified := NewResolver(f.creds, f.tenants, nil)
	_, err := unverified.Authorize(ctx, "Bearer "+token)
	assertUnauthorized(t, err)

	// client tokens need no verifier
	_, err = unverified.Authorize(ctx, tt.header)
	require.NoError(t, err)
}

func TestWithTenant_DoesNotMutate(t *testing.T) {
	c := AuthClaim{tenantID: 1, platformClientID: "p"}
	moved := c.WithTenant(2)

	assert.Equal(t, int64(1), c.TenantID())
	assert.Equal(t, int64(2), moved.TenantID())
	assert.Equal(t, "p", moved.PlatformClientID())
}

func TestResolver_Concurrent(t *testing.T) {
	f := newFixture(t)
	h := newHierarchy(t, f, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c, err := f.resolver.AuthorizeClient(ctx, h.a.header, h.c.clientID)
			assert.NoError(t, err)
			assert.Equal(t, h.c.id, c.TenantID())
		}()
		go func() {
			defer wg.Done()
			_, err := f.resolver.AuthorizeClient(ctx, h.s.header, h.c.clientID)
			assert.Error(t, err)
		}()
	}
	wg.Wait()
}
