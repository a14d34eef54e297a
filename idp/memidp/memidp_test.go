package memidp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stephnangue/tenantauth/idp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureRealmClient_Idempotent(t *testing.T) {
	ctx := context.Background()
	p := New(Options{})

	first, err := p.EnsureRealmClient(ctx, 1, "client-1", "https://a.example", []string{"https://a.example/cb"})
	require.NoError(t, err)
	second, err := p.EnsureRealmClient(ctx, 1, "client-1", "https://a.example", nil)
	require.NoError(t, err)

	assert.Equal(t, first.ClientID, second.ClientID)
	assert.Equal(t, first.ClientSecret, second.ClientSecret)
	assert.Equal(t, 1, p.RealmCreations())
}

func TestEnsureRealmClient_Concurrent(t *testing.T) {
	ctx := context.Background()
	p := New(Options{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.EnsureRealmClient(ctx, 5, "c", "", nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, p.RealmCreations())
}

func TestServiceAccountAndUserLookup(t *testing.T) {
	ctx := context.Background()
	p := New(Options{})

	info, err := p.EnsureRealmClient(ctx, 2, "client-2", "", nil)
	require.NoError(t, err)
	require.NoError(t, p.AddUser(2, idp.UserRepresentation{Username: "Admin", Email: "admin@example.org"}))

	_, err = p.ServiceAccountToken(ctx, info.ClientID, "wrong", 2)
	assert.ErrorIs(t, err, idp.ErrInvalidClient)

	token, err := p.ServiceAccountToken(ctx, info.ClientID, info.ClientSecret, 2)
	require.NoError(t, err)

	user, err := p.UserByUsername(ctx, token.Token, 2, "ADMIN")
	require.NoError(t, err)
	assert.Equal(t, "admin", user.Username)
	assert.Equal(t, "admin@example.org", user.Email)

	_, err = p.UserByUsername(ctx, token.Token, 2, "nobody")
	assert.ErrorIs(t, err, idp.ErrUserNotFound)

	_, err = p.UserByUsername(ctx, "forged", 2, "admin")
	assert.ErrorIs(t, err, idp.ErrInvalidClient)
}

func TestUserByUsername_ExpiredServiceToken(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	p := New(Options{Now: func() time.Time { return now }})

	info, err := p.EnsureRealmClient(ctx, 3, "c", "", nil)
	require.NoError(t, err)
	require.NoError(t, p.AddUser(3, idp.UserRepresentation{Username: "u"}))
	token, err := p.ServiceAccountToken(ctx, info.ClientID, info.ClientSecret, 3)
	require.NoError(t, err)

	now = now.Add(serviceAccountTTL)
	_, err = p.UserByUsername(ctx, token.Token, 3, "u")
	assert.ErrorIs(t, err, idp.ErrInvalidClient)
}

func TestAutoProvisionUsers(t *testing.T) {
	ctx := context.Background()
	p := New(Options{AutoProvisionUsers: true})

	info, err := p.EnsureRealmClient(ctx, 4, "c", "", nil)
	require.NoError(t, err)
	token, err := p.ServiceAccountToken(ctx, info.ClientID, info.ClientSecret, 4)
	require.NoError(t, err)

	user, err := p.UserByUsername(ctx, token.Token, 4, "NewAdmin")
	require.NoError(t, err)
	assert.Equal(t, "newadmin", user.Username)
	assert.NotEmpty(t, user.ID)
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	p := New(Options{})

	_, err := p.EnsureRealmClient(ctx, 6, "c", "", nil)
	require.NoError(t, err)
	require.NoError(t, p.AddUser(6, idp.UserRepresentation{Username: "alice"}))

	token, err := p.Login(6, "alice")
	require.NoError(t, err)

	ok, err := p.IsUserAuthenticated(ctx, 6, "Alice", token)
	require.NoError(t, err)
	assert.True(t, ok)

	p.Logout(6, "alice")
	ok, err = p.IsUserAuthenticated(ctx, 6, "alice", token)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.IsUserAuthenticated(ctx, 99, "alice", token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLogin_IssuesSignedUserToken(t *testing.T) {
	ctx := context.Background()
	p := New(Options{})

	info, err := p.EnsureRealmClient(ctx, 8, "client-8", "", nil)
	require.NoError(t, err)
	require.NoError(t, p.AddUser(8, idp.UserRepresentation{Username: "Bob", Email: "bob@example.org"}))

	token, err := p.Login(8, "bob")
	require.NoError(t, err)

	parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
		return []byte(info.ClientSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "client-8", claims["azp"])
	assert.Equal(t, "bob", claims["preferred_username"])
	assert.Equal(t, "bob@example.org", claims["email"])

	other, err := p.Login(8, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, token, other, "each login is a distinct session")
}

func TestDeleteRealm(t *testing.T) {
	ctx := context.Background()
	p := New(Options{})

	_, err := p.EnsureRealmClient(ctx, 7, "c", "", nil)
	require.NoError(t, err)
	require.NoError(t, p.DeleteRealm(ctx, 7))
	assert.False(t, p.HasRealm(7))
}
