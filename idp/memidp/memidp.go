// Package memidp is an in-process identity provider used by the dev server
// and by tests.
package memidp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stephnangue/tenantauth/helper"
	"github.com/stephnangue/tenantauth/idp"
)

const (
	serviceAccountTTL = 5 * time.Minute
	sessionTTL        = time.Hour
)

type realm struct {
	client   idp.ProviderClientInfo
	baseURL  string
	redirect []string
	users    map[string]idp.UserRepresentation
	sessions map[string]map[string]struct{} // username -> tokens
	tokens   map[string]time.Time           // service-account token -> expiry
}

// Options tunes the provider
type Options struct {
	// AutoProvisionUsers makes UserByUsername create a bare user on first lookup
	AutoProvisionUsers bool

	Now func() time.Time
}

// Provider implements idp.Adapter in memory. Safe for concurrent use.
type Provider struct {
	mu     sync.Mutex
	realms map[int64]*realm
	opts   Options

	realmCreations int
}

var _ idp.Adapter = (*Provider)(nil)

func New(opts Options) *Provider {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Provider{realms: make(map[int64]*realm), opts: opts}
}

func (p *Provider) EnsureRealmClient(ctx context.Context, tenantID int64, clientID, baseURL string, redirectURIs []string) (*idp.ProviderClientInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.realms[tenantID]; ok {
		r.baseURL = baseURL
		r.redirect = append([]string(nil), redirectURIs...)
		info := r.client
		return &info, nil
	}

	secret, err := helper.GenerateClientSecret()
	if err != nil {
		return nil, err
	}
	if clientID == "" {
		clientID = helper.GenerateClientID()
	}
	r := &realm{
		client: idp.ProviderClientInfo{
			ClientID:     clientID,
			ClientSecret: secret,
			TenantID:     tenantID,
			IssuedAt:     p.opts.Now(),
		},
		baseURL:  baseURL,
		redirect: append([]string(nil), redirectURIs...),
		users:    make(map[string]idp.UserRepresentation),
		sessions: make(map[string]map[string]struct{}),
		tokens:   make(map[string]time.Time),
	}
	p.realms[tenantID] = r
	p.realmCreations++

	info := r.client
	return &info, nil
}

func (p *Provider) ServiceAccountToken(ctx context.Context, clientID, clientSecret string, tenantID int64) (*idp.AccessToken, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.realms[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %d", idp.ErrRealmNotFound, tenantID)
	}
	if r.client.ClientID != clientID || !helper.SecretsEqual(r.client.ClientSecret, clientSecret) {
		return nil, idp.ErrInvalidClient
	}

	token, err := helper.GenerateClientSecret()
	if err != nil {
		return nil, err
	}
	r.tokens[token] = p.opts.Now().Add(serviceAccountTTL)
	return &idp.AccessToken{Token: token, ExpiresIn: serviceAccountTTL}, nil
}

func (p *Provider) UserByUsername(ctx context.Context, accessToken string, tenantID int64, username string) (*idp.UserRepresentation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.realms[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: tenant %d", idp.ErrRealmNotFound, tenantID)
	}
	expiry, ok := r.tokens[accessToken]
	if !ok || !p.opts.Now().Before(expiry) {
		return nil, idp.ErrInvalidClient
	}

	key := strings.ToLower(username)
	user, ok := r.users[key]
	if !ok {
		if !p.opts.AutoProvisionUsers || key == "" {
			return nil, fmt.Errorf("%w: %s", idp.ErrUserNotFound, username)
		}
		user = idp.UserRepresentation{ID: helper.GenerateClientID(), Username: key}
		r.users[key] = user
	}
	return &user, nil
}

func (p *Provider) IsUserAuthenticated(ctx context.Context, tenantID int64, username, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.realms[tenantID]
	if !ok {
		return false, nil
	}
	_, ok = r.sessions[strings.ToLower(username)][token]
	return ok, nil
}

func (p *Provider) DeleteRealm(ctx context.Context, tenantID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.realms, tenantID)
	return nil
}

// AddUser registers a user in an existing realm
func (p *Provider) AddUser(tenantID int64, user idp.UserRepresentation) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.realms[tenantID]
	if !ok {
		return fmt.Errorf("%w: tenant %d", idp.ErrRealmNotFound, tenantID)
	}
	user.Username = strings.ToLower(user.Username)
	if user.ID == "" {
		user.ID = helper.GenerateClientID()
	}
	r.users[user.Username] = user
	return nil
}

// Login opens a session for username and returns its access token: a JWT
// signed with the realm client secret, issued for the realm client and
// naming the user, the way a real provider shapes it.
func (p *Provider) Login(tenantID int64, username string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.realms[tenantID]
	if !ok {
		return "", fmt.Errorf("%w: tenant %d", idp.ErrRealmNotFound, tenantID)
	}
	key := strings.ToLower(username)
	user, ok := r.users[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", idp.ErrUserNotFound, username)
	}
	now := p.opts.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"azp":                r.client.ClientID,
		"preferred_username": key,
		"email":              user.Email,
		"sub":                user.ID,
		"jti":                helper.GenerateClientID(),
		"iat":                now.Unix(),
		"exp":                now.Add(sessionTTL).Unix(),
	}).SignedString([]byte(r.client.ClientSecret))
	if err != nil {
		return "", err
	}
	if r.sessions[key] == nil {
		r.sessions[key] = make(map[string]struct{})
	}
	r.sessions[key][token] = struct{}{}
	return token, nil
}

// Logout ends every session of username
func (p *Provider) Logout(tenantID int64, username string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.realms[tenantID]; ok {
		delete(r.sessions, strings.ToLower(username))
	}
}

// RealmCreations counts realms created since New
func (p *Provider) RealmCreations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.realmCreations
}

// HasRealm reports whether a realm exists for the tenant
func (p *Provider) HasRealm(tenantID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.realms[tenantID]
	return ok
}
