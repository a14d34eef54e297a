// Package keycloak implements idp.Adapter against the Keycloak admin REST API.
// Each tenant is a realm named after its id.
package keycloak

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stephnangue/tenantauth/helper"
	"github.com/stephnangue/tenantauth/idp"
	"github.com/stephnangue/tenantauth/logger"
	"golang.org/x/time/rate"
)

// adminTokenSkew renews the admin token this long before it expires
const adminTokenSkew = 10 * time.Second

// ResponseError is a non-success status returned by Keycloak
type ResponseError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("keycloak: %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client is an idp.Adapter backed by Keycloak. Safe for concurrent use.
type Client struct {
	config  *Config
	http    *retryablehttp.Client
	limiter *rate.Limiter
	logger  *logger.GatedLogger
	clock   func() time.Time

	tokenLock    sync.Mutex
	adminToken   string
	adminExpires time.Time
}

var _ idp.Adapter = (*Client)(nil)

func NewClient(config *Config) (*Client, error) {
	if config == nil || config.Address == "" {
		return nil, errors.New("keycloak: address is required")
	}
	if _, err := url.Parse(config.Address); err != nil {
		return nil, fmt.Errorf("keycloak: invalid address: %w", err)
	}

	log := config.Logger
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	log = log.WithSubsystem("keycloak")

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = cleanhttp.DefaultPooledClient()
	}
	if config.Timeout > 0 {
		httpClient.Timeout = config.Timeout
	}

	c := &Client{
		config: config,
		http: &retryablehttp.Client{
			HTTPClient:   httpClient,
			RetryWaitMin: config.MinRetryWait,
			RetryWaitMax: config.MaxRetryWait,
			RetryMax:     config.MaxRetries,
			Backoff:      retryablehttp.RateLimitLinearJitterBackoff,
			CheckRetry:   retryablehttp.DefaultRetryPolicy,
			Logger:       logger.NewHCLogAdapter(log.WithSubsystem("http")),
			ErrorHandler: retryablehttp.PassthroughErrorHandler,
		},
		logger: log,
		clock:  time.Now,
	}
	if config.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), max(config.Burst, 1))
	}
	return c, nil
}

func realmName(tenantID int64) string {
	return strconv.FormatInt(tenantID, 10)
}

// request is one call to Keycloak
type request struct {
	method string
	path   string
	query  url.Values
	json   any
	form   url.Values
	bearer string
}

func (c *Client) send(ctx context.Context, r request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var body any
	contentType := ""
	switch {
	case r.json != nil:
		b, err := json.Marshal(r.json)
		if err != nil {
			return nil, err
		}
		body, contentType = b, "application/json"
	case r.form != nil:
		body, contentType = []byte(r.form.Encode()), "application/x-www-form-urlencoded"
	}

	u := c.config.Address + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", helper.GenerateRequestID())
	if r.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+r.bearer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("keycloak: %s %s: %w", r.method, r.path, err)
	}
	c.logger.Trace("keycloak request",
		logger.String("method", r.method),
		logger.String("path", r.path),
		logger.Int("status", resp.StatusCode),
		logger.Duration("elapsed", time.Since(start)))
	return resp, nil
}

// call sends r and decodes a 2xx JSON body into out (when not nil). Other
// statuses are returned as *ResponseError.
func (c *Client) call(ctx context.Context, r request, out any) error {
	resp, err := c.send(ctx, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &ResponseError{
			Method:     r.method,
			Path:       r.path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(b)),
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return decode(resp.Body, out)
}

// decode reads JSON loosely and maps it onto out with mapstructure, so
// unknown Keycloak fields are ignored.
func decode(r io.Reader, out any) error {
	var raw any
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("keycloak: failed to decode response: %w", err)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

func statusOf(err error) int {
	var re *ResponseError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

type tokenResponse struct {
	AccessToken string `mapstructure:"access_token"`
	ExpiresIn   int64  `mapstructure:"expires_in"`
}

// token returns a valid admin token, logging in when the cached one is
// missing or about to expire.
func (c *Client) token(ctx context.Context) (string, error) {
	c.tokenLock.Lock()
	defer c.tokenLock.Unlock()

	if c.adminToken != "" && c.clock().Add(adminTokenSkew).Before(c.adminExpires) {
		return c.adminToken, nil
	}

	var resp tokenResponse
	err := c.call(ctx, request{
		method: http.MethodPost,
		path:   "/realms/" + url.PathEscape(c.config.AdminRealm) + "/protocol/openid-connect/token",
		form: url.Values{
			"grant_type": {"password"},
			"client_id":  {c.config.AdminClientID},
			"username":   {c.config.AdminUsername},
			"password":   {c.config.AdminPassword},
		},
	}, &resp)
	if err != nil {
		return "", fmt.Errorf("keycloak: admin login failed: %w", err)
	}
	c.adminToken = resp.AccessToken
	c.adminExpires = c.clock().Add(time.Duration(resp.ExpiresIn) * time.Second)
	return c.adminToken, nil
}

type clientRepresentation struct {
	ID           string   `mapstructure:"id" json:"id,omitempty"`
	ClientID     string   `mapstructure:"clientId" json:"clientId"`
	RootURL      string   `mapstructure:"rootUrl" json:"rootUrl,omitempty"`
	BaseURL      string   `mapstructure:"baseUrl" json:"baseUrl,omitempty"`
	RedirectURIs []string `mapstructure:"redirectUris" json:"redirectUris"`

	Enabled                   bool `mapstructure:"enabled" json:"enabled"`
	PublicClient              bool `mapstructure:"publicClient" json:"publicClient"`
	ServiceAccountsEnabled    bool `mapstructure:"serviceAccountsEnabled" json:"serviceAccountsEnabled"`
	StandardFlowEnabled       bool `mapstructure:"standardFlowEnabled" json:"standardFlowEnabled"`
	DirectAccessGrantsEnabled bool `mapstructure:"directAccessGrantsEnabled" json:"directAccessGrantsEnabled"`

	Attributes map[string]string `mapstructure:"attributes" json:"attributes,omitempty"`
}

// secretCreationTimeAttribute holds the unix time the client secret was
// issued. Keycloak maintains it on secret rotation; it is stamped on creation
// for servers that do not.
const secretCreationTimeAttribute = "client.secret.creation.time"

// secretIssuedAt reads the secret creation time from the client attributes
func secretIssuedAt(attrs map[string]string) (time.Time, bool) {
	raw, ok := attrs[secretCreationTimeAttribute]
	if !ok {
		return time.Time{}, false
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}, false
	}
	return time.Unix(secs, 0).UTC(), true
}

type credentialRepresentation struct {
	Type  string `mapstructure:"type"`
	Value string `mapstructure:"value"`
}

// EnsureRealmClient creates the tenant realm and its confidential client when
// they do not exist and otherwise refreshes the client's urls. Either way it
// returns the client's current secret.
func (c *Client) EnsureRealmClient(ctx context.Context, tenantID int64, clientID, baseURL string, redirectURIs []string) (*idp.ProviderClientInfo, error) {
	admin, err := c.token(ctx)
	if err != nil {
		return nil, err
	}
	realm := realmName(tenantID)
	if clientID == "" {
		clientID = helper.GenerateClientID()
	}

	if err := c.ensureRealm(ctx, admin, realm); err != nil {
		return nil, err
	}

	desired := clientRepresentation{
		ClientID:                  clientID,
		RootURL:                   baseURL,
		BaseURL:                   baseURL,
		RedirectURIs:              append([]string{}, redirectURIs...),
		Enabled:                   true,
		ServiceAccountsEnabled:    true,
		StandardFlowEnabled:       true,
		DirectAccessGrantsEnabled: true,
	}

	existing, err := c.findClient(ctx, admin, realm, clientID)
	if err != nil {
		return nil, err
	}
	stamp := strconv.FormatInt(c.clock().Unix(), 10)
	clientsPath := "/admin/realms/" + url.PathEscape(realm) + "/clients"
	if existing == nil {
		desired.Attributes = map[string]string{secretCreationTimeAttribute: stamp}
		err := c.call(ctx, request{method: http.MethodPost, path: clientsPath, json: desired, bearer: admin}, nil)
		if err != nil && statusOf(err) != http.StatusConflict {
			return nil, err
		}
		if existing, err = c.findClient(ctx, admin, realm, clientID); err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("keycloak: client %s missing after creation", clientID)
		}
		c.logger.Info("realm client created", logger.TenantID(tenantID), logger.String("client_id", clientID))
	} else {
		desired.ID = existing.ID
		// PUT replaces the attributes, so carry the stored ones over
		desired.Attributes = make(map[string]string, len(existing.Attributes)+1)
		for k, v := range existing.Attributes {
			desired.Attributes[k] = v
		}
		if _, ok := secretIssuedAt(desired.Attributes); !ok {
			desired.Attributes[secretCreationTimeAttribute] = stamp
		}
		existing.Attributes = desired.Attributes
		err := c.call(ctx, request{method: http.MethodPut, path: clientsPath + "/" + url.PathEscape(existing.ID), json: desired, bearer: admin}, nil)
		if err != nil {
			return nil, err
		}
	}

	var secret credentialRepresentation
	err = c.call(ctx, request{
		method: http.MethodGet,
		path:   clientsPath + "/" + url.PathEscape(existing.ID) + "/client-secret",
		bearer: admin,
	}, &secret)
	if err != nil {
		return nil, err
	}

	issuedAt, ok := secretIssuedAt(existing.Attributes)
	if !ok {
		c.logger.Warn("realm client has no secret creation time",
			logger.TenantID(tenantID), logger.String("client_id", clientID))
		issuedAt = time.Unix(c.clock().Unix(), 0).UTC()
	}

	return &idp.ProviderClientInfo{
		ClientID:     clientID,
		ClientSecret: secret.Value,
		TenantID:     tenantID,
		IssuedAt:     issuedAt,
	}, nil
}

func (c *Client) ensureRealm(ctx context.Context, admin, realm string) error {
	path := "/admin/realms/" + url.PathEscape(realm)
	err := c.call(ctx, request{method: http.MethodGet, path: path, bearer: admin}, nil)
	if err == nil {
		return nil
	}
	if statusOf(err) != http.StatusNotFound {
		return err
	}

	err = c.call(ctx, request{
		method: http.MethodPost,
		path:   "/admin/realms",
		json:   map[string]any{"realm": realm, "enabled": true},
		bearer: admin,
	}, nil)
	if err != nil && statusOf(err) != http.StatusConflict {
		return err
	}
	c.logger.Info("realm created", logger.String("realm", realm))
	return nil
}

func (c *Client) findClient(ctx context.Context, admin, realm, clientID string) (*clientRepresentation, error) {
	var clients []clientRepresentation
	err := c.call(ctx, request{
		method: http.MethodGet,
		path:   "/admin/realms/" + url.PathEscape(realm) + "/clients",
		query:  url.Values{"clientId": {clientID}},
		bearer: admin,
	}, &clients)
	if err != nil {
		return nil, err
	}
	for i := range clients {
		if clients[i].ClientID == clientID {
			return &clients[i], nil
		}
	}
	return nil, nil
}

func (c *Client) ServiceAccountToken(ctx context.Context, clientID, clientSecret string, tenantID int64) (*idp.AccessToken, error) {
	var resp tokenResponse
	err := c.call(ctx, request{
		method: http.MethodPost,
		path:   "/realms/" + url.PathEscape(realmName(tenantID)) + "/protocol/openid-connect/token",
		form: url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
		},
	}, &resp)
	if err != nil {
		switch statusOf(err) {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return nil, fmt.Errorf("%w: %v", idp.ErrInvalidClient, err)
		case http.StatusNotFound:
			return nil, fmt.Errorf("%w: tenant %d", idp.ErrRealmNotFound, tenantID)
		}
		return nil, err
	}
	return &idp.AccessToken{
		Token:     resp.AccessToken,
		ExpiresIn: time.Duration(resp.ExpiresIn) * time.Second,
	}, nil
}

type userRepresentation struct {
	ID         string              `mapstructure:"id"`
	Username   string              `mapstructure:"username"`
	FirstName  string              `mapstructure:"firstName"`
	LastName   string              `mapstructure:"lastName"`
	Email      string              `mapstructure:"email"`
	Attributes map[string][]string `mapstructure:"attributes"`
}

type roleRepresentation struct {
	Name string `mapstructure:"name"`
}

func (c *Client) UserByUsername(ctx context.Context, accessToken string, tenantID int64, username string) (*idp.UserRepresentation, error) {
	usersPath := "/admin/realms/" + url.PathEscape(realmName(tenantID)) + "/users"

	var users []userRepresentation
	err := c.call(ctx, request{
		method: http.MethodGet,
		path:   usersPath,
		query:  url.Values{"username": {username}, "exact": {"true"}},
		bearer: accessToken,
	}, &users)
	if err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, fmt.Errorf("%w: tenant %d", idp.ErrRealmNotFound, tenantID)
		}
		return nil, err
	}

	var found *userRepresentation
	for i := range users {
		if strings.EqualFold(users[i].Username, username) {
			found = &users[i]
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", idp.ErrUserNotFound, username)
	}

	var roles []roleRepresentation
	err = c.call(ctx, request{
		method: http.MethodGet,
		path:   usersPath + "/" + url.PathEscape(found.ID) + "/role-mappings/realm",
		bearer: accessToken,
	}, &roles)
	if err != nil {
		return nil, err
	}

	rep := &idp.UserRepresentation{
		ID:         found.ID,
		Username:   strings.ToLower(found.Username),
		FirstName:  found.FirstName,
		LastName:   found.LastName,
		Email:      found.Email,
		Attributes: found.Attributes,
	}
	for _, r := range roles {
		rep.RealmRoles = append(rep.RealmRoles, r.Name)
	}
	return rep, nil
}

type userInfo struct {
	PreferredUsername string `mapstructure:"preferred_username"`
}

// IsUserAuthenticated asks the realm's userinfo endpoint whether token is a
// live session of username. A rejected token is a negative answer, not an error.
func (c *Client) IsUserAuthenticated(ctx context.Context, tenantID int64, username, token string) (bool, error) {
	var info userInfo
	err := c.call(ctx, request{
		method: http.MethodGet,
		path:   "/realms/" + url.PathEscape(realmName(tenantID)) + "/protocol/openid-connect/userinfo",
		bearer: token,
	}, &info)
	if err != nil {
		switch statusOf(err) {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return false, nil
		}
		return false, err
	}
	return strings.EqualFold(info.PreferredUsername, username), nil
}

func (c *Client) DeleteRealm(ctx context.Context, tenantID int64) error {
	admin, err := c.token(ctx)
	if err != nil {
		return err
	}
	err = c.call(ctx, request{
		method: http.MethodDelete,
		path:   "/admin/realms/" + url.PathEscape(realmName(tenantID)),
		bearer: admin,
	}, nil)
	if statusOf(err) == http.StatusNotFound {
		return fmt.Errorf("%w: tenant %d", idp.ErrRealmNotFound, tenantID)
	}
	return err
}
