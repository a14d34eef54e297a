package claim

import (
	"context"
	"errors"
	"fmt"
	"strings"

	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/stephnangue/tenantauth/credential"
	"github.com/stephnangue/tenantauth/logger"
	"github.com/stephnangue/tenantauth/logical"
	"github.com/stephnangue/tenantauth/tenant"
)

// MaxHierarchyDepth bounds the parent walk done by AuthorizeClient. A chain
// longer than this is treated as corrupt and access is denied.
const MaxHierarchyDepth = 32

const bearerPrefix = "Bearer "

var (
	errMissingToken   = errors.New("authorization header is missing or not a bearer token")
	errNoCredentials  = errors.New("no credentials match the token")
	errNoPlatform     = errors.New("credentials carry no platform record")
	errTenantInactive = errors.New("tenant is not active")
	errNoUsername     = errors.New("token does not identify a user")
	errHierarchyDepth = errors.New("tenant hierarchy exceeds maximum depth")
	errHierarchyCycle = errors.New("tenant hierarchy contains a cycle")
	errNotAncestor    = errors.New("caller tenant is not an ancestor of the target")
	errUnverifiedUser = errors.New("user token could not be verified")
	errNoSession      = errors.New("user token is not a live session")
)

// ExtractBearer returns the token of a "Bearer <token>" header value
func ExtractBearer(header string) (string, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", errMissingToken
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return "", errMissingToken
	}
	return token, nil
}

// UserTokenVerifier confirms with the identity provider that a user token is
// a live session. *identity.Service implements it.
type UserTokenVerifier interface {
	CheckAuthenticationStatus(ctx context.Context, username string, tenantID int64, token string) (bool, error)
}

// Resolver builds AuthClaims. It holds no per-request state and is safe for
// concurrent use.
type Resolver struct {
	credentials credential.Store
	tenants     tenant.Directory
	verifier    UserTokenVerifier
	logger      *logger.GatedLogger
}

type Option func(*Resolver)

// WithUserTokenVerifier enables end-user tokens. Without a verifier every
// user token is refused.
func WithUserTokenVerifier(v UserTokenVerifier) Option {
	return func(r *Resolver) { r.verifier = v }
}

func NewResolver(credentials credential.Store, tenants tenant.Directory, log *logger.GatedLogger, opts ...Option) *Resolver {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	r := &Resolver{
		credentials: credentials,
		tenants:     tenants,
		logger:      log.WithSubsystem("claim"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Authorize resolves the claim of the tenant owning the bearer token. Every
// failure is reported as the same Unauthorized error; the cause is only logged.
func (r *Resolver) Authorize(ctx context.Context, header string) (AuthClaim, error) {
	c, err := r.resolve(ctx, header)
	if err != nil {
		return AuthClaim{}, r.deny(err, "invalid token")
	}
	return c, nil
}

// AuthorizeClient resolves the caller's claim and re-targets it at the tenant
// owning requestedClientID. The caller must be a super tenant or an ancestor
// of the target. A blank client id behaves like Authorize.
func (r *Resolver) AuthorizeClient(ctx context.Context, header, requestedClientID string) (AuthClaim, error) {
	requestedClientID = strings.TrimSpace(requestedClientID)
	if requestedClientID == "" {
		return r.Authorize(ctx, header)
	}

	denial := fmt.Sprintf("not authorized for client %q", requestedClientID)

	c, err := r.resolve(ctx, header)
	if err != nil {
		return AuthClaim{}, r.deny(err, denial)
	}

	target, err := r.credentials.LookupByTypeAndID(ctx, credential.TypePlatform, requestedClientID)
	if err != nil {
		return AuthClaim{}, r.deny(err, denial, logger.TenantID(c.tenantID))
	}

	if !c.superTenant {
		if err := r.checkAncestor(ctx, c.tenantID, target.OwnerID); err != nil {
			return AuthClaim{}, r.deny(err, denial,
				logger.TenantID(c.tenantID), logger.Int64("target_tenant_id", target.OwnerID))
		}
	}

	return c.WithTenant(target.OwnerID), nil
}

// Retarget re-targets an already resolved claim at tenantID under the same
// rule as AuthorizeClient.
func (r *Resolver) Retarget(ctx context.Context, c AuthClaim, tenantID int64) (AuthClaim, error) {
	if c.superTenant || c.tenantID == tenantID {
		return c.WithTenant(tenantID), nil
	}
	if err := r.checkAncestor(ctx, c.tenantID, tenantID); err != nil {
		return AuthClaim{}, r.deny(err, fmt.Sprintf("not authorized for tenant %d", tenantID),
			logger.TenantID(c.tenantID), logger.Int64("target_tenant_id", tenantID))
	}
	return c.WithTenant(tenantID), nil
}

// AuthorizeUserToken is Authorize for end-user tokens: the claim must name a user.
func (r *Resolver) AuthorizeUserToken(ctx context.Context, header string) (AuthClaim, error) {
	c, err := r.resolve(ctx, header)
	if err != nil {
		return AuthClaim{}, r.deny(err, "invalid token")
	}
	if c.username == "" {
		return AuthClaim{}, r.deny(errNoUsername, "invalid token", logger.TenantID(c.tenantID))
	}
	return c, nil
}

func (r *Resolver) resolve(ctx context.Context, header string) (AuthClaim, error) {
	token, err := ExtractBearer(header)
	if err != nil {
		return AuthClaim{}, err
	}

	creds, err := r.credentials.LookupByToken(ctx, token)
	if err != nil {
		return AuthClaim{}, err
	}
	if creds == nil || len(creds.Records) == 0 {
		return AuthClaim{}, errNoCredentials
	}

	c, ok := build(creds)
	if !ok {
		return AuthClaim{}, errNoPlatform
	}

	t, err := r.tenants.Get(ctx, c.tenantID)
	if err != nil {
		return AuthClaim{}, err
	}
	if t.Status != tenant.StatusActive {
		return AuthClaim{}, fmt.Errorf("%w: tenant %d is %s", errTenantInactive, t.ID, t.Status)
	}

	if creds.UserToken {
		if err := r.verifyUserToken(ctx, c, token); err != nil {
			return AuthClaim{}, err
		}
	}
	return c, nil
}

// verifyUserToken asks the identity provider whether the token is a session of
// the user it names. Nothing about a user token is trusted before that.
func (r *Resolver) verifyUserToken(ctx context.Context, c AuthClaim, token string) error {
	if r.verifier == nil {
		return fmt.Errorf("%w: no verifier configured", errUnverifiedUser)
	}
	if c.username == "" {
		return errNoUsername
	}
	ok, err := r.verifier.CheckAuthenticationStatus(ctx, c.username, c.tenantID, token)
	if err != nil {
		return fmt.Errorf("%w: %w", errUnverifiedUser, err)
	}
	if !ok {
		return errNoSession
	}
	return nil
}

// build folds the records of one tenant into a claim. It reports false when
// no PLATFORM record established the tenant.
func build(creds *credential.TokenCredentials) (AuthClaim, bool) {
	c := AuthClaim{
		username:    creds.RequesterUsername,
		performedBy: creds.RequesterEmail,
	}
	hasPlatform := false

	for _, rec := range creds.Records {
		switch rec.Type {
		case credential.TypePlatform:
			hasPlatform = true
			c.tenantID = rec.OwnerID
			c.platformClientID = rec.ID
			c.platformClientSecret = rec.Secret
			c.platformIDIssuedAt = rec.IssuedAt
			c.platformSecretExpiresAt = rec.SecretExpiresAt
			c.admin = rec.SuperAdmin
			c.superTenant = rec.SuperTenant
		case credential.TypeIAM:
			c.iamClientID = rec.ID
			c.iamClientSecret = rec.Secret
		case credential.TypeFederatedLogin:
			c.federatedClientID = rec.ID
			c.federatedClientSecret = rec.Secret
		case credential.TypeAgentClient:
			c.agentClientID = rec.ID
			c.agentClientSecret = rec.Secret
		case credential.TypeAgent:
			c.agentID = rec.ID
			c.agentPassword = rec.InternalSecret
		case credential.TypeIndividual:
		}
	}
	return c, hasPlatform
}

// checkAncestor walks parent links upward from target looking for caller.
// The target itself counts, so a tenant may always address its own client.
func (r *Resolver) checkAncestor(ctx context.Context, caller, target int64) error {
	visited := make(map[int64]struct{}, 8)
	current := target

	for depth := 0; depth <= MaxHierarchyDepth; depth++ {
		if current == caller {
			return nil
		}
		if _, seen := visited[current]; seen {
			return fmt.Errorf("%w at tenant %d", errHierarchyCycle, current)
		}
		visited[current] = struct{}{}

		t, err := r.tenants.Get(ctx, current)
		if err != nil {
			return err
		}
		if t.Root() {
			return errNotAncestor
		}
		current = t.ParentID
	}
	return errHierarchyDepth
}

func (r *Resolver) deny(cause error, message string, fields ...logger.TypedField) error {
	metrics.IncrCounter([]string{"claim", "denied"}, 1)
	r.logger.Debug("authorization denied", append(fields, logger.Err(cause))...)
	return logical.Unauthorized(message)
}
