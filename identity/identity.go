package identity

import (
	"context"
	"strings"
	"time"

	"github.com/stephnangue/tenantauth/authzcache"
	"github.com/stephnangue/tenantauth/helper"
	"github.com/stephnangue/tenantauth/idp"
	"github.com/stephnangue/tenantauth/logger"
	"github.com/stephnangue/tenantauth/logical"
)

// Service answers authentication questions about end users, consulting the
// decision cache before the identity provider.
type Service struct {
	provider idp.Adapter
	cache    *authzcache.Cache // nil disables caching
	clock    func() time.Time
	logger   *logger.GatedLogger
}

type Option func(*Service)

// WithCache enables decision caching
func WithCache(cache *authzcache.Cache) Option {
	return func(s *Service) { s.cache = cache }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func NewService(provider idp.Adapter, log *logger.GatedLogger, opts ...Option) *Service {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	s := &Service{
		provider: provider,
		clock:    time.Now,
		logger:   log.WithSubsystem("identity"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckAuthenticationStatus reports whether token is a live session of
// username in the tenant. A cached decision is returned without contacting
// the provider; provider errors are returned as UpstreamFailure and never cached.
func (s *Service) CheckAuthenticationStatus(ctx context.Context, username string, tenantID int64, token string) (bool, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || token == "" {
		return false, logical.BadRequest("username and token are required")
	}

	key := authzcache.Key{Username: username, TenantID: tenantID, Token: token}
	if s.cache != nil {
		switch s.cache.Get(key) {
		case authzcache.HitAuthorized:
			return true, nil
		case authzcache.HitNotAuthorized:
			return false, nil
		}
	}

	authenticated, err := s.provider.IsUserAuthenticated(ctx, tenantID, username, token)
	if err != nil {
		s.logger.Warn("authentication status check failed",
			logger.TenantID(tenantID),
			logger.String("username", username),
			logger.String("token", helper.Fingerprint(token)),
			logger.Err(err))
		return false, logical.UpstreamFailure("identity provider unavailable", err)
	}

	if s.cache != nil {
		s.cache.Put(key, authenticated, s.clock())
	}
	return authenticated, nil
}

// ServiceAccountToken obtains a service-account token for a tenant's IAM client
func (s *Service) ServiceAccountToken(ctx context.Context, clientID, clientSecret string, tenantID int64) (*idp.AccessToken, error) {
	token, err := s.provider.ServiceAccountToken(ctx, clientID, clientSecret, tenantID)
	if err != nil {
		return nil, logical.UpstreamFailure("failed to obtain service account token", err)
	}
	return token, nil
}
