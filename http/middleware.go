package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/stephnangue/tenantauth/claim"
	"github.com/stephnangue/tenantauth/logger"
)

type contextKey string

const claimKey contextKey = "auth_claim"

// ClaimFromContext returns the claim resolved by the middleware, if any.
func ClaimFromContext(ctx context.Context) (claim.AuthClaim, bool) {
	c, ok := ctx.Value(claimKey).(claim.AuthClaim)
	return c, ok
}

func withClaim(ctx context.Context, c claim.AuthClaim) context.Context {
	return context.WithValue(ctx, claimKey, c)
}

type authPolicy int

const (
	authRequired authPolicy = iota
	authOptional
	authNone
)

// policyFor lists the exemptions. Tenant registration is open but binds the
// new tenant to the caller when a token is sent.
func policyFor(r *http.Request) authPolicy {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/v1/openapi"),
		strings.HasPrefix(path, "/v1/docs"),
		strings.HasPrefix(path, "/v1/schemas"):
		return authNone
	case r.Method == http.MethodPost && path == "/v1/tenants":
		return authOptional
	default:
		return authRequired
	}
}

// claimMiddleware resolves the bearer token into an AuthClaim and stores it
// in the request context. Every resolution failure gets the same 401.
func (h *handlers) claimMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		policy := policyFor(r)
		header := r.Header.Get("Authorization")

		if policy == authNone || (policy == authOptional && header == "") {
			if h.auditRequest(w, r, nil) {
				next.ServeHTTP(w, r)
			}
			return
		}

		c, err := h.resolver.Authorize(r.Context(), header)
		if err != nil {
			h.logger.Debug("request rejected",
				logger.String("path", r.URL.Path),
				logger.String("method", r.Method))
			writeUnauthorized(w)
			return
		}

		if !h.auditRequest(w, r, &c) {
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaim(r.Context(), c)))
	})
}
