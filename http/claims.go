package http

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stephnangue/tenantauth/claim"
)

func (h *handlers) registerClaimOperations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-claim",
		Method:      http.MethodGet,
		Path:        "/v1/claims",
		Summary:     "Resolve the caller's claim",
		Description: "Resolves the credentials behind the bearer token. With client_id the claim is re-targeted at the tenant owning that platform client; the caller must be a super tenant or one of its ancestors.",
		Tags:        []string{"claims"},
		Security:    bearerSecurity,
	}, h.GetClaim)

	huma.Register(api, huma.Operation{
		OperationID: "get-user-claim",
		Method:      http.MethodGet,
		Path:        "/v1/claims/user",
		Summary:     "Resolve an end-user claim",
		Description: "Resolves the claim of a token that identifies an end user.",
		Tags:        []string{"claims"},
		Security:    bearerSecurity,
	}, h.GetUserClaim)

	huma.Register(api, huma.Operation{
		OperationID: "authn-status",
		Method:      http.MethodPost,
		Path:        "/v1/authn/status",
		Summary:     "Check an end-user session",
		Description: "Reports whether a token is a live session of the user in the caller's tenant.",
		Tags:        []string{"authn"},
		Security:    bearerSecurity,
	}, h.AuthenticationStatus)
}

func (h *handlers) GetClaim(ctx context.Context, input *GetClaimInput) (*ClaimOutput, error) {
	c, err := requireClaim(ctx)
	if err != nil {
		return nil, err
	}
	if input.ClientID != "" {
		c, err = h.resolver.AuthorizeClient(ctx, input.Authorization, input.ClientID)
		if err != nil {
			return nil, h.convertError(err)
		}
	}
	return &ClaimOutput{Body: claimBody(c)}, nil
}

func (h *handlers) GetUserClaim(ctx context.Context, input *GetUserClaimInput) (*ClaimOutput, error) {
	c, err := h.resolver.AuthorizeUserToken(ctx, input.Authorization)
	if err != nil {
		return nil, h.convertError(err)
	}
	return &ClaimOutput{Body: claimBody(c)}, nil
}

func (h *handlers) AuthenticationStatus(ctx context.Context, input *AuthnStatusInput) (*AuthnStatusOutput, error) {
	c, err := requireClaim(ctx)
	if err != nil {
		return nil, err
	}
	ok, err := h.identity.CheckAuthenticationStatus(ctx, input.Body.Username, c.TenantID(), input.Body.Token)
	if err != nil {
		return nil, h.convertError(err)
	}
	out := &AuthnStatusOutput{}
	out.Body.Authenticated = ok
	return out, nil
}

func claimBody(c claim.AuthClaim) ClaimBody {
	body := ClaimBody{
		TenantID:          c.TenantID(),
		PlatformClientID:  c.PlatformClientID(),
		IAMClientID:       c.IAMClientID(),
		FederatedClientID: c.FederatedClientID(),
		AgentClientID:     c.AgentClientID(),
		AgentID:           c.AgentID(),
		Username:          c.Username(),
		PerformedBy:       c.PerformedBy(),
		SuperTenant:       c.SuperTenant(),
		Admin:             c.Admin(),
	}
	if t := c.PlatformIDIssuedAt(); !t.IsZero() {
		body.PlatformIDIssuedAt = &t
	}
	if t := c.PlatformSecretExpiresAt(); !t.IsZero() {
		body.PlatformSecretExpiresAt = &t
	}
	if c.Username() == "" {
		body.PlatformClientSecret = c.PlatformClientSecret()
		body.IAMClientSecret = c.IAMClientSecret()
		body.FederatedClientSecret = c.FederatedClientSecret()
		body.AgentClientSecret = c.AgentClientSecret()
		body.AgentPassword = c.AgentPassword()
	}
	return body
}
