package http

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stephnangue/tenantauth/logger"
	"github.com/stephnangue/tenantauth/management"
	"github.com/stephnangue/tenantauth/tenant"
)

func (h *handlers) registerTenantOperations(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-tenant",
		Method:        http.MethodPost,
		Path:          "/v1/tenants",
		Summary:       "Register a tenant",
		Description:   "Registers a tenant and issues its platform client. With a bearer token the tenant is created under the caller and activated right away; without one it is a root tenant awaiting approval.",
		Tags:          []string{"tenants"},
		DefaultStatus: http.StatusCreated,
	}, h.CreateTenant)

	huma.Register(api, huma.Operation{
		OperationID: "get-tenant",
		Method:      http.MethodGet,
		Path:        "/v1/tenants/{id}",
		Summary:     "Get a tenant",
		Tags:        []string{"tenants"},
		Security:    bearerSecurity,
	}, h.GetTenant)

	huma.Register(api, huma.Operation{
		OperationID: "update-tenant",
		Method:      http.MethodPut,
		Path:        "/v1/tenants/{id}",
		Summary:     "Update a tenant",
		Description: "Changes the descriptive fields of a tenant. Omitted fields keep their value. An ACTIVE tenant is re-activated so its identity provider client and admin profile follow the change.",
		Tags:        []string{"tenants"},
		Security:    bearerSecurity,
	}, h.UpdateTenant)

	huma.Register(api, huma.Operation{
		OperationID: "list-child-tenants",
		Method:      http.MethodGet,
		Path:        "/v1/tenants/{id}/children",
		Summary:     "List the direct children of a tenant",
		Tags:        []string{"tenants"},
		Security:    bearerSecurity,
	}, h.ListChildTenants)

	huma.Register(api, huma.Operation{
		OperationID: "update-tenant-status",
		Method:      http.MethodPut,
		Path:        "/v1/tenants/status",
		Summary:     "Change a tenant status",
		Description: "Moves the tenant owning client_id to a new status. Moving to ACTIVE schedules activation and returns before it completes; the tenant keeps its current status until activation writes ACTIVE.",
		Tags:        []string{"tenants"},
		Security:    bearerSecurity,
	}, h.UpdateTenantStatus)

	huma.Register(api, huma.Operation{
		OperationID: "validate-tenant",
		Method:      http.MethodPost,
		Path:        "/v1/tenants/validate",
		Summary:     "Check a platform client secret",
		Tags:        []string{"tenants"},
		Security:    bearerSecurity,
	}, h.ValidateTenant)

	huma.Register(api, huma.Operation{
		OperationID:   "delete-tenant",
		Method:        http.MethodDelete,
		Path:          "/v1/tenants/{id}",
		Summary:       "Delete a tenant",
		Description:   "Deactivates the tenant, removes its identity provider realm and its credentials.",
		Tags:          []string{"tenants"},
		Security:      bearerSecurity,
		DefaultStatus: http.StatusNoContent,
	}, h.DeleteTenant)

	huma.Register(api, huma.Operation{
		OperationID: "tenant-audit-trail",
		Method:      http.MethodGet,
		Path:        "/v1/tenants/{id}/audit",
		Summary:     "List the status changes of a tenant",
		Tags:        []string{"tenants"},
		Security:    bearerSecurity,
	}, h.StatusAuditTrail)
}

func (h *handlers) CreateTenant(ctx context.Context, input *CreateTenantInput) (*CreateTenantOutput, error) {
	in := input.Body
	req := management.CreateTenantRequest{
		Name:           in.Name,
		AdminUsername:  in.AdminUsername,
		AdminPassword:  in.AdminPassword,
		AdminEmail:     in.AdminEmail,
		AdminFirstName: in.AdminFirstName,
		AdminLastName:  in.AdminLastName,
		RequesterEmail: in.RequesterEmail,
		BaseURL:        in.BaseURL,
		RedirectURIs:   in.RedirectURIs,
		Scope:          in.Scope,
		Domain:         in.Domain,
		Comment:        in.Comment,
	}
	if c, ok := ClaimFromContext(ctx); ok {
		req.ParentID = c.TenantID()
		if req.RequesterEmail == "" {
			req.RequesterEmail = c.PerformedBy()
		}
	}

	resp, err := h.manager.CreateTenant(ctx, req)
	if err != nil {
		return nil, h.convertError(err)
	}

	out := &CreateTenantOutput{}
	out.Body.TenantID = resp.TenantID
	out.Body.ClientID = resp.ClientID
	out.Body.ClientSecret = resp.ClientSecret
	out.Body.ClientIDIssuedAt = resp.ClientIDIssuedAt.Unix()
	if !resp.ClientSecretExpiresAt.IsZero() {
		out.Body.ClientSecretExpiresAt = resp.ClientSecretExpiresAt.Unix()
	}
	out.Body.TokenEndpointAuthMethod = resp.TokenEndpointAuthMethod
	out.Body.RegistrationClientURI = resp.RegistrationClientURI
	out.Body.Activated = resp.Activated
	out.Body.Message = resp.Message
	return out, nil
}

func (h *handlers) GetTenant(ctx context.Context, input *TenantIDInput) (*TenantOutput, error) {
	if err := h.authorizeTenant(ctx, input.ID); err != nil {
		return nil, err
	}
	view, err := h.manager.GetTenant(ctx, input.ID)
	if err != nil {
		return nil, h.convertError(err)
	}
	return &TenantOutput{Body: tenantBody(view.Record, view.ClientID, view.ParentClientID)}, nil
}

func tenantBody(rec tenant.Record, clientID, parentClientID string) TenantBody {
	return TenantBody{
		ID:             rec.ID,
		ParentID:       rec.ParentID,
		Name:           rec.Name,
		Status:         string(rec.Status),
		ClientID:       clientID,
		ParentClientID: parentClientID,
		AdminUsername:  rec.AdminUsername,
		AdminEmail:     rec.AdminEmail,
		RequesterEmail: rec.RequesterEmail,
		BaseURL:        rec.BaseURL,
		RedirectURIs:   rec.RedirectURIs,
		Scope:          rec.Scope,
		Domain:         rec.Domain,
		Comment:        rec.Comment,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func (h *handlers) UpdateTenant(ctx context.Context, input *UpdateTenantInput) (*UpdateTenantOutput, error) {
	if err := h.authorizeTenant(ctx, input.ID); err != nil {
		return nil, err
	}
	in := input.Body
	resp, err := h.manager.UpdateTenant(ctx, management.UpdateTenantRequest{
		TenantID:       input.ID,
		Name:           in.Name,
		AdminEmail:     in.AdminEmail,
		AdminFirstName: in.AdminFirstName,
		AdminLastName:  in.AdminLastName,
		RequesterEmail: in.RequesterEmail,
		BaseURL:        in.BaseURL,
		RedirectURIs:   in.RedirectURIs,
		Scope:          in.Scope,
		Domain:         in.Domain,
		Comment:        in.Comment,
	})
	if err != nil {
		return nil, h.convertError(err)
	}

	out := &UpdateTenantOutput{}
	out.Body.Tenant = tenantBody(resp.Tenant.Record, resp.Tenant.ClientID, resp.Tenant.ParentClientID)
	out.Body.ActivationPending = resp.ActivationPending
	return out, nil
}

func (h *handlers) ListChildTenants(ctx context.Context, input *TenantIDInput) (*ChildTenantsOutput, error) {
	if err := h.authorizeTenant(ctx, input.ID); err != nil {
		return nil, err
	}
	children, err := h.manager.ListChildTenants(ctx, input.ID)
	if err != nil {
		return nil, h.convertError(err)
	}

	out := &ChildTenantsOutput{}
	out.Body.Tenants = make([]TenantBody, 0, len(children))
	for _, child := range children {
		out.Body.Tenants = append(out.Body.Tenants, tenantBody(child, "", ""))
	}
	return out, nil
}

func (h *handlers) UpdateTenantStatus(ctx context.Context, input *UpdateStatusInput) (*UpdateStatusOutput, error) {
	if _, err := requireClaim(ctx); err != nil {
		return nil, err
	}
	if input.Body.ClientID == "" {
		return nil, huma.Error400BadRequest("client_id is required")
	}

	c, err := h.resolver.AuthorizeClient(ctx, input.Authorization, input.Body.ClientID)
	if err != nil {
		return nil, h.convertError(err)
	}
	if input.Body.SuperTenant && !c.SuperTenant() {
		h.logger.Warn("super tenant grant refused",
			logger.String("client_id", c.PlatformClientID()),
			logger.String("target_client_id", input.Body.ClientID))
		return nil, huma.Error403Forbidden("Operation not permitted")
	}

	status := tenant.Status(input.Body.Status)
	if parsed, err := tenant.ParseStatus(input.Body.Status); err == nil {
		status = parsed
	}

	updatedBy := c.PerformedBy()
	if updatedBy == "" {
		updatedBy = c.PlatformClientID()
	}

	resp, err := h.manager.UpdateTenantStatus(ctx, management.UpdateStatusRequest{
		ClientID:    input.Body.ClientID,
		Status:      status,
		UpdatedBy:   updatedBy,
		SuperTenant: input.Body.SuperTenant,
	})
	if err != nil {
		return nil, h.convertError(err)
	}

	out := &UpdateStatusOutput{}
	out.Body.TenantID = resp.TenantID
	out.Body.Status = string(resp.Status)
	out.Body.UpdatedBy = resp.UpdatedBy
	out.Body.ActivationPending = resp.ActivationPending
	return out, nil
}

func (h *handlers) ValidateTenant(ctx context.Context, input *ValidateTenantInput) (*ValidateTenantOutput, error) {
	if _, err := requireClaim(ctx); err != nil {
		return nil, err
	}
	if input.Body.ClientID == "" {
		return nil, huma.Error400BadRequest("client_id is required")
	}
	if _, err := h.resolver.AuthorizeClient(ctx, input.Authorization, input.Body.ClientID); err != nil {
		return nil, h.convertError(err)
	}

	valid, err := h.manager.ValidateTenant(ctx, input.Body.ClientID, input.Body.ClientSecret)
	if err != nil {
		return nil, h.convertError(err)
	}
	out := &ValidateTenantOutput{}
	out.Body.Valid = valid
	return out, nil
}

func (h *handlers) DeleteTenant(ctx context.Context, input *TenantIDInput) (*struct{}, error) {
	if err := h.authorizeTenant(ctx, input.ID); err != nil {
		return nil, err
	}
	if err := h.manager.DeleteTenant(ctx, input.ID); err != nil {
		return nil, h.convertError(err)
	}
	return nil, nil
}

func (h *handlers) StatusAuditTrail(ctx context.Context, input *TenantIDInput) (*AuditTrailOutput, error) {
	if err := h.authorizeTenant(ctx, input.ID); err != nil {
		return nil, err
	}
	changes, err := h.manager.StatusAuditTrail(ctx, input.ID)
	if err != nil {
		return nil, h.convertError(err)
	}

	out := &AuditTrailOutput{}
	out.Body.Entries = make([]StatusChangeBody, 0, len(changes))
	for _, ch := range changes {
		out.Body.Entries = append(out.Body.Entries, StatusChangeBody{
			From:      string(ch.From),
			To:        string(ch.To),
			UpdatedBy: ch.UpdatedBy,
			ChangedAt: ch.ChangedAt,
		})
	}
	return out, nil
}

// authorizeTenant checks that the caller may act on tenantID.
func (h *handlers) authorizeTenant(ctx context.Context, tenantID int64) error {
	c, err := requireClaim(ctx)
	if err != nil {
		return err
	}
	if _, err := h.resolver.Retarget(ctx, c, tenantID); err != nil {
		return h.convertError(err)
	}
	return nil
}
