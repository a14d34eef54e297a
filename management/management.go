// Package management implements the tenant lifecycle: registration, status
// changes, deletion and lookups. Activation is delegated to an Activator and
// never blocks the caller.
package management

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"
	"github.com/hashicorp/go-multierror"
	"github.com/stephnangue/tenantauth/activation"
	"github.com/stephnangue/tenantauth/credential"
	"github.com/stephnangue/tenantauth/helper"
	"github.com/stephnangue/tenantauth/idp"
	"github.com/stephnangue/tenantauth/logger"
	"github.com/stephnangue/tenantauth/logical"
	"github.com/stephnangue/tenantauth/tenant"
)

const tokenEndpointAuthMethod = "client_secret_basic"

const (
	msgPendingApproval = "Use Base64 encoded clientId:clientSecret as auth token for authorization, credentials are activated after admin approval"
	msgActivated       = "Credentials are activated"
)

// Activator schedules tenant activations. *activation.Orchestrator implements it.
type Activator interface {
	Trigger(t tenant.Record, requestedBy string, reactivation bool, cb activation.Callback[tenant.Record])
}

type Dependencies struct {
	Credentials credential.Store
	Tenants     tenant.Directory
	Provider    idp.Adapter
	Activator   Activator
}

type Config struct {
	// TenantBaseURI is the registration endpoint returned to new tenants
	TenantBaseURI string
}

type Manager struct {
	deps    Dependencies
	baseURI string
	clock   func() time.Time
	logger  *logger.GatedLogger
}

func NewManager(deps Dependencies, config Config, log *logger.GatedLogger) *Manager {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	return &Manager{
		deps:    deps,
		baseURI: config.TenantBaseURI,
		clock:   time.Now,
		logger:  log.WithSubsystem("management"),
	}
}

type CreateTenantRequest struct {
	ParentID       int64
	Name           string
	AdminUsername  string
	AdminPassword  string
	AdminEmail     string
	AdminFirstName string
	AdminLastName  string
	RequesterEmail string
	BaseURL        string
	RedirectURIs   []string
	Scope          string
	Domain         string
	Comment        string
}

func (r *CreateTenantRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(r.AdminUsername) == "" {
		missing = append(missing, "admin_username")
	}
	if r.ParentID <= 0 && r.AdminPassword == "" {
		missing = append(missing, "admin_password")
	}
	if len(missing) > 0 {
		return logical.BadRequestf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

type CreateTenantResponse struct {
	TenantID                int64
	ClientID                string
	ClientSecret            string
	ClientIDIssuedAt        time.Time
	ClientSecretExpiresAt   time.Time
	TokenEndpointAuthMethod string
	Activated               bool
	RegistrationClientURI   string
	Message                 string
}

// CreateTenant registers a tenant as REQUESTED and issues its platform
// credential. A child tenant is activated right away; a root tenant waits for
// an administrator and gets an INDIVIDUAL credential for its admin.
func (m *Manager) CreateTenant(ctx context.Context, req CreateTenantRequest) (*CreateTenantResponse, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.ParentID > 0 {
		if _, err := m.deps.Tenants.Get(ctx, req.ParentID); err != nil {
			if errors.Is(err, tenant.ErrNotFound) {
				return nil, logical.BadRequestf("parent tenant %d does not exist", req.ParentID)
			}
			return nil, err
		}
	}

	rec, err := m.deps.Tenants.Create(ctx, tenant.Record{
		ParentID:       req.ParentID,
		Name:           req.Name,
		Status:         tenant.StatusRequested,
		AdminUsername:  strings.ToLower(req.AdminUsername),
		AdminEmail:     req.AdminEmail,
		AdminFirstName: req.AdminFirstName,
		AdminLastName:  req.AdminLastName,
		RequesterEmail: req.RequesterEmail,
		BaseURL:        req.BaseURL,
		RedirectURIs:   slices.Clone(req.RedirectURIs),
		Scope:          req.Scope,
		Domain:         req.Domain,
		Comment:        req.Comment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}
	log := m.logger.WithFields(logger.TenantID(rec.ID))

	secret, err := helper.GenerateClientSecret()
	if err != nil {
		return nil, err
	}
	platform := credential.Record{
		ID:       helper.GenerateClientID(),
		Secret:   secret,
		OwnerID:  rec.ID,
		Type:     credential.TypePlatform,
		IssuedAt: m.clock().UTC(),
	}
	if err := m.deps.Credentials.Put(ctx, platform); err != nil {
		return nil, fmt.Errorf("failed to store platform credential: %w", err)
	}

	resp := &CreateTenantResponse{
		TenantID:                rec.ID,
		ClientID:                platform.ID,
		ClientSecret:            platform.Secret,
		ClientIDIssuedAt:        platform.IssuedAt,
		ClientSecretExpiresAt:   platform.SecretExpiresAt,
		TokenEndpointAuthMethod: tokenEndpointAuthMethod,
		RegistrationClientURI:   m.registrationURI(platform.ID),
		Message:                 msgPendingApproval,
	}

	if req.ParentID > 0 {
		m.deps.Activator.Trigger(*rec, req.RequesterEmail, false, m.activationCallback(rec.ID))
		resp.Activated = true
		resp.Message = msgActivated
	} else {
		err := m.deps.Credentials.Put(ctx, credential.Record{
			ID:             rec.AdminUsername,
			InternalSecret: req.AdminPassword,
			OwnerID:        rec.ID,
			Type:           credential.TypeIndividual,
			IssuedAt:       platform.IssuedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to store admin credential: %w", err)
		}
	}

	metrics.IncrCounter([]string{"management", "tenant", "created"}, 1)
	log.Info("tenant registered",
		logger.Int64("parent_id", req.ParentID),
		logger.String("client_id", platform.ID),
		logger.Bool("activated", resp.Activated))
	return resp, nil
}

func (m *Manager) registrationURI(clientID string) string {
	if m.baseURI == "" {
		return ""
	}
	return m.baseURI + "?client_id=" + url.QueryEscape(clientID)
}

type UpdateStatusRequest struct {
	ClientID    string
	Status      tenant.Status
	UpdatedBy   string
	SuperTenant bool
}

type UpdateStatusResponse struct {
	TenantID  int64
	Status    tenant.Status
	UpdatedBy string
	// ActivationPending is set when ACTIVE was requested. Status is then the
	// status before activation, which writes ACTIVE once provisioning is done.
	ActivationPending bool
}

// UpdateTenantStatus changes the status of the tenant owning the platform
// client. Moving to ACTIVE schedules an activation and returns before it runs;
// the tenant only becomes ACTIVE when that activation succeeds.
func (m *Manager) UpdateTenantStatus(ctx context.Context, req UpdateStatusRequest) (*UpdateStatusResponse, error) {
	if req.ClientID == "" {
		return nil, logical.BadRequest("client_id is required")
	}
	if _, err := tenant.ParseStatus(string(req.Status)); err != nil {
		return nil, logical.BadRequest(err.Error())
	}
	if req.UpdatedBy == "" {
		req.UpdatedBy = tenant.ActorGatewayAdmin
	}

	platform, err := m.deps.Credentials.LookupByTypeAndID(ctx, credential.TypePlatform, req.ClientID)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return nil, logical.NotFoundf("no tenant for client %s", req.ClientID)
		}
		return nil, err
	}

	current, err := m.getTenant(ctx, platform.OwnerID)
	if err != nil {
		return nil, err
	}
	if err := tenant.ValidateTransition(current.Status, req.Status); err != nil {
		return nil, logical.Conflict("status change rejected", err)
	}

	if req.SuperTenant && !platform.SuperTenant {
		platform.SuperTenant = true
		if err := m.deps.Credentials.Put(ctx, *platform); err != nil {
			return nil, fmt.Errorf("failed to promote tenant: %w", err)
		}
	}

	reactivation, err := m.wasActive(ctx, current)
	if err != nil {
		return nil, err
	}

	if req.Status == tenant.StatusActive {
		m.deps.Activator.Trigger(*current, req.UpdatedBy, reactivation, m.activationCallback(current.ID))
		m.logger.Info("tenant activation requested",
			logger.TenantID(current.ID),
			logger.String("from", string(current.Status)),
			logger.String("updated_by", req.UpdatedBy),
			logger.Bool("reactivation", reactivation))
		return &UpdateStatusResponse{
			TenantID:          current.ID,
			Status:            current.Status,
			UpdatedBy:         req.UpdatedBy,
			ActivationPending: true,
		}, nil
	}

	updated, err := m.deps.Tenants.TransitionStatus(ctx, current.ID, []tenant.Status{current.Status}, req.Status, req.UpdatedBy)
	if err != nil {
		if errors.Is(err, tenant.ErrStatusChanged) {
			return nil, logical.Conflict("status change rejected", err)
		}
		return nil, fmt.Errorf("failed to update tenant status: %w", err)
	}

	m.logger.Info("tenant status updated",
		logger.TenantID(current.ID),
		logger.String("from", string(current.Status)),
		logger.String("to", string(req.Status)),
		logger.String("updated_by", req.UpdatedBy))

	return &UpdateStatusResponse{
		TenantID:  updated.ID,
		Status:    updated.Status,
		UpdatedBy: req.UpdatedBy,
	}, nil
}

// wasActive reports whether the tenant has been ACTIVE at some point
func (m *Manager) wasActive(ctx context.Context, t *tenant.Record) (bool, error) {
	if t.Status == tenant.StatusActive {
		return true, nil
	}
	history, err := m.deps.Tenants.StatusHistory(ctx, t.ID)
	if err != nil {
		return false, err
	}
	for _, change := range history {
		if change.To == tenant.StatusActive {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) activationCallback(tenantID int64) activation.Callback[tenant.Record] {
	log := m.logger.WithFields(logger.TenantID(tenantID))
	return activation.CallbackFuncs[tenant.Record]{
		Completed: func(tenant.Record) {
			log.Info("tenant activation completed")
		},
		Failed: func(err error) {
			log.Error("tenant activation failed", logger.Err(err))
		},
	}
}

// UpdateTenantRequest carries the descriptive fields of a tenant. Empty fields
// and a nil RedirectURIs keep the stored value. Status, parent and admin
// username are not changed here.
type UpdateTenantRequest struct {
	TenantID       int64
	Name           string
	AdminEmail     string
	AdminFirstName string
	AdminLastName  string
	RequesterEmail string
	BaseURL        string
	RedirectURIs   []string
	Scope          string
	Domain         string
	Comment        string
}

type UpdateTenantResponse struct {
	Tenant TenantView
	// ActivationPending is set when the tenant is ACTIVE and its identity
	// provider client and admin profile are being refreshed.
	ActivationPending bool
}

// UpdateTenant replaces the descriptive fields of a tenant. An ACTIVE tenant is
// re-activated by GATEWAY_ADMIN so the provider client picks up the new base
// url and redirect uris and the admin profile is upserted again.
func (m *Manager) UpdateTenant(ctx context.Context, req UpdateTenantRequest) (*UpdateTenantResponse, error) {
	current, err := m.getTenant(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	next := *current
	next.RedirectURIs = slices.Clone(current.RedirectURIs)
	setIfNotEmpty(&next.Name, req.Name)
	setIfNotEmpty(&next.AdminEmail, req.AdminEmail)
	setIfNotEmpty(&next.AdminFirstName, req.AdminFirstName)
	setIfNotEmpty(&next.AdminLastName, req.AdminLastName)
	setIfNotEmpty(&next.RequesterEmail, req.RequesterEmail)
	setIfNotEmpty(&next.BaseURL, req.BaseURL)
	setIfNotEmpty(&next.Scope, req.Scope)
	setIfNotEmpty(&next.Domain, req.Domain)
	setIfNotEmpty(&next.Comment, req.Comment)
	if req.RedirectURIs != nil {
		next.RedirectURIs = slices.Clone(req.RedirectURIs)
	}
	if strings.TrimSpace(next.Name) == "" {
		return nil, logical.BadRequest("name must not be empty")
	}

	updated, err := m.deps.Tenants.Update(ctx, next)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			return nil, logical.NotFoundf("tenant %d not found", req.TenantID)
		}
		return nil, fmt.Errorf("failed to update tenant: %w", err)
	}
	log := m.logger.WithFields(logger.TenantID(updated.ID))
	log.Info("tenant updated", logger.String("status", string(updated.Status)))

	resp := &UpdateTenantResponse{}
	if updated.Status == tenant.StatusActive {
		m.deps.Activator.Trigger(*updated, tenant.ActorGatewayAdmin, true, m.activationCallback(updated.ID))
		resp.ActivationPending = true
		log.Debug("tenant reactivation scheduled after update")
	}

	view, err := m.GetTenant(ctx, updated.ID)
	if err != nil {
		return nil, err
	}
	resp.Tenant = *view
	return resp, nil
}

func setIfNotEmpty(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

// ListChildTenants lists the direct children of a tenant, oldest first
func (m *Manager) ListChildTenants(ctx context.Context, parentID int64) ([]tenant.Record, error) {
	if _, err := m.getTenant(ctx, parentID); err != nil {
		return nil, err
	}
	children, err := m.deps.Tenants.ListChildren(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child tenants: %w", err)
	}
	return children, nil
}

// DeleteTenant deactivates the tenant, then removes its identity provider
// realm and its credentials. Cleanup failures are collected, not short-circuited.
func (m *Manager) DeleteTenant(ctx context.Context, tenantID int64) error {
	if _, err := m.getTenant(ctx, tenantID); err != nil {
		return err
	}
	if _, err := m.deps.Tenants.UpdateStatus(ctx, tenantID, tenant.StatusDeactivated, tenant.ActorGatewayAdmin); err != nil {
		return fmt.Errorf("failed to deactivate tenant: %w", err)
	}

	var result *multierror.Error
	if err := m.deps.Provider.DeleteRealm(ctx, tenantID); err != nil && !errors.Is(err, idp.ErrRealmNotFound) {
		result = multierror.Append(result, logical.UpstreamFailure("failed to delete realm", err))
	}
	if err := m.deps.Credentials.DeleteAllForOwner(ctx, tenantID); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to delete credentials: %w", err))
	}
	if err := result.ErrorOrNil(); err != nil {
		m.logger.Error("tenant deletion incomplete", logger.TenantID(tenantID), logger.Err(err))
		return err
	}

	metrics.IncrCounter([]string{"management", "tenant", "deleted"}, 1)
	m.logger.Info("tenant deleted", logger.TenantID(tenantID))
	return nil
}

// TenantView is a tenant with the platform client ids of itself and its parent
type TenantView struct {
	tenant.Record
	ClientID       string
	ParentClientID string
}

func (m *Manager) GetTenant(ctx context.Context, tenantID int64) (*TenantView, error) {
	rec, err := m.getTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	view := &TenantView{Record: *rec}

	platform, err := m.deps.Credentials.LookupByOwnerAndType(ctx, rec.ID, credential.TypePlatform)
	switch {
	case err == nil:
		view.ClientID = platform.ID
	case !errors.Is(err, credential.ErrNotFound):
		return nil, err
	}

	if !rec.Root() {
		parent, err := m.deps.Credentials.LookupByOwnerAndType(ctx, rec.ParentID, credential.TypePlatform)
		switch {
		case err == nil:
			view.ParentClientID = parent.ID
		case !errors.Is(err, credential.ErrNotFound):
			return nil, err
		}
	}
	return view, nil
}

// ValidateTenant reports whether secret is the platform secret of clientID
func (m *Manager) ValidateTenant(ctx context.Context, clientID, secret string) (bool, error) {
	platform, err := m.deps.Credentials.LookupByTypeAndID(ctx, credential.TypePlatform, clientID)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return false, logical.NotFoundf("no tenant for client %s", clientID)
		}
		return false, err
	}
	return helper.SecretsEqual(strings.TrimSpace(platform.Secret), strings.TrimSpace(secret)), nil
}

// StatusAuditTrail lists the status changes of a tenant, oldest first
func (m *Manager) StatusAuditTrail(ctx context.Context, tenantID int64) ([]tenant.StatusChange, error) {
	if _, err := m.getTenant(ctx, tenantID); err != nil {
		return nil, err
	}
	return m.deps.Tenants.StatusHistory(ctx, tenantID)
}

func (m *Manager) getTenant(ctx context.Context, tenantID int64) (*tenant.Record, error) {
	rec, err := m.deps.Tenants.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			return nil, logical.NotFoundf("tenant %d not found", tenantID)
		}
		return nil, err
	}
	return rec, nil
}
