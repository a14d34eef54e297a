package http

import "time"

// GetClaimInput represents the input for resolving the caller's claim
type GetClaimInput struct {
	Authorization string `header:"Authorization" doc:"Bearer token of a tenant credential"`
	ClientID      string `query:"client_id" maxLength:"256" doc:"Resolve the claim for the tenant owning this platform client" example:"5f0c6d1e-8a4b-4c1f-9e61-0a4f2b7d3c21"`
}

// GetUserClaimInput represents the input for resolving an end-user claim
type GetUserClaimInput struct {
	Authorization string `header:"Authorization" doc:"Bearer token issued to an end user"`
}

// ClaimOutput represents a resolved claim
type ClaimOutput struct {
	Body ClaimBody
}

// ClaimBody is the serialized AuthClaim. Secrets are only included for
// client credential claims.
type ClaimBody struct {
	TenantID                int64      `json:"tenant_id" doc:"Tenant the claim acts on"`
	PlatformClientID        string     `json:"platform_client_id" doc:"Platform client id"`
	PlatformClientSecret    string     `json:"platform_client_secret,omitempty" doc:"Platform client secret"`
	PlatformIDIssuedAt      *time.Time `json:"platform_client_id_issued_at,omitempty" doc:"Issue time of the platform client"`
	PlatformSecretExpiresAt *time.Time `json:"platform_client_secret_expires_at,omitempty" doc:"Expiry of the platform secret"`
	IAMClientID             string     `json:"iam_client_id,omitempty" doc:"Identity provider client id"`
	IAMClientSecret         string     `json:"iam_client_secret,omitempty" doc:"Identity provider client secret"`
	FederatedClientID       string     `json:"federated_client_id,omitempty" doc:"Federated login client id"`
	FederatedClientSecret   string     `json:"federated_client_secret,omitempty" doc:"Federated login client secret"`
	AgentClientID           string     `json:"agent_client_id,omitempty" doc:"Agent client id"`
	AgentClientSecret       string     `json:"agent_client_secret,omitempty" doc:"Agent client secret"`
	AgentID                 string     `json:"agent_id,omitempty" doc:"Agent id"`
	AgentPassword           string     `json:"agent_password,omitempty" doc:"Agent password"`
	Username                string     `json:"username,omitempty" doc:"End user behind the token"`
	PerformedBy             string     `json:"performed_by,omitempty" doc:"Actor recorded in audit entries"`
	SuperTenant             bool       `json:"super_tenant" doc:"Whether the tenant may act on any tenant"`
	Admin                   bool       `json:"admin" doc:"Whether the credential is a gateway administrator"`
}

// AuthnStatusInput represents the input for an authentication status check
type AuthnStatusInput struct {
	Body struct {
		Username string `json:"username,omitempty" maxLength:"256" doc:"End user name" example:"alice"`
		Token    string `json:"token,omitempty" doc:"Access token presented by the end user"`
	}
}

// AuthnStatusOutput represents the result of an authentication status check
type AuthnStatusOutput struct {
	Body struct {
		Authenticated bool `json:"authenticated" doc:"Whether the token is a live session of the user"`
	}
}

// CreateTenantInput represents the input for registering a tenant
type CreateTenantInput struct {
	Body struct {
		Name           string   `json:"name,omitempty" maxLength:"256" doc:"Tenant name" example:"acme"`
		AdminUsername  string   `json:"admin_username,omitempty" maxLength:"256" doc:"Username of the tenant administrator" example:"alice"`
		AdminPassword  string   `json:"admin_password,omitempty" doc:"Administrator password, required for a root tenant"`
		AdminEmail     string   `json:"admin_email,omitempty" doc:"Administrator email"`
		AdminFirstName string   `json:"admin_first_name,omitempty" doc:"Administrator first name"`
		AdminLastName  string   `json:"admin_last_name,omitempty" doc:"Administrator last name"`
		RequesterEmail string   `json:"requester_email,omitempty" doc:"Email of the person requesting the tenant"`
		BaseURL        string   `json:"base_url,omitempty" doc:"Base URL of the tenant application"`
		RedirectURIs   []string `json:"redirect_uris,omitempty" doc:"Allowed redirect URIs"`
		Scope          string   `json:"scope,omitempty" doc:"Requested scope"`
		Domain         string   `json:"domain,omitempty" doc:"Tenant domain"`
		Comment        string   `json:"comment,omitempty" doc:"Free-form comment"`
	}
}

// CreateTenantOutput represents a registered tenant and its platform client
type CreateTenantOutput struct {
	Body struct {
		TenantID                int64  `json:"tenant_id" doc:"Tenant id"`
		ClientID                string `json:"client_id" doc:"Platform client id"`
		ClientSecret            string `json:"client_secret" doc:"Platform client secret"`
		ClientIDIssuedAt        int64  `json:"client_id_issued_at" doc:"Issue time, seconds since epoch"`
		ClientSecretExpiresAt   int64  `json:"client_secret_expires_at" doc:"Secret expiry, seconds since epoch, 0 if it never expires"`
		TokenEndpointAuthMethod string `json:"token_endpoint_auth_method" doc:"Authentication method at the token endpoint"`
		RegistrationClientURI   string `json:"registration_client_uri,omitempty" doc:"URI of the registered client"`
		Activated               bool   `json:"activated" doc:"Whether activation was scheduled"`
		Message                 string `json:"message" doc:"Status message"`
	}
}

// TenantIDInput addresses a tenant by id
type TenantIDInput struct {
	ID int64 `path:"id" minimum:"1" doc:"Tenant id" example:"42"`
}

// TenantOutput represents a tenant
type TenantOutput struct {
	Body TenantBody
}

// TenantBody is the serialized tenant view
type TenantBody struct {
	ID             int64     `json:"id" doc:"Tenant id"`
	ParentID       int64     `json:"parent_id,omitempty" doc:"Parent tenant id, absent for a root tenant"`
	Name           string    `json:"name" doc:"Tenant name"`
	Status         string    `json:"status" doc:"Lifecycle status" enum:"REQUESTED,ACTIVE,DEACTIVATED,CANCELLED"`
	ClientID       string    `json:"client_id,omitempty" doc:"Platform client id"`
	ParentClientID string    `json:"parent_client_id,omitempty" doc:"Platform client id of the parent"`
	AdminUsername  string    `json:"admin_username" doc:"Administrator username"`
	AdminEmail     string    `json:"admin_email,omitempty" doc:"Administrator email"`
	RequesterEmail string    `json:"requester_email,omitempty" doc:"Requester email"`
	BaseURL        string    `json:"base_url,omitempty" doc:"Base URL"`
	RedirectURIs   []string  `json:"redirect_uris,omitempty" doc:"Redirect URIs"`
	Scope          string    `json:"scope,omitempty" doc:"Scope"`
	Domain         string    `json:"domain,omitempty" doc:"Domain"`
	Comment        string    `json:"comment,omitempty" doc:"Comment"`
	CreatedAt      time.Time `json:"created_at" doc:"Creation time"`
	UpdatedAt      time.Time `json:"updated_at" doc:"Last update time"`
}

// UpdateTenantInput represents the input for changing the descriptive fields
// of a tenant
type UpdateTenantInput struct {
	ID   int64 `path:"id" minimum:"1" doc:"Tenant id" example:"42"`
	Body struct {
		Name           string   `json:"name,omitempty" doc:"Tenant name"`
		AdminEmail     string   `json:"admin_email,omitempty" doc:"Admin email"`
		AdminFirstName string   `json:"admin_first_name,omitempty" doc:"Admin first name"`
		AdminLastName  string   `json:"admin_last_name,omitempty" doc:"Admin last name"`
		RequesterEmail string   `json:"requester_email,omitempty" doc:"Requester email"`
		BaseURL        string   `json:"base_url,omitempty" doc:"Tenant application base url"`
		RedirectURIs   []string `json:"redirect_uris,omitempty" doc:"OAuth redirect uris, replaced as a whole"`
		Scope          string   `json:"scope,omitempty" doc:"OAuth scope"`
		Domain         string   `json:"domain,omitempty" doc:"Domain"`
		Comment        string   `json:"comment,omitempty" doc:"Comment"`
	}
}

// UpdateTenantOutput represents an updated tenant
type UpdateTenantOutput struct {
	Body struct {
		Tenant            TenantBody `json:"tenant" doc:"Tenant after the update"`
		ActivationPending bool       `json:"activation_pending,omitempty" doc:"The ACTIVE tenant is being re-activated with the new settings"`
	}
}

// ChildTenantsOutput lists the direct children of a tenant
type ChildTenantsOutput struct {
	Body struct {
		Tenants []TenantBody `json:"tenants" doc:"Child tenants, oldest first"`
	}
}

// UpdateStatusInput represents the input for changing a tenant status
type UpdateStatusInput struct {
	Authorization string `header:"Authorization" doc:"Bearer token of a tenant credential"`
	Body          struct {
		ClientID    string `json:"client_id,omitempty" doc:"Platform client id of the tenant"`
		Status      string `json:"status,omitempty" doc:"New status" example:"ACTIVE"`
		SuperTenant bool   `json:"super_tenant,omitempty" doc:"Grant super tenant rights"`
	}
}

// UpdateStatusOutput represents the result of a status change
type UpdateStatusOutput struct {
	Body struct {
		TenantID          int64  `json:"tenant_id" doc:"Tenant id"`
		Status            string `json:"status" doc:"Current status"`
		UpdatedBy         string `json:"updated_by" doc:"Actor recorded in the audit trail"`
		ActivationPending bool   `json:"activation_pending,omitempty" doc:"ACTIVE was requested; the tenant becomes ACTIVE once activation completes"`
	}
}

// AuditTrailOutput lists the status changes of a tenant
type AuditTrailOutput struct {
	Body struct {
		Entries []StatusChangeBody `json:"entries" doc:"Status changes, oldest first"`
	}
}

// StatusChangeBody is one audit entry
type StatusChangeBody struct {
	From      string    `json:"from" doc:"Previous status"`
	To        string    `json:"to" doc:"New status"`
	UpdatedBy string    `json:"updated_by" doc:"Actor"`
	ChangedAt time.Time `json:"changed_at" doc:"Time of the change"`
}

// ValidateTenantInput represents the input for checking a platform secret
type ValidateTenantInput struct {
	Authorization string `header:"Authorization" doc:"Bearer token of a tenant credential"`
	Body          struct {
		ClientID     string `json:"client_id,omitempty" doc:"Platform client id"`
		ClientSecret string `json:"client_secret,omitempty" doc:"Platform client secret"`
	}
}

// ValidateTenantOutput represents the result of a platform secret check
type ValidateTenantOutput struct {
	Body struct {
		Valid bool `json:"valid" doc:"Whether the secret matches"`
	}
}
