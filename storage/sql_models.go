package storage

import (
	"time"

	"github.com/stephnangue/tenantauth/credential"
	"github.com/stephnangue/tenantauth/profile"
	"github.com/stephnangue/tenantauth/tenant"
	"github.com/uptrace/bun"
)

type credentialModel struct {
	bun.BaseModel `bun:"table:credentials"`

	ID              string    `bun:"id,pk"`
	Type            string    `bun:"type,pk"`
	OwnerID         int64     `bun:"owner_id,notnull"`
	Secret          string    `bun:"secret"`
	InternalSecret  string    `bun:"internal_secret"`
	IssuedAt        time.Time `bun:"issued_at,nullzero"`
	SecretExpiresAt time.Time `bun:"secret_expires_at,nullzero"`
	SuperAdmin      bool      `bun:"super_admin,notnull"`
	SuperTenant     bool      `bun:"super_tenant,notnull"`
}

func fromCredential(r credential.Record) *credentialModel {
	return &credentialModel{
		ID:              r.ID,
		Type:            string(r.Type),
		OwnerID:         r.OwnerID,
		Secret:          r.Secret,
		InternalSecret:  r.InternalSecret,
		IssuedAt:        r.IssuedAt,
		SecretExpiresAt: r.SecretExpiresAt,
		SuperAdmin:      r.SuperAdmin,
		SuperTenant:     r.SuperTenant,
	}
}

func (m *credentialModel) record() credential.Record {
	return credential.Record{
		ID:              m.ID,
		Type:            credential.ProviderType(m.Type),
		OwnerID:         m.OwnerID,
		Secret:          m.Secret,
		InternalSecret:  m.InternalSecret,
		IssuedAt:        m.IssuedAt,
		SecretExpiresAt: m.SecretExpiresAt,
		SuperAdmin:      m.SuperAdmin,
		SuperTenant:     m.SuperTenant,
	}
}

type tenantModel struct {
	bun.BaseModel `bun:"table:tenants"`

	ID             int64     `bun:"id,pk,autoincrement"`
	ParentID       int64     `bun:"parent_id,notnull"`
	Name           string    `bun:"name"`
	Status         string    `bun:"status,notnull"`
	AdminUsername  string    `bun:"admin_username"`
	AdminEmail     string    `bun:"admin_email"`
	AdminFirstName string    `bun:"admin_first_name"`
	AdminLastName  string    `bun:"admin_last_name"`
	RequesterEmail string    `bun:"requester_email"`
	BaseURL        string    `bun:"base_url"`
	RedirectURIs   []string  `bun:"redirect_uris"`
	Scope          string    `bun:"scope"`
	Domain         string    `bun:"domain"`
	Comment        string    `bun:"comment"`
	CreatedAt      time.Time `bun:"created_at,notnull"`
	UpdatedAt      time.Time `bun:"updated_at,notnull"`
}

func fromTenant(r tenant.Record) *tenantModel {
	return &tenantModel{
		ID:             r.ID,
		ParentID:       r.ParentID,
		Name:           r.Name,
		Status:         string(r.Status),
		AdminUsername:  r.AdminUsername,
		AdminEmail:     r.AdminEmail,
		AdminFirstName: r.AdminFirstName,
		AdminLastName:  r.AdminLastName,
		RequesterEmail: r.RequesterEmail,
		BaseURL:        r.BaseURL,
		RedirectURIs:   r.RedirectURIs,
		Scope:          r.Scope,
		Domain:         r.Domain,
		Comment:        r.Comment,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (m *tenantModel) record() tenant.Record {
	return tenant.Record{
		ID:             m.ID,
		ParentID:       m.ParentID,
		Name:           m.Name,
		Status:         tenant.Status(m.Status),
		AdminUsername:  m.AdminUsername,
		AdminEmail:     m.AdminEmail,
		AdminFirstName: m.AdminFirstName,
		AdminLastName:  m.AdminLastName,
		RequesterEmail: m.RequesterEmail,
		BaseURL:        m.BaseURL,
		RedirectURIs:   m.RedirectURIs,
		Scope:          m.Scope,
		Domain:         m.Domain,
		Comment:        m.Comment,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

type statusChangeModel struct {
	bun.BaseModel `bun:"table:tenant_status_changes"`

	ID        int64     `bun:"id,pk,autoincrement"`
	TenantID  int64     `bun:"tenant_id,notnull"`
	From      string    `bun:"from_status,notnull"`
	To        string    `bun:"to_status,notnull"`
	UpdatedBy string    `bun:"updated_by"`
	ChangedAt time.Time `bun:"changed_at,notnull"`
}

type profileModel struct {
	bun.BaseModel `bun:"table:user_profiles"`

	TenantID    int64               `bun:"tenant_id,pk"`
	Username    string              `bun:"username,pk"`
	FirstName   string              `bun:"first_name"`
	LastName    string              `bun:"last_name"`
	Email       string              `bun:"email"`
	RealmRoles  []string            `bun:"realm_roles"`
	ClientRoles []string            `bun:"client_roles"`
	Attributes  map[string][]string `bun:"attributes"`
	CreatedAt   time.Time           `bun:"created_at,notnull"`
	UpdatedAt   time.Time           `bun:"updated_at,notnull"`
}

func fromProfile(p profile.UserProfile) *profileModel {
	return &profileModel{
		TenantID:    p.TenantID,
		Username:    p.Username,
		FirstName:   p.FirstName,
		LastName:    p.LastName,
		Email:       p.Email,
		RealmRoles:  p.RealmRoles,
		ClientRoles: p.ClientRoles,
		Attributes:  p.Attributes,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func (m *profileModel) profile() profile.UserProfile {
	return profile.UserProfile{
		TenantID:    m.TenantID,
		Username:    m.Username,
		FirstName:   m.FirstName,
		LastName:    m.LastName,
		Email:       m.Email,
		RealmRoles:  m.RealmRoles,
		ClientRoles: m.ClientRoles,
		Attributes:  m.Attributes,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}
