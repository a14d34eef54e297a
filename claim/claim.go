// Package claim turns an Authorization header into an AuthClaim: the
// resolved, per-request view of every credential a tenant holds.
package claim

import "time"

// AuthClaim is built once per request and cannot be changed afterwards.
// Fields of providers the tenant has not configured are empty strings.
type AuthClaim struct {
	tenantID int64

	iamClientID     string
	iamClientSecret string

	federatedClientID     string
	federatedClientSecret string

	platformClientID        string
	platformClientSecret    string
	platformIDIssuedAt      time.Time
	platformSecretExpiresAt time.Time

	username    string
	performedBy string
	superTenant bool
	admin       bool

	agentClientID     string
	agentClientSecret string
	agentID           string
	agentPassword     string
}

func (c AuthClaim) TenantID() int64 { return c.tenantID }

func (c AuthClaim) IAMClientID() string     { return c.iamClientID }
func (c AuthClaim) IAMClientSecret() string { return c.iamClientSecret }

func (c AuthClaim) FederatedClientID() string     { return c.federatedClientID }
func (c AuthClaim) FederatedClientSecret() string { return c.federatedClientSecret }

func (c AuthClaim) PlatformClientID() string           { return c.platformClientID }
func (c AuthClaim) PlatformClientSecret() string       { return c.platformClientSecret }
func (c AuthClaim) PlatformIDIssuedAt() time.Time      { return c.platformIDIssuedAt }
func (c AuthClaim) PlatformSecretExpiresAt() time.Time { return c.platformSecretExpiresAt }

// Username is the end user behind the token, empty for client tokens
func (c AuthClaim) Username() string { return c.username }

// PerformedBy is the actor recorded in audit entries (the requester email)
func (c AuthClaim) PerformedBy() string { return c.performedBy }

func (c AuthClaim) SuperTenant() bool { return c.superTenant }
func (c AuthClaim) Admin() bool       { return c.admin }

func (c AuthClaim) AgentClientID() string     { return c.agentClientID }
func (c AuthClaim) AgentClientSecret() string { return c.agentClientSecret }
func (c AuthClaim) AgentID() string           { return c.agentID }
func (c AuthClaim) AgentPassword() string     { return c.agentPassword }

// WithTenant returns a copy of the claim acting on another tenant
func (c AuthClaim) WithTenant(id int64) AuthClaim {
	c.tenantID = id
	return c
}
