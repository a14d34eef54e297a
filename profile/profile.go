package profile

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/stephnangue/tenantauth/idp"
)

var (
	ErrNotFound      = errors.New("user profile not found")
	ErrAlreadyExists = errors.New("user profile already exists")
)

// UserProfile is the platform's copy of a user in a tenant
type UserProfile struct {
	TenantID    int64
	Username    string // always lower case
	FirstName   string
	LastName    string
	Email       string
	RealmRoles  []string
	ClientRoles []string
	Attributes  map[string][]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store persists user profiles keyed by (tenant, username).
type Store interface {
	Get(ctx context.Context, tenantID int64, username string) (*UserProfile, error)
	Create(ctx context.Context, profile UserProfile) error
	Update(ctx context.Context, profile UserProfile) error
}

// FromRepresentation copies an identity provider user into a profile for tenantID
func FromRepresentation(tenantID int64, rep *idp.UserRepresentation) UserProfile {
	p := UserProfile{
		TenantID:    tenantID,
		Username:    strings.ToLower(rep.Username),
		FirstName:   rep.FirstName,
		LastName:    rep.LastName,
		Email:       rep.Email,
		RealmRoles:  slices.Clone(rep.RealmRoles),
		ClientRoles: slices.Clone(rep.ClientRoles),
	}
	if len(rep.Attributes) > 0 {
		p.Attributes = make(map[string][]string, len(rep.Attributes))
		for k, v := range rep.Attributes {
			p.Attributes[k] = slices.Clone(v)
		}
	}
	return p
}

// Upsert creates the profile, or updates it when one already exists for the
// same tenant and username.
func Upsert(ctx context.Context, store Store, p UserProfile) error {
	existing, err := store.Get(ctx, p.TenantID, p.Username)
	switch {
	case errors.Is(err, ErrNotFound) || (err == nil && existing.Username == ""):
		return store.Create(ctx, p)
	case err != nil:
		return err
	}
	p.CreatedAt = existing.CreatedAt
	return store.Update(ctx, p)
}
