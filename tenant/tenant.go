package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a tenant
type Status string

const (
	StatusRequested   Status = "REQUESTED"
	StatusActive      Status = "ACTIVE"
	StatusDeactivated Status = "DEACTIVATED"
	StatusCancelled   Status = "CANCELLED"
)

// Actors recorded as updatedBy when no human requested the change
const (
	ActorSystem       = "SYSTEM"
	ActorGatewayAdmin = "GATEWAY_ADMIN"
)

var (
	ErrNotFound          = errors.New("tenant not found")
	ErrInvalidTransition = errors.New("invalid tenant status transition")
	ErrUnknownStatus     = errors.New("unknown tenant status")
	// ErrStatusChanged is returned by TransitionStatus when the tenant is no
	// longer in one of the expected statuses.
	ErrStatusChanged = errors.New("tenant status changed concurrently")
)

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusRequested, StatusActive, StatusDeactivated, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// transitions lists the administrative moves between statuses. REQUESTED is
// only ever a creation state. ACTIVE to ACTIVE re-runs activation.
var transitions = map[Status][]Status{
	StatusRequested:   {StatusActive, StatusCancelled, StatusDeactivated},
	StatusActive:      {StatusActive, StatusDeactivated},
	StatusDeactivated: {StatusActive},
	StatusCancelled:   {StatusActive},
}

// CanTransition reports whether an administrator may move a tenant from one
// status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition is CanTransition as an error
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// StatusIn reports whether s is one of set
func StatusIn(s Status, set []Status) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

// Record is a tenant as kept by the Directory
type Record struct {
	ID       int64
	ParentID int64 // 0 for a root tenant
	Name     string
	Status   Status

	AdminUsername  string
	AdminEmail     string
	AdminFirstName string
	AdminLastName  string
	RequesterEmail string

	BaseURL      string
	RedirectURIs []string
	Scope        string
	Domain       string
	Comment      string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Root reports whether the tenant has no parent
func (r *Record) Root() bool {
	return r.ParentID <= 0
}

// StatusChange is one audit entry written by UpdateStatus
type StatusChange struct {
	TenantID  int64
	From      Status
	To        Status
	UpdatedBy string
	ChangedAt time.Time
}

// Directory stores tenant records. UpdateStatus and TransitionStatus append to
// the audit trail returned by StatusHistory, oldest first.
//
// TransitionStatus writes the status only when the stored status is one of
// from, and fails with ErrStatusChanged otherwise. A tenant already in the
// target status is returned unchanged with no audit entry.
type Directory interface {
	Get(ctx context.Context, id int64) (*Record, error)
	Create(ctx context.Context, record Record) (*Record, error)
	Update(ctx context.Context, record Record) (*Record, error)
	UpdateStatus(ctx context.Context, id int64, status Status, updatedBy string) (*Record, error)
	TransitionStatus(ctx context.Context, id int64, from []Status, to Status, updatedBy string) (*Record, error)
	ListChildren(ctx context.Context, parentID int64) ([]Record, error)
	StatusHistory(ctx context.Context, id int64) ([]StatusChange, error)
}
