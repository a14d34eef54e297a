package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mitchellh/copystructure"
	"github.com/stephnangue/tenantauth/credential"
	"github.com/stephnangue/tenantauth/logger"
	"github.com/stephnangue/tenantauth/profile"
	"github.com/stephnangue/tenantauth/tenant"
)

// ErrInjected is returned by memory stores while a failure switch is on
var ErrInjected = errors.New("storage failure injected")

// NewInmemBackend returns a Backend kept in process memory
func NewInmemBackend(_ context.Context, _ map[string]string, _ *logger.GatedLogger) (*Backend, error) {
	return &Backend{
		Credentials: NewInmemCredentialStore(),
		Tenants:     NewInmemTenantDirectory(),
		Profiles:    NewInmemProfileStore(),
	}, nil
}

func deepCopy[T any](v T) T {
	cp, err := copystructure.Copy(v)
	if err != nil {
		panic(fmt.Sprintf("storage: copy %T: %v", v, err))
	}
	return cp.(T)
}

type credentialKey struct {
	typ credential.ProviderType
	id  string
}

// InmemCredentialStore implements credential.Store in memory
type InmemCredentialStore struct {
	mu      sync.RWMutex
	records map[credentialKey]credential.Record
	now     func() time.Time
}

var _ credential.Store = (*InmemCredentialStore)(nil)

func NewInmemCredentialStore() *InmemCredentialStore {
	return &InmemCredentialStore{
		records: make(map[credentialKey]credential.Record),
		now:     time.Now,
	}
}

func (s *InmemCredentialStore) LookupByToken(ctx context.Context, token string) (*credential.TokenCredentials, error) {
	return resolveToken(ctx, s, token, s.now())
}

func (s *InmemCredentialStore) LookupByOwner(_ context.Context, ownerID int64) ([]credential.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []credential.Record
	for _, r := range s.records {
		if r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InmemCredentialStore) LookupByTypeAndID(_ context.Context, typ credential.ProviderType, id string) (*credential.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[credentialKey{typ, id}]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", credential.ErrNotFound, typ, id)
	}
	return &r, nil
}

func (s *InmemCredentialStore) LookupByOwnerAndType(_ context.Context, ownerID int64, typ credential.ProviderType) (*credential.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if r.OwnerID == ownerID && r.Type == typ {
			return &r, nil
		}
	}
	return nil, fmt.Errorf("%w: %s for tenant %d", credential.ErrNotFound, typ, ownerID)
}

func (s *InmemCredentialStore) Put(_ context.Context, record credential.Record) error {
	if record.ID == "" {
		return fmt.Errorf("credential id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.Type.Singleton() {
		for k, r := range s.records {
			if r.OwnerID == record.OwnerID && r.Type == record.Type {
				delete(s.records, k)
			}
		}
	}
	s.records[credentialKey{record.Type, record.ID}] = record
	return nil
}

func (s *InmemCredentialStore) DeleteAllForOwner(_ context.Context, ownerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, r := range s.records {
		if r.OwnerID == ownerID {
			delete(s.records, k)
		}
	}
	return nil
}

// InmemTenantDirectory implements tenant.Directory in memory
type InmemTenantDirectory struct {
	mu      sync.RWMutex
	tenants map[int64]tenant.Record
	history map[int64][]tenant.StatusChange
	nextID  int64
	now     func() time.Time

	failStatusWrites atomic.Bool
}

var _ tenant.Directory = (*InmemTenantDirectory)(nil)

func NewInmemTenantDirectory() *InmemTenantDirectory {
	return &InmemTenantDirectory{
		tenants: make(map[int64]tenant.Record),
		history: make(map[int64][]tenant.StatusChange),
		now:     time.Now,
	}
}

// FailStatusWrites makes UpdateStatus return ErrInjected while on is true
func (d *InmemTenantDirectory) FailStatusWrites(on bool) {
	d.failStatusWrites.Store(on)
}

func (d *InmemTenantDirectory) Get(_ context.Context, id int64) (*tenant.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", tenant.ErrNotFound, id)
	}
	cp := deepCopy(r)
	return &cp, nil
}

func (d *InmemTenantDirectory) Create(_ context.Context, record tenant.Record) (*tenant.Record, error) {
	if record.Status == "" {
		record.Status = tenant.StatusRequested
	}
	if record.Status != tenant.StatusRequested {
		return nil, fmt.Errorf("%w: tenants are created as %s", tenant.ErrInvalidTransition, tenant.StatusRequested)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if record.ID == 0 {
		d.nextID++
		record.ID = d.nextID
	} else if _, exists := d.tenants[record.ID]; exists {
		return nil, fmt.Errorf("tenant %d already exists", record.ID)
	} else if record.ID > d.nextID {
		d.nextID = record.ID
	}

	now := d.now()
	record.CreatedAt = now
	record.UpdatedAt = now
	record = deepCopy(record)
	d.tenants[record.ID] = record

	cp := deepCopy(record)
	return &cp, nil
}

// Update replaces the descriptive fields of a tenant. Status and creation time
// are kept; status only changes through UpdateStatus.
func (d *InmemTenantDirectory) Update(_ context.Context, record tenant.Record) (*tenant.Record, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.tenants[record.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", tenant.ErrNotFound, record.ID)
	}
	record.Status = existing.Status
	record.CreatedAt = existing.CreatedAt
	record.UpdatedAt = d.now()
	record = deepCopy(record)
	d.tenants[record.ID] = record

	cp := deepCopy(record)
	return &cp, nil
}

func (d *InmemTenantDirectory) UpdateStatus(_ context.Context, id int64, status tenant.Status, updatedBy string) (*tenant.Record, error) {
	if d.failStatusWrites.Load() {
		return nil, ErrInjected
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", tenant.ErrNotFound, id)
	}
	return d.writeStatusLocked(r, status, updatedBy), nil
}

func (d *InmemTenantDirectory) TransitionStatus(_ context.Context, id int64, from []tenant.Status, to tenant.Status, updatedBy string) (*tenant.Record, error) {
	if d.failStatusWrites.Load() {
		return nil, ErrInjected
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.tenants[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", tenant.ErrNotFound, id)
	}
	if r.Status == to {
		cp := deepCopy(r)
		return &cp, nil
	}
	if !tenant.StatusIn(r.Status, from) {
		return nil, fmt.Errorf("%w: tenant %d is %s", tenant.ErrStatusChanged, id, r.Status)
	}
	return d.writeStatusLocked(r, to, updatedBy), nil
}

// writeStatusLocked must be called with d.mu held for writing
func (d *InmemTenantDirectory) writeStatusLocked(r tenant.Record, status tenant.Status, updatedBy string) *tenant.Record {
	id := r.ID
	now := d.now()
	d.history[id] = append(d.history[id], tenant.StatusChange{
		TenantID:  id,
		From:      r.Status,
		To:        status,
		UpdatedBy: updatedBy,
		ChangedAt: now,
	})
	r.Status = status
	r.UpdatedAt = now
	d.tenants[id] = r

	cp := deepCopy(r)
	return &cp
}

func (d *InmemTenantDirectory) ListChildren(_ context.Context, parentID int64) ([]tenant.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []tenant.Record
	for _, r := range d.tenants {
		if r.ParentID == parentID && r.ID != parentID {
			out = append(out, deepCopy(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *InmemTenantDirectory) StatusHistory(_ context.Context, id int64) ([]tenant.StatusChange, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, ok := d.tenants[id]; !ok {
		return nil, fmt.Errorf("%w: %d", tenant.ErrNotFound, id)
	}
	return append([]tenant.StatusChange(nil), d.history[id]...), nil
}

type profileKey struct {
	tenantID int64
	username string
}

// InmemProfileStore implements profile.Store in memory
type InmemProfileStore struct {
	mu       sync.RWMutex
	profiles map[profileKey]profile.UserProfile
	now      func() time.Time
}

var _ profile.Store = (*InmemProfileStore)(nil)

func NewInmemProfileStore() *InmemProfileStore {
	return &InmemProfileStore{
		profiles: make(map[profileKey]profile.UserProfile),
		now:      time.Now,
	}
}

func (s *InmemProfileStore) Get(_ context.Context, tenantID int64, username string) (*profile.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[profileKey{tenantID, strings.ToLower(username)}]
	if !ok {
		return nil, fmt.Errorf("%w: %s in tenant %d", profile.ErrNotFound, username, tenantID)
	}
	cp := deepCopy(p)
	return &cp, nil
}

func (s *InmemProfileStore) Create(_ context.Context, p profile.UserProfile) error {
	p.Username = strings.ToLower(p.Username)
	key := profileKey{p.TenantID, p.Username}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.profiles[key]; exists {
		return fmt.Errorf("%w: %s in tenant %d", profile.ErrAlreadyExists, p.Username, p.TenantID)
	}
	now := s.now()
	p.CreatedAt = now
	p.UpdatedAt = now
	s.profiles[key] = deepCopy(p)
	return nil
}

func (s *InmemProfileStore) Update(_ context.Context, p profile.UserProfile) error {
	p.Username = strings.ToLower(p.Username)
	key := profileKey{p.TenantID, p.Username}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.profiles[key]
	if !ok {
		return fmt.Errorf("%w: %s in tenant %d", profile.ErrNotFound, p.Username, p.TenantID)
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = s.now()
	s.profiles[key] = deepCopy(p)
	return nil
}
