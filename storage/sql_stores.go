package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stephnangue/tenantauth/credential"
	"github.com/stephnangue/tenantauth/profile"
	"github.com/stephnangue/tenantauth/tenant"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

// SQLCredentialStore implements credential.Store with bun
type SQLCredentialStore struct {
	db  *bun.DB
	now func() time.Time
}

var _ credential.Store = (*SQLCredentialStore)(nil)

func NewSQLCredentialStore(db *bun.DB) *SQLCredentialStore {
	return &SQLCredentialStore{db: db, now: time.Now}
}

func (s *SQLCredentialStore) LookupByToken(ctx context.Context, token string) (*credential.TokenCredentials, error) {
	return resolveToken(ctx, s, token, s.now())
}

func (s *SQLCredentialStore) LookupByOwner(ctx context.Context, ownerID int64) ([]credential.Record, error) {
	var models []credentialModel
	err := s.db.NewSelect().
		Model(&models).
		Where("owner_id = ?", ownerID).
		Order("type ASC", "id ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	out := make([]credential.Record, 0, len(models))
	for i := range models {
		out = append(out, models[i].record())
	}
	return out, nil
}

func (s *SQLCredentialStore) LookupByTypeAndID(ctx context.Context, typ credential.ProviderType, id string) (*credential.Record, error) {
	var m credentialModel
	err := s.db.NewSelect().
		Model(&m).
		Where("type = ? AND id = ?", string(typ), id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s %s", credential.ErrNotFound, typ, id)
	}
	if err != nil {
		return nil, err
	}
	r := m.record()
	return &r, nil
}

func (s *SQLCredentialStore) LookupByOwnerAndType(ctx context.Context, ownerID int64, typ credential.ProviderType) (*credential.Record, error) {
	var m credentialModel
	err := s.db.NewSelect().
		Model(&m).
		Where("owner_id = ? AND type = ?", ownerID, string(typ)).
		Order("id ASC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s for tenant %d", credential.ErrNotFound, typ, ownerID)
	}
	if err != nil {
		return nil, err
	}
	r := m.record()
	return &r, nil
}

// Put replaces any record with the same (type, id), and for PLATFORM and IAM
// any record of that type already owned by the tenant.
func (s *SQLCredentialStore) Put(ctx context.Context, record credential.Record) error {
	if record.ID == "" {
		return fmt.Errorf("credential id is required")
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if record.Type.Singleton() {
			if _, err := tx.NewDelete().
				Model((*credentialModel)(nil)).
				Where("owner_id = ? AND type = ?", record.OwnerID, string(record.Type)).
				Exec(ctx); err != nil {
				return err
			}
		}
		if _, err := tx.NewDelete().
			Model((*credentialModel)(nil)).
			Where("type = ? AND id = ?", string(record.Type), record.ID).
			Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewInsert().Model(fromCredential(record)).Exec(ctx)
		return err
	})
}

func (s *SQLCredentialStore) DeleteAllForOwner(ctx context.Context, ownerID int64) error {
	_, err := s.db.NewDelete().
		Model((*credentialModel)(nil)).
		Where("owner_id = ?", ownerID).
		Exec(ctx)
	return err
}

// SQLTenantDirectory implements tenant.Directory with bun
type SQLTenantDirectory struct {
	db  *bun.DB
	now func() time.Time
}

var _ tenant.Directory = (*SQLTenantDirectory)(nil)

func NewSQLTenantDirectory(db *bun.DB) *SQLTenantDirectory {
	return &SQLTenantDirectory{db: db, now: time.Now}
}

func (d *SQLTenantDirectory) get(ctx context.Context, db bun.IDB, id int64) (*tenantModel, error) {
	m := &tenantModel{}
	err := db.NewSelect().Model(m).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", tenant.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (d *SQLTenantDirectory) Get(ctx context.Context, id int64) (*tenant.Record, error) {
	m, err := d.get(ctx, d.db, id)
	if err != nil {
		return nil, err
	}
	r := m.record()
	return &r, nil
}

func (d *SQLTenantDirectory) Create(ctx context.Context, record tenant.Record) (*tenant.Record, error) {
	if record.Status == "" {
		record.Status = tenant.StatusRequested
	}
	if record.Status != tenant.StatusRequested {
		return nil, fmt.Errorf("%w: tenants are created as %s", tenant.ErrInvalidTransition, tenant.StatusRequested)
	}
	now := d.now().UTC()
	record.CreatedAt = now
	record.UpdatedAt = now

	m := fromTenant(record)
	if _, err := d.db.NewInsert().Model(m).Returning("id").Exec(ctx); err != nil {
		return nil, err
	}
	r := m.record()
	return &r, nil
}

func (d *SQLTenantDirectory) Update(ctx context.Context, record tenant.Record) (*tenant.Record, error) {
	var out tenant.Record
	err := d.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := d.get(ctx, tx, record.ID)
		if err != nil {
			return err
		}
		record.Status = tenant.Status(existing.Status)
		record.CreatedAt = existing.CreatedAt
		record.UpdatedAt = d.now().UTC()

		m := fromTenant(record)
		if _, err := tx.NewUpdate().Model(m).WherePK().Exec(ctx); err != nil {
			return err
		}
		out = m.record()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateStatus writes the status and its audit entry in one transaction
func (d *SQLTenantDirectory) UpdateStatus(ctx context.Context, id int64, status tenant.Status, updatedBy string) (*tenant.Record, error) {
	return d.writeStatus(ctx, id, nil, status, updatedBy)
}

// TransitionStatus is UpdateStatus guarded by the current status. The row is
// read with FOR UPDATE on postgres so two writers serialize on it.
func (d *SQLTenantDirectory) TransitionStatus(ctx context.Context, id int64, from []tenant.Status, to tenant.Status, updatedBy string) (*tenant.Record, error) {
	if from == nil {
		from = []tenant.Status{}
	}
	return d.writeStatus(ctx, id, from, to, updatedBy)
}

// writeStatus checks from unless it is nil
func (d *SQLTenantDirectory) writeStatus(ctx context.Context, id int64, from []tenant.Status, status tenant.Status, updatedBy string) (*tenant.Record, error) {
	var out tenant.Record
	err := d.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		m, err := d.getForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if from != nil {
			current := tenant.Status(m.Status)
			if current == status {
				out = m.record()
				return nil
			}
			if !tenant.StatusIn(current, from) {
				return fmt.Errorf("%w: tenant %d is %s", tenant.ErrStatusChanged, id, current)
			}
		}
		now := d.now().UTC()
		change := &statusChangeModel{
			TenantID:  id,
			From:      m.Status,
			To:        string(status),
			UpdatedBy: updatedBy,
			ChangedAt: now,
		}
		m.Status = string(status)
		m.UpdatedAt = now

		if _, err := tx.NewUpdate().
			Model(m).
			Column("status", "updated_at").
			WherePK().
			Exec(ctx); err != nil {
			return err
		}
		if _, err := tx.NewInsert().Model(change).Exec(ctx); err != nil {
			return err
		}
		out = m.record()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *SQLTenantDirectory) getForUpdate(ctx context.Context, tx bun.Tx, id int64) (*tenantModel, error) {
	if d.db.Dialect().Name() != dialect.PG {
		return d.get(ctx, tx, id)
	}
	m := &tenantModel{}
	err := tx.NewSelect().Model(m).Where("id = ?", id).For("UPDATE").Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", tenant.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (d *SQLTenantDirectory) ListChildren(ctx context.Context, parentID int64) ([]tenant.Record, error) {
	var models []tenantModel
	err := d.db.NewSelect().
		Model(&models).
		Where("parent_id = ? AND id <> ?", parentID, parentID).
		Order("id ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	out := make([]tenant.Record, 0, len(models))
	for i := range models {
		out = append(out, models[i].record())
	}
	return out, nil
}

func (d *SQLTenantDirectory) StatusHistory(ctx context.Context, id int64) ([]tenant.StatusChange, error) {
	if _, err := d.get(ctx, d.db, id); err != nil {
		return nil, err
	}
	var models []statusChangeModel
	err := d.db.NewSelect().
		Model(&models).
		Where("tenant_id = ?", id).
		Order("id ASC").
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	out := make([]tenant.StatusChange, 0, len(models))
	for _, m := range models {
		out = append(out, tenant.StatusChange{
			TenantID:  m.TenantID,
			From:      tenant.Status(m.From),
			To:        tenant.Status(m.To),
			UpdatedBy: m.UpdatedBy,
			ChangedAt: m.ChangedAt,
		})
	}
	return out, nil
}

// SQLProfileStore implements profile.Store with bun
type SQLProfileStore struct {
	db  *bun.DB
	now func() time.Time
}

var _ profile.Store = (*SQLProfileStore)(nil)

func NewSQLProfileStore(db *bun.DB) *SQLProfileStore {
	return &SQLProfileStore{db: db, now: time.Now}
}

func (s *SQLProfileStore) Get(ctx context.Context, tenantID int64, username string) (*profile.UserProfile, error) {
	m := &profileModel{}
	err := s.db.NewSelect().
		Model(m).
		Where("tenant_id = ? AND username = ?", tenantID, strings.ToLower(username)).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s in tenant %d", profile.ErrNotFound, username, tenantID)
	}
	if err != nil {
		return nil, err
	}
	p := m.profile()
	return &p, nil
}

func (s *SQLProfileStore) Create(ctx context.Context, p profile.UserProfile) error {
	p.Username = strings.ToLower(p.Username)
	now := s.now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		exists, err := tx.NewSelect().
			Model((*profileModel)(nil)).
			Where("tenant_id = ? AND username = ?", p.TenantID, p.Username).
			Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s in tenant %d", profile.ErrAlreadyExists, p.Username, p.TenantID)
		}
		_, err = tx.NewInsert().Model(fromProfile(p)).Exec(ctx)
		return err
	})
}

func (s *SQLProfileStore) Update(ctx context.Context, p profile.UserProfile) error {
	p.Username = strings.ToLower(p.Username)
	p.UpdatedAt = s.now().UTC()

	m := fromProfile(p)
	res, err := s.db.NewUpdate().
		Model(m).
		ExcludeColumn("created_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s in tenant %d", profile.ErrNotFound, p.Username, p.TenantID)
	}
	return nil
}
