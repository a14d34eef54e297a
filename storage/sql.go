package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stephnangue/tenantauth/logger"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const defaultSQLitePath = "file::memory:?cache=shared"

// NewSQLiteBackend opens (and migrates) a SQLite database. Settings: path.
func NewSQLiteBackend(ctx context.Context, config map[string]string, log *logger.GatedLogger) (*Backend, error) {
	path := config["path"]
	if path == "" {
		path = defaultSQLitePath
	}
	sqldb, err := sql.Open(sqliteshim.ShimName, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	sqldb.SetMaxOpenConns(1)

	migrate, err := migrationsEnabled(config)
	if err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	return newSQLBackend(ctx, bun.NewDB(sqldb, sqlitedialect.New()), log, migrate)
}

// NewPostgresBackend connects to PostgreSQL through pgx. Settings:
// connection_url, max_open_connections.
func NewPostgresBackend(ctx context.Context, config map[string]string, log *logger.GatedLogger) (*Backend, error) {
	url := config["connection_url"]
	if url == "" {
		return nil, fmt.Errorf("postgres storage requires connection_url")
	}
	sqldb, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}
	if n := config["max_open_connections"]; n != "" {
		max, err := parseutil.SafeParseIntRange(n, 0, math.MaxInt32)
		if err != nil {
			_ = sqldb.Close()
			return nil, fmt.Errorf("invalid max_open_connections %q: %w", n, err)
		}
		sqldb.SetMaxOpenConns(int(max))
	}
	migrate, err := migrationsEnabled(config)
	if err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	return newSQLBackend(ctx, bun.NewDB(sqldb, pgdialect.New()), log, migrate)
}

// NewSQLBackendFromDB wraps an already opened bun database and migrates it
func NewSQLBackendFromDB(ctx context.Context, db *bun.DB, log *logger.GatedLogger) (*Backend, error) {
	return newSQLBackend(ctx, db, log, true)
}

// migrationsEnabled reads skip_migrations
func migrationsEnabled(config map[string]string) (bool, error) {
	v := config["skip_migrations"]
	if v == "" {
		return true, nil
	}
	skip, err := parseutil.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid skip_migrations %q: %w", v, err)
	}
	return !skip, nil
}

func newSQLBackend(ctx context.Context, db *bun.DB, log *logger.GatedLogger, migrate bool) (*Backend, error) {
	if log != nil {
		db.AddQueryHook(&queryLogger{log: log.WithSubsystem("sql")})
	}
	if migrate {
		if err := Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Backend{
		Credentials: NewSQLCredentialStore(db),
		Tenants:     NewSQLTenantDirectory(db),
		Profiles:    NewSQLProfileStore(db),
		closer:      db.Close,
	}, nil
}

// Migrate creates the tables and indexes if they do not exist
func Migrate(ctx context.Context, db *bun.DB) error {
	models := []any{
		(*credentialModel)(nil),
		(*tenantModel)(nil),
		(*statusChangeModel)(nil),
		(*profileModel)(nil),
	}
	for _, m := range models {
		if _, err := db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table for %T: %w", m, err)
		}
	}

	indexes := []struct {
		model  any
		name   string
		column string
	}{
		{(*credentialModel)(nil), "idx_credentials_owner", "owner_id"},
		{(*tenantModel)(nil), "idx_tenants_parent", "parent_id"},
		{(*statusChangeModel)(nil), "idx_tenant_status_changes_tenant", "tenant_id"},
	}
	for _, idx := range indexes {
		if _, err := db.NewCreateIndex().Model(idx.model).Index(idx.name).Column(idx.column).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx.name, err)
		}
	}
	return nil
}

// queryLogger traces every statement without its arguments, which carry secrets
type queryLogger struct {
	log *logger.GatedLogger
}

func (h *queryLogger) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *queryLogger) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	if !h.log.IsLevelEnabled(logger.TraceLevel) {
		return
	}
	fields := []logger.TypedField{
		logger.String("operation", event.Operation()),
		logger.Duration("duration", time.Since(event.StartTime)),
	}
	if event.Err != nil && event.Err != sql.ErrNoRows {
		fields = append(fields, logger.Err(event.Err))
	}
	h.log.Trace("sql query", fields...)
}
