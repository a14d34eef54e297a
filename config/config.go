package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/hcl/v2/hclsimple"
)

const (
	DefaultCacheTTL        = time.Hour
	DefaultCacheMaxEntries = 100_000
	DefaultWorkers         = 8
	DefaultStepTimeout     = 30 * time.Second
)

// Config is the configuration for the tenantauth server.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotationPeriod  int    `hcl:"log_rotation_period,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`

	// TenantBaseURI is returned to registered tenants as their registration client uri
	TenantBaseURI string `hcl:"tenant_base_uri,optional"`

	Listeners        []ListenerBlock        `hcl:"listener,block"`
	Storage          *StorageBlock          `hcl:"storage,block"`
	Cache            *CacheBlock            `hcl:"cache,block"`
	Activation       *ActivationBlock       `hcl:"activation,block"`
	IdentityProvider *IdentityProviderBlock `hcl:"identity_provider,block"`
	Audit            []AuditBlock           `hcl:"audit,block"`
}

type StorageBlock struct {
	Type string `hcl:"type,label"` // "inmem", "sqlite", or "postgres"

	// SQLite storage specific config
	Path string `hcl:"path,optional"`

	// PostgreSQL storage specific config
	ConnectionUrl      string `hcl:"connection_url,optional"`
	MaxOpenConnections int    `hcl:"max_open_connections,optional"`
	SkipMigrations     bool   `hcl:"skip_migrations,optional"`
}

// Config returns the storage configuration as a map
func (s *StorageBlock) Config() map[string]string {
	config := make(map[string]string)

	config["type"] = s.Type

	if s.Path != "" {
		config["path"] = s.Path
	}
	if s.ConnectionUrl != "" {
		config["connection_url"] = s.ConnectionUrl
	}
	if s.MaxOpenConnections != 0 {
		config["max_open_connections"] = fmt.Sprintf("%d", s.MaxOpenConnections)
	}
	if s.SkipMigrations {
		config["skip_migrations"] = "true"
	}

	return config
}

// CacheBlock configures the authentication decision cache
type CacheBlock struct {
	Enabled    *bool  `hcl:"enabled,optional"`
	TTL        string `hcl:"ttl,optional"`
	MaxEntries int    `hcl:"max_entries,optional"`
}

// ActivationBlock configures the tenant activation worker pool
type ActivationBlock struct {
	Workers     int    `hcl:"workers,optional"`
	StepTimeout string `hcl:"step_timeout,optional"`
}

type IdentityProviderBlock struct {
	Type string `hcl:"type,label"` // "memory" or "keycloak"

	Address       string `hcl:"address,optional"`
	AdminRealm    string `hcl:"admin_realm,optional"`
	AdminClientID string `hcl:"admin_client_id,optional"`
	AdminUsername string `hcl:"admin_username,optional"`
	AdminPassword string `hcl:"admin_password,optional"`
	MaxRetries    string `hcl:"max_retries,optional"`
	Timeout       string `hcl:"timeout,optional"`
	RateLimit     string `hcl:"rate_limit,optional"`

	// memory provider: create users on first lookup
	AutoProvisionUsers bool `hcl:"auto_provision_users,optional"`
}

// Config returns the identity provider configuration as a map
func (p *IdentityProviderBlock) Config() map[string]string {
	config := map[string]string{"type": p.Type}
	set := func(k, v string) {
		if v != "" {
			config[k] = v
		}
	}
	set("address", p.Address)
	set("admin_realm", p.AdminRealm)
	set("admin_client_id", p.AdminClientID)
	set("admin_username", p.AdminUsername)
	set("admin_password", p.AdminPassword)
	set("max_retries", p.MaxRetries)
	set("timeout", p.Timeout)
	set("rate_limit", p.RateLimit)
	if p.AutoProvisionUsers {
		config["auto_provision_users"] = "true"
	}
	return config
}

// AuditBlock configures a request audit device. Only "file" is supported.
type AuditBlock struct {
	Type string `hcl:"type,label"`

	FilePath     string   `hcl:"file_path,optional"`
	MaxSizeMB    int      `hcl:"max_size_mb,optional"`
	MaxBackups   int      `hcl:"max_backups,optional"`
	MaxAgeDays   int      `hcl:"max_age_days,optional"`
	Compress     bool     `hcl:"compress,optional"`
	Enabled      *bool    `hcl:"enabled,optional"`
	Prefix       string   `hcl:"prefix,optional"`
	HMACKey      string   `hcl:"hmac_key,optional"`
	SaltFields   []string `hcl:"salt_fields,optional"`
	OmitFields   []string `hcl:"omit_fields,optional"`
	ExcludePaths []string `hcl:"exclude_paths,optional"`
}

// Config returns the audit device settings as a map. Lists are comma joined.
func (a *AuditBlock) Config() map[string]string {
	config := make(map[string]string)
	set := func(k, v string) {
		if v != "" {
			config[k] = v
		}
	}
	setInt := func(k string, v int) {
		if v != 0 {
			config[k] = strconv.Itoa(v)
		}
	}
	set("file_path", a.FilePath)
	setInt("max_size_mb", a.MaxSizeMB)
	setInt("max_backups", a.MaxBackups)
	setInt("max_age_days", a.MaxAgeDays)
	if a.Compress {
		config["compress"] = "true"
	}
	if a.Enabled != nil {
		config["enabled"] = strconv.FormatBool(*a.Enabled)
	}
	set("prefix", a.Prefix)
	set("hmac_key", a.HMACKey)
	if a.SaltFields != nil {
		config["salt_fields"] = strings.Join(a.SaltFields, ",")
	}
	set("omit_fields", strings.Join(a.OmitFields, ","))
	if a.ExcludePaths != nil {
		config["exclude_paths"] = strings.Join(a.ExcludePaths, ",")
	}
	return config
}

type ListenerBlock struct {
	Name            string `hcl:"name,label"`
	Address         string `hcl:"address"`
	TLSCertFile     string `hcl:"tls_cert_file,optional"`
	TLSKeyFile      string `hcl:"tls_key_file,optional"`
	TLSClientCAFile string `hcl:"tls_client_ca_file,optional"`
	TLSEnabled      bool   `hcl:"tls_enabled,optional"`
}

func LoadConfig(configFile string) (*Config, error) {
	var config Config

	err := hclsimple.DecodeFile(configFile, nil, &config)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// DevConfig is the configuration used by `server --dev`: in-memory storage,
// in-memory identity provider and a plain HTTP listener.
func DevConfig() *Config {
	return &Config{
		LogLevel:  "debug",
		LogFormat: "default",
		Listeners: []ListenerBlock{{Name: "api", Address: "127.0.0.1:8400"}},
		Storage:   &StorageBlock{Type: "inmem"},
		IdentityProvider: &IdentityProviderBlock{
			Type:               "memory",
			AutoProvisionUsers: true,
		},
	}
}

// Validate checks the parts of the configuration HCL decoding cannot
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Storage == nil {
		result = multierror.Append(result, errors.New("a storage block is required"))
	}
	if c.IdentityProvider == nil {
		result = multierror.Append(result, errors.New("an identity_provider block is required"))
	} else if c.IdentityProvider.Type == "keycloak" && c.IdentityProvider.Address == "" {
		result = multierror.Append(result, errors.New("identity_provider \"keycloak\" requires an address"))
	}
	if _, err := c.ApiListener(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := c.CacheTTL(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := c.StepTimeout(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, a := range c.Audit {
		if a.Type != "file" {
			result = multierror.Append(result, fmt.Errorf("unknown audit device type %q", a.Type))
		}
	}
	return result.ErrorOrNil()
}

// GetListenerByName returns a listener by its name (label)
func (c *Config) GetListenerByName(name string) (*ListenerBlock, error) {
	for _, listener := range c.Listeners {
		if listener.Name == name {
			return &listener, nil
		}
	}
	return nil, fmt.Errorf("listener '%s' not found", name)
}

// ApiListener is a convenience method to get the api listener
func (c *Config) ApiListener() (*ListenerBlock, error) {
	return c.GetListenerByName("api")
}

// CacheEnabled reports whether decision caching is on. It is on unless a
// cache block disables it.
func (c *Config) CacheEnabled() bool {
	return c.Cache == nil || c.Cache.Enabled == nil || *c.Cache.Enabled
}

func (c *Config) CacheTTL() (time.Duration, error) {
	if c.Cache == nil || c.Cache.TTL == "" {
		return DefaultCacheTTL, nil
	}
	ttl, err := parseutil.ParseDurationSecond(c.Cache.TTL)
	if err != nil {
		return 0, fmt.Errorf("invalid cache ttl: %w", err)
	}
	if ttl <= 0 {
		return 0, fmt.Errorf("cache ttl must be positive, got %s", c.Cache.TTL)
	}
	return ttl, nil
}

func (c *Config) CacheMaxEntries() int {
	if c.Cache == nil || c.Cache.MaxEntries <= 0 {
		return DefaultCacheMaxEntries
	}
	return c.Cache.MaxEntries
}

func (c *Config) Workers() int {
	if c.Activation == nil || c.Activation.Workers <= 0 {
		return DefaultWorkers
	}
	return c.Activation.Workers
}

func (c *Config) StepTimeout() (time.Duration, error) {
	if c.Activation == nil || c.Activation.StepTimeout == "" {
		return DefaultStepTimeout, nil
	}
	timeout, err := parseutil.ParseDurationSecond(c.Activation.StepTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid activation step_timeout: %w", err)
	}
	return timeout, nil
}
