package keycloak

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/stephnangue/tenantauth/logger"
)

const (
	DefaultAdminRealm    = "master"
	DefaultAdminClientID = "admin-cli"
	DefaultMaxRetries    = 2
	DefaultTimeout       = 30 * time.Second
)

// Config configures the admin client
type Config struct {
	Address       string
	AdminRealm    string
	AdminClientID string
	AdminUsername string
	AdminPassword string

	MaxRetries   int
	MinRetryWait time.Duration
	MaxRetryWait time.Duration
	Timeout      time.Duration

	// RateLimit is requests per second; 0 disables limiting
	RateLimit float64
	Burst     int

	HTTPClient *http.Client
	Logger     *logger.GatedLogger
}

// DefaultConfig returns a configuration for address with default retry and
// timeout settings.
func DefaultConfig(address string) *Config {
	return &Config{
		Address:       address,
		AdminRealm:    DefaultAdminRealm,
		AdminClientID: DefaultAdminClientID,
		MaxRetries:    DefaultMaxRetries,
		MinRetryWait:  time.Millisecond * 1000,
		MaxRetryWait:  time.Millisecond * 1500,
		Timeout:       DefaultTimeout,
	}
}

// ParseConfig builds a Config from the string settings of an
// identity_provider block.
func ParseConfig(settings map[string]string) (*Config, error) {
	address := strings.TrimRight(settings["address"], "/")
	if address == "" {
		return nil, errors.New("keycloak: address is required")
	}
	config := DefaultConfig(address)

	if v := settings["admin_realm"]; v != "" {
		config.AdminRealm = v
	}
	if v := settings["admin_client_id"]; v != "" {
		config.AdminClientID = v
	}
	config.AdminUsername = settings["admin_username"]
	config.AdminPassword = settings["admin_password"]

	if v := settings["max_retries"]; v != "" {
		retries, err := parseutil.SafeParseIntRange(v, 0, math.MaxInt)
		if err != nil {
			return nil, fmt.Errorf("keycloak: invalid max_retries: %w", err)
		}
		config.MaxRetries = int(retries)
	}
	if v := settings["timeout"]; v != "" {
		timeout, err := parseutil.ParseDurationSecond(v)
		if err != nil {
			return nil, fmt.Errorf("keycloak: invalid timeout: %w", err)
		}
		config.Timeout = timeout
	}
	if v := settings["rate_limit"]; v != "" {
		limit, burst, err := parseRateLimit(v)
		if err != nil {
			return nil, err
		}
		config.RateLimit = limit
		config.Burst = burst
	}
	return config, nil
}

// parseRateLimit reads "rate" or "rate:burst"
func parseRateLimit(val string) (rate float64, burst int, err error) {
	_, err = fmt.Sscanf(val, "%f:%d", &rate, &burst)
	if err != nil {
		rate, err = strconv.ParseFloat(val, 64)
		if err != nil {
			err = fmt.Errorf("keycloak: rate_limit %q is incorrectly formatted", val)
		}
		burst = int(rate)
	}
	return rate, burst, err
}
