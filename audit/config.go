package audit

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

type FileDeviceConfig struct {
	Path       string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`

	Enabled bool   `mapstructure:"enabled"`
	Format  string `mapstructure:"format"`
	Prefix  string `mapstructure:"prefix"`

	HMACKey    string   `mapstructure:"hmac_key"`
	SaltFields []string `mapstructure:"salt_fields"`
	OmitFields []string `mapstructure:"omit_fields"`

	// ExcludePaths are request path prefixes that are never logged
	ExcludePaths []string `mapstructure:"exclude_paths"`
}

// ParseFileDeviceConfig decodes the string settings of an audit block.
// List settings are comma separated.
func ParseFileDeviceConfig(settings map[string]string) (*FileDeviceConfig, error) {
	config := FileDeviceConfig{
		Path:         "tenantauth_audit.log",
		MaxSizeMB:    1000,
		MaxBackups:   5,
		Enabled:      true,
		Format:       "json",
		SaltFields:   append([]string(nil), DefaultSaltFields...),
		ExcludePaths: []string{"/v1/openapi", "/v1/docs", "/v1/schemas"},
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToSliceHookFunc(","),
		WeaklyTypedInput: true,
		ZeroFields:       true,
		ErrorUnused:      true,
		Result:           &config,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("invalid audit configuration: %w", err)
	}

	for _, list := range []*[]string{&config.SaltFields, &config.OmitFields, &config.ExcludePaths} {
		*list = trimAll(*list)
	}
	if config.Format != "json" {
		return nil, fmt.Errorf("unsupported audit log format: %s", config.Format)
	}
	if err := ValidateFieldPaths(config.SaltFields); err != nil {
		return nil, err
	}
	if err := ValidateFieldPaths(config.OmitFields); err != nil {
		return nil, err
	}
	return &config, nil
}

func trimAll(values []string) []string {
	out := values[:0:0]
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// NewFileDevice builds a JSON device writing to a rotated file
func NewFileDevice(name string, settings map[string]string) (Device, error) {
	conf, err := ParseFileDeviceConfig(settings)
	if err != nil {
		return nil, err
	}

	sink, err := NewFileSink(FileSinkConfig{
		Path:       conf.Path,
		MaxSizeMB:  conf.MaxSizeMB,
		MaxBackups: conf.MaxBackups,
		MaxAgeDays: conf.MaxAgeDays,
		Compress:   conf.Compress,
	})
	if err != nil {
		return nil, err
	}

	opts := []JSONFormatOption{WithPrefix(conf.Prefix), WithOmitFields(conf.OmitFields)}
	if conf.HMACKey != "" {
		opts = append(opts, WithSaltFunc(NewHMACer(conf.HMACKey).SaltFunc()), WithSaltFields(conf.SaltFields))
	}

	return NewDevice(name, NewJSONFormat(opts...), sink, conf.Enabled, conf.ExcludePaths), nil
}
