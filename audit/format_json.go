package audit

import (
	"context"
	"encoding/json"
	"fmt"
)

// stringFields maps the dotted paths accepted by salt and omit options to
// the string fields of an entry.
var stringFields = map[string]func(e *LogEntry) *string{
	"auth.client_id": func(e *LogEntry) *string {
		if e.Auth == nil {
			return nil
		}
		return &e.Auth.ClientID
	},
	"auth.username": func(e *LogEntry) *string {
		if e.Auth == nil {
			return nil
		}
		return &e.Auth.Username
	},
	"auth.performed_by": func(e *LogEntry) *string {
		if e.Auth == nil {
			return nil
		}
		return &e.Auth.PerformedBy
	},
	"request.client_ip": func(e *LogEntry) *string {
		if e.Request == nil {
			return nil
		}
		return &e.Request.ClientIP
	},
	"request.path": func(e *LogEntry) *string {
		if e.Request == nil {
			return nil
		}
		return &e.Request.Path
	},
}

// DefaultSaltFields are salted when an HMAC key is configured and no
// explicit list is given.
var DefaultSaltFields = []string{"auth.client_id", "auth.username", "auth.performed_by"}

// ValidateFieldPaths rejects paths no entry field answers to
func ValidateFieldPaths(paths []string) error {
	for _, p := range paths {
		if _, ok := stringFields[p]; !ok {
			return fmt.Errorf("unknown audit field %q", p)
		}
	}
	return nil
}

// JSONFormat writes one JSON object per entry
type JSONFormat struct {
	prefix     string
	saltFn     SaltFunc
	saltFields []string
	omitFields []string
}

// JSONFormatOption is a functional option for JSONFormat
type JSONFormatOption func(*JSONFormat)

func WithPrefix(prefix string) JSONFormatOption {
	return func(f *JSONFormat) { f.prefix = prefix }
}

func WithSaltFunc(fn SaltFunc) JSONFormatOption {
	return func(f *JSONFormat) { f.saltFn = fn }
}

func WithSaltFields(fields []string) JSONFormatOption {
	return func(f *JSONFormat) { f.saltFields = fields }
}

func WithOmitFields(fields []string) JSONFormatOption {
	return func(f *JSONFormat) { f.omitFields = fields }
}

func NewJSONFormat(opts ...JSONFormatOption) *JSONFormat {
	f := &JSONFormat{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Format serializes a copy of entry with salted and omitted fields applied
func (f *JSONFormat) Format(ctx context.Context, entry *LogEntry) ([]byte, error) {
	entry = entry.Clone()

	if f.saltFn != nil {
		for _, path := range f.saltFields {
			field := stringFields[path]
			if field == nil {
				continue
			}
			if v := field(entry); v != nil && *v != "" {
				salted, err := f.saltFn(ctx, *v)
				if err != nil {
					return nil, fmt.Errorf("failed to salt %s: %w", path, err)
				}
				*v = salted
			}
		}
	}

	for _, path := range f.omitFields {
		if field := stringFields[path]; field != nil {
			if v := field(entry); v != nil {
				*v = ""
			}
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	if f.prefix != "" {
		return append([]byte(f.prefix), data...), nil
	}
	return data, nil
}

func (f *JSONFormat) Name() string {
	return "json"
}
