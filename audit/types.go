package audit

import (
	"context"
	"time"
)

// LogEntry represents a single audit log entry
type LogEntry struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Auth      *Auth     `json:"auth,omitempty"`
	Request   *Request  `json:"request"`
	Response  *Response `json:"response,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Clone creates a copy of the LogEntry so formats can salt it in place
func (e *LogEntry) Clone() *LogEntry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Auth != nil {
		auth := *e.Auth
		clone.Auth = &auth
	}
	if e.Request != nil {
		req := *e.Request
		clone.Request = &req
	}
	if e.Response != nil {
		resp := *e.Response
		clone.Response = &resp
	}
	return &clone
}

// Auth is the claim the request was made with
type Auth struct {
	TenantID    int64  `json:"tenant_id"`
	ClientID    string `json:"client_id,omitempty"`
	Username    string `json:"username,omitempty"`
	PerformedBy string `json:"performed_by,omitempty"`
	SuperTenant bool   `json:"super_tenant,omitempty"`
	Admin       bool   `json:"admin,omitempty"`
}

// Request contains request information
type Request struct {
	ID       string `json:"id"`
	Method   string `json:"method"`
	ClientIP string `json:"client_ip"`
	Path     string `json:"path"`
}

// Response contains response information
type Response struct {
	Operation  string `json:"operation,omitempty"`
	StatusCode int    `json:"status_code"`
	DurationMs int64  `json:"duration_ms"`
}

// EntryType defines the type of audit entry
type EntryType string

const (
	EntryTypeRequest  EntryType = "request"
	EntryTypeResponse EntryType = "response"
)

// Format defines the serialization format for audit logs
type Format interface {
	Format(ctx context.Context, entry *LogEntry) ([]byte, error)
	Name() string
}

// Sink is the interface for audit log destinations
type Sink interface {
	Write(ctx context.Context, entry []byte) error
	Close() error
	Name() string
	Type() string
}

// Device combines a format and a sink
type Device interface {
	LogRequest(ctx context.Context, entry *LogEntry) error
	LogResponse(ctx context.Context, entry *LogEntry) error
	Close() error
	Name() string
	Enabled() bool
	SetEnabled(enabled bool)
}

// FilterFunc reports whether an entry should be logged
type FilterFunc func(entry *LogEntry) bool

// SaltFunc hides sensitive data while keeping it comparable across entries
type SaltFunc func(ctx context.Context, data string) (string, error)
