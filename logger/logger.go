package logger

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents the logging level
type LogLevel int

const (
	TraceLevel LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l LogLevel) String() string {
	switch l {
	case TraceLevel:
		return "trace"
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	default:
		return "info"
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case TraceLevel:
		return zerolog.TraceLevel
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case FatalLevel:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLogLevel parses a string to LogLevel, falling back to info
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return TraceLevel
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error", "err":
		return ErrorLevel
	case "fatal":
		return FatalLevel
	default:
		return InfoLevel
	}
}

// OutputFormat represents the output format
type OutputFormat int

const (
	JSONFormat OutputFormat = iota
	DefaultFormat
)

func (o OutputFormat) String() string {
	if o == JSONFormat {
		return "json"
	}
	return "default"
}

// ParseOutputFormat parses a string to OutputFormat
func ParseOutputFormat(format string) OutputFormat {
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return JSONFormat
	}
	return DefaultFormat
}

// TypedField represents a type-safe field for structured logging
type TypedField interface {
	key() string
	value() any
}

type (
	StringField struct {
		Key   string
		Value string
	}
	Int64Field struct {
		Key   string
		Value int64
	}
	BoolField struct {
		Key   string
		Value bool
	}
	DurationField struct {
		Key   string
		Value time.Duration
	}
	TimeField struct {
		Key   string
		Value time.Time
	}
	ErrorField struct {
		Key   string
		Value error
	}
	AnyField struct {
		Key   string
		Value any
	}
)

func (f StringField) key() string   { return f.Key }
func (f StringField) value() any    { return f.Value }
func (f Int64Field) key() string    { return f.Key }
func (f Int64Field) value() any     { return f.Value }
func (f BoolField) key() string     { return f.Key }
func (f BoolField) value() any      { return f.Value }
func (f DurationField) key() string { return f.Key }
func (f DurationField) value() any  { return f.Value }
func (f TimeField) key() string     { return f.Key }
func (f TimeField) value() any      { return f.Value }
func (f ErrorField) key() string    { return f.Key }
func (f AnyField) key() string      { return f.Key }
func (f AnyField) value() any       { return f.Value }

func (f ErrorField) value() any {
	if f.Value == nil {
		return nil
	}
	return f.Value.Error()
}

func String(key, value string) TypedField {
	return StringField{Key: key, Value: value}
}

func Int(key string, value int) TypedField {
	return Int64Field{Key: key, Value: int64(value)}
}

func Int64(key string, value int64) TypedField {
	return Int64Field{Key: key, Value: value}
}

func Bool(key string, value bool) TypedField {
	return BoolField{Key: key, Value: value}
}

func Duration(key string, value time.Duration) TypedField {
	return DurationField{Key: key, Value: value}
}

func Time(key string, value time.Time) TypedField {
	return TimeField{Key: key, Value: value}
}

func Err(value error) TypedField {
	return ErrorField{Key: "error", Value: value}
}

func Any(key string, value any) TypedField {
	return AnyField{Key: key, Value: value}
}

// TenantID is the field every tenant-scoped component logs under
func TenantID(id int64) TypedField {
	return Int64Field{Key: "tenant_id", Value: id}
}

// Logger defines the public interface for logging
type Logger interface {
	Trace(msg string, fields ...TypedField)
	Debug(msg string, fields ...TypedField)
	Info(msg string, fields ...TypedField)
	Warn(msg string, fields ...TypedField)
	Error(msg string, fields ...TypedField)
	Fatal(msg string, fields ...TypedField)

	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Errorf(format string, args ...any)

	WithSubsystem(name string) Logger
	WithSystem(name string) Logger
	WithFields(fields ...TypedField) Logger

	IsLevelEnabled(level LogLevel) bool

	Close() error
}

func fieldsToMap(fields []TypedField) map[string]any {
	result := make(map[string]any, len(fields))
	for _, f := range fields {
		if f == nil {
			continue
		}
		result[f.key()] = f.value()
	}
	return result
}
