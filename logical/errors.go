package logical

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure independently of the transport that reports it.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindNotFound
	KindBadRequest
	KindConflict
	KindUpstreamFailure
	KindInternalInconsistency
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindBadRequest:
		return "bad_request"
	case KindConflict:
		return "conflict"
	case KindUpstreamFailure:
		return "upstream_failure"
	case KindInternalInconsistency:
		return "internal_inconsistency"
	default:
		return "internal"
	}
}

// Status is the HTTP status code a kind maps to.
func (k Kind) Status() int {
	switch k {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// CodedError is an error that carries its kind and an HTTP status code.
// Handlers map it to a response without string matching.
type CodedError struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

func (e *CodedError) Code() int {
	return e.Status
}

// Is reports whether target is a CodedError of the same kind, so callers can
// write errors.Is(err, logical.ErrUnauthorized).
func (e *CodedError) Is(target error) bool {
	t, ok := target.(*CodedError)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

func newCoded(kind Kind, message string, err error) *CodedError {
	return &CodedError{Kind: kind, Status: kind.Status(), Message: message, Err: err}
}

// Kind sentinels, matched with errors.Is.
var (
	ErrUnauthorized          = &CodedError{Kind: KindUnauthorized, Status: http.StatusUnauthorized}
	ErrNotFound              = &CodedError{Kind: KindNotFound, Status: http.StatusNotFound}
	ErrBadRequest            = &CodedError{Kind: KindBadRequest, Status: http.StatusBadRequest}
	ErrConflict              = &CodedError{Kind: KindConflict, Status: http.StatusConflict}
	ErrUpstreamFailure       = &CodedError{Kind: KindUpstreamFailure, Status: http.StatusBadGateway}
	ErrInternalInconsistency = &CodedError{Kind: KindInternalInconsistency, Status: http.StatusInternalServerError}
)

// Unauthorized creates a 401 error. The message is safe to show callers.
func Unauthorized(message string) *CodedError {
	return newCoded(KindUnauthorized, message, nil)
}

func Unauthorizedf(format string, args ...any) *CodedError {
	return newCoded(KindUnauthorized, fmt.Sprintf(format, args...), nil)
}

func NotFound(message string) *CodedError {
	return newCoded(KindNotFound, message, nil)
}

func NotFoundf(format string, args ...any) *CodedError {
	return newCoded(KindNotFound, fmt.Sprintf(format, args...), nil)
}

func BadRequest(message string) *CodedError {
	return newCoded(KindBadRequest, message, nil)
}

func BadRequestf(format string, args ...any) *CodedError {
	return newCoded(KindBadRequest, fmt.Sprintf(format, args...), nil)
}

// Conflict wraps a rejected state change
func Conflict(message string, err error) *CodedError {
	return newCoded(KindConflict, message, err)
}

// UpstreamFailure wraps an error returned by a collaborator (identity
// provider, store) that the caller cannot act on.
func UpstreamFailure(message string, err error) *CodedError {
	return newCoded(KindUpstreamFailure, message, err)
}

// InternalInconsistency reports state that could not be made consistent,
// such as a failed compensating write.
func InternalInconsistency(message string, err error) *CodedError {
	return newCoded(KindInternalInconsistency, message, err)
}

// WrapWithCode wraps an existing error with an HTTP status code.
func WrapWithCode(status int, err error) *CodedError {
	kind := KindInternal
	switch status {
	case http.StatusUnauthorized:
		kind = KindUnauthorized
	case http.StatusNotFound:
		kind = KindNotFound
	case http.StatusBadRequest:
		kind = KindBadRequest
	case http.StatusConflict:
		kind = KindConflict
	case http.StatusBadGateway:
		kind = KindUpstreamFailure
	}
	return &CodedError{Kind: kind, Status: status, Message: err.Error(), Err: err}
}

// GetErrorCode extracts the HTTP status code from an error. Errors that do
// not wrap a CodedError map to 500.
func GetErrorCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Status
	}
	return http.StatusInternalServerError
}

// KindOf returns the kind of the first CodedError in err's chain.
func KindOf(err error) Kind {
	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Kind
	}
	return KindInternal
}
