package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/stephnangue/tenantauth/claim"
	"github.com/stephnangue/tenantauth/logger"
	"github.com/stephnangue/tenantauth/logical"
)

const unauthorizedDetail = "unauthorized"

// ErrorResponse represents a JSON error response
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// respondError writes an error response with the given status code and message.
func respondError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := &ErrorResponse{
		Errors: []string{message},
	}

	json.NewEncoder(w).Encode(resp)
}

// writeUnauthorized writes the body huma produces for errUnauthorized, so a
// 401 from the middleware cannot be told apart from one raised by a handler.
func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(&huma.ErrorModel{
		Title:  http.StatusText(http.StatusUnauthorized),
		Status: http.StatusUnauthorized,
		Detail: unauthorizedDetail,
	})
}

func errUnauthorized() error {
	return huma.Error401Unauthorized(unauthorizedDetail)
}

// requireClaim returns the claim stored by the middleware.
func requireClaim(ctx context.Context) (claim.AuthClaim, error) {
	c, ok := ClaimFromContext(ctx)
	if !ok {
		return claim.AuthClaim{}, errUnauthorized()
	}
	return c, nil
}

// convertError maps a domain error to a huma error by its kind. Messages of
// client errors are passed through; everything else gets a generic message.
func (h *handlers) convertError(err error) error {
	switch logical.KindOf(err) {
	case logical.KindUnauthorized:
		return errUnauthorized()
	case logical.KindBadRequest:
		return huma.Error400BadRequest(err.Error())
	case logical.KindNotFound:
		return huma.Error404NotFound(err.Error())
	case logical.KindConflict:
		return huma.Error409Conflict(err.Error())
	case logical.KindUpstreamFailure:
		h.logger.Warn("upstream failure", logger.Err(err))
		return huma.Error502BadGateway("identity provider unavailable")
	default:
		h.logger.Error("operation error", logger.Err(err))
		return huma.Error500InternalServerError("Internal server error")
	}
}
