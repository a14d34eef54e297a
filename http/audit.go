package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stephnangue/tenantauth/audit"
	"github.com/stephnangue/tenantauth/claim"
	"github.com/stephnangue/tenantauth/logger"
)

const auditKey contextKey = "audit_record"

// auditRecord carries what the claim middleware learned back to the audit
// middleware wrapping it.
type auditRecord struct {
	entry audit.LogEntry
}

// auditMiddleware records a response entry for every /v1 request. The
// request entry is written by auditRequest once the caller is known.
func (h *handlers) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.audit == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &auditRecord{entry: audit.LogEntry{
			Request: &audit.Request{
				ID:       middleware.GetReqID(r.Context()),
				Method:   r.Method,
				ClientIP: clientIP(r),
				Path:     r.URL.Path,
			},
		}}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), auditKey, rec)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		entry := rec.entry.Clone()
		entry.Timestamp = time.Now().UTC()
		entry.Response = &audit.Response{
			StatusCode: status,
			DurationMs: time.Since(start).Milliseconds(),
		}
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			entry.Response.Operation = r.Method + " " + rctx.RoutePattern()
		}
		if _, err := h.audit.LogResponse(r.Context(), entry); err != nil {
			h.logger.Error("failed to audit response",
				logger.String("request_id", entry.Request.ID),
				logger.Err(err))
		}
	})
}

// auditRequest writes the request entry. It reports false, after answering
// 500, when no audit device could record it.
func (h *handlers) auditRequest(w http.ResponseWriter, r *http.Request, c *claim.AuthClaim) bool {
	rec, ok := r.Context().Value(auditKey).(*auditRecord)
	if !ok || h.audit == nil {
		return true
	}
	if c != nil {
		rec.entry.Auth = &audit.Auth{
			TenantID:    c.TenantID(),
			ClientID:    c.PlatformClientID(),
			Username:    c.Username(),
			PerformedBy: c.PerformedBy(),
			SuperTenant: c.SuperTenant(),
			Admin:       c.Admin(),
		}
	}

	entry := rec.entry.Clone()
	entry.Timestamp = time.Now().UTC()
	recorded, err := h.audit.LogRequest(r.Context(), entry)
	if err != nil {
		h.logger.Error("failed to audit request",
			logger.String("request_id", entry.Request.ID),
			logger.Err(err))
	}
	if !recorded {
		respondError(w, http.StatusInternalServerError, "audit log unavailable")
		return false
	}
	return true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
