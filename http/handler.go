package http

import (
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/stephnangue/tenantauth/audit"
	"github.com/stephnangue/tenantauth/claim"
	"github.com/stephnangue/tenantauth/identity"
	"github.com/stephnangue/tenantauth/logger"
	"github.com/stephnangue/tenantauth/management"
)

// HandlerProperties contains configuration for the HTTP handler
type HandlerProperties struct {
	Resolver *claim.Resolver
	Identity *identity.Service
	Manager  *management.Manager
	Logger   *logger.GatedLogger

	// Audit records every /v1 request when set
	Audit *audit.Manager
}

type handlers struct {
	resolver *claim.Resolver
	identity *identity.Service
	manager  *management.Manager
	logger   *logger.GatedLogger
	audit    *audit.Manager
}

// Handler creates the HTTP handler serving the /v1 API.
func Handler(props *HandlerProperties) http.Handler {
	log := props.Logger
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	h := &handlers{
		resolver: props.Resolver,
		identity: props.Identity,
		manager:  props.Manager,
		logger:   log.WithSubsystem("http"),
		audit:    props.Audit,
	}

	router := chi.NewRouter()

	config := huma.DefaultConfig("Tenant Auth API", "1.0.0")
	config.Info.Description = "Tenant management, credential claims and end-user authentication status"
	config.OpenAPIPath = "/v1/openapi"
	config.DocsPath = "/v1/docs"
	config.SchemasPath = "/v1/schemas"
	config.Tags = []*huma.Tag{
		{Name: "claims", Description: "Credential claim resolution"},
		{Name: "authn", Description: "End-user authentication status"},
		{Name: "tenants", Description: "Tenant lifecycle management"},
	}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {
			Type:        "http",
			Scheme:      "bearer",
			Description: "Bearer token of a tenant credential",
		},
	}

	router.Use(h.auditMiddleware, h.claimMiddleware)

	api := humachi.New(router, config)
	h.registerClaimOperations(api)
	h.registerTenantOperations(api)

	return wrapGenericHandler(router)
}

// wrapGenericHandler rejects paths outside /v1/ and marks every response
// as non-cacheable since bodies carry secrets.
func wrapGenericHandler(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			respondError(w, http.StatusNotFound, "path must begin with /v1/")
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		handler.ServeHTTP(w, r)
	})
}

var bearerSecurity = []map[string][]string{
	{"bearerAuth": {}},
}
