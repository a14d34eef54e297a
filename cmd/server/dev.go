package server

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/stephnangue/tenantauth/credential"
	"github.com/stephnangue/tenantauth/helper"
	"github.com/stephnangue/tenantauth/storage"
	"github.com/stephnangue/tenantauth/tenant"
)

type devCredentials struct {
	TenantID     int64
	ClientID     string
	ClientSecret string
}

// devBootstrap creates an active root tenant whose platform client is a
// super tenant and gateway administrator, so a dev server can be driven
// without a manual approval step.
func devBootstrap(ctx context.Context, backend *storage.Backend) (*devCredentials, error) {
	rec, err := backend.Tenants.Create(ctx, tenant.Record{
		Name:          "root",
		AdminUsername: "admin",
	})
	if err != nil {
		return nil, fmt.Errorf("dev bootstrap failed: %w", err)
	}
	if _, err := backend.Tenants.UpdateStatus(ctx, rec.ID, tenant.StatusActive, tenant.ActorSystem); err != nil {
		return nil, fmt.Errorf("dev bootstrap failed: %w", err)
	}

	secret, err := helper.GenerateClientSecret()
	if err != nil {
		return nil, fmt.Errorf("dev bootstrap failed: %w", err)
	}
	creds := &devCredentials{
		TenantID:     rec.ID,
		ClientID:     helper.GenerateClientID(),
		ClientSecret: secret,
	}
	err = backend.Credentials.Put(ctx, credential.Record{
		ID:          creds.ClientID,
		Secret:      creds.ClientSecret,
		OwnerID:     rec.ID,
		Type:        credential.TypePlatform,
		IssuedAt:    time.Now(),
		SuperAdmin:  true,
		SuperTenant: true,
	})
	if err != nil {
		return nil, fmt.Errorf("dev bootstrap failed: %w", err)
	}
	return creds, nil
}

// printDevBanner prints the dev mode startup banner with the bootstrap client.
func printDevBanner(w io.Writer, creds *devCredentials) {
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "==> tenantauth server started in dev mode! <==\n")
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "WARNING! dev mode is enabled! Unless a config file was given, tenantauth\n")
	fmt.Fprintf(w, "runs entirely in-memory and all data is lost on restart.\n")
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Root Tenant ID: %d\n", creds.TenantID)
	fmt.Fprintf(w, "Client ID:      %s\n", creds.ClientID)
	fmt.Fprintf(w, "Client Secret:  %s\n", creds.ClientSecret)
	fmt.Fprintf(w, "Bearer Token:   %s\n", credential.EncodeClientToken(creds.ClientID, creds.ClientSecret))
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Development mode should NOT be used in production installations!\n")
	fmt.Fprintf(w, "\n")
}
