package listener

import "context"

// Listener serves the tenantauth API on one address.
type Listener interface {
	// Addr is the bound address once started, the configured one before
	Addr() string

	// Start blocks until ctx is cancelled or serving fails. Cancellation
	// stops the listener gracefully and returns nil.
	Start(ctx context.Context) error

	// Stop is idempotent
	Stop() error

	// Type is the listener block label, e.g. "api"
	Type() string
}
