package tenant

import "errors"

var (
	// ErrTenantNotFound is returned when no tenant matches the identifier.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrMissingIdentifier is returned when the request carries no tenant
	// identifier at all. Distinct from a malformed or unknown one.
	ErrMissingIdentifier = errors.New("missing tenant identifier")

	// ErrInvalidIdentifier is returned when the identifier is present but
	// not a valid UUID.
	ErrInvalidIdentifier = errors.New("invalid tenant identifier")

	// ErrTenantNotActive is returned when the resolved tenant exists but
	// refuses new bindings (suspended, deleting, deleted, or not yet
	// provisioned).
	ErrTenantNotActive = errors.New("tenant is not active")

	// ErrNoTenantInContext is returned when a handler requiring a binding
	// runs without one.
	ErrNoTenantInContext = errors.New("no tenant in context")

	// ErrInvalidTransition is returned for illegal lifecycle transitions.
	ErrInvalidTransition = errors.New("invalid tenant state transition")
)
