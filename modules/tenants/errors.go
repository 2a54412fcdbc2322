package tenants

import "errors"

var (
	// ErrDuplicateTenant is returned when the owner already has a live
	// tenant. Enforced by a partial unique index, not application locks,
	// so racing Register calls resolve in the database.
	ErrDuplicateTenant = errors.New("tenants: owner already has a tenant")

	// ErrProvisionFailed wraps any provisioning failure. All partial
	// objects are rolled back before it is returned.
	ErrProvisionFailed = errors.New("tenants: provisioning failed")

	// ErrDecommissionFailed wraps failures while dropping a tenant schema.
	ErrDecommissionFailed = errors.New("tenants: decommission failed")

	// ErrMigrateFailed wraps a per-tenant migration failure. The failing
	// tenant is flagged for follow-up; other tenants are unaffected.
	ErrMigrateFailed = errors.New("tenants: migration failed")

	// ErrInvalidInput is returned for malformed create requests.
	ErrInvalidInput = errors.New("tenants: invalid input")

	// ErrUnknownVersion is returned when a migration targets a version the
	// object set does not define.
	ErrUnknownVersion = errors.New("tenants: unknown schema version")
)
