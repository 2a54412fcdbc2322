// Package tenant defines tenant identity, the per-request tenant binding,
// and the HTTP middleware that establishes it.
//
// A tenant's data lives in a dedicated PostgreSQL schema derived from its
// id. The binding of "current tenant" is carried exclusively as a context
// value scoped to one request; there is no process-wide current tenant, so
// concurrent requests on a shared worker pool can never observe each
// other's binding.
package tenant

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a tenant.
type Status string

const (
	StatusProvisioning    Status = "provisioning"
	StatusActive          Status = "active"
	StatusSuspended       Status = "suspended"
	StatusDeleting        Status = "deleting"
	StatusDeleted         Status = "deleted"
	StatusProvisionFailed Status = "provision_failed"
)

// transitions encodes the legal lifecycle moves. Deleted is terminal;
// provision_failed may go back to provisioning for an idempotent retry.
var transitions = map[Status][]Status{
	StatusProvisioning:    {StatusActive, StatusProvisionFailed},
	StatusProvisionFailed: {StatusProvisioning},
	StatusActive:          {StatusSuspended, StatusDeleting},
	StatusSuspended:       {StatusActive, StatusDeleting},
	StatusDeleting:        {StatusDeleted},
	StatusDeleted:         {},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is a legal
// lifecycle transition.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Tenant is a catalog row. The id is immutable identity; SchemaName is
// derived from it exactly once at registration and never reissued, even
// after deletion.
type Tenant struct {
	ID            uuid.UUID `json:"tenant_id"`
	Name          string    `json:"name"`
	OwnerEmail    string    `json:"owner_email"`
	SchemaName    string    `json:"schema_name"`
	Status        Status    `json:"status"`
	SchemaVersion int       `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`

	// MigrationError holds the cause of the last failed per-tenant
	// migration, flagged for operator follow-up. Empty when healthy.
	MigrationError string `json:"migration_error,omitempty"`
}

// Active reports whether the tenant accepts new request bindings.
func (t *Tenant) Active() bool {
	return t.Status == StatusActive
}

// SchemaNameFor derives the namespace for a tenant id. Deterministic and
// 1:1 with the id: "tenant_" plus the UUID with dashes replaced by
// underscores, which keeps it a valid unquoted PostgreSQL identifier.
func SchemaNameFor(id uuid.UUID) string {
	return "tenant_" + strings.ReplaceAll(id.String(), "-", "_")
}
