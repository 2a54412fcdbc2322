package tenants

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quizforge/quizforge/pkg/pg"
	"github.com/quizforge/quizforge/pkg/tenant"
)

// Catalog is the durable tenant registry in the shared schema. It is
// readable regardless of any tenant binding; nothing in it lives inside a
// tenant namespace.
type Catalog struct {
	pool *pgxpool.Pool
}

// NewCatalog creates a Catalog over the shared pool.
func NewCatalog(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

// Filter narrows List results.
type Filter struct {
	Status tenant.Status // zero value matches all statuses
}

const tenantColumns = `id, name, owner_email, schema_name, status, schema_version, created_at, COALESCE(migration_error, '')`

// Register allocates a new tenant id, derives its schema name, and
// inserts the row with status provisioning. The partial unique index on
// owner_email turns concurrent registrations for the same owner into
// ErrDuplicateTenant for all but one caller; the unique schema_name
// constraint guards the derived namespace the same way.
func (c *Catalog) Register(ctx context.Context, name, ownerEmail string) (*tenant.Tenant, error) {
	t := &tenant.Tenant{
		ID:         uuid.New(),
		Name:       name,
		OwnerEmail: ownerEmail,
		Status:     tenant.StatusProvisioning,
	}
	t.SchemaName = tenant.SchemaNameFor(t.ID)

	err := c.pool.QueryRow(ctx,
		`INSERT INTO shared.tenants (id, name, owner_email, schema_name, status, schema_version)
		 VALUES ($1, $2, $3, $4, $5, 0)
		 RETURNING created_at`,
		t.ID, t.Name, t.OwnerEmail, t.SchemaName, t.Status,
	).Scan(&t.CreatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTenant, ownerEmail)
		}
		return nil, fmt.Errorf("tenants: register: %w", err)
	}

	return t, nil
}

// GetByID returns the tenant or tenant.ErrTenantNotFound. Satisfies
// tenant.Provider for the binding middleware.
func (c *Catalog) GetByID(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error) {
	row := c.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM shared.tenants WHERE id = $1`, id)

	t, err := scanTenant(row)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, tenant.ErrTenantNotFound
		}
		return nil, fmt.Errorf("tenants: get: %w", err)
	}
	return t, nil
}

// List returns tenants matching the filter, newest first.
func (c *Catalog) List(ctx context.Context, filter Filter) ([]*tenant.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM shared.tenants`
	var args []any
	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("tenants: list: %w", err)
	}
	defer rows.Close()

	// Non-nil so an empty catalog serializes as [] rather than null.
	out := []*tenant.Tenant{}
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("tenants: list: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetStatus moves a tenant to next, validating the lifecycle transition.
// The UPDATE is guarded on the status read in the same call, so a
// concurrent transition makes this one fail with ErrInvalidTransition
// instead of silently overwriting it.
func (c *Catalog) SetStatus(ctx context.Context, id uuid.UUID, next tenant.Status) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", tenant.ErrInvalidTransition, next)
	}

	var current tenant.Status
	err := c.pool.QueryRow(ctx,
		`SELECT status FROM shared.tenants WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return tenant.ErrTenantNotFound
		}
		return fmt.Errorf("tenants: set status: %w", err)
	}

	if !current.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", tenant.ErrInvalidTransition, current, next)
	}

	tag, err := c.pool.Exec(ctx,
		`UPDATE shared.tenants SET status = $1 WHERE id = $2 AND status = $3`,
		next, id, current)
	if err != nil {
		return fmt.Errorf("tenants: set status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Lost a race with a concurrent transition.
		return fmt.Errorf("%w: concurrent transition from %s", tenant.ErrInvalidTransition, current)
	}
	return nil
}

// SetSchemaVersion records the object-set version a tenant's namespace is
// at, and clears any migration flag.
func (c *Catalog) SetSchemaVersion(ctx context.Context, id uuid.UUID, version int) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE shared.tenants SET schema_version = $1, migration_error = NULL WHERE id = $2`,
		version, id)
	if err != nil {
		return fmt.Errorf("tenants: set schema version: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenant.ErrTenantNotFound
	}
	return nil
}

// FlagMigrationFailure records a per-tenant migration failure for
// operator follow-up without touching the tenant's status or blocking
// other tenants.
func (c *Catalog) FlagMigrationFailure(ctx context.Context, id uuid.UUID, cause string) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE shared.tenants SET migration_error = $1 WHERE id = $2`,
		cause, id)
	if err != nil {
		return fmt.Errorf("tenants: flag migration failure: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return tenant.ErrTenantNotFound
	}
	return nil
}

// scannable covers pgx.Row and pgx.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanTenant(row scannable) (*tenant.Tenant, error) {
	var t tenant.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.OwnerEmail, &t.SchemaName, &t.Status,
		&t.SchemaVersion, &t.CreatedAt, &t.MigrationError)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

var _ tenant.Provider = (*Catalog)(nil)
