// Package tenantdb hands out database connections scoped to the tenant
// bound on the calling context.
//
// Strategy: one shared pgx pool with per-acquisition search_path
// switching. The invariant this relies on is that every connection has its
// search_path reset to the safe default before it re-enters the pool; a
// connection whose reset fails is destroyed rather than re-pooled. The
// alternative (one pool per tenant) avoids the reset hazard at a much
// higher resource cost and was rejected for this deployment size.
package tenantdb

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quizforge/quizforge/pkg/tenant"
)

var (
	// ErrNoTenantBound is a programming error: Acquire was called outside
	// a tenant binding. It fails loudly instead of defaulting to any
	// schema.
	ErrNoTenantBound = errors.New("tenantdb: no tenant bound to context")

	// ErrTenantNotActive is returned when the bound tenant no longer
	// accepts work.
	ErrTenantNotActive = errors.New("tenantdb: bound tenant is not active")

	// ErrIsolationViolation is an internal self-check failure: the
	// connection's active schema did not match the bound tenant after
	// switching. The connection is destroyed and the request aborted.
	ErrIsolationViolation = errors.New("tenantdb: isolation violation")

	// ErrAcquireFailed wraps pool acquisition and schema-switch failures.
	ErrAcquireFailed = errors.New("tenantdb: failed to acquire scoped connection")
)

// defaultSearchPath is what every pooled connection is reset to before
// reuse. It contains no tenant schema.
const defaultSearchPath = "public, shared"

// Provider hands out scoped handles over a shared pgx pool.
type Provider struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewProvider creates a Provider. A nil logger falls back to slog.Default.
func NewProvider(pool *pgxpool.Pool, log *slog.Logger) *Provider {
	if log == nil {
		log = slog.Default()
	}
	return &Provider{pool: pool, log: log}
}

// Acquire returns a connection whose search_path is set to the bound
// tenant's schema. Callers must defer Release on the returned Conn; the
// deferred release runs on every exit path including panics, so the
// connection is never returned to the pool carrying a tenant schema.
func (p *Provider) Acquire(ctx context.Context) (*Conn, error) {
	t, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, ErrNoTenantBound
	}
	if !t.Active() {
		return nil, ErrTenantNotActive
	}

	pc, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, errors.Join(ErrAcquireFailed, err)
	}

	destroy := func() { pc.Hijack().Close(context.Background()) }
	if err := p.scope(ctx, pc, t.SchemaName, destroy); err != nil {
		return nil, err
	}

	return newConn(pc, t.SchemaName, p.log), nil
}

// scope switches the session to the tenant schema and verifies the
// switch took effect. Once the SET statement has been sent, the session
// may carry the tenant schema even when a step reports failure, so
// every error path here destroys the connection. Re-pooling is only
// safe after the reset in Conn.Release.
func (p *Provider) scope(ctx context.Context, q querier, schemaName string, destroy func()) error {
	schema := pgx.Identifier{schemaName}.Sanitize()
	if _, err := q.Exec(ctx, "SET search_path TO "+schema+", shared"); err != nil {
		destroy()
		return errors.Join(ErrAcquireFailed, err)
	}

	// Self-check: read the active schema back. A failed read leaves the
	// session in an unknown state, which is as untrustworthy as a
	// mismatch.
	var current string
	if err := q.QueryRow(ctx, "SELECT current_schema()").Scan(&current); err != nil {
		destroy()
		return errors.Join(ErrAcquireFailed, err)
	}
	if current != schemaName {
		p.log.ErrorContext(ctx, "isolation violation: schema switch did not take effect",
			"component", "tenantdb",
			"want_schema", schemaName,
			"got_schema", current,
		)
		destroy()
		return ErrIsolationViolation
	}
	return nil
}

// Healthcheck reports whether the underlying pool is reachable.
func (p *Provider) Healthcheck(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
