package tenants

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/quizforge/quizforge/pkg/tenant"
)

// AdminCredentials are returned exactly once, from a successful
// provisioning run. Only the bcrypt hash is stored.
type AdminCredentials struct {
	Email        string `json:"admin_email"`
	TempPassword string `json:"temp_password"`
}

// Provisioner creates and removes the physical isolation boundary: the
// tenant schema, its object set, and the bootstrap admin user.
//
// Operations are serialized per tenant id and fully parallel across
// tenants; no lock spans all tenants.
type Provisioner struct {
	pool    *pgxpool.Pool
	catalog *Catalog
	objects *ObjectSet
	log     *slog.Logger
	locks   keyedMutex
}

// NewProvisioner creates a Provisioner. A nil object set uses
// DefaultObjectSet; a nil logger falls back to slog.Default.
func NewProvisioner(pool *pgxpool.Pool, catalog *Catalog, objects *ObjectSet, log *slog.Logger) *Provisioner {
	if objects == nil {
		objects = DefaultObjectSet
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{pool: pool, catalog: catalog, objects: objects, log: log}
}

// Provision creates the tenant schema, every object in the current object
// set, and the admin user, all in one transaction. Any failure rolls the
// whole thing back and marks the tenant provision_failed; nothing is ever
// left half-created. Calling it again after a failure is a clean retry:
// leftovers from an aborted attempt are dropped first, which is safe
// because a tenant that ever reached Active is never provisioned again.
func (p *Provisioner) Provision(ctx context.Context, t *tenant.Tenant) (*AdminCredentials, error) {
	unlock := p.locks.lock(t.ID)
	defer unlock()

	creds, err := p.provision(ctx, t)
	if err != nil {
		if stErr := p.catalog.SetStatus(ctx, t.ID, tenant.StatusProvisionFailed); stErr != nil {
			p.log.ErrorContext(ctx, "failed to mark tenant provision_failed",
				"tenant_id", t.ID, "error", stErr)
		}
		return nil, errors.Join(ErrProvisionFailed, err)
	}

	p.log.InfoContext(ctx, "tenant schema provisioned",
		"tenant_id", t.ID, "schema", t.SchemaName, "version", p.objects.CurrentVersion())
	return creds, nil
}

func (p *Provisioner) provision(ctx context.Context, t *tenant.Tenant) (*AdminCredentials, error) {
	tempPassword, err := generateTempPassword()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(tempPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	schema := pgx.Identifier{t.SchemaName}.Sanitize()

	if _, err := tx.Exec(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, "CREATE SCHEMA "+schema); err != nil {
		return nil, err
	}

	target := p.objects.CurrentVersion()
	for v := 1; v <= target; v++ {
		for _, obj := range p.objects.Objects(v) {
			if _, err := tx.Exec(ctx, renderDDL(obj.DDL, t.SchemaName)); err != nil {
				return nil, fmt.Errorf("create %s: %w", obj.Name, err)
			}
		}
	}

	username := t.OwnerEmail
	if at := strings.IndexByte(username, '@'); at > 0 {
		username = username[:at]
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO "+schema+".users (email, username, hashed_password, is_active, is_admin) VALUES ($1, $2, $3, TRUE, TRUE)",
		t.OwnerEmail, username, string(hash)); err != nil {
		return nil, fmt.Errorf("create admin user: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE shared.tenants SET schema_version = $1, migration_error = NULL WHERE id = $2`,
		target, t.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	t.SchemaVersion = target
	return &AdminCredentials{Email: t.OwnerEmail, TempPassword: tempPassword}, nil
}

// Decommission irrecoverably drops the tenant schema and everything in
// it, then moves the tenant to deleted. The catalog row is kept as a
// tombstone so the id and schema name are never reissued.
func (p *Provisioner) Decommission(ctx context.Context, t *tenant.Tenant) error {
	unlock := p.locks.lock(t.ID)
	defer unlock()

	schema := pgx.Identifier{t.SchemaName}.Sanitize()
	if _, err := p.pool.Exec(ctx, "DROP SCHEMA IF EXISTS "+schema+" CASCADE"); err != nil {
		return errors.Join(ErrDecommissionFailed, err)
	}

	if err := p.catalog.SetStatus(ctx, t.ID, tenant.StatusDeleted); err != nil {
		return errors.Join(ErrDecommissionFailed, err)
	}

	p.log.InfoContext(ctx, "tenant schema decommissioned",
		"tenant_id", t.ID, "schema", t.SchemaName)
	return nil
}

// Migrate replays object-set versions into one tenant's schema, one
// transaction per version step. A failing step rolls back, flags the
// tenant for operator follow-up, and leaves the tenant on its previous
// version; no other tenant is affected.
func (p *Provisioner) Migrate(ctx context.Context, t *tenant.Tenant, targetVersion int) error {
	unlock := p.locks.lock(t.ID)
	defer unlock()

	if targetVersion < 1 || targetVersion > p.objects.CurrentVersion() {
		return fmt.Errorf("%w: %d", ErrUnknownVersion, targetVersion)
	}
	if t.SchemaVersion >= targetVersion {
		return nil
	}

	for v := t.SchemaVersion + 1; v <= targetVersion; v++ {
		if err := p.applyVersion(ctx, t, v); err != nil {
			cause := fmt.Sprintf("version %d: %v", v, err)
			if flagErr := p.catalog.FlagMigrationFailure(ctx, t.ID, cause); flagErr != nil {
				p.log.ErrorContext(ctx, "failed to flag migration failure",
					"tenant_id", t.ID, "error", flagErr)
			}
			return fmt.Errorf("%w: tenant %s %s", ErrMigrateFailed, t.ID, cause)
		}
		t.SchemaVersion = v
	}

	p.log.InfoContext(ctx, "tenant schema migrated",
		"tenant_id", t.ID, "schema", t.SchemaName, "version", targetVersion)
	return nil
}

func (p *Provisioner) applyVersion(ctx context.Context, t *tenant.Tenant, version int) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, obj := range p.objects.Objects(version) {
		if _, err := tx.Exec(ctx, renderDDL(obj.DDL, t.SchemaName)); err != nil {
			return fmt.Errorf("create %s: %w", obj.Name, err)
		}
	}
	if _, err := tx.Exec(ctx,
		`UPDATE shared.tenants SET schema_version = $1, migration_error = NULL WHERE id = $2`,
		version, t.ID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// MigrateAll walks every active and suspended tenant towards
// targetVersion. One tenant's failure is collected and iteration
// continues; the joined error reports every failing tenant.
func (p *Provisioner) MigrateAll(ctx context.Context, targetVersion int) error {
	var errs []error
	for _, status := range []tenant.Status{tenant.StatusActive, tenant.StatusSuspended} {
		list, err := p.catalog.List(ctx, Filter{Status: status})
		if err != nil {
			return err
		}
		for _, t := range list {
			if err := p.Migrate(ctx, t, targetVersion); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// generateTempPassword returns a random one-time password for the admin
// principal.
func generateTempPassword() (string, error) {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// keyedMutex serializes operations per tenant id without any global
// lock. The per-tenant entries are as long-lived as the process, which
// is bounded by the number of tenants ever touched.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

func (k *keyedMutex) lock(id uuid.UUID) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[uuid.UUID]*sync.Mutex)
	}
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
