package tenants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/quizforge/quizforge/pkg/tenant"
	"github.com/quizforge/quizforge/pkg/tenantdb"
)

// Config holds the lifecycle service settings read from the environment.
type Config struct {
	DrainWindow time.Duration `env:"TENANTS_DRAIN_WINDOW" envDefault:"15s"` // DrainWindow is the grace period between deleting and the schema drop
	DropTimeout time.Duration `env:"TENANTS_DROP_TIMEOUT" envDefault:"1m"`  // DropTimeout bounds the deferred schema drop
}

// catalogAPI is the slice of Catalog the service depends on.
type catalogAPI interface {
	Register(ctx context.Context, name, ownerEmail string) (*tenant.Tenant, error)
	GetByID(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error)
	List(ctx context.Context, filter Filter) ([]*tenant.Tenant, error)
	SetStatus(ctx context.Context, id uuid.UUID, next tenant.Status) error
}

// provisionerAPI is the slice of Provisioner the service depends on.
type provisionerAPI interface {
	Provision(ctx context.Context, t *tenant.Tenant) (*AdminCredentials, error)
	Decommission(ctx context.Context, t *tenant.Tenant) error
	Migrate(ctx context.Context, t *tenant.Tenant, targetVersion int) error
	MigrateAll(ctx context.Context, targetVersion int) error
}

// scopedConn is what the service needs from a tenant-scoped connection.
type scopedConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) row
	Release()
}

type row interface {
	Scan(dest ...any) error
}

// connProvider hands out connections scoped to the tenant bound to ctx.
type connProvider interface {
	Acquire(ctx context.Context) (scopedConn, error)
}

// dbAdapter narrows *tenantdb.Provider to connProvider.
type dbAdapter struct {
	p *tenantdb.Provider
}

func (a dbAdapter) Acquire(ctx context.Context) (scopedConn, error) {
	conn, err := a.p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return connAdapter{conn}, nil
}

type connAdapter struct {
	c *tenantdb.Conn
}

func (a connAdapter) QueryRow(ctx context.Context, sql string, args ...any) row {
	return a.c.QueryRow(ctx, sql, args...)
}

func (a connAdapter) Release() { a.c.Release() }

// Service drives the tenant lifecycle: registration, provisioning,
// suspension, deletion and per-tenant stats. All status changes go
// through the catalog so the transition rules are enforced in one
// place.
type Service struct {
	catalog catalogAPI
	prov    provisionerAPI
	db      connProvider
	objects *ObjectSet
	cache   tenant.Cache
	log     *slog.Logger

	drainWindow time.Duration
	dropTimeout time.Duration

	wg sync.WaitGroup
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceCache invalidates entries in the given cache when a
// tenant leaves the active status.
func WithServiceCache(c tenant.Cache) ServiceOption {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithServiceLogger sets the logger used by the service.
func WithServiceLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithDrainWindow overrides how long a deleting tenant keeps its
// schema before the deferred drop runs.
func WithDrainWindow(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d >= 0 {
			s.drainWindow = d
		}
	}
}

// NewService wires the lifecycle service from its collaborators.
func NewService(catalog *Catalog, prov *Provisioner, db *tenantdb.Provider, objects *ObjectSet, opts ...ServiceOption) *Service {
	s := &Service{
		catalog:     catalog,
		prov:        prov,
		db:          dbAdapter{db},
		objects:     objects,
		cache:       tenant.NewNoopCache(),
		log:         slog.Default(),
		drainWindow: 15 * time.Second,
		dropTimeout: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyConfig overlays timing settings from the environment config.
func (s *Service) ApplyConfig(cfg Config) {
	if cfg.DrainWindow >= 0 {
		s.drainWindow = cfg.DrainWindow
	}
	if cfg.DropTimeout > 0 {
		s.dropTimeout = cfg.DropTimeout
	}
}

// CreateTenant registers a tenant and provisions its schema. On
// provisioning failure the tenant is returned alongside the error so
// callers can surface the id for a later retry.
func (s *Service) CreateTenant(ctx context.Context, name, ownerEmail string) (*tenant.Tenant, *AdminCredentials, error) {
	name = strings.TrimSpace(name)
	ownerEmail = strings.TrimSpace(strings.ToLower(ownerEmail))
	if name == "" {
		return nil, nil, errors.Join(ErrInvalidInput, errors.New("name is required"))
	}
	if ownerEmail == "" {
		return nil, nil, errors.Join(ErrInvalidInput, errors.New("owner_email is required"))
	}
	if at := strings.IndexByte(ownerEmail, '@'); at <= 0 || at == len(ownerEmail)-1 {
		return nil, nil, errors.Join(ErrInvalidInput, fmt.Errorf("owner_email %q is not an email address", ownerEmail))
	}

	t, err := s.catalog.Register(ctx, name, ownerEmail)
	if err != nil {
		return nil, nil, err
	}

	creds, err := s.prov.Provision(ctx, t)
	if err != nil {
		t.Status = tenant.StatusProvisionFailed
		return t, nil, err
	}

	if err := s.activate(ctx, t); err != nil {
		return t, nil, err
	}
	return t, creds, nil
}

// RetryProvision reruns provisioning for a tenant stuck in
// provision_failed. The previous partial schema, if any, is dropped
// and rebuilt from scratch.
func (s *Service) RetryProvision(ctx context.Context, id uuid.UUID) (*tenant.Tenant, *AdminCredentials, error) {
	t, err := s.catalog.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if err := s.catalog.SetStatus(ctx, t.ID, tenant.StatusProvisioning); err != nil {
		return nil, nil, err
	}
	t.Status = tenant.StatusProvisioning

	creds, err := s.prov.Provision(ctx, t)
	if err != nil {
		t.Status = tenant.StatusProvisionFailed
		return t, nil, err
	}

	if err := s.activate(ctx, t); err != nil {
		return t, nil, err
	}
	return t, creds, nil
}

// activate moves a freshly provisioned tenant to active. If the catalog
// write fails the tenant is parked in provision_failed instead of being
// stranded in provisioning, which has no legal exit other than a retry
// from provision_failed. The schema is rebuilt from scratch on retry,
// so the discarded credentials are reissued then.
func (s *Service) activate(ctx context.Context, t *tenant.Tenant) error {
	err := s.catalog.SetStatus(ctx, t.ID, tenant.StatusActive)
	if err == nil {
		t.Status = tenant.StatusActive
		return nil
	}

	if stErr := s.catalog.SetStatus(ctx, t.ID, tenant.StatusProvisionFailed); stErr != nil {
		s.log.ErrorContext(ctx, "failed to park tenant in provision_failed after activation failure",
			"tenant_id", t.ID, "error", stErr)
	}
	t.Status = tenant.StatusProvisionFailed
	return errors.Join(ErrProvisionFailed, err)
}

// Suspend blocks new request bindings for the tenant. Its schema and
// data stay untouched.
func (s *Service) Suspend(ctx context.Context, id uuid.UUID) error {
	if err := s.catalog.SetStatus(ctx, id, tenant.StatusSuspended); err != nil {
		return err
	}
	s.cache.Delete(ctx, id.String())
	return nil
}

// Resume reactivates a suspended tenant.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) error {
	if err := s.catalog.SetStatus(ctx, id, tenant.StatusActive); err != nil {
		return err
	}
	s.cache.Delete(ctx, id.String())
	return nil
}

// DeleteTenant moves the tenant to deleting, which stops new requests
// from binding to it, and schedules the schema drop after the drain
// window so in-flight requests can finish. The drop runs detached from
// the caller's context; Close waits for pending drops.
func (s *Service) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	t, err := s.catalog.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.catalog.SetStatus(ctx, t.ID, tenant.StatusDeleting); err != nil {
		return err
	}
	s.cache.Delete(ctx, id.String())

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		time.Sleep(s.drainWindow)

		dropCtx, cancel := context.WithTimeout(context.Background(), s.dropTimeout)
		defer cancel()
		if err := s.prov.Decommission(dropCtx, t); err != nil {
			s.log.Error("deferred tenant decommission failed",
				"tenant_id", t.ID, "schema", t.SchemaName, "error", err)
		}
	}()
	return nil
}

// MigrateTenant upgrades a single tenant schema to targetVersion.
func (s *Service) MigrateTenant(ctx context.Context, id uuid.UUID, targetVersion int) (*tenant.Tenant, error) {
	t, err := s.catalog.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.prov.Migrate(ctx, t, targetVersion); err != nil {
		return t, err
	}
	return t, nil
}

// MigrateAllTenants upgrades every live tenant schema, continuing past
// per-tenant failures. Failed tenants are flagged for follow-up.
func (s *Service) MigrateAllTenants(ctx context.Context, targetVersion int) error {
	return s.prov.MigrateAll(ctx, targetVersion)
}

// GetTenant returns the catalog record for the given id.
func (s *Service) GetTenant(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error) {
	return s.catalog.GetByID(ctx, id)
}

// ListTenants returns catalog records matching the filter.
func (s *Service) ListTenants(ctx context.Context, filter Filter) ([]*tenant.Tenant, error) {
	return s.catalog.List(ctx, filter)
}

// Stats reports per-table row counts for one tenant schema.
type Stats struct {
	TenantID      uuid.UUID        `json:"tenant_id"`
	SchemaName    string           `json:"schema_name"`
	SchemaVersion int              `json:"schema_version"`
	Tables        map[string]int64 `json:"tables"`
}

// GetStats counts rows in every table of the tenant schema. The counts
// are read over a tenant-scoped connection, so the table names stay
// unqualified and resolve through the session search_path.
func (s *Service) GetStats(ctx context.Context, id uuid.UUID) (*Stats, error) {
	t, err := s.catalog.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Active() {
		return nil, tenant.ErrTenantNotActive
	}

	ctx = tenant.WithTenant(ctx, t)
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	stats := &Stats{
		TenantID:      t.ID,
		SchemaName:    t.SchemaName,
		SchemaVersion: t.SchemaVersion,
		Tables:        make(map[string]int64),
	}
	for _, table := range s.objects.TableNames(t.SchemaVersion) {
		var count int64
		if err := conn.QueryRow(ctx, "SELECT count(*) FROM "+pgx.Identifier{table}.Sanitize()).Scan(&count); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		stats.Tables[table] = count
	}
	return stats, nil
}

// Close waits for deferred schema drops to finish.
func (s *Service) Close() {
	s.wg.Wait()
}
