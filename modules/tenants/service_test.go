package tenants

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizforge/quizforge/pkg/tenant"
)

type fakeCatalog struct {
	mu      sync.Mutex
	tenants map[uuid.UUID]*tenant.Tenant

	registerErr error
	statusErr   error
	activateErr error
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{tenants: make(map[uuid.UUID]*tenant.Tenant)}
}

func (c *fakeCatalog) add(t *tenant.Tenant) *tenant.Tenant {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenants[t.ID] = t
	return t
}

func (c *fakeCatalog) Register(ctx context.Context, name, ownerEmail string) (*tenant.Tenant, error) {
	if c.registerErr != nil {
		return nil, c.registerErr
	}
	id := uuid.New()
	t := &tenant.Tenant{
		ID:         id,
		Name:       name,
		OwnerEmail: ownerEmail,
		SchemaName: tenant.SchemaNameFor(id),
		Status:     tenant.StatusProvisioning,
		CreatedAt:  time.Now(),
	}
	return c.add(t), nil
}

func (c *fakeCatalog) GetByID(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tenants[id]
	if !ok {
		return nil, tenant.ErrTenantNotFound
	}
	cp := *t
	return &cp, nil
}

func (c *fakeCatalog) List(ctx context.Context, filter Filter) ([]*tenant.Tenant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []*tenant.Tenant{}
	for _, t := range c.tenants {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (c *fakeCatalog) SetStatus(ctx context.Context, id uuid.UUID, next tenant.Status) error {
	if c.statusErr != nil {
		return c.statusErr
	}
	if c.activateErr != nil && next == tenant.StatusActive {
		return c.activateErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tenants[id]
	if !ok {
		return tenant.ErrTenantNotFound
	}
	if !t.Status.CanTransition(next) {
		return tenant.ErrInvalidTransition
	}
	t.Status = next
	return nil
}

func (c *fakeCatalog) status(id uuid.UUID) tenant.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenants[id].Status
}

type fakeProvisioner struct {
	mu             sync.Mutex
	provisionErr   error
	decommissioned []uuid.UUID
	done           chan struct{}
}

func (p *fakeProvisioner) Provision(ctx context.Context, t *tenant.Tenant) (*AdminCredentials, error) {
	if p.provisionErr != nil {
		return nil, errors.Join(ErrProvisionFailed, p.provisionErr)
	}
	return &AdminCredentials{Email: t.OwnerEmail, TempPassword: "temp-secret"}, nil
}

func (p *fakeProvisioner) Decommission(ctx context.Context, t *tenant.Tenant) error {
	p.mu.Lock()
	p.decommissioned = append(p.decommissioned, t.ID)
	p.mu.Unlock()
	if p.done != nil {
		close(p.done)
	}
	return nil
}

func (p *fakeProvisioner) Migrate(ctx context.Context, t *tenant.Tenant, targetVersion int) error {
	if targetVersion < 1 || targetVersion > DefaultObjectSet.CurrentVersion() {
		return ErrUnknownVersion
	}
	return nil
}

func (p *fakeProvisioner) MigrateAll(ctx context.Context, targetVersion int) error {
	if targetVersion < 1 || targetVersion > DefaultObjectSet.CurrentVersion() {
		return ErrUnknownVersion
	}
	return nil
}

type fakeRow struct {
	count int64
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if p, ok := dest[0].(*int64); ok {
		*p = r.count
	}
	return nil
}

type fakeConn struct {
	queries  []string
	released bool
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) row {
	c.queries = append(c.queries, sql)
	return fakeRow{count: int64(len(c.queries))}
}

func (c *fakeConn) Release() { c.released = true }

type fakeConnProvider struct {
	conn       *fakeConn
	acquireErr error
	boundID    uuid.UUID
}

func (p *fakeConnProvider) Acquire(ctx context.Context) (scopedConn, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	// Record what tenant was bound at acquire time, like the real
	// provider does.
	t, ok := tenant.FromContext(ctx)
	if !ok {
		return nil, errors.New("no tenant bound")
	}
	p.boundID = t.ID
	return p.conn, nil
}

func newTestService(catalog *fakeCatalog, prov *fakeProvisioner, db connProvider, opts ...ServiceOption) *Service {
	s := NewService(nil, nil, nil, DefaultObjectSet, opts...)
	s.catalog = catalog
	s.prov = prov
	s.db = db
	return s
}

func TestServiceCreateTenant(t *testing.T) {
	t.Parallel()

	t.Run("success activates and returns credentials", func(t *testing.T) {
		t.Parallel()

		catalog := newFakeCatalog()
		svc := newTestService(catalog, &fakeProvisioner{}, &fakeConnProvider{})

		created, creds, err := svc.CreateTenant(context.Background(), "Acme", "Owner@Example.com")
		require.NoError(t, err)
		require.NotNil(t, created)
		require.NotNil(t, creds)

		assert.Equal(t, tenant.StatusActive, created.Status)
		assert.Equal(t, tenant.StatusActive, catalog.status(created.ID))
		assert.Equal(t, "owner@example.com", created.OwnerEmail)
		assert.Equal(t, "owner@example.com", creds.Email)
		assert.NotEmpty(t, creds.TempPassword)
		assert.Equal(t, tenant.SchemaNameFor(created.ID), created.SchemaName)
	})

	t.Run("rejects missing name", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(newFakeCatalog(), &fakeProvisioner{}, &fakeConnProvider{})
		_, _, err := svc.CreateTenant(context.Background(), "  ", "owner@example.com")
		require.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("rejects malformed email", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(newFakeCatalog(), &fakeProvisioner{}, &fakeConnProvider{})
		for _, email := range []string{"", "not-an-email", "@nope", "nope@"} {
			_, _, err := svc.CreateTenant(context.Background(), "Acme", email)
			require.ErrorIs(t, err, ErrInvalidInput, "email %q", email)
		}
	})

	t.Run("propagates duplicate owner", func(t *testing.T) {
		t.Parallel()

		catalog := newFakeCatalog()
		catalog.registerErr = ErrDuplicateTenant
		svc := newTestService(catalog, &fakeProvisioner{}, &fakeConnProvider{})

		_, _, err := svc.CreateTenant(context.Background(), "Acme", "owner@example.com")
		require.ErrorIs(t, err, ErrDuplicateTenant)
	})

	t.Run("activation failure parks the tenant retryable", func(t *testing.T) {
		t.Parallel()

		catalog := newFakeCatalog()
		catalog.activateErr = errors.New("catalog unavailable")
		svc := newTestService(catalog, &fakeProvisioner{}, &fakeConnProvider{})

		created, creds, err := svc.CreateTenant(context.Background(), "Acme", "owner@example.com")
		require.ErrorIs(t, err, ErrProvisionFailed)
		require.NotNil(t, created)
		assert.Nil(t, creds)

		// Not stuck in provisioning: provision_failed has a legal exit.
		assert.Equal(t, tenant.StatusProvisionFailed, created.Status)
		assert.Equal(t, tenant.StatusProvisionFailed, catalog.status(created.ID))

		// Once the catalog recovers, retry completes the lifecycle and
		// reissues credentials.
		catalog.activateErr = nil
		retried, creds, err := svc.RetryProvision(context.Background(), created.ID)
		require.NoError(t, err)
		require.NotNil(t, creds)
		assert.Equal(t, tenant.StatusActive, retried.Status)
		assert.Equal(t, tenant.StatusActive, catalog.status(created.ID))
	})

	t.Run("provision failure keeps the tenant retryable", func(t *testing.T) {
		t.Parallel()

		catalog := newFakeCatalog()
		prov := &fakeProvisioner{provisionErr: errors.New("disk full")}
		svc := newTestService(catalog, prov, &fakeConnProvider{})

		created, creds, err := svc.CreateTenant(context.Background(), "Acme", "owner@example.com")
		require.ErrorIs(t, err, ErrProvisionFailed)
		require.NotNil(t, created)
		assert.Nil(t, creds)
		assert.Equal(t, tenant.StatusProvisionFailed, created.Status)
	})
}

func TestServiceRetryProvision(t *testing.T) {
	t.Parallel()

	t.Run("retries a failed tenant to active", func(t *testing.T) {
		t.Parallel()

		catalog := newFakeCatalog()
		id := uuid.New()
		catalog.add(&tenant.Tenant{
			ID:         id,
			SchemaName: tenant.SchemaNameFor(id),
			OwnerEmail: "owner@example.com",
			Status:     tenant.StatusProvisionFailed,
		})
		svc := newTestService(catalog, &fakeProvisioner{}, &fakeConnProvider{})

		retried, creds, err := svc.RetryProvision(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, creds)
		assert.Equal(t, tenant.StatusActive, retried.Status)
		assert.Equal(t, tenant.StatusActive, catalog.status(id))
	})

	t.Run("rejects retry of an active tenant", func(t *testing.T) {
		t.Parallel()

		catalog := newFakeCatalog()
		id := uuid.New()
		catalog.add(&tenant.Tenant{ID: id, Status: tenant.StatusActive})
		svc := newTestService(catalog, &fakeProvisioner{}, &fakeConnProvider{})

		_, _, err := svc.RetryProvision(context.Background(), id)
		require.ErrorIs(t, err, tenant.ErrInvalidTransition)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(newFakeCatalog(), &fakeProvisioner{}, &fakeConnProvider{})
		_, _, err := svc.RetryProvision(context.Background(), uuid.New())
		require.ErrorIs(t, err, tenant.ErrTenantNotFound)
	})
}

func TestServiceSuspendResume(t *testing.T) {
	t.Parallel()

	catalog := newFakeCatalog()
	id := uuid.New()
	catalog.add(&tenant.Tenant{ID: id, Status: tenant.StatusActive})

	cache := tenant.NewInMemoryCache()
	cache.Set(context.Background(), id.String(), &tenant.Tenant{ID: id, Status: tenant.StatusActive}, time.Minute)

	svc := newTestService(catalog, &fakeProvisioner{}, &fakeConnProvider{}, WithServiceCache(cache))

	require.NoError(t, svc.Suspend(context.Background(), id))
	assert.Equal(t, tenant.StatusSuspended, catalog.status(id))

	// The stale active entry must be gone so the next request sees the
	// suspension.
	_, ok := cache.Get(context.Background(), id.String())
	assert.False(t, ok)

	require.NoError(t, svc.Resume(context.Background(), id))
	assert.Equal(t, tenant.StatusActive, catalog.status(id))

	// Suspending a deleted tenant is refused.
	gone := uuid.New()
	catalog.add(&tenant.Tenant{ID: gone, Status: tenant.StatusDeleted})
	require.ErrorIs(t, svc.Suspend(context.Background(), gone), tenant.ErrInvalidTransition)
}

func TestServiceDeleteTenant(t *testing.T) {
	t.Parallel()

	t.Run("drops the schema after the drain window", func(t *testing.T) {
		t.Parallel()

		catalog := newFakeCatalog()
		id := uuid.New()
		catalog.add(&tenant.Tenant{ID: id, SchemaName: tenant.SchemaNameFor(id), Status: tenant.StatusActive})

		prov := &fakeProvisioner{done: make(chan struct{})}
		svc := newTestService(catalog, prov, &fakeConnProvider{}, WithDrainWindow(10*time.Millisecond))

		require.NoError(t, svc.DeleteTenant(context.Background(), id))
		assert.Equal(t, tenant.StatusDeleting, catalog.status(id))

		select {
		case <-prov.done:
		case <-time.After(2 * time.Second):
			t.Fatal("decommission never ran")
		}
		svc.Close()
		assert.Equal(t, []uuid.UUID{id}, prov.decommissioned)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(newFakeCatalog(), &fakeProvisioner{}, &fakeConnProvider{})
		require.ErrorIs(t, svc.DeleteTenant(context.Background(), uuid.New()), tenant.ErrTenantNotFound)
	})

	t.Run("double delete is refused", func(t *testing.T) {
		t.Parallel()

		catalog := newFakeCatalog()
		id := uuid.New()
		catalog.add(&tenant.Tenant{ID: id, Status: tenant.StatusActive})
		svc := newTestService(catalog, &fakeProvisioner{}, &fakeConnProvider{}, WithDrainWindow(time.Hour))

		require.NoError(t, svc.DeleteTenant(context.Background(), id))
		require.ErrorIs(t, svc.DeleteTenant(context.Background(), id), tenant.ErrInvalidTransition)
	})
}

func TestServiceGetStats(t *testing.T) {
	t.Parallel()

	t.Run("counts every table over a scoped connection", func(t *testing.T) {
		t.Parallel()

		catalog := newFakeCatalog()
		id := uuid.New()
		catalog.add(&tenant.Tenant{
			ID:            id,
			SchemaName:    tenant.SchemaNameFor(id),
			Status:        tenant.StatusActive,
			SchemaVersion: DefaultObjectSet.CurrentVersion(),
		})

		conn := &fakeConn{}
		db := &fakeConnProvider{conn: conn}
		svc := newTestService(catalog, &fakeProvisioner{}, db)

		stats, err := svc.GetStats(context.Background(), id)
		require.NoError(t, err)

		tables := DefaultObjectSet.TableNames(DefaultObjectSet.CurrentVersion())
		assert.Len(t, stats.Tables, len(tables))
		for _, name := range tables {
			assert.Contains(t, stats.Tables, name)
		}
		assert.Equal(t, id, db.boundID)
		assert.True(t, conn.released)
		for _, q := range conn.queries {
			assert.NotContains(t, q, "tenant_", "stats queries must stay unqualified")
		}
	})

	t.Run("refuses non-active tenants", func(t *testing.T) {
		t.Parallel()

		catalog := newFakeCatalog()
		id := uuid.New()
		catalog.add(&tenant.Tenant{ID: id, Status: tenant.StatusSuspended})
		svc := newTestService(catalog, &fakeProvisioner{}, &fakeConnProvider{})

		_, err := svc.GetStats(context.Background(), id)
		require.ErrorIs(t, err, tenant.ErrTenantNotActive)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		t.Parallel()

		svc := newTestService(newFakeCatalog(), &fakeProvisioner{}, &fakeConnProvider{})
		_, err := svc.GetStats(context.Background(), uuid.New())
		require.ErrorIs(t, err, tenant.ErrTenantNotFound)
	})
}
