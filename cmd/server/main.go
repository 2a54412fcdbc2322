package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/quizforge/quizforge/modules/tenants"
	"github.com/quizforge/quizforge/pkg/config"
	"github.com/quizforge/quizforge/pkg/httpserver"
	"github.com/quizforge/quizforge/pkg/logger"
	"github.com/quizforge/quizforge/pkg/pg"
	"github.com/quizforge/quizforge/pkg/redis"
	"github.com/quizforge/quizforge/pkg/tenant"
	"github.com/quizforge/quizforge/pkg/tenantdb"
)

type appConfig struct {
	Logger  logger.Config
	PG      pg.Config
	HTTP    httpserver.Config
	Redis   redis.Config
	Tenants tenants.Config

	CacheEnabled bool          `env:"TENANT_CACHE_ENABLED" envDefault:"false"` // CacheEnabled switches the tenant lookup cache to Redis.
	CacheTTL     time.Duration `env:"TENANT_CACHE_TTL" envDefault:"30s"`       // CacheTTL bounds how stale a cached tenant record may be.
}

func main() {
	var cfg appConfig
	config.MustLoad(&cfg)

	log := logger.NewFromConfig(cfg.Logger,
		logger.WithContextExtractors(tenant.LoggerExtractor()),
	)
	slog.SetDefault(log)

	if err := run(context.Background(), cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg appConfig, log *slog.Logger) error {
	pool, err := pg.Connect(ctx, cfg.PG)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pg.Migrate(ctx, pool, cfg.PG, log); err != nil {
		return err
	}

	cache := tenant.NewNoopCache()
	healthchecks := []func(context.Context) error{pg.Healthcheck(pool)}
	if cfg.CacheEnabled {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		cache = tenant.NewRedisCache(client)
		healthchecks = append(healthchecks, redis.Healthcheck(client))
	}

	catalog := tenants.NewCatalog(pool)
	provisioner := tenants.NewProvisioner(pool, catalog, tenants.DefaultObjectSet, log)
	db := tenantdb.NewProvider(pool, log)

	svc := tenants.NewService(catalog, provisioner, db, tenants.DefaultObjectSet,
		tenants.WithServiceCache(cache),
		tenants.WithServiceLogger(log),
	)
	svc.ApplyConfig(cfg.Tenants)
	defer svc.Close()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler(healthchecks))

	// Operator surface. No tenant binding here: lifecycle calls act on
	// tenants, they do not run inside one.
	r.Mount("/tenants", tenants.Router(svc, log))

	// Tenant-scoped surface. Every request binds a tenant from the
	// X-Tenant-ID header before any database work happens.
	r.Group(func(r chi.Router) {
		r.Use(tenant.Middleware(
			tenant.NewHeaderResolver(tenant.DefaultHeader),
			catalog,
			tenant.WithCache(cache),
			tenant.WithCacheTTL(cfg.CacheTTL),
			tenant.WithLogger(log),
		))
		r.Get("/whoami", whoamiHandler(db, log))
	})

	return httpserver.New(cfg.HTTP, log).Run(ctx, r)
}

func healthHandler(checks []func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, check := range checks {
			if err := check(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

// whoamiHandler reports the schema the request is bound to, read back
// from the session itself rather than the catalog record.
func whoamiHandler(db *tenantdb.Provider, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t := tenant.MustFromContext(r.Context())

		conn, err := db.Acquire(r.Context())
		if err != nil {
			log.ErrorContext(r.Context(), "failed to acquire tenant connection", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		defer conn.Release()

		var schema string
		if err := conn.QueryRow(r.Context(), "SELECT current_schema()").Scan(&schema); err != nil {
			log.ErrorContext(r.Context(), "failed to read current schema", "error", err)
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"tenant_id": t.ID.String(),
			"name":      t.Name,
			"schema":    schema,
		})
	}
}
