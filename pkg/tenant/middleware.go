package tenant

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Provider loads tenants from the catalog. Implemented by
// modules/tenants.Catalog; the middleware depends only on this interface.
type Provider interface {
	// GetByID returns the tenant or ErrTenantNotFound.
	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
}

// ErrorHandler renders tenant-resolution failures.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, err error)

type middlewareConfig struct {
	cache         Cache
	cacheTTL      time.Duration
	errorHandler  ErrorHandler
	skipPaths     []string
	requireActive bool
	logger        *slog.Logger
}

// Option configures the binding middleware.
type Option func(*middlewareConfig)

// WithCache sets the tenant cache implementation.
func WithCache(cache Cache) Option {
	return func(c *middlewareConfig) { c.cache = cache }
}

// WithCacheTTL sets how long resolved tenants stay cached. Short TTLs
// bound how long a deleted tenant can still resolve on other instances.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *middlewareConfig) { c.cacheTTL = ttl }
}

// WithErrorHandler sets a custom error renderer.
func WithErrorHandler(handler ErrorHandler) Option {
	return func(c *middlewareConfig) { c.errorHandler = handler }
}

// WithSkipPaths lists path prefixes that bypass tenant resolution, such as
// health endpoints and the lifecycle API itself.
func WithSkipPaths(paths ...string) Option {
	return func(c *middlewareConfig) { c.skipPaths = append(c.skipPaths, paths...) }
}

// WithRequireActive controls whether non-active tenants are refused.
// Enabled by default; disable only for operator tooling.
func WithRequireActive(require bool) Option {
	return func(c *middlewareConfig) { c.requireActive = require }
}

// WithLogger sets the middleware logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *middlewareConfig) { c.logger = log }
}

// Middleware returns the request-binding middleware. Per request it
// resolves the tenant identifier, loads the tenant through the cache or
// provider, refuses non-active tenants, and binds the tenant into the
// request context before the handler runs. The binding is carried only on
// that request's context, so it is cleared the moment the request
// finishes on every path, including panics: the next request on the same
// worker starts from an unbound context.
func Middleware(resolver Resolver, provider Provider, opts ...Option) func(http.Handler) http.Handler {
	cfg := &middlewareConfig{
		cache:         NewInMemoryCache(),
		cacheTTL:      5 * time.Minute,
		errorHandler:  DefaultErrorHandler,
		requireActive: true,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, skip := range cfg.skipPaths {
				if strings.HasPrefix(r.URL.Path, skip) {
					next.ServeHTTP(w, r)
					return
				}
			}

			// Identifier failures reject the request before any data access.
			id, err := resolver(r)
			if err != nil {
				cfg.errorHandler(w, r, err)
				return
			}

			t, ok := cfg.cache.Get(r.Context(), id.String())
			if !ok {
				t, err = provider.GetByID(r.Context(), id)
				if err != nil {
					cfg.errorHandler(w, r, err)
					return
				}
				cfg.cache.Set(r.Context(), id.String(), t, cfg.cacheTTL)
			}

			if cfg.requireActive && !t.Active() {
				// Drop the cached entry so a status change is seen promptly.
				cfg.cache.Delete(r.Context(), id.String())
				cfg.errorHandler(w, r, ErrTenantNotActive)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithTenant(r.Context(), t)))
		})
	}
}

// RequireTenant guards routes that must run inside a binding. It fails
// loudly instead of letting a handler proceed unbound.
func RequireTenant(errorHandler ErrorHandler) func(http.Handler) http.Handler {
	if errorHandler == nil {
		errorHandler = DefaultErrorHandler
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := FromContext(r.Context()); !ok {
				errorHandler(w, r, ErrNoTenantInContext)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DefaultErrorHandler maps resolution errors to status codes. Missing and
// malformed identifiers are both client errors but unknown tenants are
// reported distinctly.
func DefaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrMissingIdentifier):
		http.Error(w, "missing tenant identifier", http.StatusBadRequest)
	case errors.Is(err, ErrInvalidIdentifier):
		http.Error(w, "invalid tenant identifier", http.StatusBadRequest)
	case errors.Is(err, ErrTenantNotFound):
		http.Error(w, "tenant not found", http.StatusNotFound)
	case errors.Is(err, ErrTenantNotActive):
		http.Error(w, "tenant is not active", http.StatusForbidden)
	case errors.Is(err, ErrNoTenantInContext):
		http.Error(w, "no tenant bound to request", http.StatusInternalServerError)
	default:
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
