package tenant

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// DefaultHeader is the request header carrying the tenant identifier.
const DefaultHeader = "X-Tenant-ID"

// Resolver extracts the tenant id from an HTTP request.
type Resolver func(r *http.Request) (uuid.UUID, error)

// NewHeaderResolver resolves the tenant id from a request header. An
// absent header fails with ErrMissingIdentifier, a present but non-UUID
// value with ErrInvalidIdentifier; callers can tell the two apart.
func NewHeaderResolver(headerName string) Resolver {
	if headerName == "" {
		headerName = DefaultHeader
	}

	return func(r *http.Request) (uuid.UUID, error) {
		value := strings.TrimSpace(r.Header.Get(headerName))
		if value == "" {
			return uuid.UUID{}, fmt.Errorf("%w: header %s not set", ErrMissingIdentifier, headerName)
		}

		id, err := uuid.Parse(value)
		if err != nil {
			return uuid.UUID{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, value)
		}
		return id, nil
	}
}

// NewPathResolver resolves the tenant id from a 1-based URL path segment,
// e.g. position 2 for /tenants/{id}/stats.
func NewPathResolver(position int) Resolver {
	return func(r *http.Request) (uuid.UUID, error) {
		if position < 1 {
			return uuid.UUID{}, fmt.Errorf("%w: invalid path position %d", ErrMissingIdentifier, position)
		}

		path := strings.Trim(r.URL.Path, "/")
		if path == "" {
			return uuid.UUID{}, ErrMissingIdentifier
		}

		parts := strings.Split(path, "/")
		if position > len(parts) || parts[position-1] == "" {
			return uuid.UUID{}, ErrMissingIdentifier
		}

		id, err := uuid.Parse(parts[position-1])
		if err != nil {
			return uuid.UUID{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, parts[position-1])
		}
		return id, nil
	}
}
