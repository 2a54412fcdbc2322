package tenantdb

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// resetTimeout bounds the search_path reset on release. A connection that
// cannot be reset in this window is destroyed instead of re-pooled.
const resetTimeout = 3 * time.Second

// querier is the subset of *pgxpool.Conn the scoped handle uses.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Conn is a database handle valid only within one tenant's schema. It
// never exposes a way to name another tenant's schema.
type Conn struct {
	conn    querier
	schema  string
	log     *slog.Logger
	release func()
	destroy func()
	once    sync.Once
}

func newConn(pc *pgxpool.Conn, schema string, log *slog.Logger) *Conn {
	return &Conn{
		conn:    pc,
		schema:  schema,
		log:     log,
		release: pc.Release,
		destroy: func() { pc.Hijack().Close(context.Background()) },
	}
}

// Schema returns the tenant schema this handle is scoped to.
func (c *Conn) Schema() string { return c.schema }

// Exec runs a statement inside the tenant schema.
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return c.conn.Exec(ctx, sql, args...)
}

// Query runs a query inside the tenant schema.
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return c.conn.Query(ctx, sql, args...)
}

// QueryRow runs a single-row query inside the tenant schema.
func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return c.conn.QueryRow(ctx, sql, args...)
}

// Begin starts a transaction inside the tenant schema.
func (c *Conn) Begin(ctx context.Context) (pgx.Tx, error) {
	return c.conn.Begin(ctx)
}

// Release resets the connection's search_path to the safe default and
// returns it to the pool. If the reset fails the physical connection is
// closed so a tenant schema can never leak into another request's
// connection. Idempotent; always defer it.
func (c *Conn) Release() {
	c.once.Do(func() {
		// Fresh context: the request context may already be cancelled,
		// and the reset must still run.
		ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
		defer cancel()

		if _, err := c.conn.Exec(ctx, "SET search_path TO "+defaultSearchPath); err != nil {
			c.log.Error("search_path reset failed, destroying connection",
				"component", "tenantdb",
				"schema", c.schema,
				"error", err,
			)
			c.destroy()
			return
		}
		c.release()
	})
}
