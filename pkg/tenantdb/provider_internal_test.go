package tenantdb

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_SwitchesAndVerifies(t *testing.T) {
	t.Parallel()

	p := &Provider{log: slog.Default()}
	q := &stubQuerier{currentSchema: "tenant_test"}

	destroyed := 0
	err := p.scope(context.Background(), q, "tenant_test", func() { destroyed++ })
	require.NoError(t, err)

	require.Len(t, q.execSQL, 1)
	assert.Equal(t, `SET search_path TO "tenant_test", shared`, q.execSQL[0])
	assert.Zero(t, destroyed)
}

func TestScope_DestroysConnOnSetFailure(t *testing.T) {
	t.Parallel()

	p := &Provider{log: slog.Default()}
	q := &stubQuerier{execErr: errors.New("broken pipe")}

	destroyed := 0
	err := p.scope(context.Background(), q, "tenant_test", func() { destroyed++ })
	require.ErrorIs(t, err, ErrAcquireFailed)
	assert.Equal(t, 1, destroyed)
}

func TestScope_DestroysConnOnSelfCheckFailure(t *testing.T) {
	t.Parallel()

	// The SET has already succeeded here, so the session carries the
	// tenant schema. A failed verification read, for example a request
	// cancelled mid-acquire, must destroy the connection rather than
	// return it to the pool with the tenant search_path still set.
	p := &Provider{log: slog.Default()}
	q := &stubQuerier{currentSchema: "tenant_test", rowErr: context.Canceled}

	destroyed := 0
	err := p.scope(context.Background(), q, "tenant_test", func() { destroyed++ })
	require.ErrorIs(t, err, ErrAcquireFailed)
	assert.Equal(t, 1, destroyed)
}

func TestScope_DestroysConnOnSchemaMismatch(t *testing.T) {
	t.Parallel()

	p := &Provider{log: slog.Default()}
	q := &stubQuerier{currentSchema: "public"}

	destroyed := 0
	err := p.scope(context.Background(), q, "tenant_test", func() { destroyed++ })
	require.ErrorIs(t, err, ErrIsolationViolation)
	assert.Equal(t, 1, destroyed)
}
