package tenants

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultObjectSet(t *testing.T) {
	t.Parallel()

	require.NotNil(t, DefaultObjectSet)
	require.GreaterOrEqual(t, DefaultObjectSet.CurrentVersion(), 2)

	t.Run("version one contains the core tables", func(t *testing.T) {
		t.Parallel()

		names := DefaultObjectSet.TableNames(1)
		assert.Contains(t, names, "users")
		assert.Contains(t, names, "quizzes")
		assert.Contains(t, names, "questions")
	})

	t.Run("table names accumulate across versions", func(t *testing.T) {
		t.Parallel()

		v1 := DefaultObjectSet.TableNames(1)
		v2 := DefaultObjectSet.TableNames(2)
		assert.Greater(t, len(v2), len(v1))
		assert.Equal(t, v1, v2[:len(v1)])
	})

	t.Run("unknown version has no objects", func(t *testing.T) {
		t.Parallel()

		assert.Nil(t, DefaultObjectSet.Objects(0))
		assert.Nil(t, DefaultObjectSet.Objects(DefaultObjectSet.CurrentVersion()+1))
	})
}

func TestLoadObjectSet(t *testing.T) {
	t.Parallel()

	t.Run("valid definition", func(t *testing.T) {
		t.Parallel()

		set, err := loadObjectSet([]byte(`
versions:
  - version: 1
    objects:
      - name: notes
        ddl: CREATE TABLE {schema}.notes (id BIGINT PRIMARY KEY)
  - version: 2
    objects:
      - name: tags
        ddl: CREATE TABLE {schema}.tags (id BIGINT PRIMARY KEY)
`))
		require.NoError(t, err)
		assert.Equal(t, 2, set.CurrentVersion())
		assert.Equal(t, []string{"notes", "tags"}, set.TableNames(2))
	})

	t.Run("empty document", func(t *testing.T) {
		t.Parallel()

		_, err := loadObjectSet([]byte("versions: []"))
		require.Error(t, err)
	})

	t.Run("version gap", func(t *testing.T) {
		t.Parallel()

		_, err := loadObjectSet([]byte(`
versions:
  - version: 1
    objects:
      - name: notes
        ddl: CREATE TABLE {schema}.notes (id BIGINT PRIMARY KEY)
  - version: 3
    objects:
      - name: tags
        ddl: CREATE TABLE {schema}.tags (id BIGINT PRIMARY KEY)
`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "contiguous")
	})

	t.Run("ddl without schema placeholder", func(t *testing.T) {
		t.Parallel()

		_, err := loadObjectSet([]byte(`
versions:
  - version: 1
    objects:
      - name: notes
        ddl: CREATE TABLE public.notes (id BIGINT PRIMARY KEY)
`))
		require.Error(t, err)
	})
}

func TestRenderDDL(t *testing.T) {
	t.Parallel()

	out := renderDDL("CREATE TABLE {schema}.users (id BIGINT)", "tenant_abc")
	assert.Equal(t, `CREATE TABLE "tenant_abc".users (id BIGINT)`, out)

	// A hostile schema name must come out quoted, not spliced.
	out = renderDDL("CREATE TABLE {schema}.users (id BIGINT)", `x"; DROP TABLE users; --`)
	assert.Equal(t, `CREATE TABLE "x""; DROP TABLE users; --".users (id BIGINT)`, out)
}
