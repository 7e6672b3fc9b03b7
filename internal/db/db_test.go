package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLitePool_ReaderSeesWriterCommits(t *testing.T) {
	pool, err := Open(Options{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "nested", "medusa.db")})
	require.NoError(t, err)
	defer func() { _ = pool.Close() }()

	assert.False(t, pool.IsPostgres())

	_, err = pool.Writer().Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
	require.NoError(t, err)
	_, err = pool.Writer().Exec(`INSERT INTO kv (k, v) VALUES ('a', '1')`)
	require.NoError(t, err)

	var v string
	require.NoError(t, pool.Reader().Get(&v, `SELECT v FROM kv WHERE k = 'a'`))
	assert.Equal(t, "1", v)

	_, err = pool.Reader().Exec(`INSERT INTO kv (k, v) VALUES ('b', '2')`)
	assert.ErrorContains(t, err, "readonly", "reader must be read-only")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Options{Driver: "oracle"})
	assert.Error(t, err)
}
