package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vibe-trader/internal/config"
)

func TestInMemoryStoreSharesSchemaAcrossCalls(t *testing.T) {
	s, err := NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx, `CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`))
	_, err = s.DB().ExecContext(ctx, `INSERT INTO kv (k, v) VALUES ('a', 'b')`)
	require.NoError(t, err)

	var v string
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT v FROM kv WHERE k = 'a'`).Scan(&v))
	assert.Equal(t, "b", v)
}

func TestFileStoreCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	s, err := NewSQLite(config.DatabaseConfig{Path: path, MaxOpenConns: 2, MaxIdleConns: 1})
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background(), `CREATE TABLE IF NOT EXISTS t (id INTEGER)`))
	require.NoError(t, s.Close())
	assert.FileExists(t, path)
}

func TestMigrateReportsBadStatement(t *testing.T) {
	s, err := NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	err = s.Migrate(context.Background(), `CREATE TABL broken`)
	assert.Error(t, err)
}

func TestNewSQLiteRequiresPath(t *testing.T) {
	_, err := NewSQLite(config.DatabaseConfig{})
	assert.ErrorContains(t, err, "未配置数据库路径")
}
