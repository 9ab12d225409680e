package db

import (
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/alapierre/go-fiscal-engine/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SQLiteAutoMigrate(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "fiscal.db")

	db, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	defer sqlDB.Close()

	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
	assert.True(t, db.Migrator().HasTable("emission_attempts"))
}

func TestMigrationsEmbedded(t *testing.T) {
	ups, err := fs.Glob(migrations, "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(migrations, "migrations/*.down.sql")
	require.NoError(t, err)

	assert.NotEmpty(t, ups)
	assert.Len(t, downs, len(ups))
}
