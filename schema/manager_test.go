package schema

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSchemaTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	return db
}

func TestCurrentVersionStartsAtZero(t *testing.T) {
	ctx := context.Background()
	db := openSchemaTestDB(t)
	mgr, err := NewManager(ctx, db)
	require.NoError(t, err)

	version, err := mgr.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, version)
}

func TestAddColumnAppliesDDLAndBumpsVersion(t *testing.T) {
	ctx := context.Background()
	db := openSchemaTestDB(t)
	mgr, err := NewManager(ctx, db)
	require.NoError(t, err)

	migration, err := mgr.AddColumn(ctx, "items", "price", "INTEGER", 0)
	require.NoError(t, err)
	assert.Equal(t, 0, migration.VersionFrom)
	assert.Equal(t, 1, migration.VersionTo)
	assert.Equal(t, MigrationAddColumn, migration.Type)

	_, err = db.Exec(`INSERT INTO items (id, name, price) VALUES (1, 'widget', 500)`)
	require.NoError(t, err)

	version, err := mgr.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestCheckCompatibilityAdditiveVsNonAdditive(t *testing.T) {
	ctx := context.Background()
	db := openSchemaTestDB(t)
	mgr, err := NewManager(ctx, db)
	require.NoError(t, err)

	ok, err := mgr.CheckCompatibility(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok, "equal versions are always compatible")

	_, err = mgr.AddColumn(ctx, "items", "price", "INTEGER", nil)
	require.NoError(t, err)

	ok, err = mgr.CheckCompatibility(ctx, 0)
	require.NoError(t, err)
	assert.True(t, ok, "an add_column migration bridging the gap keeps compatibility")

	ok, err = mgr.CheckCompatibility(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok, "a remote ahead of the local version is never compatible")
}

func TestPendingMigrationsOrderedOldestFirst(t *testing.T) {
	ctx := context.Background()
	db := openSchemaTestDB(t)
	mgr, err := NewManager(ctx, db)
	require.NoError(t, err)

	_, err = mgr.AddColumn(ctx, "items", "price", "INTEGER", nil)
	require.NoError(t, err)
	_, err = mgr.AddColumn(ctx, "items", "sku", "TEXT", nil)
	require.NoError(t, err)

	migrations, err := mgr.PendingMigrations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, migrations, 2)
	assert.Equal(t, "price", migrations[0].ColumnName)
	assert.Equal(t, "sku", migrations[1].ColumnName)
}
