package capture

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivay00001/sqlite-sync-core/clock"
	"github.com/Shivay00001/sqlite-sync-core/oplog"
)

var testDriverSeq int64

func openCaptureTestDB(t *testing.T) (*sql.DB, *clock.HLClock) {
	t.Helper()
	hlc := clock.NewHLClock("device-a")
	driverName := fmt.Sprintf("capture-test-%d", atomic.AddInt64(&testDriverSeq, 1))
	RegisterDriver(driverName, hlc)

	db, err := sql.Open(driverName, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	for _, stmt := range oplog.AllSchemaStatements {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	_, err = db.Exec(`INSERT INTO sync_metadata (key, value) VALUES ('device_id', randomblob(16))`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO sync_metadata (key, value) VALUES ('vector_clock', '{}')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO sync_metadata (key, value) VALUES ('schema_version', '0')`)
	require.NoError(t, err)

	_, err = db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)

	return db, hlc
}

func TestEnableSyncForTableInstallsTriggersAndLogsInsert(t *testing.T) {
	ctx := context.Background()
	db, _ := openCaptureTestDB(t)

	require.NoError(t, EnableSyncForTable(ctx, db, "items"))

	enabled, err := IsSyncEnabled(ctx, db, "items")
	require.NoError(t, err)
	assert.True(t, enabled)

	_, err = db.Exec(`INSERT INTO items (id, name) VALUES (1, 'widget')`)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sync_operations WHERE table_name = 'items' AND op_type = 'INSERT'`).Scan(&count))
	assert.Equal(t, 1, count)

	var vc string
	require.NoError(t, db.QueryRow(`SELECT value FROM sync_metadata WHERE key = 'vector_clock'`).Scan(&vc))
	assert.NotEqual(t, "{}", vc)
}

func TestEnableSyncForTableCapturesUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	db, _ := openCaptureTestDB(t)
	require.NoError(t, EnableSyncForTable(ctx, db, "items"))

	_, err := db.Exec(`INSERT INTO items (id, name) VALUES (1, 'widget')`)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE items SET name = 'gadget' WHERE id = 1`)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM items WHERE id = 1`)
	require.NoError(t, err)

	rows, err := db.Query(`SELECT op_type FROM sync_operations ORDER BY created_at ASC`)
	require.NoError(t, err)
	defer rows.Close()

	var types []string
	for rows.Next() {
		var opType string
		require.NoError(t, rows.Scan(&opType))
		types = append(types, opType)
	}
	assert.Equal(t, []string{"INSERT", "UPDATE", "DELETE"}, types)
}

func TestDisableSyncForTableRemovesTriggers(t *testing.T) {
	ctx := context.Background()
	db, _ := openCaptureTestDB(t)
	require.NoError(t, EnableSyncForTable(ctx, db, "items"))
	require.NoError(t, DisableSyncForTable(ctx, db, "items"))

	enabled, err := IsSyncEnabled(ctx, db, "items")
	require.NoError(t, err)
	assert.False(t, enabled)

	_, err = db.Exec(`INSERT INTO items (id, name) VALUES (1, 'widget')`)
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sync_operations`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestEnableSyncForTableRejectsReservedName(t *testing.T) {
	ctx := context.Background()
	db, _ := openCaptureTestDB(t)
	assert.Error(t, EnableSyncForTable(ctx, db, "sync_operations"))
}

func TestWithSuppressedDisablesCaptureDuringCallback(t *testing.T) {
	ctx := context.Background()
	db, _ := openCaptureTestDB(t)
	require.NoError(t, EnableSyncForTable(ctx, db, "items"))

	err := WithSuppressed(ctx, db, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `INSERT INTO items (id, name) VALUES (1, 'widget')`)
		return err
	})
	require.NoError(t, err)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sync_operations`).Scan(&count))
	assert.Equal(t, 0, count)

	_, err = db.Exec(`INSERT INTO items (id, name) VALUES (2, 'gizmo')`)
	require.NoError(t, err)
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sync_operations`).Scan(&count))
	assert.Equal(t, 1, count)
}
