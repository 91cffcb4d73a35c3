package bundle

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivay00001/sqlite-sync-core/oplog"
)

func openReplicaTestDB(t *testing.T, deviceID [16]byte) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	for _, stmt := range oplog.AllSchemaStatements {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	_, err = db.Exec(`INSERT INTO sync_metadata (key, value) VALUES ('device_id', ?)`, deviceID[:])
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO sync_metadata (key, value) VALUES ('schema_version', '0')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO sync_metadata (key, value) VALUES ('vector_clock', '{"` + hexByte(deviceID[0]) + `":2}')`)
	require.NoError(t, err)
	return db
}

func hexByte(b byte) string {
	const hexDigits = "0123456789abcdef"
	return string([]byte{hexDigits[b>>4], hexDigits[b&0x0f]})
}

func insertLocalOp(t *testing.T, db *sql.DB, seq byte, table string, vc string) oplog.Operation {
	t.Helper()
	var opID, deviceID [16]byte
	opID[0] = seq
	deviceID[0] = 0xAA
	op := oplog.Operation{
		OpID:          opID,
		DeviceID:      deviceID,
		VectorClock:   vc,
		HLC:           "1000:0:aa",
		TableName:     table,
		OpType:        oplog.OpInsert,
		RowPK:         []byte{seq},
		NewValues:     []byte("packed-values"),
		SchemaVersion: 0,
		CreatedAt:     int64(seq) * 1000,
		IsLocal:       true,
	}
	store := oplog.NewStore()
	require.NoError(t, store.Append(context.Background(), db, op))
	return op
}

func TestGenerateReturnsEmptyWhenNothingNew(t *testing.T) {
	ctx := context.Background()
	var local, peer [16]byte
	local[0] = 0xAA
	peer[0] = 0xBB
	db := openReplicaTestDB(t, local)

	path, err := Generate(ctx, db, peer, filepath.Join(t.TempDir(), "out.bundle.db"))
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestGenerateThenValidateRoundTrip(t *testing.T) {
	ctx := context.Background()
	var local, peer [16]byte
	local[0] = 0xAA
	peer[0] = 0xBB
	db := openReplicaTestDB(t, local)
	insertLocalOp(t, db, 1, "items", `{"aa":1}`)
	insertLocalOp(t, db, 2, "items", `{"aa":2}`)

	outPath := filepath.Join(t.TempDir(), "out.bundle.db")
	path, err := Generate(ctx, db, peer, outPath)
	require.NoError(t, err)
	require.Equal(t, outPath, path)

	meta, err := Validate(ctx, path, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.OpCount)
	assert.Equal(t, local, meta.SourceDeviceID)

	ops, err := ReadOperations(ctx, path)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	for _, op := range ops {
		assert.False(t, op.IsLocal, "bundled operations are never local to the importer")
	}
}

func TestValidateRejectsSchemaVersionMismatch(t *testing.T) {
	ctx := context.Background()
	var local, peer [16]byte
	local[0] = 0xAA
	peer[0] = 0xBB
	db := openReplicaTestDB(t, local)
	insertLocalOp(t, db, 1, "items", `{"aa":1}`)

	outPath := filepath.Join(t.TempDir(), "out.bundle.db")
	path, err := Generate(ctx, db, peer, outPath)
	require.NoError(t, err)

	_, err = Validate(ctx, path, 7)
	assert.Error(t, err)
}
