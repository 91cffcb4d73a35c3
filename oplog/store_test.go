package oplog

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, stmt := range AllSchemaStatements {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	return db
}

func sampleOp(id byte, table string) Operation {
	var opID, deviceID [16]byte
	opID[0] = id
	deviceID[0] = 0xAA
	return Operation{
		OpID:          opID,
		DeviceID:      deviceID,
		VectorClock:   `{"aa":1}`,
		HLC:           "1000:0:aa",
		TableName:     table,
		OpType:        OpInsert,
		RowPK:         []byte{0x01},
		NewValues:     []byte("values"),
		SchemaVersion: 1,
		CreatedAt:     int64(id) * 1000,
		IsLocal:       true,
	}
}

func TestStoreAppendExistsGet(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewStore()

	op := sampleOp(1, "items")
	require.NoError(t, store.Append(ctx, db, op))

	exists, err := store.Exists(ctx, db, op.OpID)
	require.NoError(t, err)
	assert.True(t, exists)

	got, found, err := store.Get(ctx, db, op.OpID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, op.TableName, got.TableName)
	assert.Equal(t, op.VectorClock, got.VectorClock)
}

func TestStoreAppendDuplicateFails(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewStore()

	op := sampleOp(1, "items")
	require.NoError(t, store.Append(ctx, db, op))
	assert.Error(t, store.Append(ctx, db, op))
}

func TestStoreOpsForRowOrderedByCreatedAt(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewStore()

	op3 := sampleOp(3, "items")
	op1 := sampleOp(1, "items")
	op2 := sampleOp(2, "items")
	require.NoError(t, store.Append(ctx, db, op3))
	require.NoError(t, store.Append(ctx, db, op1))
	require.NoError(t, store.Append(ctx, db, op2))

	ops, err := store.OpsForRow(ctx, db, "items", []byte{0x01})
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, op1.OpID, ops[0].OpID)
	assert.Equal(t, op2.OpID, ops[1].OpID)
	assert.Equal(t, op3.OpID, ops[2].OpID)
}

func TestStoreOpsSinceFiltersDominated(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := NewStore()

	seen := sampleOp(1, "items")
	seen.VectorClock = `{"aa":1}`
	unseen := sampleOp(2, "items")
	unseen.VectorClock = `{"aa":2}`
	require.NoError(t, store.Append(ctx, db, seen))
	require.NoError(t, store.Append(ctx, db, unseen))

	ops, err := store.OpsSince(ctx, db, `{"aa":1}`)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, unseen.OpID, ops[0].OpID)
}
