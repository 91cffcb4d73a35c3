package importer

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivay00001/sqlite-sync-core/capture"
	"github.com/Shivay00001/sqlite-sync-core/clock"
	"github.com/Shivay00001/sqlite-sync-core/codec"
	"github.com/Shivay00001/sqlite-sync-core/oplog"
	"github.com/Shivay00001/sqlite-sync-core/resolve"
)

var testDriverSeq int64

func openImporterTestDB(t *testing.T) (*sql.DB, *clock.HLClock) {
	t.Helper()
	hlc := clock.NewHLClock("device-b")
	driverName := fmt.Sprintf("importer-test-%d", atomic.AddInt64(&testDriverSeq, 1))
	capture.RegisterDriver(driverName, hlc)

	db, err := sql.Open(driverName, ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	for _, stmt := range oplog.AllSchemaStatements {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	_, err = db.Exec(`CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE doc (id INTEGER PRIMARY KEY, content TEXT)`)
	require.NoError(t, err)
	return db, hlc
}

func remoteOp(t *testing.T, seq byte, table string, vc, hlc string, newValues map[string]any, opType oplog.OpType) oplog.Operation {
	t.Helper()
	var opID, deviceID [16]byte
	opID[0] = seq
	deviceID[0] = 0xCC
	data, err := codec.EncodeMap(newValues)
	require.NoError(t, err)
	pk, err := codec.EncodePK(int64(newValues["id"].(int)))
	require.NoError(t, err)
	return oplog.Operation{
		OpID:          opID,
		DeviceID:      deviceID,
		VectorClock:   vc,
		HLC:           hlc,
		TableName:     table,
		OpType:        opType,
		RowPK:         pk,
		NewValues:     data,
		SchemaVersion: 0,
		CreatedAt:     int64(seq) * 1000,
		IsLocal:       false,
	}
}

func TestApplyBatchInsertsNewRows(t *testing.T) {
	ctx := context.Background()
	db, hlc := openImporterTestDB(t)
	var source [16]byte
	source[0] = 0xCC

	ops := []oplog.Operation{
		remoteOp(t, 1, "items", `{"cc":1}`, "1000:0:cc", map[string]any{"id": 1, "name": "Item 1"}, oplog.OpInsert),
		remoteOp(t, 2, "items", `{"cc":2}`, "2000:0:cc", map[string]any{"id": 2, "name": "Item 2"}, oplog.OpInsert),
	}

	result, err := ApplyBatch(ctx, db, hlc, resolve.ColumnLWW{}, ops, source, [16]byte{}, [32]byte{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.AppliedCount)
	assert.Equal(t, 0, result.ConflictCount)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&count))
	assert.Equal(t, 2, count)
}

func TestApplyBatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, hlc := openImporterTestDB(t)
	var source [16]byte
	source[0] = 0xCC

	ops := []oplog.Operation{
		remoteOp(t, 1, "items", `{"cc":1}`, "1000:0:cc", map[string]any{"id": 1, "name": "Item 1"}, oplog.OpInsert),
	}

	_, err := ApplyBatch(ctx, db, hlc, resolve.ColumnLWW{}, ops, source, [16]byte{}, [32]byte{})
	require.NoError(t, err)

	result, err := ApplyBatch(ctx, db, hlc, resolve.ColumnLWW{}, ops, source, [16]byte{}, [32]byte{})
	require.NoError(t, err)
	assert.Equal(t, 0, result.AppliedCount)
	assert.Equal(t, 1, result.DuplicateCount)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM items`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestApplyBatchDetectsConcurrentConflict(t *testing.T) {
	ctx := context.Background()
	db, hlc := openImporterTestDB(t)
	var source [16]byte
	source[0] = 0xCC

	localOp := remoteOp(t, 1, "doc", `{"aa":1}`, "1000:0:aa", map[string]any{"id": 1, "content": "from_a"}, oplog.OpInsert)
	localOp.OpID[0] = 10
	localOp.IsLocal = true
	var localDevice [16]byte
	localDevice[0] = 0xAA
	localOp.DeviceID = localDevice

	store := oplog.NewStore()
	require.NoError(t, store.Append(ctx, db, localOp))
	_, err := db.Exec(`INSERT INTO doc (id, content) VALUES (1, 'from_a')`)
	require.NoError(t, err)

	remote := remoteOp(t, 11, "doc", `{"cc":1}`, "2000:0:cc", map[string]any{"id": 1, "content": "from_b"}, oplog.OpUpdate)

	result, err := ApplyBatch(ctx, db, hlc, resolve.ColumnLWW{}, []oplog.Operation{remote}, source, [16]byte{}, [32]byte{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ConflictCount)

	conflicts, err := GetUnresolvedConflicts(ctx, db)
	require.NoError(t, err)
	assert.Len(t, conflicts, 0, "column-level LWW auto-resolves, leaving nothing unresolved")

	var content string
	require.NoError(t, db.QueryRow(`SELECT content FROM doc WHERE id = 1`).Scan(&content))
	assert.Equal(t, "from_b", content, "remote HLC is later, so its value wins the content column")
}

func TestApplyBatchSkipsDominatedStaleOperation(t *testing.T) {
	ctx := context.Background()
	db, hlc := openImporterTestDB(t)
	var source [16]byte
	source[0] = 0xCC

	v1 := remoteOp(t, 1, "doc", `{"cc":1}`, "1000:0:cc", map[string]any{"id": 1, "content": "v1"}, oplog.OpInsert)
	v2 := remoteOp(t, 2, "doc", `{"cc":2}`, "2000:0:cc", map[string]any{"id": 1, "content": "v2"}, oplog.OpUpdate)
	v3 := remoteOp(t, 3, "doc", `{"cc":3}`, "3000:0:cc", map[string]any{"id": 1, "content": "v3"}, oplog.OpUpdate)

	_, err := ApplyBatch(ctx, db, hlc, resolve.ColumnLWW{}, []oplog.Operation{v1, v2, v3}, source, [16]byte{}, [32]byte{})
	require.NoError(t, err)

	var content string
	require.NoError(t, db.QueryRow(`SELECT content FROM doc WHERE id = 1`).Scan(&content))
	assert.Equal(t, "v3", content)

	// v1 arrives late, already dominated by v3's vector clock.
	result, err := ApplyBatch(ctx, db, hlc, resolve.ColumnLWW{}, []oplog.Operation{v1}, source, [16]byte{}, [32]byte{})
	require.NoError(t, err)
	_ = result

	require.NoError(t, db.QueryRow(`SELECT content FROM doc WHERE id = 1`).Scan(&content))
	assert.Equal(t, "v3", content, "a stale operation must not overwrite a newer converged state")

	var opCount int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sync_operations WHERE op_id = ?`, v1.OpID[:]).Scan(&opCount))
	assert.Equal(t, 1, opCount, "v1 was already recorded by the first batch; re-sending it is a duplicate, not a second append")
}

func TestApplyBatchCountsGenuinelyNewStaleOperationAsApplied(t *testing.T) {
	ctx := context.Background()
	db, hlc := openImporterTestDB(t)
	var source [16]byte
	source[0] = 0xCC

	v1 := remoteOp(t, 1, "doc", `{"cc":1}`, "1000:0:cc", map[string]any{"id": 1, "content": "v1"}, oplog.OpInsert)
	v2 := remoteOp(t, 2, "doc", `{"cc":2}`, "2000:0:cc", map[string]any{"id": 1, "content": "v2"}, oplog.OpUpdate)
	v3 := remoteOp(t, 3, "doc", `{"cc":3}`, "3000:0:cc", map[string]any{"id": 1, "content": "v3"}, oplog.OpUpdate)

	_, err := ApplyBatch(ctx, db, hlc, resolve.ColumnLWW{}, []oplog.Operation{v1, v2, v3}, source, [16]byte{}, [32]byte{})
	require.NoError(t, err)

	// late is a distinct operation the importer has never seen before, but
	// its vector clock is dominated by v3's: it arrived via a different
	// path than v1/v2/v3 (e.g. a direct peer stream) and is stale on arrival.
	late := remoteOp(t, 4, "doc", `{"cc":2}`, "1500:0:cc", map[string]any{"id": 1, "content": "late"}, oplog.OpUpdate)

	result, err := ApplyBatch(ctx, db, hlc, resolve.ColumnLWW{}, []oplog.Operation{late}, source, [16]byte{}, [32]byte{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.AppliedCount, "a genuinely new stale operation still counts toward applied_count")
	assert.Equal(t, 0, result.ConflictCount)
	assert.Equal(t, 0, result.DuplicateCount)

	var content string
	require.NoError(t, db.QueryRow(`SELECT content FROM doc WHERE id = 1`).Scan(&content))
	assert.Equal(t, "v3", content, "a stale operation must not overwrite a newer converged state")

	var opCount int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sync_operations WHERE op_id = ?`, late.OpID[:]).Scan(&opCount))
	assert.Equal(t, 1, opCount, "the stale op is appended to the log for causal completeness")
}

func TestResolveConflictManualRemoteAppliesRemoteValue(t *testing.T) {
	ctx := context.Background()
	db, hlc := openImporterTestDB(t)
	var source [16]byte
	source[0] = 0xCC

	localOp := remoteOp(t, 1, "doc", `{"aa":1}`, "1000:0:aa", map[string]any{"id": 1, "content": "from_a"}, oplog.OpInsert)
	localOp.OpID[0] = 10
	localOp.IsLocal = true
	var localDevice [16]byte
	localDevice[0] = 0xAA
	localOp.DeviceID = localDevice

	store := oplog.NewStore()
	require.NoError(t, store.Append(ctx, db, localOp))
	_, err := db.Exec(`INSERT INTO doc (id, content) VALUES (1, 'from_a')`)
	require.NoError(t, err)

	remote := remoteOp(t, 11, "doc", `{"cc":1}`, "2000:0:cc", map[string]any{"id": 1, "content": "from_b"}, oplog.OpUpdate)
	_, err = ApplyBatch(ctx, db, hlc, resolve.Manual{}, []oplog.Operation{remote}, source, [16]byte{}, [32]byte{})
	require.NoError(t, err)

	conflicts, err := GetUnresolvedConflicts(ctx, db)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	require.NoError(t, ResolveConflict(ctx, db, conflicts[0].ConflictID, "remote"))

	var content string
	require.NoError(t, db.QueryRow(`SELECT content FROM doc WHERE id = 1`).Scan(&content))
	assert.Equal(t, "from_b", content)

	unresolved, err := GetUnresolvedConflicts(ctx, db)
	require.NoError(t, err)
	assert.Len(t, unresolved, 0)
}
