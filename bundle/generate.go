package bundle

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/Shivay00001/sqlite-sync-core/clock"
	"github.com/Shivay00001/sqlite-sync-core/codec"
	"github.com/Shivay00001/sqlite-sync-core/errs"
	"github.com/Shivay00001/sqlite-sync-core/oplog"
)

// Generate selects every local operation the peer has not seen (its vector
// clock does not dominate), writes them to a fresh self-contained SQLite
// file at outPath, and records the peer's newly-sent state. It returns
// ("", nil) when there is nothing to send, in which case no file is
// written (SPEC_FULL §4.5).
func Generate(ctx context.Context, db *sql.DB, peerDeviceID [16]byte, outPath string) (string, error) {
	peerVC, err := peerLastSentToUs(ctx, db, peerDeviceID)
	if err != nil {
		return "", err
	}

	store := oplog.NewStore()
	ops, err := store.OpsSince(ctx, db, peerVC)
	if err != nil {
		return "", err
	}
	if len(ops) == 0 {
		return "", nil
	}

	// Content hash is computed over ascending op_id order, matching the
	// order Validate recomputes it in — the order operations are written
	// to bundle_operations need not match, since the ids are sorted here
	// before hashing and Validate reads them back with `ORDER BY op_id`.
	opIDs := make([][]byte, len(ops))
	for i, op := range ops {
		cp := op.OpID
		opIDs[i] = cp[:]
	}
	sortByOpID(opIDs)
	contentHash, err := codec.SHA256Sequence(opIDs)
	if err != nil {
		return "", errs.NewBundleError("hash operations", outPath, "hash_failed")
	}

	bundleDB, err := sql.Open("sqlite3", outPath)
	if err != nil {
		return "", errs.NewDatabaseError("open bundle file", "generate_bundle", err)
	}
	defer bundleDB.Close()

	for _, stmt := range SchemaStatements {
		if _, err := bundleDB.ExecContext(ctx, stmt); err != nil {
			return "", errs.NewDatabaseError("create bundle schema", "generate_bundle", err)
		}
	}

	tx, err := bundleDB.BeginTx(ctx, nil)
	if err != nil {
		return "", errs.NewDatabaseError("begin bundle transaction", "generate_bundle", err)
	}
	defer tx.Rollback()

	for _, op := range ops {
		if err := insertBundleOperation(ctx, tx, op); err != nil {
			return "", err
		}
	}

	deviceID, schemaVersion, err := localIdentity(ctx, db)
	if err != nil {
		return "", err
	}

	bundleID, err := codec.NewUUIDv7()
	if err != nil {
		return "", errs.NewDatabaseError("generate bundle id", "generate_bundle", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bundle_metadata (
			bundle_id, source_device_id, created_at, schema_version, op_count, content_hash
		) VALUES (?, ?, ?, ?, ?, ?)`,
		bundleID[:], deviceID[:], time.Now().UnixMicro(), schemaVersion, len(ops), contentHash[:])
	if err != nil {
		return "", errs.NewDatabaseError("insert bundle metadata", "generate_bundle", err)
	}

	if err := tx.Commit(); err != nil {
		return "", errs.NewDatabaseError("commit bundle", "generate_bundle", err)
	}

	if err := recordSentState(ctx, db, peerDeviceID); err != nil {
		return "", err
	}
	return outPath, nil
}

func insertBundleOperation(ctx context.Context, tx *sql.Tx, op oplog.Operation) error {
	var parent any
	if op.ParentOpID != nil {
		parent = op.ParentOpID[:]
	}
	var appliedAt any
	if op.AppliedAt != nil {
		appliedAt = *op.AppliedAt
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO bundle_operations (
			op_id, device_id, parent_op_id, vector_clock, hlc, table_name,
			op_type, row_pk, old_values, new_values, schema_version,
			created_at, is_local, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OpID[:], op.DeviceID[:], parent, op.VectorClock, op.HLC, op.TableName,
		string(op.OpType), op.RowPK, op.OldValues, op.NewValues, op.SchemaVersion,
		op.CreatedAt, boolToInt(op.IsLocal), appliedAt)
	if err != nil {
		return errs.NewDatabaseError(fmt.Sprintf("insert bundle operation %x", op.OpID), "generate_bundle", err)
	}
	return nil
}

func peerLastSentToUs(ctx context.Context, db *sql.DB, peerDeviceID [16]byte) (string, error) {
	var vc string
	err := db.QueryRowContext(ctx,
		`SELECT last_sent_vector_clock FROM sync_peer_state WHERE peer_device_id = ?`,
		peerDeviceID[:]).Scan(&vc)
	if err == sql.ErrNoRows {
		return "", nil // unseen peer: empty clock, everything is unseen
	}
	if err != nil {
		return "", errs.NewDatabaseError("read peer state", "generate_bundle", err)
	}
	return vc, nil
}

func recordSentState(ctx context.Context, db *sql.DB, peerDeviceID [16]byte) error {
	currentVC, err := localVectorClock(ctx, db)
	if err != nil {
		return err
	}
	now := time.Now().UnixMicro()
	emptyVC, err := clock.New().Serialize()
	if err != nil {
		return errs.NewDatabaseError("serialize empty vector clock", "generate_bundle", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO sync_peer_state (
			peer_device_id, last_sent_vector_clock, last_sent_at,
			last_received_vector_clock, last_received_at
		) VALUES (?, ?, ?, ?, 0)
		ON CONFLICT(peer_device_id) DO UPDATE SET
			last_sent_vector_clock = excluded.last_sent_vector_clock,
			last_sent_at = excluded.last_sent_at`,
		peerDeviceID[:], currentVC, now, emptyVC)
	if err != nil {
		return errs.NewDatabaseError("record peer sent state", "generate_bundle", err)
	}
	return nil
}

func localIdentity(ctx context.Context, db *sql.DB) (deviceID [16]byte, schemaVersion int, err error) {
	var idBytes []byte
	if err = db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, oplog.MetadataKeyDeviceID).Scan(&idBytes); err != nil {
		return deviceID, 0, errs.NewDatabaseError("read device id", "generate_bundle", err)
	}
	copy(deviceID[:], idBytes)

	var versionRaw []byte
	if err = db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, oplog.MetadataKeySchemaVersion).Scan(&versionRaw); err != nil {
		return deviceID, 0, errs.NewDatabaseError("read schema version", "generate_bundle", err)
	}
	schemaVersion, err = parseIntBlob(versionRaw)
	if err != nil {
		return deviceID, 0, errs.NewInvariantViolation("malformed_schema_version", err.Error())
	}
	return deviceID, schemaVersion, nil
}

func localVectorClock(ctx context.Context, db *sql.DB) (string, error) {
	var raw []byte
	err := db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, oplog.MetadataKeyVectorClock).Scan(&raw)
	if err == sql.ErrNoRows {
		return clock.New().Serialize()
	}
	if err != nil {
		return "", errs.NewDatabaseError("read vector clock", "generate_bundle", err)
	}
	return string(raw), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sortByOpID(ids [][]byte) {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i], ids[j]) < 0 })
}

// parseIntBlob parses a sync_metadata value stored via schema-version
// bookkeeping, which may arrive as either decimal text or a driver-decoded
// numeric string depending on how it was written.
func parseIntBlob(raw []byte) (int, error) {
	return strconv.Atoi(string(bytes.TrimSpace(raw)))
}
