package bundle

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/Shivay00001/sqlite-sync-core/codec"
	"github.com/Shivay00001/sqlite-sync-core/errs"
	"github.com/Shivay00001/sqlite-sync-core/oplog"
)

// Validate opens bundlePath as untrusted input and checks it end to end:
// SQLite integrity, required tables, a single well-formed metadata row,
// schema-version compatibility, content-hash integrity, and that every
// operation is well-formed. It returns the bundle's metadata on success.
func Validate(ctx context.Context, bundlePath string, expectedSchemaVersion int) (Metadata, error) {
	db, err := sql.Open("sqlite3", bundlePath)
	if err != nil {
		return Metadata{}, errs.NewBundleError(fmt.Sprintf("cannot open bundle: %v", err), bundlePath, "open_failed")
	}
	defer db.Close()

	if err := checkIntegrity(ctx, db, bundlePath); err != nil {
		return Metadata{}, err
	}
	if err := checkTablesExist(ctx, db, bundlePath); err != nil {
		return Metadata{}, err
	}
	meta, err := loadMetadata(ctx, db, bundlePath)
	if err != nil {
		return Metadata{}, err
	}
	if meta.SchemaVersion != expectedSchemaVersion {
		return Metadata{}, errs.NewBundleError(
			fmt.Sprintf("schema version mismatch: bundle has %d, local has %d", meta.SchemaVersion, expectedSchemaVersion),
			bundlePath, "schema_mismatch")
	}
	if err := verifyContentHash(ctx, db, meta, bundlePath); err != nil {
		return Metadata{}, err
	}
	if err := validateOperations(ctx, db, bundlePath); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func checkIntegrity(ctx context.Context, db *sql.DB, bundlePath string) error {
	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return errs.NewBundleError(fmt.Sprintf("integrity check error: %v", err), bundlePath, "integrity_check_error")
	}
	if result != "ok" {
		return errs.NewBundleError("bundle integrity check failed", bundlePath, "integrity_check_failed")
	}
	return nil
}

func checkTablesExist(ctx context.Context, db *sql.DB, bundlePath string) error {
	rows, err := db.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return errs.NewBundleError(fmt.Sprintf("read tables: %v", err), bundlePath, "open_failed")
	}
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return errs.NewBundleError(fmt.Sprintf("scan table name: %v", err), bundlePath, "open_failed")
		}
		found[name] = true
	}
	var missing []string
	for want := range RequiredTables {
		if !found[want] {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return errs.NewBundleError(fmt.Sprintf("bundle missing required tables: %v", missing), bundlePath, "missing_tables")
	}
	return nil
}

func loadMetadata(ctx context.Context, db *sql.DB, bundlePath string) (Metadata, error) {
	rows, err := db.QueryContext(ctx, `SELECT bundle_id, source_device_id, created_at, schema_version, op_count, content_hash FROM bundle_metadata`)
	if err != nil {
		return Metadata{}, errs.NewBundleError(fmt.Sprintf("read metadata: %v", err), bundlePath, "no_metadata")
	}
	defer rows.Close()

	if !rows.Next() {
		return Metadata{}, errs.NewBundleError("bundle has no metadata", bundlePath, "no_metadata")
	}

	var m Metadata
	var bundleID, sourceDeviceID, contentHash []byte
	if err := rows.Scan(&bundleID, &sourceDeviceID, &m.CreatedAt, &m.SchemaVersion, &m.OpCount, &contentHash); err != nil {
		return Metadata{}, errs.NewBundleError(fmt.Sprintf("invalid bundle metadata: %v", err), bundlePath, "invalid_metadata")
	}
	if rows.Next() {
		return Metadata{}, errs.NewBundleError("bundle has multiple metadata rows", bundlePath, "multiple_metadata")
	}

	if len(bundleID) != 16 || len(sourceDeviceID) != 16 || len(contentHash) != codec.HashSize {
		return Metadata{}, errs.NewBundleError("invalid bundle metadata field lengths", bundlePath, "invalid_metadata")
	}
	copy(m.BundleID[:], bundleID)
	copy(m.SourceDeviceID[:], sourceDeviceID)
	copy(m.ContentHash[:], contentHash)

	if err := m.validate(); err != nil {
		return Metadata{}, errs.NewBundleError(fmt.Sprintf("invalid bundle metadata: %v", err), bundlePath, "invalid_metadata")
	}
	return m, nil
}

func verifyContentHash(ctx context.Context, db *sql.DB, meta Metadata, bundlePath string) error {
	rows, err := db.QueryContext(ctx, `SELECT op_id FROM bundle_operations ORDER BY op_id`)
	if err != nil {
		return errs.NewBundleError(fmt.Sprintf("read operations: %v", err), bundlePath, "op_count_mismatch")
	}
	defer rows.Close()

	var opIDs [][]byte
	for rows.Next() {
		var id []byte
		if err := rows.Scan(&id); err != nil {
			return errs.NewBundleError(fmt.Sprintf("scan op_id: %v", err), bundlePath, "op_count_mismatch")
		}
		opIDs = append(opIDs, id)
	}

	if len(opIDs) != meta.OpCount {
		return errs.NewBundleError(
			fmt.Sprintf("operation count mismatch: metadata says %d, found %d", meta.OpCount, len(opIDs)),
			bundlePath, "op_count_mismatch")
	}

	calculated, err := codec.SHA256Sequence(opIDs)
	if err != nil {
		return errs.NewBundleError(fmt.Sprintf("hash operations: %v", err), bundlePath, "hash_mismatch")
	}
	if !bytes.Equal(calculated[:], meta.ContentHash[:]) {
		return errs.NewBundleError("content hash mismatch (bundle may be corrupted)", bundlePath, "hash_mismatch")
	}
	return nil
}

func validateOperations(ctx context.Context, db *sql.DB, bundlePath string) error {
	rows, err := db.QueryContext(ctx, `SELECT op_id, device_id, op_type FROM bundle_operations`)
	if err != nil {
		return errs.NewBundleError(fmt.Sprintf("read operations: %v", err), bundlePath, "invalid_op_id")
	}
	defer rows.Close()

	validTypes := map[string]bool{string(oplog.OpInsert): true, string(oplog.OpUpdate): true, string(oplog.OpDelete): true}
	for rows.Next() {
		var opID, deviceID []byte
		var opType string
		if err := rows.Scan(&opID, &deviceID, &opType); err != nil {
			return errs.NewBundleError(fmt.Sprintf("scan operation: %v", err), bundlePath, "invalid_op_id")
		}
		if len(opID) != 16 {
			return errs.NewBundleError(fmt.Sprintf("invalid op_id length: %d bytes", len(opID)), bundlePath, "invalid_op_id")
		}
		if len(deviceID) != 16 {
			return errs.NewBundleError(fmt.Sprintf("invalid device_id length: %d bytes", len(deviceID)), bundlePath, "invalid_device_id")
		}
		if !validTypes[opType] {
			return errs.NewBundleError(fmt.Sprintf("invalid operation type: %s", opType), bundlePath, "invalid_op_type")
		}
	}
	return nil
}
