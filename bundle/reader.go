package bundle

import (
	"context"
	"database/sql"

	"github.com/Shivay00001/sqlite-sync-core/errs"
	"github.com/Shivay00001/sqlite-sync-core/oplog"
)

// ReadOperations opens bundlePath and returns every operation it carries.
// Callers should Validate the bundle first; ReadOperations itself performs
// no integrity checking.
func ReadOperations(ctx context.Context, bundlePath string) ([]oplog.Operation, error) {
	db, err := sql.Open("sqlite3", bundlePath)
	if err != nil {
		return nil, errs.NewBundleError(err.Error(), bundlePath, "open_failed")
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT op_id, device_id, parent_op_id, vector_clock, hlc, table_name,
		       op_type, row_pk, old_values, new_values, schema_version,
		       created_at, is_local, applied_at
		FROM bundle_operations`)
	if err != nil {
		return nil, errs.NewBundleError(err.Error(), bundlePath, "op_count_mismatch")
	}
	defer rows.Close()

	var out []oplog.Operation
	for rows.Next() {
		var op oplog.Operation
		var opID, deviceID, parentOpID []byte
		var opType string
		var isLocal int
		var appliedAt sql.NullInt64

		if err := rows.Scan(&opID, &deviceID, &parentOpID, &op.VectorClock, &op.HLC, &op.TableName,
			&opType, &op.RowPK, &op.OldValues, &op.NewValues, &op.SchemaVersion,
			&op.CreatedAt, &isLocal, &appliedAt); err != nil {
			return nil, errs.NewBundleError(err.Error(), bundlePath, "invalid_op_id")
		}

		copy(op.OpID[:], opID)
		copy(op.DeviceID[:], deviceID)
		if parentOpID != nil {
			var p [16]byte
			copy(p[:], parentOpID)
			op.ParentOpID = &p
		}
		op.OpType = oplog.OpType(opType)
		// Bundled operations are never local to the importing replica,
		// regardless of the flag recorded by their originating device.
		op.IsLocal = false
		_ = isLocal
		if appliedAt.Valid {
			v := appliedAt.Int64
			op.AppliedAt = &v
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewBundleError(err.Error(), bundlePath, "invalid_op_id")
	}
	return out, nil
}
