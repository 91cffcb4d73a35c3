// Package importer implements the import pipeline (C6): idempotent,
// deterministic, transactional application of a batch of operations —
// whether they arrived via a bundle or a direct peer stream — including
// conflict detection, delegation to a resolve.Resolver, and absorption of
// the remote vector clock and HLC into local replica state.
package importer

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/Shivay00001/sqlite-sync-core/bundle"
	"github.com/Shivay00001/sqlite-sync-core/capture"
	"github.com/Shivay00001/sqlite-sync-core/clock"
	"github.com/Shivay00001/sqlite-sync-core/codec"
	"github.com/Shivay00001/sqlite-sync-core/errs"
	"github.com/Shivay00001/sqlite-sync-core/oplog"
	"github.com/Shivay00001/sqlite-sync-core/resolve"
)

// Result summarizes the outcome of applying a batch of operations.
type Result struct {
	BundleID         [16]byte
	SourceDeviceID   [16]byte
	OpCount          int
	AppliedCount     int
	ConflictCount    int
	DuplicateCount   int
	IsDuplicateBundle bool
}

// ApplyBatch applies operations from sourceDeviceID inside one transaction
// with local change capture suppressed, per SPEC_FULL §4.6. It is used by
// both ImportBundle and any direct peer-stream transport the caller wires
// in. bundleID/contentHash may be zero-valued for stream-sourced batches;
// they only affect the sync_import_log record, and a zero contentHash
// writes no sync_import_log row at all.
func ApplyBatch(
	ctx context.Context,
	db *sql.DB,
	hlc *clock.HLClock,
	resolver resolve.Resolver,
	operations []oplog.Operation,
	sourceDeviceID [16]byte,
	bundleID [16]byte,
	contentHash [32]byte,
) (Result, error) {
	var result Result
	result.SourceDeviceID = sourceDeviceID
	result.BundleID = bundleID
	result.OpCount = len(operations)

	err := capture.WithSuppressed(ctx, db, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return errs.NewDatabaseError("begin import transaction", "apply_batch", err)
		}
		defer tx.Rollback()

		store := oplog.NewStore()

		newOps := make([]oplog.Operation, 0, len(operations))
		for _, op := range operations {
			exists, err := store.Exists(ctx, tx, op.OpID)
			if err != nil {
				return err
			}
			if exists {
				result.DuplicateCount++
				operationsSkipped.WithLabelValues(op.TableName, "duplicate").Inc()
				continue
			}
			newOps = append(newOps, op)
		}

		if len(newOps) == 0 {
			if err := recordImport(ctx, tx, bundleID, contentHash, sourceDeviceID, result.OpCount, 0, 0, result.DuplicateCount); err != nil {
				return err
			}
			return tx.Commit()
		}

		sort.Slice(newOps, func(i, j int) bool { return oplog.SortKey(newOps[i], newOps[j]) < 0 })

		for _, op := range newOps {
			applied, conflicted, err := applyOneOperation(ctx, tx, store, resolver, op)
			if err != nil {
				return err
			}
			if err := absorbClocks(ctx, tx, hlc, op); err != nil {
				return err
			}
			if applied {
				result.AppliedCount++
				operationsApplied.WithLabelValues(op.TableName).Inc()
			}
			if conflicted {
				result.ConflictCount++
				operationsConflicted.WithLabelValues(op.TableName).Inc()
			}
		}

		if err := recordReceivedState(ctx, tx, sourceDeviceID); err != nil {
			return err
		}
		if err := recordImport(ctx, tx, bundleID, contentHash, sourceDeviceID, result.OpCount, result.AppliedCount, result.ConflictCount, result.DuplicateCount); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

// applyOneOperation implements SPEC_FULL §4.6 step 5 for a single
// operation: detect a conflict, delegate to the resolver if found,
// otherwise apply directly unless the operation is already stale. applied
// reports whether the operation counts toward applied_count — which, for a
// stale op, means it was recorded in the log even though its values were
// never written to the user table. conflicted reports whether a conflict
// was detected at all.
func applyOneOperation(ctx context.Context, tx *sql.Tx, store *oplog.Store, resolver resolve.Resolver, op oplog.Operation) (applied bool, conflicted bool, err error) {
	conflicting, err := detectConflict(ctx, tx, store, op)
	if err != nil {
		return false, false, err
	}

	if conflicting != nil {
		if err := store.Append(ctx, tx, op); err != nil {
			return false, true, err
		}
		conflictID, err := recordConflict(ctx, tx, op.TableName, op.RowPK, conflicting.OpID, op.OpID)
		if err != nil {
			return false, true, err
		}
		if !resolver.AutoResolve() {
			return false, true, nil
		}
		merged, err := resolver.Resolve(*conflicting, op)
		if err != nil {
			return false, true, err
		}
		if err := applyValues(ctx, tx, op.TableName, op.RowPK, merged); err != nil {
			return false, true, err
		}
		if err := markConflictResolved(ctx, tx, conflictID, op.OpID, resolver.Name()); err != nil {
			return false, true, err
		}
		return true, true, nil
	}

	dominated, err := isDominated(ctx, tx, store, op)
	if err != nil {
		return false, false, err
	}
	if dominated {
		// Stale: the op is recorded for causal completeness but never
		// touches the user table. It still counts as applied per
		// SPEC_FULL §4.6 step 5 ("Increment applied_count").
		if err := store.Append(ctx, tx, op); err != nil {
			return false, false, err
		}
		return true, false, nil
	}

	if err := applyOperation(ctx, tx, op); err != nil {
		return false, false, err
	}
	if err := store.Append(ctx, tx, op); err != nil {
		return false, false, err
	}
	return true, false, nil
}

func absorbClocks(ctx context.Context, tx *sql.Tx, hlc *clock.HLClock, op oplog.Operation) error {
	if hlc != nil && op.HLC != "" {
		if remote, err := op.ParsedHLC(); err == nil {
			hlc.Update(remote)
		}
	}

	var raw []byte
	err := tx.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, oplog.MetadataKeyVectorClock).Scan(&raw)
	var current *clock.VectorClock
	if err == sql.ErrNoRows {
		current = clock.New()
	} else if err != nil {
		return errs.NewDatabaseError("read local vector clock", "apply_batch", err)
	} else {
		current, err = clock.Parse(string(raw))
		if err != nil {
			return errs.NewInvariantViolation("malformed_vector_clock", err.Error())
		}
	}

	remoteVC, err := op.ParsedVectorClock()
	if err != nil {
		return errs.NewInvariantViolation("malformed_vector_clock", err.Error())
	}
	merged := clock.Merge(current, remoteVC)
	serialized, err := merged.Serialize()
	if err != nil {
		return errs.NewDatabaseError("serialize vector clock", "apply_batch", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		oplog.MetadataKeyVectorClock, serialized)
	if err != nil {
		return errs.NewDatabaseError("persist merged vector clock", "apply_batch", err)
	}
	return nil
}

func recordReceivedState(ctx context.Context, tx *sql.Tx, sourceDeviceID [16]byte) error {
	var raw []byte
	err := tx.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, oplog.MetadataKeyVectorClock).Scan(&raw)
	vc := ""
	if err == nil {
		vc = string(raw)
	} else if err != sql.ErrNoRows {
		return errs.NewDatabaseError("read local vector clock", "apply_batch", err)
	}

	now := time.Now().UnixMicro()
	emptyVC, err := clock.New().Serialize()
	if err != nil {
		return errs.NewDatabaseError("serialize empty vector clock", "apply_batch", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_peer_state (
			peer_device_id, last_sent_vector_clock, last_sent_at,
			last_received_vector_clock, last_received_at
		) VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(peer_device_id) DO UPDATE SET
			last_received_vector_clock = excluded.last_received_vector_clock,
			last_received_at = excluded.last_received_at`,
		sourceDeviceID[:], emptyVC, vc, now)
	if err != nil {
		return errs.NewDatabaseError("record peer received state", "apply_batch", err)
	}
	return nil
}

func recordImport(ctx context.Context, tx *sql.Tx, bundleID [16]byte, contentHash [32]byte, sourceDeviceID [16]byte, opCount, appliedCount, conflictCount, duplicateCount int) error {
	if contentHash == ([32]byte{}) {
		return nil
	}
	importID, err := codec.NewUUIDv7()
	if err != nil {
		return errs.NewDatabaseError("generate import id", "record_import", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_import_log (
			import_id, bundle_id, bundle_hash, imported_at, source_device_id,
			op_count, applied_count, conflict_count, duplicate_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		importID[:], bundleID[:], contentHash[:], time.Now().UnixMicro(), sourceDeviceID[:],
		opCount, appliedCount, conflictCount, duplicateCount)
	if err != nil {
		return errs.NewDatabaseError("record import", "record_import", err)
	}
	return nil
}

// ImportBundle validates bundlePath against the replica's schema version,
// skips it if already imported (bundle-level idempotency via content
// hash), and otherwise applies its operations via ApplyBatch.
func ImportBundle(ctx context.Context, db *sql.DB, hlc *clock.HLClock, resolver resolve.Resolver, bundlePath string, localSchemaVersion int) (Result, error) {
	meta, err := bundle.Validate(ctx, bundlePath, localSchemaVersion)
	if err != nil {
		return Result{}, err
	}

	alreadyImported, err := isBundleAlreadyImported(ctx, db, meta.ContentHash)
	if err != nil {
		return Result{}, err
	}
	if alreadyImported {
		return Result{
			BundleID:          meta.BundleID,
			SourceDeviceID:    meta.SourceDeviceID,
			OpCount:           meta.OpCount,
			IsDuplicateBundle: true,
		}, nil
	}

	ops, err := bundle.ReadOperations(ctx, bundlePath)
	if err != nil {
		return Result{}, err
	}
	if len(ops) == 0 {
		err := withTx(ctx, db, func(tx *sql.Tx) error {
			return recordImport(ctx, tx, meta.BundleID, meta.ContentHash, meta.SourceDeviceID, 0, 0, 0, 0)
		})
		if err != nil {
			return Result{}, err
		}
		return Result{BundleID: meta.BundleID, SourceDeviceID: meta.SourceDeviceID}, nil
	}

	return ApplyBatch(ctx, db, hlc, resolver, ops, meta.SourceDeviceID, meta.BundleID, meta.ContentHash)
}

func isBundleAlreadyImported(ctx context.Context, db *sql.DB, contentHash [32]byte) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_import_log WHERE bundle_hash = ?`, contentHash[:]).Scan(&count)
	if err != nil {
		return false, errs.NewDatabaseError("check bundle idempotency", "is_bundle_already_imported", err)
	}
	return count > 0, nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errs.NewDatabaseError("begin transaction", "with_tx", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ResolveConflict manually resolves a previously-recorded conflict:
// "local" keeps the row as it already stands (the remote operation was
// never applied), "remote" applies the remote operation's values now.
func ResolveConflict(ctx context.Context, db *sql.DB, conflictID [16]byte, resolution string) error {
	if resolution != "local" && resolution != "remote" {
		return errs.NewValidationError("resolution must be 'local' or 'remote'", "resolution", resolution)
	}

	return withTx(ctx, db, func(tx *sql.Tx) error {
		conflict, found, err := getConflictByID(ctx, tx, conflictID)
		if err != nil {
			return err
		}
		if !found {
			return errs.NewConflictError("conflict not found", conflictID[:], "")
		}

		if resolution == "local" {
			return markConflictResolved(ctx, tx, conflictID, conflict.LocalOpID, "MANUAL_LOCAL")
		}

		store := oplog.NewStore()
		remoteOp, found, err := store.Get(ctx, tx, conflict.RemoteOpID)
		if err != nil {
			return err
		}
		if !found {
			return errs.NewConflictError("remote operation not found", conflictID[:], conflict.TableName)
		}

		values := map[string]any{}
		if remoteOp.NewValues != nil {
			values, err = codec.DecodeMap(remoteOp.NewValues)
			if err != nil {
				return errs.NewInvariantViolation("malformed_values", err.Error())
			}
		}
		if err := applyValues(ctx, tx, remoteOp.TableName, remoteOp.RowPK, values); err != nil {
			return err
		}
		return markConflictResolved(ctx, tx, conflictID, conflict.RemoteOpID, "MANUAL_REMOTE")
	})
}
