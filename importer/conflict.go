package importer

import (
	"context"
	"database/sql"
	"time"

	"github.com/Shivay00001/sqlite-sync-core/clock"
	"github.com/Shivay00001/sqlite-sync-core/codec"
	"github.com/Shivay00001/sqlite-sync-core/errs"
	"github.com/Shivay00001/sqlite-sync-core/oplog"
)

// Conflict is a recorded instance of two concurrent operations touching the
// same row.
type Conflict struct {
	ConflictID         [16]byte
	TableName          string
	RowPK              []byte
	LocalOpID          [16]byte
	RemoteOpID         [16]byte
	DetectedAt         int64
	ResolvedAt         *int64
	ResolutionOpID     *[16]byte
	ResolutionStrategy string
}

// detectConflict returns the first existing operation on (table, rowPK)
// that is concurrent with incoming, or (nil, nil) if none is found
// (SPEC_FULL §4.6 step 5).
func detectConflict(ctx context.Context, q oplog.Querier, store *oplog.Store, incoming oplog.Operation) (*oplog.Operation, error) {
	incomingVC, err := incoming.ParsedVectorClock()
	if err != nil {
		return nil, errs.NewInvariantViolation("malformed_vector_clock", err.Error())
	}

	existing, err := store.OpsForRow(ctx, q, incoming.TableName, incoming.RowPK)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		existingVC, err := existing[i].ParsedVectorClock()
		if err != nil {
			return nil, errs.NewInvariantViolation("malformed_vector_clock", err.Error())
		}
		if clock.Concurrent(incomingVC, existingVC) {
			return &existing[i], nil
		}
	}
	return nil, nil
}

// isDominated reports whether an existing operation on the same row already
// causally dominates incoming, meaning incoming is stale and must not be
// applied to the user table (SPEC_FULL §4.6 step 5).
func isDominated(ctx context.Context, q oplog.Querier, store *oplog.Store, incoming oplog.Operation) (bool, error) {
	incomingVC, err := incoming.ParsedVectorClock()
	if err != nil {
		return false, errs.NewInvariantViolation("malformed_vector_clock", err.Error())
	}

	existing, err := store.OpsForRow(ctx, q, incoming.TableName, incoming.RowPK)
	if err != nil {
		return false, err
	}
	for i := range existing {
		existingVC, err := existing[i].ParsedVectorClock()
		if err != nil {
			return false, errs.NewInvariantViolation("malformed_vector_clock", err.Error())
		}
		if clock.Dominates(existingVC, incomingVC) {
			return true, nil
		}
	}
	return false, nil
}

func recordConflict(ctx context.Context, q oplog.Querier, tableName string, rowPK []byte, localOpID, remoteOpID [16]byte) ([16]byte, error) {
	conflictID, err := codec.NewUUIDv7()
	if err != nil {
		return conflictID, errs.NewDatabaseError("generate conflict id", "record_conflict", err)
	}
	detectedAt := time.Now().UnixMicro()

	_, err = q.ExecContext(ctx, `
		INSERT INTO sync_conflicts (
			conflict_id, table_name, row_pk, local_op_id, remote_op_id,
			detected_at, resolved_at, resolution_op_id
		) VALUES (?, ?, ?, ?, ?, ?, NULL, NULL)`,
		conflictID[:], tableName, rowPK, localOpID[:], remoteOpID[:], detectedAt)
	if err != nil {
		return conflictID, errs.NewDatabaseError("record conflict", "record_conflict", err)
	}
	return conflictID, nil
}

func markConflictResolved(ctx context.Context, q oplog.Querier, conflictID [16]byte, resolutionOpID [16]byte, strategy string) error {
	resolvedAt := time.Now().UnixMicro()
	res, err := q.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET resolved_at = ?, resolution_op_id = ?, resolution_strategy = ?
		WHERE conflict_id = ? AND resolved_at IS NULL`,
		resolvedAt, resolutionOpID[:], strategy, conflictID[:])
	if err != nil {
		return errs.NewDatabaseError("mark conflict resolved", "mark_conflict_resolved", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return errs.NewDatabaseError("mark conflict resolved", "mark_conflict_resolved", err)
	}
	if rows == 0 {
		return errs.NewConflictError("conflict not found or already resolved", conflictID[:], "")
	}
	return nil
}

// GetUnresolvedConflicts returns every conflict still awaiting resolution,
// oldest first.
func GetUnresolvedConflicts(ctx context.Context, db *sql.DB) ([]Conflict, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT conflict_id, table_name, row_pk, local_op_id, remote_op_id,
		       detected_at, resolved_at, resolution_op_id, resolution_strategy
		FROM sync_conflicts
		WHERE resolved_at IS NULL
		ORDER BY detected_at ASC`)
	if err != nil {
		return nil, errs.NewDatabaseError("query unresolved conflicts", "get_unresolved_conflicts", err)
	}
	defer rows.Close()
	return scanConflicts(rows)
}

func getConflictByID(ctx context.Context, q oplog.Querier, conflictID [16]byte) (Conflict, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT conflict_id, table_name, row_pk, local_op_id, remote_op_id,
		       detected_at, resolved_at, resolution_op_id, resolution_strategy
		FROM sync_conflicts WHERE conflict_id = ?`, conflictID[:])

	var c Conflict
	var cid, localOpID, remoteOpID []byte
	var resolutionOpID []byte
	var resolvedAt sql.NullInt64
	var strategy sql.NullString

	err := row.Scan(&cid, &c.TableName, &c.RowPK, &localOpID, &remoteOpID,
		&c.DetectedAt, &resolvedAt, &resolutionOpID, &strategy)
	if err == sql.ErrNoRows {
		return Conflict{}, false, nil
	}
	if err != nil {
		return Conflict{}, false, errs.NewDatabaseError("get conflict", "get_conflict_by_id", err)
	}

	copy(c.ConflictID[:], cid)
	copy(c.LocalOpID[:], localOpID)
	copy(c.RemoteOpID[:], remoteOpID)
	if resolvedAt.Valid {
		v := resolvedAt.Int64
		c.ResolvedAt = &v
	}
	if resolutionOpID != nil {
		var r [16]byte
		copy(r[:], resolutionOpID)
		c.ResolutionOpID = &r
	}
	c.ResolutionStrategy = strategy.String
	return c, true, nil
}

func scanConflicts(rows *sql.Rows) ([]Conflict, error) {
	var out []Conflict
	for rows.Next() {
		var c Conflict
		var cid, localOpID, remoteOpID []byte
		var resolutionOpID []byte
		var resolvedAt sql.NullInt64
		var strategy sql.NullString

		if err := rows.Scan(&cid, &c.TableName, &c.RowPK, &localOpID, &remoteOpID,
			&c.DetectedAt, &resolvedAt, &resolutionOpID, &strategy); err != nil {
			return nil, errs.NewDatabaseError("scan conflict", "get_unresolved_conflicts", err)
		}
		copy(c.ConflictID[:], cid)
		copy(c.LocalOpID[:], localOpID)
		copy(c.RemoteOpID[:], remoteOpID)
		if resolvedAt.Valid {
			v := resolvedAt.Int64
			c.ResolvedAt = &v
		}
		if resolutionOpID != nil {
			var r [16]byte
			copy(r[:], resolutionOpID)
			c.ResolutionOpID = &r
		}
		c.ResolutionStrategy = strategy.String
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewDatabaseError("iterate conflicts", "get_unresolved_conflicts", err)
	}
	return out, nil
}
