package oplog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Shivay00001/sqlite-sync-core/errs"
)

// Querier is satisfied by both *sql.DB and *sql.Tx. Every oplog operation
// takes one explicitly so callers control transaction scope — change
// capture and the import pipeline both need the log append to share their
// caller's transaction, never open one of its own (SPEC_FULL §4.4, §4.6).
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store provides append-only storage and causal queries over the operation
// log (C3).
type Store struct{}

// NewStore returns a Store. Store is stateless; all state lives in the
// database reached through the Querier passed to each method.
func NewStore() *Store { return &Store{} }

// Append inserts op. It fails with errs.DatabaseError wrapping the
// driver's primary-key constraint error if op.OpID already exists — the operations
// table has no UPDATE or DELETE path in this package, enforcing
// append-only at the application level (SPEC_FULL §4.3).
func (s *Store) Append(ctx context.Context, q Querier, op Operation) error {
	var parent any
	if op.ParentOpID != nil {
		parent = op.ParentOpID[:]
	}
	var appliedAt any
	if op.AppliedAt != nil {
		appliedAt = *op.AppliedAt
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_operations (
			op_id, device_id, parent_op_id, vector_clock, hlc, table_name,
			op_type, row_pk, old_values, new_values, schema_version,
			created_at, is_local, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.OpID[:], op.DeviceID[:], parent, op.VectorClock, op.HLC, op.TableName,
		string(op.OpType), op.RowPK, op.OldValues, op.NewValues, op.SchemaVersion,
		op.CreatedAt, boolToInt(op.IsLocal), appliedAt,
	)
	if err != nil {
		return errs.NewDatabaseError(fmt.Sprintf("append operation %x", op.OpID), "insert_operation", err)
	}
	return nil
}

// Exists reports whether opID is already present in the log.
func (s *Store) Exists(ctx context.Context, q Querier, opID [16]byte) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_operations WHERE op_id = ?`, opID[:]).Scan(&count)
	if err != nil {
		return false, errs.NewDatabaseError("check operation existence", "exists", err)
	}
	return count > 0, nil
}

// Get returns the operation with the given id, or (Operation{}, false, nil)
// if absent.
func (s *Store) Get(ctx context.Context, q Querier, opID [16]byte) (Operation, bool, error) {
	row := q.QueryRowContext(ctx, selectColumns+` WHERE op_id = ?`, opID[:])
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Operation{}, false, nil
	}
	if err != nil {
		return Operation{}, false, errs.NewDatabaseError("get operation", "get", err)
	}
	return op, true, nil
}

// OpsForRow returns every operation recorded against (table, rowPK),
// ordered by created_at ascending — the order conflict detection relies on
// to find the oldest concurrent counterpart (SPEC_FULL §4.6 step 5).
func (s *Store) OpsForRow(ctx context.Context, q Querier, table string, rowPK []byte) ([]Operation, error) {
	rows, err := q.QueryContext(ctx, selectColumns+` WHERE table_name = ? AND row_pk = ? ORDER BY created_at ASC`, table, rowPK)
	if err != nil {
		return nil, errs.NewDatabaseError("query operations for row", "ops_for_row", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

// OpsSince returns every local operation whose vector clock is not
// dominated by peerVC, ordered by created_at ascending (SPEC_FULL §4.3).
// Filtering by dominance happens in Go rather than SQL because vector
// clock comparison is not expressible as a simple column predicate.
func (s *Store) OpsSince(ctx context.Context, q Querier, peerVC string) ([]Operation, error) {
	rows, err := q.QueryContext(ctx, selectColumns+` WHERE is_local = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, errs.NewDatabaseError("query local operations", "ops_since", err)
	}
	defer rows.Close()

	ops, err := scanOperations(rows)
	if err != nil {
		return nil, err
	}

	peer, err := parseVectorClockOrEmpty(peerVC)
	if err != nil {
		return nil, err
	}

	out := ops[:0]
	for _, op := range ops {
		vc, err := op.ParsedVectorClock()
		if err != nil {
			return nil, errs.NewInvariantViolation("malformed_vector_clock", fmt.Sprintf("operation %x: %v", op.OpID, err))
		}
		if !dominatesString(peer, vc) {
			out = append(out, op)
		}
	}
	return out, nil
}

const selectColumns = `
	SELECT op_id, device_id, parent_op_id, vector_clock, hlc, table_name,
	       op_type, row_pk, old_values, new_values, schema_version,
	       created_at, is_local, applied_at
	FROM sync_operations`

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (Operation, error) {
	var op Operation
	var opID, deviceID []byte
	var parentOpID []byte
	var opType string
	var isLocal int
	var appliedAt sql.NullInt64

	err := row.Scan(&opID, &deviceID, &parentOpID, &op.VectorClock, &op.HLC, &op.TableName,
		&opType, &op.RowPK, &op.OldValues, &op.NewValues, &op.SchemaVersion,
		&op.CreatedAt, &isLocal, &appliedAt)
	if err != nil {
		return Operation{}, err
	}

	copy(op.OpID[:], opID)
	copy(op.DeviceID[:], deviceID)
	if parentOpID != nil {
		var p [16]byte
		copy(p[:], parentOpID)
		op.ParentOpID = &p
	}
	op.OpType = OpType(opType)
	op.IsLocal = isLocal != 0
	if appliedAt.Valid {
		v := appliedAt.Int64
		op.AppliedAt = &v
	}
	return op, nil
}

func scanOperations(rows *sql.Rows) ([]Operation, error) {
	var out []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, errs.NewDatabaseError("scan operation row", "scan", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewDatabaseError("iterate operation rows", "scan", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
