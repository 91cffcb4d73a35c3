package importer

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/Shivay00001/sqlite-sync-core/codec"
	"github.com/Shivay00001/sqlite-sync-core/errs"
	"github.com/Shivay00001/sqlite-sync-core/oplog"
)

// applyOperation applies a single operation's own INSERT/UPDATE/DELETE to
// the user table it targets (SPEC_FULL §4.6 step 5, normal apply).
func applyOperation(ctx context.Context, tx *sql.Tx, op oplog.Operation) error {
	switch op.OpType {
	case oplog.OpInsert:
		return applyInsert(ctx, tx, op)
	case oplog.OpUpdate:
		return applyUpdate(ctx, tx, op)
	case oplog.OpDelete:
		return applyDelete(ctx, tx, op)
	default:
		return errs.NewOperationError(fmt.Sprintf("unknown operation type: %s", op.OpType), op.OpID[:], string(op.OpType), op.TableName)
	}
}

func applyInsert(ctx context.Context, tx *sql.Tx, op oplog.Operation) error {
	if op.NewValues == nil {
		return errs.NewOperationError("INSERT operation has no new_values", op.OpID[:], string(op.OpType), op.TableName)
	}
	values, err := codec.DecodeMap(op.NewValues)
	if err != nil {
		return errs.NewOperationError("INSERT operation has malformed new_values", op.OpID[:], string(op.OpType), op.TableName)
	}
	if len(values) == 0 {
		return errs.NewOperationError("INSERT operation has empty new_values", op.OpID[:], string(op.OpType), op.TableName)
	}

	columns, args := orderedColumns(values)
	placeholders := strings.Repeat("?, ", len(columns))
	placeholders = strings.TrimSuffix(placeholders, ", ")
	stmt := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", op.TableName, strings.Join(columns, ", "), placeholders)

	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return errs.NewDatabaseError(fmt.Sprintf("apply insert to %s", op.TableName), "apply_insert", err)
	}
	return nil
}

func applyUpdate(ctx context.Context, tx *sql.Tx, op oplog.Operation) error {
	if op.NewValues == nil {
		return errs.NewOperationError("UPDATE operation has no new_values", op.OpID[:], string(op.OpType), op.TableName)
	}
	values, err := codec.DecodeMap(op.NewValues)
	if err != nil {
		return errs.NewOperationError("UPDATE operation has malformed new_values", op.OpID[:], string(op.OpType), op.TableName)
	}
	if len(values) == 0 {
		return errs.NewOperationError("UPDATE operation has empty new_values", op.OpID[:], string(op.OpType), op.TableName)
	}

	// UPDATE-then-INSERT-OR-IGNORE-fallback: apply the update by primary
	// key; if nothing matched (the row never arrived, e.g. its INSERT
	// operation was concurrently superseded), fall back to inserting it.
	rowsAffected, err := updateByPK(ctx, tx, op.TableName, op.RowPK, values)
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}
	return applyValuesInsert(ctx, tx, op.TableName, values)
}

func applyDelete(ctx context.Context, tx *sql.Tx, op oplog.Operation) error {
	if op.OldValues == nil {
		return errs.NewOperationError("DELETE operation has no old_values", op.OpID[:], string(op.OpType), op.TableName)
	}
	where, args, err := pkWhereClause(ctx, tx, op.TableName, op.RowPK)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", op.TableName, where)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return errs.NewDatabaseError(fmt.Sprintf("apply delete to %s", op.TableName), "apply_delete", err)
	}
	return nil
}

// applyValues applies an arbitrary merged value set to a row, used by
// conflict resolution and manual conflict resolution. It tries UPDATE
// first and falls back to INSERT OR IGNORE, mirroring applyUpdate.
func applyValues(ctx context.Context, tx *sql.Tx, tableName string, rowPK []byte, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	rowsAffected, err := updateByPK(ctx, tx, tableName, rowPK, values)
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}
	return applyValuesInsert(ctx, tx, tableName, values)
}

func updateByPK(ctx context.Context, tx *sql.Tx, tableName string, rowPK []byte, values map[string]any) (int64, error) {
	where, whereArgs, err := pkWhereClause(ctx, tx, tableName, rowPK)
	if err != nil {
		return 0, err
	}
	columns, setArgs := orderedColumns(values)
	setParts := make([]string, len(columns))
	for i, c := range columns {
		setParts[i] = fmt.Sprintf("%s = ?", c)
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s", tableName, strings.Join(setParts, ", "), where)

	args := append(setArgs, whereArgs...)
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, errs.NewDatabaseError(fmt.Sprintf("apply update to %s", tableName), "apply_update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.NewDatabaseError(fmt.Sprintf("apply update to %s", tableName), "apply_update", err)
	}
	return n, nil
}

func applyValuesInsert(ctx context.Context, tx *sql.Tx, tableName string, values map[string]any) error {
	columns, args := orderedColumns(values)
	placeholders := strings.Repeat("?, ", len(columns))
	placeholders = strings.TrimSuffix(placeholders, ", ")
	stmt := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)", tableName, strings.Join(columns, ", "), placeholders)
	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return errs.NewDatabaseError(fmt.Sprintf("apply insert to %s", tableName), "apply_insert", err)
	}
	return nil
}

// pkWhereClause reads the table's declared primary-key columns from its
// schema (never inferred positionally from the operation's value map) and
// decodes rowPK against them in that order (SPEC_FULL §9, composite
// primary keys).
func pkWhereClause(ctx context.Context, tx *sql.Tx, tableName string, rowPK []byte) (string, []any, error) {
	pkColumns, err := declaredPKColumns(ctx, tx, tableName)
	if err != nil {
		return "", nil, err
	}
	if len(pkColumns) == 0 {
		return "", nil, errs.NewSchemaError(fmt.Sprintf("table %q has no declared primary key", tableName), "primary key", "none")
	}

	pkValues, err := codec.DecodePK(rowPK)
	if err != nil {
		return "", nil, errs.NewOperationError("malformed primary key encoding", nil, "", tableName)
	}
	if len(pkValues) != len(pkColumns) {
		return "", nil, errs.NewSchemaError(
			fmt.Sprintf("primary key column count mismatch for %q: schema has %d, operation has %d", tableName, len(pkColumns), len(pkValues)),
			len(pkColumns), len(pkValues))
	}

	parts := make([]string, len(pkColumns))
	for i, c := range pkColumns {
		parts[i] = fmt.Sprintf("%s = ?", c)
	}
	return strings.Join(parts, " AND "), pkValues, nil
}

func declaredPKColumns(ctx context.Context, tx *sql.Tx, tableName string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return nil, errs.NewDatabaseError("read table info", "table_info", err)
	}
	defer rows.Close()

	type pkCol struct {
		name string
		idx  int
	}
	var pks []pkCol
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, errs.NewDatabaseError("scan table info", "table_info", err)
		}
		if pk > 0 {
			pks = append(pks, pkCol{name, pk})
		}
	}
	sort.Slice(pks, func(i, j int) bool { return pks[i].idx < pks[j].idx })

	out := make([]string, len(pks))
	for i, p := range pks {
		out[i] = p.name
	}
	return out, nil
}

func orderedColumns(values map[string]any) ([]string, []any) {
	columns := make([]string, 0, len(values))
	for c := range values {
		columns = append(columns, c)
	}
	sort.Strings(columns)
	args := make([]any, len(columns))
	for i, c := range columns {
		args[i] = values[c]
	}
	return columns, args
}
