package capture

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Shivay00001/sqlite-sync-core/errs"
	"github.com/Shivay00001/sqlite-sync-core/oplog"
)

// microsecondNow is the SQLite expression for the current microsecond
// epoch, used for both created_at and applied_at on a freshly captured
// operation (captured operations are always immediately applied locally).
const microsecondNow = `CAST((julianday('now') - 2440587.5) * 86400000000 AS INTEGER)`

const insertTriggerTemplate = `
CREATE TRIGGER IF NOT EXISTS %[1]s_sync_insert
AFTER INSERT ON %[1]s
FOR EACH ROW
WHEN is_capture_disabled() = 0
BEGIN
	INSERT INTO sync_operations (
		op_id, device_id, parent_op_id, vector_clock, hlc, table_name,
		op_type, row_pk, old_values, new_values, schema_version,
		created_at, is_local, applied_at
	)
	SELECT
		uuid_v7(),
		(SELECT value FROM sync_metadata WHERE key = 'device_id'),
		(SELECT op_id FROM sync_operations
		 WHERE device_id = (SELECT value FROM sync_metadata WHERE key = 'device_id')
		 ORDER BY created_at DESC LIMIT 1),
		vector_clock_increment((SELECT value FROM sync_metadata WHERE key = 'device_id'),
		                       (SELECT value FROM sync_metadata WHERE key = 'vector_clock')),
		hlc_now((SELECT value FROM sync_metadata WHERE key = 'device_id')),
		'%[1]s', 'INSERT',
		pack_pk(%[2]s),
		NULL,
		pack_values(json_object(%[3]s)),
		CAST((SELECT value FROM sync_metadata WHERE key = 'schema_version') AS INTEGER),
		` + microsecondNow + `, 1, ` + microsecondNow + `
	;
	UPDATE sync_metadata SET value = CAST(vector_clock_increment(
		(SELECT value FROM sync_metadata WHERE key = 'device_id'), value
	) AS BLOB) WHERE key = 'vector_clock';
END;`

const updateTriggerTemplate = `
CREATE TRIGGER IF NOT EXISTS %[1]s_sync_update
AFTER UPDATE ON %[1]s
FOR EACH ROW
WHEN is_capture_disabled() = 0
BEGIN
	INSERT INTO sync_operations (
		op_id, device_id, parent_op_id, vector_clock, hlc, table_name,
		op_type, row_pk, old_values, new_values, schema_version,
		created_at, is_local, applied_at
	)
	SELECT
		uuid_v7(),
		(SELECT value FROM sync_metadata WHERE key = 'device_id'),
		(SELECT op_id FROM sync_operations
		 WHERE device_id = (SELECT value FROM sync_metadata WHERE key = 'device_id')
		 ORDER BY created_at DESC LIMIT 1),
		vector_clock_increment((SELECT value FROM sync_metadata WHERE key = 'device_id'),
		                       (SELECT value FROM sync_metadata WHERE key = 'vector_clock')),
		hlc_now((SELECT value FROM sync_metadata WHERE key = 'device_id')),
		'%[1]s', 'UPDATE',
		pack_pk(%[2]s),
		pack_values(json_object(%[4]s)),
		pack_values(json_object(%[3]s)),
		CAST((SELECT value FROM sync_metadata WHERE key = 'schema_version') AS INTEGER),
		` + microsecondNow + `, 1, ` + microsecondNow + `
	;
	UPDATE sync_metadata SET value = CAST(vector_clock_increment(
		(SELECT value FROM sync_metadata WHERE key = 'device_id'), value
	) AS BLOB) WHERE key = 'vector_clock';
END;`

const deleteTriggerTemplate = `
CREATE TRIGGER IF NOT EXISTS %[1]s_sync_delete
AFTER DELETE ON %[1]s
FOR EACH ROW
WHEN is_capture_disabled() = 0
BEGIN
	INSERT INTO sync_operations (
		op_id, device_id, parent_op_id, vector_clock, hlc, table_name,
		op_type, row_pk, old_values, new_values, schema_version,
		created_at, is_local, applied_at
	)
	SELECT
		uuid_v7(),
		(SELECT value FROM sync_metadata WHERE key = 'device_id'),
		(SELECT op_id FROM sync_operations
		 WHERE device_id = (SELECT value FROM sync_metadata WHERE key = 'device_id')
		 ORDER BY created_at DESC LIMIT 1),
		vector_clock_increment((SELECT value FROM sync_metadata WHERE key = 'device_id'),
		                       (SELECT value FROM sync_metadata WHERE key = 'vector_clock')),
		hlc_now((SELECT value FROM sync_metadata WHERE key = 'device_id')),
		'%[1]s', 'DELETE',
		pack_pk(%[2]s),
		pack_values(json_object(%[3]s)),
		NULL,
		CAST((SELECT value FROM sync_metadata WHERE key = 'schema_version') AS INTEGER),
		` + microsecondNow + `, 1, ` + microsecondNow + `
	;
	UPDATE sync_metadata SET value = CAST(vector_clock_increment(
		(SELECT value FROM sync_metadata WHERE key = 'device_id'), value
	) AS BLOB) WHERE key = 'vector_clock';
END;`

// EnableSyncForTable installs INSERT/UPDATE/DELETE triggers for table. It
// is idempotent: re-registering an already-enabled table is a no-op
// (CREATE TRIGGER IF NOT EXISTS).
func EnableSyncForTable(ctx context.Context, db *sql.DB, table string) error {
	if err := validateTableName(table); err != nil {
		return err
	}

	columns, pkColumns, err := tableInfo(ctx, db, table)
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		return errs.NewValidationError(fmt.Sprintf("table %q not found or has no columns", table), "table_name", table)
	}
	if len(pkColumns) == 0 {
		return errs.NewValidationError(fmt.Sprintf("table %q has no primary key; sync requires one", table), "table_name", table)
	}

	pairsNew := columnPairs(columns, "NEW")
	pairsOld := columnPairs(columns, "OLD")
	pkNew := pkExpression(pkColumns, "NEW")
	pkOld := pkExpression(pkColumns, "OLD")

	stmts := []string{
		fmt.Sprintf(insertTriggerTemplate, table, pkNew, pairsNew),
		fmt.Sprintf(updateTriggerTemplate, table, pkNew, pairsNew, pairsOld),
		fmt.Sprintf(deleteTriggerTemplate, table, pkOld, pairsOld),
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errs.NewDatabaseError(fmt.Sprintf("create sync triggers for %q", table), "create_triggers", err)
		}
	}
	return nil
}

// DisableSyncForTable drops a table's sync triggers, if present.
func DisableSyncForTable(ctx context.Context, db *sql.DB, table string) error {
	if err := validateTableName(table); err != nil {
		return err
	}
	for _, suffix := range []string{"insert", "update", "delete"} {
		stmt := fmt.Sprintf("DROP TRIGGER IF EXISTS %s_sync_%s", table, suffix)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errs.NewDatabaseError(fmt.Sprintf("drop sync triggers for %q", table), "drop_triggers", err)
		}
	}
	return nil
}

// IsSyncEnabled reports whether all three sync triggers exist for table.
func IsSyncEnabled(ctx context.Context, db *sql.DB, table string) (bool, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'trigger' AND name LIKE ?`,
		table+"_sync_%")
	if err != nil {
		return false, errs.NewDatabaseError("query triggers", "has_triggers", err)
	}
	defer rows.Close()

	found := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, errs.NewDatabaseError("scan trigger name", "has_triggers", err)
		}
		found[name] = true
	}
	expected := []string{table + "_sync_insert", table + "_sync_update", table + "_sync_delete"}
	for _, name := range expected {
		if !found[name] {
			return false, nil
		}
	}
	return true, nil
}

func columnPairs(columns []string, prefix string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = fmt.Sprintf("'%s', %s.%s", c, prefix, c)
	}
	return strings.Join(parts, ", ")
}

func pkExpression(pkColumns []string, prefix string) string {
	if len(pkColumns) == 1 {
		return fmt.Sprintf("%s.%s", prefix, pkColumns[0])
	}
	parts := make([]string, len(pkColumns))
	for i, c := range pkColumns {
		parts[i] = fmt.Sprintf("%s.%s", prefix, c)
	}
	return "json_array(" + strings.Join(parts, ", ") + ")"
}

// tableInfo returns every column, and the subset that are declared primary
// key columns ordered by their declared PK position — the basis of both
// trigger generation here and the import pipeline's schema-aware apply
// (SPEC_FULL §9, composite primary keys).
func tableInfo(ctx context.Context, db *sql.DB, table string) (columns []string, pkColumns []string, err error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, nil, errs.NewDatabaseError("read table info", "table_info", err)
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
			return nil, nil, errs.NewDatabaseError("scan table info", "table_info", err)
		}
		columns = append(columns, name)
		if pk > 0 {
			pks = append(pks, pkCol{name: name, idx: pk})
		}
	}
	// PRAGMA table_info's pk column is the 1-based position within the
	// primary key, not within the table, so sorting by it yields the
	// declared composite-key column order.
	for i := 0; i < len(pks); i++ {
		for j := i + 1; j < len(pks); j++ {
			if pks[j].idx < pks[i].idx {
				pks[i], pks[j] = pks[j], pks[i]
			}
		}
	}
	for _, p := range pks {
		pkColumns = append(pkColumns, p.name)
	}
	return columns, pkColumns, nil
}

func validateTableName(table string) error {
	if table == "" {
		return errs.NewValidationError("table name cannot be empty", "table_name", table)
	}
	if oplog.ReservedTableNames[table] {
		return errs.NewValidationError(fmt.Sprintf("cannot enable sync on reserved table %q", table), "table_name", table)
	}
	for _, r := range table {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return errs.NewValidationError(fmt.Sprintf("table name contains invalid characters: %q", table), "table_name", table)
		}
	}
	return nil
}
