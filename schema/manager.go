// Package schema implements additive schema evolution: tracked, versioned
// ALTER TABLE ADD COLUMN migrations, and compatibility checks between
// replicas running different schema versions (SPEC_FULL §9).
package schema

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Shivay00001/sqlite-sync-core/codec"
	"github.com/Shivay00001/sqlite-sync-core/errs"
)

// MigrationType enumerates the kinds of schema change this package tracks.
// Only AddColumn migrations can actually be performed through Manager —
// the others are recorded for compatibility analysis only.
type MigrationType string

const (
	MigrationAddColumn MigrationType = "add_column"
	MigrationAddTable  MigrationType = "add_table"
)

// Migration is one recorded schema change.
type Migration struct {
	MigrationID        [16]byte
	VersionFrom        int
	VersionTo          int
	Type               MigrationType
	TableName          string
	ColumnName         string
	ColumnDefinition   string
	CreatedAt          int64
	AppliedAt          *int64
}

const schemaTablesSQL = `
CREATE TABLE IF NOT EXISTS sync_metadata (
	key TEXT PRIMARY KEY,
	value ANY NOT NULL
) STRICT;

CREATE TABLE IF NOT EXISTS sync_schema_versions (
	version INTEGER PRIMARY KEY,
	schema_hash TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	description TEXT
);

CREATE TABLE IF NOT EXISTS sync_schema_migrations (
	migration_id BLOB PRIMARY KEY,
	version_from INTEGER NOT NULL,
	version_to INTEGER NOT NULL,
	migration_type TEXT NOT NULL,
	table_name TEXT NOT NULL,
	column_name TEXT,
	column_definition TEXT,
	sql_up TEXT,
	sql_down TEXT,
	created_at INTEGER NOT NULL,
	applied_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_migrations_version
ON sync_schema_migrations(version_from, version_to);
`

// Manager owns a replica's schema versioning and migration history.
type Manager struct {
	db *sql.DB
}

// NewManager creates the schema tracking tables if absent and returns a
// Manager bound to db.
func NewManager(ctx context.Context, db *sql.DB) (*Manager, error) {
	if _, err := db.ExecContext(ctx, schemaTablesSQL); err != nil {
		return nil, errs.NewDatabaseError("create schema tracking tables", "new_manager", err)
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_metadata (key, value) VALUES ('schema_version', '0')`)
	if err != nil {
		return nil, errs.NewDatabaseError("seed schema version metadata", "new_manager", err)
	}
	return &Manager{db: db}, nil
}

// CurrentVersion returns the highest recorded schema version, 0 if none.
func (m *Manager) CurrentVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	err := m.db.QueryRowContext(ctx, `SELECT MAX(version) FROM sync_schema_versions`).Scan(&version)
	if err != nil {
		return 0, errs.NewDatabaseError("read current schema version", "current_version", err)
	}
	return int(version.Int64), nil
}

func (m *Manager) computeSchemaHash(ctx context.Context) (string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT sql FROM sqlite_master WHERE type = 'table' ORDER BY name`)
	if err != nil {
		return "", errs.NewDatabaseError("read table definitions", "compute_schema_hash", err)
	}
	defer rows.Close()

	var schemas []string
	for rows.Next() {
		var sqlText sql.NullString
		if err := rows.Scan(&sqlText); err != nil {
			return "", errs.NewDatabaseError("scan table definition", "compute_schema_hash", err)
		}
		schemas = append(schemas, sqlText.String)
	}
	sum := sha256.Sum256([]byte(strings.Join(schemas, "\n")))
	return hex.EncodeToString(sum[:])[:16], nil
}

func (m *Manager) recordVersion(ctx context.Context, version int, description string) error {
	hash, err := m.computeSchemaHash(ctx)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_schema_versions (version, schema_hash, created_at, description)
		VALUES (?, ?, ?, ?)`,
		version, hash, time.Now().UnixMicro(), description)
	if err != nil {
		return errs.NewDatabaseError("record schema version", "record_version", err)
	}

	// Bundle generation reads the replica's schema version out of
	// sync_metadata (not sync_schema_versions) so it can stay ignorant of
	// this package; keep the two in lockstep on every version bump.
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (key, value) VALUES ('schema_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.Itoa(version))
	if err != nil {
		return errs.NewDatabaseError("sync schema version metadata", "record_version", err)
	}
	return nil
}

// AddColumn runs an additive ALTER TABLE ADD COLUMN migration and records
// it, advancing the schema version by one. defaultValue may be nil.
func (m *Manager) AddColumn(ctx context.Context, tableName, columnName, columnType string, defaultValue any) (Migration, error) {
	currentVersion, err := m.CurrentVersion(ctx)
	if err != nil {
		return Migration{}, err
	}
	newVersion := currentVersion + 1

	defaultClause := ""
	switch v := defaultValue.(type) {
	case nil:
	case string:
		defaultClause = fmt.Sprintf(" DEFAULT '%s'", strings.ReplaceAll(v, "'", "''"))
	default:
		defaultClause = fmt.Sprintf(" DEFAULT %v", v)
	}

	columnDefinition := columnType + defaultClause
	sqlUp := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s%s", tableName, columnName, columnType, defaultClause)

	if _, err := m.db.ExecContext(ctx, sqlUp); err != nil {
		return Migration{}, errs.NewSchemaError(fmt.Sprintf("add column migration failed: %v", err), columnType, nil)
	}

	migrationID, err := codec.NewUUIDv7()
	if err != nil {
		return Migration{}, errs.NewDatabaseError("generate migration id", "add_column", err)
	}
	now := time.Now().UnixMicro()

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO sync_schema_migrations (
			migration_id, version_from, version_to, migration_type,
			table_name, column_name, column_definition, sql_up, sql_down,
			created_at, applied_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		migrationID[:], currentVersion, newVersion, string(MigrationAddColumn),
		tableName, columnName, columnDefinition, sqlUp,
		fmt.Sprintf("-- cannot drop column in SQLite: %s", columnName), now, now)
	if err != nil {
		return Migration{}, errs.NewDatabaseError("record migration", "add_column", err)
	}

	if err := m.recordVersion(ctx, newVersion, fmt.Sprintf("added %s to %s", columnName, tableName)); err != nil {
		return Migration{}, err
	}

	return Migration{
		MigrationID:      migrationID,
		VersionFrom:      currentVersion,
		VersionTo:        newVersion,
		Type:             MigrationAddColumn,
		TableName:        tableName,
		ColumnName:       columnName,
		ColumnDefinition: columnDefinition,
		CreatedAt:        now,
		AppliedAt:        &now,
	}, nil
}

// PendingMigrations returns every migration whose version_from is at least
// fromVersion, ordered oldest first — what a peer at fromVersion needs to
// catch up to the local schema.
func (m *Manager) PendingMigrations(ctx context.Context, fromVersion int) ([]Migration, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT migration_id, version_from, version_to, migration_type,
		       table_name, column_name, column_definition, created_at, applied_at
		FROM sync_schema_migrations
		WHERE version_from >= ?
		ORDER BY version_from ASC`, fromVersion)
	if err != nil {
		return nil, errs.NewDatabaseError("read pending migrations", "pending_migrations", err)
	}
	defer rows.Close()

	var out []Migration
	for rows.Next() {
		var m Migration
		var id []byte
		var migrationType string
		var columnName, columnDefinition sql.NullString
		var appliedAt sql.NullInt64
		if err := rows.Scan(&id, &m.VersionFrom, &m.VersionTo, &migrationType,
			&m.TableName, &columnName, &columnDefinition, &m.CreatedAt, &appliedAt); err != nil {
			return nil, errs.NewDatabaseError("scan migration", "pending_migrations", err)
		}
		copy(m.MigrationID[:], id)
		m.Type = MigrationType(migrationType)
		m.ColumnName = columnName.String
		m.ColumnDefinition = columnDefinition.String
		if appliedAt.Valid {
			v := appliedAt.Int64
			m.AppliedAt = &v
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.NewDatabaseError("iterate migrations", "pending_migrations", err)
	}
	return out, nil
}

// CheckCompatibility reports whether a peer at remoteVersion can sync with
// this replica without a prior schema exchange: equal versions are always
// compatible; a remote that is behind is compatible only if every
// migration between its version and ours is additive (add_column or
// add_table); a remote that is ahead is never compatible until it shares
// its migrations.
func (m *Manager) CheckCompatibility(ctx context.Context, remoteVersion int) (bool, error) {
	localVersion, err := m.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	if remoteVersion == localVersion {
		return true, nil
	}
	if remoteVersion > localVersion {
		return false, nil
	}

	migrations, err := m.PendingMigrations(ctx, remoteVersion)
	if err != nil {
		return false, err
	}
	for _, mig := range migrations {
		if mig.Type != MigrationAddColumn && mig.Type != MigrationAddTable {
			return false, nil
		}
	}
	return true, nil
}
