package bundle

// Extension is the conventional suffix for a generated bundle file; it is
// never enforced by Generate or Validate.
const Extension = ".bundle.db"

// MetadataTableSchema backs the bundle's single metadata row.
const MetadataTableSchema = `
CREATE TABLE IF NOT EXISTS bundle_metadata (
	bundle_id BLOB PRIMARY KEY CHECK(length(bundle_id) = 16),
	source_device_id BLOB NOT NULL CHECK(length(source_device_id) = 16),
	created_at INTEGER NOT NULL,
	schema_version INTEGER NOT NULL,
	op_count INTEGER NOT NULL,
	content_hash BLOB NOT NULL CHECK(length(content_hash) = 32)
) STRICT;
`

// OperationsTableSchema mirrors the replica's own operations table; a
// bundle is a self-contained SQLite file carrying a slice of the log.
const OperationsTableSchema = `
CREATE TABLE IF NOT EXISTS bundle_operations (
	op_id BLOB PRIMARY KEY CHECK(length(op_id) = 16),
	device_id BLOB NOT NULL CHECK(length(device_id) = 16),
	parent_op_id BLOB CHECK(parent_op_id IS NULL OR length(parent_op_id) = 16),
	vector_clock TEXT NOT NULL,
	hlc TEXT NOT NULL,
	table_name TEXT NOT NULL,
	op_type TEXT NOT NULL CHECK(op_type IN ('INSERT', 'UPDATE', 'DELETE')),
	row_pk BLOB NOT NULL,
	old_values BLOB,
	new_values BLOB,
	schema_version INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	is_local INTEGER NOT NULL CHECK(is_local IN (0, 1)),
	applied_at INTEGER
) STRICT;
`

// SchemaStatements is every statement needed to initialize a fresh bundle file.
var SchemaStatements = []string{MetadataTableSchema, OperationsTableSchema}

// RequiredTables are the tables Validate requires to be present.
var RequiredTables = map[string]bool{
	"bundle_metadata":   true,
	"bundle_operations": true,
}
