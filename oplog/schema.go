package oplog

// OperationsTableSchema is the DDL for the replica's append-only operation
// log. STRICT typing and length CHECKs mirror the reference schema; the
// self-referential foreign key on parent_op_id carries provenance only
// (SPEC_FULL §9), never replay order.
const OperationsTableSchema = `
CREATE TABLE IF NOT EXISTS sync_operations (
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
	applied_at INTEGER,
	FOREIGN KEY (parent_op_id) REFERENCES sync_operations(op_id)
) STRICT;
`

// OperationsIndices are the secondary indices the log is queried through.
const OperationsIndices = `
CREATE INDEX IF NOT EXISTS idx_ops_device_created ON sync_operations(device_id, created_at);
CREATE INDEX IF NOT EXISTS idx_ops_table_pk ON sync_operations(table_name, row_pk);
CREATE INDEX IF NOT EXISTS idx_ops_id ON sync_operations(op_id);
`

// MetadataTableSchema backs device_id / schema_version / current vector
// clock storage.
const MetadataTableSchema = `
CREATE TABLE IF NOT EXISTS sync_metadata (
	key TEXT PRIMARY KEY,
	value ANY NOT NULL
) STRICT;
`

// ConflictsTableSchema backs per-row conflict records.
const ConflictsTableSchema = `
CREATE TABLE IF NOT EXISTS sync_conflicts (
	conflict_id BLOB PRIMARY KEY CHECK(length(conflict_id) = 16),
	table_name TEXT NOT NULL,
	row_pk BLOB NOT NULL,
	local_op_id BLOB NOT NULL CHECK(length(local_op_id) = 16),
	remote_op_id BLOB NOT NULL CHECK(length(remote_op_id) = 16),
	detected_at INTEGER NOT NULL,
	resolved_at INTEGER,
	resolution_op_id BLOB CHECK(resolution_op_id IS NULL OR length(resolution_op_id) = 16),
	resolution_strategy TEXT,
	FOREIGN KEY (local_op_id) REFERENCES sync_operations(op_id),
	FOREIGN KEY (remote_op_id) REFERENCES sync_operations(op_id),
	FOREIGN KEY (resolution_op_id) REFERENCES sync_operations(op_id)
) STRICT;
`

// ConflictsIndices are the secondary indices sync_conflicts is queried through.
const ConflictsIndices = `
CREATE INDEX IF NOT EXISTS idx_conflicts_unresolved ON sync_conflicts(detected_at) WHERE resolved_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_conflicts_row ON sync_conflicts(table_name, row_pk);
`

// PeerStateTableSchema backs per-peer last-sent/last-received clocks.
const PeerStateTableSchema = `
CREATE TABLE IF NOT EXISTS sync_peer_state (
	peer_device_id BLOB PRIMARY KEY CHECK(length(peer_device_id) = 16),
	last_sent_vector_clock TEXT NOT NULL,
	last_sent_at INTEGER NOT NULL,
	last_received_vector_clock TEXT NOT NULL,
	last_received_at INTEGER NOT NULL
) STRICT;
`

// ImportLogTableSchema backs bundle-content-hash idempotency.
const ImportLogTableSchema = `
CREATE TABLE IF NOT EXISTS sync_import_log (
	import_id BLOB PRIMARY KEY CHECK(length(import_id) = 16),
	bundle_id BLOB NOT NULL CHECK(length(bundle_id) = 16),
	bundle_hash BLOB NOT NULL CHECK(length(bundle_hash) = 32),
	imported_at INTEGER NOT NULL,
	source_device_id BLOB NOT NULL CHECK(length(source_device_id) = 16),
	op_count INTEGER NOT NULL,
	applied_count INTEGER NOT NULL,
	conflict_count INTEGER NOT NULL,
	duplicate_count INTEGER NOT NULL,
	UNIQUE(bundle_hash)
) STRICT;
`

// ImportLogIndices are the secondary indices sync_import_log is queried through.
const ImportLogIndices = `
CREATE INDEX IF NOT EXISTS idx_import_log_time ON sync_import_log(imported_at);
`

// AllSchemaStatements is every statement needed to initialize a fresh
// replica's auxiliary tables, in dependency order.
var AllSchemaStatements = []string{
	OperationsTableSchema,
	OperationsIndices,
	MetadataTableSchema,
	ConflictsTableSchema,
	ConflictsIndices,
	PeerStateTableSchema,
	ImportLogTableSchema,
	ImportLogIndices,
}

// ReservedTableNames are the sync system's own tables; a user table cannot
// have sync enabled on a name already in this set (SPEC_FULL §4.4).
var ReservedTableNames = map[string]bool{
	"sync_operations":  true,
	"sync_metadata":    true,
	"sync_conflicts":   true,
	"sync_peer_state":  true,
	"sync_import_log":  true,
}

// Metadata keys stored in sync_metadata.
const (
	MetadataKeyDeviceID      = "device_id"
	MetadataKeySchemaVersion = "schema_version"
	MetadataKeyVectorClock   = "vector_clock"
)
