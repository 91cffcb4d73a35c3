// Package compaction implements log compaction and bootstrap snapshotting:
// pruning operations every known peer has acknowledged, and taking
// point-in-time snapshots of synced tables so a new device can bootstrap
// without replaying full history (SPEC_FULL §9).
package compaction

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Shivay00001/sqlite-sync-core/codec"
	"github.com/Shivay00001/sqlite-sync-core/errs"
)

const compactionTablesSQL = `
CREATE TABLE IF NOT EXISTS sync_snapshots (
	snapshot_id BLOB PRIMARY KEY,
	vector_clock TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	row_count INTEGER NOT NULL,
	size_bytes INTEGER NOT NULL,
	data BLOB
);

CREATE TABLE IF NOT EXISTS sync_acknowledged_ops (
	device_id BLOB NOT NULL,
	last_ack_op_id BLOB NOT NULL,
	ack_time INTEGER NOT NULL,
	PRIMARY KEY (device_id)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_created ON sync_snapshots(created_at);
`

// Stats summarizes the operation log's current footprint.
type Stats struct {
	TotalOperations int
	TotalSizeBytes  int64
}

// Result reports the outcome of a CompactLog call.
type Result struct {
	OpsBefore  int
	OpsAfter   int
	OpsRemoved int
	BytesFreed int64
}

// Snapshot is a recorded point-in-time copy of the synced tables.
type Snapshot struct {
	SnapshotID  [16]byte
	VectorClock string
	CreatedAt   int64
	RowCount    int
	SizeBytes   int
}

// Compactor owns a replica's compaction and snapshotting tables.
type Compactor struct {
	db *sql.DB
}

// NewCompactor creates the compaction tracking tables if absent.
func NewCompactor(ctx context.Context, db *sql.DB) (*Compactor, error) {
	if _, err := db.ExecContext(ctx, compactionTablesSQL); err != nil {
		return nil, errs.NewDatabaseError("create compaction tables", "new_compactor", err)
	}
	return &Compactor{db: db}, nil
}

func (c *Compactor) logStats(ctx context.Context) (Stats, error) {
	var count int
	var size sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*), SUM(LENGTH(old_values) + LENGTH(new_values)) FROM sync_operations`,
	).Scan(&count, &size)
	if err != nil {
		return Stats{}, errs.NewDatabaseError("read log stats", "log_stats", err)
	}
	return Stats{TotalOperations: count, TotalSizeBytes: size.Int64}, nil
}

// RecordAcknowledgment records that deviceID has acknowledged receiving
// operations up to and including opID.
func (c *Compactor) RecordAcknowledgment(ctx context.Context, deviceID, opID [16]byte) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sync_acknowledged_ops (device_id, last_ack_op_id, ack_time)
		VALUES (?, ?, ?)`,
		deviceID[:], opID[:], time.Now().UnixMicro())
	if err != nil {
		return errs.NewDatabaseError("record acknowledgment", "record_acknowledgment", err)
	}
	return nil
}

// safePruningPoint finds the oldest operation acknowledged by every known
// peer; operations older than it are safe to prune.
func (c *Compactor) safePruningPoint(ctx context.Context) (opID []byte, found bool, err error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT MIN(o.created_at), a.last_ack_op_id
		FROM sync_acknowledged_ops a
		JOIN sync_operations o ON a.last_ack_op_id = o.op_id
		GROUP BY a.device_id
		ORDER BY o.created_at ASC
		LIMIT 1`)

	var createdAt int64
	var id []byte
	scanErr := row.Scan(&createdAt, &id)
	if scanErr == sql.ErrNoRows {
		return nil, false, nil
	}
	if scanErr != nil {
		return nil, false, errs.NewDatabaseError("find safe pruning point", "safe_pruning_point", scanErr)
	}
	return id, true, nil
}

// pruneAcknowledged deletes every non-local operation created before the
// operation identified by beforeOpID. Locally-originated operations are
// always preserved (SPEC_FULL §9): a replica never discards the history of
// its own writes, regardless of whether every peer has acknowledged them.
func (c *Compactor) pruneAcknowledged(ctx context.Context, beforeOpID []byte) (int, error) {
	var cutoff int64
	err := c.db.QueryRowContext(ctx, `SELECT created_at FROM sync_operations WHERE op_id = ?`, beforeOpID).Scan(&cutoff)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errs.NewDatabaseError("read pruning reference", "prune_acknowledged", err)
	}

	res, err := c.db.ExecContext(ctx, `DELETE FROM sync_operations WHERE created_at < ? AND is_local = 0`, cutoff)
	if err != nil {
		return 0, errs.NewDatabaseError("prune acknowledged operations", "prune_acknowledged", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, errs.NewDatabaseError("prune acknowledged operations", "prune_acknowledged", err)
	}

	if _, err := c.db.ExecContext(ctx, `VACUUM`); err != nil {
		return 0, errs.NewDatabaseError("vacuum after pruning", "prune_acknowledged", err)
	}
	return int(deleted), nil
}

// CompactLog prunes operations every known peer has acknowledged, up to
// the safe pruning point. maxOps is accepted for interface compatibility
// with callers that want to cap work per call; pruning itself is governed
// entirely by acknowledgment state.
func (c *Compactor) CompactLog(ctx context.Context, maxOps int) (Result, error) {
	before, err := c.logStats(ctx)
	if err != nil {
		return Result{}, err
	}

	pruneOpID, found, err := c.safePruningPoint(ctx)
	if err != nil {
		return Result{}, err
	}
	if found {
		if _, err := c.pruneAcknowledged(ctx, pruneOpID); err != nil {
			return Result{}, err
		}
	}

	after, err := c.logStats(ctx)
	if err != nil {
		return Result{}, err
	}

	return Result{
		OpsBefore:  before.TotalOperations,
		OpsAfter:   after.TotalOperations,
		OpsRemoved: before.TotalOperations - after.TotalOperations,
		BytesFreed: before.TotalSizeBytes - after.TotalSizeBytes,
	}, nil
}

// CreateSnapshot captures the current contents of tableNames (or every
// synced user table if nil) alongside the replica's current vector clock,
// so a new device can bootstrap from the snapshot instead of replaying the
// full operation log.
func (c *Compactor) CreateSnapshot(ctx context.Context, tableNames []string) (Snapshot, error) {
	snapshotID, err := codec.NewUUIDv7()
	if err != nil {
		return Snapshot{}, errs.NewDatabaseError("generate snapshot id", "create_snapshot", err)
	}
	now := time.Now().UnixMicro()

	var vc string
	err = c.db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = 'vector_clock'`).Scan(&vc)
	if err == sql.ErrNoRows {
		vc = "{}"
	} else if err != nil {
		return Snapshot{}, errs.NewDatabaseError("read vector clock", "create_snapshot", err)
	}

	if tableNames == nil {
		tableNames, err = c.syncedUserTables(ctx)
		if err != nil {
			return Snapshot{}, err
		}
	}

	snapshotData := map[string]any{}
	totalRows := 0
	for _, table := range tableNames {
		rows, columns, err := c.dumpTable(ctx, table)
		if err != nil {
			return Snapshot{}, err
		}
		snapshotData[table] = map[string]any{"columns": columns, "rows": rows}
		totalRows += len(rows)
	}

	data, err := codec.EncodeMap(snapshotData)
	if err != nil {
		return Snapshot{}, errs.NewDatabaseError("encode snapshot", "create_snapshot", err)
	}

	_, err = c.db.ExecContext(ctx, `
		INSERT INTO sync_snapshots (snapshot_id, vector_clock, created_at, row_count, size_bytes, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snapshotID[:], vc, now, totalRows, len(data), data)
	if err != nil {
		return Snapshot{}, errs.NewDatabaseError("store snapshot", "create_snapshot", err)
	}

	return Snapshot{
		SnapshotID:  snapshotID,
		VectorClock: vc,
		CreatedAt:   now,
		RowCount:    totalRows,
		SizeBytes:   len(data),
	}, nil
}

func (c *Compactor) syncedUserTables(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table'
		  AND name NOT LIKE 'sync_%'
		  AND name NOT LIKE 'sqlite_%'
		  AND name NOT LIKE 'bundle_%'`)
	if err != nil {
		return nil, errs.NewDatabaseError("list user tables", "synced_user_tables", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errs.NewDatabaseError("scan table name", "synced_user_tables", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (c *Compactor) dumpTable(ctx context.Context, table string) ([][]any, []string, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s", table))
	if err != nil {
		return nil, nil, errs.NewDatabaseError(fmt.Sprintf("dump table %s", table), "dump_table", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, errs.NewDatabaseError(fmt.Sprintf("read columns for %s", table), "dump_table", err)
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, errs.NewDatabaseError(fmt.Sprintf("scan row of %s", table), "dump_table", err)
		}
		out = append(out, values)
	}
	return out, columns, rows.Err()
}

// CleanupOldSnapshots keeps only the keepCount most recent snapshots.
func (c *Compactor) CleanupOldSnapshots(ctx context.Context, keepCount int) (int, error) {
	res, err := c.db.ExecContext(ctx, `
		DELETE FROM sync_snapshots
		WHERE snapshot_id NOT IN (
			SELECT snapshot_id FROM sync_snapshots ORDER BY created_at DESC LIMIT ?
		)`, keepCount)
	if err != nil {
		return 0, errs.NewDatabaseError("cleanup old snapshots", "cleanup_old_snapshots", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, errs.NewDatabaseError("cleanup old snapshots", "cleanup_old_snapshots", err)
	}
	return int(deleted), nil
}
