// Package replica wires the causality, operation log, change capture,
// bundle I/O, import pipeline, conflict resolution, schema evolution, and
// compaction components behind the Core API a transport, scheduler, or CLI
// consumes (SPEC_FULL §6). It owns no network I/O and no process-wide
// state: every piece of per-replica state (device id, vector clock, HLC) is
// explicit, held on the Replica value passed to every call (SPEC_FULL §9).
package replica

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync/atomic"

	"github.com/Shivay00001/sqlite-sync-core/bundle"
	"github.com/Shivay00001/sqlite-sync-core/capture"
	"github.com/Shivay00001/sqlite-sync-core/clock"
	"github.com/Shivay00001/sqlite-sync-core/codec"
	"github.com/Shivay00001/sqlite-sync-core/compaction"
	"github.com/Shivay00001/sqlite-sync-core/errs"
	"github.com/Shivay00001/sqlite-sync-core/importer"
	"github.com/Shivay00001/sqlite-sync-core/oplog"
	"github.com/Shivay00001/sqlite-sync-core/resolve"
	"github.com/Shivay00001/sqlite-sync-core/schema"
	"github.com/Shivay00001/sqlite-sync-core/telemetry"

	"go.uber.org/zap"
)

var driverCounter int64

// Config configures a Replica at Open time.
type Config struct {
	// Path is the embedded database file the replica reads and writes.
	Path string
	// Resolver handles conflicting concurrent writes. Defaults to
	// resolve.ColumnLWW{}, the reference default (SPEC_FULL §4.7).
	Resolver resolve.Resolver
}

// DefaultConfig returns a Config for the database file at path using the
// default column-level LWW resolver.
func DefaultConfig(path string) Config {
	return Config{Path: path, Resolver: resolve.ColumnLWW{}}
}

// Replica is one local-first replica of a synced embedded database: a
// single *sql.DB opened through a process-unique driver variant that wires
// in the change-capture scalar functions, plus the schema and compaction
// managers layered over it.
type Replica struct {
	db         *sql.DB
	hlc        *clock.HLClock
	resolver   resolve.Resolver
	schemaMgr  *schema.Manager
	compactor  *compaction.Compactor
	deviceID   [16]byte
	driverName string
	logger     *zap.Logger
}

// Open opens (creating if absent) the replica database at cfg.Path and
// registers its change-capture driver variant. It does not yet assign a
// device identity or create the auxiliary sync tables — call Initialize
// for that.
func Open(ctx context.Context, cfg Config) (*Replica, error) {
	if cfg.Resolver == nil {
		cfg.Resolver = resolve.ColumnLWW{}
	}

	hlc := clock.NewHLClock("uninitialized")
	driverName := fmt.Sprintf("sqlite-sync-%d", atomic.AddInt64(&driverCounter, 1))
	capture.RegisterDriver(driverName, hlc)

	db, err := sql.Open(driverName, cfg.Path)
	if err != nil {
		return nil, errs.NewDatabaseError("open replica database", "open", err)
	}
	db.SetMaxOpenConns(1)

	logger, err := telemetry.NewLogger(telemetry.DefaultLogConfig(driverName))
	if err != nil {
		return nil, errs.NewDatabaseError("create logger", "open", err)
	}

	return &Replica{db: db, hlc: hlc, resolver: cfg.Resolver, driverName: driverName, logger: logger}, nil
}

// Close releases the underlying database handle.
func (r *Replica) Close() error {
	_ = r.logger.Sync()
	return r.db.Close()
}

// Initialize creates the replica's auxiliary sync tables if absent, and
// assigns (or recovers) this replica's device identity. Calling it more
// than once is safe: an existing device id is reused rather than replaced,
// matching the reference implementation's idempotent bootstrap.
func (r *Replica) Initialize(ctx context.Context) ([16]byte, error) {
	for _, stmt := range oplog.AllSchemaStatements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return [16]byte{}, errs.NewDatabaseError("create sync tables", "initialize", err)
		}
	}

	var existing []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, oplog.MetadataKeyDeviceID).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		id, genErr := codec.NewUUIDv7()
		if genErr != nil {
			return [16]byte{}, errs.NewDatabaseError("generate device id", "initialize", genErr)
		}
		if _, execErr := r.db.ExecContext(ctx, `INSERT INTO sync_metadata (key, value) VALUES (?, ?)`,
			oplog.MetadataKeyDeviceID, id[:]); execErr != nil {
			return [16]byte{}, errs.NewDatabaseError("persist device id", "initialize", execErr)
		}
		emptyVC, vcErr := clock.New().Serialize()
		if vcErr != nil {
			return [16]byte{}, errs.NewDatabaseError("serialize initial vector clock", "initialize", vcErr)
		}
		if _, execErr := r.db.ExecContext(ctx, `INSERT INTO sync_metadata (key, value) VALUES (?, ?)`,
			oplog.MetadataKeyVectorClock, emptyVC); execErr != nil {
			return [16]byte{}, errs.NewDatabaseError("persist initial vector clock", "initialize", execErr)
		}
		r.deviceID = id
	case err != nil:
		return [16]byte{}, errs.NewDatabaseError("read device id", "initialize", err)
	default:
		copy(r.deviceID[:], existing)
	}

	r.hlc.SetNodeID(hex.EncodeToString(r.deviceID[:]))
	r.logger = r.logger.With(telemetry.DeviceID(hex.EncodeToString(r.deviceID[:])))

	schemaMgr, err := schema.NewManager(ctx, r.db)
	if err != nil {
		return [16]byte{}, err
	}
	r.schemaMgr = schemaMgr

	compactor, err := compaction.NewCompactor(ctx, r.db)
	if err != nil {
		return [16]byte{}, err
	}
	r.compactor = compactor

	return r.deviceID, nil
}

// DeviceID returns this replica's identity. Valid only after Initialize.
func (r *Replica) DeviceID() [16]byte { return r.deviceID }

// EnableSyncForTable installs change-capture triggers on tableName.
func (r *Replica) EnableSyncForTable(ctx context.Context, tableName string) error {
	return capture.EnableSyncForTable(ctx, r.db, tableName)
}

// IsSyncEnabled reports whether tableName already has change-capture
// triggers installed.
func (r *Replica) IsSyncEnabled(ctx context.Context, tableName string) (bool, error) {
	return capture.IsSyncEnabled(ctx, r.db, tableName)
}

// GenerateBundle writes every local operation peerDeviceID has not already
// received to a bundle file at outPath. ok is false if there was nothing
// new to send, in which case no file is written.
func (r *Replica) GenerateBundle(ctx context.Context, peerDeviceID [16]byte, outPath string) (path string, ok bool, err error) {
	path, err = bundle.Generate(ctx, r.db, peerDeviceID, outPath)
	if err != nil {
		return "", false, err
	}
	if path == "" {
		r.logger.Info("bundle generation skipped, nothing new for peer",
			telemetry.PeerID(hex.EncodeToString(peerDeviceID[:])))
		return "", false, nil
	}
	r.logger.Info("bundle generated",
		telemetry.PeerID(hex.EncodeToString(peerDeviceID[:])),
		zap.String("path", path))
	return path, true, nil
}

// ImportBundle validates and applies a bundle file, or reports it as
// already imported.
func (r *Replica) ImportBundle(ctx context.Context, path string) (importer.Result, error) {
	version, err := r.schemaMgr.CurrentVersion(ctx)
	if err != nil {
		return importer.Result{}, err
	}
	result, err := importer.ImportBundle(ctx, r.db, r.hlc, r.resolver, path, version)
	if err != nil {
		return importer.Result{}, err
	}
	if result.IsDuplicateBundle {
		r.logger.Info("bundle import skipped, already imported", telemetry.BundleID(hex.EncodeToString(result.BundleID[:])))
	} else {
		r.logger.Info("bundle imported",
			telemetry.BundleID(hex.EncodeToString(result.BundleID[:])),
			telemetry.Count(result.AppliedCount),
			zap.Int("conflict_count", result.ConflictCount),
			zap.Int("duplicate_count", result.DuplicateCount),
		)
	}
	return result, nil
}

// ApplyBatch applies operations received directly from sourceDeviceID
// (e.g. over a streaming transport), bypassing bundle files entirely. It
// shares ImportBundle's algorithm in full.
func (r *Replica) ApplyBatch(ctx context.Context, operations []oplog.Operation, sourceDeviceID [16]byte) (importer.Result, error) {
	result, err := importer.ApplyBatch(ctx, r.db, r.hlc, r.resolver, operations, sourceDeviceID, [16]byte{}, [32]byte{})
	if err != nil {
		return importer.Result{}, err
	}
	r.logger.Info("operation batch applied",
		telemetry.PeerID(hex.EncodeToString(sourceDeviceID[:])),
		telemetry.Count(result.AppliedCount),
		zap.Int("conflict_count", result.ConflictCount),
		zap.Int("duplicate_count", result.DuplicateCount),
	)
	return result, nil
}

// GetNewOperations returns local operations not dominated by sinceVC, the
// same selection GenerateBundle uses, for callers that want to stream
// operations themselves instead of going through a bundle file.
func (r *Replica) GetNewOperations(ctx context.Context, sinceVC *clock.VectorClock) ([]oplog.Operation, error) {
	serialized := "{}"
	if sinceVC != nil {
		s, err := sinceVC.Serialize()
		if err != nil {
			return nil, errs.NewDatabaseError("serialize since vector clock", "get_new_operations", err)
		}
		serialized = s
	}
	store := oplog.NewStore()
	return store.OpsSince(ctx, r.db, serialized)
}

// GetVectorClock returns the replica's current vector clock.
func (r *Replica) GetVectorClock(ctx context.Context) (*clock.VectorClock, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT value FROM sync_metadata WHERE key = ?`, oplog.MetadataKeyVectorClock).Scan(&raw)
	if err == sql.ErrNoRows {
		return clock.New(), nil
	}
	if err != nil {
		return nil, errs.NewDatabaseError("read vector clock", "get_vector_clock", err)
	}
	return clock.Parse(string(raw))
}

// GetUnresolvedConflicts returns every conflict still awaiting resolution.
func (r *Replica) GetUnresolvedConflicts(ctx context.Context) ([]importer.Conflict, error) {
	return importer.GetUnresolvedConflicts(ctx, r.db)
}

// ResolveConflict manually resolves conflictID in favor of "local" or
// "remote".
func (r *Replica) ResolveConflict(ctx context.Context, conflictID [16]byte, resolution string) error {
	if err := importer.ResolveConflict(ctx, r.db, conflictID, resolution); err != nil {
		return err
	}
	r.logger.Info("conflict resolved",
		telemetry.ConflictID(hex.EncodeToString(conflictID[:])),
		zap.String("resolution", resolution))
	return nil
}

// MigrateSchema records and applies an additive column migration.
func (r *Replica) MigrateSchema(ctx context.Context, tableName, columnName, columnType string, defaultValue any) (schema.Migration, error) {
	return r.schemaMgr.AddColumn(ctx, tableName, columnName, columnType, defaultValue)
}

// CheckCompatibility reports whether a peer at remoteSchemaVersion can sync
// with this replica without first receiving its pending migrations.
func (r *Replica) CheckCompatibility(ctx context.Context, remoteSchemaVersion int) (bool, error) {
	return r.schemaMgr.CheckCompatibility(ctx, remoteSchemaVersion)
}

// CompactLog prunes operations every known peer has acknowledged.
func (r *Replica) CompactLog(ctx context.Context, maxOps int) (compaction.Result, error) {
	return r.compactor.CompactLog(ctx, maxOps)
}

// CreateSnapshot captures point-in-time contents of tables (or every
// synced user table if nil) for bootstrapping a new device.
func (r *Replica) CreateSnapshot(ctx context.Context, tables []string) (compaction.Snapshot, error) {
	return r.compactor.CreateSnapshot(ctx, tables)
}

// RecordAcknowledgment records that peerDeviceID has acknowledged
// receiving operations up to and including opID, informing future
// CompactLog calls' pruning point.
func (r *Replica) RecordAcknowledgment(ctx context.Context, peerDeviceID, opID [16]byte) error {
	return r.compactor.RecordAcknowledgment(ctx, peerDeviceID, opID)
}
