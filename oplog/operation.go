// Package oplog implements the append-only operation log (C3): storage for
// and causal queries over the operations change capture and import produce.
package oplog

import (
	"bytes"

	"github.com/Shivay00001/sqlite-sync-core/clock"
)

// OpType enumerates the supported mutation kinds.
type OpType string

const (
	OpInsert OpType = "INSERT"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
)

// Operation is one immutable row of the log: a single captured or imported
// row mutation, per SPEC_FULL §3.
type Operation struct {
	OpID          [16]byte
	DeviceID      [16]byte
	ParentOpID    *[16]byte
	VectorClock   string // canonical JSON, sorted keys
	HLC           string // "wall_ms:counter:node_id"
	TableName     string
	OpType        OpType
	RowPK         []byte
	OldValues     []byte // nil for INSERT
	NewValues     []byte // nil for DELETE
	SchemaVersion int
	CreatedAt     int64 // microsecond epoch
	IsLocal       bool
	AppliedAt     *int64
}

// ParsedVectorClock parses the operation's canonical vector clock JSON.
func (op Operation) ParsedVectorClock() (*clock.VectorClock, error) {
	return clock.Parse(op.VectorClock)
}

// ParsedHLC parses the operation's packed HLC triple.
func (op Operation) ParsedHLC() (clock.HLC, error) {
	return clock.UnpackHLC(op.HLC)
}

// SortKey is the pipeline's canonical replay order:
// (vector_clock_sort_key, op_id) — see SPEC_FULL §4.6.
func SortKey(a, b Operation) int {
	avc, aerr := a.ParsedVectorClock()
	bvc, berr := b.ParsedVectorClock()
	if aerr == nil && berr == nil {
		if c := clock.Compare(avc, bvc); c != 0 {
			return c
		}
	}
	return bytes.Compare(a.OpID[:], b.OpID[:])
}
