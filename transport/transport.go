// Package transport declares the contract a peer transport must satisfy to
// move operations between replicas. It implements no transport itself — no
// HTTP, no WebSocket, no discovery (SPEC_FULL §1, §6) — those are external
// collaborators that depend on this package, not the other way around.
package transport

import (
	"context"

	"github.com/Shivay00001/sqlite-sync-core/oplog"
)

// HandshakeResult is what a peer returns from exchanging vector clocks: its
// current clock, its schema version, and the migrations it would need to
// replay if the local replica is behind.
type HandshakeResult struct {
	RemoteVectorClock    map[string]int64
	RemoteSchemaVersion  int
	PendingMigrationSQLs []string
}

// Result summarizes one sync round with a peer.
type Result struct {
	SentCount     int
	ReceivedCount int
	ConflictCount int
	Err           error
}

// Transport moves operations to and from a single remote peer. Every method
// takes a context so a caller-imposed deadline or cancellation can abort
// in-flight network I/O; the core never invents its own timeouts.
//
// Implementations are expected to live outside this module (HTTP, WebSocket,
// file-copy, or anything else) and serialize operations with every byte
// field hex-encoded and the vector clock as a JSON map, per the wire
// encoding this interface assumes.
type Transport interface {
	// Connect establishes the underlying connection to the peer.
	Connect(ctx context.Context) error

	// Disconnect closes the underlying connection.
	Disconnect(ctx context.Context) error

	// IsConnected reports whether the transport currently has a usable
	// connection.
	IsConnected() bool

	// Name identifies the transport for logging.
	Name() string

	// ExchangeVectorClock sends the local vector clock and schema version
	// and returns the peer's equivalent state.
	ExchangeVectorClock(ctx context.Context, localVC map[string]int64, localSchemaVersion int) (HandshakeResult, error)

	// SendOperations pushes operations to the peer, returning how many it
	// accepted.
	SendOperations(ctx context.Context, operations []oplog.Operation) (int, error)

	// ReceiveOperations returns operations the peer has queued for us.
	ReceiveOperations(ctx context.Context) ([]oplog.Operation, error)
}
