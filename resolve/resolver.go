// Package resolve implements conflict resolution (C7): deciding which
// values win when two concurrent operations touch the same row.
package resolve

import "github.com/Shivay00001/sqlite-sync-core/oplog"

// Resolver is a pluggable conflict resolution strategy.
type Resolver interface {
	// Resolve returns the merged column values to apply for the row both
	// local and remote touched concurrently.
	Resolve(local, remote oplog.Operation) (map[string]any, error)

	// Name identifies the strategy, recorded on sync_conflicts.resolution_strategy.
	Name() string

	// AutoResolve reports whether this strategy decides without human input.
	AutoResolve() bool
}

// CustomFunc is a user-supplied resolution callback: given the conflicting
// local/remote column values and the table name, it returns the values to
// apply.
type CustomFunc func(local, remote map[string]any, tableName string) (map[string]any, error)
