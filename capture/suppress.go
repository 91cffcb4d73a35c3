package capture

import (
	"context"
	"database/sql"

	"github.com/Shivay00001/sqlite-sync-core/errs"
)

// WithSuppressed pins a single physical connection from db, disables change
// capture on it via set_capture_disabled, runs fn against that connection,
// then re-enables capture before releasing the connection back to the pool.
//
// Capture must be suppressed on the exact connection the import pipeline
// writes through — set_capture_disabled toggles a flag captured by that
// connection's own ConnectHook closure (SPEC_FULL §4.6, §5), so a fresh
// *sql.DB query on another pooled connection would leave this one
// unaffected.
func WithSuppressed(ctx context.Context, db *sql.DB, fn func(conn *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return errs.NewDatabaseError("acquire connection", "suppress_capture", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT set_capture_disabled(1)`); err != nil {
		return errs.NewDatabaseError("disable capture", "suppress_capture", err)
	}
	defer conn.ExecContext(ctx, `SELECT set_capture_disabled(0)`)

	return fn(conn)
}
