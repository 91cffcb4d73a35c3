// Package capture implements change capture (C4): per-table SQLite
// triggers that, on every local row mutation, atomically append a log
// entry and advance the replica's vector clock — all inside the user's own
// write transaction, exactly as SQLite itself executes the trigger.
package capture

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-sqlite3"

	"github.com/Shivay00001/sqlite-sync-core/clock"
	"github.com/Shivay00001/sqlite-sync-core/codec"
)

var (
	registryMu        sync.Mutex
	registeredDrivers = map[string]bool{}
)

// RegisterDriver registers, once per process, a sqlite3 driver variant
// named driverName whose connections expose the scalar functions the
// change-capture triggers call: uuid_v7, vector_clock_increment, hlc_now,
// pack_pk, pack_values, is_capture_disabled, set_capture_disabled.
//
// hlc is shared across every connection opened through this driver — one
// mutex-guarded clock per replica, per SPEC_FULL §5. The capture-disabled
// flag is deliberately NOT shared: it lives in a variable captured by this
// connection's ConnectHook closure alone, so suppressing capture on the
// connection driving an import never affects a concurrent local writer on
// another connection (SPEC_FULL §4.4, §5).
func RegisterDriver(driverName string, hlc *clock.HLClock) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if registeredDrivers[driverName] {
		return
	}
	registeredDrivers[driverName] = true

	sql.Register(driverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			var disabled int32

			if err := conn.RegisterFunc("uuid_v7", sqlUUIDv7, false); err != nil {
				return fmt.Errorf("register uuid_v7: %w", err)
			}
			if err := conn.RegisterFunc("vector_clock_increment", sqlVectorClockIncrement, true); err != nil {
				return fmt.Errorf("register vector_clock_increment: %w", err)
			}
			if err := conn.RegisterFunc("hlc_now", func(string) string { return hlc.Now().Pack() }, false); err != nil {
				return fmt.Errorf("register hlc_now: %w", err)
			}
			if err := conn.RegisterFunc("pack_pk", sqlPackPK, true); err != nil {
				return fmt.Errorf("register pack_pk: %w", err)
			}
			if err := conn.RegisterFunc("pack_values", sqlPackValues, true); err != nil {
				return fmt.Errorf("register pack_values: %w", err)
			}
			if err := conn.RegisterFunc("is_capture_disabled", func() int {
				if atomic.LoadInt32(&disabled) != 0 {
					return 1
				}
				return 0
			}, false); err != nil {
				return fmt.Errorf("register is_capture_disabled: %w", err)
			}
			if err := conn.RegisterFunc("set_capture_disabled", func(v int) int {
				if v != 0 {
					atomic.StoreInt32(&disabled, 1)
				} else {
					atomic.StoreInt32(&disabled, 0)
				}
				return v
			}, false); err != nil {
				return fmt.Errorf("register set_capture_disabled: %w", err)
			}
			return nil
		},
	})
}

func sqlUUIDv7() ([]byte, error) {
	id, err := codec.NewUUIDv7()
	if err != nil {
		return nil, err
	}
	return id[:], nil
}

func sqlVectorClockIncrement(deviceID []byte, vcJSON string) (string, error) {
	vc, err := clock.Parse(vcJSON)
	if err != nil {
		return "", fmt.Errorf("vector_clock_increment: %w", err)
	}
	next := vc.Increment(hex.EncodeToString(deviceID))
	return next.Serialize()
}

// sqlPackPK canonically encodes a primary key value. Triggers pass either
// the bare column value (single-column key) or json_array(...) text
// (composite key); this distinguishes the two by checking whether the
// input is a JSON-array-shaped string rather than by type alone, since a
// string primary key is itself a valid SQLite text argument.
func sqlPackPK(v any) ([]byte, error) {
	if s, ok := v.(string); ok {
		trimmed := strings.TrimSpace(s)
		if strings.HasPrefix(trimmed, "[") {
			var arr []any
			if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
				return codec.EncodePK(arr...)
			}
		}
	}
	return codec.EncodePK(v)
}

// sqlPackValues canonically encodes a column-value map. Triggers always
// pass json_object(...) text.
func sqlPackValues(v string) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal([]byte(v), &m); err != nil {
		return nil, fmt.Errorf("pack_values: %w", err)
	}
	return codec.EncodeMap(m)
}
