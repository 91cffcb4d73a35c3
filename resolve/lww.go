package resolve

import (
	"reflect"

	"github.com/Shivay00001/sqlite-sync-core/codec"
	"github.com/Shivay00001/sqlite-sync-core/oplog"
)

// RowLWW resolves a conflict by taking the entirety of whichever side's HLC
// is greater — the loser's changes are discarded wholesale.
type RowLWW struct{}

func (RowLWW) Name() string      { return "LWW_ROW" }
func (RowLWW) AutoResolve() bool { return true }

func (RowLWW) Resolve(local, remote oplog.Operation) (map[string]any, error) {
	localHLC, err := local.ParsedHLC()
	if err != nil {
		return nil, err
	}
	remoteHLC, err := remote.ParsedHLC()
	if err != nil {
		return nil, err
	}
	if remoteHLC.Greater(localHLC) {
		return decodeValues(remote.NewValues)
	}
	return decodeValues(local.NewValues)
}

// ColumnLWW resolves a conflict column by column: a column changed by only
// one side keeps that side's value; a column changed by both sides is
// decided by HLC. This is the default strategy (SPEC_FULL §4.7). A DELETE
// carries no new_values, so its side contributes no values and no changed
// columns: against a concurrent UPDATE the result is the UPDATE's values
// whichever HLC is greater, and a deletion is never applied through
// conflict resolution.
type ColumnLWW struct{}

func (ColumnLWW) Name() string      { return "LWW_COLUMN" }
func (ColumnLWW) AutoResolve() bool { return true }

func (ColumnLWW) Resolve(local, remote oplog.Operation) (map[string]any, error) {
	localHLC, err := local.ParsedHLC()
	if err != nil {
		return nil, err
	}
	remoteHLC, err := remote.ParsedHLC()
	if err != nil {
		return nil, err
	}
	remoteWins := remoteHLC.Greater(localHLC)

	lNew, err := decodeValues(local.NewValues)
	if err != nil {
		return nil, err
	}
	rNew, err := decodeValues(remote.NewValues)
	if err != nil {
		return nil, err
	}
	lOld, err := decodeValues(local.OldValues)
	if err != nil {
		return nil, err
	}
	rOld, err := decodeValues(remote.OldValues)
	if err != nil {
		return nil, err
	}

	lChanged := changedColumns(lNew, lOld)
	rChanged := changedColumns(rNew, rOld)

	merged := make(map[string]any, len(lNew))
	for k, v := range lNew {
		merged[k] = v
	}
	for k := range rNew {
		if _, ok := merged[k]; !ok {
			merged[k] = rNew[k]
		}
	}

	for k := range rChanged {
		if !lChanged[k] {
			merged[k] = rNew[k]
		} else if remoteWins {
			merged[k] = rNew[k]
		}
	}
	return merged, nil
}

func changedColumns(newVals, oldVals map[string]any) map[string]bool {
	changed := map[string]bool{}
	for k, v := range newVals {
		old, existed := oldVals[k]
		if !existed || !reflect.DeepEqual(old, v) {
			changed[k] = true
		}
	}
	return changed
}

func decodeValues(packed []byte) (map[string]any, error) {
	if packed == nil {
		return map[string]any{}, nil
	}
	return codec.DecodeMap(packed)
}
