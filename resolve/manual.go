package resolve

import "github.com/Shivay00001/sqlite-sync-core/oplog"

// Manual declines to resolve automatically: it returns the local row's
// current values unchanged and leaves the conflict recorded as unresolved
// for an application to resolve later via ResolveConflict.
type Manual struct{}

func (Manual) Name() string      { return "MANUAL" }
func (Manual) AutoResolve() bool { return false }

func (Manual) Resolve(local, remote oplog.Operation) (map[string]any, error) {
	return decodeValues(local.NewValues)
}

// Custom delegates resolution to an application-supplied callback.
type Custom struct {
	Fn          CustomFunc
	StrategyName string
}

func (c Custom) Name() string {
	if c.StrategyName != "" {
		return c.StrategyName
	}
	return "CUSTOM"
}

func (c Custom) AutoResolve() bool { return true }

func (c Custom) Resolve(local, remote oplog.Operation) (map[string]any, error) {
	lNew, err := decodeValues(local.NewValues)
	if err != nil {
		return nil, err
	}
	rNew, err := decodeValues(remote.NewValues)
	if err != nil {
		return nil, err
	}
	return c.Fn(lNew, rNew, local.TableName)
}
