package bundle

import "github.com/Shivay00001/sqlite-sync-core/errs"

// Metadata is the single row describing a bundle's contents, per SPEC_FULL §4.5.
type Metadata struct {
	BundleID       [16]byte
	SourceDeviceID [16]byte
	CreatedAt      int64 // microsecond epoch
	SchemaVersion  int
	OpCount        int
	ContentHash    [32]byte
}

func (m Metadata) validate() error {
	if m.OpCount < 0 {
		return errs.NewValidationError("op_count must be non-negative", "op_count", m.OpCount)
	}
	return nil
}
