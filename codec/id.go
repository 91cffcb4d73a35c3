// Package codec implements the canonical binary encodings the replication
// core relies on for deterministic, cross-replica-identical bytes: primary
// keys, column value maps, content hashes, and time-ordered identifiers.
package codec

import "github.com/google/uuid"

// IDSize is the width, in bytes, of every device id, operation id, bundle
// id, conflict id, and import id in the system.
const IDSize = 16

// NewUUIDv7 mints a fresh 128-bit time-ordered identifier: the top 48 bits
// are a millisecond timestamp, the remaining 80 bits are random with the
// UUIDv7 version and variant tags patched in. Sorting by these bytes sorts
// by creation time.
func NewUUIDv7() ([IDSize]byte, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return [IDSize]byte{}, err
	}
	return [IDSize]byte(id), nil
}
