package codec

import (
	"crypto/sha256"
	"fmt"
)

// HashSize is the width, in bytes, of a SHA-256 digest.
const HashSize = 32

// SHA256 hashes a single byte slice.
func SHA256(data []byte) [HashSize]byte {
	return sha256.Sum256(data)
}

// SHA256Sequence concatenates a sequence of 16-byte operation ids, in the
// order given by the caller, and hashes the result. Bundle content hashes
// always pass ids pre-sorted in ascending byte order (see bundle.Generate);
// this function does not sort on the caller's behalf, so that callers which
// legitimately want a different deterministic order (e.g. tests asserting
// order-sensitivity) are not silently overridden.
func SHA256Sequence(opIDs [][]byte) ([HashSize]byte, error) {
	h := sha256.New()
	for i, id := range opIDs {
		if len(id) != IDSize {
			return [HashSize]byte{}, fmt.Errorf("sha256 sequence: operation id %d has length %d, want %d", i, len(id), IDSize)
		}
		h.Write(id)
	}
	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out, nil
}
