package codec

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodePK serializes a primary key value. A single-column key encodes the
// bare value; a composite key encodes as an ordered array in the table's
// declared primary-key column order (callers are responsible for supplying
// values in that order — see the replica/capture packages, which always
// resolve PK columns from the table schema rather than positionally).
func EncodePK(values ...any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	var err error
	switch len(values) {
	case 0:
		return nil, fmt.Errorf("encode primary key: no values given")
	case 1:
		err = enc.Encode(values[0])
	default:
		err = enc.Encode(values)
	}
	if err != nil {
		return nil, fmt.Errorf("encode primary key: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePK parses a primary key encoded by EncodePK. For a composite key it
// returns a []any of the component values in declared column order; for a
// single-column key it returns a one-element slice.
func DecodePK(data []byte) ([]any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	raw, err := dec.DecodeInterface()
	if err != nil {
		return nil, fmt.Errorf("decode primary key: %w", err)
	}
	if arr, ok := raw.([]any); ok {
		return arr, nil
	}
	return []any{raw}, nil
}
