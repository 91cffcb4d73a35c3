package codec

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// EncodeMap serializes a column-name to value map into canonical bytes:
// keys are always emitted in sorted order so semantically equal maps
// produce byte-identical encodings regardless of how the caller built them.
func EncodeMap(values map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(values); err != nil {
		return nil, fmt.Errorf("encode value map: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMap parses bytes produced by EncodeMap back into a column map.
func DecodeMap(data []byte) (map[string]any, error) {
	var out map[string]any
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode value map: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
