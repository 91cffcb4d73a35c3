package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeMapIsCanonical(t *testing.T) {
	a, err := EncodeMap(map[string]any{"name": "Item 1", "id": int64(1), "active": true})
	require.NoError(t, err)

	b, err := EncodeMap(map[string]any{"active": true, "id": int64(1), "name": "Item 1"})
	require.NoError(t, err)

	assert.Equal(t, a, b, "maps with the same entries in different insertion order must encode identically")
}

func TestEncodeDecodeMapRoundTrip(t *testing.T) {
	original := map[string]any{"city": "Paris", "age": int64(20)}

	encoded, err := EncodeMap(original)
	require.NoError(t, err)

	decoded, err := DecodeMap(encoded)
	require.NoError(t, err)

	reencoded, err := EncodeMap(decoded)
	require.NoError(t, err)

	assert.Equal(t, encoded, reencoded)
}

func TestEncodeDecodePKSingleColumn(t *testing.T) {
	encoded, err := EncodePK(int64(42))
	require.NoError(t, err)

	decoded, err := DecodePK(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.EqualValues(t, 42, decoded[0])
}

func TestEncodeDecodePKComposite(t *testing.T) {
	encoded, err := EncodePK("tenant-a", int64(7))
	require.NoError(t, err)

	decoded, err := DecodePK(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.EqualValues(t, "tenant-a", decoded[0])
	assert.EqualValues(t, 7, decoded[1])
}

func TestSHA256SequenceOrderSensitive(t *testing.T) {
	a := make([]byte, IDSize)
	b := make([]byte, IDSize)
	a[0] = 0x01
	b[0] = 0x02

	h1, err := SHA256Sequence([][]byte{a, b})
	require.NoError(t, err)
	h2, err := SHA256Sequence([][]byte{b, a})
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestSHA256SequenceRejectsWrongLength(t *testing.T) {
	_, err := SHA256Sequence([][]byte{{0x01, 0x02}})
	assert.Error(t, err)
}

func TestNewUUIDv7IsDistinctAndVersioned(t *testing.T) {
	first, err := NewUUIDv7()
	require.NoError(t, err)
	second, err := NewUUIDv7()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	// version nibble (high bits of byte 6) must read 0x7 per the UUIDv7 layout.
	assert.Equal(t, byte(0x7), first[6]>>4)
	assert.Equal(t, byte(0x7), second[6]>>4)
}
