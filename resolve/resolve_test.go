package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shivay00001/sqlite-sync-core/codec"
	"github.com/Shivay00001/sqlite-sync-core/oplog"
)

func packValues(t *testing.T, m map[string]any) []byte {
	t.Helper()
	data, err := codec.EncodeMap(m)
	require.NoError(t, err)
	return data
}

func opWithHLC(t *testing.T, hlc string, newValues, oldValues map[string]any) oplog.Operation {
	t.Helper()
	op := oplog.Operation{
		HLC:       hlc,
		TableName: "doc",
		NewValues: packValues(t, newValues),
	}
	if oldValues != nil {
		op.OldValues = packValues(t, oldValues)
	}
	return op
}

func TestRowLWWPicksLaterHLC(t *testing.T) {
	local := opWithHLC(t, "1000:0:aa", map[string]any{"content": "from_a"}, nil)
	remote := opWithHLC(t, "2000:0:bb", map[string]any{"content": "from_b"}, nil)

	merged, err := RowLWW{}.Resolve(local, remote)
	require.NoError(t, err)
	assert.Equal(t, "from_b", merged["content"])
}

func TestRowLWWKeepsLocalWhenLocalIsLater(t *testing.T) {
	local := opWithHLC(t, "5000:0:aa", map[string]any{"content": "from_a"}, nil)
	remote := opWithHLC(t, "2000:0:bb", map[string]any{"content": "from_b"}, nil)

	merged, err := RowLWW{}.Resolve(local, remote)
	require.NoError(t, err)
	assert.Equal(t, "from_a", merged["content"])
}

func TestColumnLWWMergesDisjointColumnChanges(t *testing.T) {
	old := map[string]any{"name": "Initial", "age": int64(20), "city": "London"}
	local := opWithHLC(t, "1000:0:aa", map[string]any{"name": "Updated-By-A", "age": int64(20), "city": "London"}, old)
	remote := opWithHLC(t, "2000:0:bb", map[string]any{"name": "Initial", "age": int64(20), "city": "Paris"}, old)

	merged, err := ColumnLWW{}.Resolve(local, remote)
	require.NoError(t, err)
	assert.Equal(t, "Updated-By-A", merged["name"])
	assert.Equal(t, "Paris", merged["city"])
	assert.Equal(t, int64(20), merged["age"])
}

func TestColumnLWWBreaksSameColumnTieByHLC(t *testing.T) {
	old := map[string]any{"content": "original"}
	local := opWithHLC(t, "1000:0:aa", map[string]any{"content": "from_a"}, old)
	remote := opWithHLC(t, "2000:0:bb", map[string]any{"content": "from_b"}, old)

	merged, err := ColumnLWW{}.Resolve(local, remote)
	require.NoError(t, err)
	assert.Equal(t, "from_b", merged["content"])
}

func TestManualResolverDeclinesAndKeepsLocal(t *testing.T) {
	local := opWithHLC(t, "1000:0:aa", map[string]any{"content": "from_a"}, nil)
	remote := opWithHLC(t, "2000:0:bb", map[string]any{"content": "from_b"}, nil)

	assert.False(t, Manual{}.AutoResolve())
	merged, err := Manual{}.Resolve(local, remote)
	require.NoError(t, err)
	assert.Equal(t, "from_a", merged["content"])
}

func TestCustomResolverDelegatesToCallback(t *testing.T) {
	called := false
	c := Custom{
		StrategyName: "CUSTOM_TEST",
		Fn: func(local, remote map[string]any, tableName string) (map[string]any, error) {
			called = true
			assert.Equal(t, "doc", tableName)
			return map[string]any{"content": "merged"}, nil
		},
	}
	local := opWithHLC(t, "1000:0:aa", map[string]any{"content": "from_a"}, nil)
	remote := opWithHLC(t, "2000:0:bb", map[string]any{"content": "from_b"}, nil)

	merged, err := c.Resolve(local, remote)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "merged", merged["content"])
	assert.Equal(t, "CUSTOM_TEST", c.Name())
}
