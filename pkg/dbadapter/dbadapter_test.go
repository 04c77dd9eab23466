package dbadapter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/types"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/wal"
)

func TestRenderInsert(t *testing.T) {
	payload, err := json.Marshal(types.InsertPayload{
		Table:   "t",
		Columns: []string{"id", "v"},
		Values:  []interface{}{1, "x"},
	})
	require.NoError(t, err)

	stmt, args, err := render(wal.Entry{Kind: types.EntryInsert, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO t (id, v) VALUES (?,?)", stmt)
	assert.Equal(t, []interface{}{1, "x"}, args)
}

func TestRenderDelete(t *testing.T) {
	payload, err := json.Marshal(types.DeletePayload{
		Table:      "t",
		KeyColumns: []string{"id"},
		KeyValues:  []interface{}{1},
	})
	require.NoError(t, err)

	stmt, args, err := render(wal.Entry{Kind: types.EntryDelete, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "DELETE FROM t WHERE id = ?", stmt)
	assert.Equal(t, []interface{}{1}, args)
}

func TestRenderDDLPassesStatementVerbatim(t *testing.T) {
	payload, err := json.Marshal(types.DDLPayload{Statement: "ALTER TABLE t ADD COLUMN x INT"})
	require.NoError(t, err)

	stmt, args, err := render(wal.Entry{Kind: types.EntryDDL, Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, "ALTER TABLE t ADD COLUMN x INT", stmt)
	assert.Nil(t, args)
}

func TestRenderNoOpProducesNoStatement(t *testing.T) {
	stmt, args, err := render(wal.Entry{Kind: types.EntryNoOp})
	require.NoError(t, err)
	assert.Empty(t, stmt)
	assert.Nil(t, args)
}
