package migration

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildInsertBatchSingleRow(t *testing.T) {
	stmt, args := buildInsertBatch("accounts", []string{"id", "name"}, [][]interface{}{
		{1, "alice"},
	})
	assert.Equal(t, "INSERT INTO `accounts` (`id`, `name`) VALUES (?,?)", stmt)
	assert.Equal(t, []interface{}{1, "alice"}, args)
}

func TestBuildInsertBatchMultiRow(t *testing.T) {
	stmt, args := buildInsertBatch("accounts", []string{"id"}, [][]interface{}{
		{1}, {2}, {3},
	})
	assert.Equal(t, "INSERT INTO `accounts` (`id`) VALUES (?), (?), (?)", stmt)
	assert.Equal(t, []interface{}{1, 2, 3}, args)
}

func TestSystemSchemasFiltered(t *testing.T) {
	assert.True(t, systemSchemas["information_schema"])
	assert.True(t, systemSchemas["mysql"])
	assert.False(t, systemSchemas["app_db"])
}
