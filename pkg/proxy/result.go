package proxy

import (
	"database/sql"
	"fmt"

	"github.com/go-mysql-org/go-mysql/mysql"
)

// buildResultset converts database/sql rows from the backend session into
// a go-mysql text resultset the wire protocol can frame back to the client.
func buildResultset(rows *sql.Rows) (*mysql.Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("proxy: read columns: %w", err)
	}

	var values [][]interface{}
	for rows.Next() {
		raw := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("proxy: scan row: %w", err)
		}
		values = append(values, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("proxy: row iteration: %w", err)
	}

	rs, err := mysql.BuildSimpleTextResultset(cols, values)
	if err != nil {
		return nil, fmt.Errorf("proxy: build resultset: %w", err)
	}
	return &mysql.Result{Resultset: rs}, nil
}
