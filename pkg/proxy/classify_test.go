package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		stmt string
		want Route
	}{
		{"SELECT * FROM t", RouteRead},
		{"  select id from t where x=1", RouteRead},
		{"SELECT * FROM t WHERE id = 1 FOR UPDATE", RouteWrite},
		{"INSERT INTO t VALUES (1)", RouteWrite},
		{"UPDATE t SET v = 1", RouteWrite},
		{"DELETE FROM t", RouteWrite},
		{"ALTER TABLE t ADD COLUMN x INT", RouteWrite},
		{"CALL my_proc()", RouteWrite},
		{"/* hint */ SELECT 1", RouteRead},
		{"SHOW TABLES", RouteWrite},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.stmt), c.stmt)
	}
}
