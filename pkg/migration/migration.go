// Package migration implements the consistent-dump bootstrap path a node
// parked in NeedsMigration uses to catch up from a live peer, per spec.md
// §4.8. It streams a snapshot of the source database under a single
// consistent-read transaction and replays it into the local database,
// then records the source's head_lsn as this node's last_applied_lsn.
package migration

import (
	"context"
	"fmt"
	"strings"
	"sync"

	gomysqlclient "github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/config"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/dbadapter"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/log"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/metrics"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/state"
)

var systemSchemas = map[string]bool{
	"information_schema": true,
	"performance_schema": true,
	"mysql":               true,
	"sys":                 true,
}

// Source identifies the peer a migration pulls from: its database endpoint
// and the head_lsn the dump is consistent with at the moment it starts.
type Source struct {
	Host    string
	Port    int
	HeadLSN uint64
}

// Service runs migrations into the local database. Concurrent migrations
// from different sources are serialised via mu, per §9's Open Question
// resolution: a node can only be mid-bootstrap from one source at a time.
type Service struct {
	dbCfg   config.DatabaseConfig
	direct  *dbadapter.DirectAdapter
	tracker *state.Tracker

	mu sync.Mutex
}

// New builds a migration service bound to the local database adapter and
// cursor store.
func New(dbCfg config.DatabaseConfig, direct *dbadapter.DirectAdapter, tracker *state.Tracker) *Service {
	return &Service{dbCfg: dbCfg, direct: direct, tracker: tracker}
}

// Migrate pulls a consistent snapshot from src and replays it locally. On
// any error the local database must be considered inconsistent: the caller
// should stay in NeedsMigration and the next Migrate call starts fresh,
// since this is idempotent only at full-restart granularity (§4.8).
func (s *Service) Migrate(ctx context.Context, src Source) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := log.WithComponent("migration")
	timer := metrics.NewTimer()
	defer func() {
		metrics.MigrationDuration.Observe(timer.Duration().Seconds())
		if err != nil {
			metrics.MigrationsTotal.WithLabelValues("failure").Inc()
		} else {
			metrics.MigrationsTotal.WithLabelValues("success").Inc()
		}
	}()

	addr := fmt.Sprintf("%s:%d", src.Host, src.Port)
	conn, err := gomysqlclient.Connect(addr, s.dbCfg.User, s.dbCfg.Password, "")
	if err != nil {
		return fmt.Errorf("migration: connect source %s: %w", addr, err)
	}
	defer conn.Close()

	if _, err := conn.Execute("SET SESSION TRANSACTION ISOLATION LEVEL REPEATABLE READ"); err != nil {
		return fmt.Errorf("migration: set isolation: %w", err)
	}
	if _, err := conn.Execute("START TRANSACTION WITH CONSISTENT SNAPSHOT"); err != nil {
		return fmt.Errorf("migration: start snapshot: %w", err)
	}
	defer conn.Execute("COMMIT")

	schemas, err := listSchemas(conn)
	if err != nil {
		return fmt.Errorf("migration: list schemas: %w", err)
	}

	for _, schema := range schemas {
		if err := s.migrateSchema(ctx, conn, schema); err != nil {
			return fmt.Errorf("migration: schema %s: %w", schema, err)
		}
	}

	if err := s.tracker.SetLastApplied(src.HeadLSN); err != nil {
		return fmt.Errorf("migration: record last_applied_lsn: %w", err)
	}
	logger.Info().Str("source", addr).Uint64("last_applied_lsn", src.HeadLSN).Msg("migration complete")
	return nil
}

func listSchemas(conn *gomysqlclient.Conn) ([]string, error) {
	res, err := conn.Execute("SHOW DATABASES")
	if err != nil {
		return nil, err
	}
	var out []string
	for i := 0; i < res.RowNumber(); i++ {
		name, err := res.GetStringByName(i, "Database")
		if err != nil {
			return nil, err
		}
		if systemSchemas[strings.ToLower(name)] {
			continue
		}
		out = append(out, name)
	}
	return out, nil
}

func (s *Service) migrateSchema(ctx context.Context, conn *gomysqlclient.Conn, schema string) error {
	if _, err := conn.Execute(fmt.Sprintf("USE `%s`", schema)); err != nil {
		return fmt.Errorf("use schema: %w", err)
	}

	local, err := s.direct.OpenSession(ctx, s.dbCfg.User, s.dbCfg.Password, schema)
	if err != nil {
		return fmt.Errorf("open local session: %w", err)
	}
	defer local.Close()

	if _, err := local.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", schema)); err != nil {
		return fmt.Errorf("create local schema: %w", err)
	}

	tables, err := listTables(conn)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}

	for _, table := range tables {
		if err := s.migrateTable(ctx, conn, local, schema, table); err != nil {
			return fmt.Errorf("table %s: %w", table, err)
		}
	}
	return nil
}

func listTables(conn *gomysqlclient.Conn) ([]string, error) {
	res, err := conn.Execute("SHOW TABLES")
	if err != nil {
		return nil, err
	}
	var out []string
	for i := 0; i < res.RowNumber(); i++ {
		name, err := res.GetString(i, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, nil
}

func (s *Service) migrateTable(ctx context.Context, conn *gomysqlclient.Conn, local dbadapter.Session, schema, table string) error {
	createRes, err := conn.Execute(fmt.Sprintf("SHOW CREATE TABLE `%s`", table))
	if err != nil {
		return fmt.Errorf("show create table: %w", err)
	}
	ddl, err := createRes.GetString(0, 1)
	if err != nil {
		return fmt.Errorf("read create table DDL: %w", err)
	}

	if _, err := local.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", table)); err != nil {
		return fmt.Errorf("drop existing local table: %w", err)
	}
	if _, err := local.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create local table: %w", err)
	}

	var cols []string
	var rowBatch [][]interface{}
	const batchSize = 500

	flush := func() error {
		if len(rowBatch) == 0 {
			return nil
		}
		stmt, args := buildInsertBatch(table, cols, rowBatch)
		if _, err := local.Exec(ctx, stmt, args...); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		rowBatch = rowBatch[:0]
		return nil
	}

	err = conn.ExecuteSelectStreaming(fmt.Sprintf("SELECT * FROM `%s`", table), &mysql.Result{}, func(row []mysql.FieldValue) error {
		if cols == nil {
			return nil
		}
		values := make([]interface{}, len(row))
		for i, fv := range row {
			values[i] = fv.Value()
		}
		rowBatch = append(rowBatch, values)
		if len(rowBatch) >= batchSize {
			return flush()
		}
		return nil
	}, func(result *mysql.Result) error {
		cols = make([]string, len(result.Fields))
		for i, f := range result.Fields {
			cols[i] = string(f.Name)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("stream rows: %w", err)
	}
	return flush()
}

func buildInsertBatch(table string, cols []string, rows [][]interface{}) (string, []interface{}) {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("`%s`", c)
	}
	placeholderRow := "(" + strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",") + ")"

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("INSERT INTO `%s` (%s) VALUES ", table, strings.Join(quoted, ", ")))

	var args []interface{}
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(placeholderRow)
		args = append(args, row...)
	}
	return sb.String(), args
}
