// Package dbadapter executes WAL entries against the local MariaDB/MySQL
// instance and reports its health. Per §9's "deep dispatch" design, Adapter
// is a capability-set interface with two variants: DirectAdapter (executes
// proxy-captured writes via database/sql) and BinlogAdapter (synthesises
// WAL entries by tailing the source's native replication stream). Both
// produce the same wal.Entry shape.
package dbadapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/config"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/metrics"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/types"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/wal"
)

// Session is a per-client routing target opened with client-supplied
// credentials, used by the proxy both to validate auth and to execute reads
// routed locally.
type Session interface {
	Query(ctx context.Context, statement string, args ...interface{}) (*sql.Rows, error)
	Exec(ctx context.Context, statement string, args ...interface{}) (sql.Result, error)
	Close() error
}

// Adapter is the capability set every ingestion mode implements.
type Adapter interface {
	// Execute applies one WAL entry to the local database.
	Execute(ctx context.Context, entry wal.Entry) error
	// Apply is like Execute but also reports the statement's affected-rows
	// and last-insert-id, for the leader's own commit path where a client
	// is waiting on those values.
	Apply(ctx context.Context, entry wal.Entry) (rowsAffected, lastInsertID int64, err error)
	// HealthPing is a lightweight liveness probe at heartbeat cadence.
	HealthPing(ctx context.Context) error
	// OpenSession validates credentials against the local DB and returns a
	// session the proxy can route client statements through.
	OpenSession(ctx context.Context, username, password, database string) (Session, error)
}

// DirectAdapter executes proxy-captured WAL entries against the local DB
// via database/sql + go-sql-driver/mysql.
type DirectAdapter struct {
	db  *sql.DB
	cfg config.DatabaseConfig
}

// Open connects to the local database, sizing the pool per cfg.PoolSize.
func Open(cfg config.DatabaseConfig) (*DirectAdapter, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/?parseTime=true&multiStatements=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbadapter: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetMaxIdleConns(cfg.PoolSize)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dbadapter: ping: %w", err)
	}
	return &DirectAdapter{db: db, cfg: cfg}, nil
}

// Execute renders and runs the statement implied by entry.Kind.
func (a *DirectAdapter) Execute(ctx context.Context, entry wal.Entry) error {
	_, _, err := a.Apply(ctx, entry)
	return err
}

// Apply renders and runs the statement implied by entry.Kind, reporting
// affected-rows and last-insert-id for callers that need them (the leader's
// own commit path; followers applying replicated entries use Execute and
// discard these).
func (a *DirectAdapter) Apply(ctx context.Context, entry wal.Entry) (int64, int64, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DBApplyDuration)

	stmt, args, err := render(entry)
	if err != nil {
		return 0, 0, fmt.Errorf("dbadapter: render entry at lsn %d: %w", entry.LSN, err)
	}
	if stmt == "" {
		return 0, 0, nil // NoOp: cursor still advances, nothing to execute
	}

	res, err := a.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return 0, 0, fmt.Errorf("dbadapter: apply entry at lsn %d: %w", entry.LSN, err)
	}
	affected, _ := res.RowsAffected()
	lastID, _ := res.LastInsertId()
	return affected, lastID, nil
}

// HealthPing runs a SELECT 1-equivalent probe.
func (a *DirectAdapter) HealthPing(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("dbadapter: health ping: %w", err)
	}
	return nil
}

// OpenSession opens a companion connection using the client-supplied
// credentials, which both validates auth and gives the proxy a session to
// route reads through.
func (a *DirectAdapter) OpenSession(ctx context.Context, username, password, database string) (Session, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", username, password, a.cfg.Host, a.cfg.Port, database)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("dbadapter: open session: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("dbadapter: auth failed: %w", err)
	}
	return &directSession{db: db}, nil
}

// Close releases the pool.
func (a *DirectAdapter) Close() error {
	return a.db.Close()
}

type directSession struct {
	db *sql.DB
}

func (s *directSession) Query(ctx context.Context, statement string, args ...interface{}) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, statement, args...)
}

func (s *directSession) Exec(ctx context.Context, statement string, args ...interface{}) (sql.Result, error) {
	return s.db.ExecContext(ctx, statement, args...)
}

func (s *directSession) Close() error {
	return s.db.Close()
}

// render builds the SQL statement and argument list for a WAL entry,
// mirroring the typed payload structs in pkg/types.
func render(entry wal.Entry) (string, []interface{}, error) {
	switch entry.Kind {
	case types.EntryInsert:
		var p types.InsertPayload
		if err := unmarshalPayload(entry.Payload, &p); err != nil {
			return "", nil, err
		}
		placeholders := strings.TrimRight(strings.Repeat("?,", len(p.Values)), ",")
		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", p.Table, strings.Join(p.Columns, ", "), placeholders)
		return stmt, p.Values, nil

	case types.EntryUpdate:
		var p types.UpdatePayload
		if err := unmarshalPayload(entry.Payload, &p); err != nil {
			return "", nil, err
		}
		var sets []string
		var args []interface{}
		for col, val := range p.Set {
			sets = append(sets, col+" = ?")
			args = append(args, val)
		}
		where, whereArgs := keyPredicate(p.KeyColumns, p.KeyValues)
		args = append(args, whereArgs...)
		stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s", p.Table, strings.Join(sets, ", "), where)
		return stmt, args, nil

	case types.EntryDelete:
		var p types.DeletePayload
		if err := unmarshalPayload(entry.Payload, &p); err != nil {
			return "", nil, err
		}
		where, args := keyPredicate(p.KeyColumns, p.KeyValues)
		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", p.Table, where)
		return stmt, args, nil

	case types.EntryDDL:
		var p types.DDLPayload
		if err := unmarshalPayload(entry.Payload, &p); err != nil {
			return "", nil, err
		}
		return p.Statement, nil, nil

	case types.EntryRawSQL:
		var p types.RawSQLPayload
		if err := unmarshalPayload(entry.Payload, &p); err != nil {
			return "", nil, err
		}
		return p.Statement, p.Args, nil

	case types.EntryNoOp:
		return "", nil, nil

	default:
		return "", nil, fmt.Errorf("unknown entry kind %d", entry.Kind)
	}
}

func keyPredicate(columns []string, values []interface{}) (string, []interface{}) {
	clauses := make([]string, len(columns))
	for i, col := range columns {
		clauses[i] = col + " = ?"
	}
	return strings.Join(clauses, " AND "), values
}

func unmarshalPayload(raw []byte, dst interface{}) error {
	return json.Unmarshal(raw, dst)
}
