package dbadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/config"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/log"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/types"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/wal"
)

// BinlogAdapter tails the source database's native replication stream and
// synthesises wal.PendingEntry values from row-level events, instead of
// capturing writes at the proxy. Mutually exclusive with proxy-driven
// writes at a given node: exactly one node per source cluster may run in
// this mode (§4.3).
type BinlogAdapter struct {
	direct *DirectAdapter
	syncer *replication.BinlogSyncer
	serverID uint32

	mu      sync.Mutex
	started bool
}

// NewBinlogAdapter wraps a DirectAdapter (used for health pings and session
// opening, which binlog mode still needs for the proxy's read path) with a
// binlog syncer seeded with a unique replication server ID.
func NewBinlogAdapter(direct *DirectAdapter, cfg config.DatabaseConfig, serverID uint32) *BinlogAdapter {
	syncerCfg := replication.BinlogSyncerConfig{
		ServerID: serverID,
		Flavor:   "mysql",
		Host:     cfg.Host,
		Port:     uint16(cfg.Port),
		User:     cfg.User,
		Password: cfg.Password,
	}
	return &BinlogAdapter{
		direct:   direct,
		syncer:   replication.NewBinlogSyncer(syncerCfg),
		serverID: serverID,
	}
}

// Tail starts streaming binlog events from the given position and invokes
// emit for every synthesised entry. Blocks until ctx is cancelled.
func (a *BinlogAdapter) Tail(ctx context.Context, pos mysql.Position, emit func(wal.PendingEntry)) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return fmt.Errorf("dbadapter: binlog tail already started")
	}
	a.started = true
	a.mu.Unlock()

	logger := log.WithComponent("dbadapter-binlog")

	streamer, err := a.syncer.StartSync(pos)
	if err != nil {
		return fmt.Errorf("dbadapter: start binlog sync: %w", err)
	}

	var currentTable string
	for {
		ev, err := streamer.GetEvent(ctx)
		if err != nil {
			return fmt.Errorf("dbadapter: read binlog event: %w", err)
		}

		switch e := ev.Event.(type) {
		case *replication.TableMapEvent:
			currentTable = string(e.Table)
		case *replication.RowsEvent:
			entry, ok := rowsEventToEntry(currentTable, e)
			if !ok {
				continue
			}
			emit(entry)
		default:
			logger.Debug().Str("event_type", fmt.Sprintf("%T", ev.Event)).Msg("ignoring non-row binlog event")
		}
	}
}

// rowsEventToEntry synthesises a single PendingEntry from a row event. Only
// the first row of a multi-row event is carried when more than one is
// present; replication events map 1:1 to proxy-side statements in the
// common case this adapter targets (row-based replication, single-row DML).
func rowsEventToEntry(table string, e *replication.RowsEvent) (wal.PendingEntry, bool) {
	if table == "" || len(e.Rows) == 0 {
		return wal.PendingEntry{}, false
	}

	switch e.Header.EventType {
	case replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		payload, err := marshalPayload(types.InsertPayload{Table: table, Values: e.Rows[0]})
		if err != nil {
			return wal.PendingEntry{}, false
		}
		return wal.PendingEntry{Kind: types.EntryInsert, Payload: payload}, true

	case replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		payload, err := marshalPayload(types.DeletePayload{Table: table, KeyValues: e.Rows[0]})
		if err != nil {
			return wal.PendingEntry{}, false
		}
		return wal.PendingEntry{Kind: types.EntryDelete, Payload: payload}, true

	case replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		if len(e.Rows) < 2 {
			return wal.PendingEntry{}, false
		}
		payload, err := marshalPayload(types.UpdatePayload{Table: table, KeyValues: e.Rows[0]})
		if err != nil {
			return wal.PendingEntry{}, false
		}
		return wal.PendingEntry{Kind: types.EntryUpdate, Payload: payload}, true

	default:
		return wal.PendingEntry{}, false
	}
}

func marshalPayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// HealthPing and OpenSession delegate to the companion DirectAdapter: the
// node still needs a session path for the proxy's reads even in binlog
// capture mode.
func (a *BinlogAdapter) HealthPing(ctx context.Context) error { return a.direct.HealthPing(ctx) }

func (a *BinlogAdapter) OpenSession(ctx context.Context, username, password, database string) (Session, error) {
	return a.direct.OpenSession(ctx, username, password, database)
}

// Execute is a no-op for BinlogAdapter: entries it produces are already
// applied on the source by the time they are observed, and this node is a
// leader in its own right for the WolfScale cluster built on top of that
// source — it does not re-apply them to the very DB it read them from.
func (a *BinlogAdapter) Execute(ctx context.Context, entry wal.Entry) error {
	return nil
}

// Apply mirrors Execute: a no-op reporting no affected rows.
func (a *BinlogAdapter) Apply(ctx context.Context, entry wal.Entry) (int64, int64, error) {
	return 0, 0, nil
}

// Close stops the syncer.
func (a *BinlogAdapter) Close() error {
	a.syncer.Close()
	return nil
}
