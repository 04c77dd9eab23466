// Package api implements WolfScale's admin surface: a plain JSON HTTP API
// (not gRPC — see SPEC_FULL.md's DOMAIN STACK notes on why the cluster and
// admin wire formats stay off gRPC/protobuf) used by wolfctl and, for the
// write endpoints, internally by operators bypassing the MySQL proxy.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wolfsoftwaresystems/wolfscale/pkg/events"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/log"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/metrics"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/types"
	"github.com/wolfsoftwaresystems/wolfscale/pkg/wal"
)

// Membership is the narrow slice of pkg/membership.Controller the admin API
// reports on.
type Membership interface {
	Self() types.PeerInfo
	Peers() []types.PeerInfo
	Term() uint64
	IsLeader() bool
}

// Writer commits a client-submitted statement through the leader's single
// write path (local if this node is leader, forwarded otherwise), mirroring
// pkg/proxy's routing.
type Writer interface {
	CommitLocal(ctx context.Context, statement string, args []interface{}, database string) (rowsAffected, lastInsertID int64, err error)
	ForwardWrite(ctx context.Context, statement string, args []interface{}, database string) (rowsAffected, lastInsertID int64, ok bool, errMsg string, err error)
}

// WALSource reports WAL stats for /status.
type WALSource interface {
	Stats() wal.Stats
}

// EventSource backs GET /events with the broker's recent role/membership
// history.
type EventSource interface {
	Recent() []events.Event
}

// Server is the admin HTTP server: GET /health, /status, /cluster,
// /cluster/nodes, /events, and POST /write/{insert,update,delete,ddl}.
type Server struct {
	members  Membership
	writer   Writer
	walSrc   WALSource
	eventLog EventSource
	mux      *http.ServeMux
	srv      *http.Server
}

// New builds the admin server bound to bindAddr. No router library is
// wired: the handful of static routes don't warrant one, and nothing else in
// the corpus reaches for one for a surface this small.
func New(bindAddr string, members Membership, writer Writer, walSrc WALSource, eventLog EventSource) *Server {
	s := &Server{members: members, writer: writer, walSrc: walSrc, eventLog: eventLog, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /health", metrics.HealthHandler())
	s.mux.HandleFunc("GET /status", s.handleStatus)
	s.mux.HandleFunc("GET /cluster", s.handleCluster)
	s.mux.HandleFunc("GET /cluster/nodes", s.handleClusterNodes)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("POST /write/insert", s.handleWrite("insert"))
	s.mux.HandleFunc("POST /write/update", s.handleWrite("update"))
	s.mux.HandleFunc("POST /write/delete", s.handleWrite("delete"))
	s.mux.HandleFunc("POST /write/ddl", s.handleWrite("ddl"))

	s.srv = &http.Server{
		Addr:         bindAddr,
		Handler:      instrument(s.mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	logger := log.WithComponent("api")
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", s.srv.Addr).Msg("admin API listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: serve: %w", err)
	}
	return nil
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(timer.Duration().Seconds())
		metrics.APIRequestsTotal.WithLabelValues(r.Method, fmt.Sprintf("%d", rw.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

type statusResponse struct {
	NodeID         string `json:"node_id"`
	Role           string `json:"role"`
	Status         string `json:"status"`
	Term           uint64 `json:"term"`
	IsLeader       bool   `json:"is_leader"`
	LastAppliedLSN uint64 `json:"last_applied_lsn"`
	HeadLSN        uint64 `json:"head_lsn"`
	FloorLSN       uint64 `json:"floor_lsn"`
	SegmentsTotal  int    `json:"segments_total"`
	SealedBytes    int64  `json:"sealed_bytes"`
	OpenTailBytes  int64  `json:"open_tail_bytes"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	self := s.members.Self()
	stats := s.walSrc.Stats()
	writeJSON(w, http.StatusOK, statusResponse{
		NodeID:         self.ID,
		Role:           string(self.Role),
		Status:         string(self.Status),
		Term:           s.members.Term(),
		IsLeader:       s.members.IsLeader(),
		LastAppliedLSN: self.LastAppliedLSN,
		HeadLSN:        stats.HeadLSN,
		FloorLSN:       stats.FloorLSN,
		SegmentsTotal:  stats.SegmentCount,
		SealedBytes:    stats.SealedBytes,
		OpenTailBytes:  stats.OpenTailBytes,
	})
}

type clusterResponse struct {
	Term     uint64 `json:"term"`
	LeaderID string `json:"leader_id,omitempty"`
	Size     int    `json:"size"`
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	peers := s.members.Peers()
	resp := clusterResponse{Term: s.members.Term(), Size: len(peers)}
	for _, p := range peers {
		if p.Role == types.RoleLeader {
			resp.LeaderID = p.ID
			break
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.members.Peers())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eventLog.Recent())
}

type writeRequest struct {
	Table      string                 `json:"table,omitempty"`
	Columns    []string               `json:"columns,omitempty"`
	Values     []interface{}          `json:"values,omitempty"`
	Set        map[string]interface{} `json:"set,omitempty"`
	KeyColumns []string               `json:"key_columns,omitempty"`
	KeyValues  []interface{}          `json:"key_values,omitempty"`
	Statement  string                 `json:"statement,omitempty"`
	Database   string                 `json:"database,omitempty"`
}

type writeResponse struct {
	RowsAffected int64 `json:"rows_affected"`
	LastInsertID int64 `json:"last_insert_id"`
}

// handleWrite builds the statement text for one of insert/update/delete/ddl
// from the typed request body and commits it through the leader's write
// path, forwarding when this node isn't the leader.
func (s *Server) handleWrite(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req writeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed request body: %v", err))
			return
		}

		stmt, args, err := buildStatement(kind, req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		ctx := r.Context()
		var affected, lastID int64
		if s.members.IsLeader() {
			affected, lastID, err = s.writer.CommitLocal(ctx, stmt, args, req.Database)
		} else {
			var ok bool
			var errMsg string
			affected, lastID, ok, errMsg, err = s.writer.ForwardWrite(ctx, stmt, args, req.Database)
			if err == nil && !ok {
				err = fmt.Errorf("forwarded write failed: %s", errMsg)
			}
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, writeResponse{RowsAffected: affected, LastInsertID: lastID})
	}
}

func buildStatement(kind string, req writeRequest) (string, []interface{}, error) {
	switch kind {
	case "insert":
		if req.Table == "" || len(req.Columns) != len(req.Values) {
			return "", nil, fmt.Errorf("insert: table and matching columns/values are required")
		}
		placeholders := make([]string, len(req.Values))
		for i := range placeholders {
			placeholders[i] = "?"
		}
		return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", req.Table, joinColumns(req.Columns), joinColumns(placeholders)), req.Values, nil

	case "update":
		if req.Table == "" || len(req.Set) == 0 || len(req.KeyColumns) != len(req.KeyValues) {
			return "", nil, fmt.Errorf("update: table, set, and matching key_columns/key_values are required")
		}
		var sets []string
		var args []interface{}
		for col, val := range req.Set {
			sets = append(sets, col+" = ?")
			args = append(args, val)
		}
		where, whereArgs := keyPredicate(req.KeyColumns, req.KeyValues)
		args = append(args, whereArgs...)
		return fmt.Sprintf("UPDATE %s SET %s WHERE %s", req.Table, joinColumns(sets), where), args, nil

	case "delete":
		if req.Table == "" || len(req.KeyColumns) != len(req.KeyValues) {
			return "", nil, fmt.Errorf("delete: table and matching key_columns/key_values are required")
		}
		where, args := keyPredicate(req.KeyColumns, req.KeyValues)
		return fmt.Sprintf("DELETE FROM %s WHERE %s", req.Table, where), args, nil

	case "ddl":
		if req.Statement == "" {
			return "", nil, fmt.Errorf("ddl: statement is required")
		}
		return req.Statement, nil, nil

	default:
		return "", nil, fmt.Errorf("unknown write kind %q", kind)
	}
}

func keyPredicate(columns []string, values []interface{}) (string, []interface{}) {
	clauses := make([]string, len(columns))
	for i, col := range columns {
		clauses[i] = col + " = ?"
	}
	return joinColumnsWith(clauses, " AND "), values
}

func joinColumns(cols []string) string {
	return joinColumnsWith(cols, ", ")
}

func joinColumnsWith(cols []string, sep string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += sep
		}
		out += c
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
