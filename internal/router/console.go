package router

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mateus-silva/pgpool/internal/backend"
	"github.com/mateus-silva/pgpool/internal/wire"
)

// ConsoleHandler answers the small set of administrative queries
// supported by `local` storage routes, in the style of the corpus's own
// bucket/pool introspection endpoints — but framed as PostgreSQL simple
// query responses (RowDescription + DataRow* + CommandComplete) so any
// PostgreSQL client library can read them unmodified.
type ConsoleHandler struct {
	mgr *Manager
}

// NewConsoleHandler creates a console handler backed by the given
// manager's live pool state.
func NewConsoleHandler(mgr *Manager) *ConsoleHandler {
	return &ConsoleHandler{mgr: mgr}
}

// Handle executes a console query and returns the wire messages that make
// up its response, not including the trailing ReadyForQuery (the caller
// emits that once per console request regardless of outcome).
func (h *ConsoleHandler) Handle(query string) []*wire.Message {
	switch normalizeConsoleQuery(query) {
	case "SHOW POOLS":
		return h.showPools()
	case "SHOW CLIENTS":
		return h.showClients()
	case "SHOW SERVERS":
		return h.showServers()
	case "SHOW STATS":
		return h.showStats()
	default:
		return []*wire.Message{
			wire.BuildErrorResponse(wire.SeverityError, wire.SQLStateFeatureNotSupported,
				fmt.Sprintf("pgpool: unrecognized console command: %s", query)),
		}
	}
}

func (h *ConsoleHandler) showPools() []*wire.Message {
	cols := []string{"route", "active", "idle", "max_connections"}
	rows := make([][]string, 0)
	for _, s := range h.mgr.Stats() {
		rows = append(rows, []string{
			s.RouteID,
			itoaConsole(s.Active),
			itoaConsole(s.Idle),
			itoaConsole(s.Max),
		})
	}
	return buildResultSet(cols, rows, "SHOW")
}

func (h *ConsoleHandler) showClients() []*wire.Message {
	h.mgr.sessMu.Lock()
	defer h.mgr.sessMu.Unlock()

	cols := []string{"route", "backend_pid", "backend_key", "has_server"}
	rows := make([][]string, 0, len(h.mgr.sessions))
	for sk, entry := range h.mgr.sessions {
		rows = append(rows, []string{
			entry.routeID,
			itoaConsole(int(sk.pid)),
			itoaConsole(int(sk.key)),
			fmt.Sprintf("%t", entry.server != nil),
		})
	}
	return buildResultSet(cols, rows, "SHOW")
}

func (h *ConsoleHandler) showServers() []*wire.Message {
	h.mgr.sessMu.Lock()
	defer h.mgr.sessMu.Unlock()

	cols := []string{"route", "backend_pid", "state"}
	rows := make([][]string, 0)
	for _, entry := range h.mgr.sessions {
		if entry.server == nil {
			continue
		}
		pid, _ := entry.server.BackendKeyData()
		rows = append(rows, []string{
			entry.routeID,
			itoaConsole(int(pid)),
			serverStateName(entry.server.State()),
		})
	}
	return buildResultSet(cols, rows, "SHOW")
}

func (h *ConsoleHandler) showStats() []*wire.Message {
	cols := []string{"route", "active", "idle"}
	rows := make([][]string, 0)
	for _, s := range h.mgr.Stats() {
		rows = append(rows, []string{s.RouteID, itoaConsole(s.Active), itoaConsole(s.Idle)})
	}
	return buildResultSet(cols, rows, "SHOW")
}

// normalizeConsoleQuery trims whitespace/a trailing semicolon and folds
// case so "show pools;" and "SHOW POOLS" are equivalent.
func normalizeConsoleQuery(query string) string {
	q := strings.TrimSpace(query)
	q = strings.TrimSuffix(q, ";")
	return strings.ToUpper(strings.TrimSpace(q))
}

// buildResultSet frames a column/row set as a PostgreSQL simple-query
// response: RowDescription, one DataRow per row, then CommandComplete.
func buildResultSet(columns []string, rows [][]string, tag string) []*wire.Message {
	msgs := make([]*wire.Message, 0, len(rows)+2)
	msgs = append(msgs, wire.BuildRowDescription(columns))
	for _, row := range rows {
		msgs = append(msgs, wire.BuildDataRow(row))
	}
	msgs = append(msgs, wire.BuildCommandComplete(fmt.Sprintf("%s %d", tag, len(rows))))
	return msgs
}

func itoaConsole(n int) string {
	return strconv.Itoa(n)
}

func serverStateName(s backend.ConnState) string {
	switch s {
	case backend.ConnStateIdle:
		return "idle"
	case backend.ConnStateActive:
		return "active"
	case backend.ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
