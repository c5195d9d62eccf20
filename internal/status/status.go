// Package status exposes the daemon's local HTTP status API: a liveness
// probe plus authenticated read-only views of the rule table and the spawn
// history.
package status

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/casper2020/casper-inotify/internal/clock"
	"github.com/casper2020/casper-inotify/internal/engine"
	"github.com/casper2020/casper-inotify/internal/history"
)

// Daemon is the engine surface the status API reads from.
type Daemon interface {
	// Snapshot returns a consistent copy of the rule table.
	Snapshot() []engine.RuleStatus
	// Counts returns the good/bad view sizes.
	Counts() (good, bad int)
	// Identity returns the daemon host name and pid.
	Identity() clock.Identity
}

// Server holds the handler dependencies.
type Server struct {
	daemon    Daemon
	hist      *history.Store // nil when the history store is disabled
	logger    *slog.Logger
	startTime time.Time
}

// NewServer creates a status Server. hist may be nil.
func NewServer(d Daemon, hist *history.Store, logger *slog.Logger) *Server {
	return &Server{daemon: d, hist: hist, logger: logger, startTime: time.Now()}
}

// health is the /healthz response payload.
type health struct {
	Status    string  `json:"status"`
	Hostname  string  `json:"hostname"`
	PID       int     `json:"pid"`
	UptimeS   float64 `json:"uptime_s"`
	RulesGood int     `json:"rules_good"`
	RulesBad  int     `json:"rules_bad"`
}

// handleHealthz responds with the daemon liveness summary. No authentication.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	good, bad := s.daemon.Counts()
	id := s.daemon.Identity()
	s.writeJSON(w, http.StatusOK, health{
		Status:    "ok",
		Hostname:  id.Hostname,
		PID:       id.PID,
		UptimeS:   time.Since(s.startTime).Seconds(),
		RulesGood: good,
		RulesBad:  bad,
	})
}

// handleGetRules responds with the full rule table snapshot.
func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"rules": s.daemon.Snapshot()})
}

// handleGetHistory responds with recent spawn records, newest first. An
// empty list is returned when the history store is disabled.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records := []history.SpawnRecord{}
	if s.hist != nil {
		var err error
		records, err = s.hist.Recent(r.Context(), limit)
		if err != nil {
			s.logger.Error("status: history query failed", slog.Any("error", err))
			writeJSONError(w, http.StatusInternalServerError, "history query failed")
			return
		}
		if records == nil {
			records = []history.SpawnRecord{}
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"spawns": records})
}

// writeJSON encodes v as the response body.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("status: failed to encode response", slog.Any("error", err))
	}
}
