package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tavstaldev/rebus-core/internal/audit"
	"github.com/tavstaldev/rebus-core/internal/syncengine"
)

// flushTimeout bounds POST /flush.
const flushTimeout = 30 * time.Second

// Health states.
const (
	healthOK       = "ok"
	healthDegraded = "degraded"
	healthStopped  = "stopped"
)

// handleHealth reports "degraded" while any key has failed permanently and
// "stopped" once the engine has shut down. Only "stopped" is a 503.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.registry.Status()

	status, code := healthOK, http.StatusOK
	switch {
	case st.Stopped:
		status, code = healthStopped, http.StatusServiceUnavailable
	case !st.Healthy():
		status = healthDegraded
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"failed_keys":    len(st.Failed),
		"ws_clients":     s.hub.ClientCount(),
	})
}

// handleStatus returns the full engine status.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Status())
}

// handleFlush writes every queued change and waits for the result.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), flushTimeout)
	defer cancel()

	n, err := s.registry.FlushNow(ctx)
	switch {
	case errors.Is(err, syncengine.ErrStopped):
		writeUnavailable(w, "engine is stopped")
		return
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, ErrCodeTimeout, "flush still running")
		return
	case err != nil:
		writeInternalError(w, err.Error())
		return
	}

	st := s.registry.Status()
	s.logger.Info("operator flush", "keys", n, "subject", subject(r))
	s.recordAudit(r, audit.ActionFlush, nil, map[string]any{"flushed": n})
	writeJSON(w, http.StatusOK, map[string]any{
		"flushed":        n,
		"pending_writes": st.PendingWrites,
		"failed_keys":    len(st.Failed),
	})
}

// handleRetryAll clears the failure of every failed key.
func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	n := s.registry.RetryAll()
	s.logger.Info("operator retry all", "keys", n, "subject", subject(r))
	s.recordAudit(r, audit.ActionRetryAll, nil, map[string]any{"retried": n})
	writeJSON(w, http.StatusOK, map[string]any{"retried": n})
}
