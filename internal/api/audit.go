package api

import (
	"net/http"
	"strconv"

	"github.com/tavstaldev/rebus-core/internal/audit"
	"github.com/tavstaldev/rebus-core/internal/entity"
)

// recordAudit stores an operator action. Failures are logged and never fail
// the request; the action has already happened.
func (s *Server) recordAudit(r *http.Request, action string, key *entity.Key, details map[string]any) {
	if s.audit == nil {
		return
	}
	e := &audit.Entry{
		Action:  action,
		Subject: subject(r),
		Details: details,
	}
	if key != nil {
		e.Key = key.String()
	}
	if err := s.audit.Record(r.Context(), e); err != nil {
		s.logger.Error("recording audit entry failed", "action", action, "error", err)
	}
}

// handleListAudit returns operator actions, newest first. Query parameters:
// action, key, limit and offset.
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeUnavailable(w, "audit trail is not configured")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{Action: q.Get("action")}
	if raw := q.Get("key"); raw != "" {
		key, err := entity.ParseKey(raw)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		filter.Key = key.String()
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeBadRequest(w, "invalid "+name)
			return
		}
		*dst = n
	}

	res, err := s.audit.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing audit entries failed", "error", err)
		writeInternalError(w, "listing audit entries failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
