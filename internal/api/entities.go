package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tavstaldev/rebus-core/internal/audit"
	"github.com/tavstaldev/rebus-core/internal/entity"
	"github.com/tavstaldev/rebus-core/internal/syncengine"
)

// entityView is the JSON form of an entity for HTTP and WebSocket clients.
type entityView struct {
	Key       entity.Key            `json:"key"`
	Type      entity.RecordType     `json:"type"`
	ID        string                `json:"id"`
	Revision  uint64                `json:"revision"`
	Dirty     bool                  `json:"dirty"`
	Loading   bool                  `json:"loading"`
	UpdatedAt time.Time             `json:"updated_at,omitzero"`
	State     entity.State          `json:"state"`
	Sync      *syncengine.KeyStatus `json:"sync,omitempty"`
}

func newEntityView(snap entity.Snapshot, sync *syncengine.KeyStatus) entityView {
	return entityView{
		Key:       snap.Key,
		Type:      snap.Key.Type,
		ID:        snap.Key.ID.String(),
		Revision:  snap.Revision,
		Dirty:     snap.Dirty,
		Loading:   snap.Loading,
		UpdatedAt: snap.UpdatedAt,
		State:     snap.State,
		Sync:      sync,
	}
}

// keyParam builds the entity key from the {type} and {id} URL parameters,
// writing a 400 when they do not form a valid key.
func keyParam(w http.ResponseWriter, r *http.Request) (entity.Key, bool) {
	key, err := entity.NewKey(chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return entity.Key{}, false
	}
	return key, true
}

// handleGetEntity returns the current snapshot of an entity. An uncached
// entity is returned with loading=true while its load runs in the background.
func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	snap := s.registry.Read(key)

	var sync *syncengine.KeyStatus
	if ks, found := s.registry.KeyStatus(key); found {
		sync = &ks
	}
	writeJSON(w, http.StatusOK, newEntityView(snap, sync))
}

// handleRetryEntity clears the failure or backoff of one key.
func (s *Server) handleRetryEntity(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	retried := s.registry.Retry(key)
	s.logger.Info("operator retry", "key", key.String(), "retried", retried, "subject", subject(r))
	s.recordAudit(r, audit.ActionRetry, &key, map[string]any{"retried": retried})
	writeJSON(w, http.StatusOK, map[string]any{
		"key":     key,
		"retried": retried,
	})
}

// handleDeleteEntity deletes an entity. The delete is queued like any other
// write and reaches the store on the next flush.
func (s *Server) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	key, ok := keyParam(w, r)
	if !ok {
		return
	}
	snap, err := s.registry.Delete(key)
	if err != nil {
		if errors.Is(err, syncengine.ErrStopped) {
			writeUnavailable(w, "engine is stopped")
			return
		}
		s.logger.Error("operator delete failed", "key", key.String(), "error", err)
		writeInternalError(w, "delete failed")
		return
	}
	s.logger.Info("operator delete", "key", key.String(), "subject", subject(r))
	s.recordAudit(r, audit.ActionDelete, &key, map[string]any{"revision": snap.Revision})
	writeJSON(w, http.StatusAccepted, newEntityView(snap, nil))
}

func subject(r *http.Request) string {
	if claims := claimsFromContext(r.Context()); claims != nil {
		return claims.Subject
	}
	return ""
}
