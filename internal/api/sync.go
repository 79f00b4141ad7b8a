package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/BobbyCannon/cornerstone-go/internal/sync"
)

func sessionIDFromPath(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(r.PathValue("sessionID"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, into any) bool {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeClientError maps engine errors onto HTTP statuses. A missing or
// mismatched session reads as expired so the caller can start over.
func writeClientError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sync.ErrNoSession), errors.Is(err, sync.ErrSessionMismatch):
		writeError(w, http.StatusGone, ErrCodeSessionExpired, "session is not active")
	case errors.Is(err, sync.ErrSessionActive):
		writeError(w, http.StatusConflict, ErrCodeSessionBusy, "another session is active")
	default:
		logFor(r.Context()).Error("sync operation", "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "sync operation failed")
	}
}

func (s *Server) handleBeginSync(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid session id")
		return
	}
	var settings sync.Settings
	if !decodeBody(w, r, &settings) {
		return
	}

	client, err := s.beginSession(sessionID)
	if err != nil {
		writeError(w, http.StatusConflict, ErrCodeSessionBusy, err.Error())
		return
	}
	info, err := client.BeginSync(sessionID, settings)
	if err != nil {
		s.endSession(sessionID)
		writeClientError(w, r, err)
		return
	}
	s.metrics.RecordSessionStarted()
	logFor(r.Context()).Info("sync session started", "session", sessionID, "direction", settings.Direction)
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetChanges(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid session id")
		return
	}
	var req sync.Request
	if !decodeBody(w, r, &req) {
		return
	}
	client, ok := s.session(sessionID)
	if !ok {
		writeError(w, http.StatusGone, ErrCodeSessionExpired, "unknown session")
		return
	}
	page, err := client.GetChanges(sessionID, req)
	if err != nil {
		writeClientError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleApplyChanges(w http.ResponseWriter, r *http.Request) {
	s.handleApply(w, r, false)
}

func (s *Server) handleApplyCorrections(w http.ResponseWriter, r *http.Request) {
	s.handleApply(w, r, true)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request, corrections bool) {
	sessionID, err := sessionIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid session id")
		return
	}
	var objects []sync.Object
	if !decodeBody(w, r, &objects) {
		return
	}
	client, ok := s.session(sessionID)
	if !ok {
		writeError(w, http.StatusGone, ErrCodeSessionExpired, "unknown session")
		return
	}

	var issues []sync.Issue
	if corrections {
		issues, err = client.ApplyCorrections(sessionID, objects)
	} else {
		issues, err = client.ApplyChanges(sessionID, objects)
	}
	if err != nil {
		writeClientError(w, r, err)
		return
	}
	s.metrics.RecordChangesApplied(int64(len(objects) - len(issues)))
	if issues == nil {
		issues = []sync.Issue{}
	}
	writeJSON(w, http.StatusOK, issues)
}

func (s *Server) handleGetCorrections(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid session id")
		return
	}
	var issues []sync.Issue
	if !decodeBody(w, r, &issues) {
		return
	}
	client, ok := s.session(sessionID)
	if !ok {
		writeError(w, http.StatusGone, ErrCodeSessionExpired, "unknown session")
		return
	}
	page, err := client.GetCorrections(sessionID, issues)
	if err != nil {
		writeClientError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleEndSync(w http.ResponseWriter, r *http.Request) {
	sessionID, err := sessionIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid session id")
		return
	}
	client, ok := s.session(sessionID)
	if !ok {
		writeError(w, http.StatusGone, ErrCodeSessionExpired, "unknown session")
		return
	}
	stats, err := client.EndSync(sessionID)
	s.endSession(sessionID)
	if err != nil {
		writeClientError(w, r, err)
		return
	}
	logFor(r.Context()).Info("sync session ended", "session", sessionID,
		"changes", stats.Changes, "applied", stats.AppliedChanges)
	writeJSON(w, http.StatusOK, stats)
}
