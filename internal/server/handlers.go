package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"outlook-organiser/internal/classifier"
	"outlook-organiser/internal/database"
)

// handlePendingSuggestions returns the review queue, oldest first, with the
// email each suggestion belongs to.
func (s *Server) handlePendingSuggestions(w http.ResponseWriter, r *http.Request) {
	suggestions, err := s.db.Suggestions.GetPending()
	if err != nil {
		s.logger.Error("pending suggestions query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load pending suggestions")
		return
	}

	ids := make([]string, 0, len(suggestions))
	for i := range suggestions {
		ids = append(ids, suggestions[i].EmailID)
	}
	emails, err := s.db.Emails.GetEmailsBatch(ids)
	if err != nil {
		s.logger.Error("suggestion email lookup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load suggestion emails")
		return
	}
	byID := make(map[string]*database.Email, len(emails))
	for i := range emails {
		byID[emails[i].ID] = &emails[i]
	}

	type pendingItem struct {
		Suggestion database.Suggestion `json:"suggestion"`
		Email      *database.Email     `json:"email,omitempty"`
	}
	items := make([]pendingItem, 0, len(suggestions))
	for i := range suggestions {
		items = append(items, pendingItem{
			Suggestion: suggestions[i],
			Email:      byID[suggestions[i].EmailID],
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":       len(items),
		"suggestions": items,
	})
}

type approveRequest struct {
	Folder     *string `json:"folder,omitempty"`
	Priority   *string `json:"priority,omitempty"`
	ActionType *string `json:"action_type,omitempty"`
}

// handleApproveSuggestion resolves a pending suggestion, optionally with
// user overrides, then carries the decision out to the mailbox.
func (s *Server) handleApproveSuggestion(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid suggestion id")
		return
	}

	var req approveRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Priority != nil && !validPriority(*req.Priority) {
		s.writeError(w, http.StatusBadRequest, "invalid priority")
		return
	}
	if req.ActionType != nil && !validActionType(*req.ActionType) {
		s.writeError(w, http.StatusBadRequest, "invalid action_type")
		return
	}
	if req.Folder != nil && strings.TrimSpace(*req.Folder) == "" {
		s.writeError(w, http.StatusBadRequest, "folder must not be empty")
		return
	}

	ok, err := s.db.Suggestions.Approve(id, req.Folder, req.Priority, req.ActionType)
	if err != nil {
		s.logger.Error("suggestion approval failed", "suggestion_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to approve suggestion")
		return
	}
	if !ok {
		s.writeError(w, http.StatusConflict, "suggestion not pending")
		return
	}

	suggestion, err := s.db.Suggestions.Get(id)
	if err != nil || suggestion == nil {
		s.logger.Error("approved suggestion reload failed", "suggestion_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load approved suggestion")
		return
	}

	resp := map[string]interface{}{"suggestion": suggestion, "applied": false}
	if s.applier != nil {
		email, err := s.db.Emails.GetEmail(suggestion.EmailID)
		switch {
		case err != nil:
			s.logger.Error("approved email lookup failed", "suggestion_id", id, "error", err)
			resp["apply_error"] = err.Error()
		case email == nil:
			resp["apply_error"] = "email not found"
		default:
			folder := valueOr(suggestion.ApprovedFolder, suggestion.SuggestedFolder)
			priority := valueOr(suggestion.ApprovedPriority, suggestion.SuggestedPriority)
			actionType := valueOr(suggestion.ApprovedActionType, suggestion.SuggestedActionType)
			if err := s.applier.Apply(r.Context(), email, folder, priority, actionType); err != nil {
				s.logger.Error("mailbox apply failed", "suggestion_id", id, "error", err)
				resp["apply_error"] = err.Error()
			} else {
				resp["applied"] = true
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func valueOr(approved *string, suggested string) string {
	if approved != nil && *approved != "" {
		return *approved
	}
	return suggested
}

// handleRejectSuggestion resolves a pending suggestion as rejected. The
// email stays where it is.
func (s *Server) handleRejectSuggestion(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid suggestion id")
		return
	}

	ok, err := s.db.Suggestions.Reject(id)
	if err != nil {
		s.logger.Error("suggestion rejection failed", "suggestion_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to reject suggestion")
		return
	}
	if !ok {
		s.writeError(w, http.StatusConflict, "suggestion not pending")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": "rejected"})
}

// handleFailedEmails lists emails whose classification exhausted its
// attempt budget.
func (s *Server) handleFailedEmails(w http.ResponseWriter, r *http.Request) {
	emails, err := s.db.Emails.GetFailedEmails(100)
	if err != nil {
		s.logger.Error("failed email query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load failed emails")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":  len(emails),
		"emails": emails,
	})
}

type reclassifyRequest struct {
	Scope      string `json:"scope,omitempty"`
	Folder     string `json:"folder"`
	Priority   string `json:"priority"`
	ActionType string `json:"action_type"`
}

// handleReclassify applies a user classification to one email or its whole
// thread and moves the message accordingly.
func (s *Server) handleReclassify(w http.ResponseWriter, r *http.Request) {
	if !s.reclassify.Allow() {
		s.writeError(w, http.StatusTooManyRequests, "too many reclassification requests")
		return
	}

	emailID := chi.URLParam(r, "id")

	var req reclassifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Scope == "" {
		req.Scope = database.ReclassifyScopeSingle
	}
	if req.Scope != database.ReclassifyScopeSingle && req.Scope != database.ReclassifyScopeThread {
		s.writeError(w, http.StatusBadRequest, "scope must be single or thread")
		return
	}
	if strings.TrimSpace(req.Folder) == "" {
		s.writeError(w, http.StatusBadRequest, "folder is required")
		return
	}
	if !validPriority(req.Priority) {
		s.writeError(w, http.StatusBadRequest, "invalid priority")
		return
	}
	if !validActionType(req.ActionType) {
		s.writeError(w, http.StatusBadRequest, "invalid action_type")
		return
	}

	email, err := s.db.Emails.GetEmail(emailID)
	if err != nil {
		s.logger.Error("email lookup failed", "email_id", emailID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load email")
		return
	}
	if email == nil {
		s.writeError(w, http.StatusNotFound, "email not found")
		return
	}

	updated := 1
	if req.Scope == database.ReclassifyScopeThread {
		updated, err = s.db.ReclassifyThread(email.ConversationID, req.Folder, req.Priority, req.ActionType)
	} else {
		_, err = s.db.ReclassifyEmail(emailID, req.Folder, req.Priority, req.ActionType)
	}
	if err != nil {
		s.logger.Error("reclassification failed", "email_id", emailID, "scope", req.Scope, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to reclassify email")
		return
	}

	if err := s.db.Audit.LogAction("", database.ActionReclassify, emailID, database.TriggeredByUser,
		database.ReclassifyActionDetail{
			Scope:      req.Scope,
			Folder:     req.Folder,
			Priority:   req.Priority,
			ActionType: req.ActionType,
		}); err != nil {
		s.logger.Warn("reclassify audit entry failed", "email_id", emailID, "error", err)
	}

	resp := map[string]interface{}{
		"email_id": emailID,
		"scope":    req.Scope,
		"updated":  updated,
		"applied":  false,
	}
	if s.applier != nil {
		if err := s.applier.Apply(r.Context(), email, req.Folder, req.Priority, req.ActionType); err != nil {
			s.logger.Error("mailbox apply failed", "email_id", emailID, "error", err)
			resp["apply_error"] = err.Error()
		} else {
			resp["applied"] = true
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleStatus reports degradation state, the last triage cycle, and queue
// depths.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshot := s.status.Degradation().Snapshot()

	cycle, err := s.status.LastCycle()
	if err != nil {
		s.logger.Error("cycle state load failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load cycle state")
		return
	}

	pending, err := s.db.Suggestions.GetPending()
	if err != nil {
		s.logger.Error("pending suggestions query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load pending suggestions")
		return
	}
	failed, err := s.db.Emails.GetFailedEmails(100)
	if err != nil {
		s.logger.Error("failed email query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load failed emails")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"degradation":         snapshot,
		"last_cycle":          cycle,
		"pending_suggestions": len(pending),
		"failed_emails":       len(failed),
	})
}

// handleHealth reports liveness of the store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func validPriority(p string) bool {
	for _, v := range classifier.Priorities {
		if p == v {
			return true
		}
	}
	return false
}

func validActionType(a string) bool {
	for _, v := range classifier.ActionTypes {
		if a == v {
			return true
		}
	}
	return false
}
