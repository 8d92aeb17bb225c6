package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outlook-organiser/internal/database"
	"outlook-organiser/internal/engine"
	"outlook-organiser/internal/ratelimit"
)

type fakeStatus struct {
	degradation *engine.DegradationState
	cycle       *engine.CycleInfo
}

func (f *fakeStatus) Degradation() *engine.DegradationState { return f.degradation }
func (f *fakeStatus) LastCycle() (*engine.CycleInfo, error) { return f.cycle, nil }

type appliedMove struct {
	emailID    string
	folder     string
	priority   string
	actionType string
}

type fakeApplier struct {
	applied []appliedMove
	err     error
}

func (f *fakeApplier) Apply(ctx context.Context, email *database.Email, folder, priority, actionType string) error {
	if f.err != nil {
		return f.err
	}
	f.applied = append(f.applied, appliedMove{email.ID, folder, priority, actionType})
	return nil
}

func newTestServer(t *testing.T) (*Server, *database.DB, *fakeApplier) {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	applier := &fakeApplier{}
	status := &fakeStatus{
		degradation: engine.NewDegradationState(),
		cycle: &engine.CycleInfo{
			LastCycleAt: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
			LastCycleID: "cycle-1",
		},
	}
	logger := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	return New(db, status, applier, logger), db, applier
}

func seedEmail(t *testing.T, db *database.DB, id, conversationID string) {
	t.Helper()
	err := db.Emails.SaveEmail(&database.Email{
		ID:             id,
		ConversationID: conversationID,
		Subject:        "Quarterly budget review",
		SenderAddress:  "alice@example.com",
		SenderName:     "Alice",
		ReceivedAt:     time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC),
		Snippet:        "Could you look over the draft?",
		FolderPath:     "Inbox",
		Importance:     "normal",
	})
	require.NoError(t, err)
}

func seedSuggestion(t *testing.T, db *database.DB, emailID string) int64 {
	t.Helper()
	id, err := db.Suggestions.Create(emailID, "Projects/Budget", "P2 - Important", "Review", 0.85, "budget thread")
	require.NoError(t, err)
	return id
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestPendingSuggestionsListing(t *testing.T) {
	srv, db, _ := newTestServer(t)
	seedEmail(t, db, "e1", "conv-1")
	seedSuggestion(t, db, "e1")

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/suggestions/pending", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["count"])
	items := body["suggestions"].([]interface{})
	item := items[0].(map[string]interface{})
	assert.Equal(t, "e1", item["suggestion"].(map[string]interface{})["email_id"])
	assert.Equal(t, "Quarterly budget review", item["email"].(map[string]interface{})["subject"])
}

func TestApproveSuggestionWithOverrides(t *testing.T) {
	srv, db, applier := newTestServer(t)
	seedEmail(t, db, "e1", "conv-1")
	id := seedSuggestion(t, db, "e1")

	rec := doJSON(t, srv.Router(), http.MethodPost,
		fmt.Sprintf("/api/suggestions/%d/approve", id),
		map[string]string{"folder": "Areas/Finance", "priority": "P1 - Urgent"})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["applied"])

	suggestion, err := db.Suggestions.Get(id)
	require.NoError(t, err)
	assert.Equal(t, database.SuggestionPartial, suggestion.Status)
	assert.Equal(t, "Areas/Finance", *suggestion.ApprovedFolder)
	assert.Equal(t, "P1 - Urgent", *suggestion.ApprovedPriority)
	// Unspecified action type falls back to the suggested value
	assert.Equal(t, "Review", *suggestion.ApprovedActionType)

	require.Len(t, applier.applied, 1)
	assert.Equal(t, appliedMove{"e1", "Areas/Finance", "P1 - Urgent", "Review"}, applier.applied[0])
}

func TestApproveSuggestionNoBody(t *testing.T) {
	srv, db, applier := newTestServer(t)
	seedEmail(t, db, "e1", "conv-1")
	id := seedSuggestion(t, db, "e1")

	rec := doJSON(t, srv.Router(), http.MethodPost,
		fmt.Sprintf("/api/suggestions/%d/approve", id), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	suggestion, err := db.Suggestions.Get(id)
	require.NoError(t, err)
	assert.Equal(t, database.SuggestionApproved, suggestion.Status)
	require.Len(t, applier.applied, 1)
	assert.Equal(t, "Projects/Budget", applier.applied[0].folder)
}

func TestApproveAlreadyResolvedConflicts(t *testing.T) {
	srv, db, _ := newTestServer(t)
	seedEmail(t, db, "e1", "conv-1")
	id := seedSuggestion(t, db, "e1")

	first := doJSON(t, srv.Router(), http.MethodPost, fmt.Sprintf("/api/suggestions/%d/approve", id), nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, srv.Router(), http.MethodPost, fmt.Sprintf("/api/suggestions/%d/approve", id), nil)
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestApproveRejectsInvalidPriority(t *testing.T) {
	srv, db, _ := newTestServer(t)
	seedEmail(t, db, "e1", "conv-1")
	id := seedSuggestion(t, db, "e1")

	rec := doJSON(t, srv.Router(), http.MethodPost,
		fmt.Sprintf("/api/suggestions/%d/approve", id),
		map[string]string{"priority": "P0 - Critical"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestApproveApplyFailureReported(t *testing.T) {
	srv, db, applier := newTestServer(t)
	applier.err = fmt.Errorf("move message: boom")
	seedEmail(t, db, "e1", "conv-1")
	id := seedSuggestion(t, db, "e1")

	rec := doJSON(t, srv.Router(), http.MethodPost, fmt.Sprintf("/api/suggestions/%d/approve", id), nil)

	// The store resolution stands even when the mailbox move fails
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["applied"])
	assert.Contains(t, body["apply_error"], "boom")

	suggestion, err := db.Suggestions.Get(id)
	require.NoError(t, err)
	assert.Equal(t, database.SuggestionApproved, suggestion.Status)
}

func TestRejectSuggestion(t *testing.T) {
	srv, db, applier := newTestServer(t)
	seedEmail(t, db, "e1", "conv-1")
	id := seedSuggestion(t, db, "e1")

	rec := doJSON(t, srv.Router(), http.MethodPost, fmt.Sprintf("/api/suggestions/%d/reject", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, applier.applied)

	suggestion, err := db.Suggestions.Get(id)
	require.NoError(t, err)
	assert.Equal(t, database.SuggestionRejected, suggestion.Status)

	again := doJSON(t, srv.Router(), http.MethodPost, fmt.Sprintf("/api/suggestions/%d/reject", id), nil)
	assert.Equal(t, http.StatusConflict, again.Code)
}

func TestReclassifySingle(t *testing.T) {
	srv, db, applier := newTestServer(t)
	seedEmail(t, db, "e1", "conv-1")

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/emails/e1/reclassify",
		map[string]string{
			"folder":      "Areas/Finance",
			"priority":    "P3 - Routine",
			"action_type": "FYI Only",
		})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(1), body["updated"])
	assert.Equal(t, true, body["applied"])

	suggestion, err := db.Suggestions.GetByEmail("e1")
	require.NoError(t, err)
	require.NotNil(t, suggestion)
	assert.Equal(t, database.SuggestionApproved, suggestion.Status)
	assert.Equal(t, "Areas/Finance", *suggestion.ApprovedFolder)

	require.Len(t, applier.applied, 1)
	assert.Equal(t, "Areas/Finance", applier.applied[0].folder)
}

func TestReclassifyThread(t *testing.T) {
	srv, db, _ := newTestServer(t)
	seedEmail(t, db, "e1", "conv-1")
	seedEmail(t, db, "e2", "conv-1")
	seedEmail(t, db, "e3", "conv-2")

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/emails/e1/reclassify",
		map[string]string{
			"scope":       "thread",
			"folder":      "Projects/Alpha",
			"priority":    "P2 - Important",
			"action_type": "Review",
		})

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["updated"])

	other, err := db.Suggestions.GetByEmail("e3")
	require.NoError(t, err)
	assert.Nil(t, other, "unrelated conversation untouched")
}

func TestReclassifyValidation(t *testing.T) {
	srv, db, _ := newTestServer(t)
	seedEmail(t, db, "e1", "conv-1")

	tests := []struct {
		name string
		body map[string]string
		want int
	}{
		{"bad scope", map[string]string{"scope": "everything", "folder": "X", "priority": "P4 - Low", "action_type": "Review"}, http.StatusBadRequest},
		{"empty folder", map[string]string{"folder": " ", "priority": "P4 - Low", "action_type": "Review"}, http.StatusBadRequest},
		{"bad priority", map[string]string{"folder": "X", "priority": "urgent", "action_type": "Review"}, http.StatusBadRequest},
		{"bad action", map[string]string{"folder": "X", "priority": "P4 - Low", "action_type": "Ponder"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, srv.Router(), http.MethodPost, "/api/emails/e1/reclassify", tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestReclassifyUnknownEmail(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Router(), http.MethodPost, "/api/emails/missing/reclassify",
		map[string]string{"folder": "X", "priority": "P4 - Low", "action_type": "Review"})

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReclassifyRateLimited(t *testing.T) {
	srv, db, _ := newTestServer(t)
	srv.reclassify = ratelimit.New(1, time.Minute)
	seedEmail(t, db, "e1", "conv-1")

	body := map[string]string{"folder": "X", "priority": "P4 - Low", "action_type": "Review"}
	first := doJSON(t, srv.Router(), http.MethodPost, "/api/emails/e1/reclassify", body)
	require.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, srv.Router(), http.MethodPost, "/api/emails/e1/reclassify", body)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestStatusEndpoint(t *testing.T) {
	srv, db, _ := newTestServer(t)
	seedEmail(t, db, "e1", "conv-1")
	seedSuggestion(t, db, "e1")

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/status", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	degradation := body["degradation"].(map[string]interface{})
	assert.Equal(t, false, degradation["is_degraded"])
	cycle := body["last_cycle"].(map[string]interface{})
	assert.Equal(t, "cycle-1", cycle["last_cycle_id"])
	assert.Equal(t, float64(1), body["pending_suggestions"])
	assert.Equal(t, float64(0), body["failed_emails"])
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := doJSON(t, srv.Router(), http.MethodGet, "/api/health", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}
