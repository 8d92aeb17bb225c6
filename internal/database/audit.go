package database

import (
	"database/sql"
	"encoding/json"
	"time"
)

// Action log entry types.
const (
	ActionClassify   = "classify"
	ActionSuggest    = "suggest"
	ActionMove       = "move"
	ActionReclassify = "reclassify"
)

// Triggers for action log entries.
const (
	TriggeredByAuto   = "auto"
	TriggeredByClaude = "claude"
	TriggeredByUser   = "user"
)

// ClassifyActionDetail is the details payload for classify/suggest entries.
type ClassifyActionDetail struct {
	Folder     string  `json:"folder"`
	Priority   string  `json:"priority"`
	ActionType string  `json:"action_type"`
	Confidence float64 `json:"confidence"`
	Method     string  `json:"method"`
	RuleName   string  `json:"rule_name,omitempty"`
}

// MoveActionDetail is the details payload for move entries.
type MoveActionDetail struct {
	FromFolder string   `json:"from_folder"`
	ToFolder   string   `json:"to_folder"`
	Categories []string `json:"categories,omitempty"`
}

// ReclassifyActionDetail is the details payload for user reclassifications.
type ReclassifyActionDetail struct {
	Scope      string `json:"scope"`
	Folder     string `json:"folder"`
	Priority   string `json:"priority"`
	ActionType string `json:"action_type"`
}

// AuditStore handles the append-only action and LLM logs
type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

// LogAction appends one action entry. details must be one of the typed
// payload structs above; it is stored as JSON.
func (s *AuditStore) LogAction(cycleID, actionType, emailID, triggeredBy string, details interface{}) error {
	blob := "{}"
	if details != nil {
		raw, err := json.Marshal(details)
		if err != nil {
			return wrapErr("log action", err)
		}
		blob = string(raw)
	}

	_, err := s.db.Exec(`
		INSERT INTO action_log (cycle_id, action_type, email_id, triggered_by, details)
		VALUES (?, ?, ?, ?, ?)`,
		cycleID, actionType, emailID, triggeredBy, blob)
	return wrapErr("log action", err)
}

// GetActionsByCycle returns all action entries for one triage cycle.
func (s *AuditStore) GetActionsByCycle(cycleID string) ([]ActionLogEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp, cycle_id, action_type, email_id, triggered_by, details
		FROM action_log WHERE cycle_id = ? ORDER BY id ASC`, cycleID)
	if err != nil {
		return nil, wrapErr("get actions by cycle", err)
	}
	defer rows.Close()

	var entries []ActionLogEntry
	for rows.Next() {
		var e ActionLogEntry
		err := rows.Scan(&e.ID, &e.Timestamp, &e.CycleID, &e.ActionType,
			&e.EmailID, &e.TriggeredBy, &e.Details)
		if err != nil {
			return nil, wrapErr("get actions by cycle", err)
		}
		entries = append(entries, e)
	}
	return entries, wrapErr("get actions by cycle", rows.Err())
}

// LogLLMRequest appends one LLM exchange record. Prompt and response may be
// empty when prompt/response logging is switched off.
func (s *AuditStore) LogLLMRequest(entry *LLMLogEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO llm_log (cycle_id, purpose, model, duration_ms, success, prompt, response, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.CycleID, entry.Purpose, entry.Model, entry.DurationMs,
		entry.Success, entry.Prompt, entry.Response, entry.Error)
	return wrapErr("log llm request", err)
}

// PruneLLMLogs deletes LLM log rows older than the retention window and
// returns how many were removed. The cutoff is bound in UTC to match the
// CURRENT_TIMESTAMP text the timestamp column defaults to.
func (s *AuditStore) PruneLLMLogs(retentionDays int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result, err := s.db.Exec("DELETE FROM llm_log WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, wrapErr("prune llm logs", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, wrapErr("prune llm logs", err)
	}
	return int(affected), nil
}
