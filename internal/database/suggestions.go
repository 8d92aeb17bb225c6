package database

import (
	"database/sql"
	"time"
)

const suggestionColumns = `id, email_id, created_at, suggested_folder, suggested_priority,
	suggested_action_type, confidence, reasoning, status, approved_folder,
	approved_priority, approved_action_type, resolved_at`

// SuggestionStore handles database operations for suggestions
type SuggestionStore struct {
	db *sql.DB
}

func NewSuggestionStore(db *sql.DB) *SuggestionStore {
	return &SuggestionStore{db: db}
}

// Create inserts a pending suggestion and returns its id.
func (s *SuggestionStore) Create(emailID, folder, priority, actionType string, confidence float64, reasoning string) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO suggestions (
			email_id, suggested_folder, suggested_priority, suggested_action_type,
			confidence, reasoning, status
		) VALUES (?, ?, ?, ?, ?, ?, 'pending')`,
		emailID, folder, priority, actionType, confidence, reasoning)
	if err != nil {
		return 0, wrapErr("create suggestion", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, wrapErr("create suggestion", err)
	}
	return id, nil
}

// Get returns one suggestion by id, or nil when absent.
func (s *SuggestionStore) Get(id int64) (*Suggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM suggestions WHERE id = ?`

	suggestion, err := scanSuggestion(s.db.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrapErr("get suggestion", err)
	}
	return suggestion, nil
}

// GetPending returns all pending suggestions, oldest first.
func (s *SuggestionStore) GetPending() ([]Suggestion, error) {
	query := `SELECT ` + suggestionColumns + `
		FROM suggestions WHERE status = 'pending' ORDER BY created_at ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, wrapErr("get pending suggestions", err)
	}
	defer rows.Close()

	return collectSuggestions(rows, "get pending suggestions")
}

// GetByEmail returns the most recent suggestion for an email, or nil.
func (s *SuggestionStore) GetByEmail(emailID string) (*Suggestion, error) {
	query := `SELECT ` + suggestionColumns + `
		FROM suggestions WHERE email_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`

	suggestion, err := scanSuggestion(s.db.QueryRow(query, emailID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrapErr("get suggestion by email", err)
	}
	return suggestion, nil
}

// Approve resolves a pending suggestion in a single conditional update.
// Missing overrides fall back to the suggested values; status lands on
// "partial" when any approved value differs from its suggested counterpart,
// else "approved". Returns false when the row is missing or already
// resolved, so a concurrent approver loses cleanly.
func (s *SuggestionStore) Approve(id int64, folder, priority, actionType *string) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE suggestions SET
			approved_folder = COALESCE(?, suggested_folder),
			approved_priority = COALESCE(?, suggested_priority),
			approved_action_type = COALESCE(?, suggested_action_type),
			status = CASE
				WHEN COALESCE(?, suggested_folder) = suggested_folder
				 AND COALESCE(?, suggested_priority) = suggested_priority
				 AND COALESCE(?, suggested_action_type) = suggested_action_type
				THEN 'approved' ELSE 'partial' END,
			resolved_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending'`,
		folder, priority, actionType,
		folder, priority, actionType,
		id)
	if err != nil {
		return false, wrapErr("approve suggestion", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, wrapErr("approve suggestion", err)
	}
	return affected == 1, nil
}

// Reject resolves a pending suggestion as rejected. The approved fields are
// stamped with the suggested values so resolved rows always carry them.
func (s *SuggestionStore) Reject(id int64) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE suggestions SET
			status = 'rejected',
			approved_folder = suggested_folder,
			approved_priority = suggested_priority,
			approved_action_type = suggested_action_type,
			resolved_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'pending'`, id)
	if err != nil {
		return false, wrapErr("reject suggestion", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, wrapErr("reject suggestion", err)
	}
	return affected == 1, nil
}

// ExpireOld rejects pending suggestions older than the given number of days
// and returns how many were expired. The cutoff is bound in UTC because
// created_at rows are CURRENT_TIMESTAMP text, compared lexicographically.
func (s *SuggestionStore) ExpireOld(days int) (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	result, err := s.db.Exec(`
		UPDATE suggestions SET
			status = 'rejected',
			approved_folder = suggested_folder,
			approved_priority = suggested_priority,
			approved_action_type = suggested_action_type,
			resolved_at = CURRENT_TIMESTAMP
		WHERE status = 'pending' AND created_at < ?`, cutoff)
	if err != nil {
		return 0, wrapErr("expire old suggestions", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, wrapErr("expire old suggestions", err)
	}
	return int(affected), nil
}

// GetThreadClassification returns the folder and confidence of the most
// recently received approved-or-partial suggestion in a conversation. The
// folder is the user's final word (approved over suggested). ok is false
// when the thread has no resolved classification.
func (s *SuggestionStore) GetThreadClassification(conversationID string) (folder string, confidence float64, ok bool, err error) {
	query := `
		SELECT COALESCE(sg.approved_folder, sg.suggested_folder), sg.confidence
		FROM suggestions sg
		JOIN emails e ON e.id = sg.email_id
		WHERE e.conversation_id = ? AND sg.status IN ('approved', 'partial')
		ORDER BY e.received_at DESC, sg.id DESC
		LIMIT 1`

	err = s.db.QueryRow(query, conversationID).Scan(&folder, &confidence)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", 0, false, nil
		}
		return "", 0, false, wrapErr("get thread classification", err)
	}
	return folder, confidence, true, nil
}

// GetRecentCorrections returns suggestions the user edited (status partial)
// within the lookback window, joined with the email's sender and subject.
func (s *SuggestionStore) GetRecentCorrections(days int) ([]Correction, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	query := `
		SELECT sg.email_id, e.sender_address, e.subject,
			sg.suggested_folder, sg.suggested_priority, sg.suggested_action_type,
			sg.approved_folder, sg.approved_priority, sg.approved_action_type,
			sg.resolved_at
		FROM suggestions sg
		JOIN emails e ON e.id = sg.email_id
		WHERE sg.status = 'partial' AND sg.resolved_at >= ?
		ORDER BY sg.resolved_at ASC`

	rows, err := s.db.Query(query, cutoff)
	if err != nil {
		return nil, wrapErr("get recent corrections", err)
	}
	defer rows.Close()

	var corrections []Correction
	for rows.Next() {
		var c Correction
		err := rows.Scan(&c.EmailID, &c.SenderAddress, &c.Subject,
			&c.SuggestedFolder, &c.SuggestedPriority, &c.SuggestedActionType,
			&c.ApprovedFolder, &c.ApprovedPriority, &c.ApprovedActionType,
			&c.ResolvedAt)
		if err != nil {
			return nil, wrapErr("get recent corrections", err)
		}
		corrections = append(corrections, c)
	}
	return corrections, wrapErr("get recent corrections", rows.Err())
}

// GetCorrectionCountSince counts user corrections resolved after the given
// time. The preference learner uses this as its trigger threshold.
func (s *SuggestionStore) GetCorrectionCountSince(since time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM suggestions
		WHERE status = 'partial' AND resolved_at > ?`, since.UTC()).Scan(&count)
	if err != nil {
		return 0, wrapErr("get correction count", err)
	}
	return count, nil
}

// ResolvedCount counts resolved (non-pending) suggestions. The dry-run
// reporter gates its confusion matrices on this reaching 10.
func (s *SuggestionStore) ResolvedCount() (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM suggestions WHERE status != 'pending'`).Scan(&count)
	if err != nil {
		return 0, wrapErr("resolved suggestion count", err)
	}
	return count, nil
}

func scanSuggestion(row rowScanner) (*Suggestion, error) {
	var sg Suggestion
	err := row.Scan(
		&sg.ID, &sg.EmailID, &sg.CreatedAt, &sg.SuggestedFolder,
		&sg.SuggestedPriority, &sg.SuggestedActionType, &sg.Confidence,
		&sg.Reasoning, &sg.Status, &sg.ApprovedFolder, &sg.ApprovedPriority,
		&sg.ApprovedActionType, &sg.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sg, nil
}

func collectSuggestions(rows *sql.Rows, op string) ([]Suggestion, error) {
	var suggestions []Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, wrapErr(op, err)
		}
		suggestions = append(suggestions, *sg)
	}
	return suggestions, wrapErr(op, rows.Err())
}
