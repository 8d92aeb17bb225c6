package database

import (
	"database/sql"
)

const waitingForColumns = `id, email_id, conversation_id, waiting_since, expected_from,
	description, status, nudge_after_hours, resolved_at`

// WaitingForStore handles database operations for waiting-for trackers
type WaitingForStore struct {
	db *sql.DB
}

func NewWaitingForStore(db *sql.DB) *WaitingForStore {
	return &WaitingForStore{db: db}
}

// Create inserts a waiting tracker and returns its id.
func (s *WaitingForStore) Create(w *WaitingFor) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO waiting_for (
			email_id, conversation_id, waiting_since, expected_from,
			description, status, nudge_after_hours
		) VALUES (?, ?, ?, ?, ?, 'waiting', ?)`,
		w.EmailID, w.ConversationID, w.WaitingSince, w.ExpectedFrom,
		w.Description, w.NudgeAfterHours)
	if err != nil {
		return 0, wrapErr("create waiting-for", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, wrapErr("create waiting-for", err)
	}
	return id, nil
}

// GetActive returns all trackers still in the waiting state, oldest first.
func (s *WaitingForStore) GetActive() ([]WaitingFor, error) {
	query := `SELECT ` + waitingForColumns + `
		FROM waiting_for WHERE status = 'waiting' ORDER BY waiting_since ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, wrapErr("get active waiting-for", err)
	}
	defer rows.Close()

	var items []WaitingFor
	for rows.Next() {
		w, err := scanWaitingFor(rows)
		if err != nil {
			return nil, wrapErr("get active waiting-for", err)
		}
		items = append(items, *w)
	}
	return items, wrapErr("get active waiting-for", rows.Err())
}

// Resolve moves a waiting tracker to a terminal state (received or
// expired). Returns false when the row was not in the waiting state.
func (s *WaitingForStore) Resolve(id int64, status string) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE waiting_for SET status = ?, resolved_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'waiting'`, status, id)
	if err != nil {
		return false, wrapErr("resolve waiting-for", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, wrapErr("resolve waiting-for", err)
	}
	return affected == 1, nil
}

// CheckByConversation returns the active tracker for a conversation, or nil.
// Used to detect an expected reply arriving in the watched thread.
func (s *WaitingForStore) CheckByConversation(conversationID string) (*WaitingFor, error) {
	query := `SELECT ` + waitingForColumns + `
		FROM waiting_for
		WHERE conversation_id = ? AND status = 'waiting'
		ORDER BY waiting_since ASC LIMIT 1`

	w, err := scanWaitingFor(s.db.QueryRow(query, conversationID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrapErr("check waiting-for by conversation", err)
	}
	return w, nil
}

func scanWaitingFor(row rowScanner) (*WaitingFor, error) {
	var w WaitingFor
	err := row.Scan(
		&w.ID, &w.EmailID, &w.ConversationID, &w.WaitingSince, &w.ExpectedFrom,
		&w.Description, &w.Status, &w.NudgeAfterHours, &w.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
