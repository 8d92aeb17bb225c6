package database

import (
	"database/sql"
	"fmt"
)

// Reclassification scopes offered by the review surface.
const (
	ReclassifyScopeSingle = "single"
	ReclassifyScopeThread = "thread"
)

const insertResolvedSuggestion = `
	INSERT INTO suggestions (
		email_id, suggested_folder, suggested_priority, suggested_action_type,
		confidence, reasoning, status,
		approved_folder, approved_priority, approved_action_type, resolved_at
	) VALUES (?, ?, ?, ?, 1.0, ?, 'approved', ?, ?, ?, CURRENT_TIMESTAMP)`

// ReclassifyEmail records a user-driven reclassification of one email: a
// fresh, already-approved suggestion carrying the user's values, and the
// email back in the classified state. The classification attempt counter is
// left alone; it records classifier failures, not user edits.
func (db *DB) ReclassifyEmail(emailID, folder, priority, actionType string) (int64, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, wrapErr("reclassify email", err)
	}
	defer tx.Rollback()

	id, err := reclassifyOne(tx, emailID, folder, priority, actionType)
	if err != nil {
		return 0, err
	}

	return id, wrapErr("reclassify email", tx.Commit())
}

// ReclassifyThread applies a user reclassification to every message in a
// conversation: pending suggestions are re-approved with the user's values,
// messages without a suggestion get a fresh approved one, and inherited
// folders are overwritten. Returns how many messages were touched.
func (db *DB) ReclassifyThread(conversationID, folder, priority, actionType string) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, wrapErr("reclassify thread", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query("SELECT id FROM emails WHERE conversation_id = ?", conversationID)
	if err != nil {
		return 0, wrapErr("reclassify thread", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, wrapErr("reclassify thread", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, wrapErr("reclassify thread", err)
	}

	for _, id := range ids {
		if _, err := reclassifyOne(tx, id, folder, priority, actionType); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapErr("reclassify thread", err)
	}
	return len(ids), nil
}

func reclassifyOne(tx *sql.Tx, emailID, folder, priority, actionType string) (int64, error) {
	op := fmt.Sprintf("reclassify email %s", emailID)

	// A still-pending suggestion is resolved with the user's values rather
	// than duplicated.
	var pendingID int64
	err := tx.QueryRow(`
		SELECT id FROM suggestions
		WHERE email_id = ? AND status = 'pending'
		ORDER BY created_at DESC, id DESC LIMIT 1`, emailID).Scan(&pendingID)
	switch {
	case err == sql.ErrNoRows:
		result, err := tx.Exec(insertResolvedSuggestion,
			emailID, folder, priority, actionType,
			"Reclassified by user", folder, priority, actionType)
		if err != nil {
			return 0, wrapErr(op, err)
		}
		pendingID, err = result.LastInsertId()
		if err != nil {
			return 0, wrapErr(op, err)
		}
	case err != nil:
		return 0, wrapErr(op, err)
	default:
		_, err = tx.Exec(`
			UPDATE suggestions SET
				approved_folder = ?,
				approved_priority = ?,
				approved_action_type = ?,
				status = CASE
					WHEN suggested_folder = ? AND suggested_priority = ? AND suggested_action_type = ?
					THEN 'approved' ELSE 'partial' END,
				resolved_at = CURRENT_TIMESTAMP
			WHERE id = ?`,
			folder, priority, actionType,
			folder, priority, actionType,
			pendingID)
		if err != nil {
			return 0, wrapErr(op, err)
		}
	}

	_, err = tx.Exec(`
		UPDATE emails SET classification_status = 'classified', inherited_folder = ?
		WHERE id = ?`, folder, emailID)
	if err != nil {
		return 0, wrapErr(op, err)
	}
	return pendingID, nil
}
