package database

import (
	"database/sql"
	"fmt"
	"strings"
	"unicode/utf8"
)

const emailColumns = `id, conversation_id, conversation_index, subject, sender_address,
	sender_name, received_at, snippet, folder_path, importance, is_read, is_flagged,
	has_user_replied, inherited_folder, processed_at, classification_json,
	classification_attempts, classification_status, web_link`

// EmailStore handles database operations for emails
type EmailStore struct {
	db           *sql.DB
	snippetLimit int
}

func NewEmailStore(db *sql.DB) *EmailStore {
	return &EmailStore{db: db, snippetLimit: DefaultSnippetLimit}
}

// SetSnippetLimit sets the hard storage bound applied to snippets on every
// save. Values below 1 keep the default.
func (s *EmailStore) SetSnippetLimit(limit int) {
	if limit > 0 {
		s.snippetLimit = limit
	}
}

// truncateSnippet enforces the storage guard regardless of what cleaning
// produced upstream. The cut backs up to a rune boundary so the stored
// snippet is always valid UTF-8.
func (s *EmailStore) truncateSnippet(snippet string) string {
	if len(snippet) <= s.snippetLimit {
		return snippet
	}
	cut := s.snippetLimit
	for cut > 0 && !utf8.RuneStart(snippet[cut]) {
		cut--
	}
	return snippet[:cut]
}

const saveEmailQuery = `
	INSERT INTO emails (
		id, conversation_id, conversation_index, subject, sender_address,
		sender_name, received_at, snippet, folder_path, importance, is_read,
		is_flagged, has_user_replied, inherited_folder, processed_at,
		classification_json, classification_attempts, classification_status, web_link
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		conversation_id = excluded.conversation_id,
		conversation_index = excluded.conversation_index,
		subject = excluded.subject,
		sender_address = excluded.sender_address,
		sender_name = excluded.sender_name,
		received_at = excluded.received_at,
		snippet = excluded.snippet,
		folder_path = excluded.folder_path,
		importance = excluded.importance,
		is_read = excluded.is_read,
		is_flagged = excluded.is_flagged,
		has_user_replied = excluded.has_user_replied,
		inherited_folder = COALESCE(excluded.inherited_folder, emails.inherited_folder)
`

// SaveEmail upserts a single email by provider id.
func (s *EmailStore) SaveEmail(email *Email) error {
	_, err := s.db.Exec(saveEmailQuery,
		email.ID, email.ConversationID, email.ConversationIndex, email.Subject,
		strings.ToLower(email.SenderAddress), email.SenderName, email.ReceivedAt,
		s.truncateSnippet(email.Snippet), email.FolderPath, email.Importance,
		email.IsRead, email.IsFlagged, email.HasUserReplied, email.InheritedFolder,
		email.ClassificationJSON, email.ClassificationAttempts,
		statusOrPending(email.ClassificationStatus), email.WebLink,
	)
	return wrapErr("save email", err)
}

// SaveEmailsBatch upserts a batch of emails in one transaction and returns
// the number written. An empty batch is a no-op with no transaction.
func (s *EmailStore) SaveEmailsBatch(emails []Email) (int, error) {
	if len(emails) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, wrapErr("save emails batch", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(saveEmailQuery)
	if err != nil {
		return 0, wrapErr("save emails batch", err)
	}
	defer stmt.Close()

	for i := range emails {
		email := &emails[i]
		_, err := stmt.Exec(
			email.ID, email.ConversationID, email.ConversationIndex, email.Subject,
			strings.ToLower(email.SenderAddress), email.SenderName, email.ReceivedAt,
			s.truncateSnippet(email.Snippet), email.FolderPath, email.Importance,
			email.IsRead, email.IsFlagged, email.HasUserReplied, email.InheritedFolder,
			email.ClassificationJSON, email.ClassificationAttempts,
			statusOrPending(email.ClassificationStatus), email.WebLink,
		)
		if err != nil {
			return 0, wrapErr(fmt.Sprintf("save emails batch (id=%s)", email.ID), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, wrapErr("save emails batch", err)
	}
	return len(emails), nil
}

func statusOrPending(status string) string {
	if status == "" {
		return ClassificationPending
	}
	return status
}

// EmailExists reports whether the email id is already stored.
func (s *EmailStore) EmailExists(id string) (bool, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM emails WHERE id = ?", id).Scan(&count)
	if err != nil {
		return false, wrapErr("email exists", err)
	}
	return count > 0, nil
}

// GetEmail returns one email by id, or nil when absent.
func (s *EmailStore) GetEmail(id string) (*Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE id = ?`

	email, err := scanEmail(s.db.QueryRow(query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, wrapErr("get email", err)
	}
	return email, nil
}

// GetThreadEmails returns up to limit emails in a conversation, newest
// first, excluding the given id.
func (s *EmailStore) GetThreadEmails(conversationID, excludeID string, limit int) ([]Email, error) {
	query := `SELECT ` + emailColumns + `
		FROM emails
		WHERE conversation_id = ? AND id != ?
		ORDER BY received_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, conversationID, excludeID, limit)
	if err != nil {
		return nil, wrapErr("get thread emails", err)
	}
	defer rows.Close()

	return collectEmails(rows, "get thread emails")
}

// GetEmailsBatch returns the stored emails for the given ids; missing ids
// are simply absent from the result.
func (s *EmailStore) GetEmailsBatch(ids []string) ([]Email, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	query := `SELECT ` + emailColumns + ` FROM emails WHERE id IN (` + placeholders + `)`

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, wrapErr("get emails batch", err)
	}
	defer rows.Close()

	return collectEmails(rows, "get emails batch")
}

// UpdateClassificationStatus sets the email's classification status and,
// when non-nil, the stored classification result blob.
func (s *EmailStore) UpdateClassificationStatus(id, status string, classificationJSON *string) error {
	var err error
	if classificationJSON != nil {
		_, err = s.db.Exec(
			"UPDATE emails SET classification_status = ?, classification_json = ? WHERE id = ?",
			status, *classificationJSON, id)
	} else {
		_, err = s.db.Exec(
			"UPDATE emails SET classification_status = ? WHERE id = ?", status, id)
	}
	return wrapErr("update classification status", err)
}

// IncrementClassificationAttempts bumps the attempt counter atomically and
// returns the new count, or 0 when the row is absent.
func (s *EmailStore) IncrementClassificationAttempts(id string) (int, error) {
	var count int
	err := s.db.QueryRow(`
		UPDATE emails
		SET classification_attempts = classification_attempts + 1
		WHERE id = ?
		RETURNING classification_attempts`, id).Scan(&count)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, wrapErr("increment classification attempts", err)
	}
	return count, nil
}

// SetInheritedFolder records the folder a message inherited from its thread.
func (s *EmailStore) SetInheritedFolder(id string, folder *string) error {
	_, err := s.db.Exec("UPDATE emails SET inherited_folder = ? WHERE id = ?", folder, id)
	return wrapErr("set inherited folder", err)
}

// GetPendingBacklog returns up to limit emails still pending classification
// with no suggestion row, oldest received first. This is the recovery feed
// after a degraded period.
func (s *EmailStore) GetPendingBacklog(limit int) ([]Email, error) {
	query := `SELECT ` + emailColumns + `
		FROM emails e
		WHERE e.classification_status = 'pending'
		  AND NOT EXISTS (SELECT 1 FROM suggestions s WHERE s.email_id = e.id)
		ORDER BY e.received_at ASC
		LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, wrapErr("get pending backlog", err)
	}
	defer rows.Close()

	return collectEmails(rows, "get pending backlog")
}

// GetFailedEmails returns emails whose classification exhausted its attempt
// budget, newest first.
func (s *EmailStore) GetFailedEmails(limit int) ([]Email, error) {
	query := `SELECT ` + emailColumns + `
		FROM emails
		WHERE classification_status = 'failed'
		ORDER BY received_at DESC
		LIMIT ?`

	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, wrapErr("get failed emails", err)
	}
	defer rows.Close()

	return collectEmails(rows, "get failed emails")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEmail(row rowScanner) (*Email, error) {
	var email Email
	err := row.Scan(
		&email.ID, &email.ConversationID, &email.ConversationIndex, &email.Subject,
		&email.SenderAddress, &email.SenderName, &email.ReceivedAt, &email.Snippet,
		&email.FolderPath, &email.Importance, &email.IsRead, &email.IsFlagged,
		&email.HasUserReplied, &email.InheritedFolder, &email.ProcessedAt,
		&email.ClassificationJSON, &email.ClassificationAttempts,
		&email.ClassificationStatus, &email.WebLink,
	)
	if err != nil {
		return nil, err
	}
	return &email, nil
}

func collectEmails(rows *sql.Rows, op string) ([]Email, error) {
	var emails []Email
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, wrapErr(op, err)
		}
		emails = append(emails, *email)
	}
	return emails, wrapErr(op, rows.Err())
}
