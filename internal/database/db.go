package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DefaultSnippetLimit is the storage guard on email snippets when no
// configured limit is supplied.
const DefaultSnippetLimit = 1000

// DB wraps the sql.DB connection and provides access to stores
type DB struct {
	*sql.DB
	Emails      *EmailStore
	Suggestions *SuggestionStore
	WaitingFor  *WaitingForStore
	Senders     *SenderStore
	State       *AgentStateStore
	Audit       *AuditStore
}

// Open opens a database connection and initializes stores
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL keeps readers from blocking the single writer; the busy timeout
	// covers cross-process writes from the review surface.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout=10000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	database := &DB{
		DB:          db,
		Emails:      NewEmailStore(db),
		Suggestions: NewSuggestionStore(db),
		WaitingFor:  NewWaitingForStore(db),
		Senders:     NewSenderStore(db),
		State:       NewAgentStateStore(db),
		Audit:       NewAuditStore(db),
	}

	if err := database.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return database, nil
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS emails (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL DEFAULT '',
		conversation_index BLOB,
		subject TEXT NOT NULL DEFAULT '',
		sender_address TEXT NOT NULL DEFAULT '',
		sender_name TEXT NOT NULL DEFAULT '',
		received_at DATETIME NOT NULL,
		snippet TEXT NOT NULL DEFAULT '',
		folder_path TEXT NOT NULL DEFAULT '',
		importance TEXT NOT NULL DEFAULT 'normal',
		is_read BOOLEAN NOT NULL DEFAULT FALSE,
		is_flagged BOOLEAN NOT NULL DEFAULT FALSE,
		has_user_replied BOOLEAN NOT NULL DEFAULT FALSE,
		inherited_folder TEXT,
		processed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		classification_json TEXT,
		classification_attempts INTEGER NOT NULL DEFAULT 0,
		classification_status TEXT NOT NULL DEFAULT 'pending',
		web_link TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS suggestions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email_id TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		suggested_folder TEXT NOT NULL,
		suggested_priority TEXT NOT NULL,
		suggested_action_type TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		reasoning TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		approved_folder TEXT,
		approved_priority TEXT,
		approved_action_type TEXT,
		resolved_at DATETIME,
		FOREIGN KEY (email_id) REFERENCES emails(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS waiting_for (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		waiting_since DATETIME NOT NULL,
		expected_from TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'waiting',
		nudge_after_hours INTEGER NOT NULL DEFAULT 48,
		resolved_at DATETIME,
		FOREIGN KEY (email_id) REFERENCES emails(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sender_profiles (
		address TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		domain TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT 'unknown',
		default_folder TEXT,
		email_count INTEGER NOT NULL DEFAULT 0,
		last_seen DATETIME,
		auto_rule_candidate BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS agent_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS action_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		cycle_id TEXT NOT NULL DEFAULT '',
		action_type TEXT NOT NULL,
		email_id TEXT NOT NULL DEFAULT '',
		triggered_by TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS llm_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		cycle_id TEXT NOT NULL DEFAULT '',
		purpose TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL DEFAULT TRUE,
		prompt TEXT NOT NULL DEFAULT '',
		response TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_emails_conversation ON emails(conversation_id, received_at);
	CREATE INDEX IF NOT EXISTS idx_emails_sender ON emails(sender_address);
	CREATE INDEX IF NOT EXISTS idx_emails_status ON emails(classification_status);
	CREATE INDEX IF NOT EXISTS idx_suggestions_email ON suggestions(email_id);
	CREATE INDEX IF NOT EXISTS idx_suggestions_status ON suggestions(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_waiting_for_status ON waiting_for(status);
	CREATE INDEX IF NOT EXISTS idx_waiting_for_conversation ON waiting_for(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_action_log_cycle ON action_log(cycle_id);
	CREATE INDEX IF NOT EXISTS idx_llm_log_timestamp ON llm_log(timestamp);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Vacuum reclaims free pages. Safe to call from maintenance; failures are
// reported but the database stays usable.
func (db *DB) Vacuum() error {
	_, err := db.Exec("VACUUM")
	return wrapErr("vacuum", err)
}

// Analyze refreshes the query planner statistics.
func (db *DB) Analyze() error {
	_, err := db.Exec("ANALYZE")
	return wrapErr("analyze", err)
}

// IsHealthy checks if the database connection is healthy
func (db *DB) IsHealthy() error {
	return db.Ping()
}
