package database

import (
	"database/sql"
)

// AgentStateStore is a small durable key/value store for cursors, cycle
// bookkeeping and the learned preference blob.
type AgentStateStore struct {
	db *sql.DB
}

func NewAgentStateStore(db *sql.DB) *AgentStateStore {
	return &AgentStateStore{db: db}
}

// Get returns the value for a key. ok is false when the key is absent,
// which is distinct from a stored empty string.
func (s *AgentStateStore) Get(key string) (value string, ok bool, err error) {
	err = s.db.QueryRow("SELECT value FROM agent_state WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, wrapErr("get state", err)
	}
	return value, true, nil
}

// Set upserts a key/value pair.
func (s *AgentStateStore) Set(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_state (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`, key, value)
	return wrapErr("set state", err)
}

// Delete removes a key. Deleting an absent key is a no-op.
func (s *AgentStateStore) Delete(key string) error {
	_, err := s.db.Exec("DELETE FROM agent_state WHERE key = ?", key)
	return wrapErr("delete state", err)
}
