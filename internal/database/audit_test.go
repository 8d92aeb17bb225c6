package database

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogActionAndGetByCycle(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, db.Audit.LogAction("cycle-1", ActionClassify, "e1", TriggeredByClaude,
		ClassifyActionDetail{Folder: "Projects/Alpha", Priority: "P2 - Important", ActionType: "Review", Confidence: 0.8, Method: "claude"}))
	require.NoError(t, db.Audit.LogAction("cycle-1", ActionMove, "e1", TriggeredByUser,
		MoveActionDetail{FromFolder: "Inbox", ToFolder: "Projects/Alpha"}))
	require.NoError(t, db.Audit.LogAction("cycle-2", ActionSuggest, "e2", TriggeredByAuto, nil))

	entries, err := db.Audit.GetActionsByCycle("cycle-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ActionClassify, entries[0].ActionType)
	assert.Contains(t, entries[0].Details, `"folder":"Projects/Alpha"`)
	assert.Equal(t, ActionMove, entries[1].ActionType)
}

func TestPruneLLMLogs(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, db.Audit.LogLLMRequest(&LLMLogEntry{
		CycleID: "c1", Purpose: "classify", Model: "m", DurationMs: 12, Success: true,
	}))
	require.NoError(t, db.Audit.LogLLMRequest(&LLMLogEntry{
		CycleID: "c2", Purpose: "classify", Model: "m", DurationMs: 8, Success: true,
	}))

	_, err := db.Exec("UPDATE llm_log SET timestamp = datetime('now', '-31 days') WHERE cycle_id = 'c1'")
	require.NoError(t, err)

	pruned, err := db.Audit.PruneLLMLogs(30)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	var remaining int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM llm_log").Scan(&remaining))
	assert.Equal(t, 1, remaining)
}

func TestPruneLLMLogsNonUTCZone(t *testing.T) {
	// timestamp defaults to CURRENT_TIMESTAMP, UTC text compared
	// lexicographically; the cutoff must bind in UTC in every zone.
	restore := time.Local
	time.Local = time.FixedZone("UTC-13", -13*60*60)
	defer func() { time.Local = restore }()

	db := setupTestDB(t)

	require.NoError(t, db.Audit.LogLLMRequest(&LLMLogEntry{
		CycleID: "old", Purpose: "classify", Model: "m", DurationMs: 5, Success: true,
	}))
	require.NoError(t, db.Audit.LogLLMRequest(&LLMLogEntry{
		CycleID: "fresh", Purpose: "classify", Model: "m", DurationMs: 5, Success: true,
	}))

	// One hour past the thirty day retention window
	_, err := db.Exec("UPDATE llm_log SET timestamp = datetime('now', '-721 hours') WHERE cycle_id = 'old'")
	require.NoError(t, err)

	pruned, err := db.Audit.PruneLLMLogs(30)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	var remaining int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM llm_log").Scan(&remaining))
	assert.Equal(t, 1, remaining)
}
