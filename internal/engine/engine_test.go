package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outlook-organiser/internal/config"
	"outlook-organiser/internal/database"
	"outlook-organiser/internal/graph"
	"outlook-organiser/internal/llm"
)

// fakeGraph queues messages to hand out on the next delta fetch.
type fakeGraph struct {
	mu      sync.Mutex
	pending []graph.Message
	sent    []graph.Message
	cursor  int
}

func (f *fakeGraph) inject(messages ...graph.Message) {
	f.mu.Lock()
	f.pending = append(f.pending, messages...)
	f.mu.Unlock()
}

func (f *fakeGraph) GetDeltaMessages(_ context.Context, _, _ string) ([]graph.Message, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := f.pending
	f.pending = nil
	f.cursor++
	return batch, "cursor", nil
}

func (f *fakeGraph) ListMessages(_ context.Context, folderID string, _ graph.ListOptions) ([]graph.Message, error) {
	if folderID == "sentitems" {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.sent, nil
	}
	return nil, nil
}

func (f *fakeGraph) MoveMessage(context.Context, string, string) error     { return nil }
func (f *fakeGraph) SetCategories(context.Context, string, []string) error { return nil }
func (f *fakeGraph) AddCategories(context.Context, string, []string) error { return nil }
func (f *fakeGraph) HealthCheck(context.Context) error                     { return nil }
func (f *fakeGraph) GetThreadMessages(context.Context, string, int) ([]graph.Message, error) {
	return nil, nil
}
func (f *fakeGraph) GetFolderByPath(_ context.Context, path string) (*graph.Folder, error) {
	return &graph.Folder{ID: "id-" + path, DisplayName: path}, nil
}
func (f *fakeGraph) GetFolderID(_ context.Context, path string) (string, error) {
	return "id-" + path, nil
}
func (f *fakeGraph) CreateFolder(_ context.Context, path string) (*graph.Folder, error) {
	return &graph.Folder{ID: "id-" + path, DisplayName: path}, nil
}

// switchableLLM answers with a fixed classification, or fails while
// failing is set.
type switchableLLM struct {
	mu      sync.Mutex
	failing bool
	calls   int
	answer  map[string]interface{}
}

func (s *switchableLLM) setFailing(failing bool) {
	s.mu.Lock()
	s.failing = failing
	s.mu.Unlock()
}

func (s *switchableLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *switchableLLM) CallTool(_ context.Context, req *llm.Request) (*llm.ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failing {
		return nil, &llm.APIError{StatusCode: 500, Err: errors.New("upstream down")}
	}
	answer := s.answer
	if answer == nil {
		answer = map[string]interface{}{
			"folder":      "Projects/Beta",
			"priority":    "P2 - Important",
			"action_type": "Review",
			"confidence":  0.85,
			"reasoning":   "Project correspondence.",
		}
	}
	raw, _ := json.Marshal(answer)
	return &llm.ToolCall{Name: req.Tool.Name, Input: raw}, nil
}

func engineConfig() *config.Config {
	return &config.Config{
		Triage: config.TriageConfig{
			IntervalMinutes: 15,
			LookbackHours:   24,
			BatchSize:       10,
			WatchFolders:    []string{"Inbox"},
		},
		Models:  config.ModelsConfig{Triage: "test-model"},
		Snippet: config.SnippetConfig{MaxLength: 1000},
		AutoRules: []config.AutoRule{
			{
				Name:    "newsletters",
				Senders: []string{"*@news.example.com"},
				Folder:  "Reference/Newsletters", Priority: "P4 - Low", ActionType: "FYI Only",
			},
		},
		Aging:           config.AgingConfig{WaitingForNudgeHours: 48},
		SuggestionQueue: config.SuggestionQueueConfig{ExpireAfterDays: 7},
		LLMLogging:      config.LLMLoggingConfig{Enabled: true, RetentionDays: 30},
		Learning:        config.LearningConfig{Enabled: false},
		Database:        config.DatabaseConfig{Path: ":memory:"},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config) (*Engine, *database.DB, *fakeGraph, *switchableLLM) {
	t.Helper()

	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	client := &fakeGraph{}
	model := &switchableLLM{}
	e := New(db, client, model, cfg, slog.Default())
	return e, db, client, model
}

func inboxMessage(id, sender, subject string) graph.Message {
	return graph.Message{
		ID:             id,
		ConversationID: "conv-" + id,
		Subject:        subject,
		FromAddress:    sender,
		FromName:       "Sender",
		ReceivedAt:     time.Now().Add(-time.Minute),
		BodyPreview:    "preview text",
		Importance:     "normal",
	}
}

func TestCycleAutoRuleHappyPath(t *testing.T) {
	e, db, client, model := newTestEngine(t, engineConfig())

	client.inject(inboxMessage("m1", "a@news.example.com", "Weekly digest"))

	stats := e.RunCycle(context.Background())
	assert.Equal(t, 1, stats.AutoRules)
	assert.Zero(t, stats.Classified)
	assert.Zero(t, model.callCount(), "auto-rules bypass the LLM")

	email, err := db.Emails.GetEmail("m1")
	require.NoError(t, err)
	assert.Equal(t, database.ClassificationClassified, email.ClassificationStatus)

	sg, err := db.Suggestions.GetByEmail("m1")
	require.NoError(t, err)
	require.NotNil(t, sg)
	assert.Equal(t, database.SuggestionApproved, sg.Status, "auto-rules self-approve")
	assert.Equal(t, "Reference/Newsletters", sg.SuggestedFolder)
	assert.Equal(t, "P4 - Low", sg.SuggestedPriority)
	assert.Equal(t, "FYI Only", sg.SuggestedActionType)
	assert.Equal(t, 1.0, sg.Confidence)

	actions, err := db.Audit.GetActionsByCycle(stats.CycleID)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, database.ActionClassify, actions[0].ActionType)
	assert.Equal(t, database.TriggeredByAuto, actions[0].TriggeredBy)
}

func TestCycleThreadInheritance(t *testing.T) {
	e, db, client, _ := newTestEngine(t, engineConfig())

	// Prior message in the conversation, approved into Projects/Alpha
	prior := database.Email{
		ID:             "prior",
		ConversationID: "conv-thread",
		Subject:        "kickoff",
		SenderAddress:  "alice@example.com",
		ReceivedAt:     time.Now().Add(-2 * time.Hour),
		FolderPath:     "Inbox",
	}
	require.NoError(t, db.Emails.SaveEmail(&prior))
	sid, err := db.Suggestions.Create("prior", "Projects/Alpha", "P3 - Routine", "Review", 0.7, "r")
	require.NoError(t, err)
	_, err = db.Suggestions.Approve(sid, nil, nil, nil)
	require.NoError(t, err)

	reply := inboxMessage("reply", "bob@example.com", "Re: kickoff")
	reply.ConversationID = "conv-thread"
	client.inject(reply)

	stats := e.RunCycle(context.Background())
	assert.Equal(t, 1, stats.Classified)

	sg, err := db.Suggestions.GetByEmail("reply")
	require.NoError(t, err)
	require.NotNil(t, sg)
	assert.Equal(t, "Projects/Alpha", sg.SuggestedFolder, "inherited folder wins over the model's choice")
	assert.Equal(t, "P2 - Important", sg.SuggestedPriority, "priority comes from the model")
	assert.Equal(t, "Review", sg.SuggestedActionType)
	assert.Equal(t, 0.95, sg.Confidence)

	email, err := db.Emails.GetEmail("reply")
	require.NoError(t, err)
	require.NotNil(t, email.ClassificationJSON)
	assert.Contains(t, *email.ClassificationJSON, `"claude_inherited"`)
}

func TestCycleDedupAcrossCycles(t *testing.T) {
	e, db, client, _ := newTestEngine(t, engineConfig())

	client.inject(inboxMessage("dup", "alice@example.com", "hello"))
	e.RunCycle(context.Background())

	client.inject(inboxMessage("dup", "alice@example.com", "hello"))
	stats := e.RunCycle(context.Background())
	assert.Equal(t, 1, stats.Skipped)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM emails").Scan(&count))
	assert.Equal(t, 1, count)
	var suggestions int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM suggestions").Scan(&suggestions))
	assert.Equal(t, 1, suggestions)
}

func TestCycleClassifiesInReceivedOrder(t *testing.T) {
	e, db, client, _ := newTestEngine(t, engineConfig())

	older := inboxMessage("o1", "alice@example.com", "kickoff")
	older.ConversationID = "conv-o"
	older.ReceivedAt = time.Now().Add(-2 * time.Hour)
	newer := inboxMessage("o2", "bob@example.com", "Re: kickoff")
	newer.ConversationID = "conv-o"

	// Delta order has the reply first; classification must still run
	// oldest received first
	client.inject(newer, older)
	stats := e.RunCycle(context.Background())
	assert.Equal(t, 2, stats.Classified)

	sgOlder, err := db.Suggestions.GetByEmail("o1")
	require.NoError(t, err)
	require.NotNil(t, sgOlder)
	sgNewer, err := db.Suggestions.GetByEmail("o2")
	require.NoError(t, err)
	require.NotNil(t, sgNewer)
	assert.Less(t, sgOlder.ID, sgNewer.ID, "suggestions written in received-at order")
}

func TestGracefulDegradationAndRecovery(t *testing.T) {
	e, db, client, model := newTestEngine(t, engineConfig())
	model.setFailing(true)

	// Three cycles, each with one new message failing all Claude attempts
	for i, id := range []string{"f1", "f2", "f3"} {
		client.inject(inboxMessage(id, "alice@example.com", "update"))
		e.RunCycle(context.Background())
		if i < 2 {
			assert.False(t, e.Degradation().IsDegraded(), "cycle %d must not trip yet", i+1)
		}
	}
	require.True(t, e.Degradation().IsDegraded(), "third consecutive failure trips degraded mode")
	assert.Contains(t, e.Degradation().Snapshot().Reason, "Claude")

	// Degraded cycle: the single recovery call fails, everything else
	// stays pending without an LLM call
	before := model.callCount()
	client.inject(
		inboxMessage("f4", "alice@example.com", "update"),
		inboxMessage("f4b", "alice@example.com", "update"),
	)
	stats := e.RunCycle(context.Background())
	assert.Equal(t, 2, stats.PendingDegraded)
	assert.Equal(t, before+1, model.callCount(), "exactly one LLM call while degraded")
	assert.True(t, e.Degradation().IsDegraded(), "failed recovery check keeps degraded mode")

	email, err := db.Emails.GetEmail("f4")
	require.NoError(t, err)
	assert.Equal(t, database.ClassificationPending, email.ClassificationStatus)
	assert.Zero(t, email.ClassificationAttempts, "recovery failures never burn the attempt budget")

	// Recovery cycle: new message classifies, degradation clears, and the
	// backlog sweep picks up the pending messages
	model.setFailing(false)
	client.inject(inboxMessage("f5", "alice@example.com", "update"))
	stats = e.RunCycle(context.Background())
	assert.Equal(t, 1, stats.Classified)
	assert.False(t, e.Degradation().IsDegraded())
	assert.Equal(t, 5, stats.Backlog, "f1-f4b swept after recovery")

	for _, id := range []string{"f1", "f2", "f3", "f4", "f4b", "f5"} {
		email, err := db.Emails.GetEmail(id)
		require.NoError(t, err)
		assert.Equal(t, database.ClassificationClassified, email.ClassificationStatus, id)
	}
}

func TestDegradedRecoveryWithoutNewMail(t *testing.T) {
	e, db, client, model := newTestEngine(t, engineConfig())
	model.setFailing(true)

	for _, id := range []string{"g1", "g2", "g3"} {
		client.inject(inboxMessage(id, "alice@example.com", "update"))
		e.RunCycle(context.Background())
	}
	require.True(t, e.Degradation().DegradedByClaude())

	// With no new mail the recovery call comes out of the backlog instead
	model.setFailing(false)
	stats := e.RunCycle(context.Background())
	assert.Zero(t, stats.Fetched)
	assert.False(t, e.Degradation().IsDegraded(), "backlog recovery success clears degradation")
	assert.Equal(t, 3, stats.Backlog, "a successful recovery call lets the sweep finish the cycle")

	for _, id := range []string{"g1", "g2", "g3"} {
		email, err := db.Emails.GetEmail(id)
		require.NoError(t, err)
		assert.Equal(t, database.ClassificationClassified, email.ClassificationStatus, id)
	}
}

func TestCycleBatchSizeBound(t *testing.T) {
	cfg := engineConfig()
	cfg.Triage.BatchSize = 2
	e, db, client, _ := newTestEngine(t, cfg)

	client.inject(
		inboxMessage("b1", "alice@example.com", "one"),
		inboxMessage("b2", "alice@example.com", "two"),
		inboxMessage("b3", "alice@example.com", "three"),
	)

	stats := e.RunCycle(context.Background())
	assert.Equal(t, 3, stats.Fetched)
	assert.Equal(t, 2, stats.Classified)
	assert.Equal(t, 1, stats.PendingDegraded)

	// The overflow message is saved pending with no suggestion, so the
	// same cycle's backlog sweep already finishes it
	email, err := db.Emails.GetEmail("b3")
	require.NoError(t, err)
	require.NotNil(t, email)
	assert.Equal(t, database.ClassificationClassified, email.ClassificationStatus)
	assert.Equal(t, 1, stats.Backlog)
}

func TestCycleUpdatesStateKeys(t *testing.T) {
	e, db, client, _ := newTestEngine(t, engineConfig())

	client.inject(inboxMessage("s1", "alice@example.com", "hello"))
	stats := e.RunCycle(context.Background())

	id, ok, err := db.State.Get(database.StateKeyLastTriageCycleID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stats.CycleID, id)
	assert.Len(t, stats.CycleID, 36)

	_, ok, err = db.State.Get(database.StateKeyLastProcessedTimestamp)
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := e.LastCycle()
	require.NoError(t, err)
	assert.Equal(t, stats.CycleID, info.LastCycleID)
	assert.False(t, info.LastCycleAt.IsZero())
}

func TestCycleCreatesWaitingFor(t *testing.T) {
	cfg := engineConfig()
	e, db, client, model := newTestEngine(t, cfg)
	model.answer = map[string]interface{}{
		"folder":      "Projects/Beta",
		"priority":    "P2 - Important",
		"action_type": "Waiting For",
		"confidence":  0.8,
		"reasoning":   "Awaiting the signed contract.",
		"waiting_for": map[string]string{
			"expected_from": "legal@vendor.example",
			"description":   "signed contract",
		},
	}

	client.inject(inboxMessage("w1", "legal@vendor.example", "Contract"))
	e.RunCycle(context.Background())

	active, err := db.WaitingFor.GetActive()
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "w1", active[0].EmailID)
	assert.Equal(t, "legal@vendor.example", active[0].ExpectedFrom)
	assert.Equal(t, 48, active[0].NudgeAfterHours)
}

func TestCycleUpsertsSenderProfile(t *testing.T) {
	e, db, client, _ := newTestEngine(t, engineConfig())

	client.inject(inboxMessage("p1", "Alice@Example.com", "hello"))
	e.RunCycle(context.Background())

	profile, err := db.Senders.GetProfile("alice@example.com")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, 1, profile.EmailCount)
	assert.Equal(t, "example.com", profile.Domain)
}

func TestCycleRecordsLLMLog(t *testing.T) {
	e, db, client, _ := newTestEngine(t, engineConfig())

	client.inject(inboxMessage("l1", "alice@example.com", "hello"))
	e.RunCycle(context.Background())

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM llm_log WHERE success = 1").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestDegradationBoundary(t *testing.T) {
	d := NewDegradationState()

	assert.False(t, d.RecordClaudeFailure())
	assert.False(t, d.RecordClaudeFailure())
	assert.False(t, d.IsDegraded(), "two failures are below the threshold")

	assert.True(t, d.RecordClaudeFailure(), "the third failure trips")
	assert.True(t, d.IsDegraded())
	assert.True(t, d.DegradedByClaude())

	snap := d.Snapshot()
	assert.Contains(t, snap.Reason, "Claude")
	assert.False(t, snap.DegradedSince.IsZero())

	d.RecordClaudeSuccess()
	assert.False(t, d.IsDegraded(), "one success clears degradation")
	assert.Zero(t, d.Snapshot().ClaudeFailures)
}

func TestDegradationIndependentCounters(t *testing.T) {
	d := NewDegradationState()

	d.RecordClaudeFailure()
	d.RecordClaudeFailure()
	d.RecordGraphFailure()
	d.RecordGraphFailure()
	assert.False(t, d.IsDegraded(), "counters never pool")

	d.RecordGraphFailure()
	assert.True(t, d.IsDegraded())
	assert.False(t, d.DegradedByClaude(), "graph degradation does not suspend the LLM")

	// A Claude success must not clear a Graph-caused degradation
	d.RecordClaudeSuccess()
	assert.True(t, d.IsDegraded())

	d.RecordGraphSuccess()
	assert.False(t, d.IsDegraded())
}

func TestGraphFolderFailuresFeedDegradation(t *testing.T) {
	e, _, _, _ := newTestEngine(t, engineConfig())

	for i := 0; i < MaxConsecutiveFailures; i++ {
		e.Degradation().RecordGraphFailure()
	}
	require.True(t, e.Degradation().IsDegraded())
	assert.Contains(t, e.Degradation().Snapshot().Reason, "Graph")
}
