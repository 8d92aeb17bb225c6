package classifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"outlook-organiser/internal/config"
	"outlook-organiser/internal/database"
	"outlook-organiser/internal/triage"
)

func promptConfig() *config.Config {
	return &config.Config{
		Projects: []config.Project{
			{Name: "Alpha", Folder: "Projects/Alpha", SubjectKeywords: []string{"kickoff", "sprint"}},
		},
		Areas: []config.Area{
			{Name: "Development", Folder: "Areas/Development"},
		},
		KeyContacts: []config.KeyContact{
			{Name: "Dana", Address: "dana@corp.example", Role: "manager"},
		},
	}
}

func TestSystemPromptSections(t *testing.T) {
	b := NewPromptBuilder(promptConfig(), "Newsletters from vendors go to Reference.")
	prompt := b.SystemPrompt()

	assert.Contains(t, prompt, "Projects/Alpha")
	assert.Contains(t, prompt, "Areas/Development")
	assert.Contains(t, prompt, "dana@corp.example")
	assert.Contains(t, prompt, "P1 - Urgent")
	assert.Contains(t, prompt, "FYI Only")
	assert.Contains(t, prompt, "Newsletters from vendors go to Reference.")
}

func TestSystemPromptWithoutPreferences(t *testing.T) {
	b := NewPromptBuilder(promptConfig(), "")
	assert.NotContains(t, b.SystemPrompt(), "Learned user preferences")
}

func TestUserPromptConditionalSections(t *testing.T) {
	b := NewPromptBuilder(promptConfig(), "")

	email := &database.Email{
		ID:            "m1",
		Subject:       "Sprint review",
		SenderAddress: "alice@example.com",
		SenderName:    "Alice",
		ReceivedAt:    time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
		Importance:    "normal",
		Snippet:       "Notes attached.",
	}

	// Bare context: no optional sections
	prompt := b.UserPrompt(email, &triage.ClassificationContext{})
	assert.Contains(t, prompt, "Sprint review")
	assert.Contains(t, prompt, "Notes attached.")
	assert.NotContains(t, prompt, "Sender pattern")
	assert.NotContains(t, prompt, "Sender category")
	assert.NotContains(t, prompt, "Thread context")
	assert.NotContains(t, prompt, "already replied")

	// Weak sender history stays out
	prompt = b.UserPrompt(email, &triage.ClassificationContext{
		SenderHistory: &database.SenderHistory{Total: 3, FolderCounts: map[string]int{"Inbox": 3}},
	})
	assert.NotContains(t, prompt, "Sender pattern")

	// Strong pattern appears
	prompt = b.UserPrompt(email, &triage.ClassificationContext{
		SenderHistory: &database.SenderHistory{Total: 10, FolderCounts: map[string]int{"Projects/Alpha": 9, "Inbox": 1}},
	})
	assert.Contains(t, prompt, "Sender pattern")
	assert.Contains(t, prompt, "Projects/Alpha")

	// Unknown category stays out, known category appears
	prompt = b.UserPrompt(email, &triage.ClassificationContext{
		SenderProfile: &database.SenderProfile{Category: database.SenderCategoryUnknown},
	})
	assert.NotContains(t, prompt, "Sender category")

	prompt = b.UserPrompt(email, &triage.ClassificationContext{
		SenderProfile: &database.SenderProfile{Category: database.SenderCategoryClient},
	})
	assert.Contains(t, prompt, "Sender category: client")

	// Thread block and reply flag
	prompt = b.UserPrompt(email, &triage.ClassificationContext{
		HasUserReplied: true,
		ThreadDepth:    2,
		ThreadEmails: []database.Email{
			{SenderAddress: "bob@example.com", Subject: "Sprint review", ReceivedAt: time.Now()},
		},
	})
	assert.Contains(t, prompt, "already replied")
	assert.Contains(t, prompt, "Thread context (depth 2")
	assert.Contains(t, prompt, "bob@example.com")

	// Inheritance note
	prompt = b.UserPrompt(email, &triage.ClassificationContext{InheritedFolder: "Projects/Alpha"})
	assert.Contains(t, prompt, "already filed under Projects/Alpha")
}
