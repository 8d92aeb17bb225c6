package classifier

import (
	"fmt"
	"strings"
	"time"

	"outlook-organiser/internal/config"
	"outlook-organiser/internal/database"
	"outlook-organiser/internal/llm"
	"outlook-organiser/internal/triage"
)

var priorityDescriptions = map[string]string{
	"P1 - Urgent":    "needs attention today; blocking or time-critical",
	"P2 - Important": "matters to active work; handle within a couple of days",
	"P3 - Routine":   "normal course of business",
	"P4 - Low":       "no action expected; informational only",
}

var actionDescriptions = map[string]string{
	"Needs Reply": "the user owes a response",
	"Review":      "read and decide; no reply promised",
	"Waiting For": "the user is waiting on someone else named in the mail",
	"Delegate":    "should be handed to someone else",
	"Schedule":    "needs a calendar slot or a scheduled block of time",
	"FYI Only":    "file it; nothing to do",
}

// ClassifyToolSpec is the forced tool the classifier requires the model
// to call.
func ClassifyToolSpec() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "classify_email",
		Description: "Record the triage decision for one email.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"folder": map[string]interface{}{
					"type":        "string",
					"description": "Destination folder path from the hierarchy.",
				},
				"priority": map[string]interface{}{
					"type": "string",
					"enum": Priorities,
				},
				"action_type": map[string]interface{}{
					"type": "string",
					"enum": ActionTypes,
				},
				"confidence": map[string]interface{}{
					"type":    "number",
					"minimum": 0,
					"maximum": 1,
				},
				"reasoning": map[string]interface{}{
					"type":        "string",
					"description": "One sentence explaining the decision.",
				},
				"waiting_for": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"expected_from": map[string]interface{}{"type": "string"},
						"description":   map[string]interface{}{"type": "string"},
					},
				},
				"suggested_project": map[string]interface{}{
					"type":        "string",
					"description": "Proposed new project name when no existing folder fits.",
				},
			},
			"required": []string{"folder", "priority", "action_type", "confidence", "reasoning"},
		},
	}
}

// PromptBuilder assembles the system and per-message prompts. It is
// rebuilt once per triage cycle so config edits and freshly learned
// preferences take effect at cycle boundaries.
type PromptBuilder struct {
	cfg         *config.Config
	preferences string
}

// NewPromptBuilder creates a builder from the current config snapshot and
// preference blob.
func NewPromptBuilder(cfg *config.Config, preferences string) *PromptBuilder {
	return &PromptBuilder{cfg: cfg, preferences: preferences}
}

// SystemPrompt renders the cycle-wide system prompt: folder hierarchy,
// key contacts, the priority and action enumerations, and the learned
// preference blob.
func (b *PromptBuilder) SystemPrompt() string {
	var sb strings.Builder

	sb.WriteString("You are an email triage assistant. For each email, choose a destination folder, a priority, and an action type.\n\n")

	sb.WriteString("## Folder hierarchy\n\nProjects (active work):\n")
	for _, p := range b.cfg.Projects {
		fmt.Fprintf(&sb, "- %s (%s)", p.Folder, p.Name)
		if len(p.SubjectKeywords) > 0 {
			fmt.Fprintf(&sb, " — signals: %s", strings.Join(p.SubjectKeywords, ", "))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nAreas (ongoing responsibilities):\n")
	for _, a := range b.cfg.Areas {
		fmt.Fprintf(&sb, "- %s (%s)\n", a.Folder, a.Name)
	}
	sb.WriteString("\nReference/ holds material to keep; Archive/ holds finished work.\n")

	if len(b.cfg.KeyContacts) > 0 {
		sb.WriteString("\n## Key contacts\n\nMail from these people is always important:\n")
		for _, kc := range b.cfg.KeyContacts {
			fmt.Fprintf(&sb, "- %s <%s>", kc.Name, kc.Address)
			if kc.Role != "" {
				fmt.Fprintf(&sb, " (%s)", kc.Role)
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("\n## Priorities\n\n")
	for _, p := range Priorities {
		fmt.Fprintf(&sb, "- %s: %s\n", p, priorityDescriptions[p])
	}
	sb.WriteString("\n## Action types\n\n")
	for _, a := range ActionTypes {
		fmt.Fprintf(&sb, "- %s: %s\n", a, actionDescriptions[a])
	}

	if b.preferences != "" {
		sb.WriteString("\n## Learned user preferences\n\n")
		sb.WriteString(b.preferences)
		sb.WriteString("\n")
	}

	return sb.String()
}

// UserPrompt renders the per-message prompt. Context sections appear only
// when they carry signal: the sender history line only for a strong
// pattern, the profile line only for a known category, the thread block
// only when prior messages exist.
func (b *PromptBuilder) UserPrompt(email *database.Email, cctx *triage.ClassificationContext) string {
	var sb strings.Builder

	sb.WriteString("Classify this email.\n\n")
	fmt.Fprintf(&sb, "From: %s <%s>\n", email.SenderName, email.SenderAddress)
	fmt.Fprintf(&sb, "Subject: %s\n", email.Subject)
	fmt.Fprintf(&sb, "Received: %s\n", email.ReceivedAt.Format(time.RFC1123))
	fmt.Fprintf(&sb, "Importance: %s\n", email.Importance)
	if email.IsFlagged {
		sb.WriteString("The user has flagged this message.\n")
	}
	if email.Snippet != "" {
		fmt.Fprintf(&sb, "\nBody preview:\n%s\n", email.Snippet)
	}

	if cctx == nil {
		return sb.String()
	}

	if cctx.HasUserReplied {
		sb.WriteString("\nThe user has already replied on this conversation.\n")
	}

	if history := cctx.SenderHistory; history.IsStrong() {
		folder, pct := history.Dominant()
		fmt.Fprintf(&sb, "\nSender pattern: %d previous emails from this sender, %.0f%% filed to %s.\n",
			history.Total, pct*100, folder)
	}

	if profile := cctx.SenderProfile; profile != nil && profile.Category != database.SenderCategoryUnknown {
		fmt.Fprintf(&sb, "Sender category: %s.\n", profile.Category)
	}

	if len(cctx.ThreadEmails) > 0 {
		fmt.Fprintf(&sb, "\nThread context (depth %d, newest first):\n", cctx.ThreadDepth)
		for _, prior := range cctx.ThreadEmails {
			fmt.Fprintf(&sb, "- [%s] %s: %s\n",
				prior.ReceivedAt.Format("2006-01-02"), prior.SenderAddress, prior.Subject)
		}
	}

	if cctx.InheritedFolder != "" {
		fmt.Fprintf(&sb, "\nThe thread is already filed under %s; that folder will be kept. Classify priority and action type for this message.\n",
			cctx.InheritedFolder)
	}

	return sb.String()
}
