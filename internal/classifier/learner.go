package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"outlook-organiser/internal/config"
	"outlook-organiser/internal/database"
	"outlook-organiser/internal/llm"
)

// Learner periodically distils recent user corrections into a
// natural-language preference blob embedded in the classifier's system
// prompt. It only runs when enough new corrections have accumulated, and
// never destroys the existing blob on failure.
type Learner struct {
	db     *database.DB
	client llm.Client
	model  string
	cfg    config.LearningConfig
	logger *slog.Logger

	now func() time.Time
}

// NewLearner creates a preference learner.
func NewLearner(db *database.DB, client llm.Client, model string, cfg config.LearningConfig, logger *slog.Logger) *Learner {
	return &Learner{db: db, client: client, model: model, cfg: cfg, logger: logger, now: time.Now}
}

// MaybeLearn checks the correction threshold and, when crossed, rewrites
// the preference blob. Returns true when a new blob was stored.
func (l *Learner) MaybeLearn(ctx context.Context) (bool, error) {
	if !l.cfg.Enabled {
		return false, nil
	}

	since, err := l.lastLearnedAt()
	if err != nil {
		return false, err
	}

	count, err := l.db.Suggestions.GetCorrectionCountSince(since)
	if err != nil {
		return false, err
	}
	if count < l.cfg.MinCorrectionsToUpdate {
		return false, nil
	}

	corrections, err := l.db.Suggestions.GetRecentCorrections(l.cfg.LookbackDays)
	if err != nil {
		return false, err
	}
	if len(corrections) == 0 {
		return false, nil
	}

	current, _, err := l.db.State.Get(database.StateKeyPreferences)
	if err != nil {
		return false, err
	}

	updated, err := l.rewrite(ctx, corrections, current)
	if err != nil {
		// The existing blob stays in force.
		l.logger.Warn("preference rewrite failed, keeping current blob", "error", err)
		return false, err
	}

	updated = TruncateWords(updated, l.cfg.MaxPreferencesWords)
	if err := l.db.State.Set(database.StateKeyPreferences, updated); err != nil {
		return false, err
	}
	if err := l.db.State.Set(database.StateKeyPreferencesLearnedAt, l.now().UTC().Format(time.RFC3339)); err != nil {
		return false, err
	}

	l.logger.Info("classification preferences updated", "corrections", len(corrections))
	return true, nil
}

// lastLearnedAt returns the timestamp of the previous learning pass, or
// the zero time when the learner has never run.
func (l *Learner) lastLearnedAt() (time.Time, error) {
	raw, ok, err := l.db.State.Get(database.StateKeyPreferencesLearnedAt)
	if err != nil || !ok {
		return time.Time{}, err
	}
	ts, perr := time.Parse(time.RFC3339, raw)
	if perr != nil {
		return time.Time{}, nil
	}
	return ts, nil
}

func (l *Learner) rewrite(ctx context.Context, corrections []database.Correction, current string) (string, error) {
	call, err := l.client.CallTool(ctx, &llm.Request{
		Model:  l.model,
		System: "You maintain a short paragraph of email filing preferences for one user. Rewrite it to reflect their recent corrections. Keep only durable preferences; drop one-off cases.",
		Messages: []llm.ChatMessage{
			{Role: "user", Content: l.learnPrompt(corrections, current)},
		},
		Tool: updatePreferencesTool(),
	})
	if err != nil {
		return "", err
	}

	var out struct {
		Preferences string `json:"preferences"`
	}
	if err := json.Unmarshal(call.Input, &out); err != nil {
		return "", fmt.Errorf("malformed tool input: %w", err)
	}
	if strings.TrimSpace(out.Preferences) == "" {
		return "", fmt.Errorf("empty preferences returned")
	}
	return strings.TrimSpace(out.Preferences), nil
}

func (l *Learner) learnPrompt(corrections []database.Correction, current string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Recent corrections (last %d days):\n\n", l.cfg.LookbackDays)
	for _, c := range corrections {
		fmt.Fprintf(&sb, "- From %s, subject %q: suggested (%s, %s, %s), user chose (%s, %s, %s)\n",
			c.SenderAddress, c.Subject,
			c.SuggestedFolder, c.SuggestedPriority, c.SuggestedActionType,
			c.ApprovedFolder, c.ApprovedPriority, c.ApprovedActionType)
	}

	sb.WriteString("\nCurrent preferences:\n")
	if current == "" {
		sb.WriteString("(none yet)\n")
	} else {
		sb.WriteString(current + "\n")
	}
	fmt.Fprintf(&sb, "\nWrite the updated preferences in at most %d words.\n", l.cfg.MaxPreferencesWords)
	return sb.String()
}

func updatePreferencesTool() llm.ToolSpec {
	return llm.ToolSpec{
		Name:        "update_preferences",
		Description: "Store the rewritten preference paragraph.",
		InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"preferences": map[string]interface{}{
					"type":        "string",
					"description": "The full updated preference paragraph.",
				},
			},
			"required": []string{"preferences"},
		},
	}
}

// TruncateWords cuts a blob to at most max words, preserving the original
// spacing of the kept prefix.
func TruncateWords(s string, max int) string {
	if max <= 0 {
		return s
	}
	fields := strings.Fields(s)
	if len(fields) <= max {
		return s
	}
	return strings.Join(fields[:max], " ")
}
