// Package classifier runs the classification ladder for one message:
// auto-rules, thread inheritance, then an LLM tool call with validated
// structured output.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"outlook-organiser/internal/database"
	"outlook-organiser/internal/llm"
	"outlook-organiser/internal/triage"
)

// MaxClassificationAttempts bounds the per-message LLM retry loop. Only
// logical failures (missing or invalid tool output) are retried; transport
// failures surface immediately.
const MaxClassificationAttempts = 3

// Classification methods recorded on results.
const (
	MethodAutoRule        = "auto_rule"
	MethodClaude          = "claude"
	MethodClaudeInherited = "claude_inherited"
)

// The four priorities, in rank order.
var Priorities = []string{
	"P1 - Urgent",
	"P2 - Important",
	"P3 - Routine",
	"P4 - Low",
}

// The six action types.
var ActionTypes = []string{
	"Needs Reply",
	"Review",
	"Waiting For",
	"Delegate",
	"Schedule",
	"FYI Only",
}

// ActionWaitingFor is the action type that spawns a WaitingFor tracker.
const ActionWaitingFor = "Waiting For"

// WaitingForDetail is the optional follow-up block a classification may
// carry when the action is "Waiting For".
type WaitingForDetail struct {
	ExpectedFrom string `json:"expected_from"`
	Description  string `json:"description"`
}

// Result is one complete classification decision.
type Result struct {
	Folder           string            `json:"folder"`
	Priority         string            `json:"priority"`
	ActionType       string            `json:"action_type"`
	Confidence       float64           `json:"confidence"`
	Reasoning        string            `json:"reasoning"`
	Method           string            `json:"method"`
	InheritedFolder  bool              `json:"inherited_folder,omitempty"`
	WaitingFor       *WaitingForDetail `json:"waiting_for,omitempty"`
	SuggestedProject string            `json:"suggested_project,omitempty"`
}

// ClassificationError is the terminal failure after the attempt budget is
// spent (or a transport failure cut the budget short).
type ClassificationError struct {
	EmailID  string
	Attempts int
	Err      error
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classification failed for %s after %d attempt(s): %v", e.EmailID, e.Attempts, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Classifier drives the LLM rung of the ladder. Auto-rules are checked by
// the caller before it is consulted.
type Classifier struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// New creates a classifier over an LLM capability.
func New(client llm.Client, model string, logger *slog.Logger) *Classifier {
	return &Classifier{client: client, model: model, logger: logger}
}

// toolResult is the raw shape of the classify_email tool output before
// validation.
type toolResult struct {
	Folder           string            `json:"folder"`
	Priority         string            `json:"priority"`
	ActionType       string            `json:"action_type"`
	Confidence       *float64          `json:"confidence"`
	Reasoning        string            `json:"reasoning"`
	WaitingFor       *WaitingForDetail `json:"waiting_for"`
	SuggestedProject string            `json:"suggested_project"`
}

// Classify calls the LLM with a forced classify_email tool call and
// validates the output, retrying logical failures up to the attempt
// budget. When the context carries an inherited folder it overrides the
// model's folder choice; priority and action still come from the model.
func (c *Classifier) Classify(ctx context.Context, email *database.Email, cctx *triage.ClassificationContext, systemPrompt, userPrompt string) (*Result, error) {
	req := &llm.Request{
		Model:  c.model,
		System: systemPrompt,
		Messages: []llm.ChatMessage{
			{Role: "user", Content: userPrompt},
		},
		Tool: ClassifyToolSpec(),
	}

	var lastErr error
	for attempt := 1; attempt <= MaxClassificationAttempts; attempt++ {
		call, err := c.client.CallTool(ctx, req)
		if err != nil {
			if errors.Is(err, llm.ErrNoToolUse) {
				lastErr = err
				c.logger.Warn("classification attempt produced no tool call",
					"email_id", email.ID, "attempt", attempt)
				continue
			}
			// Transport failures already exhausted their own retries.
			return nil, &ClassificationError{EmailID: email.ID, Attempts: attempt, Err: err}
		}

		result, err := parseToolResult(call.Input)
		if err != nil {
			lastErr = err
			c.logger.Warn("classification attempt returned invalid output",
				"email_id", email.ID, "attempt", attempt, "error", err)
			continue
		}

		if cctx != nil && cctx.InheritedFolder != "" {
			result.Folder = cctx.InheritedFolder
			result.Method = MethodClaudeInherited
			result.Confidence = cctx.InheritedConfidence
			result.InheritedFolder = true
		} else {
			result.Method = MethodClaude
		}
		return result, nil
	}

	return nil, &ClassificationError{EmailID: email.ID, Attempts: MaxClassificationAttempts, Err: lastErr}
}

// parseToolResult decodes and validates one classify_email output.
func parseToolResult(input json.RawMessage) (*Result, error) {
	var raw toolResult
	if err := json.Unmarshal(input, &raw); err != nil {
		return nil, fmt.Errorf("malformed tool input: %w", err)
	}

	if raw.Folder == "" {
		return nil, errors.New("folder is empty")
	}
	if !contains(Priorities, raw.Priority) {
		return nil, fmt.Errorf("priority %q not in the allowed set", raw.Priority)
	}
	if !contains(ActionTypes, raw.ActionType) {
		return nil, fmt.Errorf("action type %q not in the allowed set", raw.ActionType)
	}
	if raw.Confidence == nil {
		return nil, errors.New("confidence is missing")
	}
	if *raw.Confidence < 0 || *raw.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range", *raw.Confidence)
	}
	if raw.Reasoning == "" {
		return nil, errors.New("reasoning is empty")
	}

	return &Result{
		Folder:           raw.Folder,
		Priority:         raw.Priority,
		ActionType:       raw.ActionType,
		Confidence:       *raw.Confidence,
		Reasoning:        raw.Reasoning,
		WaitingFor:       raw.WaitingFor,
		SuggestedProject: raw.SuggestedProject,
	}, nil
}

func contains(set []string, value string) bool {
	for _, v := range set {
		if v == value {
			return true
		}
	}
	return false
}
