package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"outlook-organiser/internal/classifier"
	"outlook-organiser/internal/config"
	"outlook-organiser/internal/database"
	"outlook-organiser/internal/mail"
)

// outcome is the terminal state of one message's trip through the
// pipeline.
type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeAutoRule
	outcomeClassified
	outcomePendingDegraded
	outcomeFailed
	outcomeError
)

// processMessage runs the per-message pipeline: dedup, save, auto-rule,
// degradation gate, context, LLM. Errors are demoted to per-message
// outcomes; only the outcome is returned. With llmAllowed false (degraded
// mode or past the batch budget) the message is saved, auto-rules still
// apply, and the LLM rung is skipped so the backlog sweep can finish the
// job later.
func (e *Engine) processMessage(ctx context.Context, cycleID string, fm mail.FetchedMessage, cfg *config.Config, prompts *classifier.PromptBuilder, systemPrompt string, llmAllowed bool) outcome {
	exists, err := e.db.Emails.EmailExists(fm.ID)
	if err != nil {
		e.logger.Error("dedup check failed", "email_id", fm.ID, "error", err)
		return outcomeError
	}
	if exists {
		return outcomeSkipped
	}

	email := e.toEmail(fm)
	if err := e.db.Emails.SaveEmail(email); err != nil {
		e.logger.Error("email save failed", "email_id", fm.ID, "error", err)
		return outcomeError
	}

	if match, ok := classifier.MatchAutoRule(cfg.AutoRules, email.SenderAddress, email.Subject); ok {
		if err := e.applyAutoRule(cycleID, email, match); err != nil {
			e.logger.Error("auto-rule apply failed", "email_id", email.ID, "rule", match.Rule.Name, "error", err)
			return outcomeError
		}
		return outcomeAutoRule
	}

	if !llmAllowed {
		// Backlog processing picks the message up later.
		return outcomePendingDegraded
	}

	recovery := false
	if e.degradation.DegradedByClaude() {
		// One LLM call per cycle tests whether the API has recovered;
		// everything else stays pending for the backlog sweep.
		if !e.spendRecoveryCall() {
			return outcomePendingDegraded
		}
		recovery = true
	}

	return e.classifyAndPersist(ctx, cycleID, email, cfg, prompts, systemPrompt, recovery)
}

// toEmail projects a fetched message into the stored shape, cleaning the
// body preview and stamping the reply flag from the sent-items cache.
func (e *Engine) toEmail(fm mail.FetchedMessage) *database.Email {
	return &database.Email{
		ID:                fm.ID,
		ConversationID:    fm.ConversationID,
		ConversationIndex: fm.ConversationIndex,
		Subject:           fm.Subject,
		SenderAddress:     fm.FromAddress,
		SenderName:        fm.FromName,
		ReceivedAt:        fm.ReceivedAt,
		Snippet:           e.cleaner.Clean(fm.BodyPreview),
		FolderPath:        fm.FolderPath,
		Importance:        fm.Importance,
		IsRead:            fm.IsRead,
		IsFlagged:         fm.IsFlagged,
		HasUserReplied:    e.sent.HasReplied(fm.ConversationID),
		WebLink:           fm.WebLink,
	}
}

// applyAutoRule persists a self-approved suggestion for a rule match. The
// LLM is never consulted.
func (e *Engine) applyAutoRule(cycleID string, email *database.Email, match *classifier.RuleMatch) error {
	rule := match.Rule
	priority := rule.Priority
	if priority == "" {
		priority = "P4 - Low"
	}
	actionType := rule.ActionType
	if actionType == "" {
		actionType = "FYI Only"
	}

	id, err := e.db.Suggestions.Create(email.ID, rule.Folder, priority, actionType, 1.0, match.Reason)
	if err != nil {
		return err
	}
	if _, err := e.db.Suggestions.Approve(id, nil, nil, nil); err != nil {
		return err
	}

	result := classifier.Result{
		Folder:     rule.Folder,
		Priority:   priority,
		ActionType: actionType,
		Confidence: 1.0,
		Reasoning:  match.Reason,
		Method:     classifier.MethodAutoRule,
	}
	blob, _ := json.Marshal(result)
	blobStr := string(blob)
	if err := e.db.Emails.UpdateClassificationStatus(email.ID, database.ClassificationClassified, &blobStr); err != nil {
		return err
	}

	if err := e.db.Audit.LogAction(cycleID, database.ActionClassify, email.ID, database.TriggeredByAuto, database.ClassifyActionDetail{
		Folder:     rule.Folder,
		Priority:   priority,
		ActionType: actionType,
		Confidence: 1.0,
		Method:     classifier.MethodAutoRule,
		RuleName:   rule.Name,
	}); err != nil {
		e.logger.Warn("action log write failed", "email_id", email.ID, "error", err)
	}
	return nil
}

// classifyAndPersist runs the LLM rung for one stored email and persists
// the result. Shared by the live pipeline and the backlog sweep. With
// recovery set the call is a degraded-mode recovery check: a failure
// leaves the email pending and does not touch its attempt counter.
func (e *Engine) classifyAndPersist(ctx context.Context, cycleID string, email *database.Email, cfg *config.Config, prompts *classifier.PromptBuilder, systemPrompt string, recovery bool) outcome {
	cctx, err := e.assembler.Assemble(ctx, email)
	if err != nil {
		e.logger.Error("context assembly failed", "email_id", email.ID, "error", err)
		return outcomeError
	}

	result, err := e.classifier.Classify(ctx, email, cctx, systemPrompt, prompts.UserPrompt(email, cctx))
	if err != nil {
		return e.recordClassificationFailure(email, err, recovery)
	}

	e.degradation.RecordClaudeSuccess()

	if _, err := e.db.Suggestions.Create(email.ID, result.Folder, result.Priority, result.ActionType, result.Confidence, result.Reasoning); err != nil {
		e.logger.Error("suggestion create failed", "email_id", email.ID, "error", err)
		return outcomeError
	}

	blob, _ := json.Marshal(result)
	blobStr := string(blob)
	if err := e.db.Emails.UpdateClassificationStatus(email.ID, database.ClassificationClassified, &blobStr); err != nil {
		e.logger.Error("status update failed", "email_id", email.ID, "error", err)
		return outcomeError
	}

	if err := e.db.Audit.LogAction(cycleID, database.ActionSuggest, email.ID, database.TriggeredByClaude, database.ClassifyActionDetail{
		Folder:     result.Folder,
		Priority:   result.Priority,
		ActionType: result.ActionType,
		Confidence: result.Confidence,
		Method:     result.Method,
	}); err != nil {
		e.logger.Warn("action log write failed", "email_id", email.ID, "error", err)
	}

	if result.ActionType == classifier.ActionWaitingFor && result.WaitingFor != nil && result.WaitingFor.ExpectedFrom != "" {
		_, err := e.db.WaitingFor.Create(&database.WaitingFor{
			EmailID:         email.ID,
			ConversationID:  email.ConversationID,
			WaitingSince:    time.Now(),
			ExpectedFrom:    result.WaitingFor.ExpectedFrom,
			Description:     result.WaitingFor.Description,
			NudgeAfterHours: cfg.Aging.WaitingForNudgeHours,
		})
		if err != nil {
			e.logger.Warn("waiting-for create failed", "email_id", email.ID, "error", err)
		}
	}

	if err := e.db.Senders.Upsert(&database.SenderProfile{
		Address:     email.SenderAddress,
		DisplayName: email.SenderName,
		Category:    database.SenderCategoryUnknown,
		LastSeen:    email.ReceivedAt,
	}, true); err != nil {
		e.logger.Warn("sender profile upsert failed", "sender", email.SenderAddress, "error", err)
	}

	return outcomeClassified
}

// recordClassificationFailure bumps the attempt counter and marks the
// email failed once the budget is spent. Recovery-check failures say
// something about the API, not the email: the counter is left alone and
// the email stays pending.
func (e *Engine) recordClassificationFailure(email *database.Email, cause error, recovery bool) outcome {
	var cerr *classifier.ClassificationError
	if !errors.As(cause, &cerr) {
		e.logger.Error("classification failed", "email_id", email.ID, "error", cause)
		return outcomeError
	}

	e.degradation.RecordClaudeFailure()

	if recovery {
		e.logger.Warn("recovery check failed, staying degraded", "email_id", email.ID, "error", cerr)
		return outcomePendingDegraded
	}

	attempts, err := e.db.Emails.IncrementClassificationAttempts(email.ID)
	if err != nil {
		e.logger.Error("attempt counter update failed", "email_id", email.ID, "error", err)
		return outcomeError
	}

	if attempts >= classifier.MaxClassificationAttempts {
		if err := e.db.Emails.UpdateClassificationStatus(email.ID, database.ClassificationFailed, nil); err != nil {
			e.logger.Error("failed-status update failed", "email_id", email.ID, "error", err)
		}
		e.logger.Warn("email marked failed", "email_id", email.ID, "attempts", attempts)
	} else {
		e.logger.Warn("classification attempt failed", "email_id", email.ID, "attempts", attempts, "error", cerr)
	}
	return outcomeFailed
}
