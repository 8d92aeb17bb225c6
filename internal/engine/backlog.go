package engine

import (
	"context"

	"outlook-organiser/internal/classifier"
	"outlook-organiser/internal/config"
)

// processBacklog runs one recovery sweep: pending emails with no
// suggestion, oldest first, fed back through the LLM rung only.
// Auto-rules were already checked when each message first arrived. One
// sweep per cycle bounds recovery work.
func (e *Engine) processBacklog(ctx context.Context, cycleID string, cfg *config.Config, prompts *classifier.PromptBuilder, systemPrompt string) int {
	emails, err := e.db.Emails.GetPendingBacklog(cfg.Triage.BatchSize)
	if err != nil {
		e.logger.Error("backlog query failed", "error", err)
		return 0
	}
	if len(emails) == 0 {
		return 0
	}

	e.logger.Info("processing backlog", "cycle_id", cycleID, "count", len(emails))

	done := 0
	for i := range emails {
		if ctx.Err() != nil {
			break
		}
		// While degraded, each email costs the cycle's one recovery
		// call; a success clears degradation and the sweep continues at
		// full speed. A sweep that trips degradation stops the same way
		// once the recovery call is gone.
		recovery := false
		if e.degradation.DegradedByClaude() {
			if !e.spendRecoveryCall() {
				break
			}
			recovery = true
		}
		if e.classifyAndPersist(ctx, cycleID, &emails[i], cfg, prompts, systemPrompt, recovery) == outcomeClassified {
			done++
		}
	}
	return done
}
